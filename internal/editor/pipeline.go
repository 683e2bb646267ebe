// Package editor is the single funnel for catalog mutation. Every
// command, whether from an admin session or the AI orchestrator, runs
// the same stages: authorize, resolve lock, validate, version gate,
// apply, propagate to script siblings, emit.
package editor

import (
	"log"
	"strings"

	"github.com/google/uuid"

	"stagecraft.dev/internal/assets"
	"stagecraft.dev/internal/catalog"
	"stagecraft.dev/internal/deploylock"
	"stagecraft.dev/internal/protocol"
	"stagecraft.dev/internal/scriptmod"
)

// Caller identifies the session submitting a command. NetworkID tags
// emitted deltas so the fan-out can suppress the echo.
type Caller struct {
	SessionID string
	NetworkID string
	Rank      int
}

// Roster is the live player directory the moderation commands act on.
// It lives outside the catalog; presence is not durable state.
type Roster interface {
	SetRank(playerID string, rank int) error
	Kick(playerID string) error
	Mute(playerID string, muted bool) error
	SetSpawn(op, networkID string) error
}

// EntrySource fetches stored entry-file bytes for script format
// inference. The asset store satisfies it.
type EntrySource interface {
	Get(filename string) ([]byte, error)
}

type Pipeline struct {
	cat     *catalog.Catalog
	locks   *deploylock.Manager
	roster  Roster
	entries EntrySource
	logger  *log.Logger
}

type Option func(*Pipeline)

func WithRoster(r Roster) Option { return func(p *Pipeline) { p.roster = r } }

func WithEntrySource(s EntrySource) Option { return func(p *Pipeline) { p.entries = s } }

func WithLogger(l *log.Logger) Option { return func(p *Pipeline) { p.logger = l } }

func New(cat *catalog.Catalog, locks *deploylock.Manager, opts ...Option) *Pipeline {
	p := &Pipeline{cat: cat, locks: locks}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Apply runs one decoded command through the pipeline. The returned
// error, if any, is a protocol.CodedError ready for onAdminResult.
func (p *Pipeline) Apply(caller Caller, cmd protocol.Command) error {
	switch c := cmd.(type) {
	case *protocol.BlueprintAddCmd:
		return p.blueprintAdd(caller, c.Blueprint)
	case *protocol.BlueprintModifyCmd:
		return p.blueprintModify(caller, c.Change, c.LockToken)
	case *protocol.BlueprintRemoveCmd:
		return p.blueprintRemove(caller, c.ID)
	case *protocol.EntityAddCmd:
		return p.entityAdd(caller, c.Entity)
	case *protocol.EntityModifyCmd:
		return p.entityModify(caller, c.Change)
	case *protocol.EntityRemoveCmd:
		return p.entityRemove(caller, c.ID)
	case *protocol.SettingsModifyCmd:
		return p.settingsModify(caller, c.Key, c.Value)
	case *protocol.SpawnModifyCmd:
		return p.withRoster(caller, func(r Roster) error { return r.SetSpawn(c.Op, c.NetworkID) })
	case *protocol.ModifyRankCmd:
		if c.Rank < protocol.RankVisitor || c.Rank > protocol.RankAdmin {
			return protocol.Codedf(protocol.ErrBadRequest, "rank out of range: %d", c.Rank)
		}
		return p.withRoster(caller, func(r Roster) error { return r.SetRank(c.PlayerID, c.Rank) })
	case *protocol.KickCmd:
		return p.withRoster(caller, func(r Roster) error { return r.Kick(c.PlayerID) })
	case *protocol.MuteCmd:
		return p.withRoster(caller, func(r Roster) error { return r.Mute(c.PlayerID, c.Muted) })
	case *protocol.CleanCmd:
		_, err := p.Clean(caller)
		return err
	default:
		return protocol.Codedf(protocol.ErrBadRequest, "unhandled command %T", cmd)
	}
}

// requireBuild checks the caller against the world's minimum build
// rank from settings.
func (p *Pipeline) requireBuild(caller Caller) error {
	min := p.cat.Settings().Rank
	if caller.Rank >= min {
		return nil
	}
	if min >= protocol.RankAdmin {
		return protocol.Coded(protocol.ErrAdminRequired)
	}
	return protocol.Coded(protocol.ErrBuilderRequired)
}

func requireAdmin(caller Caller) error {
	if caller.Rank < protocol.RankAdmin {
		return protocol.Coded(protocol.ErrAdminRequired)
	}
	return nil
}

func (p *Pipeline) withRoster(caller Caller, fn func(Roster) error) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	if p.roster == nil {
		return protocol.Codedf(protocol.ErrBadRequest, "no player roster attached")
	}
	return fn(p.roster)
}

// LockScope reports the deploy-lock scope covering a blueprint, the
// same derivation every command in the pipeline uses.
func LockScope(bp protocol.Blueprint) string {
	s, _ := scopeOf(bp.ID, bp.Scope)
	return s
}

// scopeOf derives the lock scope covering a blueprint: its explicit
// scope field when set, otherwise the base of its id.
func scopeOf(id, explicit string) (string, error) {
	if s := strings.TrimSpace(explicit); s != "" {
		return s, nil
	}
	if strings.TrimSpace(id) == "" {
		return "", protocol.Coded(protocol.ErrScopeRequired)
	}
	return deploylock.ScopeFor(id), nil
}

// withLock runs fn while the caller is covered by scope. A presented
// token must be valid (for the scope or global). Multi-record commits
// require one; single-record commits may present none, in which case a
// transient lock is acquired and released on the caller's behalf.
func (p *Pipeline) withLock(scope, owner, token string, multi bool, fn func() error) error {
	if token != "" {
		if !p.locks.Holds(scope, token) {
			if cur, ok := p.locks.Current(scope); ok && cur.Token != token {
				return &protocol.CodedError{
					Code: protocol.ErrLocked,
					Lock: &protocol.LockInfo{Owner: cur.Owner, ExpiresAt: cur.ExpiresAt.UnixMilli()},
				}
			}
			return protocol.Codedf(protocol.ErrDeployRequired, "stale lock token for scope %s", scope)
		}
		return fn()
	}
	if multi {
		return protocol.Codedf(protocol.ErrDeployRequired, "multi-record commit on scope %s needs a deploy lock", scope)
	}
	l, err := p.locks.Acquire(scope, owner, 0)
	if err != nil {
		return err
	}
	defer p.locks.Release(scope, l.Token)
	return fn()
}

func (p *Pipeline) blueprintAdd(caller Caller, bp protocol.Blueprint) error {
	if err := p.requireBuild(caller); err != nil {
		return err
	}
	bp.ID = strings.TrimSpace(bp.ID)
	if bp.ID == "" {
		return protocol.Codedf(protocol.ErrBadRequest, "blueprint id required")
	}
	scope, err := scopeOf(bp.ID, bp.Scope)
	if err != nil {
		return err
	}
	return p.withLock(scope, caller.SessionID, "", false, func() error {
		_, err := p.cat.Mutate(caller.NetworkID, func(tx *catalog.Tx) error {
			if _, exists := tx.Blueprint(bp.ID); exists {
				return protocol.Codedf(protocol.ErrBadRequest, "blueprint %s already exists", bp.ID)
			}
			if err := checkScript(tx, &bp); err != nil {
				return err
			}
			bp.Version = 1
			tx.AddBlueprint(bp)
			return nil
		})
		return err
	})
}

func (p *Pipeline) blueprintModify(caller Caller, change protocol.BlueprintChange, token string) error {
	if err := p.requireBuild(caller); err != nil {
		return err
	}
	change.ID = strings.TrimSpace(change.ID)
	if change.ID == "" {
		return protocol.Codedf(protocol.ErrBadRequest, "blueprint id required")
	}
	cur, ok := p.cat.Blueprint(change.ID)
	if !ok {
		return protocol.Codedf(protocol.ErrNotFound, "blueprint %s", change.ID)
	}
	scope, err := scopeOf(cur.ID, cur.Scope)
	if err != nil {
		return err
	}
	// A scriptFiles rewrite or a script change that mirrors into
	// siblings writes more than one logical record.
	multi := change.ScriptFiles != nil ||
		(change.Script != nil && p.cat.ScriptRefs(cur.ID) > 0)
	return p.withLock(scope, caller.SessionID, token, multi, func() error {
		_, err := p.cat.Mutate(caller.NetworkID, func(tx *catalog.Tx) error {
			bp, ok := tx.Blueprint(change.ID)
			if !ok {
				return protocol.Codedf(protocol.ErrNotFound, "blueprint %s", change.ID)
			}
			if change.Version != bp.Version+1 {
				return protocol.Codedf(protocol.ErrVersionMismatch,
					"blueprint %s is at version %d, commit proposed %d", bp.ID, bp.Version, change.Version)
			}
			if err := applyBlueprintChange(tx, &bp, change, p.entries); err != nil {
				return err
			}
			bp.Version++
			tx.PutBlueprint(bp)
			if change.Script != nil {
				propagateSiblings(tx, bp)
			}
			return nil
		})
		return err
	})
}

// applyBlueprintChange merges non-nil fields of change into bp and
// validates the resulting script state.
func applyBlueprintChange(tx *catalog.Tx, bp *protocol.Blueprint, change protocol.BlueprintChange, entries EntrySource) error {
	if change.Name != nil {
		bp.Name = *change.Name
	}
	if change.Model != nil {
		bp.Model = *change.Model
	}
	if change.Image != nil {
		bp.Image = *change.Image
	}
	if change.Author != nil {
		bp.Author = *change.Author
	}
	if change.Desc != nil {
		bp.Desc = *change.Desc
	}
	if change.URL != nil {
		bp.URL = *change.URL
	}
	if change.Disabled != nil {
		bp.Disabled = *change.Disabled
	}
	if change.Preload != nil {
		bp.Preload = *change.Preload
	}
	if change.Unique != nil {
		bp.Unique = *change.Unique
	}
	if change.Keep != nil {
		bp.Keep = *change.Keep
	}
	if change.Frozen != nil {
		bp.Frozen = *change.Frozen
	}
	if change.Props != nil {
		bp.Props = change.Props
	}
	if change.Scope != nil {
		bp.Scope = *change.Scope
	}
	if change.Script != nil {
		bp.Script = *change.Script
	}
	if change.ScriptEntry != nil {
		bp.ScriptEntry = *change.ScriptEntry
	}
	if change.ScriptRef != nil {
		bp.ScriptRef = *change.ScriptRef
	}
	if change.ScriptFiles != nil {
		bp.ScriptFiles = change.ScriptFiles
	}
	if change.ScriptFormat != nil {
		bp.ScriptFormat = *change.ScriptFormat
	} else if change.Script != nil {
		bp.ScriptFormat = inferStoredFormat(entries, bp.Script, bp.ScriptFormat)
	}
	return checkScript(tx, bp)
}

// checkScript enforces the script consistency invariants on a
// fully-merged blueprint: valid canonical paths, entry membership, and
// scriptRef exclusivity.
func checkScript(tx *catalog.Tx, bp *protocol.Blueprint) error {
	if len(bp.ScriptFiles) > 0 {
		if bp.ScriptRef != "" {
			return protocol.Codedf(protocol.ErrInvalidScriptFiles,
				"blueprint %s carries both scriptRef and its own scriptFiles", bp.ID)
		}
		canon := make(map[string]string, len(bp.ScriptFiles))
		for path, url := range bp.ScriptFiles {
			canon[scriptmod.CanonicalizeShared(path)] = url
		}
		entry := scriptmod.CanonicalizeShared(bp.ScriptEntry)
		if bad, entryOK := scriptmod.ValidateFiles(canon, entry); bad != "" {
			return protocol.Codedf(protocol.ErrInvalidScriptFiles, "bad script path %q", bad)
		} else if !entryOK {
			return protocol.Codedf(protocol.ErrMissingScriptFile, "entry %q not in script files", bp.ScriptEntry)
		}
		bp.ScriptFiles = canon
		bp.ScriptEntry = entry
	}
	if bp.ScriptRef != "" {
		ref, ok := tx.Blueprint(bp.ScriptRef)
		if !ok || len(ref.ScriptFiles) == 0 {
			return protocol.Codedf(protocol.ErrMissingScriptFile,
				"scriptRef %s has no script files", bp.ScriptRef)
		}
	}
	return nil
}

// inferStoredFormat classifies a newly saved entry script by fetching
// its stored bytes. When the bytes are unavailable the previous format
// is kept; module is assumed for a blueprint that never had one.
func inferStoredFormat(entries EntrySource, scriptURL, prev string) string {
	if entries != nil {
		name := strings.TrimPrefix(scriptURL, assets.Scheme)
		if b, err := entries.Get(name); err == nil {
			return scriptmod.InferFormat(b)
		}
	}
	if prev != "" {
		return prev
	}
	return protocol.ScriptFormatModule
}

// propagateSiblings mirrors the main's entry script URL and format into
// every blueprint whose scriptRef points at it, each with its own
// version bump, inside the same commit.
func propagateSiblings(tx *catalog.Tx, main protocol.Blueprint) {
	tx.EachBlueprint(func(bp protocol.Blueprint) {
		if bp.ScriptRef != main.ID || bp.ID == main.ID {
			return
		}
		bp.Script = main.Script
		bp.ScriptFormat = main.ScriptFormat
		bp.Version++
		tx.PutBlueprint(bp)
	})
}

func (p *Pipeline) blueprintRemove(caller Caller, id string) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	scope, err := scopeOf(id, "")
	if err != nil {
		return err
	}
	return p.withLock(scope, caller.SessionID, "", false, func() error {
		_, err := p.cat.Mutate(caller.NetworkID, func(tx *catalog.Tx) error {
			if _, ok := tx.Blueprint(id); !ok {
				return protocol.Codedf(protocol.ErrNotFound, "blueprint %s", id)
			}
			if refs := tx.EntityRefs(id); refs > 0 {
				return &protocol.CodedError{
					Code:   protocol.ErrInUse,
					Detail: "entities reference this blueprint",
					Refs:   refs,
				}
			}
			if refs := tx.ScriptRefs(id); refs > 0 {
				return &protocol.CodedError{
					Code:   protocol.ErrInUse,
					Detail: "script siblings reference this blueprint",
					Refs:   refs,
				}
			}
			tx.RemoveBlueprint(id)
			return nil
		})
		return err
	})
}

func (p *Pipeline) entityAdd(caller Caller, e protocol.Entity) error {
	if err := p.requireBuild(caller); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Blueprint == "" {
		return protocol.Codedf(protocol.ErrBadRequest, "entity %s has no blueprint", e.ID)
	}
	scope, err := scopeOf(e.Blueprint, "")
	if err != nil {
		return err
	}
	return p.withLock(scope, caller.SessionID, "", false, func() error {
		_, err := p.cat.Mutate(caller.NetworkID, func(tx *catalog.Tx) error {
			if _, exists := tx.Entity(e.ID); exists {
				return protocol.Codedf(protocol.ErrBadRequest, "entity %s already exists", e.ID)
			}
			bp, ok := tx.Blueprint(e.Blueprint)
			if !ok {
				return protocol.Codedf(protocol.ErrBadRequest, "unknown blueprint %s", e.Blueprint)
			}
			// Unique blueprints never get a second instance; the new
			// entity is rebound to a fresh fork instead.
			if bp.Unique && tx.EntityRefs(bp.ID) > 0 {
				fork := forkOf(bp, nil)
				tx.AddBlueprint(fork)
				e.Blueprint = fork.ID
			}
			if e.Scale == ([3]float64{}) {
				e.Scale = [3]float64{1, 1, 1}
			}
			if e.Quaternion == ([4]float64{}) {
				e.Quaternion = [4]float64{0, 0, 0, 1}
			}
			if e.Uploader == "" {
				e.Uploader = caller.NetworkID
			}
			e.Version = 1
			tx.AddEntity(e)
			return nil
		})
		return err
	})
}

func (p *Pipeline) entityModify(caller Caller, change protocol.EntityChange) error {
	if err := p.requireBuild(caller); err != nil {
		return err
	}
	if change.ID == "" {
		return protocol.Codedf(protocol.ErrBadRequest, "entity id required")
	}

	// Transient per-instance state rides the runtime stream: no version
	// gate, no lock, last writer wins.
	if stateOnly(change) {
		_, err := p.cat.Mutate(caller.NetworkID, func(tx *catalog.Tx) error {
			e, ok := tx.Entity(change.ID)
			if !ok {
				return protocol.Codedf(protocol.ErrNotFound, "entity %s", change.ID)
			}
			e.State = change.State
			e.Version++
			tx.PutEntityState(e)
			return nil
		})
		return err
	}

	cur, ok := p.cat.Entity(change.ID)
	if !ok {
		return protocol.Codedf(protocol.ErrNotFound, "entity %s", change.ID)
	}
	scope, err := scopeOf(cur.Blueprint, "")
	if err != nil {
		return err
	}
	return p.withLock(scope, caller.SessionID, "", false, func() error {
		_, err := p.cat.Mutate(caller.NetworkID, func(tx *catalog.Tx) error {
			e, ok := tx.Entity(change.ID)
			if !ok {
				return protocol.Codedf(protocol.ErrNotFound, "entity %s", change.ID)
			}
			if change.Version != e.Version+1 {
				return protocol.Codedf(protocol.ErrVersionMismatch,
					"entity %s is at version %d, commit proposed %d", e.ID, e.Version, change.Version)
			}
			if change.Position != nil {
				e.Position = *change.Position
			}
			if change.Quaternion != nil {
				e.Quaternion = *change.Quaternion
			}
			if change.Scale != nil {
				e.Scale = *change.Scale
			}
			if change.Mover != nil {
				e.Mover = *change.Mover
			}
			if change.Pinned != nil {
				e.Pinned = *change.Pinned
			}
			if change.Props != nil {
				e.Props = change.Props
			}
			if change.State != nil {
				e.State = change.State
			}
			e.Version++
			tx.PutEntity(e)
			return nil
		})
		return err
	})
}

func stateOnly(c protocol.EntityChange) bool {
	return c.State != nil &&
		c.Position == nil && c.Quaternion == nil && c.Scale == nil &&
		c.Mover == nil && c.Pinned == nil && c.Props == nil
}

func (p *Pipeline) entityRemove(caller Caller, id string) error {
	if err := p.requireBuild(caller); err != nil {
		return err
	}
	cur, ok := p.cat.Entity(id)
	if !ok {
		return protocol.Codedf(protocol.ErrNotFound, "entity %s", id)
	}
	if cur.Pinned {
		if err := requireAdmin(caller); err != nil {
			return err
		}
	}
	scope, err := scopeOf(cur.Blueprint, "")
	if err != nil {
		return err
	}
	return p.withLock(scope, caller.SessionID, "", false, func() error {
		_, err := p.cat.Mutate(caller.NetworkID, func(tx *catalog.Tx) error {
			if _, ok := tx.Entity(id); !ok {
				return protocol.Codedf(protocol.ErrNotFound, "entity %s", id)
			}
			tx.RemoveEntity(id)
			return nil
		})
		return err
	})
}

func (p *Pipeline) settingsModify(caller Caller, key string, value any) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	return p.withLock(deploylock.ScopeGlobal, caller.SessionID, "", false, func() error {
		_, err := p.cat.Mutate(caller.NetworkID, func(tx *catalog.Tx) error {
			s := tx.Settings()
			if err := setSettingsKey(&s, key, value); err != nil {
				return err
			}
			s.Version++
			tx.PutSettings(s)
			return nil
		})
		return err
	})
}

func setSettingsKey(s *protocol.Settings, key string, value any) error {
	switch key {
	case "title":
		return assignString(&s.Title, key, value)
	case "desc":
		return assignString(&s.Desc, key, value)
	case "image":
		return assignString(&s.Image, key, value)
	case "avatar":
		return assignString(&s.Avatar, key, value)
	case "voice":
		return assignString(&s.Voice, key, value)
	case "customAvatars":
		return assignBool(&s.CustomAvatars, key, value)
	case "ao":
		return assignBool(&s.AO, key, value)
	case "playerLimit":
		return assignInt(&s.PlayerLimit, key, value, 0, 1<<15)
	case "rank":
		return assignInt(&s.Rank, key, value, protocol.RankVisitor, protocol.RankAdmin)
	default:
		return protocol.Codedf(protocol.ErrBadRequest, "unknown settings key %q", key)
	}
}

func assignString(dst *string, key string, value any) error {
	v, ok := value.(string)
	if !ok {
		return protocol.Codedf(protocol.ErrBadRequest, "%s: want string, got %T", key, value)
	}
	*dst = v
	return nil
}

func assignBool(dst *bool, key string, value any) error {
	v, ok := value.(bool)
	if !ok {
		return protocol.Codedf(protocol.ErrBadRequest, "%s: want bool, got %T", key, value)
	}
	*dst = v
	return nil
}

// assignInt accepts the integer representations CBOR and JSON decoders
// produce for an untyped value.
func assignInt(dst *int, key string, value any, lo, hi int) error {
	var v int
	switch n := value.(type) {
	case int:
		v = n
	case int64:
		v = int(n)
	case uint64:
		v = int(n)
	case float64:
		v = int(n)
	default:
		return protocol.Codedf(protocol.ErrBadRequest, "%s: want int, got %T", key, value)
	}
	if v < lo || v > hi {
		return protocol.Codedf(protocol.ErrBadRequest, "%s out of range: %d", key, v)
	}
	*dst = v
	return nil
}

// Fork creates a copy of source under a fresh id in the same scope
// base, at version 1, with overrides applied. Entities keep pointing at
// the source unless the caller rebinds them.
func (p *Pipeline) Fork(caller Caller, sourceID string, overrides func(*protocol.Blueprint)) (protocol.Blueprint, error) {
	if err := p.requireBuild(caller); err != nil {
		return protocol.Blueprint{}, err
	}
	scope, err := scopeOf(sourceID, "")
	if err != nil {
		return protocol.Blueprint{}, err
	}
	var fork protocol.Blueprint
	err = p.withLock(scope, caller.SessionID, "", false, func() error {
		_, err := p.cat.Mutate(caller.NetworkID, func(tx *catalog.Tx) error {
			src, ok := tx.Blueprint(sourceID)
			if !ok {
				return protocol.Codedf(protocol.ErrNotFound, "blueprint %s", sourceID)
			}
			fork = forkOf(src, overrides)
			if err := checkScript(tx, &fork); err != nil {
				return err
			}
			tx.AddBlueprint(fork)
			return nil
		})
		return err
	})
	if err != nil {
		return protocol.Blueprint{}, err
	}
	return fork, nil
}

func forkOf(src protocol.Blueprint, overrides func(*protocol.Blueprint)) protocol.Blueprint {
	fork := src
	fork.ID = scriptmod.BaseID(src.ID) + "__" + forkSuffix()
	fork.Version = 1
	fork.Unique = src.Unique
	if overrides != nil {
		overrides(&fork)
	}
	return fork
}

func forkSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Clean sweeps blueprints nothing references: no entity instance, no
// scriptRef, not kept, not the scene root. Runs under a transient
// global lock so it cannot interleave with a deploy.
func (p *Pipeline) Clean(caller Caller) (removed int, err error) {
	if err := requireAdmin(caller); err != nil {
		return 0, err
	}
	err = p.withLock(deploylock.ScopeGlobal, caller.SessionID, "", false, func() error {
		_, err := p.cat.Mutate(caller.NetworkID, func(tx *catalog.Tx) error {
			var victims []string
			tx.EachBlueprint(func(bp protocol.Blueprint) {
				if bp.Keep || bp.Scene || bp.ID == protocol.SceneID {
					return
				}
				if tx.EntityRefs(bp.ID) > 0 || tx.ScriptRefs(bp.ID) > 0 {
					return
				}
				victims = append(victims, bp.ID)
			})
			for _, id := range victims {
				tx.RemoveBlueprint(id)
			}
			removed = len(victims)
			return nil
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	if p.logger != nil && removed > 0 {
		p.logger.Printf("clean: removed %d unused blueprints", removed)
	}
	return removed, nil
}
