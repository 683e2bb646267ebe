// Package ai brokers patch-set edits: one in-flight request per target
// blueprint, a phased event stream back to the requesting session, and
// an application path that feeds the generated patch through the edit
// pipeline under a deploy lock.
package ai

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stagecraft.dev/internal/assets"
	"stagecraft.dev/internal/catalog"
	"stagecraft.dev/internal/deploylock"
	"stagecraft.dev/internal/editor"
	"stagecraft.dev/internal/protocol"
	"stagecraft.dev/internal/scriptmod"
)

const defaultDeadline = 2 * time.Minute

type Orchestrator struct {
	cat      *catalog.Catalog
	pipe     *editor.Pipeline
	locks    *deploylock.Manager
	store    *assets.Store
	provider Provider

	deadline time.Duration
	docsDir  string
	log      *log.Logger

	mu        sync.Mutex
	inflight  map[string]*request  // by target blueprint id
	proposals map[string]*proposal // by request id
}

type request struct {
	id        string
	sessionID string
	target    string
	startedAt time.Time
	cancel    context.CancelFunc
}

type proposal struct {
	requestID   string
	sessionID   string
	target      string
	baseVersion int64
	caller      editor.Caller
	patch       PatchSet
	emit        func(protocol.AIEventMsg)
}

type Option func(*Orchestrator)

func WithDeadline(d time.Duration) Option {
	return func(o *Orchestrator) { o.deadline = d }
}

func WithDocsDir(dir string) Option {
	return func(o *Orchestrator) { o.docsDir = dir }
}

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

func New(cat *catalog.Catalog, pipe *editor.Pipeline, locks *deploylock.Manager, store *assets.Store, provider Provider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cat:       cat,
		pipe:      pipe,
		locks:     locks,
		store:     store,
		provider:  provider,
		deadline:  defaultDeadline,
		inflight:  map[string]*request{},
		proposals: map[string]*proposal{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Request starts one patch generation. It returns immediately with the
// assigned request id; phase events stream through emit from a worker
// goroutine. A non-empty warning reports a discarded earlier proposal
// for the same target.
func (o *Orchestrator) Request(caller editor.Caller, req protocol.AIRequestMsg, emit func(protocol.AIEventMsg)) (string, string, error) {
	if req.Mode != protocol.AIModeEdit && req.Mode != protocol.AIModeFix {
		return "", "", protocol.Codedf(protocol.ErrBadRequest, "unknown ai mode %q", req.Mode)
	}
	target := strings.TrimSpace(req.TargetBlueprintID)
	rootID := strings.TrimSpace(req.ScriptRootID)
	if target == "" || rootID == "" {
		return "", "", protocol.Codedf(protocol.ErrBadRequest, "scriptRootId and targetBlueprintId required")
	}
	root, ok := o.resolveRoot(rootID)
	if !ok {
		return "", "", protocol.Codedf(protocol.ErrNotFound, "blueprint %s", rootID)
	}
	if len(root.ScriptFiles) == 0 {
		return "", "", protocol.Codedf(protocol.ErrMissingScriptFile, "blueprint %s has no script files", rootID)
	}

	o.mu.Lock()
	if _, busy := o.inflight[target]; busy {
		o.mu.Unlock()
		return "", "", protocol.Codedf(protocol.ErrAIRequestPending, "target %s", target)
	}
	var warning string
	for id, prop := range o.proposals {
		if prop.target == target {
			delete(o.proposals, id)
			warning = "previous proposal discarded"
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.deadline)
	r := &request{
		id:        uuid.NewString(),
		sessionID: caller.SessionID,
		target:    target,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	o.inflight[target] = r
	o.mu.Unlock()

	req.ScriptRootID = root.ID
	go o.run(ctx, r, caller, req, emit)
	return r.id, warning, nil
}

// resolveRoot maps any script-group member onto the group's main, the
// blueprint that actually owns the files: a scriptRef is followed, and
// among ref-less members sharing a base id the one named like the base
// wins.
func (o *Orchestrator) resolveRoot(id string) (protocol.Blueprint, bool) {
	bp, ok := o.cat.Blueprint(id)
	if !ok {
		return protocol.Blueprint{}, false
	}
	if bp.ScriptRef != "" {
		if ref, ok := o.cat.Blueprint(bp.ScriptRef); ok {
			return ref, true
		}
	}
	if len(bp.ScriptFiles) > 0 {
		return bp, true
	}
	base := scriptmod.BaseID(id)
	var members []scriptmod.GroupMember
	for _, cand := range o.cat.Blueprints() {
		if scriptmod.BaseID(cand.ID) == base {
			members = append(members, scriptmod.GroupMember{
				ID:          cand.ID,
				ScriptRef:   cand.ScriptRef,
				ScriptFiles: cand.ScriptFiles,
			})
		}
	}
	if mainID := scriptmod.ResolveMain(members); mainID != "" {
		if main, ok := o.cat.Blueprint(mainID); ok {
			return main, true
		}
	}
	return bp, true
}

// CancelSession aborts every in-flight request and drops every pending
// proposal owned by sessionID.
func (o *Orchestrator) CancelSession(sessionID string) {
	o.mu.Lock()
	for target, r := range o.inflight {
		if r.sessionID == sessionID {
			r.cancel()
			delete(o.inflight, target)
		}
	}
	for id, prop := range o.proposals {
		if prop.sessionID == sessionID {
			delete(o.proposals, id)
		}
	}
	o.mu.Unlock()
}

// InFlight reports the number of requests currently generating.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// Commit applies a held proposal. The request id comes from the
// generating request's event stream.
func (o *Orchestrator) Commit(requestID string) error {
	o.mu.Lock()
	prop, ok := o.proposals[requestID]
	if ok {
		delete(o.proposals, requestID)
	}
	o.mu.Unlock()
	if !ok {
		return protocol.Codedf(protocol.ErrNotFound, "proposal %s", requestID)
	}
	o.apply(prop.requestID, prop.caller, prop.target, prop.baseVersion, prop.patch, prop.emit)
	return nil
}

// Discard drops a held proposal without applying it.
func (o *Orchestrator) Discard(requestID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.proposals[requestID]; !ok {
		return false
	}
	delete(o.proposals, requestID)
	return true
}

func (o *Orchestrator) run(ctx context.Context, r *request, caller editor.Caller, req protocol.AIRequestMsg, emit func(protocol.AIEventMsg)) {
	defer r.cancel()
	done := func() {
		o.mu.Lock()
		if cur, ok := o.inflight[r.target]; ok && cur == r {
			delete(o.inflight, r.target)
		}
		o.mu.Unlock()
	}

	event := func(typ, msg string) {
		emit(protocol.AIEventMsg{RequestID: r.id, Type: typ, Message: msg})
	}
	fail := func(msg string) {
		done()
		event(protocol.AIEventError, msg)
	}

	event(protocol.AIEventSessionStart, "")
	event(protocol.AIEventCollectingCtx, "")
	prompt, baseVersion, err := o.collect(req)
	if err != nil {
		fail(err.Error())
		return
	}

	event(protocol.AIEventThinking, "")
	patch, err := o.provider.Generate(ctx, prompt)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
			fail("cancelled")
		} else if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			fail("timeout")
		} else {
			o.printf("ai: provider failed for %s: %v", r.target, err)
			fail(err.Error())
		}
		return
	}
	if patch.ID == "" {
		patch.ID = r.id
	}
	if patch.ScriptRootID == "" {
		patch.ScriptRootID = req.ScriptRootID
	}
	event(protocol.AIEventGeneratingPatch, "")
	if patch.Summary != "" {
		event(protocol.AIEventAssistantMessage, patch.Summary)
	}
	if len(patch.Files) == 0 {
		fail("empty patch-set")
		return
	}

	if !patch.AutoApply {
		o.mu.Lock()
		o.proposals[r.id] = &proposal{
			requestID:   r.id,
			sessionID:   r.sessionID,
			target:      r.target,
			baseVersion: baseVersion,
			caller:      caller,
			patch:       patch,
			emit:        emit,
		}
		delete(o.inflight, r.target)
		o.mu.Unlock()
		event(protocol.AIEventAssistantMessage, "patch ready for preview")
		return
	}

	done()
	o.apply(r.id, caller, r.target, baseVersion, patch, emit)
}

// collect assembles the model input: the script tree's current
// contents read back from the blob store plus any doc attachments. The
// returned version is the root version the patch is generated against;
// a later commit by someone else invalidates the patch.
func (o *Orchestrator) collect(req protocol.AIRequestMsg) (Prompt, int64, error) {
	root, ok := o.cat.Blueprint(req.ScriptRootID)
	if !ok {
		return Prompt{}, 0, protocol.Codedf(protocol.ErrNotFound, "blueprint %s", req.ScriptRootID)
	}
	files := make(map[string]string, len(root.ScriptFiles))
	for path, url := range root.ScriptFiles {
		b, err := o.store.Get(strings.TrimPrefix(url, assets.Scheme))
		if err != nil {
			return Prompt{}, 0, protocol.Codedf(protocol.ErrMissingScriptFile, "%s: %v", path, err)
		}
		files[path] = string(b)
	}
	docs := map[string]string{}
	for _, att := range req.Attachments {
		if att.Kind != "doc" || o.docsDir == "" {
			continue
		}
		p := filepath.Join(o.docsDir, filepath.FromSlash(att.Path))
		if rel, err := filepath.Rel(o.docsDir, p); err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		if b, err := os.ReadFile(p); err == nil {
			docs[att.Path] = string(b)
		}
	}
	return Prompt{
		Mode:   req.Mode,
		Prompt: req.Prompt,
		Error:  req.Error,
		Entry:  root.ScriptEntry,
		Files:  files,
		Docs:   docs,
	}, root.Version, nil
}

// apply overlays the patch on the current script tree, uploads the new
// blobs, and commits the rewrite through the edit pipeline under one
// deploy lock. When the patch targets a shared root with other users it
// forks first and rebinds the target instead.
func (o *Orchestrator) apply(requestID string, caller editor.Caller, targetID string, baseVersion int64, patch PatchSet, emit func(protocol.AIEventMsg)) {
	event := func(typ, msg string) {
		emit(protocol.AIEventMsg{RequestID: requestID, Type: typ, Message: msg})
	}
	event(protocol.AIEventApplying, "")

	root, ok := o.cat.Blueprint(patch.ScriptRootID)
	if !ok {
		event(protocol.AIEventError, "blueprint "+patch.ScriptRootID+" is gone")
		return
	}

	files := make(map[string]string, len(root.ScriptFiles)+len(patch.Files))
	for path, url := range root.ScriptFiles {
		files[path] = url
	}
	entryPatched := false
	for _, pf := range patch.Files {
		path := scriptmod.CanonicalizeShared(pf.Path)
		if !scriptmod.ValidPath(path) {
			event(protocol.AIEventError, "bad patch path "+pf.Path)
			return
		}
		data := []byte(pf.Content)
		name := assets.Name(path, data)
		if err := o.store.Put(name, data); err != nil {
			event(protocol.AIEventError, protocol.CodeOf(err))
			return
		}
		files[path] = assets.URL(name)
		if path == root.ScriptEntry {
			entryPatched = true
		}
	}

	entry := root.ScriptEntry
	script := files[entry]
	format := root.ScriptFormat
	if entryPatched {
		for _, pf := range patch.Files {
			if scriptmod.CanonicalizeShared(pf.Path) == entry {
				format = scriptmod.InferFormat([]byte(pf.Content))
			}
		}
	}
	if format == "" {
		format = protocol.ScriptFormatModule
	}

	var err error
	if o.needsFork(root, targetID) {
		err = o.applyForked(caller, root, targetID, files, entry, script, format)
	} else {
		err = o.applyDirect(caller, root, baseVersion, files, entry, script, format)
	}
	if err != nil {
		o.printf("ai: apply failed for %s: %v", root.ID, err)
		event(protocol.AIEventError, protocol.CodeOf(err))
		return
	}
	emit(protocol.AIEventMsg{
		RequestID: requestID,
		Type:      protocol.AIEventApplyResult,
		OK:        true,
		FileCount: len(patch.Files),
		Message:   patch.Summary,
	})
}

// needsFork is true when the edit targets one sibling of a shared root
// that other siblings still use: rewriting the root in place would
// change script behavior under blueprints the caller is not editing.
func (o *Orchestrator) needsFork(root protocol.Blueprint, targetID string) bool {
	if targetID == root.ID {
		return false
	}
	target, ok := o.cat.Blueprint(targetID)
	if !ok || target.ScriptRef != root.ID {
		return false
	}
	return o.cat.ScriptRefs(root.ID) > 1
}

func (o *Orchestrator) applyDirect(caller editor.Caller, root protocol.Blueprint, baseVersion int64, files map[string]string, entry, script, format string) error {
	lock, err := o.locks.Acquire(editor.LockScope(root), "ai:"+caller.SessionID, 0)
	if err != nil {
		return err
	}
	defer o.locks.Release(lock.Scope, lock.Token)
	return o.pipe.Apply(caller, &protocol.BlueprintModifyCmd{
		Change: protocol.BlueprintChange{
			ID:           root.ID,
			Version:      baseVersion + 1,
			ScriptFiles:  files,
			Script:       &script,
			ScriptEntry:  &entry,
			ScriptFormat: &format,
		},
		LockToken: lock.Token,
	})
}

// applyForked clones the root with the patched tree and repoints the
// target sibling's scriptRef at the clone, leaving other siblings on
// the original script.
func (o *Orchestrator) applyForked(caller editor.Caller, root protocol.Blueprint, targetID string, files map[string]string, entry, script, format string) error {
	fork, err := o.pipe.Fork(caller, root.ID, func(bp *protocol.Blueprint) {
		bp.ScriptRef = ""
		bp.ScriptFiles = files
		bp.ScriptEntry = entry
		bp.Script = script
		bp.ScriptFormat = format
	})
	if err != nil {
		return err
	}
	target, ok := o.cat.Blueprint(targetID)
	if !ok {
		return protocol.Codedf(protocol.ErrNotFound, "blueprint %s", targetID)
	}
	ref := fork.ID
	return o.pipe.Apply(caller, &protocol.BlueprintModifyCmd{
		Change: protocol.BlueprintChange{
			ID:           target.ID,
			Version:      target.Version + 1,
			ScriptRef:    &ref,
			Script:       &script,
			ScriptFormat: &format,
		},
	})
}

func (o *Orchestrator) printf(format string, args ...any) {
	if o.log != nil {
		o.log.Printf(format, args...)
	}
}
