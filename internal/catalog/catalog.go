// Package catalog owns the authoritative blueprint/entity/settings
// state. All mutation funnels through Mutate; persistence is
// write-through, committed before any delta fans out.
package catalog

import (
	"fmt"
	"sort"
	"sync"

	"stagecraft.dev/internal/protocol"
)

// Persister commits a batch of record writes atomically. The SQLite
// implementation lives in internal/persistence/catalogdb.
type Persister interface {
	Apply(ops []Op) error
}

// Op is one record write inside a commit. Kind is the delta method the
// fan-out will carry.
type Op struct {
	Kind      string
	Blueprint *protocol.Blueprint
	Entity    *protocol.Entity
	Settings  *protocol.Settings
	RemovedID string
	Runtime   bool
}

// Sink receives the delta frames of one commit after it is durable. It
// runs with the commit lock held, so implementations must not read back
// into the catalog.
type Sink func(frames []protocol.DeltaFrame)

type Catalog struct {
	mu sync.RWMutex

	blueprints map[string]protocol.Blueprint
	entities   map[string]protocol.Entity
	settings   protocol.Settings

	store     Persister
	sink      Sink
	commitSeq uint64
}

func New(store Persister) *Catalog {
	return &Catalog{
		blueprints: map[string]protocol.Blueprint{},
		entities:   map[string]protocol.Entity{},
		store:      store,
	}
}

// SetSink installs the fan-out hook. Must be called before traffic.
func (c *Catalog) SetSink(s Sink) {
	c.mu.Lock()
	c.sink = s
	c.mu.Unlock()
}

// Seed loads records during startup restore without persisting or
// emitting.
func (c *Catalog) Seed(bps []protocol.Blueprint, ents []protocol.Entity, settings protocol.Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, bp := range bps {
		c.blueprints[bp.ID] = bp
	}
	for _, e := range ents {
		c.entities[e.ID] = e
	}
	c.settings = settings
}

func (c *Catalog) Blueprint(id string) (protocol.Blueprint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bp, ok := c.blueprints[id]
	if !ok {
		return protocol.Blueprint{}, false
	}
	return cloneBlueprint(bp), true
}

func (c *Catalog) Entity(id string) (protocol.Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entities[id]
	if !ok {
		return protocol.Entity{}, false
	}
	return cloneEntity(e), true
}

func (c *Catalog) Settings() protocol.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneSettings(c.settings)
}

func (c *Catalog) Blueprints() []protocol.Blueprint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]protocol.Blueprint, 0, len(c.blueprints))
	for _, bp := range c.blueprints {
		out = append(out, cloneBlueprint(bp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) Entities() []protocol.Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]protocol.Entity, 0, len(c.entities))
	for _, e := range c.entities {
		out = append(out, cloneEntity(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EntityRefs counts entities referencing a blueprint.
func (c *Catalog) EntityRefs(blueprintID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, e := range c.entities {
		if e.Blueprint == blueprintID {
			n++
		}
	}
	return n
}

// ScriptRefs counts blueprints whose scriptRef targets the given id.
func (c *Catalog) ScriptRefs(blueprintID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, bp := range c.blueprints {
		if bp.ScriptRef == blueprintID {
			n++
		}
	}
	return n
}

func (c *Catalog) Snapshot() protocol.SnapshotMsg {
	return protocol.SnapshotMsg{
		Blueprints: c.Blueprints(),
		Entities:   c.Entities(),
		Settings:   c.Settings(),
	}
}

// Counts reports table sizes for the metrics endpoint.
func (c *Catalog) Counts() (blueprints, entities int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blueprints), len(c.entities)
}

// CommitSeq returns the sequence number of the latest commit.
func (c *Catalog) CommitSeq() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.commitSeq
}

// Tx is the read-and-stage view handed to Mutate callbacks. Reads see
// the committed state; staged ops apply only if the callback succeeds.
type Tx struct {
	c   *Catalog
	ops []Op
}

func (tx *Tx) Blueprint(id string) (protocol.Blueprint, bool) {
	bp, ok := tx.c.blueprints[id]
	if !ok {
		return protocol.Blueprint{}, false
	}
	return cloneBlueprint(bp), true
}

func (tx *Tx) Entity(id string) (protocol.Entity, bool) {
	e, ok := tx.c.entities[id]
	if !ok {
		return protocol.Entity{}, false
	}
	return cloneEntity(e), true
}

func (tx *Tx) Settings() protocol.Settings { return cloneSettings(tx.c.settings) }

func (tx *Tx) EachBlueprint(fn func(bp protocol.Blueprint)) {
	for _, bp := range tx.c.blueprints {
		fn(cloneBlueprint(bp))
	}
}

func (tx *Tx) EntityRefs(blueprintID string) int {
	n := 0
	for _, e := range tx.c.entities {
		if e.Blueprint == blueprintID {
			n++
		}
	}
	return n
}

func (tx *Tx) ScriptRefs(blueprintID string) int {
	n := 0
	for _, bp := range tx.c.blueprints {
		if bp.ScriptRef == blueprintID {
			n++
		}
	}
	return n
}

func (tx *Tx) AddBlueprint(bp protocol.Blueprint) {
	tx.ops = append(tx.ops, Op{Kind: protocol.MethodBlueprintAdded, Blueprint: &bp})
}

func (tx *Tx) PutBlueprint(bp protocol.Blueprint) {
	tx.ops = append(tx.ops, Op{Kind: protocol.MethodBlueprintModified, Blueprint: &bp})
}

func (tx *Tx) RemoveBlueprint(id string) {
	tx.ops = append(tx.ops, Op{Kind: protocol.MethodBlueprintRemoved, RemovedID: id})
}

func (tx *Tx) AddEntity(e protocol.Entity) {
	tx.ops = append(tx.ops, Op{Kind: protocol.MethodEntityAdded, Entity: &e})
}

func (tx *Tx) PutEntity(e protocol.Entity) {
	tx.ops = append(tx.ops, Op{Kind: protocol.MethodEntityModified, Entity: &e})
}

// PutEntityState stages a transient-state update delivered only to
// runtime subscribers.
func (tx *Tx) PutEntityState(e protocol.Entity) {
	tx.ops = append(tx.ops, Op{Kind: protocol.MethodEntityModified, Entity: &e, Runtime: true})
}

func (tx *Tx) RemoveEntity(id string) {
	tx.ops = append(tx.ops, Op{Kind: protocol.MethodEntityRemoved, RemovedID: id})
}

func (tx *Tx) PutSettings(s protocol.Settings) {
	tx.ops = append(tx.ops, Op{Kind: protocol.MethodSettingsChanged, Settings: &s})
}

// Mutate runs fn under the commit lock, persists the staged ops, applies
// them to memory, and fans the resulting frames out as one atomic group.
// Commits are serialized; the optimistic version gate inside fn is
// therefore race-free.
func (c *Catalog) Mutate(networkID string, fn func(tx *Tx) error) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx := &Tx{c: c}
	if err := fn(tx); err != nil {
		return 0, err
	}
	if len(tx.ops) == 0 {
		return c.commitSeq, nil
	}

	if c.store != nil {
		if err := c.store.Apply(tx.ops); err != nil {
			return 0, fmt.Errorf("persist commit: %w", err)
		}
	}

	c.commitSeq++
	commitID := c.commitSeq

	frames := make([]protocol.DeltaFrame, 0, len(tx.ops))
	for _, op := range tx.ops {
		switch op.Kind {
		case protocol.MethodBlueprintAdded, protocol.MethodBlueprintModified:
			c.blueprints[op.Blueprint.ID] = *op.Blueprint
		case protocol.MethodBlueprintRemoved:
			delete(c.blueprints, op.RemovedID)
		case protocol.MethodEntityAdded, protocol.MethodEntityModified:
			c.entities[op.Entity.ID] = *op.Entity
		case protocol.MethodEntityRemoved:
			delete(c.entities, op.RemovedID)
		case protocol.MethodSettingsChanged:
			c.settings = *op.Settings
		}
		frames = append(frames, protocol.DeltaFrame{
			Method:    op.Kind,
			CommitID:  commitID,
			NetworkID: networkID,
			Blueprint: op.Blueprint,
			Entity:    op.Entity,
			Settings:  op.Settings,
			RemovedID: op.RemovedID,
			Runtime:   op.Runtime,
		})
	}

	if c.sink != nil {
		c.sink(frames)
	}
	return commitID, nil
}

func cloneBlueprint(bp protocol.Blueprint) protocol.Blueprint {
	bp.Props = cloneAnyMap(bp.Props)
	bp.ScriptFiles = cloneStringMap(bp.ScriptFiles)
	return bp
}

func cloneEntity(e protocol.Entity) protocol.Entity {
	e.Props = cloneAnyMap(e.Props)
	e.State = cloneAnyMap(e.State)
	return e
}

func cloneSettings(s protocol.Settings) protocol.Settings {
	s.Extra = cloneAnyMap(s.Extra)
	return s
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
