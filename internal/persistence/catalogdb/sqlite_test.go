package catalogdb

import (
	"path/filepath"
	"testing"
	"time"

	"stagecraft.dev/internal/catalog"
	"stagecraft.dev/internal/protocol"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestApplyAndLoadRoundTrip(t *testing.T) {
	s := openTemp(t)

	err := s.Apply([]catalog.Op{
		{Kind: protocol.MethodBlueprintAdded, Blueprint: &protocol.Blueprint{
			ID: "tree", Version: 1, Name: "Tree",
			ScriptFiles: map[string]string{"index.js": "asset://ab.js"},
		}},
		{Kind: protocol.MethodEntityAdded, Entity: &protocol.Entity{
			ID: "e1", Version: 1, Blueprint: "tree", Position: [3]float64{1, 2, 3},
		}},
		{Kind: protocol.MethodSettingsChanged, Settings: &protocol.Settings{
			Version: 1, Title: "Test World", PlayerLimit: 16,
		}},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	bps, ents, settings, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(bps) != 1 || bps[0].ID != "tree" || bps[0].ScriptFiles["index.js"] != "asset://ab.js" {
		t.Fatalf("blueprints: %+v", bps)
	}
	if len(ents) != 1 || ents[0].Blueprint != "tree" || ents[0].Position != [3]float64{1, 2, 3} {
		t.Fatalf("entities: %+v", ents)
	}
	if settings.Title != "Test World" || settings.PlayerLimit != 16 {
		t.Fatalf("settings: %+v", settings)
	}
}

func TestApply_RemovesAndOverwrites(t *testing.T) {
	s := openTemp(t)

	if err := s.Apply([]catalog.Op{
		{Kind: protocol.MethodBlueprintAdded, Blueprint: &protocol.Blueprint{ID: "a", Version: 1}},
		{Kind: protocol.MethodBlueprintAdded, Blueprint: &protocol.Blueprint{ID: "b", Version: 1}},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.Apply([]catalog.Op{
		{Kind: protocol.MethodBlueprintModified, Blueprint: &protocol.Blueprint{ID: "a", Version: 2, Name: "A2"}},
		{Kind: protocol.MethodBlueprintRemoved, RemovedID: "b"},
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	bps, _, _, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(bps) != 1 || bps[0].ID != "a" || bps[0].Version != 2 || bps[0].Name != "A2" {
		t.Fatalf("state after overwrite/remove: %+v", bps)
	}
}

func TestLocksPersistence(t *testing.T) {
	s := openTemp(t)
	now := time.Now()

	if err := s.PutLock("scene", "t1", "alice", now, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("put live: %v", err)
	}
	if err := s.PutLock("old", "t2", "bob", now.Add(-time.Hour), now.Add(-time.Minute)); err != nil {
		t.Fatalf("put dead: %v", err)
	}

	rows, err := s.LoadLocks(now)
	if err != nil {
		t.Fatalf("load locks: %v", err)
	}
	if len(rows) != 1 || rows[0].Scope != "scene" || rows[0].Owner != "alice" {
		t.Fatalf("expired row not dropped: %+v", rows)
	}

	// Stale-token delete is a no-op; matching delete removes.
	if err := s.DeleteLock("scene", "wrong"); err != nil {
		t.Fatalf("stale delete: %v", err)
	}
	rows, _ = s.LoadLocks(now)
	if len(rows) != 1 {
		t.Fatalf("stale token deleted the lock")
	}
	if err := s.DeleteLock("scene", "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rows, _ = s.LoadLocks(now)
	if len(rows) != 0 {
		t.Fatalf("lock survived delete: %+v", rows)
	}
}
