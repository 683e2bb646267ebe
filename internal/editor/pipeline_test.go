package editor

import (
	"strings"
	"testing"

	"stagecraft.dev/internal/catalog"
	"stagecraft.dev/internal/deploylock"
	"stagecraft.dev/internal/protocol"
)

var (
	admin   = Caller{SessionID: "sess-a", NetworkID: "net-a", Rank: protocol.RankAdmin}
	builder = Caller{SessionID: "sess-b", NetworkID: "net-b", Rank: protocol.RankBuilder}
)

func strp(s string) *string { return &s }

func newTestPipeline(t *testing.T, bps []protocol.Blueprint, ents []protocol.Entity, opts ...Option) (*Pipeline, *catalog.Catalog, *deploylock.Manager) {
	t.Helper()
	cat := catalog.New(nil)
	cat.Seed(bps, ents, protocol.Settings{Version: 1})
	locks := deploylock.New()
	return New(cat, locks, opts...), cat, locks
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("want error %s, got nil", code)
	}
	if got := protocol.CodeOf(err); got != code {
		t.Fatalf("error code = %s (%v), want %s", got, err, code)
	}
}

func TestBlueprintModifyOptimisticRace(t *testing.T) {
	p, cat, _ := newTestPipeline(t, []protocol.Blueprint{{ID: "chair", Version: 5}}, nil)

	first := protocol.BlueprintChange{ID: "chair", Version: 6, Name: strp("A")}
	second := protocol.BlueprintChange{ID: "chair", Version: 6, Name: strp("B")}

	if err := p.blueprintModify(admin, first, ""); err != nil {
		t.Fatal(err)
	}
	wantCode(t, p.blueprintModify(builder, second, ""), protocol.ErrVersionMismatch)

	bp, _ := cat.Blueprint("chair")
	if bp.Version != 6 || bp.Name != "A" {
		t.Fatalf("blueprint = v%d name %q, want v6 name A", bp.Version, bp.Name)
	}
}

func TestBlueprintVersionsContiguous(t *testing.T) {
	p, cat, _ := newTestPipeline(t, []protocol.Blueprint{{ID: "chair", Version: 1}}, nil)
	for want := int64(2); want <= 5; want++ {
		change := protocol.BlueprintChange{ID: "chair", Version: want, Desc: strp("rev")}
		if err := p.blueprintModify(admin, change, ""); err != nil {
			t.Fatal(err)
		}
		bp, _ := cat.Blueprint("chair")
		if bp.Version != want {
			t.Fatalf("version = %d, want %d", bp.Version, want)
		}
	}
}

func TestScriptFilesRewriteRequiresLock(t *testing.T) {
	files := map[string]string{"index.js": "asset://aa.js", "helpers/util.js": "asset://bb.js"}
	p, cat, locks := newTestPipeline(t, []protocol.Blueprint{{
		ID: "app", Version: 1, ScriptEntry: "index.js", ScriptFiles: files,
	}}, nil)

	renamed := map[string]string{"index.js": "asset://aa.js", "helpers/tools.js": "asset://bb.js"}
	change := protocol.BlueprintChange{ID: "app", Version: 2, ScriptFiles: renamed}

	wantCode(t, p.blueprintModify(admin, change, ""), protocol.ErrDeployRequired)
	wantCode(t, p.blueprintModify(admin, change, "bogus-token"), protocol.ErrDeployRequired)

	// Another session's lock on the scope surfaces the holder.
	other, err := locks.Acquire("app", "sess-x", 0)
	if err != nil {
		t.Fatal(err)
	}
	err = p.blueprintModify(admin, change, "bogus-token")
	wantCode(t, err, protocol.ErrLocked)
	if ce := err.(*protocol.CodedError); ce.Lock == nil || ce.Lock.Owner != "sess-x" {
		t.Fatalf("locked error lock = %+v, want owner sess-x", ce.Lock)
	}
	locks.Release("app", other.Token)

	l, err := locks.Acquire("app", admin.SessionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.blueprintModify(admin, change, l.Token); err != nil {
		t.Fatal(err)
	}
	bp, _ := cat.Blueprint("app")
	if bp.Version != 2 {
		t.Fatalf("version = %d, want 2", bp.Version)
	}
	if _, old := bp.ScriptFiles["helpers/util.js"]; old {
		t.Fatal("renamed path still present")
	}
	if bp.ScriptFiles["helpers/tools.js"] != "asset://bb.js" {
		t.Fatalf("scriptFiles = %v", bp.ScriptFiles)
	}
}

func TestSiblingMirror(t *testing.T) {
	p, cat, locks := newTestPipeline(t, []protocol.Blueprint{
		{ID: "app", Version: 3, ScriptEntry: "index.js",
			ScriptFiles:  map[string]string{"index.js": "asset://old.js"},
			Script:       "asset://old.js",
			ScriptFormat: protocol.ScriptFormatModule},
		{ID: "app__v2", Version: 3, ScriptRef: "app", Script: "asset://old.js",
			ScriptFormat: protocol.ScriptFormatModule, Name: "variant"},
	}, nil)

	l, err := locks.Acquire("app", admin.SessionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	change := protocol.BlueprintChange{
		ID: "app", Version: 4,
		Script:       strp("asset://new.js"),
		ScriptFiles:  map[string]string{"index.js": "asset://new.js"},
		ScriptFormat: strp(protocol.ScriptFormatLegacy),
	}
	if err := p.blueprintModify(admin, change, l.Token); err != nil {
		t.Fatal(err)
	}

	main, _ := cat.Blueprint("app")
	sib, _ := cat.Blueprint("app__v2")
	if main.Version != 4 || sib.Version != 4 {
		t.Fatalf("versions = %d/%d, want 4/4", main.Version, sib.Version)
	}
	if sib.Script != "asset://new.js" || sib.ScriptFormat != protocol.ScriptFormatLegacy {
		t.Fatalf("sibling = script %q format %q", sib.Script, sib.ScriptFormat)
	}
	if sib.Name != "variant" || sib.ScriptRef != "app" {
		t.Fatalf("sibling fields changed: %+v", sib)
	}
}

func TestBlueprintAddScriptValidation(t *testing.T) {
	p, cat, _ := newTestPipeline(t, []protocol.Blueprint{
		{ID: "lib", Version: 1, ScriptEntry: "index.js",
			ScriptFiles: map[string]string{"index.js": "asset://cc.js"}},
	}, nil)

	bad := protocol.Blueprint{ID: "x1", ScriptEntry: "index.js",
		ScriptFiles: map[string]string{"../evil.js": "asset://dd.js", "index.js": "asset://dd.js"}}
	wantCode(t, p.blueprintAdd(admin, bad), protocol.ErrInvalidScriptFiles)

	noEntry := protocol.Blueprint{ID: "x2", ScriptEntry: "main.js",
		ScriptFiles: map[string]string{"index.js": "asset://dd.js"}}
	wantCode(t, p.blueprintAdd(admin, noEntry), protocol.ErrMissingScriptFile)

	both := protocol.Blueprint{ID: "x3", ScriptRef: "lib", ScriptEntry: "index.js",
		ScriptFiles: map[string]string{"index.js": "asset://dd.js"}}
	wantCode(t, p.blueprintAdd(admin, both), protocol.ErrInvalidScriptFiles)

	dangling := protocol.Blueprint{ID: "x4", ScriptRef: "nosuch"}
	wantCode(t, p.blueprintAdd(admin, dangling), protocol.ErrMissingScriptFile)

	ok := protocol.Blueprint{ID: "x5", ScriptEntry: "index.js",
		ScriptFiles: map[string]string{"index.js": "asset://dd.js", "shared/util.js": "asset://ee.js"}}
	if err := p.blueprintAdd(admin, ok); err != nil {
		t.Fatal(err)
	}
	bp, _ := cat.Blueprint("x5")
	if bp.Version != 1 {
		t.Fatalf("version = %d, want 1", bp.Version)
	}
	if _, canon := bp.ScriptFiles["@shared/util.js"]; !canon {
		t.Fatalf("shared path not canonicalized: %v", bp.ScriptFiles)
	}
}

func TestBlueprintRemoveInUse(t *testing.T) {
	p, cat, _ := newTestPipeline(t,
		[]protocol.Blueprint{
			{ID: "chair", Version: 1},
			{ID: "lib", Version: 1, ScriptEntry: "index.js",
				ScriptFiles: map[string]string{"index.js": "asset://cc.js"}},
			{ID: "lib__a", Version: 1, ScriptRef: "lib"},
		},
		[]protocol.Entity{
			{ID: "e1", Version: 1, Blueprint: "chair"},
			{ID: "e2", Version: 1, Blueprint: "chair"},
		})

	wantCode(t, p.blueprintRemove(builder, "chair"), protocol.ErrAdminRequired)

	err := p.blueprintRemove(admin, "chair")
	wantCode(t, err, protocol.ErrInUse)
	if refs := err.(*protocol.CodedError).Refs; refs != 2 {
		t.Fatalf("refs = %d, want 2", refs)
	}

	wantCode(t, p.blueprintRemove(admin, "lib"), protocol.ErrInUse)
	wantCode(t, p.blueprintRemove(admin, "nosuch"), protocol.ErrNotFound)

	if err := p.entityRemove(admin, "e1"); err != nil {
		t.Fatal(err)
	}
	if err := p.entityRemove(admin, "e2"); err != nil {
		t.Fatal(err)
	}
	if err := p.blueprintRemove(admin, "chair"); err != nil {
		t.Fatal(err)
	}
	if _, ok := cat.Blueprint("chair"); ok {
		t.Fatal("blueprint still present after remove")
	}
}

func TestEntityAddUniqueForks(t *testing.T) {
	p, cat, _ := newTestPipeline(t, []protocol.Blueprint{{ID: "statue", Version: 1, Unique: true}}, nil)

	if err := p.entityAdd(builder, protocol.Entity{ID: "e1", Blueprint: "statue"}); err != nil {
		t.Fatal(err)
	}
	if err := p.entityAdd(builder, protocol.Entity{ID: "e2", Blueprint: "statue"}); err != nil {
		t.Fatal(err)
	}

	e2, _ := cat.Entity("e2")
	if e2.Blueprint == "statue" {
		t.Fatal("second instance of a unique blueprint was not rebound")
	}
	if !strings.HasPrefix(e2.Blueprint, "statue__") {
		t.Fatalf("fork id = %q, want statue__ prefix", e2.Blueprint)
	}
	fork, ok := cat.Blueprint(e2.Blueprint)
	if !ok || fork.Version != 1 || !fork.Unique {
		t.Fatalf("fork = %+v", fork)
	}
	e1, _ := cat.Entity("e1")
	if e1.Blueprint != "statue" {
		t.Fatalf("first instance rebound to %q", e1.Blueprint)
	}
}

func TestEntityDefaultsAndVersionGate(t *testing.T) {
	p, cat, _ := newTestPipeline(t, []protocol.Blueprint{{ID: "chair", Version: 1}}, nil)

	wantCode(t, p.entityAdd(builder, protocol.Entity{ID: "e1", Blueprint: "nosuch"}), protocol.ErrBadRequest)
	if err := p.entityAdd(builder, protocol.Entity{ID: "e1", Blueprint: "chair"}); err != nil {
		t.Fatal(err)
	}
	e, _ := cat.Entity("e1")
	if e.Scale != ([3]float64{1, 1, 1}) || e.Quaternion != ([4]float64{0, 0, 0, 1}) {
		t.Fatalf("defaults = scale %v quat %v", e.Scale, e.Quaternion)
	}
	if e.Uploader != builder.NetworkID {
		t.Fatalf("uploader = %q", e.Uploader)
	}

	move := protocol.EntityChange{ID: "e1", Version: 2, Position: &[3]float64{1, 0, 3}}
	if err := p.entityModify(builder, move); err != nil {
		t.Fatal(err)
	}
	wantCode(t, p.entityModify(builder, move), protocol.ErrVersionMismatch)
	e, _ = cat.Entity("e1")
	if e.Version != 2 || e.Position != ([3]float64{1, 0, 3}) {
		t.Fatalf("entity = %+v", e)
	}
}

func TestEntityStateBypassesVersionGate(t *testing.T) {
	p, cat, _ := newTestPipeline(t,
		[]protocol.Blueprint{{ID: "chair", Version: 1}},
		[]protocol.Entity{{ID: "e1", Version: 7, Blueprint: "chair"}})

	// No Version on a state-only change; last writer wins.
	for i := 0; i < 3; i++ {
		change := protocol.EntityChange{ID: "e1", State: map[string]any{"n": i}}
		if err := p.entityModify(builder, change); err != nil {
			t.Fatal(err)
		}
	}
	e, _ := cat.Entity("e1")
	if e.Version != 10 {
		t.Fatalf("version = %d, want 10", e.Version)
	}
	if e.State["n"] != 2 {
		t.Fatalf("state = %v", e.State)
	}
}

func TestSettingsModify(t *testing.T) {
	p, cat, _ := newTestPipeline(t, nil, nil)

	wantCode(t, p.settingsModify(builder, "title", "x"), protocol.ErrAdminRequired)
	wantCode(t, p.settingsModify(admin, "nosuch", "x"), protocol.ErrBadRequest)
	wantCode(t, p.settingsModify(admin, "rank", 9), protocol.ErrBadRequest)
	wantCode(t, p.settingsModify(admin, "playerLimit", "ten"), protocol.ErrBadRequest)

	if err := p.settingsModify(admin, "title", "workshop"); err != nil {
		t.Fatal(err)
	}
	if err := p.settingsModify(admin, "playerLimit", float64(32)); err != nil {
		t.Fatal(err)
	}
	if err := p.settingsModify(admin, "customAvatars", true); err != nil {
		t.Fatal(err)
	}
	s := cat.Settings()
	if s.Title != "workshop" || s.PlayerLimit != 32 || !s.CustomAvatars {
		t.Fatalf("settings = %+v", s)
	}
	if s.Version != 4 {
		t.Fatalf("settings version = %d, want 4", s.Version)
	}
}

func TestTransientLockContention(t *testing.T) {
	p, _, locks := newTestPipeline(t, []protocol.Blueprint{{ID: "app", Version: 1}}, nil)

	if _, err := locks.Acquire("app", "sess-x", 0); err != nil {
		t.Fatal(err)
	}
	err := p.entityAdd(builder, protocol.Entity{ID: "e1", Blueprint: "app"})
	wantCode(t, err, protocol.ErrLocked)

	change := protocol.BlueprintChange{ID: "app", Version: 2, Name: strp("n")}
	wantCode(t, p.blueprintModify(builder, change, ""), protocol.ErrLocked)
}

func TestFork(t *testing.T) {
	p, cat, _ := newTestPipeline(t, []protocol.Blueprint{
		{ID: "app", Version: 9, Name: "App", ScriptEntry: "index.js",
			ScriptFiles: map[string]string{"index.js": "asset://aa.js"}},
	}, []protocol.Entity{{ID: "e1", Version: 1, Blueprint: "app"}})

	fork, err := p.Fork(builder, "app", func(bp *protocol.Blueprint) { bp.Name = "App copy" })
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(fork.ID, "app__") || fork.Version != 1 || fork.Name != "App copy" {
		t.Fatalf("fork = %+v", fork)
	}
	if _, ok := cat.Blueprint(fork.ID); !ok {
		t.Fatal("fork not committed")
	}
	e, _ := cat.Entity("e1")
	if e.Blueprint != "app" {
		t.Fatalf("entity rebound to %q", e.Blueprint)
	}
	if _, err := p.Fork(builder, "nosuch", nil); protocol.CodeOf(err) != protocol.ErrNotFound {
		t.Fatalf("fork of missing source: %v", err)
	}
}

type stubEntries map[string][]byte

func (s stubEntries) Get(name string) ([]byte, error) {
	b, ok := s[name]
	if !ok {
		return nil, protocol.Coded(protocol.ErrNotFound)
	}
	return b, nil
}

func TestScriptFormatInferredOnSave(t *testing.T) {
	entries := stubEntries{
		"mod.js": []byte("const app = () => {}\nexport default app\n"),
		"leg.js": []byte("app.on('update', () => {})\n"),
	}
	p, cat, locks := newTestPipeline(t, []protocol.Blueprint{
		{ID: "app", Version: 1, ScriptEntry: "index.js",
			ScriptFiles: map[string]string{"index.js": "asset://aa.js"}},
	}, nil, WithEntrySource(entries))

	l, err := locks.Acquire("app", admin.SessionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	save := func(version int64, url string) error {
		return p.blueprintModify(admin, protocol.BlueprintChange{
			ID: "app", Version: version,
			Script:      strp(url),
			ScriptFiles: map[string]string{"index.js": url},
		}, l.Token)
	}
	if err := save(2, "asset://mod.js"); err != nil {
		t.Fatal(err)
	}
	if bp, _ := cat.Blueprint("app"); bp.ScriptFormat != protocol.ScriptFormatModule {
		t.Fatalf("format = %q, want module", bp.ScriptFormat)
	}
	if err := save(3, "asset://leg.js"); err != nil {
		t.Fatal(err)
	}
	if bp, _ := cat.Blueprint("app"); bp.ScriptFormat != protocol.ScriptFormatLegacy {
		t.Fatalf("format = %q, want legacy-body", bp.ScriptFormat)
	}
}

func TestClean(t *testing.T) {
	p, cat, _ := newTestPipeline(t,
		[]protocol.Blueprint{
			{ID: protocol.SceneID, Version: 1, Scene: true},
			{ID: "kept", Version: 1, Keep: true},
			{ID: "used", Version: 1},
			{ID: "lib", Version: 1, ScriptEntry: "index.js",
				ScriptFiles: map[string]string{"index.js": "asset://cc.js"}},
			{ID: "lib__a", Version: 1, ScriptRef: "lib"},
			{ID: "orphan1", Version: 1},
			{ID: "orphan2", Version: 1},
		},
		[]protocol.Entity{{ID: "e1", Version: 1, Blueprint: "used"}})

	if _, err := p.Clean(builder); protocol.CodeOf(err) != protocol.ErrAdminRequired {
		t.Fatalf("builder clean: %v", err)
	}
	removed, err := p.Clean(admin)
	if err != nil {
		t.Fatal(err)
	}
	// lib is kept because lib__a still points at it; lib__a itself has
	// no entities and no keep flag, so it is swept.
	if removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}
	for _, id := range []string{protocol.SceneID, "kept", "used", "lib"} {
		if _, ok := cat.Blueprint(id); !ok {
			t.Fatalf("blueprint %s swept", id)
		}
	}
	for _, id := range []string{"orphan1", "orphan2", "lib__a"} {
		if _, ok := cat.Blueprint(id); ok {
			t.Fatalf("blueprint %s survived", id)
		}
	}
}
