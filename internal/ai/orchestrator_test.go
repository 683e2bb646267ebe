package ai

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"stagecraft.dev/internal/assets"
	"stagecraft.dev/internal/catalog"
	"stagecraft.dev/internal/deploylock"
	"stagecraft.dev/internal/editor"
	"stagecraft.dev/internal/protocol"
)

var caller = editor.Caller{SessionID: "sess-1", NetworkID: "net-1", Rank: protocol.RankAdmin}

type providerFunc func(ctx context.Context, p Prompt) (PatchSet, error)

func (f providerFunc) Generate(ctx context.Context, p Prompt) (PatchSet, error) { return f(ctx, p) }

// eventSink collects emitted events and lets tests block until a
// terminal one arrives.
type eventSink struct {
	mu     sync.Mutex
	events []protocol.AIEventMsg
	doneCh chan struct{}
}

func newEventSink() *eventSink { return &eventSink{doneCh: make(chan struct{}, 4)} }

func (s *eventSink) emit(ev protocol.AIEventMsg) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	if ev.Type == protocol.AIEventApplyResult || ev.Type == protocol.AIEventError {
		s.doneCh <- struct{}{}
	}
}

func (s *eventSink) wait(t *testing.T) []protocol.AIEventMsg {
	t.Helper()
	select {
	case <-s.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.AIEventMsg(nil), s.events...)
}

func (s *eventSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	orch  *Orchestrator
	cat   *catalog.Catalog
	pipe  *editor.Pipeline
	store *assets.Store
	entry string // stored blob name of the seeded entry file
}

func newFixture(t *testing.T, provider Provider, extra []protocol.Blueprint, opts ...Option) *fixture {
	t.Helper()
	store, err := assets.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	entryBody := []byte("export default function run() {}\n")
	entryName := assets.Name("index.js", entryBody)
	if err := store.Put(entryName, entryBody); err != nil {
		t.Fatal(err)
	}

	root := protocol.Blueprint{
		ID:           "lib",
		Version:      2,
		Script:       assets.URL(entryName),
		ScriptEntry:  "index.js",
		ScriptFiles:  map[string]string{"index.js": assets.URL(entryName)},
		ScriptFormat: protocol.ScriptFormatModule,
	}
	// Siblings referencing the root mirror its script, the invariant the
	// pipeline maintains for every live group.
	for i := range extra {
		if extra[i].ScriptRef == root.ID && extra[i].Script == "" {
			extra[i].Script = root.Script
			extra[i].ScriptFormat = root.ScriptFormat
		}
	}
	cat := catalog.New(nil)
	cat.Seed(append([]protocol.Blueprint{root}, extra...), nil, protocol.Settings{Version: 1})
	locks := deploylock.New()
	pipe := editor.New(cat, locks)
	orch := New(cat, pipe, locks, store, provider, opts...)
	return &fixture{orch: orch, cat: cat, pipe: pipe, store: store, entry: entryName}
}

func TestAutoApplyPhaseSequence(t *testing.T) {
	newBody := "export default function run() { return 1 }\n"
	provider := providerFunc(func(ctx context.Context, p Prompt) (PatchSet, error) {
		if p.Entry != "index.js" || !strings.Contains(p.Files["index.js"], "export default") {
			t.Errorf("prompt missing current tree: %+v", p)
		}
		return PatchSet{
			Summary:   "return a value",
			Files:     []PatchFile{{Path: "index.js", Content: newBody}},
			AutoApply: true,
		}, nil
	})
	f := newFixture(t, provider, nil)

	sink := newEventSink()
	id, warning, err := f.orch.Request(caller, protocol.AIRequestMsg{
		ScriptRootID:      "lib",
		TargetBlueprintID: "lib",
		Mode:              protocol.AIModeEdit,
		Prompt:            "make it return something",
	}, sink.emit)
	if err != nil || id == "" || warning != "" {
		t.Fatalf("request = %q / %q / %v", id, warning, err)
	}
	events := sink.wait(t)

	want := []string{
		protocol.AIEventSessionStart,
		protocol.AIEventCollectingCtx,
		protocol.AIEventThinking,
		protocol.AIEventGeneratingPatch,
		protocol.AIEventAssistantMessage,
		protocol.AIEventApplying,
		protocol.AIEventApplyResult,
	}
	got := sink.types()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	last := events[len(events)-1]
	if !last.OK || last.FileCount != 1 || last.RequestID != id {
		t.Fatalf("apply_result = %+v", last)
	}

	bp, _ := f.cat.Blueprint("lib")
	if bp.Version != 3 {
		t.Fatalf("root version = %d, want 3", bp.Version)
	}
	wantURL := assets.URL(assets.Name("index.js", []byte(newBody)))
	if bp.ScriptFiles["index.js"] != wantURL || bp.Script != wantURL {
		t.Fatalf("entry url = %s / %s, want %s", bp.ScriptFiles["index.js"], bp.Script, wantURL)
	}
	if data, err := f.store.Get(strings.TrimPrefix(wantURL, assets.Scheme)); err != nil || string(data) != newBody {
		t.Fatalf("patched blob = %q, %v", data, err)
	}
	if f.orch.InFlight() != 0 {
		t.Fatalf("in flight = %d after apply", f.orch.InFlight())
	}
}

func TestScopedBlueprintAutoApply(t *testing.T) {
	newBody := "export default 7\n"
	provider := providerFunc(func(ctx context.Context, p Prompt) (PatchSet, error) {
		return PatchSet{Files: []PatchFile{{Path: "index.js", Content: newBody}}, AutoApply: true}, nil
	})
	f := newFixture(t, provider, nil)

	// Give the root an explicit lock scope; the apply must hold that
	// scope's token, not the one derived from the id.
	if err := f.pipe.Apply(caller, &protocol.BlueprintModifyCmd{
		Change: protocol.BlueprintChange{ID: "lib", Version: 3, Scope: strp("zone:plaza")},
	}); err != nil {
		t.Fatal(err)
	}

	sink := newEventSink()
	if _, _, err := f.orch.Request(caller, protocol.AIRequestMsg{
		ScriptRootID:      "lib",
		TargetBlueprintID: "lib",
		Mode:              protocol.AIModeEdit,
	}, sink.emit); err != nil {
		t.Fatal(err)
	}
	events := sink.wait(t)
	last := events[len(events)-1]
	if last.Type != protocol.AIEventApplyResult || !last.OK {
		t.Fatalf("terminal event = %+v, want apply_result ok", last)
	}
	bp, _ := f.cat.Blueprint("lib")
	if bp.Version != 4 || bp.Scope != "zone:plaza" {
		t.Fatalf("root = v%d scope %q, want v4 zone:plaza", bp.Version, bp.Scope)
	}
}

func TestSingleFlightPerTarget(t *testing.T) {
	release := make(chan struct{})
	provider := providerFunc(func(ctx context.Context, p Prompt) (PatchSet, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return PatchSet{}, ctx.Err()
		}
		return PatchSet{Files: []PatchFile{{Path: "index.js", Content: "x\n"}}, AutoApply: true}, nil
	})
	f := newFixture(t, provider, nil)

	first := newEventSink()
	req := protocol.AIRequestMsg{ScriptRootID: "lib", TargetBlueprintID: "lib", Mode: protocol.AIModeEdit}
	if _, _, err := f.orch.Request(caller, req, first.emit); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.orch.Request(caller, req, newEventSink().emit); protocol.CodeOf(err) != protocol.ErrAIRequestPending {
		t.Fatalf("second request err = %v, want ai_request_pending", err)
	}

	close(release)
	first.wait(t)
	if _, _, err := f.orch.Request(caller, req, newEventSink().emit); err != nil {
		t.Fatalf("request after completion: %v", err)
	}
}

func TestDeadlineMarksFailed(t *testing.T) {
	provider := providerFunc(func(ctx context.Context, p Prompt) (PatchSet, error) {
		<-ctx.Done()
		return PatchSet{}, ctx.Err()
	})
	f := newFixture(t, provider, nil, WithDeadline(20*time.Millisecond))

	sink := newEventSink()
	if _, _, err := f.orch.Request(caller, protocol.AIRequestMsg{
		ScriptRootID: "lib", TargetBlueprintID: "lib", Mode: protocol.AIModeFix, Error: "boom",
	}, sink.emit); err != nil {
		t.Fatal(err)
	}
	events := sink.wait(t)
	last := events[len(events)-1]
	if last.Type != protocol.AIEventError || last.Message != "timeout" {
		t.Fatalf("terminal event = %+v, want error timeout", last)
	}
	if f.orch.InFlight() != 0 {
		t.Fatal("slot not freed after timeout")
	}
}

func TestCancelSessionAbortsRequest(t *testing.T) {
	provider := providerFunc(func(ctx context.Context, p Prompt) (PatchSet, error) {
		<-ctx.Done()
		return PatchSet{}, ctx.Err()
	})
	f := newFixture(t, provider, nil)

	sink := newEventSink()
	if _, _, err := f.orch.Request(caller, protocol.AIRequestMsg{
		ScriptRootID: "lib", TargetBlueprintID: "lib", Mode: protocol.AIModeEdit,
	}, sink.emit); err != nil {
		t.Fatal(err)
	}
	f.orch.CancelSession(caller.SessionID)
	events := sink.wait(t)
	last := events[len(events)-1]
	if last.Type != protocol.AIEventError || last.Message != "cancelled" {
		t.Fatalf("terminal event = %+v, want error cancelled", last)
	}
	if f.orch.InFlight() != 0 {
		t.Fatal("slot survived session cancel")
	}
}

func TestProposalCommit(t *testing.T) {
	newBody := "const x = 1\n"
	provider := providerFunc(func(ctx context.Context, p Prompt) (PatchSet, error) {
		return PatchSet{Files: []PatchFile{{Path: "index.js", Content: newBody}}}, nil
	})
	f := newFixture(t, provider, nil)

	sink := newEventSink()
	id, _, err := f.orch.Request(caller, protocol.AIRequestMsg{
		ScriptRootID: "lib", TargetBlueprintID: "lib", Mode: protocol.AIModeEdit,
	}, sink.emit)
	if err != nil {
		t.Fatal(err)
	}

	// The proposal frees the slot without a terminal event.
	waitUntil(t, func() bool { return f.orch.InFlight() == 0 })
	for _, typ := range sink.types() {
		if typ == protocol.AIEventApplyResult || typ == protocol.AIEventApplying {
			t.Fatalf("proposal applied early: %v", sink.types())
		}
	}

	if err := f.orch.Commit(id); err != nil {
		t.Fatal(err)
	}
	events := sink.wait(t)
	last := events[len(events)-1]
	if last.Type != protocol.AIEventApplyResult || !last.OK {
		t.Fatalf("terminal event = %+v", last)
	}
	if bp, _ := f.cat.Blueprint("lib"); bp.ScriptFormat != protocol.ScriptFormatLegacy {
		t.Fatalf("format = %s, want %s after non-module entry", bp.ScriptFormat, protocol.ScriptFormatLegacy)
	}
	if err := f.orch.Commit(id); protocol.CodeOf(err) != protocol.ErrNotFound {
		t.Fatalf("second commit err = %v, want not_found", err)
	}
}

func TestProposalDiscardAndWarning(t *testing.T) {
	provider := providerFunc(func(ctx context.Context, p Prompt) (PatchSet, error) {
		return PatchSet{Files: []PatchFile{{Path: "index.js", Content: "y\n"}}}, nil
	})
	f := newFixture(t, provider, nil)

	sink := newEventSink()
	req := protocol.AIRequestMsg{ScriptRootID: "lib", TargetBlueprintID: "lib", Mode: protocol.AIModeEdit}
	id, _, err := f.orch.Request(caller, req, sink.emit)
	if err != nil {
		t.Fatal(err)
	}
	waitUntil(t, func() bool { return f.orch.InFlight() == 0 })

	// A new request for the same target discards the held proposal.
	_, warning, err := f.orch.Request(caller, req, newEventSink().emit)
	if err != nil {
		t.Fatal(err)
	}
	if warning == "" {
		t.Fatal("no warning for discarded proposal")
	}
	if f.orch.Discard(id) {
		t.Fatal("stale proposal still present")
	}
}

func TestStaleProposalFailsVersionMismatch(t *testing.T) {
	provider := providerFunc(func(ctx context.Context, p Prompt) (PatchSet, error) {
		return PatchSet{Files: []PatchFile{{Path: "index.js", Content: "z\n"}}}, nil
	})
	f := newFixture(t, provider, nil)

	sink := newEventSink()
	id, _, err := f.orch.Request(caller, protocol.AIRequestMsg{
		ScriptRootID: "lib", TargetBlueprintID: "lib", Mode: protocol.AIModeEdit,
	}, sink.emit)
	if err != nil {
		t.Fatal(err)
	}
	waitUntil(t, func() bool { return f.orch.InFlight() == 0 })

	// Another client commits version 3 before the proposal lands.
	other := editor.Caller{SessionID: "sess-2", NetworkID: "net-2", Rank: protocol.RankAdmin}
	name := strp("Renamed")
	if err := f.pipe.Apply(other, &protocol.BlueprintModifyCmd{
		Change: protocol.BlueprintChange{ID: "lib", Version: 3, Name: name},
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.orch.Commit(id); err != nil {
		t.Fatal(err)
	}
	events := sink.wait(t)
	last := events[len(events)-1]
	if last.Type != protocol.AIEventError || last.Message != protocol.ErrVersionMismatch {
		t.Fatalf("terminal event = %+v, want version_mismatch", last)
	}
	if bp, _ := f.cat.Blueprint("lib"); bp.Version != 3 || bp.Name != "Renamed" {
		t.Fatalf("root after dropped proposal = %+v", bp)
	}
}

func TestSharedRootEditForksAndRebinds(t *testing.T) {
	newBody := "export default 42\n"
	provider := providerFunc(func(ctx context.Context, p Prompt) (PatchSet, error) {
		return PatchSet{Files: []PatchFile{{Path: "index.js", Content: newBody}}, AutoApply: true}, nil
	})
	siblings := []protocol.Blueprint{
		{ID: "lib__aaaa1111", Version: 1, ScriptRef: "lib"},
		{ID: "lib__bbbb2222", Version: 1, ScriptRef: "lib"},
	}
	f := newFixture(t, provider, siblings)

	sink := newEventSink()
	if _, _, err := f.orch.Request(caller, protocol.AIRequestMsg{
		ScriptRootID:      "lib",
		TargetBlueprintID: "lib__aaaa1111",
		Mode:              protocol.AIModeEdit,
	}, sink.emit); err != nil {
		t.Fatal(err)
	}
	events := sink.wait(t)
	if last := events[len(events)-1]; last.Type != protocol.AIEventApplyResult || !last.OK {
		t.Fatalf("terminal event = %+v", last)
	}

	root, _ := f.cat.Blueprint("lib")
	if root.Version != 2 {
		t.Fatalf("root version = %d, want untouched 2", root.Version)
	}
	a, _ := f.cat.Blueprint("lib__aaaa1111")
	if a.ScriptRef == "lib" || a.ScriptRef == "" {
		t.Fatalf("target scriptRef = %q, want rebound to fork", a.ScriptRef)
	}
	fork, ok := f.cat.Blueprint(a.ScriptRef)
	if !ok || !strings.HasPrefix(fork.ID, "lib__") {
		t.Fatalf("fork = %+v", fork)
	}
	wantURL := assets.URL(assets.Name("index.js", []byte(newBody)))
	if fork.ScriptFiles["index.js"] != wantURL || a.Script != wantURL {
		t.Fatalf("fork entry = %s, target script = %s, want %s",
			fork.ScriptFiles["index.js"], a.Script, wantURL)
	}
	b, _ := f.cat.Blueprint("lib__bbbb2222")
	if b.ScriptRef != "lib" || b.Script != root.Script {
		t.Fatalf("untouched sibling = %+v", b)
	}
}

func TestScriptRootResolvesGroupMain(t *testing.T) {
	provider := providerFunc(func(ctx context.Context, p Prompt) (PatchSet, error) {
		return PatchSet{Files: []PatchFile{{Path: "index.js", Content: "q\n"}}, AutoApply: true}, nil
	})
	f := newFixture(t, provider, []protocol.Blueprint{
		{ID: "lib__cccc3333", Version: 1, ScriptRef: "lib"},
	})

	// Naming the sibling as the script root lands the edit on the main.
	sink := newEventSink()
	if _, _, err := f.orch.Request(caller, protocol.AIRequestMsg{
		ScriptRootID:      "lib__cccc3333",
		TargetBlueprintID: "lib",
		Mode:              protocol.AIModeEdit,
	}, sink.emit); err != nil {
		t.Fatal(err)
	}
	if last := sink.wait(t); last[len(last)-1].Type != protocol.AIEventApplyResult {
		t.Fatalf("terminal event = %+v", last[len(last)-1])
	}
	if bp, _ := f.cat.Blueprint("lib"); bp.Version != 3 {
		t.Fatalf("main version = %d, want 3", bp.Version)
	}
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t, providerFunc(func(ctx context.Context, p Prompt) (PatchSet, error) {
		return PatchSet{}, nil
	}), nil)

	cases := []struct {
		req  protocol.AIRequestMsg
		want string
	}{
		{protocol.AIRequestMsg{ScriptRootID: "lib", TargetBlueprintID: "lib", Mode: "poetry"}, protocol.ErrBadRequest},
		{protocol.AIRequestMsg{Mode: protocol.AIModeEdit}, protocol.ErrBadRequest},
		{protocol.AIRequestMsg{ScriptRootID: "ghost", TargetBlueprintID: "ghost", Mode: protocol.AIModeEdit}, protocol.ErrNotFound},
	}
	for _, tc := range cases {
		if _, _, err := f.orch.Request(caller, tc.req, newEventSink().emit); protocol.CodeOf(err) != tc.want {
			t.Fatalf("request %+v err = %v, want %s", tc.req, err, tc.want)
		}
	}
}

func strp(s string) *string { return &s }

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}
