package scriptmod

import "testing"

func TestValidPath(t *testing.T) {
	valid := []string{
		"index.js",
		"helpers/util.js",
		"a/b/c/deep.mjs",
		"comp.jsx",
		"types.d.ts",
		"mod.cjs",
		"view.tsx",
		"@shared/math.js",
		"shared/math.js",
		"pkg-1/file_2.v3.js",
	}
	for _, p := range valid {
		if !ValidPath(p) {
			t.Fatalf("expected valid: %q", p)
		}
	}

	invalid := []string{
		"",
		"/index.js",
		"index",
		"index.css",
		"../escape.js",
		"a/../b.js",
		"a//b.js",
		"a/./b.js",
		"dir/",
		".js",
		"@shared/",
		"shared/",
		"sp ace.js",
		"tab\t.js",
		"semi;rm.js",
	}
	for _, p := range invalid {
		if ValidPath(p) {
			t.Fatalf("expected invalid: %q", p)
		}
	}
}

func TestCanonicalizeShared(t *testing.T) {
	if got := CanonicalizeShared("shared/vec.js"); got != "@shared/vec.js" {
		t.Fatalf("alias: got %q", got)
	}
	if got := CanonicalizeShared("@shared/vec.js"); got != "@shared/vec.js" {
		t.Fatalf("canonical: got %q", got)
	}
	if got := CanonicalizeShared("lib/shared/vec.js"); got != "lib/shared/vec.js" {
		t.Fatalf("nested: got %q", got)
	}
}

func TestIsShared(t *testing.T) {
	if !IsShared("@shared/a.js") || !IsShared("shared/a.js") {
		t.Fatalf("shared prefixes not detected")
	}
	if IsShared("lib/a.js") {
		t.Fatalf("non-shared detected as shared")
	}
}

func TestValidateFiles(t *testing.T) {
	files := map[string]string{
		"index.js":        "asset://aa.js",
		"helpers/util.js": "asset://bb.js",
	}
	if bad, ok := ValidateFiles(files, "index.js"); bad != "" || !ok {
		t.Fatalf("expected valid set: bad=%q ok=%v", bad, ok)
	}
	if _, ok := ValidateFiles(files, "main.js"); ok {
		t.Fatalf("entry outside set accepted")
	}
	files["../oops.js"] = "asset://cc.js"
	if bad, _ := ValidateFiles(files, "index.js"); bad != "../oops.js" {
		t.Fatalf("bad path not reported: %q", bad)
	}
	if bad, ok := ValidateFiles(nil, ""); bad != "" || !ok {
		t.Fatalf("empty set should pass")
	}
}

func TestBaseID(t *testing.T) {
	if BaseID("fountain__a1b2") != "fountain" {
		t.Fatalf("suffix not stripped")
	}
	if BaseID("fountain") != "fountain" {
		t.Fatalf("plain id changed")
	}
	if BaseID("__weird") != "__weird" {
		t.Fatalf("leading separator should not produce empty base")
	}
}

func TestResolveMain(t *testing.T) {
	members := []GroupMember{
		{ID: "fountain", ScriptFiles: map[string]string{"index.js": "asset://a.js"}},
		{ID: "fountain__x", ScriptRef: "fountain"},
		{ID: "fountain__y", ScriptRef: "fountain"},
	}
	if got := ResolveMain(members); got != "fountain" {
		t.Fatalf("main: got %q", got)
	}

	// Two refless members: prefer the one matching the base id.
	twoMains := []GroupMember{
		{ID: "fountain__z", ScriptFiles: map[string]string{"index.js": "u"}},
		{ID: "fountain", ScriptFiles: map[string]string{"index.js": "u"}},
	}
	if got := ResolveMain(twoMains); got != "fountain" {
		t.Fatalf("base preference: got %q", got)
	}

	if got := ResolveMain([]GroupMember{{ID: "a", ScriptRef: "b"}}); got != "" {
		t.Fatalf("groups without a main should resolve empty, got %q", got)
	}
}

func TestSiblings(t *testing.T) {
	members := []GroupMember{
		{ID: "m"},
		{ID: "m__1", ScriptRef: "m"},
		{ID: "m__2", ScriptRef: "m"},
		{ID: "other", ScriptRef: "elsewhere"},
	}
	sibs := Siblings(members, "m")
	if len(sibs) != 2 {
		t.Fatalf("siblings: got %v", sibs)
	}
}
