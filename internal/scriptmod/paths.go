// Package scriptmod defines the file-tree view over a blueprint's
// script files: the path grammar, the shared-module prefix, script
// group membership, and entry-format inference.
package scriptmod

import "strings"

// SharedPrefix is the canonical prefix for modules resolved across
// sibling blueprints. SharedAlias is accepted on input and rewritten.
const (
	SharedPrefix = "@shared/"
	SharedAlias  = "shared/"
)

var scriptExts = []string{".js", ".mjs", ".cjs", ".jsx", ".ts", ".tsx"}

// ValidPath reports whether p matches the script-path grammar: one or
// more [A-Za-z0-9_.-]+ segments joined by "/", no "." or ".." segment,
// no leading slash, ending in a recognized script extension. An
// optional @shared/ or shared/ prefix is allowed before the first
// segment.
func ValidPath(p string) bool {
	if p == "" {
		return false
	}
	rest := p
	if strings.HasPrefix(rest, SharedPrefix) {
		rest = rest[len(SharedPrefix):]
	} else if strings.HasPrefix(rest, SharedAlias) {
		rest = rest[len(SharedAlias):]
	}
	if rest == "" {
		return false
	}
	segs := strings.Split(rest, "/")
	for _, seg := range segs {
		if !validSegment(seg) {
			return false
		}
	}
	return hasScriptExt(segs[len(segs)-1])
}

func validSegment(seg string) bool {
	if seg == "" || seg == "." || seg == ".." {
		return false
	}
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '.' || c == '-':
		default:
			return false
		}
	}
	return true
}

func hasScriptExt(name string) bool {
	for _, ext := range scriptExts {
		if strings.HasSuffix(name, ext) && len(name) > len(ext) {
			return true
		}
	}
	return false
}

// IsShared reports whether p names a shared module under either prefix.
func IsShared(p string) bool {
	return strings.HasPrefix(p, SharedPrefix) || strings.HasPrefix(p, SharedAlias)
}

// CanonicalizeShared rewrites the shared/ alias to @shared/. Paths
// outside the shared namespace pass through unchanged.
func CanonicalizeShared(p string) string {
	if strings.HasPrefix(p, SharedAlias) {
		return SharedPrefix + p[len(SharedAlias):]
	}
	return p
}

// ValidateFiles checks every path in a scriptFiles map and that entry,
// when files exist, is one of them. It returns the first offending path
// so the error can name it.
func ValidateFiles(files map[string]string, entry string) (badPath string, entryOK bool) {
	for p := range files {
		if !ValidPath(p) {
			return p, false
		}
	}
	if len(files) == 0 {
		return "", true
	}
	_, ok := files[entry]
	return "", ok
}
