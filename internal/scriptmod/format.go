package scriptmod

import (
	"strings"

	"stagecraft.dev/internal/protocol"
)

// InferFormat classifies entry bytes as a module (carries a default
// export at the top level) or a legacy script body. The scanner strips
// comments and string literals and tracks nesting so `export default`
// inside a string or a nested block does not count. If scanning bails
// out (unterminated literal), a plain substring probe decides.
func InferFormat(entry []byte) string {
	src, ok := stripLiterals(string(entry))
	if !ok {
		return probeFormat(string(entry))
	}
	if hasTopLevelDefaultExport(src) {
		return protocol.ScriptFormatModule
	}
	return protocol.ScriptFormatLegacy
}

func probeFormat(src string) string {
	if strings.Contains(src, "export default") || strings.Contains(src, "export { default") || strings.Contains(src, "export {default") {
		return protocol.ScriptFormatModule
	}
	return protocol.ScriptFormatLegacy
}

// stripLiterals blanks out comments, quoted strings, and template
// literals, preserving length and line structure. Returns ok=false on
// an unterminated literal.
func stripLiterals(src string) (string, bool) {
	out := []byte(src)
	i := 0
	n := len(src)
	blank := func(from, to int) {
		for j := from; j < to && j < n; j++ {
			if out[j] != '\n' {
				out[j] = ' '
			}
		}
	}
	for i < n {
		c := src[i]
		switch {
		case c == '/' && i+1 < n && src[i+1] == '/':
			j := strings.IndexByte(src[i:], '\n')
			if j < 0 {
				blank(i, n)
				i = n
			} else {
				blank(i, i+j)
				i += j
			}
		case c == '/' && i+1 < n && src[i+1] == '*':
			j := strings.Index(src[i+2:], "*/")
			if j < 0 {
				return "", false
			}
			blank(i, i+2+j+2)
			i += 2 + j + 2
		case c == '\'' || c == '"' || c == '`':
			j := i + 1
			for j < n {
				if src[j] == '\\' {
					j += 2
					continue
				}
				if src[j] == c {
					break
				}
				// Plain quotes do not span lines; templates do.
				if src[j] == '\n' && c != '`' {
					break
				}
				j++
			}
			if j >= n {
				return "", false
			}
			blank(i+1, j)
			i = j + 1
		default:
			i++
		}
	}
	return string(out), true
}

func hasTopLevelDefaultExport(src string) bool {
	depth := 0
	for i := 0; i < len(src); i++ {
		switch src[i] {
		case '{', '(', '[':
			depth++
		case '}', ')', ']':
			if depth > 0 {
				depth--
			}
		case 'e':
			if depth != 0 || !strings.HasPrefix(src[i:], "export") {
				continue
			}
			if i > 0 && isIdentByte(src[i-1]) {
				continue
			}
			rest := strings.TrimLeft(src[i+len("export"):], " \t\r\n")
			if strings.HasPrefix(rest, "default") && !startsIdent(rest[len("default"):]) {
				return true
			}
			if strings.HasPrefix(rest, "{") {
				if clauseExportsDefault(rest) {
					return true
				}
			}
		}
	}
	return false
}

// clauseExportsDefault matches `export { ... default ... }` re-exports,
// including `x as default`.
func clauseExportsDefault(rest string) bool {
	end := strings.IndexByte(rest, '}')
	if end < 0 {
		return false
	}
	clause := rest[1:end]
	for _, part := range strings.Split(clause, ",") {
		fields := strings.Fields(part)
		if len(fields) == 1 && fields[0] == "default" {
			return true
		}
		if len(fields) == 3 && fields[1] == "as" && fields[2] == "default" {
			return true
		}
	}
	return false
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func startsIdent(s string) bool {
	return s != "" && isIdentByte(s[0])
}
