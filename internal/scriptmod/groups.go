package scriptmod

import "strings"

// BaseID returns the portion of a blueprint id before "__", which names
// the script group and the lock scope. Ids without the separator are
// their own base.
func BaseID(id string) string {
	if i := strings.Index(id, "__"); i > 0 {
		return id[:i]
	}
	return id
}

// GroupMember is the minimal blueprint view group resolution needs.
type GroupMember struct {
	ID          string
	ScriptRef   string
	ScriptFiles map[string]string
}

// ResolveMain picks the main of a script group: the member without a
// scriptRef, preferring the one whose id equals the common base when
// several qualify. Returns "" when the group has no main.
func ResolveMain(members []GroupMember) string {
	base := ""
	var mains []string
	for _, m := range members {
		if base == "" {
			base = BaseID(m.ID)
		}
		if m.ScriptRef == "" && len(m.ScriptFiles) > 0 {
			mains = append(mains, m.ID)
		}
	}
	switch len(mains) {
	case 0:
		return ""
	case 1:
		return mains[0]
	}
	for _, id := range mains {
		if id == base {
			return id
		}
	}
	return mains[0]
}

// Siblings returns the ids of members whose scriptRef points at mainID.
func Siblings(members []GroupMember, mainID string) []string {
	var out []string
	for _, m := range members {
		if m.ScriptRef == mainID {
			out = append(out, m.ID)
		}
	}
	return out
}
