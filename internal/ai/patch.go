package ai

// PatchFile is one (path, new content) entry of a patch-set.
type PatchFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// PatchSet is the unit of change a provider produces for one script
// root. AutoApply patches are committed immediately; everything else
// is held as a proposal until the user commits or discards it.
type PatchSet struct {
	ID           string      `json:"id"`
	ScriptRootID string      `json:"scriptRootId"`
	Summary      string      `json:"summary,omitempty"`
	Source       string      `json:"source,omitempty"`
	Files        []PatchFile `json:"files"`
	AutoApply    bool        `json:"autoApply,omitempty"`
	AutoPreview  bool        `json:"autoPreview,omitempty"`
}

// Prompt is the fully collected model input: the request text plus the
// current script tree and any attached docs.
type Prompt struct {
	Mode   string            `json:"mode"`
	Prompt string            `json:"prompt,omitempty"`
	Error  string            `json:"error,omitempty"`
	Entry  string            `json:"entry"`
	Files  map[string]string `json:"files"`
	Docs   map[string]string `json:"docs,omitempty"`
}
