package protocol

// AI modes.
const (
	AIModeEdit = "edit"
	AIModeFix  = "fix"
)

// AI event types, emitted per request in this order: session_start, the
// phase markers, then exactly one of apply_result or error. An
// assistant_message may interleave anywhere after session_start.
const (
	AIEventSessionStart     = "session_start"
	AIEventCollectingCtx    = "phase:collecting_context"
	AIEventThinking         = "phase:thinking"
	AIEventGeneratingPatch  = "phase:generating_patch"
	AIEventApplying         = "phase:applying"
	AIEventApplyResult      = "apply_result"
	AIEventError            = "error"
	AIEventAssistantMessage = "assistant_message"
)

// AI request states.
const (
	AIStatePending   = "pending"
	AIStateStreaming = "streaming"
	AIStateApplied   = "applied"
	AIStateFailed    = "failed"
)

type AIAttachment struct {
	Kind string `cbor:"kind" json:"kind"` // script | doc
	Path string `cbor:"path" json:"path"`
}

// AIRequestMsg is the aiRequest payload.
type AIRequestMsg struct {
	ScriptRootID      string         `cbor:"scriptRootId" json:"scriptRootId"`
	TargetBlueprintID string         `cbor:"targetBlueprintId" json:"targetBlueprintId"`
	Mode              string         `cbor:"mode" json:"mode"`
	Prompt            string         `cbor:"prompt,omitempty" json:"prompt,omitempty"`
	Error             string         `cbor:"error,omitempty" json:"error,omitempty"`
	Attachments       []AIAttachment `cbor:"attachments,omitempty" json:"attachments,omitempty"`
}

// AIRequestAckMsg answers an aiRequest with the assigned id.
type AIRequestAckMsg struct {
	RequestID string `cbor:"requestId" json:"requestId"`
	Warning   string `cbor:"warning,omitempty" json:"warning,omitempty"`
	Error     string `cbor:"error,omitempty" json:"error,omitempty"`
}

// AIEventMsg is one aiEvent frame in a request's phase stream.
type AIEventMsg struct {
	RequestID string `cbor:"requestId" json:"requestId"`
	Type      string `cbor:"type" json:"type"`
	Message   string `cbor:"message,omitempty" json:"message,omitempty"`
	OK        bool   `cbor:"ok,omitempty" json:"ok,omitempty"`
	FileCount int    `cbor:"fileCount,omitempty" json:"fileCount,omitempty"`
}
