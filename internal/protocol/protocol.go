package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const Version = "1.0"

// decMode refuses unknown map keys so commands carrying fields this
// build does not know are rejected instead of silently truncated.
var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{ExtraReturnErrors: cbor.ExtraDecErrorUnknownField}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Client -> server methods.
const (
	MethodAdminAuth    = "adminAuth"
	MethodAdminCommand = "adminCommand"
	MethodAIRequest    = "aiRequest"
)

// Server -> client methods.
const (
	MethodAuthOk       = "onAdminAuthOk"
	MethodAuthError    = "onAdminAuthError"
	MethodResult       = "onAdminResult"
	MethodSnapshot     = "snapshot"
	MethodAIRequestAck = "onAIRequest"
	MethodAIEvent      = "aiEvent"
	MethodPlayerDelta  = "playerDelta"

	// Delta frame methods mirror catalog event kinds.
	MethodBlueprintAdded    = "blueprint_added"
	MethodBlueprintModified = "blueprint_modified"
	MethodBlueprintRemoved  = "blueprint_removed"
	MethodEntityAdded       = "entity_added"
	MethodEntityModified    = "entity_modified"
	MethodEntityRemoved     = "entity_removed"
	MethodSettingsChanged   = "settings_changed"
)

// Envelope is the binary frame exchanged on the admin socket: a method
// name routing a CBOR-encoded payload.
type Envelope struct {
	Method  string          `cbor:"method"`
	Payload cbor.RawMessage `cbor:"payload,omitempty"`
}

func Encode(method string, payload any) ([]byte, error) {
	var raw cbor.RawMessage
	if payload != nil {
		b, err := cbor.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", method, err)
		}
		raw = b
	}
	return cbor.Marshal(Envelope{Method: method, Payload: raw})
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(b, &env); err != nil {
		return env, err
	}
	if env.Method == "" {
		return env, fmt.Errorf("envelope missing method")
	}
	return env, nil
}

func DecodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", env.Method)
	}
	return decMode.Unmarshal(env.Payload, v)
}

// AuthMsg is the adminAuth payload.
type AuthMsg struct {
	Code          string        `cbor:"code,omitempty" json:"code,omitempty"`
	NetworkID     string        `cbor:"networkId,omitempty" json:"networkId,omitempty"`
	Subscriptions Subscriptions `cbor:"subscriptions" json:"subscriptions"`
}

type Subscriptions struct {
	Snapshot bool `cbor:"snapshot" json:"snapshot"`
	Players  bool `cbor:"players" json:"players"`
	Runtime  bool `cbor:"runtime" json:"runtime"`
}

type AuthOkMsg struct {
	SessionID    string `cbor:"sessionId" json:"sessionId"`
	HasAdminCode bool   `cbor:"hasAdminCode" json:"hasAdminCode"`
}

type AuthErrorMsg struct {
	Error string `cbor:"error" json:"error"`
}

// ResultMsg acknowledges one adminCommand, in receive order.
type ResultMsg struct {
	Seq   uint64    `cbor:"seq" json:"seq"`
	OK    bool      `cbor:"ok" json:"ok"`
	Error string    `cbor:"error,omitempty" json:"error,omitempty"`
	Lock  *LockInfo `cbor:"lock,omitempty" json:"lock,omitempty"`
	Refs  int       `cbor:"refs,omitempty" json:"refs,omitempty"`
}

// LockInfo describes the current lock holder, returned alongside a
// `locked` refusal so the UI can show who is blocking.
type LockInfo struct {
	Owner     string `cbor:"owner" json:"owner"`
	ExpiresAt int64  `cbor:"expiresAt" json:"expiresAt"`
}
