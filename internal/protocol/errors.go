package protocol

import "fmt"

// Error codes surfaced at the external boundary. Transport failures are
// retried locally by clients; these are semantic refusals and every one
// reaches the caller identifiably.
const (
	// Authentication.
	ErrMissingCode = "missing_code"
	ErrBadCode     = "bad_code"
	ErrConnection  = "connection_error"

	// Authorization.
	ErrAdminRequired   = "admin_required"
	ErrBuilderRequired = "builder_required"
	ErrDeployRequired  = "deploy_required"

	// Edit pipeline.
	ErrVersionMismatch    = "version_mismatch"
	ErrLocked             = "locked"
	ErrScopeRequired      = "scope_required"
	ErrInUse              = "in_use"
	ErrInvalidScriptFiles = "invalid_script_files"
	ErrMissingScriptFile  = "missing_script_file"

	// AI orchestrator.
	ErrAIRequestPending = "ai_request_pending"

	// Asset / control-plane plumbing.
	ErrUploadFailed     = "upload_failed"
	ErrNotFound         = "not_found"
	ErrAdminURLMissing  = "admin_url_missing"
	ErrAdminCodeMissing = "admin_code_missing"

	ErrBadRequest = "bad_request"
	ErrInternal   = "internal"
)

var knownCodes = map[string]struct{}{
	ErrMissingCode:        {},
	ErrBadCode:            {},
	ErrConnection:         {},
	ErrAdminRequired:      {},
	ErrBuilderRequired:    {},
	ErrDeployRequired:     {},
	ErrVersionMismatch:    {},
	ErrLocked:             {},
	ErrScopeRequired:      {},
	ErrInUse:              {},
	ErrInvalidScriptFiles: {},
	ErrMissingScriptFile:  {},
	ErrAIRequestPending:   {},
	ErrUploadFailed:       {},
	ErrNotFound:           {},
	ErrAdminURLMissing:    {},
	ErrAdminCodeMissing:   {},
	ErrBadRequest:         {},
	ErrInternal:           {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// CodedError pairs a wire code with optional detail for the caller.
// The code travels in onAdminResult / REST bodies; the detail stays in
// server logs and the Lock/Refs side fields.
type CodedError struct {
	Code   string
	Detail string
	Lock   *LockInfo
	Refs   int
}

func (e *CodedError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

func Coded(code string) *CodedError { return &CodedError{Code: code} }

func Codedf(code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the wire code from any error, mapping unexpected
// failures to `internal` so unknown strings never leak to clients.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if ce, ok := err.(*CodedError); ok {
		return ce.Code
	}
	return ErrInternal
}
