package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies a protocol error.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindPermission
	KindExecution
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission"
	case KindExecution:
		return "execution"
	default:
		return "internal"
	}
}

// DefaultCode is the wire code used when a constructor is given none.
func (k Kind) DefaultCode() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return CodePermissionDenied
	case KindExecution:
		return CodeExecutionError
	default:
		return CodeInternalError
	}
}

// Machine-readable error codes carried in error and tool_call_error envelopes.
const (
	CodeInvalidJSON        = "invalid_json"
	CodeMissingType        = "missing_type"
	CodeUnknownMessageType = "unknown_message_type"
	CodeInvalidPayload     = "invalid_payload"
	CodeMissingToolID      = "missing_tool_id"
	CodeToolNotFound       = "tool_not_found"
	CodeInvalidParameters  = "invalid_parameters"
	CodePermissionDenied   = "permission_denied"
	CodeExecutionError     = "execution_error"
	CodeInternalError      = "internal_error"
	CodeRoomNotFound       = "room_not_found"
	CodeNotInRoom          = "not_in_room"
	CodeEmptyMessage       = "empty_message"
	CodeRateLimited        = "rate_limited"
)

// Error is the typed failure returned by registries and handlers. The router
// turns it into exactly one outbound envelope for the originating client.
type Error struct {
	Kind        Kind
	Code        string
	Message     string
	Details     map[string]any
	CallID      string
	RequestType string

	// Reply replaces the generic error envelope when set, e.g. a
	// tool_call_error for a standalone tool_call.
	Reply *Envelope
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(kind Kind, code, msg string) *Error {
	if code == "" {
		code = kind.DefaultCode()
	}
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Validation(code, msg string) *Error { return newError(KindValidation, code, msg) }
func NotFound(code, msg string) *Error   { return newError(KindNotFound, code, msg) }
func Permission(code, msg string) *Error { return newError(KindPermission, code, msg) }
func Execution(code, msg string) *Error  { return newError(KindExecution, code, msg) }
func Internal(code, msg string) *Error   { return newError(KindInternal, code, msg) }

// WithCallID returns a copy carrying the correlation id.
func (e *Error) WithCallID(callID string) *Error {
	cp := *e
	cp.CallID = callID
	return &cp
}

// WithDetails returns a copy carrying extra context for the client.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// WithReply returns a copy that the router sends as env instead of the
// generic error envelope.
func (e *Error) WithReply(env Envelope) *Error {
	cp := *e
	cp.Reply = &env
	return &cp
}

// AsError recovers a *Error from err. Any other error maps to an
// internal_error whose message does not leak the underlying cause.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return Internal(CodeInternalError, "internal server error")
}

// IsKind reports whether err is a protocol error of the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}
