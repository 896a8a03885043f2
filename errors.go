package core

import (
	"fmt"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var (
	// ErrRecordNotFound is returned by every store implementation on a miss.
	ErrRecordNotFound = gorm.ErrRecordNotFound
	// ErrDuplicateRecord is returned when a unique key (gateway order id, payout transaction id) is reused.
	ErrDuplicateRecord = gorm.ErrDuplicatedKey
	// ErrStaleStatus is returned when a compare-and-set status update finds a different current status.
	ErrStaleStatus = errors.New("status changed concurrently")
	// ErrIllegalTransition is returned when a status update asks for a move the lifecycle forbids.
	ErrIllegalTransition = errors.New("illegal status transition")
)

type ErrorKind uint8

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindUpstream
	KindSecurity
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "state_conflict"
	case KindUpstream:
		return "upstream_failure"
	case KindSecurity:
		return "security"
	default:
		return "internal"
	}
}

const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidState     = "INVALID_STATE"
	CodeConflict         = "CONFLICT"
	CodeBadGateway       = "BAD_GATEWAY"
	CodeGatewayAuth      = "GATEWAY_AUTH"
	CodeInvalidSignature = "INVALID_SIGNATURE"
	CodeInternal         = "INTERNAL"
)

// Error is the only error shape the settlement layer hands to its callers.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Cause() error { return e.cause }

func (e *Error) Unwrap() error { return e.cause }

func newError(kind ErrorKind, code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, cause: cause}
}

func InvalidRequest(format string, args ...any) error {
	return newError(KindValidation, CodeInvalidRequest, fmt.Sprintf(format, args...), nil)
}

func NotFound(format string, args ...any) error {
	return newError(KindNotFound, CodeNotFound, fmt.Sprintf(format, args...), nil)
}

func InvalidState(format string, args ...any) error {
	return newError(KindConflict, CodeInvalidState, fmt.Sprintf(format, args...), nil)
}

func Conflict(format string, args ...any) error {
	return newError(KindConflict, CodeConflict, fmt.Sprintf(format, args...), nil)
}

func BadGateway(cause error, msg string) error {
	return newError(KindUpstream, CodeBadGateway, msg, cause)
}

func GatewayAuth(cause error, msg string) error {
	return newError(KindUpstream, CodeGatewayAuth, msg, cause)
}

func InvalidSignature(msg string) error {
	return newError(KindSecurity, CodeInvalidSignature, msg, nil)
}

func Internal(cause error, msg string) error {
	return newError(KindInternal, CodeInternal, msg, errors.WithStack(cause))
}

// KindOf reports the kind of the first *Error in err's chain, KindInternal otherwise.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the caller-facing message, hiding causes of internal errors.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
