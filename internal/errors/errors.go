// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package errors implements the control plane's closed error taxonomy.
// Every fallible operation in the service returns one of these kinds (or
// nil) rather than an ad-hoc error value.
package errors

import (
	"errors"
	"fmt"
)

// Kind defines the category of error. The set is closed: IPC error
// responses and audit entries carry its String() name.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindNotFound
	KindPermissionDenied
	KindAccessDenied
	KindInvalidPolicy
	KindInvalidState
	KindWfpError
	KindServiceError
	KindServiceUnavailable
	KindIpcError
	KindNetworkError
	KindProtocolVersionMismatch
	KindRequestTooLarge
	KindRequestTimeout
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindNotFound:
		return "NotFound"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindAccessDenied:
		return "AccessDenied"
	case KindInvalidPolicy:
		return "InvalidPolicy"
	case KindInvalidState:
		return "InvalidState"
	case KindWfpError:
		return "WfpError"
	case KindServiceError:
		return "ServiceError"
	case KindServiceUnavailable:
		return "ServiceUnavailable"
	case KindIpcError:
		return "IpcError"
	case KindNetworkError:
		return "NetworkError"
	case KindProtocolVersionMismatch:
		return "ProtocolVersionMismatch"
	case KindRequestTooLarge:
		return "RequestTooLarge"
	case KindRequestTimeout:
		return "RequestTimeout"
	case KindRateLimited:
		return "RateLimited"
	default:
		return "Unknown"
	}
}

// Error is a structured error carrying a Kind, a human message, an
// optional wrapped cause, and arbitrary attributes (e.g. the preserved
// numeric PFF status code on a WfpError).
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{
		Kind:    kind,
		Message: msg,
	}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error as a new Error of the specified kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    msg,
		Underlying: err,
	}
}

// Wrapf wraps an existing error as a new Error of the specified kind with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		Underlying: err,
	}
}

// Attr attaches an attribute to an error. If the error is not an *Error, it wraps it as KindUnknown.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		e = &Error{
			Kind:       KindUnknown,
			Message:    err.Error(),
			Underlying: err,
		}
	}

	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = val
	return e
}

// GetKind returns the Kind of the error, or KindUnknown if it's not a trafficctl error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetAttributes returns all attributes associated with the error and its chain.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	var e *Error

	// errors.As in a loop collects attributes across the whole chain, though
	// in practice there is usually exactly one trafficctl error in the chain.
	tempErr := err
	for tempErr != nil {
		if errors.As(tempErr, &e) {
			for k, v := range e.Attributes {
				if _, ok := attrs[k]; !ok {
					attrs[k] = v
				}
			}
			tempErr = e.Underlying
		} else {
			break
		}
	}

	return attrs
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target, and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if err's type contains an Unwrap method returning error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// WfpErr creates a KindWfpError carrying the preserved underlying numeric
// PFF status code as an attribute, per spec.md §7.
func WfpErr(code int, msg string) error {
	return Attr(New(KindWfpError, msg), "wfp_code", code)
}

// WfpCode extracts the preserved numeric PFF status code from an error, if any.
func WfpCode(err error) (int, bool) {
	code, ok := GetAttributes(err)["wfp_code"].(int)
	return code, ok
}

// IsClientFault reports whether a Kind names a problem the caller caused
// (bad input, stale protocol version, too many requests) as opposed to one
// the service or the PFF caused. The IPC server uses this to pick a log
// level without re-deriving the split itself (§4.10,
// §6.2: "errors always include the error kind so tooling can branch").
func IsClientFault(k Kind) bool {
	switch k {
	case KindInvalidArgument, KindInvalidPolicy, KindProtocolVersionMismatch,
		KindRequestTooLarge, KindRateLimited, KindNotFound:
		return true
	default:
		return false
	}
}
