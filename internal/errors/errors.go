// Package errors provides the structured error type shared by every store
// collaborator and the conflict tooling. Codes classify store failures into
// benign race losses, transient visibility misses and fatal faults.
package errors

import (
	"context"
	stderrors "errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error is the domain error type with a machine-readable code.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Message for logs
	Cause   error  // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is checks. Only the code is compared.
var (
	ErrConflict         = New(CodeConflict, "conflict")
	ErrVersionMismatch  = New(CodeVersionMismatch, "version mismatch")
	ErrNotFound         = New(CodeNotFound, "not found")
	ErrNotYetVisible    = New(CodeNotYetVisible, "replication not yet visible")
	ErrStale            = New(CodeStale, "replica could not catch up to token")
	ErrUnavailable      = New(CodeUnavailable, "store unavailable")
	ErrDeadlineExceeded = New(CodeDeadlineExceeded, "deadline exceeded")
	ErrInvalidArgument  = New(CodeInvalidArgument, "invalid argument")
)

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf extracts the code of the first *Error in err's chain. Context
// expirations map to CodeDeadlineExceeded; anything else is CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return CodeDeadlineExceeded
	}
	return CodeUnknown
}

// IsBenignLoss reports whether err is the expected outcome of losing a write
// race: a create beaten by another create, or a replace beaten by another
// replace or a delete.
func IsBenignLoss(err error) bool {
	switch CodeOf(err) {
	case CodeConflict, CodeVersionMismatch, CodeNotFound:
		return true
	}
	return false
}

// IsTransient reports whether err only means replication has not caught up yet.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeNotYetVisible, CodeNotFound:
		return true
	}
	return false
}

// IsFatal reports whether err must abort the current round.
func IsFatal(err error) bool {
	return err != nil && !IsBenignLoss(err) && CodeOf(err) != CodeNotYetVisible
}

// ToGRPCStatus converts err to a gRPC status error.
func ToGRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && CodeOf(err) == CodeUnknown {
		return err
	}
	return status.Error(CodeOf(err).GRPCCode(), err.Error())
}

// FromGRPC converts a gRPC status error back into a domain error so remote
// endpoints classify exactly like local ones.
func FromGRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if st.Code() == codes.OK {
		return nil
	}
	return &Error{Code: CodeFromGRPC(st.Code()), Message: st.Message()}
}
