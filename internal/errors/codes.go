package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unclassified error.
	CodeUnknown Code = "UNKNOWN"

	// Benign race losses
	CodeConflict        Code = "CONFLICT"
	CodeVersionMismatch Code = "VERSION_MISMATCH"
	CodeNotFound        Code = "NOT_FOUND"

	// Replication lag
	CodeNotYetVisible Code = "NOT_YET_VISIBLE"
	CodeStale         Code = "STALE"

	// Fatal
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeDeadlineExceeded Code = "DEADLINE_EXCEEDED"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
)

// GRPCCode maps the domain code to a gRPC status code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeConflict:
		return codes.AlreadyExists
	case CodeVersionMismatch:
		return codes.FailedPrecondition
	case CodeNotFound:
		return codes.NotFound
	case CodeNotYetVisible:
		return codes.Unavailable
	case CodeStale:
		return codes.Aborted
	case CodeUnavailable:
		return codes.Unavailable
	case CodeDeadlineExceeded:
		return codes.DeadlineExceeded
	case CodeInvalidArgument:
		return codes.InvalidArgument
	default:
		return codes.Unknown
	}
}

// CodeFromGRPC is the inverse of GRPCCode. Unavailable always maps to
// CodeUnavailable; visibility misses travel as NotFound.
func CodeFromGRPC(c codes.Code) Code {
	switch c {
	case codes.AlreadyExists:
		return CodeConflict
	case codes.FailedPrecondition:
		return CodeVersionMismatch
	case codes.NotFound:
		return CodeNotFound
	case codes.Aborted:
		return CodeStale
	case codes.Unavailable:
		return CodeUnavailable
	case codes.DeadlineExceeded, codes.Canceled:
		return CodeDeadlineExceeded
	case codes.InvalidArgument:
		return CodeInvalidArgument
	default:
		return CodeUnknown
	}
}
