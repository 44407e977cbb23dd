package replica

import (
	"context"
	"fmt"
	"iter"

	"geoconflict/internal/record"
	"geoconflict/internal/token"
)

// Consistency is the consistency-strength tag of an endpoint.
type Consistency int

const (
	// Eventual reads may observe any applied revision.
	Eventual Consistency = iota
	// Session reads honor a session token when one is attached.
	Session
	// Strong writes return only after every region applied them.
	Strong
)

// String returns the string representation of Consistency.
func (c Consistency) String() string {
	switch c {
	case Eventual:
		return "eventual"
	case Session:
		return "session"
	case Strong:
		return "strong"
	default:
		return "unknown"
	}
}

// ParseConsistency is the inverse of String.
func ParseConsistency(s string) (Consistency, error) {
	switch s {
	case "eventual":
		return Eventual, nil
	case "session":
		return Session, nil
	case "strong":
		return Strong, nil
	default:
		return 0, fmt.Errorf("unknown consistency %q", s)
	}
}

// ReadOptions carries read preconditions.
type ReadOptions struct {
	// SessionToken gates the read: the region serves it only once its applied
	// replication state covers the token.
	SessionToken token.Token
}

// WriteResult is the committed record plus the write's position in the
// accepting region's replication stream.
type WriteResult struct {
	Record           record.Record
	ReplicationToken token.Token
}

// Endpoint is a handle to one region's view of the store. Implementations
// report failures as *apperrors.Error values.
type Endpoint interface {
	Region() string
	Consistency() Consistency

	// Create fails with CodeConflict when a live record exists.
	Create(ctx context.Context, rec record.Record) (WriteResult, error)
	// Read fails with CodeNotFound for absent or deleted identities.
	Read(ctx context.Context, key record.Key, opts ReadOptions) (record.Record, error)
	// Replace fails with CodeVersionMismatch when ifMatch is not the committed
	// version token, and CodeNotFound when the identity is absent.
	Replace(ctx context.Context, rec record.Record, ifMatch string) (WriteResult, error)
	// Delete writes a tombstone.
	Delete(ctx context.Context, key record.Key) (WriteResult, error)

	// Ping reports whether the region is provisioned and serving.
	Ping(ctx context.Context) error
}

// ConflictFeed exposes conflicts the store could not resolve on its own.
type ConflictFeed interface {
	// Conflicts enumerates outstanding conflicts in pages of pageSize. The
	// sequence is finite per call and restarts from the oldest outstanding
	// entry on every call.
	Conflicts(ctx context.Context, pageSize int) iter.Seq2[record.Conflict, error]
	// ReadCurrent returns the committed revision, tombstones included.
	ReadCurrent(ctx context.Context, key record.Key) (record.Record, error)
	// DeleteConflict removes a feed entry. Removing an unknown id succeeds.
	DeleteConflict(ctx context.Context, id string) error
}

// FeedEndpoint is an endpoint that also serves its container's conflict feed.
type FeedEndpoint interface {
	Endpoint
	ConflictFeed
}

// Regions returns the region names of eps in order.
func Regions(eps []Endpoint) []string {
	out := make([]string, len(eps))
	for i, ep := range eps {
		out[i] = ep.Region()
	}
	return out
}
