// Package record defines the strongly-typed record schema shared by the
// replica endpoints, the conflict tooling and the wire layer, plus the
// synthetic record generator used to drive conflict induction.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Record is one logical record as committed by a region.
type Record struct {
	ID           string `json:"id"`
	PartitionKey string `json:"partitionKey"`
	// OrderingValue is application-assigned and used only as a deterministic
	// tie-break between conflicting writes.
	OrderingValue int64  `json:"orderingValue"`
	OriginRegion  string `json:"originRegion"`

	Name       string `json:"name"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`

	// VersionToken identifies one committed revision. Set by the store.
	VersionToken string `json:"versionToken,omitempty"`
	// Deleted marks a tombstone.
	Deleted bool `json:"deleted,omitempty"`
}

// Key identifies a logical record within a container.
type Key struct {
	PartitionKey string
	ID           string
}

// String returns "partitionKey/id".
func (k Key) String() string {
	return k.PartitionKey + "/" + k.ID
}

// Key returns the record's identity.
func (r Record) Key() Key {
	return Key{PartitionKey: r.PartitionKey, ID: r.ID}
}

// SameContent reports whether two records carry the same application content,
// ignoring the store-assigned version token.
func (r Record) SameContent(other Record) bool {
	a, b := r, other
	a.VersionToken, b.VersionToken = "", ""
	return a == b
}

// Tombstone returns the deletion marker for r's identity.
func (r Record) Tombstone() Record {
	return Record{
		ID:           r.ID,
		PartitionKey: r.PartitionKey,
		OriginRegion: r.OriginRegion,
		VersionToken: r.VersionToken,
		Deleted:      true,
	}
}

// String renders the fields that matter when following a race in the logs.
func (r Record) String() string {
	if r.Deleted {
		return fmt.Sprintf("tombstone(%s, region=%s)", r.Key(), r.OriginRegion)
	}
	return fmt.Sprintf("%s(ordering=%d, region=%s, name=%q)", r.Key(), r.OrderingValue, r.OriginRegion, r.Name)
}

// Validate checks the fields every write needs.
func (r Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record id cannot be empty")
	}
	if r.PartitionKey == "" {
		return fmt.Errorf("record partition key cannot be empty")
	}
	return nil
}

// OperationKind is the kind of write that lost (or won) a conflict.
type OperationKind int

const (
	Create OperationKind = iota
	Replace
	Delete
)

// String returns the string representation of OperationKind.
func (k OperationKind) String() string {
	switch k {
	case Create:
		return "create"
	case Replace:
		return "replace"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseOperationKind is the inverse of String.
func ParseOperationKind(s string) (OperationKind, error) {
	switch s {
	case "create":
		return Create, nil
	case "replace":
		return Replace, nil
	case "delete":
		return Delete, nil
	default:
		return 0, fmt.Errorf("unknown operation kind %q", s)
	}
}

// ConflictEvent is one conflict to resolve: the incoming write, the revision
// it collided with (nil when nothing is committed yet), and any other
// concurrently written candidates for the same identity.
type ConflictEvent struct {
	Incoming  Record
	Committed *Record
	Siblings  []Record
	Kind      OperationKind
}

// Candidates returns committed (if any), siblings, then incoming.
func (e ConflictEvent) Candidates() []Record {
	out := make([]Record, 0, len(e.Siblings)+2)
	if e.Committed != nil {
		out = append(out, *e.Committed)
	}
	out = append(out, e.Siblings...)
	return append(out, e.Incoming)
}

// Conflict is a persisted conflict feed entry: a write that lost to the
// committed revision and awaits out-of-band resolution.
type Conflict struct {
	ID         string        `json:"id"`
	Seq        int64         `json:"seq"`
	Kind       OperationKind `json:"kind"`
	Content    Record        `json:"content"`
	DetectedIn string        `json:"detectedIn"`
}

// ConflictID derives the feed id for a losing revision. Every region that
// detects the same loser computes the same id.
func ConflictID(loser Record) string {
	sum := sha256.Sum256([]byte(loser.Key().String() + "@" + loser.VersionToken))
	return hex.EncodeToString(sum[:12])
}
