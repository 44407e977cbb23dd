package resolve

import (
	"errors"
	"fmt"

	"geoconflict/internal/record"
)

// Policy selects how conflicting writes are resolved.
type Policy int

const (
	// LastWriterWins keeps the candidate with the highest ordering value.
	LastWriterWins Policy = iota
	// CustomMerge keeps the highest ordering value on create conflicts and
	// the lowest on replace conflicts.
	CustomMerge
	// Manual resolves nothing; conflicts surface through the conflict feed.
	Manual
)

// String returns the string representation of Policy.
func (p Policy) String() string {
	switch p {
	case LastWriterWins:
		return "lww"
	case CustomMerge:
		return "custom"
	case Manual:
		return "manual"
	default:
		return "unknown"
	}
}

// ParsePolicy is the inverse of String.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "lww", "last-writer-wins":
		return LastWriterWins, nil
	case "custom", "custom-merge":
		return CustomMerge, nil
	case "manual", "none":
		return Manual, nil
	default:
		return 0, fmt.Errorf("unknown resolution policy %q", s)
	}
}

// Action is the store mutation that installs a resolution winner.
type Action int

const (
	NoOp Action = iota
	Create
	Replace
	Delete
)

// String returns the string representation of Action.
func (a Action) String() string {
	switch a {
	case NoOp:
		return "noop"
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

// Outcome is the winner of a conflict and the action that installs it.
type Outcome struct {
	Winner record.Record
	Action Action
}

// ErrManualPolicy is returned when asked to resolve under the manual policy.
var ErrManualPolicy = errors.New("manual policy resolves nothing automatically")

type role int

const (
	roleCommitted role = iota
	roleSibling
	roleIncoming
)

type candidate struct {
	rec  record.Record
	role role
}

// Resolve computes the outcome of event under policy. It is a pure function:
// identical inputs always yield identical outcomes, whether it runs inside the
// store or against the conflict feed.
func Resolve(event record.ConflictEvent, policy Policy) (Outcome, error) {
	if policy == Manual {
		return Outcome{}, ErrManualPolicy
	}
	if policy != LastWriterWins && policy != CustomMerge {
		return Outcome{}, fmt.Errorf("unknown resolution policy %d", policy)
	}

	// Tombstones win over every live candidate.
	if tomb, ok := tombstoneOf(event); ok {
		if event.Kind != record.Delete && event.Committed != nil && event.Committed.Deleted {
			return Outcome{Winner: *event.Committed, Action: NoOp}, nil
		}
		return Outcome{Winner: tomb, Action: Delete}, nil
	}

	// A redelivered write that is already committed changes nothing.
	if event.Committed != nil && len(event.Siblings) == 0 && event.Incoming.SameContent(*event.Committed) {
		return Outcome{Winner: *event.Committed, Action: NoOp}, nil
	}

	better := lwwBetter
	if policy == CustomMerge {
		if event.Kind == record.Replace {
			better = minBetter
		} else {
			better = maxBetter
		}
	}

	winner := pick(candidates(event), better)
	return outcomeFor(event, winner), nil
}

func tombstoneOf(event record.ConflictEvent) (record.Record, bool) {
	if event.Incoming.Deleted {
		return event.Incoming, true
	}
	if event.Committed != nil && event.Committed.Deleted {
		return *event.Committed, true
	}
	for _, s := range event.Siblings {
		if s.Deleted {
			return s, true
		}
	}
	if event.Kind == record.Delete {
		return event.Incoming.Tombstone(), true
	}
	return record.Record{}, false
}

func candidates(event record.ConflictEvent) []candidate {
	out := make([]candidate, 0, len(event.Siblings)+2)
	if event.Committed != nil {
		out = append(out, candidate{rec: *event.Committed, role: roleCommitted})
	}
	for _, s := range event.Siblings {
		out = append(out, candidate{rec: s, role: roleSibling})
	}
	return append(out, candidate{rec: event.Incoming, role: roleIncoming})
}

func pick(cands []candidate, better func(a, b candidate) bool) candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		if better(c, best) {
			best = c
		}
	}
	return best
}

func outcomeFor(event record.ConflictEvent, winner candidate) Outcome {
	switch {
	case event.Committed == nil:
		return Outcome{Winner: winner.rec, Action: Create}
	case winner.role == roleCommitted || winner.rec.SameContent(*event.Committed):
		return Outcome{Winner: *event.Committed, Action: NoOp}
	default:
		return Outcome{Winner: winner.rec, Action: Replace}
	}
}

// lwwBetter: highest ordering value; ties keep the committed record.
func lwwBetter(a, b candidate) bool {
	if a.rec.OrderingValue != b.rec.OrderingValue {
		return a.rec.OrderingValue > b.rec.OrderingValue
	}
	if a.role == roleCommitted || b.role == roleCommitted {
		return a.role == roleCommitted
	}
	return tieBreak(a.rec, b.rec)
}

// maxBetter: highest ordering value; ties go to the conflicting write.
func maxBetter(a, b candidate) bool {
	if a.rec.OrderingValue != b.rec.OrderingValue {
		return a.rec.OrderingValue > b.rec.OrderingValue
	}
	if a.role == roleCommitted || b.role == roleCommitted {
		return b.role == roleCommitted
	}
	return tieBreak(a.rec, b.rec)
}

// minBetter: lowest ordering value; ties keep the committed record.
func minBetter(a, b candidate) bool {
	if a.rec.OrderingValue != b.rec.OrderingValue {
		return a.rec.OrderingValue < b.rec.OrderingValue
	}
	if a.role == roleCommitted || b.role == roleCommitted {
		return a.role == roleCommitted
	}
	return tieBreak(a.rec, b.rec)
}

// tieBreak orders two uncommitted candidates with equal ordering values so
// the result does not depend on delivery order.
func tieBreak(a, b record.Record) bool {
	if a.OriginRegion != b.OriginRegion {
		return a.OriginRegion > b.OriginRegion
	}
	return a.VersionToken > b.VersionToken
}
