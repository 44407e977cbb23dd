package resolve

import (
	"math/rand"
	"testing"

	"geoconflict/internal/record"
)

// TestResolve_Property_LWWCommutative tests that the winner does not depend on
// which candidate arrives as incoming and which as sibling.
func TestResolve_Property_LWWCommutative(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	regions := []string{"west", "east", "north", "south"}

	for i := 0; i < 200; i++ {
		committed := rec("west", rng.Int63n(50), "v0")
		others := make([]record.Record, 3)
		for j := range others {
			others[j] = rec(regions[j+1], rng.Int63n(50), "v"+string(rune('1'+j)))
		}

		var winners []record.Record
		for k := range others {
			siblings := make([]record.Record, 0, len(others)-1)
			for j := range others {
				if j != k {
					siblings = append(siblings, others[j])
				}
			}
			out, err := Resolve(record.ConflictEvent{
				Incoming:  others[k],
				Committed: &committed,
				Siblings:  siblings,
				Kind:      record.Create,
			}, LastWriterWins)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			winners = append(winners, out.Winner)
		}

		for _, w := range winners[1:] {
			if w != winners[0] {
				t.Fatalf("Winner depends on delivery order: %v vs %v", winners[0], w)
			}
		}
	}
}

// TestResolve_Property_LWWIdempotent tests that incoming <= committed is a NoOp
// and that resolving against the installed winner is a NoOp.
func TestResolve_Property_LWWIdempotent(t *testing.T) {
	for committedOrder := int64(0); committedOrder < 10; committedOrder++ {
		for incomingOrder := int64(0); incomingOrder < 10; incomingOrder++ {
			committed := rec("west", committedOrder, "v1")
			incoming := rec("east", incomingOrder, "v2")
			event := record.ConflictEvent{Incoming: incoming, Committed: &committed, Kind: record.Replace}

			out, err := Resolve(event, LastWriterWins)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if incomingOrder <= committedOrder && out.Action != NoOp {
				t.Errorf("incoming %d <= committed %d should be NoOp, got %v", incomingOrder, committedOrder, out.Action)
			}

			installed := out.Winner
			again, _ := Resolve(record.ConflictEvent{Incoming: incoming, Committed: &installed, Kind: record.Replace}, LastWriterWins)
			if again.Action != NoOp {
				t.Errorf("Second resolution should be NoOp, got %v", again.Action)
			}
		}
	}
}

// TestResolve_Property_CustomMergeRedeliveryIsNoOp tests that once the winner
// is installed, redelivering the losing write changes nothing.
func TestResolve_Property_CustomMergeRedeliveryIsNoOp(t *testing.T) {
	for _, kind := range []record.OperationKind{record.Create, record.Replace} {
		for a := int64(0); a < 6; a++ {
			for b := int64(0); b < 6; b++ {
				committed := rec("west", a, "v1")
				incoming := rec("east", b, "v2")

				out, err := Resolve(record.ConflictEvent{Incoming: incoming, Committed: &committed, Kind: kind}, CustomMerge)
				if err != nil {
					t.Fatalf("Resolve failed: %v", err)
				}
				installed := out.Winner

				again, _ := Resolve(record.ConflictEvent{Incoming: incoming, Committed: &installed, Kind: kind}, CustomMerge)
				if again.Action != NoOp {
					t.Errorf("%v %d/%d: redelivery should be NoOp, got %v", kind, a, b, again.Action)
				}
			}
		}
	}
}

// TestResolve_Property_Deterministic tests identical inputs yield identical outcomes.
func TestResolve_Property_Deterministic(t *testing.T) {
	committed := rec("west", 4, "v1")
	event := record.ConflictEvent{
		Incoming:  rec("east", 9, "v2"),
		Committed: &committed,
		Siblings:  []record.Record{rec("north", 9, "v3")},
		Kind:      record.Create,
	}
	for _, policy := range []Policy{LastWriterWins, CustomMerge} {
		first, _ := Resolve(event, policy)
		for i := 0; i < 10; i++ {
			out, _ := Resolve(event, policy)
			if out != first {
				t.Errorf("%v: outcome changed between calls: %v vs %v", policy, first, out)
			}
		}
	}
}
