package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"geoconflict/internal/record"
)

func testRevision(id string, ordering int64, lsn uint64, deleted bool) revision {
	return revision{
		rec: record.Record{
			ID:            id,
			PartitionKey:  "pk",
			OrderingValue: ordering,
			VersionToken:  versionToken("west", lsn),
			Deleted:       deleted,
		},
		origin: "west",
		lsn:    lsn,
	}
}

func TestStore_GetPut(t *testing.T) {
	store := NewStore()
	store.put(testRevision("1", 5, 1, false))

	rec, ok := store.Get(record.Key{PartitionKey: "pk", ID: "1"})
	if !ok {
		t.Fatal("Expected record")
	}
	if rec.OrderingValue != 5 {
		t.Errorf("Expected ordering 5, got %d", rec.OrderingValue)
	}
	if rec.VersionToken != "west:1" {
		t.Errorf("Expected version west:1, got %s", rec.VersionToken)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	store := NewStore()
	if _, ok := store.Get(record.Key{PartitionKey: "pk", ID: "missing"}); ok {
		t.Error("Expected no record for unknown key")
	}
}

func TestStore_TombstonesAreKept(t *testing.T) {
	store := NewStore()
	store.put(testRevision("1", 5, 1, false))
	store.put(testRevision("1", 0, 2, true))

	rec, ok := store.Get(record.Key{PartitionKey: "pk", ID: "1"})
	if !ok {
		t.Fatal("Expected tombstone after delete, got nothing")
	}
	if !rec.Deleted {
		t.Error("Expected tombstone after delete")
	}
	if store.Len() != 1 || store.Live() != 0 {
		t.Errorf("Expected 1 identity and 0 live, got %d/%d", store.Len(), store.Live())
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	store := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.put(testRevision("1", int64(i), uint64(i+1), false))
		}(i)
	}
	wg.Wait()

	if _, ok := store.Get(record.Key{PartitionKey: "pk", ID: "1"}); !ok {
		t.Fatal("Expected value after concurrent writes")
	}
}

func TestRevision_Beats(t *testing.T) {
	tests := []struct {
		name string
		a, b revision
		want bool
	}{
		{"tombstone beats live", testRevision("1", 0, 1, true), testRevision("1", 9, 9, false), true},
		{"live loses to tombstone", testRevision("1", 9, 9, false), testRevision("1", 0, 1, true), false},
		{"higher position wins", testRevision("1", 0, 3, false), testRevision("1", 0, 2, false), true},
		{
			"region name breaks ties",
			revision{rec: record.Record{ID: "1"}, origin: "west", lsn: 1},
			revision{rec: record.Record{ID: "1"}, origin: "east", lsn: 1},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.beats(tt.b); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestKeyLock_SerializesOneIdentity(t *testing.T) {
	locks := newKeyLock()
	key := record.Key{PartitionKey: "pk", ID: "1"}

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock(key)
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("Expected at most one holder, saw %d", maxSeen)
	}
	if len(locks.locks) != 0 {
		t.Errorf("Expected lock table to be empty, got %d entries", len(locks.locks))
	}
}

func TestMemoryQueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	for _, id := range []string{"a", "b", "c"} {
		added, err := q.Enqueue(ctx, record.Conflict{ID: id})
		if err != nil || !added {
			t.Fatalf("Enqueue(%s) = %v, %v", id, added, err)
		}
	}
	added, err := q.Enqueue(ctx, record.Conflict{ID: "b"})
	if err != nil || added {
		t.Errorf("Duplicate enqueue should be ignored, got %v, %v", added, err)
	}

	page, _ := q.List(ctx, 0, 2)
	if len(page) != 2 || page[0].ID != "a" || page[1].ID != "b" {
		t.Errorf("Expected [a b], got %v", page)
	}
	page, _ = q.List(ctx, page[1].Seq, 2)
	if len(page) != 1 || page[0].ID != "c" {
		t.Errorf("Expected [c], got %v", page)
	}

	if err := q.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := q.Delete(ctx, "a"); err != nil {
		t.Errorf("Deleting twice should succeed, got %v", err)
	}
	if n, _ := q.Len(ctx); n != 2 {
		t.Errorf("Expected 2 entries, got %d", n)
	}
}
