package storage

import (
	"sync"

	"geoconflict/internal/record"
)

// revision is one committed revision of a record plus the replication
// metadata the store keeps about it.
type revision struct {
	rec    record.Record
	origin string // region that accepted the write
	lsn    uint64 // position in the origin's replication stream
	kind   record.OperationKind
}

// beats orders revisions when no policy decides: tombstones first, then the
// higher origin position, then the region name.
func (r revision) beats(other revision) bool {
	if r.rec.Deleted != other.rec.Deleted {
		return r.rec.Deleted
	}
	if r.lsn != other.lsn {
		return r.lsn > other.lsn
	}
	return r.origin > other.origin
}

// Store holds the committed revision of every identity in one region.
// Deletions are kept as tombstones so replicated deletes are not resurrected.
// It's thread-safe.
type Store struct {
	mu   sync.RWMutex
	data map[record.Key]revision
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{data: make(map[record.Key]revision)}
}

// Get returns the committed revision of key, tombstones included.
func (s *Store) Get(key record.Key) (record.Record, bool) {
	rev, ok := s.get(key)
	return rev.rec, ok
}

func (s *Store) get(key record.Key) (revision, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rev, ok := s.data[key]
	return rev, ok
}

func (s *Store) put(rev revision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[rev.rec.Key()] = rev
}

// Len returns the number of identities held, tombstones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Live returns the number of identities whose committed revision is not a
// tombstone.
func (s *Store) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rev := range s.data {
		if !rev.rec.Deleted {
			n++
		}
	}
	return n
}

// keyLock serializes work on one identity.
type keyLock struct {
	mu    sync.Mutex
	locks map[record.Key]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[record.Key]*keyEntry)}
}

// lock acquires the lock for key and returns its release function.
func (l *keyLock) lock(key record.Key) func() {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &keyEntry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
