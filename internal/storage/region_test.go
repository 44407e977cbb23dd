package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "geoconflict/internal/errors"
	"geoconflict/internal/record"
	"geoconflict/internal/replica"
	"geoconflict/internal/resolve"
)

func newTestAccount(t *testing.T, opts Options) *Account {
	t.Helper()
	if opts.Regions == nil {
		opts.Regions = []string{"west", "east"}
	}
	a, err := NewSilentAccount(opts)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func quiesce(t *testing.T, a *Account) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Quiesce(ctx))
}

func region(t *testing.T, a *Account, name string) *Region {
	t.Helper()
	r, err := a.Region(name)
	require.NoError(t, err)
	return r
}

func newRecord(id string, ordering int64) record.Record {
	return record.Record{ID: id, PartitionKey: "pk", OrderingValue: ordering, Name: "n"}
}

func TestNewAccount_Validation(t *testing.T) {
	_, err := NewSilentAccount(Options{Regions: []string{"west"}})
	assert.Error(t, err)

	_, err = NewSilentAccount(Options{Regions: []string{"west", "west"}})
	assert.Error(t, err)

	_, err = NewSilentAccount(Options{Regions: []string{"west", ""}})
	assert.Error(t, err)
}

func TestRegion_CRUD(t *testing.T) {
	ctx := context.Background()
	a := newTestAccount(t, Options{})
	west := region(t, a, "west")

	created, err := west.Create(ctx, newRecord("1", 5))
	require.NoError(t, err)
	assert.NotEmpty(t, created.Record.VersionToken)
	assert.Equal(t, "west", created.Record.OriginRegion)
	assert.Equal(t, uint64(1), created.ReplicationToken.Get("west"))

	_, err = west.Create(ctx, newRecord("1", 6))
	assert.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))

	_, err = west.Replace(ctx, newRecord("1", 7), "stale")
	assert.Equal(t, apperrors.CodeVersionMismatch, apperrors.CodeOf(err))

	replaced, err := west.Replace(ctx, newRecord("1", 7), created.Record.VersionToken)
	require.NoError(t, err)
	assert.NotEqual(t, created.Record.VersionToken, replaced.Record.VersionToken)

	got, err := west.Read(ctx, created.Record.Key(), replica.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.OrderingValue)

	_, err = west.Delete(ctx, got.Key())
	require.NoError(t, err)

	_, err = west.Read(ctx, got.Key(), replica.ReadOptions{})
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
	_, err = west.Replace(ctx, newRecord("1", 8), "")
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
	_, err = west.Delete(ctx, got.Key())
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))

	current, err := west.ReadCurrent(ctx, got.Key())
	require.NoError(t, err)
	assert.True(t, current.Deleted)

	// A deleted identity can be created again.
	_, err = west.Create(ctx, newRecord("1", 9))
	require.NoError(t, err)
}

func TestRegion_InvalidRecord(t *testing.T) {
	a := newTestAccount(t, Options{})
	_, err := region(t, a, "west").Create(context.Background(), record.Record{PartitionKey: "pk"})
	assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.CodeOf(err))
}

func TestRegion_Replicates(t *testing.T) {
	ctx := context.Background()
	a := newTestAccount(t, Options{ReplicationDelay: 10 * time.Millisecond})
	west, east := region(t, a, "west"), region(t, a, "east")

	created, err := west.Create(ctx, newRecord("1", 5))
	require.NoError(t, err)
	quiesce(t, a)

	got, err := east.Read(ctx, created.Record.Key(), replica.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, created.Record, got)
	assert.True(t, east.Applied().Covers(created.ReplicationToken))
}

func TestRegion_GatedRead(t *testing.T) {
	ctx := context.Background()
	a := newTestAccount(t, Options{ReplicationDelay: 100 * time.Millisecond})
	west, east := region(t, a, "west"), region(t, a, "east")

	created, err := west.Create(ctx, newRecord("1", 5))
	require.NoError(t, err)

	_, err = east.Read(ctx, created.Record.Key(), replica.ReadOptions{})
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err), "ungated read should not see the write yet")

	got, err := east.Read(ctx, created.Record.Key(), replica.ReadOptions{SessionToken: created.ReplicationToken})
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.OrderingValue)
}

func TestRegion_GatedReadStale(t *testing.T) {
	ctx := context.Background()
	a := newTestAccount(t, Options{ReplicationDelay: time.Second, StalenessBound: 20 * time.Millisecond})
	west, east := region(t, a, "west"), region(t, a, "east")

	created, err := west.Create(ctx, newRecord("1", 5))
	require.NoError(t, err)

	_, err = east.Read(ctx, created.Record.Key(), replica.ReadOptions{SessionToken: created.ReplicationToken})
	assert.Equal(t, apperrors.CodeStale, apperrors.CodeOf(err))
}

func TestRegion_StrongWritesWaitForEveryRegion(t *testing.T) {
	ctx := context.Background()
	a := newTestAccount(t, Options{
		Regions:          []string{"west", "east", "north"},
		Consistency:      replica.Strong,
		ReplicationDelay: 20 * time.Millisecond,
	})

	created, err := region(t, a, "west").Create(ctx, newRecord("1", 5))
	require.NoError(t, err)

	for _, name := range []string{"east", "north"} {
		got, err := region(t, a, name).Read(ctx, created.Record.Key(), replica.ReadOptions{})
		require.NoError(t, err, name)
		assert.Equal(t, created.Record.VersionToken, got.VersionToken)
	}
}

func TestRegion_Unavailable(t *testing.T) {
	ctx := context.Background()
	a := newTestAccount(t, Options{})
	west := region(t, a, "west")

	west.SetAvailable(false)
	_, err := west.Create(ctx, newRecord("1", 5))
	assert.Equal(t, apperrors.CodeUnavailable, apperrors.CodeOf(err))
	assert.True(t, apperrors.IsFatal(err))
	assert.Error(t, west.Ping(ctx))

	west.SetAvailable(true)
	assert.NoError(t, west.Ping(ctx))
}

func TestRegion_WaitProvisioned(t *testing.T) {
	a := newTestAccount(t, Options{ProvisionDelay: 50 * time.Millisecond})
	west := region(t, a, "west")

	assert.Error(t, west.Ping(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, replica.WaitProvisioned(ctx, west, 10*time.Millisecond))
}

// raceCreates commits a create of the same identity in every region before
// replication can deliver any of them.
func raceCreates(t *testing.T, a *Account, orderings map[string]int64) record.Key {
	t.Helper()
	ctx := context.Background()
	for name, ordering := range orderings {
		rec := newRecord("race", ordering)
		rec.OriginRegion = name
		_, err := region(t, a, name).Create(ctx, rec)
		require.NoError(t, err)
	}
	quiesce(t, a)
	return record.Key{PartitionKey: "pk", ID: "race"}
}

func assertConverged(t *testing.T, a *Account, key record.Key) record.Record {
	t.Helper()
	var first record.Record
	for i, r := range a.Regions() {
		got, err := r.ReadCurrent(context.Background(), key)
		require.NoError(t, err, r.Region())
		if i == 0 {
			first = got
			continue
		}
		assert.Equal(t, first, got, "region %s diverged", r.Region())
	}
	return first
}

func TestReplication_LastWriterWins(t *testing.T) {
	a := newTestAccount(t, Options{
		Regions:          []string{"west", "east", "north"},
		Policy:           resolve.LastWriterWins,
		ReplicationDelay: 30 * time.Millisecond,
	})

	key := raceCreates(t, a, map[string]int64{"west": 3, "east": 7, "north": 2})
	winner := assertConverged(t, a, key)
	assert.Equal(t, int64(7), winner.OrderingValue)
	assert.Equal(t, "east", winner.OriginRegion)

	n, _ := a.Queue().Len(context.Background())
	assert.Zero(t, n, "automatic policies queue nothing")
}

func TestReplication_CustomMergeReplaceKeepsMinimum(t *testing.T) {
	ctx := context.Background()
	a := newTestAccount(t, Options{Policy: resolve.CustomMerge, ReplicationDelay: 30 * time.Millisecond})
	west, east := region(t, a, "west"), region(t, a, "east")

	seed, err := west.Create(ctx, newRecord("1", 50))
	require.NoError(t, err)
	quiesce(t, a)

	_, err = west.Replace(ctx, newRecord("1", 10), seed.Record.VersionToken)
	require.NoError(t, err)
	_, err = east.Replace(ctx, newRecord("1", 20), seed.Record.VersionToken)
	require.NoError(t, err)
	quiesce(t, a)

	winner := assertConverged(t, a, seed.Record.Key())
	assert.Equal(t, int64(10), winner.OrderingValue)
}

func TestReplication_DeleteWinsOverReplace(t *testing.T) {
	ctx := context.Background()
	for _, policy := range []resolve.Policy{resolve.LastWriterWins, resolve.CustomMerge, resolve.Manual} {
		t.Run(policy.String(), func(t *testing.T) {
			a := newTestAccount(t, Options{Policy: policy, ReplicationDelay: 30 * time.Millisecond})
			west, east := region(t, a, "west"), region(t, a, "east")

			seed, err := west.Create(ctx, newRecord("1", 5))
			require.NoError(t, err)
			quiesce(t, a)

			_, err = west.Delete(ctx, seed.Record.Key())
			require.NoError(t, err)
			_, err = east.Replace(ctx, newRecord("1", 999), seed.Record.VersionToken)
			require.NoError(t, err)
			quiesce(t, a)

			current := assertConverged(t, a, seed.Record.Key())
			assert.True(t, current.Deleted)
		})
	}
}

func TestReplication_ConcurrentDeletesConverge(t *testing.T) {
	ctx := context.Background()
	a := newTestAccount(t, Options{ReplicationDelay: 30 * time.Millisecond})
	west, east := region(t, a, "west"), region(t, a, "east")

	seed, err := west.Create(ctx, newRecord("1", 5))
	require.NoError(t, err)
	quiesce(t, a)

	_, err = west.Delete(ctx, seed.Record.Key())
	require.NoError(t, err)
	_, err = east.Delete(ctx, seed.Record.Key())
	require.NoError(t, err)
	quiesce(t, a)

	current := assertConverged(t, a, seed.Record.Key())
	assert.True(t, current.Deleted)
}

func TestReplication_ManualQueuesLoserOnce(t *testing.T) {
	ctx := context.Background()
	a := newTestAccount(t, Options{
		Regions:          []string{"west", "east", "north"},
		Policy:           resolve.Manual,
		ReplicationDelay: 30 * time.Millisecond,
	})

	key := raceCreates(t, a, map[string]int64{"west": 3, "east": 7, "north": 2})
	provisional := assertConverged(t, a, key)

	var conflicts []record.Conflict
	for c, err := range region(t, a, "west").Conflicts(ctx, 1) {
		require.NoError(t, err)
		conflicts = append(conflicts, c)
	}
	require.Len(t, conflicts, 2, "each of the two losers is queued exactly once")
	for _, c := range conflicts {
		assert.Equal(t, record.Create, c.Kind)
		assert.NotEqual(t, provisional.VersionToken, c.Content.VersionToken)
		assert.Equal(t, key, c.Content.Key())
	}
	assert.Less(t, conflicts[0].Seq, conflicts[1].Seq)

	// The feed restarts from the oldest outstanding entry.
	require.NoError(t, region(t, a, "east").DeleteConflict(ctx, conflicts[0].ID))
	require.NoError(t, region(t, a, "east").DeleteConflict(ctx, conflicts[0].ID))
	var rest []record.Conflict
	for c, err := range region(t, a, "north").Conflicts(ctx, 10) {
		require.NoError(t, err)
		rest = append(rest, c)
	}
	require.Len(t, rest, 1)
	assert.Equal(t, conflicts[1].ID, rest[0].ID)
}

func TestReplication_EqualOrderingConverges(t *testing.T) {
	ctx := context.Background()
	for _, policy := range []resolve.Policy{resolve.LastWriterWins, resolve.CustomMerge} {
		t.Run(policy.String()+"/create", func(t *testing.T) {
			a := newTestAccount(t, Options{
				Regions:          []string{"west", "east", "north"},
				Policy:           policy,
				ReplicationDelay: 30 * time.Millisecond,
			})

			key := raceCreates(t, a, map[string]int64{"west": 5, "east": 5, "north": 5})
			winner := assertConverged(t, a, key)
			assert.Equal(t, int64(5), winner.OrderingValue)
			assert.Equal(t, "west", winner.OriginRegion)
		})

		t.Run(policy.String()+"/replace", func(t *testing.T) {
			a := newTestAccount(t, Options{Policy: policy, ReplicationDelay: 30 * time.Millisecond})
			west, east := region(t, a, "west"), region(t, a, "east")

			seed, err := west.Create(ctx, newRecord("1", 50))
			require.NoError(t, err)
			quiesce(t, a)

			_, err = west.Replace(ctx, newRecord("1", 10), seed.Record.VersionToken)
			require.NoError(t, err)
			fromEast := newRecord("1", 10)
			fromEast.City = "Oslo"
			_, err = east.Replace(ctx, fromEast, seed.Record.VersionToken)
			require.NoError(t, err)
			quiesce(t, a)

			winner := assertConverged(t, a, seed.Record.Key())
			assert.Equal(t, int64(10), winner.OrderingValue)
		})
	}
}

func TestRegion_ConcurrentStrongWritesToOneIdentity(t *testing.T) {
	a := newTestAccount(t, Options{
		Consistency:      replica.Strong,
		ReplicationDelay: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	regions := []*Region{region(t, a, "west"), region(t, a, "east")}
	errs := make([]error, len(regions))
	var wg sync.WaitGroup
	for i, r := range regions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = r.Create(ctx, newRecord("s", int64(i+1)))
		}()
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, regions[i].Region())
	}
	winner := assertConverged(t, a, record.Key{PartitionKey: "pk", ID: "s"})
	assert.Equal(t, int64(2), winner.OrderingValue)
}
