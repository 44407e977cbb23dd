package feed

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoconflict/internal/record"
	"geoconflict/internal/replica"
	"geoconflict/internal/resolve"
	"geoconflict/internal/storage"
)

var quiet = log.New(io.Discard, "", 0)

func newManualAccount(t *testing.T, regions ...string) *storage.Account {
	t.Helper()
	a, err := storage.NewSilentAccount(storage.Options{
		Regions:          regions,
		Policy:           resolve.Manual,
		ReplicationDelay: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func raceCreates(t *testing.T, ctx context.Context, a *storage.Account, orderings ...int64) record.Key {
	t.Helper()
	for i, r := range a.Regions() {
		rec := record.Record{ID: "race", PartitionKey: "pk", OrderingValue: orderings[i], OriginRegion: r.Region()}
		_, err := r.Create(ctx, rec)
		require.NoError(t, err)
	}
	require.NoError(t, a.Quiesce(ctx))
	return record.Key{PartitionKey: "pk", ID: "race"}
}

func readEverywhere(t *testing.T, ctx context.Context, a *storage.Account, key record.Key) record.Record {
	t.Helper()
	var first record.Record
	for i, r := range a.Regions() {
		got, err := r.ReadCurrent(ctx, key)
		require.NoError(t, err)
		if i == 0 {
			first = got
			continue
		}
		assert.Equal(t, first, got, "region %s diverged", r.Region())
	}
	return first
}

func TestDrainConflictFeed_CreateKeepsMaximum(t *testing.T) {
	ctx := testContext(t)
	a := newManualAccount(t, "west", "east", "north")
	key := raceCreates(t, ctx, a, 3, 7, 2)

	west, err := a.Region("west")
	require.NoError(t, err)
	d := NewDrainer(west, WithLogger(quiet), WithPageSize(1))

	stats, err := d.DrainConflictFeed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Seen)
	assert.Equal(t, 2, stats.Removed)
	assert.Equal(t, 1, stats.Replaced)
	assert.Equal(t, 1, stats.Kept)

	require.NoError(t, a.Quiesce(ctx))
	winner := readEverywhere(t, ctx, a, key)
	assert.Equal(t, int64(7), winner.OrderingValue)
	assert.Equal(t, "east", winner.OriginRegion)

	n, err := a.Queue().Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrainConflictFeed_TwiceChangesNothing(t *testing.T) {
	ctx := testContext(t)
	a := newManualAccount(t, "west", "east")
	key := raceCreates(t, ctx, a, 10, 20)

	east, err := a.Region("east")
	require.NoError(t, err)
	d := NewDrainer(east, WithLogger(quiet))

	_, err = d.DrainConflictFeed(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Quiesce(ctx))
	after := readEverywhere(t, ctx, a, key)

	stats, err := d.DrainConflictFeed(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	require.NoError(t, a.Quiesce(ctx))
	assert.Equal(t, after, readEverywhere(t, ctx, a, key))
}

func TestDrainConflictFeed_RedeliveryIsNoOp(t *testing.T) {
	ctx := testContext(t)
	a := newManualAccount(t, "west", "east")
	key := raceCreates(t, ctx, a, 10, 20)

	var queued []record.Conflict
	west, err := a.Region("west")
	require.NoError(t, err)
	for c, err := range west.Conflicts(ctx, 10) {
		require.NoError(t, err)
		queued = append(queued, c)
	}
	require.Len(t, queued, 1)

	d := NewDrainer(west, WithLogger(quiet))
	_, err = d.DrainConflictFeed(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Quiesce(ctx))
	before := readEverywhere(t, ctx, a, key)

	// At-least-once delivery: the same conflict shows up again.
	queued[0].Seq = 0
	_, err = a.Queue().Enqueue(ctx, queued[0])
	require.NoError(t, err)

	stats, err := d.DrainConflictFeed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Seen)
	assert.Equal(t, 1, stats.Kept)
	assert.Zero(t, stats.Replaced)
	require.NoError(t, a.Quiesce(ctx))
	assert.Equal(t, before, readEverywhere(t, ctx, a, key))
}

func TestDrainConflictFeed_ReplaceKeepsMinimum(t *testing.T) {
	ctx := testContext(t)
	a := newManualAccount(t, "west", "east")
	west, _ := a.Region("west")
	east, _ := a.Region("east")

	seed, err := west.Create(ctx, record.Record{ID: "1", PartitionKey: "pk", OrderingValue: 50})
	require.NoError(t, err)
	require.NoError(t, a.Quiesce(ctx))

	_, err = west.Replace(ctx, record.Record{ID: "1", PartitionKey: "pk", OrderingValue: 20, OriginRegion: "west"}, seed.Record.VersionToken)
	require.NoError(t, err)
	_, err = east.Replace(ctx, record.Record{ID: "1", PartitionKey: "pk", OrderingValue: 10, OriginRegion: "east"}, seed.Record.VersionToken)
	require.NoError(t, err)
	require.NoError(t, a.Quiesce(ctx))

	// The later west write is the provisional winner until the drain runs.
	assert.Equal(t, int64(20), readEverywhere(t, ctx, a, seed.Record.Key()).OrderingValue)

	stats, err := NewDrainer(east, WithLogger(quiet)).DrainConflictFeed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Replaced)
	require.NoError(t, a.Quiesce(ctx))

	winner := readEverywhere(t, ctx, a, seed.Record.Key())
	assert.Equal(t, int64(10), winner.OrderingValue)
	assert.Equal(t, "east", winner.OriginRegion)
}

func TestDrainConflictFeed_DeleteWins(t *testing.T) {
	ctx := testContext(t)
	a := newManualAccount(t, "west", "east")
	west, _ := a.Region("west")
	east, _ := a.Region("east")

	seed, err := west.Create(ctx, record.Record{ID: "1", PartitionKey: "pk", OrderingValue: 50})
	require.NoError(t, err)
	require.NoError(t, a.Quiesce(ctx))

	_, err = west.Delete(ctx, seed.Record.Key())
	require.NoError(t, err)
	_, err = east.Replace(ctx, record.Record{ID: "1", PartitionKey: "pk", OrderingValue: 999}, seed.Record.VersionToken)
	require.NoError(t, err)
	require.NoError(t, a.Quiesce(ctx))

	stats, err := NewDrainer(east, WithLogger(quiet)).DrainConflictFeed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)

	_, err = east.Read(ctx, seed.Record.Key(), replica.ReadOptions{})
	assert.Error(t, err, "deleted identity must stay deleted")
	assert.True(t, readEverywhere(t, ctx, a, seed.Record.Key()).Deleted)
}

func TestDrainConflictFeed_RejectsManualPolicy(t *testing.T) {
	ctx := testContext(t)
	a := newManualAccount(t, "west", "east")
	west, _ := a.Region("west")

	_, err := NewDrainer(west, WithPolicy(resolve.Manual), WithLogger(quiet)).DrainConflictFeed(ctx)
	assert.ErrorIs(t, err, resolve.ErrManualPolicy)
}
