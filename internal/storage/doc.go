// Package storage simulates a multi-region account: every region accepts
// writes, ships them to every other region over a delayed FIFO link, and
// resolves replicated writes that collide with its own committed revision
// according to the account's conflict policy.
//
// Under the manual policy a deterministic provisional winner stays committed
// and the loser is queued in the account's ConflictQueue for draining.
package storage
