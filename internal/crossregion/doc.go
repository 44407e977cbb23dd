// Package crossregion pairs a write in one region with a confirmation read in
// a second region, gated on the write's replication token. The pair gives
// read-your-write consistency across those two regions without paying for
// strong consistency on every write.
package crossregion
