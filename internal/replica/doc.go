// Package replica defines the contract of a region endpoint and the
// fixed-delay waits used while replication catches up.
//
// The waits have no built-in timeout: callers bound them with the context.
package replica
