// Package induce provokes genuine write conflicts by racing concurrent creates
// or replaces of one identity across replicas.
//
// A round dispatches at most one write per replica and is a conflict iff at
// least two of them commit. Losing writes (conflict, version mismatch, not
// found) are expected and absorbed; any other failure ends the call.
package induce
