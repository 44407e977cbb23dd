// Package fanout runs one operation per replica in parallel behind a
// fan-out/fan-in barrier. Counts are only computed once every operation of
// the round has finished.
package fanout
