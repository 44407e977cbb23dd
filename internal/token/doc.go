// Package token implements replication tokens: opaque markers of a write's
// position in each region's replication stream. A secondary region gates a
// read on a token by waiting until its applied positions cover it.
package token
