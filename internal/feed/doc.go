// Package feed drains the conflict feed of a container whose conflicts are
// resolved manually, applying the same decision logic the store uses for
// automatic policies.
package feed
