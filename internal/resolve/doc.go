// Package resolve decides conflicts between concurrent writes to one logical
// record and installs the winner.
//
// Resolve is pure decision logic shared by the store-resident path and the
// conflict feed drain. Apply performs the mutation and tolerates redelivery.
package resolve
