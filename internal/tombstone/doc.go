// Package tombstone remembers request ids a proxy gave up waiting for, so a
// reply that arrives after its caller's deadline can be told apart from a
// reply nobody ever asked for.
package tombstone
