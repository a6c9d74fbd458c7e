// Package protocol owns the shared wire vocabulary of the proxy.
//
// Ownership boundary:
// - packet and direction types passed between framer, hook chain, and session
// - the error taxonomy used to decide whether a failure tears a session down
//
// Cipher and framing primitives live in the cipher and frame subpackages.
package protocol
