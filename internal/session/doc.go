// Package session owns one proxied client<->server connection pair.
//
// Ownership boundary:
// - two directional pumps: read, decipher, frame, dispatch, encode, encipher, write
// - per-direction cipher and frame state, never shared across pumps
// - shared fate: either pump ending closes both sockets
//
// Within one direction packets keep arrival order end to end. The two
// directions are not ordered relative to each other.
package session
