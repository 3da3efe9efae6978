// Package session holds the mutable record of one remote agent session:
// platform identity, negotiated capabilities, live transport parameters,
// the active-module registry, and the liveness flag every control-plane
// operation gates on.
//
// The Session struct is a shared record, not an actor: the packages under
// internal/ mutate it directly while holding whatever serialization the
// operation requires (see LockConn for the connection-exclusive cases).
package session
