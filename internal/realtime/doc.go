// Package realtime implements the authenticated collaboration channel for
// Crewdeck Core.
//
// The Hub owns two in-memory registries: the connection map (which live
// connections exist and which identity each is bound to) and the room map
// (which connections are members of which project room). Both are guarded by
// a single mutex; mutations (bind, unbind, join, leave) are linearisable
// with respect to each other. Broadcast fan-out serialises through its own
// lock so all members of a room observe events in the same order.
//
// A connection must authenticate before it may join rooms or publish.
// Binding re-runs full token verification (signature and expiry) — client
// supplied identity fields are never trusted. Disconnect teardown removes
// the connection from every room it occupied and is idempotent; empty rooms
// are deleted rather than retained.
package realtime
