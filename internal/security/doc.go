// Package security provides the append-only security event trail for
// Crewdeck Core.
//
// Events record authentication failures, lockouts, logins, password changes,
// and in-room security alerts. Rows are write-once: the core never updates
// or deletes them. Recording is best-effort — a failed write is logged and
// swallowed so that the operation that triggered the event never fails
// because of its audit trail.
package security
