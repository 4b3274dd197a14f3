// Package auth provides authentication for Crewdeck Core.
//
// It implements a 3-tier role model (member → manager → admin) with:
//   - bcrypt password hashing with a configurable cost factor
//   - Stateless JWT access tokens (HS256, 7-day default lifetime)
//   - A per-identity lockout state machine: five consecutive failed logins
//     lock the account for thirty minutes
//
// Lockout has no explicit unlock transition. Whether an account is locked
// is re-evaluated from locked_until at every authentication attempt, so an
// expired lock clears itself on the next login.
package auth
