// Package database owns the SQLite connection and schema migrations for
// Crewdeck Core.
//
// The connection runs in WAL mode with a single writer, matching SQLite's
// concurrency model. Migration files are embedded into the binary by the
// top-level migrations package and applied on startup; rollback and status
// are exposed to operators through the crewdeck -migrate flag.
package database
