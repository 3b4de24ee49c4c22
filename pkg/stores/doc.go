// Package stores provides the persistence layer for the orchestrator.
// It implements core.Store on SQLite with WAL mode, connection pooling
// and embedded schema migrations, covering resources, update records and
// their append-only log chunks.
package stores
