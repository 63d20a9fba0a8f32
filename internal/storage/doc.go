// Package storage persists reminder tasks, per-community settings and the audit log.
//
// Drivers:
//   - sqlite: single file, embedded schema (modernc.org/sqlite, no cgo)
//   - postgres: pgx connection pool with versioned migrations
//   - memory: process-local, for tests and dry runs
package storage
