// Package storage persists queue state in an embedded BadgerDB:
// JSON-encoded section snapshots plus an append-only action log.
package storage
