// Package storage persists scheduler run history.
//
// Drivers:
//   - "file": dependency-free JSON Lines file (<path>.runs.jsonl)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// Only run history is stored. Task definitions are never persisted; they are
// registered again from config and host code on every start.
package storage
