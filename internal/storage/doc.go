package storage

// Package storage persists spawned-session transcripts and metadata.
//
// Drivers:
//   - "file": one JSON document per session under a directory
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
//
// The store is optional; spawn services only use it when one is configured.
