// Package storage keeps the history of finished jobs.
//
// Two backends exist: an append-only JSON Lines file that is compacted
// once it grows past the retention, and a SQLite database. Recorder feeds a
// Store from the event bus.
package storage
