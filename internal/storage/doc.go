// Package storage persists plugin documents, run history and dedup marks.
//
// Drivers: file (JSON files), sqlite, postgres, redis and an in-memory
// store used when nothing is configured.
package storage
