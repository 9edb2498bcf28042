package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage: closed")

// StatusSent is the only status written by normal operation.
const StatusSent = "sent"

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": dependency-free file backend (json snapshot + journal)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one row of processed_files.
type Record struct {
	Key    string
	SentAt time.Time
	Status string
}

// RevisionKey is the app_state key holding a source's revision pointer.
func RevisionKey(source string) string { return "last_commit_" + source }
