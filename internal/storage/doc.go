// Package storage is the durable state of the delivery pipeline.
//
// It keeps two key spaces that must survive restarts:
//   - processed_files: item key -> (sent_time, status). Presence means "delivered".
//   - app_state: small string values, at minimum last_commit_<source>.
//
// The store never retries. Any I/O error is returned to the caller, which owns
// the retry policy.
package storage
