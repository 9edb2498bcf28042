// Package detect computes which content items of a source are new since the
// last observed revision.
//
// Incremental detection diffs the stored revision pointer against the source
// head. The pointer only moves after the whole delta has been handed off, so a
// failed cycle recomputes the same delta next time. Candidates already holding
// a delivery record are filtered out, which makes re-detection idempotent.
package detect
