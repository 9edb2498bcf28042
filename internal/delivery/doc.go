// Package delivery is the in-memory delivery queue and its outcome recorder.
//
// A single consumer drains an unbounded FIFO, spacing sends by the base delay
// and retrying transient failures with exponential backoff at the back of the
// queue. Every task ends in exactly one Outcome on the Outcomes channel; the
// Recorder turns Delivered outcomes into delivery records and tallies the rest.
package delivery
