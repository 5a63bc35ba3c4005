// Package queue drains a single ordered event log with several parallel lanes.
//
// A Dispatcher reads batches from a LogReader, assigns each entry to exactly
// one Lane (round-robin, or lane 0 in single-lane mode), and marks the entry
// taken immediately. Taking is fire-and-forget, so a lane that fails does not
// get its in-flight entries back from the log.
//
// Lanes apply entries in the order they were assigned. Entries whose payload
// type is registered as a barrier are held by the BarrierCoordinator until
// every peer lane has applied an entry at or after the barrier's position.
//
// The lowest position applied across all lanes is the effective cursor. It is
// persisted through a CursorStore at a bounded interval and is where the
// dispatcher resumes after a restart. Entries between the persisted cursor and
// the true frontier are delivered again, so handlers must be idempotent.
package queue
