// Package progress carries synchronization lifecycle events from the
// orchestrator to pluggable sinks. The Hub batches events on a background
// goroutine so emitting never blocks a sync run.
package progress
