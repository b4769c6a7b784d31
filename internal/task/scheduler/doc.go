// Package scheduler drives recurring jobs: it finds due jobs on every tick,
// groups them into a cycle, orders the cycle by dependencies, applies each
// job's concurrency policy and hands runs to the worker pool. Completions come
// back through a callback, which records results, schedules retries and
// dispatches the next dependency batch.
//
// The scheduler never waits on handlers. All scheduling state sits behind one
// mutex; the loop goroutine only blocks on its clock timer.
package scheduler
