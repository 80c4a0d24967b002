// Package multiplexertest provides deterministic test doubles for the
// multiplexer package: a pausable task runner and a scriptable transport
// client.
package multiplexertest

import "sync"

// ManualRunner is a multiplexer.Runner under test control.
//
// While running (the default) tasks execute inline inside Schedule. After
// Pause, tasks are queued until Flush or Resume, which run them in order.
type ManualRunner struct {
	mu     sync.Mutex
	paused bool
	queue  []func()
}

// NewManualRunner returns a runner that executes tasks inline.
func NewManualRunner() *ManualRunner {
	return &ManualRunner{}
}

// Schedule runs task now, or queues it while paused.
func (r *ManualRunner) Schedule(task func()) {
	r.mu.Lock()
	if r.paused {
		r.queue = append(r.queue, task)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	task()
}

// Pause makes Schedule queue tasks instead of running them.
func (r *ManualRunner) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume stops queueing and flushes whatever was queued.
func (r *ManualRunner) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
	r.Flush()
}

// Flush runs queued tasks in order until the queue is empty, including tasks
// scheduled by the tasks themselves. The runner stays paused if it was.
func (r *ManualRunner) Flush() {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		task := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		task()
	}
}

// Pending returns the number of queued tasks.
func (r *ManualRunner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}
