package multiplexer

import "sync"

// Runner defers a task to run later instead of inline.
//
// The Manager uses it to coalesce bursts of Subscribe/Unsubscribe calls into
// a single reconciliation pass. Implementations must run tasks in the order
// they were scheduled, each to completion before the next starts.
type Runner interface {
	Schedule(task func())
}

// RunnerFunc adapts an ordinary function to the Runner interface.
type RunnerFunc func(task func())

// Schedule calls f(task).
func (f RunnerFunc) Schedule(task func()) {
	f(task)
}

// SerialRunner runs scheduled tasks one at a time on a dedicated goroutine.
//
// Schedule never blocks: tasks are appended to an unbounded FIFO queue.
// A panicking task is recovered and logged; the runner keeps going.
type SerialRunner struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	done    chan struct{}

	logger Logger
}

// NewSerialRunner creates a runner and starts its worker goroutine.
// Call Stop to release the goroutine.
func NewSerialRunner() *SerialRunner {
	r := &SerialRunner{
		done:   make(chan struct{}),
		logger: noopLogger{},
	}
	r.cond = sync.NewCond(&r.mu)
	go r.loop()
	return r
}

// SetLogger sets the logger used to report recovered task panics.
func (r *SerialRunner) SetLogger(logger Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// Schedule queues task. Tasks scheduled after Stop are dropped.
func (r *SerialRunner) Schedule(task func()) {
	if task == nil {
		return
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, task)
	r.mu.Unlock()

	r.cond.Signal()
}

// Stop runs every task already queued, then stops the worker and waits for
// it to exit. Safe to call more than once.
func (r *SerialRunner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	r.cond.Broadcast()
	<-r.done
}

func (r *SerialRunner) loop() {
	defer close(r.done)

	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.stopped {
			r.cond.Wait()
		}
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		task := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		logger := r.logger
		r.mu.Unlock()

		runTask(task, logger)
	}
}

func runTask(task func(), logger Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("multiplexer task panic recovered", "panic", rec)
		}
	}()
	task()
}
