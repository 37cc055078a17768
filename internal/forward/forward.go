// Package forward batches events produced on one goroutine and delivers them
// to a consumer on another.
package forward

import (
	"sync"
)

// Executor runs tasks on some execution context, in submission order.
type Executor interface {
	Execute(task func())
}

type ExecutorFunc func(task func())

func (f ExecutorFunc) Execute(task func()) { f(task) }

// Consumer receives whole batches, never partial ones.
type Consumer[T any] interface {
	Deliver(batch []T)
}

type ConsumerFunc[T any] func(batch []T)

func (f ConsumerFunc[T]) Deliver(batch []T) { f(batch) }

// Forwarder collects events from any goroutine. The first Submit after a
// flush schedules exactly one flush on the executor; later Submits before it
// runs only append. The flush swaps the pending slice out and delivers it.
type Forwarder[T any] struct {
	mu       sync.Mutex
	pending  []T
	queued   bool
	exec     Executor
	consumer Consumer[T]

	delivered uint64
	batches   uint64
}

func New[T any](exec Executor, consumer Consumer[T]) *Forwarder[T] {
	return &Forwarder[T]{exec: exec, consumer: consumer}
}

// Submit never blocks on the consumer.
func (f *Forwarder[T]) Submit(events ...T) {
	if len(events) == 0 {
		return
	}
	f.mu.Lock()
	f.pending = append(f.pending, events...)
	schedule := !f.queued
	f.queued = true
	f.mu.Unlock()

	if schedule {
		f.exec.Execute(f.flush)
	}
}

// Pending returns the number of events waiting for the next flush.
func (f *Forwarder[T]) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Counts returns how many events and batches have been delivered.
func (f *Forwarder[T]) Counts() (events, batches uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivered, f.batches
}

func (f *Forwarder[T]) flush() {
	f.mu.Lock()
	batch := f.pending
	f.pending = nil
	f.queued = false
	if len(batch) > 0 {
		f.delivered += uint64(len(batch))
		f.batches++
	}
	f.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	f.consumer.Deliver(batch)
}
