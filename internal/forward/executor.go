package forward

import (
	"sync"
	"time"
)

// Loop is a single goroutine running tasks one at a time in FIFO order.
type Loop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	stopped bool
	done    chan struct{}
}

func NewLoop() *Loop {
	l := &Loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Execute queues task. Tasks queued after Stop are discarded.
func (l *Loop) Execute(task func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.tasks = append(l.tasks, task)
	l.cond.Signal()
}

// Stop lets already-queued tasks finish, then ends the loop and waits for it.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.cond.Signal()
	l.mu.Unlock()
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.tasks) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			return
		}
		task := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		task()
	}
}

// Delayed holds each task for a fixed window before handing it to the next
// executor. Used under a Forwarder it turns bursts of events into one batch
// per window.
type Delayed struct {
	delay time.Duration
	next  Executor
}

func NewDelayed(delay time.Duration, next Executor) *Delayed {
	return &Delayed{delay: delay, next: next}
}

func (d *Delayed) Execute(task func()) {
	if d.delay <= 0 {
		d.next.Execute(task)
		return
	}
	time.AfterFunc(d.delay, func() { d.next.Execute(task) })
}

// Inline runs tasks on the caller's goroutine.
var Inline Executor = ExecutorFunc(func(task func()) { task() })
