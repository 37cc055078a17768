// Package liveness keeps a connection warm with heartbeats and notices when
// the peer has gone quiet.
package liveness

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tjrbrom/forge/internal/pipeline"
	"github.com/tjrbrom/forge/internal/protocol"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultIdleTimeout       = 45 * time.Second

	// StageName names the liveness stages inside a session's pipelines.
	StageName = "liveness"

	minTick = 5 * time.Millisecond
)

// Verdict is the outcome of one Check. Suspect means the peer has missed at
// least one heartbeat; Idle means it has been silent for the idle timeout.
type Verdict struct {
	Heartbeat bool
	Suspect   bool
	Idle      bool
}

// Hooks are called from Run's goroutine. Suspect is called on every tick
// while the peer stays quiet.
type Hooks struct {
	Heartbeat func()
	Suspect   func()
	Idle      func()
}

type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor tracks the last time anything was sent and received. A zero
// interval disables heartbeats; a zero idle timeout disables idle detection.
type Monitor struct {
	interval   time.Duration
	idle       time.Duration
	now        func() time.Time
	lastSent   atomic.Int64
	lastRecv   atomic.Int64
	heartbeats atomic.Bool
}

func New(interval, idle time.Duration, opts ...Option) *Monitor {
	m := &Monitor{interval: interval, idle: idle, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	now := m.now().UnixNano()
	m.lastSent.Store(now)
	m.lastRecv.Store(now)
	m.heartbeats.Store(interval > 0)
	return m
}

func (m *Monitor) Interval() time.Duration    { return m.interval }
func (m *Monitor) IdleTimeout() time.Duration { return m.idle }

// Sent records outbound traffic.
func (m *Monitor) Sent() { m.lastSent.Store(m.now().UnixNano()) }

// Received records inbound traffic.
func (m *Monitor) Received() { m.lastRecv.Store(m.now().UnixNano()) }

// DisableHeartbeats stops heartbeat emission for good. Idle detection keeps
// running.
func (m *Monitor) DisableHeartbeats() { m.heartbeats.Store(false) }

func (m *Monitor) HeartbeatsEnabled() bool { return m.heartbeats.Load() }

// SuspectAfter is how long the peer may stay silent before it is suspect:
// two heartbeat intervals, so one heartbeat has been missed outright. Zero
// when heartbeats are off or the idle timeout comes first.
func (m *Monitor) SuspectAfter() time.Duration {
	d := 2 * m.interval
	if d <= 0 || (m.idle > 0 && d >= m.idle) {
		return 0
	}
	return d
}

// Check decides what is due at now.
func (m *Monitor) Check(now time.Time) Verdict {
	var v Verdict
	if m.heartbeats.Load() && now.Sub(time.Unix(0, m.lastSent.Load())) >= m.interval {
		v.Heartbeat = true
	}
	silent := now.Sub(time.Unix(0, m.lastRecv.Load()))
	if d := m.SuspectAfter(); d > 0 && silent >= d {
		v.Suspect = true
	}
	if m.idle > 0 && silent >= m.idle {
		v.Idle = true
	}
	return v
}

// Tick is how often Run checks. The idle close therefore lands at most one
// tick after the idle timeout.
func (m *Monitor) Tick() time.Duration {
	d := m.interval
	if d <= 0 || (m.idle > 0 && m.idle < d) {
		d = m.idle
	}
	d /= 4
	if d < minTick {
		d = minTick
	}
	return d
}

// Run checks on every tick until ctx is done or the peer goes idle. The Idle
// hook fires at most once, after which Run returns.
func (m *Monitor) Run(ctx context.Context, hooks Hooks) {
	if m.interval <= 0 && m.idle <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.Tick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		v := m.Check(m.now())
		if v.Idle {
			if hooks.Idle != nil {
				hooks.Idle()
			}
			return
		}
		if v.Suspect && hooks.Suspect != nil {
			hooks.Suspect()
		}
		if v.Heartbeat && hooks.Heartbeat != nil {
			// Counted as sent now so a slow writer does not cause a burst.
			m.Sent()
			hooks.Heartbeat()
		}
	}
}

// InboundStage records every received message and swallows heartbeats so
// they never reach the handler.
func (m *Monitor) InboundStage() pipeline.Stage {
	return pipeline.Func(StageName, func(msg protocol.Message) (protocol.Message, bool) {
		m.Received()
		if _, ok := msg.(protocol.Heartbeat); ok {
			return nil, false
		}
		return msg, true
	})
}

// OutboundStage records every message about to be written.
func (m *Monitor) OutboundStage() pipeline.Stage {
	return pipeline.Observe(StageName, func(protocol.Message) { m.Sent() })
}
