// Package session runs one long-lived connection between a host and a client.
//
// A session owns two goroutines. The reader decodes frames, feeds them through
// the inbound pipeline and hands the survivors to the Handler in arrival
// order. The writer is the only goroutine that touches the transport for
// writing; it drains the outbound queue through the outbound pipeline. A third
// goroutine runs the liveness monitor.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tjrbrom/forge/internal/liveness"
	"github.com/tjrbrom/forge/internal/pipeline"
	"github.com/tjrbrom/forge/internal/protocol"
	"github.com/tjrbrom/forge/internal/reply"
)

var (
	ErrClosed            = errors.New("session closed")
	ErrIdle              = errors.New("peer idle")
	ErrProtocol          = errors.New("too many protocol failures")
	ErrUnsupportedMethod = errors.New("unsupported method")
	ErrBusy              = errors.New("too many requests in flight")

	// ErrTimeout is returned by Request when no reply arrives in time.
	ErrTimeout = reply.ErrTimeout
)

const (
	writeBlocker  = "writeBlocker"
	dispatchStage = "dispatch"
	handlerStage  = "handler"
)

type State int32

const (
	Connecting State = iota
	Established
	Suspect
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	case Suspect:
		return "suspect"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is the transport. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Handler receives every inbound message that is not a heartbeat, request or
// reply. Handle runs on the reader goroutine, one message at a time. Closed
// runs exactly once, with the reason or nil after a local Close.
type Handler interface {
	Handle(s *Session, m protocol.Message)
	Closed(s *Session, err error)
}

// Responder is implemented by handlers that answer requests from the peer.
// Respond runs on its own goroutine so a slow answer never stalls reading.
// At most QueueSize requests are answered at once; the rest are refused with
// ErrBusy.
type Responder interface {
	Respond(ctx context.Context, s *Session, req protocol.Request) (any, error)
}

// RemoteError is a failure reported by the peer in answer to a request.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Method, e.Message)
}

type Options struct {
	ID                  string
	Codec               protocol.Codec
	HeartbeatInterval   time.Duration
	IdleTimeout         time.Duration
	ReplyTimeout        time.Duration
	WriteTimeout        time.Duration
	QueueSize           int
	MaxProtocolFailures int
	Logger              zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Codec == nil {
		o.Codec = protocol.JSON()
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	return o
}

// Stats are cumulative counters for operators.
type Stats struct {
	Writes           uint64 `json:"writes"`
	SendFailures     uint64 `json:"send_failures"`
	ProtocolFailures uint64 `json:"protocol_failures"`
	Dropped          uint64 `json:"dropped"`
}

type Session struct {
	id      string
	conn    Conn
	codec   protocol.Codec
	handler Handler
	opts    Options
	log     zerolog.Logger

	replies *reply.Table
	live    *liveness.Monitor

	out   chan protocol.Message
	tasks chan func()

	// One token per request being answered.
	responders chan struct{}

	// inbound belongs to the reader goroutine, outbound to the writer.
	inbound  *pipeline.Pipeline
	outbound *pipeline.Pipeline

	state   atomic.Int32
	started atomic.Bool
	faulted atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}

	writes           atomic.Uint64
	sendFailures     atomic.Uint64
	protocolFailures atomic.Uint64
	dropped          atomic.Uint64

	errLimit   *rate.Limiter
	suppressed atomic.Uint64
}

func New(conn Conn, handler Handler, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		id:         opts.ID,
		conn:       conn,
		codec:      opts.Codec,
		handler:    handler,
		opts:       opts,
		log:        opts.Logger.With().Str("session", opts.ID).Logger(),
		replies:    reply.NewTable(),
		live:       liveness.New(opts.HeartbeatInterval, opts.IdleTimeout),
		out:        make(chan protocol.Message, opts.QueueSize),
		tasks:      make(chan func()),
		responders: make(chan struct{}, opts.QueueSize),
		done:       make(chan struct{}),
		errLimit:   rate.NewLimiter(rate.Every(time.Second), 5),
	}
	s.state.Store(int32(Connecting))

	s.inbound = pipeline.New(
		s.live.InboundStage(),
		pipeline.Func(dispatchStage, s.dispatch),
		pipeline.Observe(handlerStage, func(m protocol.Message) {
			if s.handler != nil {
				s.handler.Handle(s, m)
			}
		}),
	)
	s.outbound = pipeline.New(s.live.OutboundStage())
	return s
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) Codec() protocol.Codec       { return s.codec }
func (s *Session) State() State                { return State(s.state.Load()) }
func (s *Session) Done() <-chan struct{}       { return s.done }
func (s *Session) Faulted() bool               { return s.faulted.Load() }
func (s *Session) Liveness() *liveness.Monitor { return s.live }

func (s *Session) Stats() Stats {
	return Stats{
		Writes:           s.writes.Load(),
		SendFailures:     s.sendFailures.Load(),
		ProtocolFailures: s.protocolFailures.Load(),
		Dropped:          s.dropped.Load(),
	}
}

// Start moves the session to Established and launches its goroutines. The
// session closes when ctx is cancelled.
func (s *Session) Start(ctx context.Context) {
	if !s.state.CompareAndSwap(int32(Connecting), int32(Established)) {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started.Store(true)

	go s.readLoop()
	go s.writeLoop()
	go s.live.Run(s.ctx, liveness.Hooks{
		Heartbeat: func() { s.Send(protocol.Heartbeat{}) },
		Suspect:   s.suspect,
		Idle:      s.idle,
	})
	go func() {
		select {
		case <-s.ctx.Done():
			s.closeWith(ctx.Err())
		case <-s.done:
		}
	}()
	s.log.Debug().Str("codec", s.codec.Name()).Msg("session established")
}

// Send queues m for the writer and returns at once. It does nothing after
// SimulateDisconnect or Close. A full queue counts as a send failure.
func (s *Session) Send(m protocol.Message) {
	if s.faulted.Load() || s.State() == Closed {
		return
	}
	select {
	case s.out <- m:
	default:
		s.sendFailures.Add(1)
		s.warn(fmt.Errorf("send queue full (%d)", cap(s.out)), "dropping outbound message")
	}
}

// Request sends a request and blocks until the peer replies, timeout elapses
// (ErrTimeout) or ctx is done. A zero timeout uses the session default.
func (s *Session) Request(ctx context.Context, method string, args any, timeout time.Duration) (protocol.Raw, error) {
	if s.State() == Closed {
		return nil, ErrClosed
	}
	if timeout <= 0 {
		timeout = s.opts.ReplyTimeout
	}
	raw, err := s.codec.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal %s args: %w", method, err)
	}

	id := uuid.NewString()
	if err := s.replies.Register(id); err != nil {
		if errors.Is(err, reply.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	s.Send(protocol.Request{ID: id, Method: method, Args: raw})

	v, err := s.replies.Await(ctx, id, timeout)
	if err != nil {
		if errors.Is(err, reply.ErrClosed) {
			return nil, fmt.Errorf("%s: %w", method, ErrClosed)
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	rep := v.(protocol.Reply)
	if rep.Err != "" {
		return nil, &RemoteError{Method: method, Message: rep.Err}
	}
	return rep.Value, nil
}

// Call is Request with the reply decoded into T.
func Call[T any](ctx context.Context, s *Session, method string, args any, timeout time.Duration) (T, error) {
	var out T
	raw, err := s.Request(ctx, method, args, timeout)
	if err != nil {
		return out, err
	}
	if err := s.codec.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s reply: %w", method, err)
	}
	return out, nil
}

// SimulateDisconnect makes the session go silent without closing the
// transport: nothing more is written and heartbeats stop, so the peer will
// eventually see it as idle. It returns once the writer has installed the
// change; messages still queued are dropped.
func (s *Session) SimulateDisconnect() {
	if !s.faulted.CompareAndSwap(false, true) {
		return
	}
	s.log.Info().Msg("simulating disconnect")
	fault := func() {
		_ = s.outbound.AddFirst(pipeline.Drop(writeBlocker))
		_ = s.outbound.Remove(liveness.StageName)
		s.live.DisableHeartbeats()
	}
	if !s.started.Load() {
		fault()
		return
	}
	s.onWriter(fault)
}

// OutboundStages lists the outbound pipeline as the writer sees it.
func (s *Session) OutboundStages() []string {
	var names []string
	if !s.started.Load() {
		return s.outbound.Names()
	}
	s.onWriter(func() { names = s.outbound.Names() })
	return names
}

// Close shuts the session down. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeWith(nil)
	return nil
}

// onWriter runs fn on the writer goroutine and waits for it. It returns
// without running fn if the session closes first.
func (s *Session) onWriter(fn func()) {
	ran := make(chan struct{})
	select {
	case s.tasks <- func() { fn(); close(ran) }:
	case <-s.done:
		return
	}
	select {
	case <-ran:
	case <-s.done:
	}
}

func (s *Session) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(Closed))
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
		_ = s.conn.Close()
		s.replies.Close()

		ev := s.log.Info()
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Interface("stats", s.Stats()).Msg("session closed")

		if s.handler != nil {
			s.handler.Closed(s, err)
		}
	})
}

// suspect marks a peer that has missed a heartbeat. Any inbound frame makes
// it Established again.
func (s *Session) suspect() {
	if s.state.CompareAndSwap(int32(Established), int32(Suspect)) {
		s.log.Warn().Dur("silent_for", s.live.SuspectAfter()).Msg("peer quiet")
	}
}

func (s *Session) idle() {
	s.log.Warn().Dur("idle_timeout", s.live.IdleTimeout()).Msg("peer idle")
	s.closeWith(ErrIdle)
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.State() != Closed {
				s.closeWith(fmt.Errorf("read: %w", err))
			}
			return
		}
		// Undecodable frames are still traffic.
		s.live.Received()
		if s.state.CompareAndSwap(int32(Suspect), int32(Established)) {
			s.log.Info().Msg("peer back")
		}
		m, err := s.codec.Decode(data)
		if err != nil {
			n := s.protocolFailures.Add(1)
			s.warn(err, "dropping undecodable frame")
			if limit := s.opts.MaxProtocolFailures; limit > 0 && n > uint64(limit) {
				s.closeWith(fmt.Errorf("%w: %d", ErrProtocol, n))
				return
			}
			continue
		}
		s.inbound.Run(m)
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case task := <-s.tasks:
			task()
		case m := <-s.out:
			s.write(m)
		}
	}
}

func (s *Session) write(m protocol.Message) {
	m, ok := s.outbound.Run(m)
	if !ok {
		s.dropped.Add(1)
		return
	}
	data, err := s.codec.Encode(m)
	if err != nil {
		s.sendFailures.Add(1)
		s.warn(err, "encode failed")
		return
	}
	kind := websocket.TextMessage
	if s.codec.Binary() {
		kind = websocket.BinaryMessage
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := s.conn.WriteMessage(kind, data); err != nil {
		s.sendFailures.Add(1)
		s.warn(err, "write failed")
		return
	}
	s.writes.Add(1)
}

// dispatch routes replies to the reply table and requests to the responder.
// Everything else continues to the handler.
func (s *Session) dispatch(m protocol.Message) (protocol.Message, bool) {
	switch msg := m.(type) {
	case protocol.Reply:
		if !s.replies.Resolve(msg.ID, msg) {
			s.log.Debug().Str("id", msg.ID).Msg("discarding reply with no waiter")
		}
		return nil, false
	case protocol.Request:
		select {
		case s.responders <- struct{}{}:
			go func() {
				defer func() { <-s.responders }()
				s.respond(msg)
			}()
		default:
			s.Send(protocol.Reply{ID: msg.ID, Err: fmt.Sprintf("%v: %s", ErrBusy, msg.Method)})
		}
		return nil, false
	}
	return m, true
}

func (s *Session) respond(req protocol.Request) {
	rep := protocol.Reply{ID: req.ID}

	r, ok := s.handler.(Responder)
	if !ok {
		rep.Err = fmt.Sprintf("%v: %s", ErrUnsupportedMethod, req.Method)
		s.Send(rep)
		return
	}

	v, err := r.Respond(s.ctx, s, req)
	if err == nil {
		rep.Value, err = s.codec.Marshal(v)
	}
	if err != nil {
		rep.Err = err.Error()
	}
	s.Send(rep)
}

// warn logs through a limiter so a peer that floods bad frames or a dead
// transport cannot flood the log.
func (s *Session) warn(err error, msg string) {
	if !s.errLimit.Allow() {
		s.suppressed.Add(1)
		return
	}
	ev := s.log.Warn().Err(err)
	if n := s.suppressed.Swap(0); n > 0 {
		ev = ev.Uint64("suppressed", n)
	}
	ev.Msg(msg)
}
