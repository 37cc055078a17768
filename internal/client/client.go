// Package client is the remote side of a match: it joins a host, mirrors the
// host's lobby and hands match updates to a local consumer in batches.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"

	"github.com/tjrbrom/forge/internal/config"
	"github.com/tjrbrom/forge/internal/forward"
	"github.com/tjrbrom/forge/internal/lobby"
	"github.com/tjrbrom/forge/internal/protocol"
	"github.com/tjrbrom/forge/internal/session"
	"github.com/tjrbrom/forge/internal/sim"
)

const MethodChooseMove = "chooseMove"

var ErrNotSeated = errors.New("client has no seat")

// Listener follows what the host tells this client.
type Listener interface {
	Message(source, text string)
	LobbyUpdated(snap lobby.Snapshot, changed int)
	Closed()
}

type Options struct {
	URL      string
	Username string
	Avatar   int
	Config   *config.Config

	// Consumer receives match updates on Executor. When Executor is nil the
	// client runs its own forward.Loop.
	Consumer forward.Consumer[protocol.Update]
	Executor forward.Executor

	// Strategy answers the host's move requests. Defaults to sim.Computer.
	Strategy sim.Controller
	Logger   zerolog.Logger
}

type Client struct {
	opts    Options
	log     zerolog.Logger
	session *session.Session
	view    *lobby.View

	forwarder *forward.Forwarder[protocol.Update]
	loop      *forward.Loop

	mu        deadlock.Mutex
	state     ViewState
	listeners map[int]Listener
	nextSub   int
}

// Connect dials the host, starts the session and logs in. ctx bounds the
// dial only; the session lives until Close or until the host goes away.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.URL == "" {
		opts.URL = opts.Config.Client.URL
	}
	if opts.Strategy == nil {
		opts.Strategy = sim.Computer{}
	}
	cfg := opts.Config

	codec, err := protocol.NewCodec(cfg.Protocol.Codec, protocol.WithMaxFrameBytes(cfg.Protocol.MaxFrameBytes))
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.Client.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	conn.SetReadLimit(cfg.Protocol.MaxFrameBytes)

	c := newClient(opts)
	c.session = session.New(conn, c, session.Options{
		Codec:               codec,
		HeartbeatInterval:   cfg.Liveness.HeartbeatInterval,
		IdleTimeout:         cfg.Liveness.IdleTimeout,
		ReplyTimeout:        cfg.Protocol.ReplyTimeout,
		WriteTimeout:        cfg.Protocol.WriteTimeout,
		QueueSize:           cfg.Protocol.QueueSize,
		MaxProtocolFailures: cfg.Protocol.MaxProtocolFailures,
		Logger:              c.log,
	})
	// Not ctx: callers often pass a dial timeout.
	c.session.Start(context.Background())
	c.session.Send(protocol.Login{Username: opts.Username, Avatar: opts.Avatar})

	c.log.Info().Str("url", opts.URL).Str("session", c.session.ID()).Msg("connected")
	return c, nil
}

func newClient(opts Options) *Client {
	c := &Client{
		opts:      opts,
		log:       opts.Logger.With().Str("component", "client").Logger(),
		view:      lobby.NewView(),
		state:     initialState(),
		listeners: make(map[int]Listener),
	}
	exec := opts.Executor
	if exec == nil {
		c.loop = forward.NewLoop()
		exec = c.loop
	}
	consumer := opts.Consumer
	if consumer == nil {
		consumer = forward.ConsumerFunc[protocol.Update](func([]protocol.Update) {})
	}
	c.forwarder = forward.New[protocol.Update](exec, consumer)
	return c
}

// AddListener registers l and returns a function removing it.
func (c *Client) AddListener(l Listener) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = l
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) View() *lobby.View         { return c.view }
func (c *Client) Session() *session.Session { return c.session }
func (c *Client) Done() <-chan struct{}     { return c.session.Done() }
func (c *Client) Stats() session.Stats      { return c.session.Stats() }
func (c *Client) Username() string          { return c.opts.Username }

// SetReady marks the local seat ready or not.
func (c *Client) SetReady(ready bool) error {
	return c.UpdateSlot(lobby.SlotChange{Ready: &ready})
}

// UpdateSlot asks the host to change the local seat.
func (c *Client) UpdateSlot(change lobby.SlotChange) error {
	if c.view.LocalSlot() < 0 {
		return ErrNotSeated
	}
	c.session.Send(protocol.UpdateSlot{Change: change})
	return nil
}

func (c *Client) Chat(text string) {
	c.session.Send(protocol.Notice{Text: text})
}

// Request calls a host method and waits for its reply.
func (c *Client) Request(ctx context.Context, method string, args any, timeout time.Duration) (protocol.Raw, error) {
	return c.session.Request(ctx, method, args, timeout)
}

// SimulateDisconnect stops all outbound traffic while leaving the
// connection open.
func (c *Client) SimulateDisconnect() {
	c.session.SimulateDisconnect()
}

// Close ends the session and stops the client's own delivery loop. It must
// not be called from that loop.
func (c *Client) Close() error {
	err := c.session.Close()
	if c.loop != nil {
		c.loop.Stop()
	}
	return err
}

func (c *Client) Handle(_ *session.Session, m protocol.Message) {
	c.mu.Lock()
	next, effects := Step(c.state, m)
	c.state = next
	c.mu.Unlock()

	for _, e := range effects {
		c.apply(e)
	}
}

func (c *Client) apply(e Effect) {
	switch e := e.(type) {
	case LobbyChanged:
		if !c.view.Apply(e.Snapshot, e.Slot) {
			return
		}
		for _, l := range c.snapshotListeners() {
			l.LobbyUpdated(e.Snapshot, e.Changed)
		}
	case ShowMessage:
		for _, l := range c.snapshotListeners() {
			l.Message(e.Source, e.Text)
		}
	case Deliver:
		c.forwarder.Submit(e.Updates...)
	case Ignored:
		c.log.Debug().Str("kind", string(e.Kind)).Str("reason", e.Reason).Msg("ignoring message")
	}
}

func (c *Client) Closed(_ *session.Session, err error) {
	ev := c.log.Info()
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("disconnected")
	for _, l := range c.snapshotListeners() {
		l.Closed()
	}
}

func (c *Client) Respond(ctx context.Context, s *session.Session, req protocol.Request) (any, error) {
	switch req.Method {
	case MethodChooseMove:
		var st sim.MoveState
		if err := s.Codec().Unmarshal(req.Args, &st); err != nil {
			return nil, fmt.Errorf("decode move state: %w", err)
		}
		return c.opts.Strategy.ChooseMove(ctx, st)
	}
	return nil, fmt.Errorf("%w: %s", session.ErrUnsupportedMethod, req.Method)
}

func (c *Client) snapshotListeners() []Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		out = append(out, l)
	}
	return out
}
