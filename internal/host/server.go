// Package host is the authoritative side of a match. It accepts client
// connections, seats them in the lobby, keeps every client's lobby view in
// sync and streams match updates to them in batches.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"

	"github.com/tjrbrom/forge/internal/config"
	"github.com/tjrbrom/forge/internal/forward"
	"github.com/tjrbrom/forge/internal/gamelog"
	"github.com/tjrbrom/forge/internal/history"
	"github.com/tjrbrom/forge/internal/lobby"
	"github.com/tjrbrom/forge/internal/protocol"
	"github.com/tjrbrom/forge/internal/session"
)

var (
	ErrTooManyConnections = errors.New("too many connections")
	ErrNoClient           = errors.New("no client in slot")
	ErrMatchRunning       = errors.New("match already running")
)

// Listener is how code running in the host process follows the lobby and
// the chat, the same way a remote client does.
type Listener interface {
	Message(source, text string)
	LobbyUpdated(snap lobby.Snapshot, changed int)
	Closed()
}

type Server struct {
	cfg       *config.Config
	log       zerolog.Logger
	codec     protocol.Codec
	lobby     *lobby.Lobby
	verbosity gamelog.Verbosity
	upgrader  websocket.Upgrader

	mu        deadlock.RWMutex
	clients   map[string]*RemoteClient
	listeners map[int]Listener
	nextSub   int

	// Send failures of clients that have already left.
	departedSendErrors atomic.Uint64

	loop      *forward.Loop
	forwarder *forward.Forwarder[protocol.Update]

	matchRunning atomic.Bool
	// nil when no history is kept.
	history *history.Store

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	codec, err := protocol.NewCodec(cfg.Protocol.Codec, protocol.WithMaxFrameBytes(cfg.Protocol.MaxFrameBytes))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		log:       logger.With().Str("component", "host").Logger(),
		codec:     codec,
		lobby:     lobby.New(cfg.Lobby.Slots),
		verbosity: gamelog.ParseVerbosity(cfg.Log.Verbosity),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:   make(map[string]*RemoteClient),
		listeners: make(map[int]Listener),
		loop:      forward.NewLoop(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.forwarder = forward.New[protocol.Update](
		forward.NewDelayed(cfg.Forwarder.Throttle, s.loop),
		forward.ConsumerFunc[protocol.Update](s.broadcastBatch),
	)

	for i := 0; i < cfg.Lobby.Computer; i++ {
		if _, err := s.lobby.Claim(lobby.Computer, ""); err != nil {
			cancel()
			return nil, fmt.Errorf("seat computer %d: %w", i+1, err)
		}
	}
	if cfg.History.Path != "" {
		if s.history, err = history.Open(cfg.History.Path); err != nil {
			cancel()
			return nil, err
		}
	}
	s.lobby.Subscribe(lobby.ListenerFunc(s.lobbyUpdated))
	return s, nil
}

func (s *Server) Lobby() *lobby.Lobby { return s.lobby }

// AddListener registers a local listener. It returns a function removing it.
func (s *Server) AddListener(l Listener) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Accept runs a session for an already upgraded connection and seats the
// client in the lowest open slot.
func (s *Server) Accept(conn *websocket.Conn) (*RemoteClient, error) {
	if limit := s.cfg.Server.MaxConnections; limit > 0 && s.ClientCount() >= limit {
		return nil, ErrTooManyConnections
	}
	conn.SetReadLimit(s.cfg.Protocol.MaxFrameBytes)

	slot, err := s.lobby.Claim(lobby.Remote, "")
	if err != nil {
		return nil, err
	}

	rc := &RemoteClient{server: s, slot: slot}
	rc.session = session.New(conn, rc, session.Options{
		Codec:               s.codec,
		HeartbeatInterval:   s.cfg.Liveness.HeartbeatInterval,
		IdleTimeout:         s.cfg.Liveness.IdleTimeout,
		ReplyTimeout:        s.cfg.Protocol.ReplyTimeout,
		WriteTimeout:        s.cfg.Protocol.WriteTimeout,
		QueueSize:           s.cfg.Protocol.QueueSize,
		MaxProtocolFailures: s.cfg.Protocol.MaxProtocolFailures,
		Logger:              s.log,
	})

	s.mu.Lock()
	s.clients[rc.session.ID()] = rc
	s.mu.Unlock()

	rc.session.Start(s.ctx)
	// The claim broadcast went out before this client was registered.
	rc.session.Send(protocol.LobbyUpdate{Snapshot: s.lobby.Snapshot(), Slot: slot, Changed: slot})

	s.log.Info().Str("session", rc.session.ID()).Int("slot", slot).Msg("client connected")
	return rc, nil
}

// Clients returns the connected clients ordered by slot.
func (s *Server) Clients() []*RemoteClient {
	s.mu.RLock()
	out := make([]*RemoteClient, 0, len(s.clients))
	for _, rc := range s.clients {
		out = append(out, rc)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Slot() < out[j].Slot() })
	return out
}

func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ClientInSlot returns the client seated at slot.
func (s *Server) ClientInSlot(slot int) (*RemoteClient, bool) {
	if slot < 0 {
		return nil, false
	}
	for _, rc := range s.Clients() {
		if rc.Slot() == slot {
			return rc, true
		}
	}
	return nil, false
}

// ConvertToAI hands a remote seat to the computer. The client stays
// connected as a spectator.
func (s *Server) ConvertToAI(slot int) error {
	rc, ok := s.ClientInSlot(slot)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoClient, slot)
	}
	// Unseat first so the resulting snapshot tells the client it lost the seat.
	rc.unseat()
	if err := s.lobby.SetType(slot, lobby.Computer); err != nil {
		rc.seat(slot)
		return err
	}
	s.log.Info().Int("slot", slot).Msg("slot converted to computer")
	return nil
}

// TotalSendErrors counts failed sends over every client, past and present.
func (s *Server) TotalSendErrors() uint64 {
	total := s.departedSendErrors.Load()
	for _, rc := range s.Clients() {
		total += rc.session.Stats().SendFailures
	}
	return total
}

// Broadcast sends a message to every connected client.
func (s *Server) Broadcast(m protocol.Message) {
	for _, rc := range s.Clients() {
		rc.session.Send(m)
	}
}

// Announce relays a chat line or host notice to clients and local listeners.
func (s *Server) Announce(source, text string) {
	s.Broadcast(protocol.Notice{Source: source, Text: text})
	for _, l := range s.localListeners() {
		l.Message(source, text)
	}
}

// Close disconnects every client and stops the host.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		for _, rc := range s.Clients() {
			rc.session.Close()
		}
		s.loop.Stop()
		if s.history != nil {
			if err := s.history.Close(); err != nil {
				s.log.Warn().Err(err).Msg("close history")
			}
		}
		for _, l := range s.localListeners() {
			l.Closed()
		}
	})
}

func (s *Server) localListeners() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

// lobbyUpdated gives every client the new snapshot along with its own seat.
func (s *Server) lobbyUpdated(snap lobby.Snapshot, changed int) {
	for _, rc := range s.Clients() {
		rc.session.Send(protocol.LobbyUpdate{Snapshot: snap, Slot: rc.Slot(), Changed: changed})
	}
	for _, l := range s.localListeners() {
		l.LobbyUpdated(snap, changed)
	}
}

func (s *Server) broadcastBatch(updates []protocol.Update) {
	s.log.Debug().Int("updates", len(updates)).Msg("broadcasting batch")
	s.Broadcast(protocol.Batch{Updates: updates})
}

func (s *Server) removeClient(rc *RemoteClient, err error) {
	s.mu.Lock()
	_, ok := s.clients[rc.session.ID()]
	delete(s.clients, rc.session.ID())
	s.mu.Unlock()
	if !ok {
		return
	}
	s.departedSendErrors.Add(rc.session.Stats().SendFailures)

	ev := s.log.Info().Str("session", rc.session.ID())
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("client disconnected")

	slot := rc.unseat()
	if slot < 0 || s.ctx.Err() != nil {
		return
	}
	to, relErr := s.lobby.Release(slot)
	if relErr != nil {
		s.log.Warn().Err(relErr).Int("slot", slot).Msg("release slot")
		return
	}
	if name := rc.Name(); name != "" {
		if to == lobby.Computer {
			s.Announce("", fmt.Sprintf("%s left; the computer takes over", name))
		} else {
			s.Announce("", fmt.Sprintf("%s left", name))
		}
	}
}

// ClientInfo is the operator's view of one connection.
type ClientInfo struct {
	ID    string        `json:"id"`
	Slot  int           `json:"slot"`
	Name  string        `json:"name,omitempty"`
	State string        `json:"state"`
	Stats session.Stats `json:"stats"`
}

func (s *Server) ClientInfos() []ClientInfo {
	clients := s.Clients()
	out := make([]ClientInfo, 0, len(clients))
	for _, rc := range clients {
		out = append(out, ClientInfo{
			ID:    rc.session.ID(),
			Slot:  rc.Slot(),
			Name:  rc.Name(),
			State: rc.session.State().String(),
			Stats: rc.session.Stats(),
		})
	}
	return out
}

// Run serves HTTP on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", srv.Addr).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}
