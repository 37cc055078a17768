package host

import (
	"context"
	"fmt"

	"github.com/sasha-s/go-deadlock"

	"github.com/tjrbrom/forge/internal/lobby"
	"github.com/tjrbrom/forge/internal/protocol"
	"github.com/tjrbrom/forge/internal/session"
)

// Methods a client may call on the host.
const (
	MethodPing  = "ping"
	MethodLobby = "lobby"
)

// RemoteClient is the host's handle on one connected client.
type RemoteClient struct {
	server  *Server
	session *session.Session

	mu   deadlock.Mutex
	slot int
	name string
}

func (rc *RemoteClient) Session() *session.Session { return rc.session }

// Slot is the client's seat, or -1 once it has been unseated.
func (rc *RemoteClient) Slot() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.slot
}

func (rc *RemoteClient) Name() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.name
}

func (rc *RemoteClient) seat(slot int) {
	rc.mu.Lock()
	rc.slot = slot
	rc.mu.Unlock()
}

func (rc *RemoteClient) unseat() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	slot := rc.slot
	rc.slot = -1
	return slot
}

// Handle applies one client message to the host's state.
func (rc *RemoteClient) Handle(_ *session.Session, m protocol.Message) {
	s := rc.server
	log := s.log.With().Str("session", rc.session.ID()).Logger()

	switch msg := m.(type) {
	case protocol.Login:
		rc.mu.Lock()
		rc.name = msg.Username
		slot := rc.slot
		rc.mu.Unlock()

		if slot >= 0 {
			name := msg.Username
			if err := s.lobby.Update(slot, lobby.SlotChange{Name: &name}); err != nil {
				log.Warn().Err(err).Msg("login")
			}
		}
		log.Info().Str("user", msg.Username).Int("slot", slot).Msg("login")
		s.Announce("", fmt.Sprintf("%s joined", msg.Username))

	case protocol.UpdateSlot:
		slot := rc.Slot()
		if slot < 0 {
			log.Warn().Msg("slot update from unseated client")
			return
		}
		if err := s.lobby.Update(slot, msg.Change); err != nil {
			log.Warn().Err(err).Int("slot", slot).Msg("slot update rejected")
			return
		}
		if msg.Change.Name != nil {
			rc.mu.Lock()
			rc.name = *msg.Change.Name
			rc.mu.Unlock()
		}

	case protocol.Notice:
		s.Announce(rc.Name(), msg.Text)

	default:
		log.Warn().Str("kind", string(m.Kind())).Msg("ignoring message only a host may send")
	}
}

func (rc *RemoteClient) Closed(_ *session.Session, err error) {
	rc.server.removeClient(rc, err)
}

func (rc *RemoteClient) Respond(_ context.Context, _ *session.Session, req protocol.Request) (any, error) {
	switch req.Method {
	case MethodPing:
		return "pong", nil
	case MethodLobby:
		return rc.server.lobby.Snapshot(), nil
	}
	return nil, fmt.Errorf("%w: %s", session.ErrUnsupportedMethod, req.Method)
}
