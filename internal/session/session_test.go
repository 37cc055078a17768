package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjrbrom/forge/internal/protocol"
)

// pipeConn is one end of an in-memory connection.
type pipeConn struct {
	in, out    chan []byte
	closed     chan struct{}
	peerClosed chan struct{}
	once       sync.Once
	writes     atomic.Int64
	failWrites atomic.Bool
}

func newPipe() (*pipeConn, *pipeConn) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	a := &pipeConn{in: ba, out: ab, closed: make(chan struct{})}
	b := &pipeConn{in: ab, out: ba, closed: make(chan struct{})}
	a.peerClosed = b.closed
	b.peerClosed = a.closed
	return a, b
}

func (c *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, io.EOF
	case <-c.peerClosed:
		return 0, nil, io.EOF
	}
}

func (c *pipeConn) WriteMessage(_ int, data []byte) error {
	if c.failWrites.Load() {
		return errors.New("broken pipe")
	}
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	case <-c.peerClosed:
		return io.ErrClosedPipe
	default:
	}
	c.writes.Add(1)
	c.out <- append([]byte(nil), data...)
	return nil
}

func (c *pipeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type recorder struct {
	mu        sync.Mutex
	messages  []protocol.Message
	closes    atomic.Int32
	closedErr error
}

func (r *recorder) Handle(_ *Session, m protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) Closed(_ *Session, err error) {
	r.mu.Lock()
	r.closedErr = err
	r.mu.Unlock()
	r.closes.Add(1)
}

func (r *recorder) received() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.messages...)
}

type responder struct {
	recorder
	fn func(req protocol.Request) (any, error)
}

func (r *responder) Respond(_ context.Context, _ *Session, req protocol.Request) (any, error) {
	return r.fn(req)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func quiet() Options {
	return Options{Logger: zerolog.Nop()}
}

func startPair(t *testing.T, ha, hb Handler, oa, ob Options) (*Session, *Session) {
	t.Helper()
	ca, cb := newPipe()
	a := New(ca, ha, oa)
	b := New(cb, hb, ob)
	a.Start(context.Background())
	b.Start(context.Background())
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestMessagesArriveInOrder(t *testing.T) {
	hb := &recorder{}
	a, b := startPair(t, &recorder{}, hb, quiet(), quiet())
	assert.Equal(t, Established, a.State())
	assert.Equal(t, Established, b.State())

	for _, text := range []string{"one", "two", "three"} {
		a.Send(protocol.Notice{Text: text})
	}

	waitFor(t, "three notices", func() bool { return len(hb.received()) == 3 })
	got := hb.received()
	assert.Equal(t, protocol.Notice{Text: "one"}, got[0])
	assert.Equal(t, protocol.Notice{Text: "three"}, got[2])
	assert.Equal(t, uint64(3), a.Stats().Writes)
}

func TestRequestReply(t *testing.T) {
	hb := &responder{fn: func(req protocol.Request) (any, error) {
		switch req.Method {
		case "double":
			var n int
			if err := protocol.JSON().Unmarshal(req.Args, &n); err != nil {
				return nil, err
			}
			return n * 2, nil
		case "fail":
			return nil, errors.New("no moves left")
		}
		return nil, ErrUnsupportedMethod
	}}
	a, _ := startPair(t, &recorder{}, hb, quiet(), quiet())

	n, err := Call[int](context.Background(), a, "double", 21, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = a.Request(context.Background(), "fail", nil, time.Second)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "fail", remote.Method)
	assert.Equal(t, "no moves left", remote.Message)

	assert.Empty(t, hb.received(), "requests never reach Handle")
}

func TestRequestWithoutResponder(t *testing.T) {
	a, _ := startPair(t, &recorder{}, &recorder{}, quiet(), quiet())

	_, err := a.Request(context.Background(), "chooseMove", nil, time.Second)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, ErrUnsupportedMethod.Error())
}

func TestRequestCBOR(t *testing.T) {
	opts := quiet()
	opts.Codec = protocol.CBOR()
	hb := &responder{fn: func(req protocol.Request) (any, error) {
		var args map[string]string
		if err := protocol.CBOR().Unmarshal(req.Args, &args); err != nil {
			return nil, err
		}
		return args["name"] + "!", nil
	}}
	a, _ := startPair(t, &recorder{}, hb, opts, opts)

	s, err := Call[string](context.Background(), a, "greet", map[string]string{"name": "alice"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "alice!", s)
}

func TestSimulateDisconnect(t *testing.T) {
	ca, cb := newPipe()
	hb := &recorder{}
	opts := quiet()
	opts.HeartbeatInterval = 10 * time.Millisecond
	a := New(ca, &recorder{}, opts)
	b := New(cb, hb, quiet())
	a.Start(context.Background())
	b.Start(context.Background())
	defer a.Close()
	defer b.Close()

	assert.Equal(t, []string{"liveness"}, a.OutboundStages())

	a.SimulateDisconnect()
	assert.True(t, a.Faulted())
	assert.False(t, a.Liveness().HeartbeatsEnabled())

	stages := a.OutboundStages()
	require.NotEmpty(t, stages)
	assert.Equal(t, writeBlocker, stages[0])
	assert.NotContains(t, stages, "liveness")

	before := ca.writes.Load()
	for i := 0; i < 5; i++ {
		a.Send(protocol.Notice{Text: "lost"})
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, ca.writes.Load(), "nothing written after fault")
	assert.Empty(t, hb.received())
	assert.Equal(t, Established, a.State(), "fault does not close the transport")
}

func TestRequestToFaultedPeerTimesOut(t *testing.T) {
	hb := &responder{fn: func(protocol.Request) (any, error) { return "ok", nil }}
	a, b := startPair(t, &recorder{}, hb, quiet(), quiet())

	b.SimulateDisconnect()

	const timeout = 30 * time.Millisecond
	start := time.Now()
	_, err := a.Request(context.Background(), "chooseMove", nil, timeout)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), timeout)
}

func TestIdleClosesExactlyOnce(t *testing.T) {
	ca, _ := newPipe()
	h := &recorder{}
	opts := quiet()
	opts.IdleTimeout = 40 * time.Millisecond
	s := New(ca, h, opts)

	start := time.Now()
	s.Start(context.Background())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle session never closed")
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, opts.IdleTimeout)
	assert.Less(t, elapsed, opts.IdleTimeout+s.Liveness().Tick()+200*time.Millisecond)

	waitFor(t, "closed callback", func() bool { return h.closes.Load() == 1 })
	s.Close()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), h.closes.Load())
	assert.Equal(t, Closed, s.State())

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.ErrorIs(t, h.closedErr, ErrIdle)
}

func TestHeartbeatsKeepPeerAlive(t *testing.T) {
	opts := quiet()
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.IdleTimeout = 200 * time.Millisecond
	ha, hb := &recorder{}, &recorder{}
	a, b := startPair(t, ha, hb, opts, opts)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, Established, a.State())
	assert.Equal(t, Established, b.State())
	assert.Empty(t, hb.received(), "heartbeats never reach Handle")
}

func TestMalformedFramesAreCounted(t *testing.T) {
	ca, cb := newPipe()
	h := &recorder{}
	opts := quiet()
	opts.MaxProtocolFailures = 2
	s := New(ca, h, opts)
	s.Start(context.Background())
	defer s.Close()

	require.NoError(t, cb.WriteMessage(websocket.TextMessage, []byte(`garbage`)))
	require.NoError(t, cb.WriteMessage(websocket.TextMessage, []byte(`{"type":"warp"}`)))
	require.NoError(t, cb.WriteMessage(websocket.TextMessage, []byte(`{"type":"notice","payload":{"text":"hi"}}`)))

	waitFor(t, "notice", func() bool { return len(h.received()) == 1 })
	assert.Equal(t, uint64(2), s.Stats().ProtocolFailures)
	assert.Equal(t, Established, s.State())

	require.NoError(t, cb.WriteMessage(websocket.TextMessage, []byte(`nope`)))
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session should close past the protocol failure limit")
	}
	waitFor(t, "closed callback", func() bool { return h.closes.Load() == 1 })
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.ErrorIs(t, h.closedErr, ErrProtocol)
}

func TestWriteErrorsAreCountedNotFatal(t *testing.T) {
	ca, _ := newPipe()
	ca.failWrites.Store(true)
	s := New(ca, &recorder{}, quiet())
	s.Start(context.Background())
	defer s.Close()

	for i := 0; i < 3; i++ {
		s.Send(protocol.Notice{Text: "x"})
	}
	waitFor(t, "send failures", func() bool { return s.Stats().SendFailures == 3 })
	assert.Equal(t, Established, s.State())
	assert.Zero(t, s.Stats().Writes)
}

func TestFullQueueCountsAsFailure(t *testing.T) {
	ca, _ := newPipe()
	opts := quiet()
	opts.QueueSize = 2
	s := New(ca, &recorder{}, opts)

	// Not started: nothing drains the queue.
	for i := 0; i < 5; i++ {
		s.Send(protocol.Notice{Text: "x"})
	}
	assert.Equal(t, uint64(3), s.Stats().SendFailures)
}

func TestCloseReleasesPendingRequest(t *testing.T) {
	ha := &recorder{}
	a, b := startPair(t, ha, &recorder{}, quiet(), quiet())
	b.SimulateDisconnect()

	errc := make(chan error, 1)
	go func() {
		_, err := a.Request(context.Background(), "chooseMove", nil, time.Minute)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request not released")
	}

	_, err := a.Request(context.Background(), "again", nil, time.Second)
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, int32(1), ha.closes.Load())
	assert.NoError(t, ha.closedErr)
}

func TestPeerCloseClosesSession(t *testing.T) {
	ha, hb := &recorder{}, &recorder{}
	a, b := startPair(t, ha, hb, quiet(), quiet())

	require.NoError(t, b.Close())
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not notice peer close")
	}
	waitFor(t, "closed callback", func() bool { return ha.closes.Load() == 1 })
	assert.Equal(t, int32(1), hb.closes.Load())
}

func TestQuietPeerIsSuspectBeforeClose(t *testing.T) {
	opts := quiet()
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.IdleTimeout = 300 * time.Millisecond
	ha := &recorder{}
	a, b := startPair(t, ha, &recorder{}, opts, opts)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, Established, a.State())

	b.SimulateDisconnect()
	waitFor(t, "suspect", func() bool { return a.State() == Suspect })

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("suspect session never closed")
	}
	assert.Equal(t, Closed, a.State())
	waitFor(t, "closed callback", func() bool { return ha.closes.Load() == 1 })
	ha.mu.Lock()
	defer ha.mu.Unlock()
	assert.ErrorIs(t, ha.closedErr, ErrIdle)
}

func TestSuspectRecoversOnTraffic(t *testing.T) {
	ca, cb := newPipe()
	opts := quiet()
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.IdleTimeout = 2 * time.Second
	s := New(ca, &recorder{}, opts)
	s.Start(context.Background())
	defer s.Close()

	waitFor(t, "suspect", func() bool { return s.State() == Suspect })
	require.NoError(t, cb.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)))
	waitFor(t, "established", func() bool { return s.State() == Established })
}

func TestUndecodableFramesCountAsTraffic(t *testing.T) {
	ca, cb := newPipe()
	opts := quiet()
	opts.IdleTimeout = 80 * time.Millisecond
	s := New(ca, &recorder{}, opts)
	s.Start(context.Background())
	defer s.Close()

	for i := 0; i < 15; i++ {
		require.NoError(t, cb.WriteMessage(websocket.TextMessage, []byte(`garbage`)))
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, Established, s.State())
	assert.Equal(t, uint64(15), s.Stats().ProtocolFailures)
}

func TestConcurrentRequestsAreCapped(t *testing.T) {
	opts := quiet()
	opts.QueueSize = 2

	var inFlight, most atomic.Int32
	release := make(chan struct{})
	hb := &responder{fn: func(protocol.Request) (any, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := most.Load()
			if n <= m || most.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		return "done", nil
	}}
	a, _ := startPair(t, &recorder{}, hb, quiet(), opts)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := Call[string](context.Background(), a, "slow", nil, 2*time.Second)
			results <- err
		}()
	}
	waitFor(t, "two responders", func() bool { return inFlight.Load() == 2 })

	for i := 0; i < 3; i++ {
		_, err := a.Request(context.Background(), "slow", nil, time.Second)
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Contains(t, remote.Message, ErrBusy.Error())
	}

	close(release)
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("held request never answered")
		}
	}
	assert.Equal(t, int32(2), most.Load())
}
