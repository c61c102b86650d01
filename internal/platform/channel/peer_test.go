package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labsync/labsync/internal/platform/errs"
	"github.com/labsync/labsync/internal/platform/registry"
	"github.com/labsync/labsync/internal/platform/wire"
)

// pipeConn is an in-memory Conn; newPipe returns both ends.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   *sync.Once

	mu       sync.Mutex
	deadline time.Time
}

func newPipe() (*pipeConn, *pipeConn) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &pipeConn{in: bToA, out: aToB, closed: closed, once: once}
	b := &pipeConn{in: aToB, out: bToA, closed: closed, once: once}
	return a, b
}

func (c *pipeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, errors.New("read deadline exceeded")
		}
		timeout = time.After(d)
	}
	select {
	case raw := <-c.in:
		return textMessage, raw, nil
	case <-timeout:
		return 0, nil, errors.New("read deadline exceeded")
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *pipeConn) WriteMessage(_ int, data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errors.New("use of closed connection")
	}
}

func (c *pipeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// connectedPeers performs the handshake over a pipe and returns both peers.
func connectedPeers(t *testing.T, callerCfg, acceptorCfg Config) (caller, acceptor *Peer) {
	t.Helper()
	callerConn, acceptorConn := newPipe()

	done := make(chan struct{})
	var acceptErr error
	go func() {
		defer close(done)
		acceptor, acceptErr = Accept(acceptorConn, acceptorCfg)
	}()

	caller, err := Attach(callerConn, callerCfg)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	<-done
	if acceptErr != nil {
		t.Fatalf("accept: %v", acceptErr)
	}
	t.Cleanup(func() {
		caller.Close()
		acceptor.Close()
	})
	return caller, acceptor
}

func quietCfg(actor uuid.UUID) Config {
	return Config{
		ActorID:           actor,
		AckTimeout:        200 * time.Millisecond,
		KeepAliveInterval: time.Hour, // keep pings out of timing-sensitive tests
		Log:               zerolog.Nop(),
	}
}

func newRequestFrame() wire.NewLabRequest {
	return wire.NewLabRequest{
		ID:        uuid.New(),
		PatientID: uuid.New(),
		DoctorID:  uuid.New(),
		TestType:  "blood_panel",
		Priority:  "high",
		Status:    "pending",
		CreatedAt: time.Now().UTC(),
	}
}

func TestPeer_Handshake(t *testing.T) {
	caller, acceptor := connectedPeers(t, quietCfg(uuid.New()), quietCfg(uuid.New()))
	if caller.Closed() || acceptor.Closed() {
		t.Fatal("peers closed immediately after handshake")
	}
}

func TestPeer_HandshakeTimesOutWithoutAck(t *testing.T) {
	_, acceptorConn := newPipe()
	// No caller ever answers; Accept must fail within the handshake bound.
	start := time.Now()
	if _, err := Accept(acceptorConn, quietCfg(uuid.New())); !errors.Is(err, errs.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("handshake wait unbounded")
	}
}

func TestPeer_SendAwaitAck(t *testing.T) {
	acceptorCfg := quietCfg(uuid.New())
	acceptorCfg.OnFrame = func(_ context.Context, p *Peer, f wire.Frame) {
		if id, ok := wire.CorrelationID(f); ok {
			_ = p.Send(wire.Ack{RequestID: id, Success: true})
		}
	}
	caller, _ := connectedPeers(t, quietCfg(uuid.New()), acceptorCfg)

	if err := caller.SendAwaitAck(context.Background(), newRequestFrame()); err != nil {
		t.Fatalf("expected acknowledged delivery, got %v", err)
	}
}

func TestPeer_AckWaitSkipsKeepAlives(t *testing.T) {
	acceptorCfg := quietCfg(uuid.New())
	acceptorCfg.OnFrame = func(_ context.Context, p *Peer, f wire.Frame) {
		// Interleave keep-alives before the real ack.
		_ = p.Send(wire.Ping{})
		_ = p.Send(wire.Pong{})
		if id, ok := wire.CorrelationID(f); ok {
			_ = p.Send(wire.Ack{RequestID: id, Success: true})
		}
	}
	caller, _ := connectedPeers(t, quietCfg(uuid.New()), acceptorCfg)

	if err := caller.SendAwaitAck(context.Background(), newRequestFrame()); err != nil {
		t.Fatalf("keep-alive frames were mistaken for the ack: %v", err)
	}
}

func TestPeer_AckTimeout(t *testing.T) {
	// Acceptor never acks application frames.
	caller, _ := connectedPeers(t, quietCfg(uuid.New()), quietCfg(uuid.New()))

	err := caller.SendAwaitAck(context.Background(), newRequestFrame())
	if !errors.Is(err, errs.ErrConnection) {
		t.Fatalf("expected connection error on ack timeout, got %v", err)
	}
}

func TestPeer_InFlightCap(t *testing.T) {
	callerCfg := quietCfg(uuid.New())
	callerCfg.MaxInFlight = 1
	callerCfg.AckTimeout = time.Second
	caller, _ := connectedPeers(t, callerCfg, quietCfg(uuid.New()))

	started := make(chan struct{})
	go func() {
		close(started)
		_ = caller.SendAwaitAck(context.Background(), newRequestFrame())
	}()
	<-started
	time.Sleep(50 * time.Millisecond) // let the first waiter register

	err := caller.SendAwaitAck(context.Background(), newRequestFrame())
	if !errs.Retryable(err) {
		t.Fatalf("expected fast retryable rejection at the in-flight cap, got %v", err)
	}
}

func TestPeer_MalformedFrameKeepsChannelAlive(t *testing.T) {
	var got atomic.Int32
	acceptorCfg := quietCfg(uuid.New())
	acceptorCfg.OnFrame = func(_ context.Context, p *Peer, f wire.Frame) {
		got.Add(1)
		if id, ok := wire.CorrelationID(f); ok {
			_ = p.Send(wire.Ack{RequestID: id, Success: true})
		}
	}
	callerConn, acceptorConn := newPipe()
	done := make(chan *Peer, 1)
	go func() {
		p, err := Accept(acceptorConn, acceptorCfg)
		if err != nil {
			t.Error(err)
		}
		done <- p
	}()
	caller, err := Attach(callerConn, quietCfg(uuid.New()))
	if err != nil {
		t.Fatal(err)
	}
	acceptor := <-done
	defer caller.Close()
	defer acceptor.Close()

	// Inject garbage straight into the acceptor's read side.
	acceptorConn.in <- []byte(`{"type":"??"`)

	if err := caller.SendAwaitAck(context.Background(), newRequestFrame()); err != nil {
		t.Fatalf("channel died on malformed frame: %v", err)
	}
	if got.Load() != 1 {
		t.Fatalf("application frames delivered = %d, want 1", got.Load())
	}
}

func TestPeer_PingAnswered(t *testing.T) {
	caller, acceptor := connectedPeers(t, quietCfg(uuid.New()), quietCfg(uuid.New()))
	_ = acceptor // pumps running

	if err := caller.Send(wire.Ping{}); err != nil {
		t.Fatal(err)
	}
	// The acceptor's read loop answers with a pong, which the caller's read
	// loop absorbs. Verify neither side died.
	time.Sleep(50 * time.Millisecond)
	if caller.Closed() || acceptor.Closed() {
		t.Fatal("keep-alive exchange killed the channel")
	}
}

func TestPeer_CloseReleasesWaiters(t *testing.T) {
	var closes atomic.Int32
	callerCfg := quietCfg(uuid.New())
	callerCfg.AckTimeout = 5 * time.Second
	callerCfg.OnClose = func(*Peer) { closes.Add(1) }
	caller, _ := connectedPeers(t, callerCfg, quietCfg(uuid.New()))

	errCh := make(chan error, 1)
	go func() { errCh <- caller.SendAwaitAck(context.Background(), newRequestFrame()) }()
	time.Sleep(50 * time.Millisecond)

	caller.Close()
	caller.Close() // idempotent

	select {
	case err := <-errCh:
		if !errors.Is(err, errs.ErrConnection) {
			t.Fatalf("waiter released with %v, want connection error", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released on close")
	}
	if closes.Load() != 1 {
		t.Fatalf("OnClose fired %d times, want 1", closes.Load())
	}
}

func TestPeer_NaturalDeathUnregistersWithoutDeadlock(t *testing.T) {
	reg := registry.New(nil, zerolog.Nop())
	acceptorCfg := quietCfg(uuid.New())
	// Production wiring: unregistering closes the handle, so OnClose ends up
	// calling Close on the peer that is already mid-teardown.
	acceptorCfg.OnClose = func(p *Peer) { reg.Unregister(p) }
	caller, acceptor := connectedPeers(t, quietCfg(uuid.New()), acceptorCfg)
	reg.Register(acceptor)

	// Remote side drops; the acceptor's read loop tears the peer down.
	caller.Close()

	done := make(chan struct{})
	go func() {
		_ = acceptor.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked after remote teardown")
	}

	deadline := time.Now().Add(time.Second)
	for reg.Count(acceptor.ActorID()) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := reg.Count(acceptor.ActorID()); n != 0 {
		t.Fatalf("dead handle still registered, count = %d", n)
	}
}
