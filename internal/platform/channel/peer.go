// Package channel implements the two delivery channels between the services:
// a persistent duplex WebSocket channel for low-latency push, and a stateless
// retrying HTTP fallback used when the persistent channel is absent or times
// out.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labsync/labsync/internal/platform/errs"
	"github.com/labsync/labsync/internal/platform/wire"
)

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

const textMessage = 1 // gorilla/websocket.TextMessage

// Defaults for the persistent-channel timers.
const (
	DefaultAckTimeout        = 5 * time.Second
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultMaxInFlight       = 64
	defaultHandshakeTimeout  = 5 * time.Second
	sendQueueSize            = 256
)

// Config configures one Peer.
type Config struct {
	ActorID           uuid.UUID
	Role              string
	AckTimeout        time.Duration
	KeepAliveInterval time.Duration
	MaxInFlight       int // cap on unacknowledged in-flight sends

	// OnFrame receives application frames: everything except acks,
	// keep-alives, and handshake frames. Called from the read loop; long
	// work must be handed off.
	OnFrame func(ctx context.Context, p *Peer, f wire.Frame)

	// OnClose fires once when the peer dies, after the connection is closed.
	OnClose func(p *Peer)

	Log zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
}

// Peer is one live persistent channel endpoint. A single writer goroutine
// owns the connection's write side, so frames are delivered in submission
// order; the read loop routes acks to waiters, answers pings, and hands
// application frames to the configured callback.
type Peer struct {
	conn Conn
	cfg  Config
	log  zerolog.Logger

	sendq  chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	waiters map[uuid.UUID]chan wire.Ack
}

// newPeer wires the pumps over an already-handshaken connection.
func newPeer(conn Conn, cfg Config) *Peer {
	cfg.applyDefaults()
	p := &Peer{
		conn:    conn,
		cfg:     cfg,
		log:     cfg.Log.With().Stringer("actor", cfg.ActorID).Logger(),
		sendq:   make(chan []byte, sendQueueSize),
		closed:  make(chan struct{}),
		waiters: make(map[uuid.UUID]chan wire.Ack),
	}
	go p.writePump()
	go p.readPump()
	go p.keepAlive()
	return p
}

// Accept performs the accepting side of the handshake: send the synthetic
// connection_established frame, then require a connection_ack within the
// bound (interleaved keep-alives are skipped). On success the pumps start.
func Accept(conn Conn, cfg Config) (*Peer, error) {
	raw, err := wire.Encode(wire.ConnEstablished{})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(textMessage, raw); err != nil {
		return nil, errs.Connection("send connection_established: %v", err)
	}
	if err := awaitHandshake(conn, wire.KindConnAck); err != nil {
		return nil, err
	}
	return newPeer(conn, cfg), nil
}

// Attach performs the calling side: require connection_established within
// the bound, reply with connection_ack, then start the pumps.
func Attach(conn Conn, cfg Config) (*Peer, error) {
	if err := awaitHandshake(conn, wire.KindConnEstablished); err != nil {
		return nil, err
	}
	raw, err := wire.Encode(wire.ConnAck{})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(textMessage, raw); err != nil {
		return nil, errs.Connection("send connection_ack: %v", err)
	}
	return newPeer(conn, cfg), nil
}

func awaitHandshake(conn Conn, want wire.Kind) error {
	deadline := time.Now().Add(defaultHandshakeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return errs.Connection("set handshake deadline: %v", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	for time.Now().Before(deadline) {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return errs.Connection("handshake read: %v", err)
		}
		f, err := wire.Decode(raw)
		if err != nil {
			return err
		}
		if wire.IsKeepAlive(f) {
			continue
		}
		if f.Kind() != want {
			return errs.Protocol("handshake: got %q, want %q", f.Kind(), want)
		}
		return nil
	}
	return errs.Connection("handshake timed out waiting for %q", want)
}

// ActorID implements registry.Handle.
func (p *Peer) ActorID() uuid.UUID { return p.cfg.ActorID }

// Role returns the role the connecting actor authenticated with.
func (p *Peer) Role() string { return p.cfg.Role }

// Send enqueues a frame for ordered delivery. It never blocks: a full queue
// or a dead peer is a connection error.
func (p *Peer) Send(f wire.Frame) error {
	raw, err := wire.Encode(f)
	if err != nil {
		return err
	}
	select {
	case <-p.closed:
		return errs.Connection("channel closed")
	default:
	}
	select {
	case p.sendq <- raw:
		return nil
	case <-p.closed:
		return errs.Connection("channel closed")
	default:
		return errs.Connection("send queue full")
	}
}

// SendAwaitAck sends a frame and waits for the matching acknowledgment
// within the ack timeout. Keep-alive frames arriving while waiting are never
// mistaken for the ack (the read loop routes only ack frames to waiters).
// The per-channel in-flight cap rejects the send up front so the caller can
// fall back.
func (p *Peer) SendAwaitAck(ctx context.Context, f wire.Frame) error {
	id, ok := wire.CorrelationID(f)
	if !ok {
		return fmt.Errorf("frame kind %q has no correlation id", f.Kind())
	}

	ch := make(chan wire.Ack, 1)
	p.mu.Lock()
	if len(p.waiters) >= p.cfg.MaxInFlight {
		p.mu.Unlock()
		return errs.Connection("in-flight limit reached (%d)", p.cfg.MaxInFlight)
	}
	if _, dup := p.waiters[id]; dup {
		p.mu.Unlock()
		return errs.Connection("delivery already in flight for %s", id)
	}
	p.waiters[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.waiters, id)
		p.mu.Unlock()
	}()

	if err := p.Send(f); err != nil {
		return err
	}

	timer := time.NewTimer(p.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case ack := <-ch:
		if !ack.Success {
			return errs.Connection("destination rejected %s", id)
		}
		return nil
	case <-timer.C:
		return errs.Connection("ack timeout for %s", id)
	case <-ctx.Done():
		return errs.Connection("ack wait cancelled: %v", ctx.Err())
	case <-p.closed:
		return errs.Connection("channel closed while awaiting ack")
	}
}

func (p *Peer) writePump() {
	for {
		select {
		case raw := <-p.sendq:
			if err := p.conn.WriteMessage(textMessage, raw); err != nil {
				p.log.Debug().Err(err).Msg("write failed, closing channel")
				p.Close()
				return
			}
		case <-p.closed:
			return
		}
	}
}

func (p *Peer) readPump() {
	defer p.Close()
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := wire.Decode(raw)
		if err != nil {
			// Malformed frame: logged and dropped, the channel stays alive.
			p.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		switch v := f.(type) {
		case wire.Ping:
			_ = p.Send(wire.Pong{})
		case wire.Pong, wire.ConnEstablished, wire.ConnAck:
			// Liveness / handshake noise after startup.
		case wire.Ack:
			p.mu.Lock()
			ch, ok := p.waiters[v.RequestID]
			p.mu.Unlock()
			if ok {
				select {
				case ch <- v:
				default:
				}
			}
		default:
			if p.cfg.OnFrame != nil {
				p.cfg.OnFrame(context.Background(), p, f)
			}
		}
	}
}

// keepAlive sends a ping at the configured interval. A ping that cannot be
// enqueued means the channel is dead.
func (p *Peer) keepAlive() {
	ticker := time.NewTicker(p.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.Send(wire.Ping{}); err != nil {
				p.log.Debug().Err(err).Msg("keep-alive failed, closing channel")
				p.Close()
				return
			}
		case <-p.closed:
			return
		}
	}
}

// Close tears the peer down exactly once: the connection is closed, the
// keep-alive task stops, and pending ack waiters fail. OnClose runs outside
// the once body on the first call only, so a callback that closes the peer
// again (the registry does, on unregister) returns immediately instead of
// re-entering the once.
func (p *Peer) Close() error {
	first := false
	p.once.Do(func() {
		first = true
		close(p.closed)
		_ = p.conn.Close()
	})
	if first && p.cfg.OnClose != nil {
		p.cfg.OnClose(p)
	}
	return nil
}

// Closed reports whether the peer has been torn down.
func (p *Peer) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}
