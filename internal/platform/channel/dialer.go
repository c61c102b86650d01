package channel

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultMinRetryInterval throttles reconnection so a flapping peer does not
// hot-loop the dialer.
const DefaultMinRetryInterval = 10 * time.Second

// Dialer maintains one outbound persistent channel to a peer service,
// reconnecting whenever the channel dies, throttled by a minimum retry
// interval.
type Dialer struct {
	url              string
	token            string
	minRetryInterval time.Duration
	cfg              Config
	log              zerolog.Logger

	// dial is overridable in tests.
	dial func(url string, header http.Header) (Conn, error)
}

// NewDialer creates a dialer for the peer's WebSocket endpoint. token is the
// bearer service token presented during the upgrade.
func NewDialer(url, token string, minRetryInterval time.Duration, cfg Config, log zerolog.Logger) *Dialer {
	if minRetryInterval <= 0 {
		minRetryInterval = DefaultMinRetryInterval
	}
	return &Dialer{
		url:              url,
		token:            token,
		minRetryInterval: minRetryInterval,
		cfg:              cfg,
		log:              log.With().Str("component", "dialer").Str("url", url).Logger(),
		dial: func(url string, header http.Header) (Conn, error) {
			c, _, err := websocket.DefaultDialer.Dial(url, header)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}
}

// Connect dials once and completes the calling-side handshake.
func (d *Dialer) Connect(ctx context.Context) (*Peer, error) {
	header := http.Header{}
	if d.token != "" {
		header.Set("Authorization", "Bearer "+d.token)
	}
	conn, err := d.dial(d.url, header)
	if err != nil {
		return nil, err
	}
	peer, err := Attach(conn, d.cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return peer, nil
}

// Run keeps a channel alive until the context is cancelled: connect, hand
// the peer to onConnect, wait for it to die, then reconnect no sooner than
// the minimum retry interval after the previous attempt.
func (d *Dialer) Run(ctx context.Context, onConnect func(*Peer)) {
	for {
		attemptAt := time.Now()
		peer, err := d.Connect(ctx)
		if err != nil {
			d.log.Warn().Err(err).Msg("connect failed")
		} else {
			d.log.Info().Msg("persistent channel established")
			if onConnect != nil {
				onConnect(peer)
			}
			select {
			case <-peer.closed:
				d.log.Warn().Msg("persistent channel lost")
			case <-ctx.Done():
				peer.Close()
				return
			}
		}

		// Throttle: never dial more often than the minimum retry interval.
		wait := d.minRetryInterval - time.Since(attemptAt)
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}
