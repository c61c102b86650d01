// Package delivery coordinates the two channels: each outbound message is
// tried on the persistent channel first and falls back to the stateless HTTP
// channel when the persistent channel is absent, saturated, or unacknowledged.
// Messages that fail on both channels are parked and retried by the resync
// loop, giving at-least-once delivery across channel outages.
package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labsync/labsync/internal/platform/errs"
	"github.com/labsync/labsync/internal/platform/telemetry"
	"github.com/labsync/labsync/internal/platform/wire"
)

// Metrics is the counter surface the coordinator reports to.
type Metrics interface {
	Inc(name string)
}

type nopMetrics struct{}

func (nopMetrics) Inc(string) {}

// Via names the channel that carried a delivery.
type Via string

const (
	ViaPersistent Via = "persistent"
	ViaFallback   Via = "fallback"
)

// Defaults for the resync loop.
const (
	DefaultResyncInterval = 30 * time.Second
	defaultMaxParked      = 1024
)

// Receipt describes how a message reached the destination.
type Receipt struct {
	DeliveredVia Via
	Acknowledged bool
}

// AckSender is the persistent-channel send surface the coordinator needs.
type AckSender interface {
	SendAwaitAck(ctx context.Context, f wire.Frame) error
}

// FallbackSender is the stateless-channel send surface.
type FallbackSender interface {
	Send(ctx context.Context, f wire.Frame) error
}

// ChannelFunc looks up the live persistent channel for a destination actor,
// if one exists.
type ChannelFunc func(actor uuid.UUID) (AckSender, bool)

type parked struct {
	dest     uuid.UUID
	frame    wire.Frame
	parkedAt time.Time
}

// Coordinator owns channel selection and redelivery.
type Coordinator struct {
	channel        ChannelFunc
	fallback       FallbackSender
	resyncInterval time.Duration
	maxParked      int
	metrics        Metrics
	log            zerolog.Logger

	mu     sync.Mutex
	queue  map[uuid.UUID]parked // keyed by message identity, so resync never duplicates
	closed bool
}

// New creates a coordinator. channel may return no sender when the
// destination has no live persistent connection.
func New(channel ChannelFunc, fallback FallbackSender, resyncInterval time.Duration, log zerolog.Logger) *Coordinator {
	if resyncInterval <= 0 {
		resyncInterval = DefaultResyncInterval
	}
	return &Coordinator{
		channel:        channel,
		fallback:       fallback,
		resyncInterval: resyncInterval,
		maxParked:      defaultMaxParked,
		metrics:        nopMetrics{},
		log:            log.With().Str("component", "delivery").Logger(),
	}
}

// SetMetrics attaches a counter registry.
func (c *Coordinator) SetMetrics(m Metrics) {
	if m != nil {
		c.metrics = m
	}
}

// Submit delivers one frame to the destination actor. The persistent channel
// is preferred; any retryable failure there moves the attempt to the
// fallback. When both channels fail the frame is parked for the resync loop
// and the error is returned so the caller knows delivery is deferred.
func (c *Coordinator) Submit(ctx context.Context, dest uuid.UUID, frame wire.Frame) (Receipt, error) {
	if sender, ok := c.channel(dest); ok {
		err := sender.SendAwaitAck(ctx, frame)
		if err == nil {
			c.metrics.Inc(telemetry.CounterDeliveredPersistent)
			return Receipt{DeliveredVia: ViaPersistent, Acknowledged: true}, nil
		}
		if !errs.Retryable(err) {
			return Receipt{}, err
		}
		c.log.Debug().Stringer("dest", dest).Err(err).Msg("persistent delivery failed, using fallback")
	}

	err := c.fallback.Send(ctx, frame)
	if err == nil {
		c.metrics.Inc(telemetry.CounterDeliveredFallback)
		return Receipt{DeliveredVia: ViaFallback, Acknowledged: true}, nil
	}
	c.metrics.Inc(telemetry.CounterDeliveryFailed)
	if errs.Retryable(err) {
		c.park(dest, frame)
	}
	return Receipt{}, err
}

// park stores a failed frame for redelivery, keyed by its identity so a later
// resubmit of the same message replaces rather than duplicates it.
func (c *Coordinator) park(dest uuid.UUID, frame wire.Frame) {
	id, ok := wire.CorrelationID(frame)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, exists := c.queue[id]; !exists && len(c.queue) >= c.maxParked {
		c.log.Error().Stringer("id", id).Msg("parked queue full, dropping frame")
		return
	}
	if c.queue == nil {
		c.queue = make(map[uuid.UUID]parked)
	}
	c.queue[id] = parked{dest: dest, frame: frame, parkedAt: time.Now()}
	c.log.Info().Stringer("id", id).Int("parked", len(c.queue)).Msg("frame parked for resync")
}

// Parked reports how many frames await redelivery.
func (c *Coordinator) Parked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Resync retries every parked frame once. Frames that deliver are removed;
// the rest stay parked for the next pass.
func (c *Coordinator) Resync(ctx context.Context) {
	c.mu.Lock()
	batch := make(map[uuid.UUID]parked, len(c.queue))
	for id, p := range c.queue {
		batch[id] = p
	}
	c.mu.Unlock()

	for id, p := range batch {
		if ctx.Err() != nil {
			return
		}
		if _, err := c.Submit(ctx, p.dest, p.frame); err != nil {
			continue
		}
		c.mu.Lock()
		delete(c.queue, id)
		c.mu.Unlock()
		c.log.Info().Stringer("id", id).Msg("parked frame redelivered")
	}
}

// Run drives the resync loop until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.resyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Resync(ctx)
		case <-ctx.Done():
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			return
		}
	}
}
