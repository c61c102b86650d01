// Package registry tracks the live channel handles of every connected actor
// and fans events out to them. The registry exclusively owns its handles:
// registering binds a handle to an actor, unregistering (or a failed send)
// removes and closes it, and an actor's key is dropped once its handle set
// is empty.
package registry

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labsync/labsync/internal/platform/wire"
)

// Handle is one live connection to an actor. Send must be safe for
// concurrent use and must preserve submission order per handle (single
// writer underneath).
type Handle interface {
	ActorID() uuid.UUID
	Send(f wire.Frame) error
	Close() error
}

// RoleResolver maps a role name to its current member actor ids.
type RoleResolver interface {
	ActorsInRole(ctx context.Context, role string) ([]uuid.UUID, error)
}

// Registry is the process-local connection registry. It is mutated only on
// connect, disconnect, and send-failure pruning.
type Registry struct {
	log   zerolog.Logger
	roles RoleResolver

	mu    sync.RWMutex
	conns map[uuid.UUID]map[Handle]struct{}
}

// New creates an empty registry. roles may be nil when role fan-out is not
// used (tests, tooling).
func New(roles RoleResolver, log zerolog.Logger) *Registry {
	return &Registry{
		log:   log.With().Str("component", "registry").Logger(),
		roles: roles,
		conns: make(map[uuid.UUID]map[Handle]struct{}),
	}
}

// Register binds a handle to its actor.
func (r *Registry) Register(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[h.ActorID()]
	if !ok {
		set = make(map[Handle]struct{})
		r.conns[h.ActorID()] = set
	}
	set[h] = struct{}{}
	r.log.Debug().Stringer("actor", h.ActorID()).Int("handles", len(set)).Msg("handle registered")
}

// Unregister removes a handle and closes it. Removing the last handle drops
// the actor's key entirely.
func (r *Registry) Unregister(h Handle) {
	r.mu.Lock()
	set, ok := r.conns[h.ActorID()]
	if ok {
		delete(set, h)
		if len(set) == 0 {
			delete(r.conns, h.ActorID())
		}
	}
	r.mu.Unlock()
	if ok {
		_ = h.Close()
	}
}

// handles returns a snapshot of an actor's handles. Sends happen outside the
// lock; a handle that dies between snapshot and send is pruned by SendTo.
func (r *Registry) handles(actor uuid.UUID) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.conns[actor]
	if len(set) == 0 {
		return nil
	}
	out := make([]Handle, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}

// SendTo delivers a frame to every live handle of the actor, pruning any
// handle whose send fails. An actor with zero connections is not an error.
func (r *Registry) SendTo(actor uuid.UUID, f wire.Frame) {
	for _, h := range r.handles(actor) {
		if err := h.Send(f); err != nil {
			r.log.Warn().Stringer("actor", actor).Err(err).Msg("pruning dead handle")
			r.Unregister(h)
		}
	}
}

// SendToRole resolves the role's membership and fans the frame out to each
// member. Resolution failures are logged; fan-out is best effort.
func (r *Registry) SendToRole(ctx context.Context, role string, f wire.Frame) {
	if r.roles == nil {
		return
	}
	actors, err := r.roles.ActorsInRole(ctx, role)
	if err != nil {
		r.log.Error().Str("role", role).Err(err).Msg("role resolution failed")
		return
	}
	for _, actor := range actors {
		r.SendTo(actor, f)
	}
}

// Channel returns one live handle for the actor, preferring none in
// particular. The Delivery Coordinator uses it to push with ack.
func (r *Registry) Channel(actor uuid.UUID) (Handle, bool) {
	hs := r.handles(actor)
	if len(hs) == 0 {
		return nil, false
	}
	return hs[0], true
}

// Count returns the number of live handles for an actor.
func (r *Registry) Count(actor uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[actor])
}

// ActorCount returns the number of actors with at least one live handle.
func (r *Registry) ActorCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close tears the registry down, closing every handle.
func (r *Registry) Close() {
	r.mu.Lock()
	all := r.conns
	r.conns = make(map[uuid.UUID]map[Handle]struct{})
	r.mu.Unlock()
	for _, set := range all {
		for h := range set {
			_ = h.Close()
		}
	}
}
