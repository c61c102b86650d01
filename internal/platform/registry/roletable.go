package registry

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// RoleTable is an in-memory RoleResolver fed by connection registrations: an
// actor is in a role exactly while it has a live connection that
// authenticated with that role.
type RoleTable struct {
	mu    sync.RWMutex
	roles map[uuid.UUID]string
}

func NewRoleTable() *RoleTable {
	return &RoleTable{roles: make(map[uuid.UUID]string)}
}

// Set records the role an actor authenticated with.
func (t *RoleTable) Set(actor uuid.UUID, role string) {
	t.mu.Lock()
	t.roles[actor] = role
	t.mu.Unlock()
}

// Delete forgets an actor, typically when its last connection closes.
func (t *RoleTable) Delete(actor uuid.UUID) {
	t.mu.Lock()
	delete(t.roles, actor)
	t.mu.Unlock()
}

// ActorsInRole implements RoleResolver.
func (t *RoleTable) ActorsInRole(_ context.Context, role string) ([]uuid.UUID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var actors []uuid.UUID
	for actor, r := range t.roles {
		if r == role {
			actors = append(actors, actor)
		}
	}
	return actors, nil
}
