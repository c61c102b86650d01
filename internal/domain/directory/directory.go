// Package directory resolves patient and doctor records owned by the peer
// service. Lookups go through a TTL cache guarded by a circuit breaker;
// fetched entities are written through to durable snapshots so a peer outage
// degrades to slightly stale data instead of failures.
package directory

import (
	"time"

	"github.com/google/uuid"
)

// Patient is the peer-owned demographic record this service caches.
type Patient struct {
	ID          uuid.UUID  `json:"id"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	Gender      string     `json:"gender,omitempty"`
	Phone       string     `json:"phone,omitempty"`
}

// Doctor is the peer-owned practitioner record this service caches.
type Doctor struct {
	ID        uuid.UUID `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Specialty string    `json:"specialty,omitempty"`
	Email     string    `json:"email,omitempty"`
}
