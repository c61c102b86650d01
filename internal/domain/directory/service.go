package directory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/labsync/labsync/internal/platform/breaker"
	"github.com/labsync/labsync/internal/platform/cache"
	"github.com/labsync/labsync/internal/platform/tasks"
)

// Service exposes cached lookups for peer-owned entities. Both entity kinds
// share one breaker: the peer is either reachable or it is not.
type Service struct {
	patients *cache.Cache[Patient]
	doctors  *cache.Cache[Doctor]
}

// Config carries the cache and breaker tuning.
type Config struct {
	TTL              time.Duration
	BreakerThreshold int
	BreakerRecovery  time.Duration
}

func NewService(client *Client, pool *pgxpool.Pool, cfg Config, sup *tasks.Supervisor, log zerolog.Logger) *Service {
	br := breaker.New("directory", cfg.BreakerThreshold, cfg.BreakerRecovery, log)
	return &Service{
		patients: cache.New("patients", cfg.TTL, client.PatientFetcher(),
			NewSnapshotStore[Patient](pool, "patient"), br, sup, log),
		doctors: cache.New("doctors", cfg.TTL, client.DoctorFetcher(),
			NewSnapshotStore[Doctor](pool, "doctor"), br, sup, log),
	}
}

// NewServiceWith wires explicit fetchers and stores; tests use it to avoid a
// real pool and HTTP client.
func NewServiceWith(patients *cache.Cache[Patient], doctors *cache.Cache[Doctor]) *Service {
	return &Service{patients: patients, doctors: doctors}
}

func (s *Service) Patient(ctx context.Context, id uuid.UUID) (Patient, error) {
	return s.patients.GetOrFetch(ctx, id.String())
}

func (s *Service) Doctor(ctx context.Context, id uuid.UUID) (Doctor, error) {
	return s.doctors.GetOrFetch(ctx, id.String())
}

// Invalidate drops cached copies of an entity so the next lookup refetches.
func (s *Service) Invalidate(id uuid.UUID) {
	s.patients.Invalidate(id.String())
	s.doctors.Invalidate(id.String())
}
