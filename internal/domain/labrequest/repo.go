package labrequest

import (
	"context"

	"github.com/google/uuid"
)

// UpsertOutcome reports what an identity-keyed upsert did.
type UpsertOutcome struct {
	Inserted bool
	Status   Status // the stored status after the upsert
}

// ListFilter narrows List queries. Zero values mean no constraint.
type ListFilter struct {
	PatientID    uuid.UUID
	DoctorID     uuid.UUID
	TechnicianID uuid.UUID
	Status       Status
	UnreadOnly   bool
	Limit        int
	Offset       int
}

// Repository persists lab requests.
type Repository interface {
	// Upsert inserts the request keyed by identity. A replay of an existing
	// identity never downgrades status and reports Inserted=false.
	Upsert(ctx context.Context, lr *LabRequest) (UpsertOutcome, error)
	GetByID(ctx context.Context, id uuid.UUID) (*LabRequest, error)
	Save(ctx context.Context, lr *LabRequest) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f ListFilter) ([]*LabRequest, int, error)
}

// EventRepository persists the append-only audit trail.
type EventRepository interface {
	Append(ctx context.Context, e *LabRequestEvent) error
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*LabRequestEvent, error)
}

// ResultRepository persists lab results.
type ResultRepository interface {
	// Insert stores a result keyed by identity; a replay of an existing
	// identity reports false.
	Insert(ctx context.Context, r *LabResult) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*LabResult, error)
	Update(ctx context.Context, r *LabResult) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*LabResult, error)
}
