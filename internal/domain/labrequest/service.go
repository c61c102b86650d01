package labrequest

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

// Notifier pushes lifecycle changes to the peer service and to connected
// actors. Implementations must not block the caller; delivery failures are
// the notifier's problem, never the state machine's.
type Notifier interface {
	RequestCreated(ctx context.Context, lr *LabRequest)
	RequestUpdated(ctx context.Context, lr *LabRequest, upd wire.Updates)
	ResultReady(ctx context.Context, lr *LabRequest, res *LabResult)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) RequestCreated(context.Context, *LabRequest)                {}
func (NopNotifier) RequestUpdated(context.Context, *LabRequest, wire.Updates) {}
func (NopNotifier) ResultReady(context.Context, *LabRequest, *LabResult)      {}

// keyedMutex serializes work per lab-request identity so concurrent applies
// of the same identity cannot interleave between read and write.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id uuid.UUID) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[uuid.UUID]*keyedLock)
	}
	l, ok := k.locks[id]
	if !ok {
		l = &keyedLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// Service owns the lab-request state machine and its audit trail.
type Service struct {
	requests Repository
	events   EventRepository
	results  ResultRepository
	notifier Notifier
	log      zerolog.Logger

	keyed keyedMutex
	now   func() time.Time
	inTx  func(ctx context.Context, fn func(context.Context) error) error
}

func NewService(requests Repository, events EventRepository, results ResultRepository, notifier Notifier, log zerolog.Logger) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Service{
		requests: requests,
		events:   events,
		results:  results,
		notifier: notifier,
		log:      log.With().Str("component", "labrequest").Logger(),
		now:      time.Now,
		inTx: func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		},
	}
}

// SetTxRunner installs the transaction boundary for operations that write a
// request row and its audit events together. Repository calls inside the
// callback share one connection.
func (s *Service) SetTxRunner(run func(ctx context.Context, fn func(context.Context) error) error) {
	if run != nil {
		s.inTx = run
	}
}

func (s *Service) validate(lr *LabRequest) error {
	if lr.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if lr.DoctorID == uuid.Nil {
		return fmt.Errorf("doctor_id is required")
	}
	if lr.TestType == "" {
		return fmt.Errorf("test_type is required")
	}
	if lr.Priority == "" {
		lr.Priority = "normal"
	}
	if !validPriorities[lr.Priority] {
		return fmt.Errorf("invalid priority: %s", lr.Priority)
	}
	if lr.Status == "" {
		lr.Status = StatusPending
	}
	if !ValidStatus(lr.Status) {
		return fmt.Errorf("invalid status: %s", lr.Status)
	}
	return nil
}

// Create stores a locally originated request and announces it to the peer.
func (s *Service) Create(ctx context.Context, lr *LabRequest, actor string) error {
	if lr.ID == uuid.Nil {
		lr.ID = uuid.New()
	}
	if err := s.validate(lr); err != nil {
		return err
	}
	lr.CreatedAt = s.now().UTC()
	lr.UpdatedAt = lr.CreatedAt

	unlock := s.keyed.lock(lr.ID)
	defer unlock()

	err := s.inTx(ctx, func(ctx context.Context) error {
		out, err := s.requests.Upsert(ctx, lr)
		if err != nil {
			return err
		}
		if !out.Inserted {
			return fmt.Errorf("lab request %s: %w", lr.ID, errs.ErrConflict)
		}
		return s.events.Append(ctx, newEvent(lr.ID, EventCreated, actor, nil))
	})
	if err != nil {
		return err
	}
	s.notifier.RequestCreated(ctx, lr)
	return nil
}

// Apply reconciles an inbound new_lab_request delivery. The same identity
// arriving again, on either channel, is a no-op reported as a conflict so the
// sender can treat it as already-delivered. Exactly one row and one event
// exist afterwards no matter how many times the message arrived.
func (s *Service) Apply(ctx context.Context, f wire.NewLabRequest) (*LabRequest, error) {
	lr := &LabRequest{
		ID:        f.ID,
		PatientID: f.PatientID,
		DoctorID:  f.DoctorID,
		TestType:  f.TestType,
		Priority:  f.Priority,
		Status:    Status(f.Status),
		Notes:     f.Notes,
		DueDate:   f.DueDate,
		CreatedAt: f.CreatedAt,
	}
	if err := s.validate(lr); err != nil {
		return nil, errs.Protocol("invalid new_lab_request: %v", err)
	}

	unlock := s.keyed.lock(lr.ID)
	defer unlock()

	inserted := false
	err := s.inTx(ctx, func(ctx context.Context) error {
		out, err := s.requests.Upsert(ctx, lr)
		if err != nil {
			return err
		}
		inserted = out.Inserted
		if !inserted {
			// Redelivery: the upsert's rank-guarded status merge commits, the
			// duplicate is reported after, so a replay carrying a forward
			// status still lands.
			return nil
		}
		return s.events.Append(ctx, newEvent(lr.ID, EventCreated, "peer", nil))
	})
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, fmt.Errorf("lab request %s already applied: %w", lr.ID, errs.ErrConflict)
	}
	s.log.Info().Stringer("id", lr.ID).Msg("lab request applied")
	return lr, nil
}

// ApplyUpdates reconciles an inbound lab_request_updated delivery. Absent
// fields never overwrite stored values; a delivery that changes nothing
// appends no event.
func (s *Service) ApplyUpdates(ctx context.Context, id uuid.UUID, upd wire.Updates) (*LabRequest, error) {
	unlock := s.keyed.lock(id)
	defer unlock()

	lr, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	changed := false
	if upd.Status != nil {
		to := Status(*upd.Status)
		if !ValidStatus(to) {
			return nil, errs.Protocol("invalid status %q", *upd.Status)
		}
		// Rank guard: replayed or reordered updates never move backwards.
		if Rank(to) > Rank(lr.Status) {
			lr.Status = to
			if to == StatusCompleted && lr.CompletedAt == nil {
				now := s.now().UTC()
				if upd.CompletedAt != nil {
					now = *upd.CompletedAt
				}
				lr.CompletedAt = &now
			}
			changed = true
		}
	}
	if upd.TechnicianID != nil && (lr.TechnicianID == nil || *lr.TechnicianID != *upd.TechnicianID) {
		lr.TechnicianID = upd.TechnicianID
		changed = true
	}
	if upd.Priority != nil && lr.Priority != *upd.Priority {
		if !validPriorities[*upd.Priority] {
			return nil, errs.Protocol("invalid priority %q", *upd.Priority)
		}
		lr.Priority = *upd.Priority
		changed = true
	}
	if upd.Notes != nil && lr.Notes != *upd.Notes {
		lr.Notes = *upd.Notes
		changed = true
	}
	if upd.Read != nil && lr.Read != *upd.Read {
		lr.Read = *upd.Read
		changed = true
	}
	// completed_at only ever accompanies a completed row.
	if upd.CompletedAt != nil && lr.CompletedAt == nil && lr.Status == StatusCompleted {
		lr.CompletedAt = upd.CompletedAt
		changed = true
	}

	if !changed {
		return lr, nil
	}
	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.requests.Save(ctx, lr); err != nil {
			return err
		}
		return s.events.Append(ctx, newEvent(id, EventUpdated, "peer", nil))
	})
	if err != nil {
		return nil, err
	}
	return lr, nil
}

// ApplyResult reconciles an inbound lab_result_ready delivery: the result is
// stored once, keyed by its identity. The request completes only when its
// fulfiller is already known; the frame carries no technician, so an
// unassigned row advances to in_progress and completes when the assignment
// arrives in a lab_request_updated delivery.
func (s *Service) ApplyResult(ctx context.Context, f wire.ResultReady) (*LabResult, error) {
	if f.LabResultID == uuid.Nil {
		return nil, errs.Protocol("lab_result_ready missing lab_result_id")
	}

	unlock := s.keyed.lock(f.LabRequestID)
	defer unlock()

	lr, err := s.requests.GetByID(ctx, f.LabRequestID)
	if err != nil {
		return nil, err
	}

	res := &LabResult{
		ID:           f.LabResultID,
		LabRequestID: f.LabRequestID,
		TestType:     f.TestType,
		Conclusion:   f.Conclusion,
		ResultData:   f.ResultData,
		CreatedAt:    f.CreatedAt,
	}
	if lr.TechnicianID != nil {
		res.TechnicianID = *lr.TechnicianID
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		inserted, err := s.results.Insert(ctx, res)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("lab result %s already applied: %w", res.ID, errs.ErrConflict)
		}
		switch {
		case lr.TechnicianID != nil && lr.Status != StatusCompleted:
			lr.Status = StatusCompleted
			now := s.now().UTC()
			lr.CompletedAt = &now
			if err := s.requests.Save(ctx, lr); err != nil {
				return err
			}
		case lr.TechnicianID == nil && lr.Status == StatusPending:
			lr.Status = StatusInProgress
			if err := s.requests.Save(ctx, lr); err != nil {
				return err
			}
		}
		return s.events.Append(ctx, newEvent(lr.ID, EventResultCreated, "peer",
			map[string]interface{}{"lab_result_id": res.ID}))
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Assign sets the fulfilling technician. Re-assigning the same technician is
// an idempotent no-op with no event; assigning over a different technician is
// a conflict unless override is set, in which case the event records who was
// displaced.
func (s *Service) Assign(ctx context.Context, id, technicianID uuid.UUID, actor string, override bool) (*LabRequest, error) {
	if technicianID == uuid.Nil {
		return nil, fmt.Errorf("technician_id is required")
	}

	unlock := s.keyed.lock(id)
	defer unlock()

	lr, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if lr.Status == StatusCompleted || lr.Status == StatusCancelled {
		return nil, fmt.Errorf("cannot assign a %s request: %w", lr.Status, errs.ErrConflict)
	}

	detail := map[string]interface{}{"technician_id": technicianID}
	if lr.TechnicianID != nil {
		if *lr.TechnicianID == technicianID {
			return lr, nil
		}
		if !override {
			return nil, fmt.Errorf("already assigned to %s: %w", *lr.TechnicianID, errs.ErrConflict)
		}
		detail["previous_technician_id"] = *lr.TechnicianID
	}

	lr.TechnicianID = &technicianID
	if lr.Status == StatusPending {
		lr.Status = StatusInProgress
	}
	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.requests.Save(ctx, lr); err != nil {
			return err
		}
		return s.events.Append(ctx, newEvent(id, EventAssigned, actor, detail))
	})
	if err != nil {
		return nil, err
	}

	status := string(lr.Status)
	s.notifier.RequestUpdated(ctx, lr, wire.Updates{Status: &status, TechnicianID: &technicianID})
	return lr, nil
}

// UpdateStatus moves the request through the forward state machine.
// Completion is not reachable here: a request completes only by submitting a
// result, so a bare status change to completed is a conflict.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, to Status, actor string) (*LabRequest, error) {
	if !ValidStatus(to) {
		return nil, fmt.Errorf("invalid status: %s", to)
	}

	unlock := s.keyed.lock(id)
	defer unlock()

	lr, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if lr.Status == to {
		return lr, nil
	}
	if to == StatusCompleted {
		return nil, fmt.Errorf("completion requires a result submission: %w", errs.ErrConflict)
	}
	if err := ValidateTransition(lr.Status, to); err != nil {
		return nil, fmt.Errorf("%v: %w", err, errs.ErrConflict)
	}

	from := lr.Status
	lr.Status = to
	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.requests.Save(ctx, lr); err != nil {
			return err
		}
		return s.events.Append(ctx, newEvent(id, EventStatusChanged, actor,
			map[string]interface{}{"from": from, "to": to}))
	})
	if err != nil {
		return nil, err
	}

	status := string(to)
	s.notifier.RequestUpdated(ctx, lr, wire.Updates{Status: &status})
	return lr, nil
}

// Cancel is a terminal transition. Cancelling a completed request is a
// conflict; cancelling an already cancelled one is an idempotent no-op.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor string) (*LabRequest, error) {
	unlock := s.keyed.lock(id)
	defer unlock()

	lr, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if lr.Status == StatusCancelled {
		return lr, nil
	}
	if lr.Status == StatusCompleted {
		return nil, fmt.Errorf("cannot cancel a completed request: %w", errs.ErrConflict)
	}

	from := lr.Status
	lr.Status = StatusCancelled
	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.requests.Save(ctx, lr); err != nil {
			return err
		}
		return s.events.Append(ctx, newEvent(id, EventCancelled, actor,
			map[string]interface{}{"from": from}))
	})
	if err != nil {
		return nil, err
	}

	status := string(StatusCancelled)
	s.notifier.RequestUpdated(ctx, lr, wire.Updates{Status: &status})
	return lr, nil
}

// SubmitResult records a result from the fulfilling side. An unassigned
// request is auto-assigned to the submitting technician first, so the audit
// trail reads: assigned, then result_created. The request completes in the
// same operation without a separate status_changed event.
func (s *Service) SubmitResult(ctx context.Context, res *LabResult, actor string) (*LabResult, error) {
	if res.LabRequestID == uuid.Nil {
		return nil, fmt.Errorf("lab_request_id is required")
	}
	if res.TechnicianID == uuid.Nil {
		return nil, fmt.Errorf("technician_id is required")
	}
	if res.Conclusion == "" {
		return nil, fmt.Errorf("conclusion is required")
	}
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}

	unlock := s.keyed.lock(res.LabRequestID)
	defer unlock()

	lr, err := s.requests.GetByID(ctx, res.LabRequestID)
	if err != nil {
		return nil, err
	}
	if lr.Status == StatusCancelled {
		return nil, fmt.Errorf("cannot submit a result for a cancelled request: %w", errs.ErrConflict)
	}
	if lr.TechnicianID != nil && *lr.TechnicianID != res.TechnicianID {
		return nil, fmt.Errorf("request is assigned to %s: %w", *lr.TechnicianID, errs.ErrConflict)
	}

	autoAssigned := lr.TechnicianID == nil
	if res.TestType == "" {
		res.TestType = lr.TestType
	}
	res.CreatedAt = s.now().UTC()

	err = s.inTx(ctx, func(ctx context.Context) error {
		inserted, err := s.results.Insert(ctx, res)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("lab result %s already exists: %w", res.ID, errs.ErrConflict)
		}

		lr.TechnicianID = &res.TechnicianID
		lr.Status = StatusCompleted
		now := s.now().UTC()
		lr.CompletedAt = &now
		if err := s.requests.Save(ctx, lr); err != nil {
			return err
		}

		if autoAssigned {
			if err := s.events.Append(ctx, newEvent(lr.ID, EventAssigned, actor,
				map[string]interface{}{"technician_id": res.TechnicianID, "auto": true})); err != nil {
				return err
			}
		}
		return s.events.Append(ctx, newEvent(lr.ID, EventResultCreated, actor,
			map[string]interface{}{"lab_result_id": res.ID}))
	})
	if err != nil {
		return nil, err
	}

	s.notifier.ResultReady(ctx, lr, res)
	// The result frame carries no technician; broadcast the assignment and
	// completion separately so the requesting side converges.
	status := string(StatusCompleted)
	s.notifier.RequestUpdated(ctx, lr, wire.Updates{
		Status:       &status,
		TechnicianID: &res.TechnicianID,
		CompletedAt:  lr.CompletedAt,
	})
	return res, nil
}

// UpdateResult edits a result's conclusion or data.
func (s *Service) UpdateResult(ctx context.Context, id uuid.UUID, conclusion string, data []byte, actor string) (*LabResult, error) {
	res, err := s.results.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := s.keyed.lock(res.LabRequestID)
	defer unlock()

	if conclusion != "" {
		res.Conclusion = conclusion
	}
	if data != nil {
		res.ResultData = data
	}
	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.results.Update(ctx, res); err != nil {
			return err
		}
		return s.events.Append(ctx, newEvent(res.LabRequestID, EventResultUpdated, actor,
			map[string]interface{}{"lab_result_id": res.ID}))
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DeleteResult is the compensating operation: the result row goes away and
// the request steps back from completed to in_progress with completed_at
// cleared, so a corrected result can be submitted.
func (s *Service) DeleteResult(ctx context.Context, id uuid.UUID, actor string) error {
	res, err := s.results.GetByID(ctx, id)
	if err != nil {
		return err
	}

	unlock := s.keyed.lock(res.LabRequestID)
	defer unlock()

	var lr *LabRequest
	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.results.Delete(ctx, id); err != nil {
			return err
		}
		lr, err = s.requests.GetByID(ctx, res.LabRequestID)
		if err != nil {
			return err
		}
		if lr.Status == StatusCompleted {
			lr.Status = StatusInProgress
			lr.CompletedAt = nil
			if err := s.requests.Save(ctx, lr); err != nil {
				return err
			}
		}
		return s.events.Append(ctx, newEvent(lr.ID, EventResultDeleted, actor,
			map[string]interface{}{"lab_result_id": id}))
	})
	if err != nil {
		return err
	}

	status := string(lr.Status)
	s.notifier.RequestUpdated(ctx, lr, wire.Updates{Status: &status})
	return nil
}

// MarkRead flags the request as seen. Idempotent, no event.
func (s *Service) MarkRead(ctx context.Context, id uuid.UUID) (*LabRequest, error) {
	unlock := s.keyed.lock(id)
	defer unlock()

	lr, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if lr.Read {
		return lr, nil
	}
	lr.Read = true
	if err := s.requests.Save(ctx, lr); err != nil {
		return nil, err
	}
	return lr, nil
}

// Delete soft-deletes the request; history and results remain queryable by id
// for the audit trail.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	unlock := s.keyed.lock(id)
	defer unlock()
	return s.requests.SoftDelete(ctx, id)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*LabRequest, error) {
	return s.requests.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]*LabRequest, int, error) {
	return s.requests.List(ctx, f)
}

func (s *Service) Events(ctx context.Context, id uuid.UUID) ([]*LabRequestEvent, error) {
	return s.events.ListByRequest(ctx, id)
}

func (s *Service) Results(ctx context.Context, id uuid.UUID) ([]*LabResult, error) {
	return s.results.ListByRequest(ctx, id)
}

func (s *Service) GetResult(ctx context.Context, id uuid.UUID) (*LabResult, error) {
	return s.results.GetByID(ctx, id)
}
