package labrequest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labsync/labsync/internal/platform/errs"
	"github.com/labsync/labsync/internal/platform/wire"
)

// -- in-memory repositories --

type memRequests struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*LabRequest
}

func newMemRequests() *memRequests {
	return &memRequests{rows: make(map[uuid.UUID]*LabRequest)}
}

func cloneRequest(lr *LabRequest) *LabRequest {
	cp := *lr
	return &cp
}

func (m *memRequests) Upsert(_ context.Context, lr *LabRequest) (UpsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rows[lr.ID]; ok {
		if Rank(lr.Status) > Rank(existing.Status) {
			existing.Status = lr.Status
		}
		return UpsertOutcome{Inserted: false, Status: existing.Status}, nil
	}
	m.rows[lr.ID] = cloneRequest(lr)
	return UpsertOutcome{Inserted: true, Status: lr.Status}, nil
}

func (m *memRequests) GetByID(_ context.Context, id uuid.UUID) (*LabRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lr, ok := m.rows[id]
	if !ok || lr.Deleted {
		return nil, errs.ErrNotFound
	}
	return cloneRequest(lr), nil
}

func (m *memRequests) Save(_ context.Context, lr *LabRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.rows[lr.ID]
	if !ok || existing.Deleted {
		return errs.ErrNotFound
	}
	m.rows[lr.ID] = cloneRequest(lr)
	return nil
}

func (m *memRequests) SoftDelete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lr, ok := m.rows[id]
	if !ok || lr.Deleted {
		return errs.ErrNotFound
	}
	lr.Deleted = true
	return nil
}

func (m *memRequests) List(_ context.Context, f ListFilter) ([]*LabRequest, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*LabRequest
	for _, lr := range m.rows {
		if lr.Deleted {
			continue
		}
		if f.Status != "" && lr.Status != f.Status {
			continue
		}
		if f.UnreadOnly && lr.Read {
			continue
		}
		items = append(items, cloneRequest(lr))
	}
	return items, len(items), nil
}

func (m *memRequests) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type memEvents struct {
	mu     sync.Mutex
	events []*LabRequestEvent
}

func (m *memEvents) Append(_ context.Context, e *LabRequestEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memEvents) ListByRequest(_ context.Context, requestID uuid.UUID) ([]*LabRequestEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*LabRequestEvent
	for _, e := range m.events {
		if e.LabRequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memEvents) types(requestID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.LabRequestID == requestID {
			out = append(out, e.EventType)
		}
	}
	return out
}

type memResults struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*LabResult
}

func newMemResults() *memResults { return &memResults{rows: make(map[uuid.UUID]*LabResult)} }

func (m *memResults) Insert(_ context.Context, r *LabResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[r.ID]; ok {
		return false, nil
	}
	cp := *r
	m.rows[r.ID] = &cp
	return true, nil
}

func (m *memResults) GetByID(_ context.Context, id uuid.UUID) (*LabResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memResults) Update(_ context.Context, r *LabResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[r.ID]; !ok {
		return errs.ErrNotFound
	}
	cp := *r
	m.rows[r.ID] = &cp
	return nil
}

func (m *memResults) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return errs.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *memResults) ListByRequest(_ context.Context, requestID uuid.UUID) ([]*LabResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*LabResult
	for _, r := range m.rows {
		if r.LabRequestID == requestID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	created int
	updated int
	results int
}

func (n *recordingNotifier) RequestCreated(context.Context, *LabRequest) {
	n.mu.Lock()
	n.created++
	n.mu.Unlock()
}

func (n *recordingNotifier) RequestUpdated(context.Context, *LabRequest, wire.Updates) {
	n.mu.Lock()
	n.updated++
	n.mu.Unlock()
}

func (n *recordingNotifier) ResultReady(context.Context, *LabRequest, *LabResult) {
	n.mu.Lock()
	n.results++
	n.mu.Unlock()
}

type fixture struct {
	svc      *Service
	requests *memRequests
	events   *memEvents
	results  *memResults
	notifier *recordingNotifier
}

func newFixture() *fixture {
	f := &fixture{
		requests: newMemRequests(),
		events:   &memEvents{},
		results:  newMemResults(),
		notifier: &recordingNotifier{},
	}
	f.svc = NewService(f.requests, f.events, f.results, f.notifier, zerolog.Nop())
	return f
}

func newFrame() wire.NewLabRequest {
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

// applied seeds the fixture with one reconciled pending request.
func (f *fixture) applied(t *testing.T) *LabRequest {
	t.Helper()
	lr, err := f.svc.Apply(context.Background(), newFrame())
	if err != nil {
		t.Fatal(err)
	}
	return lr
}

// -- reconciliation --

func TestApply_Inserts(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)

	if lr.Status != StatusPending {
		t.Fatalf("status = %s, want pending", lr.Status)
	}
	if got := f.events.types(lr.ID); len(got) != 1 || got[0] != EventCreated {
		t.Fatalf("events = %v, want [created]", got)
	}
}

func TestApply_DuplicateIdentityIsConflict(t *testing.T) {
	f := newFixture()
	frame := newFrame()

	if _, err := f.svc.Apply(context.Background(), frame); err != nil {
		t.Fatal(err)
	}
	// Same identity again, as if both channels delivered it.
	_, err := f.svc.Apply(context.Background(), frame)
	if !errs.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if f.requests.count() != 1 {
		t.Fatalf("rows = %d, want 1", f.requests.count())
	}
	if got := f.events.types(frame.ID); len(got) != 1 {
		t.Fatalf("events = %v, want exactly one", got)
	}
}

func TestApply_DuplicateCommitsForwardStatus(t *testing.T) {
	f := newFixture()
	frame := newFrame()
	if _, err := f.svc.Apply(context.Background(), frame); err != nil {
		t.Fatal(err)
	}

	// A redelivery carrying a forward status is still reported as a
	// duplicate, but the rank-guarded merge lands before the report.
	frame.Status = string(StatusInProgress)
	_, err := f.svc.Apply(context.Background(), frame)
	if !errs.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, _ := f.svc.Get(context.Background(), frame.ID)
	if got.Status != StatusInProgress {
		t.Fatalf("status = %s, forward merge rolled back", got.Status)
	}
	if events := f.events.types(frame.ID); len(events) != 1 {
		t.Fatalf("events = %v, want exactly one", events)
	}
}

func TestApply_InvalidFrameIsProtocolError(t *testing.T) {
	f := newFixture()
	frame := newFrame()
	frame.TestType = ""

	_, err := f.svc.Apply(context.Background(), frame)
	if !errors.Is(err, errs.ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

// -- assignment --

func TestAssign_MovesToInProgress(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)
	tech := uuid.New()

	got, err := f.svc.Assign(context.Background(), lr.ID, tech, "tester", false)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusInProgress {
		t.Fatalf("status = %s, want in_progress", got.Status)
	}
	if got.TechnicianID == nil || *got.TechnicianID != tech {
		t.Fatal("technician not set")
	}
	if types := f.events.types(lr.ID); types[len(types)-1] != EventAssigned {
		t.Fatalf("events = %v, want assigned last", types)
	}
	if f.notifier.updated != 1 {
		t.Fatalf("update notifications = %d, want 1", f.notifier.updated)
	}
}

func TestAssign_SameTechnicianIsIdempotent(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)
	tech := uuid.New()

	if _, err := f.svc.Assign(context.Background(), lr.ID, tech, "tester", false); err != nil {
		t.Fatal(err)
	}
	before := len(f.events.types(lr.ID))
	if _, err := f.svc.Assign(context.Background(), lr.ID, tech, "tester", false); err != nil {
		t.Fatal(err)
	}
	if after := len(f.events.types(lr.ID)); after != before {
		t.Fatalf("re-assign appended events: %d -> %d", before, after)
	}
}

func TestAssign_DifferentTechnicianConflictsWithoutOverride(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)

	if _, err := f.svc.Assign(context.Background(), lr.ID, uuid.New(), "tester", false); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.Assign(context.Background(), lr.ID, uuid.New(), "tester", false)
	if !errs.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAssign_OverrideRecordsPreviousTechnician(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)
	first := uuid.New()

	if _, err := f.svc.Assign(context.Background(), lr.ID, first, "tester", false); err != nil {
		t.Fatal(err)
	}
	got, err := f.svc.Assign(context.Background(), lr.ID, uuid.New(), "tester", true)
	if err != nil {
		t.Fatal(err)
	}
	if got.TechnicianID == nil || *got.TechnicianID == first {
		t.Fatal("override did not replace the technician")
	}

	events, _ := f.events.ListByRequest(context.Background(), lr.ID)
	last := events[len(events)-1]
	if last.EventType != EventAssigned || last.Detail == nil {
		t.Fatalf("override event = %+v, want assigned with detail", last)
	}
}

// -- status machine --

func TestUpdateStatus_ForwardOnly(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)

	got, err := f.svc.UpdateStatus(context.Background(), lr.ID, StatusInProgress, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusInProgress {
		t.Fatalf("status = %s", got.Status)
	}

	_, err = f.svc.UpdateStatus(context.Background(), got.ID, StatusPending, "tester")
	if !errs.IsConflict(err) {
		t.Fatalf("expected conflict on backward move, got %v", err)
	}
}

func TestUpdateStatus_CompletionRequiresResult(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)
	if _, err := f.svc.UpdateStatus(context.Background(), lr.ID, StatusInProgress, "tester"); err != nil {
		t.Fatal(err)
	}

	// A bare status change never completes a request; only a submitted
	// result does.
	_, err := f.svc.UpdateStatus(context.Background(), lr.ID, StatusCompleted, "tester")
	if !errs.IsConflict(err) {
		t.Fatalf("expected conflict on resultless completion, got %v", err)
	}
	got, _ := f.svc.Get(context.Background(), lr.ID)
	if got.Status != StatusInProgress || got.CompletedAt != nil {
		t.Fatalf("request = %+v, want untouched in_progress", got)
	}
}

func TestUpdateStatus_SameStatusIsNoOp(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)
	before := len(f.events.types(lr.ID))

	if _, err := f.svc.UpdateStatus(context.Background(), lr.ID, StatusPending, "tester"); err != nil {
		t.Fatal(err)
	}
	if after := len(f.events.types(lr.ID)); after != before {
		t.Fatal("no-op status update appended an event")
	}
}

func TestCancel_RejectedFromCompleted(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)
	tech := uuid.New()
	if _, err := f.svc.SubmitResult(context.Background(), &LabResult{
		LabRequestID: lr.ID,
		TechnicianID: tech,
		Conclusion:   "normal",
	}, tech.String()); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Cancel(context.Background(), lr.ID, "tester")
	if !errs.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCancel_Idempotent(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)

	if _, err := f.svc.Cancel(context.Background(), lr.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	before := len(f.events.types(lr.ID))
	got, err := f.svc.Cancel(context.Background(), lr.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if after := len(f.events.types(lr.ID)); after != before {
		t.Fatal("repeated cancel appended an event")
	}
}

// -- results --

func TestSubmitResult_AutoAssignsUnassignedRequest(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)
	tech := uuid.New()
	eventsBefore := len(f.events.types(lr.ID))

	res, err := f.svc.SubmitResult(context.Background(), &LabResult{
		LabRequestID: lr.ID,
		TechnicianID: tech,
		Conclusion:   "within normal limits",
	}, tech.String())
	if err != nil {
		t.Fatal(err)
	}
	if res.TestType != lr.TestType {
		t.Fatalf("test type not inherited: %q", res.TestType)
	}

	// Submission on an unassigned request yields exactly two new events, in
	// order: the auto-assignment, then the result.
	types := f.events.types(lr.ID)[eventsBefore:]
	if len(types) != 2 || types[0] != EventAssigned || types[1] != EventResultCreated {
		t.Fatalf("events = %v, want [assigned result_created]", types)
	}

	got, err := f.svc.Get(context.Background(), lr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("request = %+v, want completed with completed_at", got)
	}
	if got.TechnicianID == nil || *got.TechnicianID != tech {
		t.Fatal("auto-assignment missing")
	}
	if f.notifier.results != 1 {
		t.Fatalf("result notifications = %d, want 1", f.notifier.results)
	}
}

func TestSubmitResult_AssignedRequestSkipsAssignmentEvent(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)
	tech := uuid.New()
	if _, err := f.svc.Assign(context.Background(), lr.ID, tech, "tester", false); err != nil {
		t.Fatal(err)
	}
	eventsBefore := len(f.events.types(lr.ID))

	if _, err := f.svc.SubmitResult(context.Background(), &LabResult{
		LabRequestID: lr.ID,
		TechnicianID: tech,
		Conclusion:   "elevated",
	}, tech.String()); err != nil {
		t.Fatal(err)
	}

	types := f.events.types(lr.ID)[eventsBefore:]
	if len(types) != 1 || types[0] != EventResultCreated {
		t.Fatalf("events = %v, want [result_created]", types)
	}
}

func TestSubmitResult_CancelledRequestConflicts(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)
	if _, err := f.svc.Cancel(context.Background(), lr.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.SubmitResult(context.Background(), &LabResult{
		LabRequestID: lr.ID,
		TechnicianID: uuid.New(),
		Conclusion:   "n/a",
	}, "tester")
	if !errs.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSubmitResult_ForeignTechnicianConflicts(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)
	if _, err := f.svc.Assign(context.Background(), lr.ID, uuid.New(), "tester", false); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.SubmitResult(context.Background(), &LabResult{
		LabRequestID: lr.ID,
		TechnicianID: uuid.New(),
		Conclusion:   "n/a",
	}, "tester")
	if !errs.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestDeleteResult_CompensatesToInProgress(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)
	tech := uuid.New()
	res, err := f.svc.SubmitResult(context.Background(), &LabResult{
		LabRequestID: lr.ID,
		TechnicianID: tech,
		Conclusion:   "needs re-run",
	}, tech.String())
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.DeleteResult(context.Background(), res.ID, tech.String()); err != nil {
		t.Fatal(err)
	}

	got, err := f.svc.Get(context.Background(), lr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusInProgress {
		t.Fatalf("status = %s, want in_progress after compensation", got.Status)
	}
	if got.CompletedAt != nil {
		t.Fatal("completed_at not cleared")
	}
	if types := f.events.types(lr.ID); types[len(types)-1] != EventResultDeleted {
		t.Fatalf("events = %v, want result_deleted last", types)
	}

	// A corrected result can now come in.
	if _, err := f.svc.SubmitResult(context.Background(), &LabResult{
		LabRequestID: lr.ID,
		TechnicianID: tech,
		Conclusion:   "corrected",
	}, tech.String()); err != nil {
		t.Fatal(err)
	}
}

// -- inbound updates and results --

func TestApplyUpdates_PartialFieldsOnly(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)
	notes := "fasting sample"

	got, err := f.svc.ApplyUpdates(context.Background(), lr.ID, wire.Updates{Notes: &notes})
	if err != nil {
		t.Fatal(err)
	}
	if got.Notes != notes {
		t.Fatalf("notes = %q", got.Notes)
	}
	if got.Status != StatusPending || got.Priority != lr.Priority {
		t.Fatal("absent fields were overwritten")
	}
}

func TestApplyUpdates_NoChangeAppendsNoEvent(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)
	before := len(f.events.types(lr.ID))

	status := string(StatusPending)
	if _, err := f.svc.ApplyUpdates(context.Background(), lr.ID, wire.Updates{Status: &status}); err != nil {
		t.Fatal(err)
	}
	if after := len(f.events.types(lr.ID)); after != before {
		t.Fatal("no-op update appended an event")
	}
}

func TestApplyUpdates_NeverMovesStatusBackwards(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)
	completed := string(StatusCompleted)
	if _, err := f.svc.ApplyUpdates(context.Background(), lr.ID, wire.Updates{Status: &completed}); err != nil {
		t.Fatal(err)
	}

	stale := string(StatusInProgress)
	got, err := f.svc.ApplyUpdates(context.Background(), lr.ID, wire.Updates{Status: &stale})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, replay downgraded the request", got.Status)
	}
}

func TestApplyUpdates_CompletedAtRequiresCompleted(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)
	ts := time.Now().UTC()

	// completed_at without a completing status never lands on the row.
	got, err := f.svc.ApplyUpdates(context.Background(), lr.ID, wire.Updates{CompletedAt: &ts})
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedAt != nil {
		t.Fatalf("completed_at = %v on a %s row", got.CompletedAt, got.Status)
	}

	// Carried alongside the completing status it is taken verbatim.
	completed := string(StatusCompleted)
	got, err = f.svc.ApplyUpdates(context.Background(), lr.ID, wire.Updates{Status: &completed, CompletedAt: &ts})
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(ts) {
		t.Fatalf("completed_at = %v, want %v", got.CompletedAt, ts)
	}
}

func TestApplyResult_Idempotent(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)
	frame := wire.ResultReady{
		LabRequestID: lr.ID,
		LabResultID:  uuid.New(),
		TestType:     lr.TestType,
		Conclusion:   "negative",
		CreatedAt:    time.Now().UTC(),
	}

	if _, err := f.svc.ApplyResult(context.Background(), frame); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.ApplyResult(context.Background(), frame)
	if !errs.IsConflict(err) {
		t.Fatalf("expected conflict on replay, got %v", err)
	}

	// No fulfiller is known yet, so the row advances without completing.
	got, _ := f.svc.Get(context.Background(), lr.ID)
	if got.Status != StatusInProgress || got.CompletedAt != nil {
		t.Fatalf("request = %+v, want in_progress without completed_at", got)
	}
	results, _ := f.svc.Results(context.Background(), lr.ID)
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
}

func TestApplyResult_CompletesOnlyWithFulfiller(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)
	tech := uuid.New()
	if _, err := f.svc.ApplyUpdates(context.Background(), lr.ID, wire.Updates{TechnicianID: &tech}); err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.ApplyResult(context.Background(), wire.ResultReady{
		LabRequestID: lr.ID,
		LabResultID:  uuid.New(),
		TestType:     lr.TestType,
		Conclusion:   "negative",
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.TechnicianID != tech {
		t.Fatalf("result technician = %s, want %s", res.TechnicianID, tech)
	}
	got, _ := f.svc.Get(context.Background(), lr.ID)
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("request = %+v, want completed with completed_at", got)
	}
}

// -- misc --

func TestMarkRead_Idempotent(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)

	got, err := f.svc.MarkRead(context.Background(), lr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Read {
		t.Fatal("not marked read")
	}
	if _, err := f.svc.MarkRead(context.Background(), lr.ID); err != nil {
		t.Fatal(err)
	}
}

func TestDelete_HidesRequest(t *testing.T) {
	f := newFixture()
	lr := f.applied(t)

	if err := f.svc.Delete(context.Background(), lr.ID); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.Get(context.Background(), lr.ID)
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreate_ValidatesAndNotifies(t *testing.T) {
	f := newFixture()
	lr := &LabRequest{
		PatientID: uuid.New(),
		DoctorID:  uuid.New(),
		TestType:  "lipid_panel",
	}
	if err := f.svc.Create(context.Background(), lr, "doctor"); err != nil {
		t.Fatal(err)
	}
	if lr.Priority != "normal" || lr.Status != StatusPending {
		t.Fatalf("defaults not applied: %+v", lr)
	}
	if f.notifier.created != 1 {
		t.Fatalf("create notifications = %d, want 1", f.notifier.created)
	}

	bad := &LabRequest{DoctorID: uuid.New(), TestType: "cbc"}
	if err := f.svc.Create(context.Background(), bad, "doctor"); err == nil {
		t.Fatal("expected validation error for missing patient")
	}
}

func TestTxRunner_BracketsMultiWriteOperations(t *testing.T) {
	f := newFixture()
	var calls int
	f.svc.SetTxRunner(func(ctx context.Context, fn func(context.Context) error) error {
		calls++
		return fn(ctx)
	})

	lr := f.applied(t)
	if _, err := f.svc.Assign(context.Background(), lr.ID, uuid.New(), "tech", false); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("tx runner calls = %d, want 2", calls)
	}
}

func TestTxRunner_ErrorAbortsOperation(t *testing.T) {
	f := newFixture()
	boom := errors.New("tx failed")
	f.svc.SetTxRunner(func(ctx context.Context, fn func(context.Context) error) error {
		return boom
	})

	lr := &LabRequest{
		PatientID: uuid.New(),
		DoctorID:  uuid.New(),
		TestType:  "cbc",
	}
	if err := f.svc.Create(context.Background(), lr, "doctor"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want tx failure", err)
	}
	if f.notifier.created != 0 {
		t.Fatal("notifier fired despite aborted transaction")
	}
}
