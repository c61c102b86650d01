// Package labrequest implements the lab-request lifecycle: creation,
// idempotent reconciliation of inbound deliveries, assignment, result
// submission with compensating deletes, and the append-only event trail.
package labrequest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lab-request lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var validStatuses = map[Status]bool{
	StatusPending: true, StatusInProgress: true,
	StatusCompleted: true, StatusCancelled: true,
}

// statusRank orders statuses so that replayed or out-of-order deliveries can
// never move a request backwards. Completed and cancelled are both terminal.
var statusRank = map[Status]int{
	StatusPending:    1,
	StatusInProgress: 2,
	StatusCompleted:  3,
	StatusCancelled:  3,
}

// ValidStatus reports whether s is a known lifecycle state.
func ValidStatus(s Status) bool { return validStatuses[s] }

// Rank returns the ordering weight of s; unknown statuses rank lowest.
func Rank(s Status) int { return statusRank[s] }

// transitions defines the forward state machine. Completion requires a
// result, so in_progress -> completed happens only through result submission;
// the compensating completed -> in_progress move happens only through result
// deletion. Both are deliberately absent here.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

// ValidateTransition checks whether a request may move from one status to
// another.
func ValidateTransition(from, to Status) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}

var validPriorities = map[string]bool{
	"low": true, "normal": true, "high": true, "urgent": true,
}

// LabRequest is one test order. TechnicianID is nil until the request is
// assigned; CompletedAt is set exactly when status becomes completed.
type LabRequest struct {
	ID           uuid.UUID  `json:"id"`
	PatientID    uuid.UUID  `json:"patient_id"`
	DoctorID     uuid.UUID  `json:"doctor_id"`
	TechnicianID *uuid.UUID `json:"technician_id,omitempty"`
	TestType     string     `json:"test_type"`
	Priority     string     `json:"priority"`
	Status       Status     `json:"status"`
	Notes        string     `json:"notes,omitempty"`
	Read         bool       `json:"read"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Deleted      bool       `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Event types recorded in the audit trail.
const (
	EventCreated       = "created"
	EventUpdated       = "updated"
	EventAssigned      = "assigned"
	EventStatusChanged = "status_changed"
	EventCancelled     = "cancelled"
	EventResultCreated = "result_created"
	EventResultUpdated = "result_updated"
	EventResultDeleted = "result_deleted"
)

// LabRequestEvent is one append-only audit record. Detail is a small JSON
// object whose shape depends on the event type.
type LabRequestEvent struct {
	ID           uuid.UUID       `json:"id"`
	LabRequestID uuid.UUID       `json:"lab_request_id"`
	EventType    string          `json:"event_type"`
	Actor        string          `json:"actor,omitempty"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func newEvent(requestID uuid.UUID, eventType, actor string, detail map[string]interface{}) *LabRequestEvent {
	e := &LabRequestEvent{
		ID:           uuid.New(),
		LabRequestID: requestID,
		EventType:    eventType,
		Actor:        actor,
		CreatedAt:    time.Now().UTC(),
	}
	if len(detail) > 0 {
		e.Detail, _ = json.Marshal(detail)
	}
	return e
}

// LabResult is one submitted result for a request.
type LabResult struct {
	ID           uuid.UUID       `json:"id"`
	LabRequestID uuid.UUID       `json:"lab_request_id"`
	TechnicianID uuid.UUID       `json:"technician_id"`
	TestType     string          `json:"test_type"`
	Conclusion   string          `json:"conclusion"`
	ResultData   json.RawMessage `json:"result_data,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
