// Package wire defines the channel-agnostic message frames exchanged between
// the clinician-facing and lab-facing services. Frames are a tagged variant
// dispatched on the "type" field; Decode matches the tag exhaustively and
// rejects anything else as a protocol error.
package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/labsync/labsync/internal/platform/errs"
)

// Kind is the frame discriminator carried in the "type" field.
type Kind string

const (
	KindNewLabRequest    Kind = "new_lab_request"
	KindAck              Kind = "lab_request_received"
	KindPing             Kind = "ping"
	KindPong             Kind = "pong"
	KindStatusUpdate     Kind = "lab_request_updated"
	KindResultReady      Kind = "lab_result_ready"
	KindConnEstablished  Kind = "connection_established"
	KindConnAck          Kind = "connection_ack"
)

// Frame is one decoded wire message.
type Frame interface {
	Kind() Kind
}

// NewLabRequest announces a freshly created lab request to the fulfilling
// service.
type NewLabRequest struct {
	ID        uuid.UUID  `json:"id"`
	PatientID uuid.UUID  `json:"patient_id"`
	DoctorID  uuid.UUID  `json:"doctor_id"`
	TestType  string     `json:"test_type"`
	Priority  string     `json:"priority"`
	Notes     string     `json:"notes,omitempty"`
	Status    string     `json:"status"`
	DueDate   *time.Time `json:"due_date,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (NewLabRequest) Kind() Kind { return KindNewLabRequest }

// Ack acknowledges receipt of a delivery, keyed by the lab request identity.
type Ack struct {
	RequestID uuid.UUID `json:"request_id"`
	Success   bool      `json:"success"`
}

func (Ack) Kind() Kind { return KindAck }

// Ping and Pong are keep-alive frames. Receivers awaiting an ack skip them.
type Ping struct{}

func (Ping) Kind() Kind { return KindPing }

type Pong struct{}

func (Pong) Kind() Kind { return KindPong }

// ConnEstablished is the synthetic frame the accepting side sends on connect.
type ConnEstablished struct{}

func (ConnEstablished) Kind() Kind { return KindConnEstablished }

// ConnAck is the caller's bounded-time reply to ConnEstablished.
type ConnAck struct{}

func (ConnAck) Kind() Kind { return KindConnAck }

// Updates carries the fields present in a lifecycle broadcast. Nil fields
// were absent from the message and must not overwrite stored values.
type Updates struct {
	Status       *string    `json:"status,omitempty"`
	TechnicianID *uuid.UUID `json:"technician_id,omitempty"`
	Priority     *string    `json:"priority,omitempty"`
	Notes        *string    `json:"notes,omitempty"`
	Read         *bool      `json:"read,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// StatusUpdate broadcasts a lifecycle change back to the requesting side.
type StatusUpdate struct {
	LabRequestID uuid.UUID `json:"lab_request_id"`
	Updates      Updates   `json:"updates"`
}

func (StatusUpdate) Kind() Kind { return KindStatusUpdate }

// ResultReady announces a submitted result for a lab request.
type ResultReady struct {
	LabRequestID uuid.UUID       `json:"lab_request_id"`
	LabResultID  uuid.UUID       `json:"lab_result_id"`
	TestType     string          `json:"test_type"`
	Conclusion   string          `json:"conclusion"`
	ResultData   json.RawMessage `json:"result_data,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (ResultReady) Kind() Kind { return KindResultReady }

// envelope is the common outer shape. Data-style frames nest their payload
// under "data"; the ack and status-update frames carry fields at top level.
type envelope struct {
	Type         Kind            `json:"type"`
	Data         json.RawMessage `json:"data,omitempty"`
	RequestID    *uuid.UUID      `json:"request_id,omitempty"`
	Success      *bool           `json:"success,omitempty"`
	LabRequestID *uuid.UUID      `json:"lab_request_id,omitempty"`
	Updates      *Updates        `json:"updates,omitempty"`
}

// Encode marshals a frame into its wire envelope.
func Encode(f Frame) ([]byte, error) {
	env := envelope{Type: f.Kind()}
	switch v := f.(type) {
	case NewLabRequest:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		env.Data = data
	case ResultReady:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		env.Data = data
	case Ack:
		id := v.RequestID
		ok := v.Success
		env.RequestID = &id
		env.Success = &ok
	case StatusUpdate:
		id := v.LabRequestID
		u := v.Updates
		env.LabRequestID = &id
		env.Updates = &u
	case Ping, Pong, ConnEstablished, ConnAck:
		// Type-only frames.
	default:
		return nil, errs.Protocol("unencodable frame kind %q", f.Kind())
	}
	return json.Marshal(env)
}

// Decode parses a raw wire message into its frame variant. Unknown types and
// malformed payloads yield a protocol error; the caller logs and drops the
// frame without killing the channel.
func Decode(raw []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.Protocol("malformed frame: %v", err)
	}
	switch env.Type {
	case KindNewLabRequest:
		var f NewLabRequest
		if err := json.Unmarshal(env.Data, &f); err != nil {
			return nil, errs.Protocol("malformed new_lab_request data: %v", err)
		}
		if f.ID == uuid.Nil {
			return nil, errs.Protocol("new_lab_request missing id")
		}
		return f, nil
	case KindResultReady:
		var f ResultReady
		if err := json.Unmarshal(env.Data, &f); err != nil {
			return nil, errs.Protocol("malformed lab_result_ready data: %v", err)
		}
		if f.LabRequestID == uuid.Nil {
			return nil, errs.Protocol("lab_result_ready missing lab_request_id")
		}
		return f, nil
	case KindAck:
		if env.RequestID == nil {
			return nil, errs.Protocol("lab_request_received missing request_id")
		}
		f := Ack{RequestID: *env.RequestID}
		if env.Success != nil {
			f.Success = *env.Success
		}
		return f, nil
	case KindStatusUpdate:
		if env.LabRequestID == nil {
			return nil, errs.Protocol("lab_request_updated missing lab_request_id")
		}
		f := StatusUpdate{LabRequestID: *env.LabRequestID}
		if env.Updates != nil {
			f.Updates = *env.Updates
		}
		return f, nil
	case KindPing:
		return Ping{}, nil
	case KindPong:
		return Pong{}, nil
	case KindConnEstablished:
		return ConnEstablished{}, nil
	case KindConnAck:
		return ConnAck{}, nil
	default:
		return nil, errs.Protocol("unknown frame type %q", env.Type)
	}
}

// CorrelationID returns the lab request identity a frame is about, used to
// route acks to waiters. Keep-alive and handshake frames have none.
func CorrelationID(f Frame) (uuid.UUID, bool) {
	switch v := f.(type) {
	case NewLabRequest:
		return v.ID, true
	case Ack:
		return v.RequestID, true
	case StatusUpdate:
		return v.LabRequestID, true
	case ResultReady:
		return v.LabRequestID, true
	default:
		return uuid.Nil, false
	}
}

// IsKeepAlive reports whether f is a ping or pong.
func IsKeepAlive(f Frame) bool {
	switch f.(type) {
	case Ping, Pong:
		return true
	}
	return false
}
