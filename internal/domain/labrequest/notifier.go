package labrequest

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labsync/labsync/internal/platform/auth"
	"github.com/labsync/labsync/internal/platform/delivery"
	"github.com/labsync/labsync/internal/platform/registry"
	"github.com/labsync/labsync/internal/platform/tasks"
	"github.com/labsync/labsync/internal/platform/wire"
)

// PeerNotifier pushes lifecycle changes to the peer service through the
// delivery coordinator and fans them out to locally connected actors. All
// sends run on the task supervisor so a slow or dead peer never blocks the
// state machine.
type PeerNotifier struct {
	coord     *delivery.Coordinator
	reg       *registry.Registry
	sup       *tasks.Supervisor
	peerActor uuid.UUID
	log       zerolog.Logger
}

func NewPeerNotifier(coord *delivery.Coordinator, reg *registry.Registry, sup *tasks.Supervisor, peerActor uuid.UUID, log zerolog.Logger) *PeerNotifier {
	return &PeerNotifier{
		coord:     coord,
		reg:       reg,
		sup:       sup,
		peerActor: peerActor,
		log:       log.With().Str("component", "notifier").Logger(),
	}
}

func (n *PeerNotifier) submit(name string, frame wire.Frame) {
	n.sup.Go(name, func(ctx context.Context) error {
		receipt, err := n.coord.Submit(ctx, n.peerActor, frame)
		if err != nil {
			// Parked by the coordinator; the resync loop owns it now.
			n.log.Warn().Err(err).Str("frame", string(frame.Kind())).Msg("peer delivery deferred")
			return nil
		}
		n.log.Debug().Str("via", string(receipt.DeliveredVia)).Str("frame", string(frame.Kind())).Msg("peer delivery done")
		return nil
	})
}

func (n *PeerNotifier) RequestCreated(ctx context.Context, lr *LabRequest) {
	frame := wire.NewLabRequest{
		ID:        lr.ID,
		PatientID: lr.PatientID,
		DoctorID:  lr.DoctorID,
		TestType:  lr.TestType,
		Priority:  lr.Priority,
		Notes:     lr.Notes,
		Status:    string(lr.Status),
		DueDate:   lr.DueDate,
		CreatedAt: lr.CreatedAt,
	}
	n.submit("notify_request_created", frame)
	n.reg.SendToRole(ctx, auth.RoleTechnician, frame)
}

func (n *PeerNotifier) RequestUpdated(ctx context.Context, lr *LabRequest, upd wire.Updates) {
	frame := wire.StatusUpdate{LabRequestID: lr.ID, Updates: upd}
	n.submit("notify_request_updated", frame)
	n.reg.SendTo(lr.DoctorID, frame)
	if lr.TechnicianID != nil {
		n.reg.SendTo(*lr.TechnicianID, frame)
	}
}

func (n *PeerNotifier) ResultReady(ctx context.Context, lr *LabRequest, res *LabResult) {
	frame := wire.ResultReady{
		LabRequestID: lr.ID,
		LabResultID:  res.ID,
		TestType:     res.TestType,
		Conclusion:   res.Conclusion,
		ResultData:   res.ResultData,
		CreatedAt:    res.CreatedAt,
	}
	n.submit("notify_result_ready", frame)
	n.reg.SendTo(lr.DoctorID, frame)
}
