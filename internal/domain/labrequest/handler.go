package labrequest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labsync/labsync/internal/platform/auth"
	"github.com/labsync/labsync/internal/platform/channel"
	"github.com/labsync/labsync/internal/platform/errs"
	"github.com/labsync/labsync/internal/platform/registry"
	"github.com/labsync/labsync/internal/platform/wire"
)

const maxInboundBody = 1 << 20

type Handler struct {
	svc        *Service
	reg        *registry.Registry
	roles      *registry.RoleTable
	channelCfg channel.Config
	upgrader   websocket.Upgrader
	log        zerolog.Logger
}

func NewHandler(svc *Service, reg *registry.Registry, roles *registry.RoleTable, channelCfg channel.Config, log zerolog.Logger) *Handler {
	return &Handler{
		svc:        svc,
		reg:        reg,
		roles:      roles,
		channelCfg: channelCfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log: log.With().Str("component", "labrequest_handler").Logger(),
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleTechnician))
	read.GET("/lab-requests", h.List)
	read.GET("/lab-requests/:id", h.Get)
	read.GET("/lab-requests/:id/events", h.ListEvents)
	read.GET("/lab-requests/:id/results", h.ListResults)
	read.POST("/lab-requests/:id/read", h.MarkRead)

	doctor := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctor.POST("/lab-requests", h.Create)
	doctor.POST("/lab-requests/:id/cancel", h.Cancel)
	doctor.DELETE("/lab-requests/:id", h.Delete)

	tech := api.Group("", auth.RequireRole(auth.RoleTechnician))
	tech.POST("/lab-requests/:id/assign", h.Assign)
	tech.PATCH("/lab-requests/:id/status", h.UpdateStatus)
	tech.POST("/lab-requests/:id/results", h.SubmitResult)
	tech.PUT("/results/:id", h.UpdateResult)
	tech.DELETE("/results/:id", h.DeleteResult)

	// The stateless fallback channel and the persistent channel share the
	// same dispatch; both are peer-service only.
	svc := api.Group("", auth.RequireRole(auth.RoleService))
	svc.POST("/internal/messages", h.InboundMessage)

	api.GET("/ws", h.Connect, auth.RequireRole(auth.RoleDoctor, auth.RoleTechnician, auth.RoleService))
}

// domainError maps service errors onto HTTP status codes.
func domainError(err error) error {
	switch {
	case errs.IsConflict(err):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- REST handlers --

func (h *Handler) Create(c echo.Context) error {
	var lr LabRequest
	if err := c.Bind(&lr); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	lr.DoctorID = auth.ActorIDFromContext(ctx)
	if err := h.svc.Create(ctx, &lr, lr.DoctorID.String()); err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusCreated, lr)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	lr, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, lr)
}

func (h *Handler) List(c echo.Context) error {
	var f ListFilter
	if p := c.QueryParam("patient_id"); p != "" {
		f.PatientID, _ = uuid.Parse(p)
	}
	if p := c.QueryParam("doctor_id"); p != "" {
		f.DoctorID, _ = uuid.Parse(p)
	}
	if p := c.QueryParam("technician_id"); p != "" {
		f.TechnicianID, _ = uuid.Parse(p)
	}
	f.Status = Status(c.QueryParam("status"))
	f.UnreadOnly = c.QueryParam("unread") == "true"
	f.Limit, _ = strconv.Atoi(c.QueryParam("limit"))
	f.Offset, _ = strconv.Atoi(c.QueryParam("offset"))

	items, total, err := h.svc.List(c.Request().Context(), f)
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": items, "total": total})
}

func (h *Handler) ListEvents(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	events, err := h.svc.Events(c.Request().Context(), id)
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, events)
}

func (h *Handler) ListResults(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	results, err := h.svc.Results(c.Request().Context(), id)
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, results)
}

func (h *Handler) Assign(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req struct {
		TechnicianID uuid.UUID `json:"technician_id"`
		Override     bool      `json:"override"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if req.TechnicianID == uuid.Nil {
		req.TechnicianID = auth.ActorIDFromContext(ctx)
	}
	lr, err := h.svc.Assign(ctx, id, req.TechnicianID, auth.ActorIDFromContext(ctx).String(), req.Override)
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, lr)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req struct {
		Status Status `json:"status"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	lr, err := h.svc.UpdateStatus(ctx, id, req.Status, auth.ActorIDFromContext(ctx).String())
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, lr)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	lr, err := h.svc.Cancel(ctx, id, auth.ActorIDFromContext(ctx).String())
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, lr)
}

func (h *Handler) SubmitResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var res LabResult
	if err := c.Bind(&res); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	res.LabRequestID = id
	if res.TechnicianID == uuid.Nil {
		res.TechnicianID = auth.ActorIDFromContext(ctx)
	}
	out, err := h.svc.SubmitResult(ctx, &res, auth.ActorIDFromContext(ctx).String())
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) UpdateResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req struct {
		Conclusion string `json:"conclusion"`
		ResultData []byte `json:"result_data"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	res, err := h.svc.UpdateResult(ctx, id, req.Conclusion, req.ResultData, auth.ActorIDFromContext(ctx).String())
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) DeleteResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.DeleteResult(ctx, id, auth.ActorIDFromContext(ctx).String()); err != nil {
		return domainError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) MarkRead(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	lr, err := h.svc.MarkRead(c.Request().Context(), id)
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, lr)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return domainError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Inbound peer messages --

type conflictResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

func conflictBody(msg string) conflictResponse {
	var body conflictResponse
	body.Error.Code = channel.ConflictCode
	body.Error.Message = msg
	return body
}

// InboundMessage is the fallback channel's receiving end: one frame per POST,
// dispatched exactly like a frame arriving on the persistent channel. A
// duplicate identity answers 409 with the structured conflict code so the
// sender can treat it as delivered.
func (h *Handler) InboundMessage(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxInboundBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	f, err := wire.Decode(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	switch v := f.(type) {
	case wire.NewLabRequest:
		lr, err := h.svc.Apply(ctx, v)
		if err != nil {
			if errs.IsConflict(err) {
				return c.JSON(http.StatusConflict, conflictBody(err.Error()))
			}
			return domainError(err)
		}
		return c.JSON(http.StatusCreated, lr)
	case wire.StatusUpdate:
		lr, err := h.svc.ApplyUpdates(ctx, v.LabRequestID, v.Updates)
		if err != nil {
			return domainError(err)
		}
		return c.JSON(http.StatusOK, lr)
	case wire.ResultReady:
		res, err := h.svc.ApplyResult(ctx, v)
		if err != nil {
			if errs.IsConflict(err) {
				return c.JSON(http.StatusConflict, conflictBody(err.Error()))
			}
			return domainError(err)
		}
		return c.JSON(http.StatusCreated, res)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported message type")
	}
}

// -- Persistent channel --

// Connect upgrades the request to a WebSocket, completes the handshake, and
// registers the connection for notification fan-out. Frames arriving on the
// channel go through the same dispatch as the fallback endpoint and are
// acknowledged per message.
func (h *Handler) Connect(c echo.Context) error {
	ctx := c.Request().Context()
	actorID := auth.ActorIDFromContext(ctx)
	role := auth.RoleFromContext(ctx)
	if actorID == uuid.Nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing actor identity")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	cfg := h.channelCfg
	cfg.ActorID = actorID
	cfg.Role = role
	cfg.Log = h.log
	cfg.OnFrame = h.onFrame
	cfg.OnClose = func(p *channel.Peer) {
		h.reg.Unregister(p)
		if h.reg.Count(actorID) == 0 {
			h.roles.Delete(actorID)
		}
	}

	peer, err := channel.Accept(conn, cfg)
	if err != nil {
		h.log.Warn().Err(err).Stringer("actor", actorID).Msg("handshake failed")
		conn.Close()
		return nil
	}
	h.roles.Set(actorID, role)
	h.reg.Register(peer)
	h.log.Info().Stringer("actor", actorID).Str("role", role).Msg("persistent channel registered")
	return nil
}

// DialConfig returns the channel configuration for outbound connections to
// the peer service. Frames arriving on a dialed channel go through the same
// dispatch as inbound connections.
func (h *Handler) DialConfig(peerActor uuid.UUID) channel.Config {
	cfg := h.channelCfg
	cfg.ActorID = peerActor
	cfg.Role = auth.RoleService
	cfg.Log = h.log
	cfg.OnFrame = h.onFrame
	cfg.OnClose = func(p *channel.Peer) { h.reg.Unregister(p) }
	return cfg
}

func (h *Handler) onFrame(ctx context.Context, p *channel.Peer, f wire.Frame) {
	id, hasID := wire.CorrelationID(f)

	err := h.dispatch(ctx, f)
	if err != nil && !errs.IsConflict(err) {
		h.log.Warn().Err(err).Str("frame", string(f.Kind())).Msg("inbound frame rejected")
	}
	if hasID {
		// Duplicates ack as success: the message is applied either way.
		_ = p.Send(wire.Ack{RequestID: id, Success: err == nil || errs.IsConflict(err)})
	}
}

func (h *Handler) dispatch(ctx context.Context, f wire.Frame) error {
	switch v := f.(type) {
	case wire.NewLabRequest:
		_, err := h.svc.Apply(ctx, v)
		return err
	case wire.StatusUpdate:
		_, err := h.svc.ApplyUpdates(ctx, v.LabRequestID, v.Updates)
		return err
	case wire.ResultReady:
		_, err := h.svc.ApplyResult(ctx, v)
		return err
	default:
		return errs.Protocol("unsupported frame %q", f.Kind())
	}
}
