package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/fasthttp/router"
	"github.com/relaymesh/delivery-engine/internal/model"
	"github.com/relaymesh/delivery-engine/internal/syncsvc"
	xhttp "github.com/relaymesh/delivery-engine/pkg/http"
)

type SyncService interface {
	Register(ctx context.Context, req model.RegisterDeviceRequest) (*model.DeviceSyncState, error)
	Sync(ctx context.Context, deviceID, cursor string, limit int) (*model.SyncPage, error)
	Ack(ctx context.Context, deviceID, cursor string) error
}

type SyncHandler struct {
	svc SyncService
}

func RegisterSyncRoutes(e *router.Group, h *SyncHandler) {
	e.POST("/devices", h.RegisterDevice)
	e.GET("/sync", h.Sync)
	e.POST("/sync/ack", h.Ack)
}

func NewSyncHandler(syncService SyncService) *SyncHandler {
	return &SyncHandler{
		svc: syncService,
	}
}

type ackRequest struct {
	DeviceID string `json:"device_id"`
	Cursor   string `json:"cursor"`
}

func (h *SyncHandler) RegisterDevice(ctx *xhttp.RequestCtx) {
	var req model.RegisterDeviceRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	device, err := h.svc.Register(ctx, req)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 201, device)
}

func (h *SyncHandler) Sync(ctx *xhttp.RequestCtx) {
	deviceID := query(ctx, "device_id")
	if deviceID == "" {
		writeError(ctx, 400, "device_id is required")
		return
	}

	limit := 0
	if v := query(ctx, "limit"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			limit = n
		}
	}

	page, err := h.svc.Sync(ctx, deviceID, query(ctx, "cursor"), limit)
	if err != nil {
		writeSyncError(ctx, err)
		return
	}
	writeJSON(ctx, 200, page)
}

func (h *SyncHandler) Ack(ctx *xhttp.RequestCtx) {
	var req ackRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.DeviceID == "" || req.Cursor == "" {
		writeError(ctx, 400, "device_id and cursor are required")
		return
	}

	if err := h.svc.Ack(ctx, req.DeviceID, req.Cursor); err != nil {
		writeSyncError(ctx, err)
		return
	}
	writeJSON(ctx, 200, map[string]string{"status": "ok"})
}

func writeSyncError(ctx *xhttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, syncsvc.ErrUnknownDevice):
		writeError(ctx, 404, err.Error())
	case errors.Is(err, syncsvc.ErrBadCursor):
		writeError(ctx, 400, err.Error())
	default:
		writeError(ctx, 500, err.Error())
	}
}
