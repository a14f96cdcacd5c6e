package handlers

import (
	"github.com/fasthttp/router"
	xhttp "github.com/relaymesh/delivery-engine/pkg/http"
)

type PresenceRegistry interface {
	MarkOnline(userID, deviceID string) error
	MarkOffline(userID, deviceID string) error
}

type PresenceHandler struct {
	registry PresenceRegistry
}

func RegisterPresenceRoutes(e *router.Group, h *PresenceHandler) {
	e.POST("/presence/heartbeat", h.Heartbeat)
	e.POST("/presence/disconnect", h.Disconnect)
}

func NewPresenceHandler(registry PresenceRegistry) *PresenceHandler {
	return &PresenceHandler{
		registry: registry,
	}
}

type presenceRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// Heartbeat is called by the realtime gateway while a device connection is
// live. Missing a few heartbeats just lets the registry entry expire.
func (h *PresenceHandler) Heartbeat(ctx *xhttp.RequestCtx) {
	var req presenceRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.UserID == "" || req.DeviceID == "" {
		writeError(ctx, 400, "user_id and device_id are required")
		return
	}

	if err := h.registry.MarkOnline(req.UserID, req.DeviceID); err != nil {
		writeError(ctx, 500, err.Error())
		return
	}
	writeJSON(ctx, 200, map[string]string{"status": "online"})
}

func (h *PresenceHandler) Disconnect(ctx *xhttp.RequestCtx) {
	var req presenceRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.UserID == "" || req.DeviceID == "" {
		writeError(ctx, 400, "user_id and device_id are required")
		return
	}

	if err := h.registry.MarkOffline(req.UserID, req.DeviceID); err != nil {
		writeError(ctx, 500, err.Error())
		return
	}
	writeJSON(ctx, 200, map[string]string{"status": "offline"})
}
