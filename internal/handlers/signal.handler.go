package handlers

import (
	"context"

	"github.com/fasthttp/router"
	"github.com/relaymesh/delivery-engine/internal/model"
	xhttp "github.com/relaymesh/delivery-engine/pkg/http"
)

type SignalBus interface {
	PublishTyping(ctx context.Context, conversationID, userID string)
	Typing(ctx context.Context, conversationID string) []string
	PublishRead(ctx context.Context, conversationID, userID string, upToMessageID int64)
	ReadReceipt(ctx context.Context, conversationID, userID string) *model.EphemeralSignal
}

type SignalHandler struct {
	bus SignalBus
}

func RegisterSignalRoutes(e *router.Group, h *SignalHandler) {
	e.POST("/conversations/{id}/typing", h.PublishTyping)
	e.GET("/conversations/{id}/typing", h.ListTyping)
	e.POST("/conversations/{id}/read", h.PublishRead)
	e.GET("/conversations/{id}/read", h.GetReadReceipt)
}

func NewSignalHandler(bus SignalBus) *SignalHandler {
	return &SignalHandler{
		bus: bus,
	}
}

type typingRequest struct {
	UserID string `json:"user_id"`
}

type readRequest struct {
	UserID        string `json:"user_id"`
	UpToMessageID int64  `json:"up_to_message_id"`
}

type typingResponse struct {
	ConversationID string   `json:"conversation_id"`
	Users          []string `json:"users"`
}

func (h *SignalHandler) PublishTyping(ctx *xhttp.RequestCtx) {
	convID, _ := ctx.UserValue("id").(string)

	var req typingRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	if convID == "" || req.UserID == "" {
		writeError(ctx, 400, "conversation id and user_id are required")
		return
	}

	// Signals are lossy. Publish never reports Redis trouble to the caller.
	h.bus.PublishTyping(ctx, convID, req.UserID)
	writeJSON(ctx, 202, map[string]string{"status": "accepted"})
}

func (h *SignalHandler) ListTyping(ctx *xhttp.RequestCtx) {
	convID, _ := ctx.UserValue("id").(string)
	if convID == "" {
		writeError(ctx, 400, "conversation id is required")
		return
	}

	users := h.bus.Typing(ctx, convID)
	if users == nil {
		users = []string{}
	}
	writeJSON(ctx, 200, typingResponse{ConversationID: convID, Users: users})
}

func (h *SignalHandler) PublishRead(ctx *xhttp.RequestCtx) {
	convID, _ := ctx.UserValue("id").(string)

	var req readRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	if convID == "" || req.UserID == "" {
		writeError(ctx, 400, "conversation id and user_id are required")
		return
	}

	h.bus.PublishRead(ctx, convID, req.UserID, req.UpToMessageID)
	writeJSON(ctx, 202, map[string]string{"status": "accepted"})
}

func (h *SignalHandler) GetReadReceipt(ctx *xhttp.RequestCtx) {
	convID, _ := ctx.UserValue("id").(string)
	userID := query(ctx, "user_id")
	if convID == "" || userID == "" {
		writeError(ctx, 400, "conversation id and user_id are required")
		return
	}

	signal := h.bus.ReadReceipt(ctx, convID, userID)
	if signal == nil {
		writeError(ctx, 404, "no read receipt")
		return
	}
	writeJSON(ctx, 200, signal)
}
