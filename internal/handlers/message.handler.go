package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/fasthttp/router"
	"github.com/relaymesh/delivery-engine/internal/ingress"
	"github.com/relaymesh/delivery-engine/internal/model"
	xhttp "github.com/relaymesh/delivery-engine/pkg/http"
)

type IngressService interface {
	Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.EnqueueResult, error)
	Cancel(ctx context.Context, messageID int64, senderID string) (int64, error)
}

type MessageLister interface {
	List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error)
}

type MessageHandler struct {
	svc      IngressService
	messages MessageLister
}

func RegisterMessageRoutes(e *router.Group, h *MessageHandler) {
	e.POST("/messages", h.EnqueueMessage)
	e.GET("/messages", h.ListMessages)
	e.POST("/messages/{id}/cancel", h.CancelMessage)
}

func NewMessageHandler(ingressService IngressService, messages MessageLister) *MessageHandler {
	return &MessageHandler{
		svc:      ingressService,
		messages: messages,
	}
}

type enqueueMessageRequest struct {
	ClientMessageID string   `json:"client_message_id"`
	ConversationID  string   `json:"conversation_id"`
	SenderID        string   `json:"sender_id"`
	RecipientIDs    []string `json:"recipient_ids"`
	PayloadRef      string   `json:"payload_ref"`
	Kind            string   `json:"kind"`
	Priority        string   `json:"priority"`
}

type listMessagesResponse struct {
	Messages []*model.Message `json:"messages"`
	Total    int64            `json:"total"`
}

type cancelMessageRequest struct {
	SenderID string `json:"sender_id"`
}

type cancelMessageResponse struct {
	MessageID int64 `json:"message_id"`
	Cancelled int64 `json:"cancelled"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *MessageHandler) EnqueueMessage(ctx *xhttp.RequestCtx) {
	var req enqueueMessageRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	result, err := h.svc.Enqueue(ctx, model.EnqueueRequest{
		ClientMessageID: req.ClientMessageID,
		ConversationID:  req.ConversationID,
		SenderID:        req.SenderID,
		RecipientIDs:    req.RecipientIDs,
		PayloadRef:      req.PayloadRef,
		Kind:            model.MessageKind(req.Kind),
		Priority:        model.Priority(req.Priority),
	})
	if err != nil {
		writeEnqueueError(ctx, err)
		return
	}

	// A dedup hit returns the original id instead of creating anything.
	status := 201
	if result.Status == model.EnqueueStatusDuplicate {
		status = 200
	}
	writeJSON(ctx, status, result)
}

// ListMessages pages through accepted messages, newest first by default.
// Filters: conversation_id, sender_id, limit, offset, order=asc|desc.
func (h *MessageHandler) ListMessages(ctx *xhttp.RequestCtx) {
	var filter model.MessageFilter
	if v := query(ctx, "conversation_id"); v != "" {
		filter.ConversationID = &v
	}
	if v := query(ctx, "sender_id"); v != "" {
		filter.SenderID = &v
	}
	if v := query(ctx, "limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(ctx, 400, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := query(ctx, "offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(ctx, 400, "invalid offset")
			return
		}
		filter.Offset = n
	}
	filter.Desc = query(ctx, "order") != "asc"

	messages, total, err := h.messages.List(ctx, filter)
	if err != nil {
		writeError(ctx, 500, err.Error())
		return
	}
	if messages == nil {
		messages = []*model.Message{}
	}

	writeJSON(ctx, 200, listMessagesResponse{Messages: messages, Total: total})
}

func (h *MessageHandler) CancelMessage(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid message id")
		return
	}

	var req cancelMessageRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.SenderID == "" {
		writeError(ctx, 400, "sender_id is required")
		return
	}

	cancelled, err := h.svc.Cancel(ctx, id, req.SenderID)
	if err != nil {
		switch {
		case errors.Is(err, ingress.ErrNotFound):
			writeError(ctx, 404, err.Error())
		case errors.Is(err, ingress.ErrNotSender):
			writeError(ctx, 403, err.Error())
		case errors.Is(err, ingress.ErrCancelWindowPassed):
			writeError(ctx, 409, err.Error())
		default:
			writeError(ctx, 500, err.Error())
		}
		return
	}

	writeJSON(ctx, 200, cancelMessageResponse{MessageID: id, Cancelled: cancelled})
}

func writeEnqueueError(ctx *xhttp.RequestCtx, err error) {
	var limited *ingress.RateLimitedError
	if errors.As(err, &limited) {
		retryAfter := int64(limited.RetryAfter / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		ctx.Response.Header.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		writeError(ctx, 429, err.Error())
		return
	}

	switch {
	case errors.Is(err, ingress.ErrBlocked),
		errors.Is(err, ingress.ErrUnderage),
		errors.Is(err, ingress.ErrConversationFrozen):
		writeError(ctx, 403, err.Error())
	default:
		writeError(ctx, 400, err.Error())
	}
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

func pathInt64(ctx *xhttp.RequestCtx, name string) (int64, error) {
	v, _ := ctx.UserValue(name).(string)
	return strconv.ParseInt(v, 10, 64)
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}
