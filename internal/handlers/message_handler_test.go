package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/relaymesh/delivery-engine/internal/ingress"
	"github.com/relaymesh/delivery-engine/internal/model"
	xhttp "github.com/relaymesh/delivery-engine/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

type MockIngressService struct {
	mock.Mock
}

func (m *MockIngressService) Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.EnqueueResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.EnqueueResult), args.Error(1)
}

func (m *MockIngressService) Cancel(ctx context.Context, messageID int64, senderID string) (int64, error) {
	args := m.Called(ctx, messageID, senderID)
	return args.Get(0).(int64), args.Error(1)
}

type MockMessageLister struct {
	mock.Mock
}

func (m *MockMessageLister) List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*model.Message), args.Get(1).(int64), args.Error(2)
}

func setupTestContext(method, path string, body []byte) *xhttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	return ctx
}

func enqueueBody() []byte {
	b, _ := json.Marshal(enqueueMessageRequest{
		ClientMessageID: "cmid-1",
		ConversationID:  "conv-1",
		SenderID:        "alice",
		RecipientIDs:    []string{"bob"},
		PayloadRef:      "blob://abc",
		Kind:            "HUMAN",
		Priority:        "NORMAL",
	})
	return b
}

func TestMessageHandler_EnqueueMessage(t *testing.T) {
	t.Run("successful enqueue", func(t *testing.T) {
		svc := new(MockIngressService)
		handler := NewMessageHandler(svc, nil)

		svc.On("Enqueue", mock.Anything, mock.MatchedBy(func(req model.EnqueueRequest) bool {
			return req.ClientMessageID == "cmid-1" && req.Kind == model.KindHuman && req.Priority == model.PriorityNormal
		})).Return(&model.EnqueueResult{MessageID: 123, Status: model.EnqueueStatusQueued}, nil)

		ctx := setupTestContext("POST", "/messages", enqueueBody())
		handler.EnqueueMessage(ctx)

		assert.Equal(t, 201, ctx.Response.StatusCode())

		var result model.EnqueueResult
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &result))
		assert.Equal(t, int64(123), result.MessageID)
		assert.Equal(t, model.EnqueueStatusQueued, result.Status)

		svc.AssertExpectations(t)
	})

	t.Run("duplicate returns 200 with original id", func(t *testing.T) {
		svc := new(MockIngressService)
		handler := NewMessageHandler(svc, nil)

		svc.On("Enqueue", mock.Anything, mock.Anything).
			Return(&model.EnqueueResult{MessageID: 123, Status: model.EnqueueStatusDuplicate}, nil)

		ctx := setupTestContext("POST", "/messages", enqueueBody())
		handler.EnqueueMessage(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())

		var result model.EnqueueResult
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &result))
		assert.Equal(t, int64(123), result.MessageID)
	})

	t.Run("rate limited sets Retry-After", func(t *testing.T) {
		svc := new(MockIngressService)
		handler := NewMessageHandler(svc, nil)

		svc.On("Enqueue", mock.Anything, mock.Anything).
			Return(nil, &ingress.RateLimitedError{RetryAfter: 30 * time.Second})

		ctx := setupTestContext("POST", "/messages", enqueueBody())
		handler.EnqueueMessage(ctx)

		assert.Equal(t, 429, ctx.Response.StatusCode())
		assert.Equal(t, "30", string(ctx.Response.Header.Peek("Retry-After")))
	})

	t.Run("admission rejections map to 403", func(t *testing.T) {
		for _, rejection := range []error{ingress.ErrBlocked, ingress.ErrUnderage, ingress.ErrConversationFrozen} {
			svc := new(MockIngressService)
			handler := NewMessageHandler(svc, nil)

			svc.On("Enqueue", mock.Anything, mock.Anything).Return(nil, rejection)

			ctx := setupTestContext("POST", "/messages", enqueueBody())
			handler.EnqueueMessage(ctx)

			assert.Equal(t, 403, ctx.Response.StatusCode(), rejection.Error())
		}
	})

	t.Run("validation error maps to 400", func(t *testing.T) {
		svc := new(MockIngressService)
		handler := NewMessageHandler(svc, nil)

		svc.On("Enqueue", mock.Anything, mock.Anything).Return(nil, errors.New("client_message_id is required"))

		ctx := setupTestContext("POST", "/messages", enqueueBody())
		handler.EnqueueMessage(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
	})

	t.Run("invalid JSON", func(t *testing.T) {
		svc := new(MockIngressService)
		handler := NewMessageHandler(svc, nil)

		ctx := setupTestContext("POST", "/messages", []byte("invalid json"))
		handler.EnqueueMessage(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())

		var response map[string]string
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &response))
		assert.Contains(t, response["error"], "invalid JSON")
	})
}

func TestMessageHandler_ListMessages(t *testing.T) {
	t.Run("filters by conversation", func(t *testing.T) {
		lister := new(MockMessageLister)
		handler := NewMessageHandler(new(MockIngressService), lister)

		lister.On("List", mock.Anything, mock.MatchedBy(func(f model.MessageFilter) bool {
			return f.ConversationID != nil && *f.ConversationID == "conv-1" &&
				f.SenderID == nil && f.Limit == 25 && f.Desc
		})).Return([]*model.Message{
			{ID: 2, ConversationID: "conv-1"},
			{ID: 1, ConversationID: "conv-1"},
		}, int64(2), nil)

		ctx := setupTestContext("GET", "/messages?conversation_id=conv-1&limit=25", nil)
		handler.ListMessages(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())

		var response listMessagesResponse
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &response))
		require.Len(t, response.Messages, 2)
		assert.Equal(t, int64(2), response.Total)

		lister.AssertExpectations(t)
	})

	t.Run("ascending order on request", func(t *testing.T) {
		lister := new(MockMessageLister)
		handler := NewMessageHandler(new(MockIngressService), lister)

		lister.On("List", mock.Anything, mock.MatchedBy(func(f model.MessageFilter) bool {
			return !f.Desc
		})).Return([]*model.Message{}, int64(0), nil)

		ctx := setupTestContext("GET", "/messages?order=asc", nil)
		handler.ListMessages(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())
		lister.AssertExpectations(t)
	})

	t.Run("invalid limit", func(t *testing.T) {
		handler := NewMessageHandler(new(MockIngressService), new(MockMessageLister))

		ctx := setupTestContext("GET", "/messages?limit=nope", nil)
		handler.ListMessages(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
	})

	t.Run("empty result is an empty array", func(t *testing.T) {
		lister := new(MockMessageLister)
		handler := NewMessageHandler(new(MockIngressService), lister)

		lister.On("List", mock.Anything, mock.Anything).Return(nil, int64(0), nil)

		ctx := setupTestContext("GET", "/messages", nil)
		handler.ListMessages(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())
		assert.Contains(t, string(ctx.Response.Body()), `"messages":[]`)
	})
}

func TestMessageHandler_CancelMessage(t *testing.T) {
	cancelBody, _ := json.Marshal(cancelMessageRequest{SenderID: "alice"})

	t.Run("successful cancel", func(t *testing.T) {
		svc := new(MockIngressService)
		handler := NewMessageHandler(svc, nil)

		svc.On("Cancel", mock.Anything, int64(42), "alice").Return(int64(2), nil)

		ctx := setupTestContext("POST", "/messages/42/cancel", cancelBody)
		ctx.SetUserValue("id", "42")
		handler.CancelMessage(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())

		var response cancelMessageResponse
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &response))
		assert.Equal(t, int64(42), response.MessageID)
		assert.Equal(t, int64(2), response.Cancelled)

		svc.AssertExpectations(t)
	})

	t.Run("unknown message", func(t *testing.T) {
		svc := new(MockIngressService)
		handler := NewMessageHandler(svc, nil)

		svc.On("Cancel", mock.Anything, int64(42), "alice").Return(int64(0), ingress.ErrNotFound)

		ctx := setupTestContext("POST", "/messages/42/cancel", cancelBody)
		ctx.SetUserValue("id", "42")
		handler.CancelMessage(ctx)

		assert.Equal(t, 404, ctx.Response.StatusCode())
	})

	t.Run("non-sender is forbidden", func(t *testing.T) {
		svc := new(MockIngressService)
		handler := NewMessageHandler(svc, nil)

		svc.On("Cancel", mock.Anything, int64(42), "alice").Return(int64(0), ingress.ErrNotSender)

		ctx := setupTestContext("POST", "/messages/42/cancel", cancelBody)
		ctx.SetUserValue("id", "42")
		handler.CancelMessage(ctx)

		assert.Equal(t, 403, ctx.Response.StatusCode())
	})

	t.Run("grace window passed", func(t *testing.T) {
		svc := new(MockIngressService)
		handler := NewMessageHandler(svc, nil)

		svc.On("Cancel", mock.Anything, int64(42), "alice").Return(int64(0), ingress.ErrCancelWindowPassed)

		ctx := setupTestContext("POST", "/messages/42/cancel", cancelBody)
		ctx.SetUserValue("id", "42")
		handler.CancelMessage(ctx)

		assert.Equal(t, 409, ctx.Response.StatusCode())
	})

	t.Run("invalid id", func(t *testing.T) {
		svc := new(MockIngressService)
		handler := NewMessageHandler(svc, nil)

		ctx := setupTestContext("POST", "/messages/nope/cancel", cancelBody)
		ctx.SetUserValue("id", "nope")
		handler.CancelMessage(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
	})

	t.Run("missing sender", func(t *testing.T) {
		svc := new(MockIngressService)
		handler := NewMessageHandler(svc, nil)

		ctx := setupTestContext("POST", "/messages/42/cancel", []byte(`{}`))
		ctx.SetUserValue("id", "42")
		handler.CancelMessage(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
	})
}
