package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relaymesh/delivery-engine/pkg/logger"
	"github.com/relaymesh/delivery-engine/pkg/redis"
)

// Event types forwarded to the audit/observability collaborator.
const (
	EventDropped           = "delivery_dropped"
	EventRerouted          = "message_rerouted"
	EventReconciled        = "message_reconciled"
	EventRateLimitRejected = "rate_limit_rejected"
	EventAdmissionRejected = "admission_rejected"
	EventEscalated         = "delivery_escalated"
	EventCancelled         = "message_cancelled"
)

type Event struct {
	Type   string            `json:"type"`
	At     time.Time         `json:"at"`
	Fields map[string]string `json:"fields"`
}

// Emitter delivers events to the audit collaborator. Emission is
// best-effort and must never fail the operation being audited.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

const streamName = "audit:events"

// StreamEmitter appends audit events to a capped Redis stream the
// collaborator consumes, and mirrors them to the log.
type StreamEmitter struct {
	adapter redis.RedisAdapter
	maxLen  int64
}

func NewStreamEmitter(adapter redis.RedisAdapter, maxLen int64) *StreamEmitter {
	if maxLen <= 0 {
		maxLen = 100_000
	}
	return &StreamEmitter{adapter: adapter, maxLen: maxLen}
}

func (e *StreamEmitter) Emit(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	payload, err := json.Marshal(event.Fields)
	if err != nil {
		logger.Warn("audit event fields not serializable", "type", event.Type, "error", err)
		payload = []byte("{}")
	}

	_, err = e.adapter.XAdd(streamName, map[string]interface{}{
		"type":   event.Type,
		"at":     event.At.Unix(),
		"fields": string(payload),
	})
	if err != nil {
		logger.Warn("audit emit failed", "type", event.Type, "error", err)
		return
	}
	_ = e.adapter.XTrimApprox(streamName, e.maxLen)

	logger.Info("audit", "type", event.Type, "fields", event.Fields)
}

// NopEmitter discards events. Used in tests.
type NopEmitter struct{}

func (NopEmitter) Emit(ctx context.Context, event Event) {}
