package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/relaymesh/delivery-engine/internal/audit"
	"github.com/relaymesh/delivery-engine/internal/model"
	"github.com/relaymesh/delivery-engine/internal/push"
	"github.com/relaymesh/delivery-engine/internal/queue"
	"github.com/relaymesh/delivery-engine/internal/region"
	"github.com/relaymesh/delivery-engine/internal/repository"
	"github.com/relaymesh/delivery-engine/pkg/logger"
	"github.com/relaymesh/delivery-engine/pkg/prom"
)

type MessageStore interface {
	GetByID(ctx context.Context, id int64) (*model.Message, error)
}

type RecordStore interface {
	GetByID(ctx context.Context, id int64) (*model.DeliveryRecord, error)
	ListByMessage(ctx context.Context, messageID int64) ([]*model.DeliveryRecord, error)
	Requeue(ctx context.Context, id int64) error
	MarkDelivered(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, lastError string, nextRetryAt *time.Time) error
	MarkDropped(ctx context.Context, id int64, reason string) error
}

type Pusher interface {
	Send(ctx context.Context, regionCode string, req *push.Request) (*push.Response, error)
}

type PresenceChecker interface {
	IsOnline(userID, deviceID string) bool
}

type RegionRouter interface {
	Route(home string) (*region.Region, bool, error)
}

type Scheduler interface {
	Schedule(env queue.Envelope, at time.Time) error
}

// SenderNotifier tells a sender their message gave up delivery. Best effort,
// a notification failure never changes the record's terminal state.
type SenderNotifier interface {
	NotifyDropped(ctx context.Context, msg *model.Message, rec *model.DeliveryRecord, reason string)
}

// LogNotifier is the default notifier: the drop is already audited, so the
// sender-facing notice is just logged for the notification pipeline to pick
// up downstream.
type LogNotifier struct{}

func (LogNotifier) NotifyDropped(ctx context.Context, msg *model.Message, rec *model.DeliveryRecord, reason string) {
	logger.Info("sender drop notice",
		"sender_id", msg.SenderID,
		"message_id", msg.ID,
		"record_id", rec.ID,
		"reason", reason)
}

type ProcessorConfig struct {
	// MaxAttempts bounds retries for NORMAL and HIGH records.
	MaxAttempts int
	// MaxLaneAttempts bounds retries for MAX records. The MAX lane trades
	// retry depth for latency.
	MaxLaneAttempts  int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	JitterFrac       float64
	EscalationWindow time.Duration
}

func (c *ProcessorConfig) applyDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.MaxLaneAttempts == 0 {
		c.MaxLaneAttempts = 2
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.JitterFrac == 0 {
		c.JitterFrac = 0.2
	}
	if c.EscalationWindow == 0 {
		c.EscalationWindow = 30 * time.Second
	}
}

// DeliveryProcessor drives one envelope through the per-record delivery
// state machine. All status moves go through guarded SQL updates, so a
// redelivered envelope or a concurrent worker can only no-op, never regress
// a record.
type DeliveryProcessor struct {
	messages  MessageStore
	records   RecordStore
	presence  PresenceChecker
	pusher    Pusher
	router    RegionRouter
	scheduler Scheduler
	audit     audit.Emitter
	notifier  SenderNotifier
	config    ProcessorConfig

	now func() time.Time
}

func NewDeliveryProcessor(
	messages MessageStore,
	records RecordStore,
	presence PresenceChecker,
	pusher Pusher,
	router RegionRouter,
	scheduler Scheduler,
	emitter audit.Emitter,
	config ProcessorConfig,
) *DeliveryProcessor {
	config.applyDefaults()
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}
	return &DeliveryProcessor{
		messages:  messages,
		records:   records,
		presence:  presence,
		pusher:    pusher,
		router:    router,
		scheduler: scheduler,
		audit:     emitter,
		notifier:  LogNotifier{},
		config:    config,
		now:       time.Now,
	}
}

// SetNotifier replaces the default log notifier.
func (p *DeliveryProcessor) SetNotifier(n SenderNotifier) {
	if n != nil {
		p.notifier = n
	}
}

func (p *DeliveryProcessor) GetType() string {
	return "delivery"
}

// Process handles one stream envelope: a fresh enqueue (RecordID zero, every
// record of the message) or a scheduled retry of a single record.
func (p *DeliveryProcessor) Process(ctx context.Context, queueMessage *queue.Message) error {
	var env queue.Envelope
	if err := json.Unmarshal(queueMessage.Data, &env); err != nil {
		logger.Error("failed to unmarshal envelope", "error", err)
		return err // move to DLQ, the payload will never parse
	}

	msg, err := p.messages.GetByID(ctx, env.MessageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Retention purged it or it never committed. Nothing to deliver.
			logger.Warn("envelope references missing message", "message_id", env.MessageID)
			return nil
		}
		return err
	}

	records, err := p.loadRecords(ctx, env)
	if err != nil {
		return err
	}

	var firstErr error
	for _, rec := range records {
		if err := p.deliverOne(ctx, msg, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *DeliveryProcessor) loadRecords(ctx context.Context, env queue.Envelope) ([]*model.DeliveryRecord, error) {
	if env.RecordID != 0 {
		rec, err := p.records.GetByID(ctx, env.RecordID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return []*model.DeliveryRecord{rec}, nil
	}
	return p.records.ListByMessage(ctx, env.MessageID)
}

func (p *DeliveryProcessor) deliverOne(ctx context.Context, msg *model.Message, rec *model.DeliveryRecord) error {
	if rec.Terminal() {
		return nil
	}

	maxLane := rec.Priority == model.PriorityMax

	if rec.Status == model.DeliveryStatusFailed {
		// Scheduled retry fired. Move back to PENDING before attempting.
		if err := p.records.Requeue(ctx, rec.ID); err != nil {
			if errors.Is(err, repository.ErrIllegalTransition) {
				return nil // another worker already advanced it
			}
			return err
		}
		rec.Status = model.DeliveryStatusPending
	}

	// No registered device means no push target; the record waits for
	// pull-based sync. Offline devices likewise, except MAX records which
	// always attempt so escalation has real signal.
	if rec.DeviceID == "" {
		return nil
	}
	if !maxLane && !p.presence.IsOnline(rec.RecipientID, rec.DeviceID) {
		return nil
	}

	serving, _, err := p.router.Route(msg.OriginRegion)
	if err != nil {
		// No routable region. Leave the record PENDING and let the stream
		// redeliver after the visibility timeout.
		logger.Error("no region available for delivery", "record_id", rec.ID, "home", msg.OriginRegion, "error", err)
		return err
	}

	resp, err := p.pusher.Send(ctx, serving.Code(), &push.Request{
		RecordID:       rec.ID,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		RecipientID:    rec.RecipientID,
		DeviceID:       rec.DeviceID,
		PayloadRef:     msg.PayloadRef,
		Kind:           msg.Kind,
		Priority:       rec.Priority,
	})

	if err == nil {
		deliveredAt := p.now()
		if resp != nil && resp.DeliveredAt != nil {
			deliveredAt = *resp.DeliveredAt
		}
		if markErr := p.records.MarkDelivered(ctx, rec.ID, deliveredAt); markErr != nil && !errors.Is(markErr, repository.ErrIllegalTransition) {
			return markErr
		}
		prom.AddDeliveryDuration(deliveredAt.Sub(msg.CreatedAt).Seconds(), string(rec.Priority))
		return nil
	}

	if errors.Is(err, push.ErrPermanent) {
		logger.Warn("permanent push failure, dropping", "record_id", rec.ID, "error", err)
		return p.drop(ctx, msg, rec, model.DropReasonPermanent)
	}

	return p.handleTransientFailure(ctx, msg, rec, err)
}

func (p *DeliveryProcessor) handleTransientFailure(ctx context.Context, msg *model.Message, rec *model.DeliveryRecord, pushErr error) error {
	maxLane := rec.Priority == model.PriorityMax
	attempts := rec.Attempts + 1

	limit := p.config.MaxAttempts
	if maxLane {
		limit = p.config.MaxLaneAttempts
		// A MAX record that is still undelivered past the escalation window
		// stops retrying regardless of remaining attempts.
		if p.now().Sub(msg.CreatedAt) > p.config.EscalationWindow {
			attempts = limit
		}
	}

	if attempts >= limit {
		if err := p.failRecord(ctx, rec, pushErr, nil); err != nil {
			return err
		}
		reason := model.DropReasonMaxAttempts
		if maxLane {
			reason = model.DropReasonEscalated
			p.audit.Emit(ctx, audit.Event{Type: audit.EventEscalated, Fields: map[string]string{
				"message_id":      msg.ClientMessageID,
				"record_id":       itoa(rec.ID),
				"conversation_id": msg.ConversationID,
			}})
		}
		return p.drop(ctx, msg, rec, reason)
	}

	delay := time.Duration(0)
	if !maxLane {
		delay = NextRetryDelay(attempts, p.config.BackoffBase, p.config.BackoffCap, p.config.JitterFrac)
	}
	next := p.now().Add(delay)

	if err := p.failRecord(ctx, rec, pushErr, &next); err != nil {
		return err
	}

	if err := p.scheduler.Schedule(queue.Envelope{
		MessageID:      msg.ID,
		RecordID:       rec.ID,
		ConversationID: msg.ConversationID,
		Priority:       rec.Priority,
	}, next); err != nil {
		// Record is FAILED with nextRetryAt set; reconciliation or a manual
		// requeue can pick it up if the schedule write was lost.
		logger.Error("failed to schedule retry", "record_id", rec.ID, "error", err)
		return err
	}

	prom.IncDeliveryRetry()
	logger.Info("delivery attempt failed, retry scheduled",
		"record_id", rec.ID,
		"attempts", attempts,
		"next_retry_at", next,
		"error", pushErr)
	return nil
}

func (p *DeliveryProcessor) failRecord(ctx context.Context, rec *model.DeliveryRecord, pushErr error, next *time.Time) error {
	err := p.records.MarkFailed(ctx, rec.ID, pushErr.Error(), next)
	if err != nil {
		if errors.Is(err, repository.ErrIllegalTransition) {
			return nil
		}
		return err
	}
	rec.Status = model.DeliveryStatusFailed
	rec.Attempts++
	return nil
}

func (p *DeliveryProcessor) drop(ctx context.Context, msg *model.Message, rec *model.DeliveryRecord, reason string) error {
	if err := p.records.MarkDropped(ctx, rec.ID, reason); err != nil {
		if errors.Is(err, repository.ErrIllegalTransition) {
			return nil
		}
		return err
	}

	prom.IncDeliveryDropped(reason)
	p.audit.Emit(ctx, audit.Event{Type: audit.EventDropped, Fields: map[string]string{
		"message_id":      msg.ClientMessageID,
		"record_id":       itoa(rec.ID),
		"recipient_id":    rec.RecipientID,
		"conversation_id": msg.ConversationID,
		"reason":          reason,
	}})
	p.notifier.NotifyDropped(ctx, msg, rec, reason)
	return nil
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
