package ingress

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/relaymesh/delivery-engine/internal/audit"
	"github.com/relaymesh/delivery-engine/internal/model"
	"github.com/relaymesh/delivery-engine/internal/queue"
	"github.com/relaymesh/delivery-engine/internal/ratelimit"
	"github.com/relaymesh/delivery-engine/internal/region"
	"github.com/relaymesh/delivery-engine/internal/repository"
	"github.com/relaymesh/delivery-engine/pkg/logger"
	"github.com/relaymesh/delivery-engine/pkg/prom"
	"github.com/relaymesh/delivery-engine/pkg/redis"
)

var (
	ErrBlocked            = errors.New("sender is blocked by a recipient")
	ErrUnderage           = errors.New("sender is under the minimum messaging age")
	ErrConversationFrozen = errors.New("conversation is frozen")
	ErrNotSender          = errors.New("only the sender can cancel a message")
	ErrCancelWindowPassed = errors.New("cancellation grace window has passed")
	ErrNotFound           = errors.New("message not found")
)

// RateLimitedError carries the retry hint for a 429 response.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

const dedupKeyPrefix = "dedup:msg:"

type MessageRepository interface {
	Create(ctx context.Context, msg *model.Message) (*model.Message, error)
	GetByID(ctx context.Context, id int64) (*model.Message, error)
	GetByClientMessageID(ctx context.Context, clientMessageID string) (*model.Message, error)
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type RecordRepository interface {
	CreateBatch(ctx context.Context, records []*model.DeliveryRecord) ([]*model.DeliveryRecord, error)
	CancelPending(ctx context.Context, messageID int64) (int64, error)
}

type DeviceRepository interface {
	ListByUser(ctx context.Context, userID string) ([]*model.DeviceSyncState, error)
}

type RerouteRepository interface {
	Create(ctx context.Context, ev *model.RerouteEvent) (*model.RerouteEvent, error)
}

type EnvelopePublisher interface {
	Publish(ctx context.Context, env queue.Envelope) error
}

type AdmissionLimiter interface {
	Allow(ctx context.Context, userID string, action ratelimit.Action, priority model.Priority) (*ratelimit.Decision, error)
}

type RegionRouter interface {
	HomeFor(countryCode string) string
	Route(home string) (*region.Region, bool, error)
}

type Config struct {
	// MinAgeYears gates HUMAN senders. Zero disables the check.
	MinAgeYears int
	// DedupTTL bounds the clientMessageID dedup window.
	DedupTTL time.Duration
	// CancelGrace is how long after enqueue a sender may cancel.
	CancelGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.MinAgeYears == 0 {
		c.MinAgeYears = 13
	}
	if c.DedupTTL == 0 {
		c.DedupTTL = 24 * time.Hour
	}
	if c.CancelGrace == 0 {
		c.CancelGrace = 5 * time.Second
	}
}

// Service is the write path: admission, dedup, billing, routing, durable
// enqueue. The durable write and the stream publish share one transaction
// scope so a message row always has its delivery records.
type Service struct {
	messages  MessageRepository
	records   RecordRepository
	devices   DeviceRepository
	reroutes  RerouteRepository
	publisher EnvelopePublisher
	limiter   AdmissionLimiter
	router    RegionRouter
	adapter   redis.RedisAdapter

	directory ProfileDirectory
	blocks    BlockChecker
	safety    SafetyRegistry
	billing   BillingClient
	audit     audit.Emitter

	config Config
	now    func() time.Time
}

func NewService(
	messages MessageRepository,
	records RecordRepository,
	devices DeviceRepository,
	reroutes RerouteRepository,
	publisher EnvelopePublisher,
	limiter AdmissionLimiter,
	router RegionRouter,
	adapter redis.RedisAdapter,
	directory ProfileDirectory,
	blocks BlockChecker,
	safety SafetyRegistry,
	billing BillingClient,
	emitter audit.Emitter,
	config Config,
) *Service {
	config.applyDefaults()
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}
	if blocks == nil {
		blocks = NopBlockChecker{}
	}
	if safety == nil {
		safety = NopSafetyRegistry{}
	}
	if billing == nil {
		billing = NopBillingClient{}
	}
	return &Service{
		messages:  messages,
		records:   records,
		devices:   devices,
		reroutes:  reroutes,
		publisher: publisher,
		limiter:   limiter,
		router:    router,
		adapter:   adapter,
		directory: directory,
		blocks:    blocks,
		safety:    safety,
		billing:   billing,
		audit:     emitter,
		config:    config,
		now:       time.Now,
	}
}

// Enqueue validates, admits and durably stores a message, then publishes its
// dispatch envelope. Duplicate clientMessageIDs within the dedup window
// return the original message instead of creating a second one.
func (s *Service) Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.EnqueueResult, error) {
	if err := req.Validate(); err != nil {
		prom.IncEnqueueRejected("validation")
		return nil, err
	}

	if err := s.admit(ctx, req); err != nil {
		return nil, err
	}

	// Dedup marker first: cheaper than the unique index round-trip and it
	// covers the reconciliation replay path too.
	dedupKey := dedupKeyPrefix + req.ClientMessageID
	fresh, err := s.adapter.SetNX(dedupKey, []byte("1"), s.config.DedupTTL)
	if err != nil {
		// Redis down: fall through to the unique index.
		logger.Warn("dedup marker unavailable", "error", err)
		fresh = true
	}
	if !fresh {
		existing, err := s.messages.GetByClientMessageID(ctx, req.ClientMessageID)
		if err == nil {
			return &model.EnqueueResult{MessageID: existing.ID, Status: model.EnqueueStatusDuplicate}, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		// Marker without a row: the previous attempt died before commit.
	}

	billingState, err := s.billing.Authorize(ctx, req)
	if err != nil {
		s.releaseDedup(dedupKey)
		return nil, fmt.Errorf("billing authorize: %w", err)
	}

	result, err := s.enqueueAuthorized(ctx, req, billingState)
	if err != nil {
		s.releaseDedup(dedupKey)
		return nil, err
	}

	prom.IncEnqueueAccepted()
	return result, nil
}

// admit runs the synchronous admission chain in order: blocks, age,
// conversation freeze, rate limit. The first rejection wins and is audited.
func (s *Service) admit(ctx context.Context, req model.EnqueueRequest) error {
	if req.Kind != model.KindSystem {
		for _, recipientID := range req.RecipientIDs {
			blocked, err := s.blocks.IsBlocked(ctx, req.SenderID, recipientID)
			if err != nil {
				return fmt.Errorf("block check: %w", err)
			}
			if blocked {
				s.rejectAudit(ctx, req, "blocked")
				return ErrBlocked
			}
		}

		if s.config.MinAgeYears > 0 && s.directory != nil {
			profile, err := s.directory.Get(ctx, req.SenderID)
			if err != nil {
				return fmt.Errorf("profile lookup: %w", err)
			}
			if profile.AgeYears(s.now()) < s.config.MinAgeYears {
				s.rejectAudit(ctx, req, "underage")
				return ErrUnderage
			}
		}
	}

	frozen, err := s.safety.IsConversationFrozen(ctx, req.ConversationID)
	if err != nil {
		return fmt.Errorf("freeze check: %w", err)
	}
	if frozen {
		s.rejectAudit(ctx, req, "conversation_frozen")
		return ErrConversationFrozen
	}

	decision, err := s.limiter.Allow(ctx, req.SenderID, ratelimit.ActionSendMessage, req.Priority)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if !decision.Allowed {
		prom.IncRateLimitRejected(string(ratelimit.ActionSendMessage))
		s.audit.Emit(ctx, audit.Event{Type: audit.EventRateLimitRejected, Fields: map[string]string{
			"sender_id":   req.SenderID,
			"action":      string(ratelimit.ActionSendMessage),
			"retry_after": decision.RetryAfter.String(),
		}})
		return &RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	return nil
}

func (s *Service) enqueueAuthorized(ctx context.Context, req model.EnqueueRequest, billingState string) (*model.EnqueueResult, error) {
	home := s.router.HomeFor(s.senderCountry(ctx, req.SenderID))
	serving, rerouted, err := s.router.Route(home)
	if err != nil {
		return nil, fmt.Errorf("no serving region: %w", err)
	}

	msg := &model.Message{
		ConversationID:  req.ConversationID,
		SenderID:        req.SenderID,
		ClientMessageID: req.ClientMessageID,
		RecipientIDs:    req.RecipientIDs,
		PayloadRef:      req.PayloadRef,
		Kind:            req.Kind,
		Priority:        req.Priority,
		OriginRegion:    home,
		BillingState:    billingState,
	}

	var created *model.Message
	err = s.messages.WithinTransaction(ctx, func(ctx context.Context) error {
		var txErr error
		created, txErr = s.messages.Create(ctx, msg)
		if txErr != nil {
			if errors.Is(txErr, repository.ErrDuplicateClientMessageID) {
				// Raced a concurrent duplicate past the marker. Surface the
				// original below.
				return txErr
			}
			return fmt.Errorf("create message: %w", txErr)
		}

		records, txErr := s.buildRecords(ctx, created)
		if txErr != nil {
			return txErr
		}
		if _, txErr = s.records.CreateBatch(ctx, records); txErr != nil {
			return fmt.Errorf("create delivery records: %w", txErr)
		}

		if rerouted {
			if _, txErr = s.reroutes.Create(ctx, &model.RerouteEvent{
				MessageID:       created.ID,
				ClientMessageID: created.ClientMessageID,
				ConversationID:  created.ConversationID,
				HomeRegion:      home,
				ServedRegion:    serving.Code(),
			}); txErr != nil {
				return fmt.Errorf("record reroute: %w", txErr)
			}
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateClientMessageID) {
			existing, getErr := s.messages.GetByClientMessageID(ctx, req.ClientMessageID)
			if getErr != nil {
				return nil, getErr
			}
			return &model.EnqueueResult{MessageID: existing.ID, Status: model.EnqueueStatusDuplicate}, nil
		}
		return nil, err
	}

	// Publish only after the transaction commits so the dispatcher can never
	// observe the envelope before the message row is visible. If the publish
	// itself fails the records stay PENDING and reach recipients through sync.
	if err := s.publisher.Publish(ctx, queue.Envelope{
		MessageID:      created.ID,
		ConversationID: created.ConversationID,
		Priority:       created.Priority,
	}); err != nil {
		logger.Error("publish after commit failed, delivery falls back to sync",
			"message_id", created.ID, "error", err)
	}

	if rerouted {
		s.audit.Emit(ctx, audit.Event{Type: audit.EventRerouted, Fields: map[string]string{
			"message_id":    strconv.FormatInt(created.ID, 10),
			"home_region":   home,
			"served_region": serving.Code(),
		}})
		logger.Warn("message rerouted", "message_id", created.ID, "home", home, "served", serving.Code())
	}

	return &model.EnqueueResult{MessageID: created.ID, Status: model.EnqueueStatusQueued}, nil
}

// buildRecords fans the message out to one record per registered recipient
// device. Recipients with no device get a single device-less record that any
// later-registered device can sync.
func (s *Service) buildRecords(ctx context.Context, msg *model.Message) ([]*model.DeliveryRecord, error) {
	var records []*model.DeliveryRecord
	for _, recipientID := range msg.RecipientIDs {
		devices, err := s.devices.ListByUser(ctx, recipientID)
		if err != nil {
			return nil, fmt.Errorf("list devices for %s: %w", recipientID, err)
		}

		if len(devices) == 0 {
			records = append(records, &model.DeliveryRecord{
				MessageID:      msg.ID,
				ConversationID: msg.ConversationID,
				RecipientID:    recipientID,
				DeviceID:       "",
				Priority:       msg.Priority,
				Status:         model.DeliveryStatusPending,
			})
			continue
		}

		for _, d := range devices {
			records = append(records, &model.DeliveryRecord{
				MessageID:      msg.ID,
				ConversationID: msg.ConversationID,
				RecipientID:    recipientID,
				DeviceID:       d.DeviceID,
				Priority:       msg.Priority,
				Status:         model.DeliveryStatusPending,
			})
		}
	}
	return records, nil
}

func (s *Service) senderCountry(ctx context.Context, senderID string) string {
	if s.directory == nil {
		return ""
	}
	profile, err := s.directory.Get(ctx, senderID)
	if err != nil || profile == nil {
		return ""
	}
	return profile.CountryCode
}

func (s *Service) releaseDedup(key string) {
	if err := s.adapter.Del(key); err != nil {
		logger.Warn("failed to release dedup marker", "key", key, "error", err)
	}
}

func (s *Service) rejectAudit(ctx context.Context, req model.EnqueueRequest, reason string) {
	prom.IncEnqueueRejected(reason)
	s.audit.Emit(ctx, audit.Event{Type: audit.EventAdmissionRejected, Fields: map[string]string{
		"sender_id":       req.SenderID,
		"conversation_id": req.ConversationID,
		"reason":          reason,
	}})
}

// Cancel drops every record of a message that has not seen a delivery
// attempt, provided the caller is the sender and the grace window is open.
// Already-delivered records are never retracted.
func (s *Service) Cancel(ctx context.Context, messageID int64, senderID string) (int64, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}

	if msg.SenderID != senderID {
		return 0, ErrNotSender
	}
	if s.now().Sub(msg.CreatedAt) > s.config.CancelGrace {
		return 0, ErrCancelWindowPassed
	}

	cancelled, err := s.records.CancelPending(ctx, messageID)
	if err != nil {
		return 0, err
	}

	if cancelled > 0 {
		s.audit.Emit(ctx, audit.Event{Type: audit.EventCancelled, Fields: map[string]string{
			"message_id": strconv.FormatInt(messageID, 10),
			"cancelled":  strconv.FormatInt(cancelled, 10),
		}})
	}
	return cancelled, nil
}
