package region

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/relaymesh/delivery-engine/internal/audit"
	"github.com/relaymesh/delivery-engine/internal/model"
	"github.com/relaymesh/delivery-engine/internal/queue"
	"github.com/relaymesh/delivery-engine/pkg/logger"
)

type RerouteRepository interface {
	ListUnreconciled(ctx context.Context, homeRegion string, limit int) ([]*model.RerouteEvent, error)
	MarkReconciled(ctx context.Context, ids []int64) error
}

type MessageGetter interface {
	GetByID(ctx context.Context, id int64) (*model.Message, error)
}

type Publisher interface {
	Publish(ctx context.Context, env queue.Envelope) error
}

// Reconciler replays rerouted messages through their home region once it
// recovers. Replay uses the original message id, and every downstream
// status change is a guarded transition, so running it twice (or alongside
// live traffic) never duplicates a delivery.
type Reconciler struct {
	router   *Router
	reroutes RerouteRepository
	messages MessageGetter
	pub      Publisher
	auditor  audit.Emitter

	interval  time.Duration
	batchSize int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewReconciler(router *Router, reroutes RerouteRepository, messages MessageGetter, pub Publisher, auditor audit.Emitter, interval time.Duration, batchSize int) *Reconciler {
	if interval == 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reconciler{
		router:    router,
		reroutes:  reroutes,
		messages:  messages,
		pub:       pub,
		auditor:   auditor,
		interval:  interval,
		batchSize: batchSize,
		stopCh:    make(chan struct{}),
	}
}

func (r *Reconciler) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.RunOnce(context.Background())
			case <-r.stopCh:
				return
			}
		}
	}()
}

func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// RunOnce reconciles one batch per recovered home region.
func (r *Reconciler) RunOnce(ctx context.Context) {
	for _, profile := range r.router.Snapshot() {
		if profile.Health != model.HealthOK {
			continue
		}
		r.reconcileRegion(ctx, profile.Code)
	}
}

func (r *Reconciler) reconcileRegion(ctx context.Context, home string) {
	events, err := r.reroutes.ListUnreconciled(ctx, home, r.batchSize)
	if err != nil {
		logger.Error("failed to list reroute events", "home", home, "error", err)
		return
	}
	if len(events) == 0 {
		return
	}

	done := make([]int64, 0, len(events))
	for _, ev := range events {
		msg, err := r.messages.GetByID(ctx, ev.MessageID)
		if err != nil {
			logger.Error("reconcile: message lookup failed", "message_id", ev.MessageID, "error", err)
			continue
		}

		err = r.pub.Publish(ctx, queue.Envelope{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			Priority:       msg.Priority,
		})
		if err != nil {
			logger.Error("reconcile: replay publish failed", "message_id", msg.ID, "error", err)
			continue
		}

		done = append(done, ev.ID)
		r.auditor.Emit(ctx, audit.Event{
			Type: audit.EventReconciled,
			Fields: map[string]string{
				"message_id":        strconv.FormatInt(msg.ID, 10),
				"client_message_id": ev.ClientMessageID,
				"home_region":       ev.HomeRegion,
				"served_region":     ev.ServedRegion,
			},
		})
	}

	if len(done) > 0 {
		if err := r.reroutes.MarkReconciled(ctx, done); err != nil {
			// Replay is idempotent, so a failed mark only means the next
			// pass does redundant work.
			logger.Warn("reconcile: failed to mark events", "home", home, "error", err)
			return
		}
		logger.Info("reconciled rerouted messages", "home", home, "count", len(done))
	}
}
