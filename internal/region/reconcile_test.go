package region

import (
	"context"
	"errors"
	"testing"

	"github.com/relaymesh/delivery-engine/internal/audit"
	"github.com/relaymesh/delivery-engine/internal/model"
	"github.com/relaymesh/delivery-engine/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRerouteRepo struct {
	events     map[string][]*model.RerouteEvent
	listCalls  []string
	marked     [][]int64
	markErr    error
	reconciled map[int64]bool
}

func newFakeRerouteRepo() *fakeRerouteRepo {
	return &fakeRerouteRepo{
		events:     make(map[string][]*model.RerouteEvent),
		reconciled: make(map[int64]bool),
	}
}

func (f *fakeRerouteRepo) ListUnreconciled(ctx context.Context, homeRegion string, limit int) ([]*model.RerouteEvent, error) {
	f.listCalls = append(f.listCalls, homeRegion)
	events := f.events[homeRegion]
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (f *fakeRerouteRepo) MarkReconciled(ctx context.Context, ids []int64) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, ids)
	for _, id := range ids {
		f.reconciled[id] = true
	}
	return nil
}

type fakeMessageGetter struct {
	messages map[int64]*model.Message
}

func (f *fakeMessageGetter) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	msg, ok := f.messages[id]
	if !ok {
		return nil, errors.New("message not found")
	}
	return msg, nil
}

type fakePublisher struct {
	published []queue.Envelope
	failIDs   map[int64]bool
}

func (f *fakePublisher) Publish(ctx context.Context, env queue.Envelope) error {
	if f.failIDs[env.MessageID] {
		return errors.New("stream unavailable")
	}
	f.published = append(f.published, env)
	return nil
}

type recordingEmitter struct {
	events []audit.Event
}

func (e *recordingEmitter) Emit(ctx context.Context, event audit.Event) {
	e.events = append(e.events, event)
}

func rerouteEvent(id, msgID int64, home, served string) *model.RerouteEvent {
	return &model.RerouteEvent{
		ID:              id,
		MessageID:       msgID,
		ClientMessageID: "cmid-" + string(rune('a'+id)),
		ConversationID:  "conv-1",
		HomeRegion:      home,
		ServedRegion:    served,
	}
}

func TestReconciler_ReplaysThroughRecoveredHome(t *testing.T) {
	router := newTestRouter(t)
	repo := newFakeRerouteRepo()
	repo.events["eu-west"] = []*model.RerouteEvent{
		rerouteEvent(1, 101, "eu-west", "us-east"),
		rerouteEvent(2, 102, "eu-west", "us-east"),
	}
	getter := &fakeMessageGetter{messages: map[int64]*model.Message{
		101: {ID: 101, ConversationID: "conv-1", Priority: model.PriorityNormal},
		102: {ID: 102, ConversationID: "conv-1", Priority: model.PriorityMax},
	}}
	pub := &fakePublisher{}
	emitter := &recordingEmitter{}

	rec := NewReconciler(router, repo, getter, pub, emitter, 0, 0)
	rec.RunOnce(context.Background())

	require.Len(t, pub.published, 2)
	assert.Equal(t, int64(101), pub.published[0].MessageID)
	assert.Equal(t, model.PriorityMax, pub.published[1].Priority)
	// Replay envelopes carry no record id, so the dispatcher revisits
	// every pending record for the message.
	assert.Zero(t, pub.published[0].RecordID)

	require.Len(t, repo.marked, 1)
	assert.Equal(t, []int64{1, 2}, repo.marked[0])

	require.Len(t, emitter.events, 2)
	assert.Equal(t, audit.EventReconciled, emitter.events[0].Type)
	assert.Equal(t, "eu-west", emitter.events[0].Fields["home_region"])
	assert.Equal(t, "us-east", emitter.events[0].Fields["served_region"])
}

func TestReconciler_SkipsUnhealthyHomes(t *testing.T) {
	router := newTestRouter(t)
	require.NoError(t, router.SetHealth("eu-west", model.HealthDown))
	require.NoError(t, router.SetHealth("ap-south", model.HealthDegraded))

	repo := newFakeRerouteRepo()
	repo.events["eu-west"] = []*model.RerouteEvent{rerouteEvent(1, 101, "eu-west", "us-east")}

	rec := NewReconciler(router, repo, &fakeMessageGetter{}, &fakePublisher{}, audit.NopEmitter{}, 0, 0)
	rec.RunOnce(context.Background())

	// Only the OK region is reconciled. DEGRADED keeps serving live traffic
	// but is not considered recovered.
	assert.Equal(t, []string{"us-east"}, repo.listCalls)
	assert.Empty(t, repo.marked)
}

func TestReconciler_PublishFailureLeavesEventUnmarked(t *testing.T) {
	router := newTestRouter(t)
	repo := newFakeRerouteRepo()
	repo.events["eu-west"] = []*model.RerouteEvent{
		rerouteEvent(1, 101, "eu-west", "us-east"),
		rerouteEvent(2, 102, "eu-west", "us-east"),
	}
	getter := &fakeMessageGetter{messages: map[int64]*model.Message{
		101: {ID: 101, ConversationID: "conv-1"},
		102: {ID: 102, ConversationID: "conv-1"},
	}}
	pub := &fakePublisher{failIDs: map[int64]bool{101: true}}

	rec := NewReconciler(router, repo, getter, pub, audit.NopEmitter{}, 0, 0)
	rec.RunOnce(context.Background())

	require.Len(t, repo.marked, 1)
	assert.Equal(t, []int64{2}, repo.marked[0], "failed replay stays unreconciled for the next pass")
	assert.False(t, repo.reconciled[1])
}

func TestReconciler_MissingMessageIsSkipped(t *testing.T) {
	router := newTestRouter(t)
	repo := newFakeRerouteRepo()
	repo.events["eu-west"] = []*model.RerouteEvent{rerouteEvent(1, 999, "eu-west", "us-east")}

	rec := NewReconciler(router, repo, &fakeMessageGetter{messages: map[int64]*model.Message{}}, &fakePublisher{}, audit.NopEmitter{}, 0, 0)
	rec.RunOnce(context.Background())

	assert.Empty(t, repo.marked)
}

func TestReconciler_MarkFailureIsRetriedNextPass(t *testing.T) {
	router := newTestRouter(t)
	repo := newFakeRerouteRepo()
	repo.events["eu-west"] = []*model.RerouteEvent{rerouteEvent(1, 101, "eu-west", "us-east")}
	repo.markErr = errors.New("db unavailable")
	getter := &fakeMessageGetter{messages: map[int64]*model.Message{
		101: {ID: 101, ConversationID: "conv-1"},
	}}
	pub := &fakePublisher{}

	rec := NewReconciler(router, repo, getter, pub, audit.NopEmitter{}, 0, 0)
	rec.RunOnce(context.Background())

	// The replay itself went out; only the bookkeeping failed.
	assert.Len(t, pub.published, 1)
	assert.Empty(t, repo.marked)

	repo.markErr = nil
	rec.RunOnce(context.Background())
	assert.Len(t, pub.published, 2, "idempotent replay repeats until marked")
	assert.True(t, repo.reconciled[1])
}
