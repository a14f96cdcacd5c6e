package ingress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/relaymesh/delivery-engine/internal/audit"
	"github.com/relaymesh/delivery-engine/internal/model"
	"github.com/relaymesh/delivery-engine/internal/queue"
	"github.com/relaymesh/delivery-engine/internal/ratelimit"
	"github.com/relaymesh/delivery-engine/internal/region"
	"github.com/relaymesh/delivery-engine/internal/repository"
	"github.com/relaymesh/delivery-engine/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockMessageRepository struct {
	mock.Mock
}

func (m *MockMessageRepository) Create(ctx context.Context, msg *model.Message) (*model.Message, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

func (m *MockMessageRepository) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

func (m *MockMessageRepository) GetByClientMessageID(ctx context.Context, clientMessageID string) (*model.Message, error) {
	args := m.Called(ctx, clientMessageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

func (m *MockMessageRepository) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	args := m.Called(ctx, fn)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	return fn(ctx)
}

type MockRecordRepository struct {
	mock.Mock
}

func (m *MockRecordRepository) CreateBatch(ctx context.Context, records []*model.DeliveryRecord) ([]*model.DeliveryRecord, error) {
	args := m.Called(ctx, records)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.DeliveryRecord), args.Error(1)
}

func (m *MockRecordRepository) CancelPending(ctx context.Context, messageID int64) (int64, error) {
	args := m.Called(ctx, messageID)
	return args.Get(0).(int64), args.Error(1)
}

type MockDeviceRepository struct {
	mock.Mock
}

func (m *MockDeviceRepository) ListByUser(ctx context.Context, userID string) ([]*model.DeviceSyncState, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.DeviceSyncState), args.Error(1)
}

type MockRerouteRepository struct {
	mock.Mock
}

func (m *MockRerouteRepository) Create(ctx context.Context, ev *model.RerouteEvent) (*model.RerouteEvent, error) {
	args := m.Called(ctx, ev)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RerouteEvent), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, env queue.Envelope) error {
	return m.Called(ctx, env).Error(0)
}

type MockBilling struct {
	mock.Mock
}

func (m *MockBilling) Authorize(ctx context.Context, req model.EnqueueRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

type staticLimiter struct {
	decision ratelimit.Decision
}

func (s staticLimiter) Allow(ctx context.Context, userID string, action ratelimit.Action, priority model.Priority) (*ratelimit.Decision, error) {
	d := s.decision
	return &d, nil
}

type staticDirectory struct {
	profiles map[string]*Profile
}

func (s staticDirectory) Get(ctx context.Context, userID string) (*Profile, error) {
	if p, ok := s.profiles[userID]; ok {
		return p, nil
	}
	return nil, errors.New("profile not found")
}

type staticBlocks struct {
	blocked map[string]bool // senderID:recipientID
}

func (s staticBlocks) IsBlocked(ctx context.Context, senderID, recipientID string) (bool, error) {
	return s.blocked[senderID+":"+recipientID], nil
}

type staticSafety struct {
	frozen map[string]bool
}

func (s staticSafety) IsConversationFrozen(ctx context.Context, conversationID string) (bool, error) {
	return s.frozen[conversationID], nil
}

type captureEmitter struct {
	events []audit.Event
}

func (c *captureEmitter) Emit(ctx context.Context, e audit.Event) {
	c.events = append(c.events, e)
}

type testEnv struct {
	service  *Service
	messages *MockMessageRepository
	records  *MockRecordRepository
	devices  *MockDeviceRepository
	reroutes *MockRerouteRepository
	pub      *MockPublisher
	billing  *MockBilling
	router   *region.Router
	emitter  *captureEmitter
	mr       *miniredis.Miniredis
}

type testEnvOpts struct {
	limiter ratelimit.Decision
	blocked map[string]bool
	frozen  map[string]bool
}

func adultProfile(userID string) *Profile {
	return &Profile{
		UserID:      userID,
		CountryCode: "DE",
		BirthDate:   time.Now().AddDate(-30, 0, 0),
	}
}

func newTestEnv(t *testing.T, opts testEnvOpts) *testEnv {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	adapter, err := redis.NewRedisAdapter(t.Name()+"-"+mr.Addr(), "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	router, err := region.NewRouter(region.Config{
		Regions: []region.RegionConfig{
			{Code: "eu-west", Endpoint: "http://eu-west.local", FailoverChain: []string{"us-east"}},
			{Code: "us-east", Endpoint: "http://us-east.local", FailoverChain: []string{"eu-west"}},
		},
		HomeMap: map[string]string{"DE": "eu-west", "US": "us-east"},
	})
	require.NoError(t, err)

	env := &testEnv{
		messages: new(MockMessageRepository),
		records:  new(MockRecordRepository),
		devices:  new(MockDeviceRepository),
		reroutes: new(MockRerouteRepository),
		pub:      new(MockPublisher),
		billing:  new(MockBilling),
		router:   router,
		emitter:  &captureEmitter{},
		mr:       mr,
	}

	if opts.limiter == (ratelimit.Decision{}) {
		opts.limiter = ratelimit.Decision{Allowed: true}
	}

	env.service = NewService(
		env.messages,
		env.records,
		env.devices,
		env.reroutes,
		env.pub,
		staticLimiter{decision: opts.limiter},
		router,
		adapter,
		staticDirectory{profiles: map[string]*Profile{
			"alice": adultProfile("alice"),
			"kid":   {UserID: "kid", CountryCode: "DE", BirthDate: time.Now().AddDate(-10, 0, 0)},
		}},
		staticBlocks{blocked: opts.blocked},
		staticSafety{frozen: opts.frozen},
		env.billing,
		env.emitter,
		Config{MinAgeYears: 13, DedupTTL: 24 * time.Hour, CancelGrace: 5 * time.Second},
	)
	return env
}

func validRequest() model.EnqueueRequest {
	return model.EnqueueRequest{
		ClientMessageID: "cmid-1",
		ConversationID:  "conv-1",
		SenderID:        "alice",
		RecipientIDs:    []string{"bob"},
		PayloadRef:      "blob://1",
		Kind:            model.KindHuman,
		Priority:        model.PriorityNormal,
	}
}

func expectHappyPath(env *testEnv) {
	env.billing.On("Authorize", mock.Anything, mock.AnythingOfType("model.EnqueueRequest")).Return("authorized", nil).Once()
	env.messages.On("WithinTransaction", mock.Anything, mock.AnythingOfType("func(context.Context) error")).Return(nil)
	env.messages.On("Create", mock.Anything, mock.AnythingOfType("*model.Message")).Return(&model.Message{
		ID:              101,
		ConversationID:  "conv-1",
		SenderID:        "alice",
		ClientMessageID: "cmid-1",
		RecipientIDs:    []string{"bob"},
		Priority:        model.PriorityNormal,
		OriginRegion:    "eu-west",
	}, nil)
	env.devices.On("ListByUser", mock.Anything, "bob").Return([]*model.DeviceSyncState{
		{UserID: "bob", DeviceID: "dev-1", Platform: "ios"},
	}, nil)
	env.records.On("CreateBatch", mock.Anything, mock.AnythingOfType("[]*model.DeliveryRecord")).
		Return([]*model.DeliveryRecord{}, nil)
	env.pub.On("Publish", mock.Anything, mock.AnythingOfType("queue.Envelope")).Return(nil)
}

func TestEnqueue_HappyPath(t *testing.T) {
	env := newTestEnv(t, testEnvOpts{})
	expectHappyPath(env)

	result, err := env.service.Enqueue(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(101), result.MessageID)
	assert.Equal(t, model.EnqueueStatusQueued, result.Status)

	env.billing.AssertNumberOfCalls(t, "Authorize", 1)
	env.pub.AssertExpectations(t)
}

// The stream publish happens only after the database transaction commits, so
// a broken stream must not undo the accepted message. The records stay
// PENDING and devices pick them up through sync.
func TestEnqueue_PublishFailureKeepsMessageQueued(t *testing.T) {
	env := newTestEnv(t, testEnvOpts{})
	env.billing.On("Authorize", mock.Anything, mock.AnythingOfType("model.EnqueueRequest")).Return("authorized", nil).Once()
	env.messages.On("WithinTransaction", mock.Anything, mock.AnythingOfType("func(context.Context) error")).Return(nil)
	env.messages.On("Create", mock.Anything, mock.AnythingOfType("*model.Message")).Return(&model.Message{
		ID:              102,
		ConversationID:  "conv-1",
		SenderID:        "alice",
		ClientMessageID: "cmid-1",
		RecipientIDs:    []string{"bob"},
		Priority:        model.PriorityNormal,
		OriginRegion:    "eu-west",
	}, nil)
	env.devices.On("ListByUser", mock.Anything, "bob").Return([]*model.DeviceSyncState{
		{UserID: "bob", DeviceID: "dev-1", Platform: "ios"},
	}, nil)
	env.records.On("CreateBatch", mock.Anything, mock.AnythingOfType("[]*model.DeliveryRecord")).
		Return([]*model.DeliveryRecord{}, nil)
	env.pub.On("Publish", mock.Anything, mock.AnythingOfType("queue.Envelope")).
		Return(errors.New("stream unavailable"))

	result, err := env.service.Enqueue(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(102), result.MessageID)
	assert.Equal(t, model.EnqueueStatusQueued, result.Status)
	env.pub.AssertExpectations(t)
}

func TestEnqueue_DuplicateSuppressed(t *testing.T) {
	env := newTestEnv(t, testEnvOpts{})
	expectHappyPath(env)
	env.messages.On("GetByClientMessageID", mock.Anything, "cmid-1").Return(&model.Message{
		ID:              101,
		ClientMessageID: "cmid-1",
	}, nil)

	first, err := env.service.Enqueue(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, model.EnqueueStatusQueued, first.Status)

	second, err := env.service.Enqueue(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, model.EnqueueStatusDuplicate, second.Status)
	assert.Equal(t, first.MessageID, second.MessageID)

	// Billing is charged once, not per submission.
	env.billing.AssertNumberOfCalls(t, "Authorize", 1)
}

func TestEnqueue_BlockedSender(t *testing.T) {
	env := newTestEnv(t, testEnvOpts{
		blocked: map[string]bool{"alice:bob": true},
	})

	_, err := env.service.Enqueue(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrBlocked)
	env.billing.AssertNotCalled(t, "Authorize", mock.Anything, mock.Anything)
}

func TestEnqueue_UnderageSender(t *testing.T) {
	env := newTestEnv(t, testEnvOpts{})

	req := validRequest()
	req.SenderID = "kid"

	_, err := env.service.Enqueue(context.Background(), req)
	assert.ErrorIs(t, err, ErrUnderage)
	env.billing.AssertNotCalled(t, "Authorize", mock.Anything, mock.Anything)
}

func TestEnqueue_FrozenConversation(t *testing.T) {
	env := newTestEnv(t, testEnvOpts{
		frozen: map[string]bool{"conv-1": true},
	})

	_, err := env.service.Enqueue(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrConversationFrozen)
}

func TestEnqueue_RateLimited(t *testing.T) {
	env := newTestEnv(t, testEnvOpts{
		limiter: ratelimit.Decision{Allowed: false, RetryAfter: 30 * time.Second},
	})

	_, err := env.service.Enqueue(context.Background(), validRequest())

	var rle *RateLimitedError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 30*time.Second, rle.RetryAfter)
	env.billing.AssertNotCalled(t, "Authorize", mock.Anything, mock.Anything)

	found := false
	for _, e := range env.emitter.events {
		if e.Type == audit.EventRateLimitRejected {
			found = true
		}
	}
	assert.True(t, found, "rate limit rejection is audited")
}

func TestEnqueue_RerouteRecordedWhenHomeDown(t *testing.T) {
	env := newTestEnv(t, testEnvOpts{})
	expectHappyPath(env)
	env.reroutes.On("Create", mock.Anything, mock.AnythingOfType("*model.RerouteEvent")).
		Return(&model.RerouteEvent{ID: 1}, nil)

	require.NoError(t, env.router.SetHealth("eu-west", model.HealthDown))

	result, err := env.service.Enqueue(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, model.EnqueueStatusQueued, result.Status)

	env.reroutes.AssertExpectations(t)

	found := false
	for _, e := range env.emitter.events {
		if e.Type == audit.EventRerouted {
			found = true
			assert.Equal(t, "eu-west", e.Fields["home_region"])
			assert.Equal(t, "us-east", e.Fields["served_region"])
		}
	}
	assert.True(t, found, "reroute is audited")
}

func TestEnqueue_DeviceLessRecipientGetsOneRecord(t *testing.T) {
	env := newTestEnv(t, testEnvOpts{})
	env.billing.On("Authorize", mock.Anything, mock.Anything).Return("", nil)
	env.messages.On("WithinTransaction", mock.Anything, mock.Anything).Return(nil)
	env.messages.On("Create", mock.Anything, mock.Anything).Return(&model.Message{
		ID:             101,
		ConversationID: "conv-1",
		RecipientIDs:   []string{"bob"},
		Priority:       model.PriorityNormal,
	}, nil)
	env.devices.On("ListByUser", mock.Anything, "bob").Return([]*model.DeviceSyncState{}, nil)
	env.records.On("CreateBatch", mock.Anything, mock.AnythingOfType("[]*model.DeliveryRecord")).
		Return([]*model.DeliveryRecord{}, nil)
	env.pub.On("Publish", mock.Anything, mock.Anything).Return(nil)

	_, err := env.service.Enqueue(context.Background(), validRequest())
	require.NoError(t, err)

	records := env.records.Calls[0].Arguments.Get(1).([]*model.DeliveryRecord)
	require.Len(t, records, 1)
	assert.Equal(t, "", records[0].DeviceID, "device-less recipient gets a sync-only record")
	assert.Equal(t, model.DeliveryStatusPending, records[0].Status)
}

func TestCancel_WithinGraceWindow(t *testing.T) {
	env := newTestEnv(t, testEnvOpts{})
	env.messages.On("GetByID", mock.Anything, int64(101)).Return(&model.Message{
		ID:        101,
		SenderID:  "alice",
		CreatedAt: time.Now().Add(-time.Second),
	}, nil)
	env.records.On("CancelPending", mock.Anything, int64(101)).Return(int64(2), nil)

	n, err := env.service.Cancel(context.Background(), 101, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCancel_GraceWindowPassed(t *testing.T) {
	env := newTestEnv(t, testEnvOpts{})
	env.messages.On("GetByID", mock.Anything, int64(101)).Return(&model.Message{
		ID:        101,
		SenderID:  "alice",
		CreatedAt: time.Now().Add(-time.Minute),
	}, nil)

	_, err := env.service.Cancel(context.Background(), 101, "alice")
	assert.ErrorIs(t, err, ErrCancelWindowPassed)
	env.records.AssertNotCalled(t, "CancelPending", mock.Anything, mock.Anything)
}

func TestCancel_OnlySender(t *testing.T) {
	env := newTestEnv(t, testEnvOpts{})
	env.messages.On("GetByID", mock.Anything, int64(101)).Return(&model.Message{
		ID:        101,
		SenderID:  "alice",
		CreatedAt: time.Now(),
	}, nil)

	_, err := env.service.Cancel(context.Background(), 101, "mallory")
	assert.ErrorIs(t, err, ErrNotSender)
}

func TestCancel_MissingMessage(t *testing.T) {
	env := newTestEnv(t, testEnvOpts{})
	env.messages.On("GetByID", mock.Anything, int64(404)).Return(nil, repository.ErrNotFound)

	_, err := env.service.Cancel(context.Background(), 404, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}
