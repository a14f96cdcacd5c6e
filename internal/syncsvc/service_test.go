package syncsvc

import (
	"context"
	"testing"
	"time"

	"github.com/relaymesh/delivery-engine/internal/model"
	"github.com/relaymesh/delivery-engine/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRecordRepository struct {
	mock.Mock
}

func (m *MockRecordRepository) ListForRecipient(ctx context.Context, userID string, afterID int64, limit int) ([]*model.DeliveryRecord, error) {
	args := m.Called(ctx, userID, afterID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.DeliveryRecord), args.Error(1)
}

func (m *MockRecordRepository) AckDelivered(ctx context.Context, userID, deviceID string, uptoID int64, at time.Time) (int64, error) {
	args := m.Called(ctx, userID, deviceID, uptoID, at)
	return args.Get(0).(int64), args.Error(1)
}

type MockDeviceRepository struct {
	mock.Mock
}

func (m *MockDeviceRepository) Register(ctx context.Context, d *model.DeviceSyncState) (*model.DeviceSyncState, error) {
	args := m.Called(ctx, d)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DeviceSyncState), args.Error(1)
}

func (m *MockDeviceRepository) GetByDeviceID(ctx context.Context, deviceID string) (*model.DeviceSyncState, error) {
	args := m.Called(ctx, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DeviceSyncState), args.Error(1)
}

func (m *MockDeviceRepository) AdvanceCursor(ctx context.Context, deviceID string, lastAckedRecordID int64) error {
	return m.Called(ctx, deviceID, lastAckedRecordID).Error(0)
}

func (m *MockDeviceRepository) TouchSync(ctx context.Context, deviceID string, at time.Time) error {
	return m.Called(ctx, deviceID, at).Error(0)
}

func registeredDevice() *model.DeviceSyncState {
	return &model.DeviceSyncState{
		ID:                1,
		UserID:            "bob",
		DeviceID:          "dev-1",
		Platform:          "ios",
		LastAckedRecordID: 10,
	}
}

func TestSync_DefaultsToStoredCursor(t *testing.T) {
	records := new(MockRecordRepository)
	devices := new(MockDeviceRepository)
	s := NewService(records, devices, Config{PageSize: 100})

	devices.On("GetByDeviceID", mock.Anything, "dev-1").Return(registeredDevice(), nil)
	devices.On("TouchSync", mock.Anything, "dev-1", mock.AnythingOfType("time.Time")).Return(nil)
	records.On("ListForRecipient", mock.Anything, "bob", int64(10), 100).Return([]*model.DeliveryRecord{
		{ID: 11, RecipientID: "bob", DeviceID: "dev-1"},
		{ID: 12, RecipientID: "bob", DeviceID: "dev-1"},
	}, nil)

	page, err := s.Sync(context.Background(), "dev-1", "", 0)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "12", page.NextCursor, "cursor continues from the last record served")
}

func TestSync_ExplicitCursorOverridesStored(t *testing.T) {
	records := new(MockRecordRepository)
	devices := new(MockDeviceRepository)
	s := NewService(records, devices, Config{PageSize: 100})

	devices.On("GetByDeviceID", mock.Anything, "dev-1").Return(registeredDevice(), nil)
	devices.On("TouchSync", mock.Anything, "dev-1", mock.Anything).Return(nil)
	records.On("ListForRecipient", mock.Anything, "bob", int64(0), 100).Return([]*model.DeliveryRecord{}, nil)

	page, err := s.Sync(context.Background(), "dev-1", "0", 0)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Equal(t, "0", page.NextCursor, "empty page keeps the cursor where it was")
}

func TestSync_ClampsPageSize(t *testing.T) {
	records := new(MockRecordRepository)
	devices := new(MockDeviceRepository)
	s := NewService(records, devices, Config{PageSize: 50})

	devices.On("GetByDeviceID", mock.Anything, "dev-1").Return(registeredDevice(), nil)
	devices.On("TouchSync", mock.Anything, "dev-1", mock.Anything).Return(nil)
	records.On("ListForRecipient", mock.Anything, "bob", int64(10), 50).Return([]*model.DeliveryRecord{}, nil)

	_, err := s.Sync(context.Background(), "dev-1", "", 5000)
	require.NoError(t, err)
	records.AssertExpectations(t)
}

func TestSync_UnknownDevice(t *testing.T) {
	records := new(MockRecordRepository)
	devices := new(MockDeviceRepository)
	s := NewService(records, devices, Config{})

	devices.On("GetByDeviceID", mock.Anything, "ghost").Return(nil, repository.ErrNotFound)

	_, err := s.Sync(context.Background(), "ghost", "", 0)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestSync_BadCursor(t *testing.T) {
	records := new(MockRecordRepository)
	devices := new(MockDeviceRepository)
	s := NewService(records, devices, Config{})

	devices.On("GetByDeviceID", mock.Anything, "dev-1").Return(registeredDevice(), nil)

	_, err := s.Sync(context.Background(), "dev-1", "not-a-number", 0)
	assert.ErrorIs(t, err, ErrBadCursor)
}

func TestAck_AdvancesCursorAndMarksDelivered(t *testing.T) {
	records := new(MockRecordRepository)
	devices := new(MockDeviceRepository)
	s := NewService(records, devices, Config{})

	devices.On("GetByDeviceID", mock.Anything, "dev-1").Return(registeredDevice(), nil)
	devices.On("AdvanceCursor", mock.Anything, "dev-1", int64(25)).Return(nil)
	records.On("AckDelivered", mock.Anything, "bob", "dev-1", int64(25), mock.AnythingOfType("time.Time")).
		Return(int64(3), nil)

	err := s.Ack(context.Background(), "dev-1", "25")
	require.NoError(t, err)
	records.AssertExpectations(t)
}

func TestAck_RegressionIsNoOp(t *testing.T) {
	records := new(MockRecordRepository)
	devices := new(MockDeviceRepository)
	s := NewService(records, devices, Config{})

	devices.On("GetByDeviceID", mock.Anything, "dev-1").Return(registeredDevice(), nil)
	devices.On("AdvanceCursor", mock.Anything, "dev-1", int64(5)).Return(repository.ErrCursorRegression)

	err := s.Ack(context.Background(), "dev-1", "5")
	assert.NoError(t, err, "stale acks are silently ignored")
	records.AssertNotCalled(t, "AckDelivered", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRegister_Validates(t *testing.T) {
	records := new(MockRecordRepository)
	devices := new(MockDeviceRepository)
	s := NewService(records, devices, Config{})

	_, err := s.Register(context.Background(), model.RegisterDeviceRequest{UserID: "bob"})
	assert.Error(t, err)
	devices.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)
}

func TestRegister_UpsertsDevice(t *testing.T) {
	records := new(MockRecordRepository)
	devices := new(MockDeviceRepository)
	s := NewService(records, devices, Config{})

	devices.On("Register", mock.Anything, mock.AnythingOfType("*model.DeviceSyncState")).
		Return(registeredDevice(), nil)

	d, err := s.Register(context.Background(), model.RegisterDeviceRequest{
		UserID: "bob", DeviceID: "dev-1", Platform: "ios",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), d.LastAckedRecordID, "re-registering keeps the cursor")
}
