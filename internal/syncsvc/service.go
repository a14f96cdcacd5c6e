package syncsvc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/relaymesh/delivery-engine/internal/model"
	"github.com/relaymesh/delivery-engine/internal/repository"
	"github.com/relaymesh/delivery-engine/pkg/logger"
	"github.com/relaymesh/delivery-engine/pkg/prom"
)

var (
	ErrUnknownDevice = errors.New("device is not registered")
	ErrBadCursor     = errors.New("cursor is not a valid record id")
)

type RecordRepository interface {
	ListForRecipient(ctx context.Context, userID string, afterID int64, limit int) ([]*model.DeliveryRecord, error)
	AckDelivered(ctx context.Context, userID, deviceID string, uptoID int64, at time.Time) (int64, error)
}

type DeviceRepository interface {
	Register(ctx context.Context, d *model.DeviceSyncState) (*model.DeviceSyncState, error)
	GetByDeviceID(ctx context.Context, deviceID string) (*model.DeviceSyncState, error)
	AdvanceCursor(ctx context.Context, deviceID string, lastAckedRecordID int64) error
	TouchSync(ctx context.Context, deviceID string, at time.Time) error
}

type Config struct {
	// PageSize caps one sync response.
	PageSize int
}

// Service is the pull side of delivery: devices page through their backlog
// in record-ID order and acknowledge what they stored.
type Service struct {
	records RecordRepository
	devices DeviceRepository
	config  Config
	now     func() time.Time
}

func NewService(records RecordRepository, devices DeviceRepository, config Config) *Service {
	if config.PageSize <= 0 {
		config.PageSize = 100
	}
	return &Service{
		records: records,
		devices: devices,
		config:  config,
		now:     time.Now,
	}
}

// Register creates or refreshes a device's sync state. Re-registering keeps
// the existing cursor so a reinstalled app does not re-download acked
// history unless it asks for it.
func (s *Service) Register(ctx context.Context, req model.RegisterDeviceRequest) (*model.DeviceSyncState, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.devices.Register(ctx, &model.DeviceSyncState{
		UserID:   req.UserID,
		DeviceID: req.DeviceID,
		Platform: req.Platform,
	})
}

// Sync returns the next page of the device's backlog after the cursor. An
// empty cursor means the device's stored cursor; cursor "0" forces a full
// backlog replay within retention.
func (s *Service) Sync(ctx context.Context, deviceID, cursor string, limit int) (*model.SyncPage, error) {
	device, err := s.devices.GetByDeviceID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnknownDevice
		}
		return nil, err
	}

	afterID := device.LastAckedRecordID
	if cursor != "" {
		afterID, err = parseCursor(cursor)
		if err != nil {
			return nil, err
		}
	}

	if limit <= 0 || limit > s.config.PageSize {
		limit = s.config.PageSize
	}

	records, err := s.records.ListForRecipient(ctx, device.UserID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	page := &model.SyncPage{Records: records}
	if len(records) > 0 {
		page.NextCursor = strconv.FormatInt(records[len(records)-1].ID, 10)
	} else {
		page.NextCursor = strconv.FormatInt(afterID, 10)
	}

	if err := s.devices.TouchSync(ctx, deviceID, s.now()); err != nil {
		logger.Warn("failed to touch sync time", "device_id", deviceID, "error", err)
	}

	prom.AddSyncRecordsServed(float64(len(records)))
	return page, nil
}

// Ack advances the device cursor and marks everything up to it delivered.
// A stale or repeated ack is a no-op, never an error: the cursor only moves
// forward.
func (s *Service) Ack(ctx context.Context, deviceID, cursor string) error {
	uptoID, err := parseCursor(cursor)
	if err != nil {
		return err
	}

	device, err := s.devices.GetByDeviceID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUnknownDevice
		}
		return err
	}

	if err := s.devices.AdvanceCursor(ctx, deviceID, uptoID); err != nil {
		if errors.Is(err, repository.ErrCursorRegression) {
			return nil
		}
		return err
	}

	// Records a pull-only device consumed count as delivered once acked.
	if _, err := s.records.AckDelivered(ctx, device.UserID, deviceID, uptoID, s.now()); err != nil {
		return fmt.Errorf("mark acked records delivered: %w", err)
	}
	return nil
}

func parseCursor(cursor string) (int64, error) {
	id, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || id < 0 {
		return 0, ErrBadCursor
	}
	return id, nil
}
