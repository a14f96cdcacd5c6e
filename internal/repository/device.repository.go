package repository

import (
	"context"
	"errors"
	"time"

	"github.com/relaymesh/delivery-engine/internal/model"
	"github.com/relaymesh/delivery-engine/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrCursorRegression is returned when an ack would move a device cursor
// backwards. The cursor is strictly non-decreasing per device.
var ErrCursorRegression = errors.New("ack cursor would move backwards")

type DeviceRepository struct {
	*pg.DB
}

func NewDeviceRepository(db *pg.DB) *DeviceRepository {
	return &DeviceRepository{
		db,
	}
}

// Register upserts a (user, device) sync state. Re-registering an existing
// device refreshes the platform but keeps the cursor.
func (r *DeviceRepository) Register(ctx context.Context, d *model.DeviceSyncState) (*model.DeviceSyncState, error) {
	entity := toDeviceEntity(d)

	err := r.Write(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"platform"}),
		}).
		Create(entity).Error
	if err != nil {
		return nil, err
	}

	var stored DeviceSyncStateEntity
	err = r.Read(ctx).WithContext(ctx).
		First(&stored, "user_id = ? AND device_id = ?", d.UserID, d.DeviceID).Error
	if err != nil {
		return nil, err
	}
	return toDeviceModel(&stored), nil
}

func (r *DeviceRepository) Get(ctx context.Context, userID, deviceID string) (*model.DeviceSyncState, error) {
	var entity DeviceSyncStateEntity
	err := r.Read(ctx).WithContext(ctx).
		First(&entity, "user_id = ? AND device_id = ?", userID, deviceID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toDeviceModel(&entity), nil
}

func (r *DeviceRepository) GetByDeviceID(ctx context.Context, deviceID string) (*model.DeviceSyncState, error) {
	var entity DeviceSyncStateEntity
	err := r.Read(ctx).WithContext(ctx).
		First(&entity, "device_id = ?", deviceID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toDeviceModel(&entity), nil
}

func (r *DeviceRepository) ListByUser(ctx context.Context, userID string) ([]*model.DeviceSyncState, error) {
	var entities []*DeviceSyncStateEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toDeviceModels(entities), nil
}

// AdvanceCursor moves the ack cursor forward. Regressions affect zero rows
// and come back as ErrCursorRegression; equal acks are treated the same way
// and are harmless to retry.
func (r *DeviceRepository) AdvanceCursor(ctx context.Context, deviceID string, lastAckedRecordID int64) error {
	res := r.Write(ctx).WithContext(ctx).Model(&DeviceSyncStateEntity{}).
		Where("device_id = ? AND last_acked_record_id < ?", deviceID, lastAckedRecordID).
		Update("last_acked_record_id", lastAckedRecordID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCursorRegression
	}
	return nil
}

func (r *DeviceRepository) TouchSync(ctx context.Context, deviceID string, at time.Time) error {
	return r.Write(ctx).WithContext(ctx).Model(&DeviceSyncStateEntity{}).
		Where("device_id = ?", deviceID).
		Update("last_sync_at", at).Error
}
