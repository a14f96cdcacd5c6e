package repository

import (
	"time"

	"github.com/relaymesh/delivery-engine/internal/model"
)

type DeviceSyncStateEntity struct {
	ID                int64      `db:"id"                   gorm:"primaryKey;autoIncrement;column:id"`
	UserID            string     `db:"user_id"              gorm:"column:user_id;not null;uniqueIndex:idx_user_device"`
	DeviceID          string     `db:"device_id"            gorm:"column:device_id;not null;uniqueIndex:idx_user_device;index"`
	Platform          string     `db:"platform"             gorm:"column:platform;not null"`
	LastAckedRecordID int64      `db:"last_acked_record_id" gorm:"column:last_acked_record_id;not null;default:0"`
	LastSyncAt        *time.Time `db:"last_sync_at"         gorm:"column:last_sync_at"`
	CreatedAt         time.Time  `db:"created_at"           gorm:"column:created_at;autoCreateTime"`
}

func (DeviceSyncStateEntity) TableName() string { return "device_sync_states" }

func toDeviceEntity(d *model.DeviceSyncState) *DeviceSyncStateEntity {
	if d == nil {
		return nil
	}
	return &DeviceSyncStateEntity{
		ID:                d.ID,
		UserID:            d.UserID,
		DeviceID:          d.DeviceID,
		Platform:          d.Platform,
		LastAckedRecordID: d.LastAckedRecordID,
		LastSyncAt:        d.LastSyncAt,
		CreatedAt:         d.CreatedAt,
	}
}

func toDeviceModel(e *DeviceSyncStateEntity) *model.DeviceSyncState {
	if e == nil {
		return nil
	}
	return &model.DeviceSyncState{
		ID:                e.ID,
		UserID:            e.UserID,
		DeviceID:          e.DeviceID,
		Platform:          e.Platform,
		LastAckedRecordID: e.LastAckedRecordID,
		LastSyncAt:        e.LastSyncAt,
		CreatedAt:         e.CreatedAt,
	}
}

func toDeviceModels(entities []*DeviceSyncStateEntity) []*model.DeviceSyncState {
	if entities == nil {
		return nil
	}
	models := make([]*model.DeviceSyncState, len(entities))
	for i, e := range entities {
		models[i] = toDeviceModel(e)
	}
	return models
}
