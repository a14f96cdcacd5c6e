package model

import (
	"errors"
	"time"
)

// DeviceSyncState tracks one device's catch-up progress. LastAckedRecordID is
// the sync cursor and never moves backwards.
type DeviceSyncState struct {
	ID                int64      `json:"id"                   gorm:"primaryKey;autoIncrement;column:id"`
	UserID            string     `json:"user_id"              gorm:"column:user_id;not null;uniqueIndex:idx_user_device"`
	DeviceID          string     `json:"device_id"            gorm:"column:device_id;not null;uniqueIndex:idx_user_device;index"`
	Platform          string     `json:"platform"             gorm:"column:platform;not null"`
	LastAckedRecordID int64      `json:"last_acked_record_id" gorm:"column:last_acked_record_id;not null;default:0"`
	LastSyncAt        *time.Time `json:"last_sync_at"         gorm:"column:last_sync_at"`
	CreatedAt         time.Time  `json:"created_at"           gorm:"column:created_at;autoCreateTime"`
}

func (DeviceSyncState) TableName() string { return "device_sync_states" }

type RegisterDeviceRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`
}

func (r RegisterDeviceRequest) Validate() error {
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	if r.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if r.Platform == "" {
		return errors.New("platform is required")
	}
	return nil
}

// SyncPage is one page of catch-up records plus the continuation cursor.
type SyncPage struct {
	Records    []*DeliveryRecord `json:"records"`
	NextCursor string            `json:"next_cursor"`
}
