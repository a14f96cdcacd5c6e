package repository

import (
	"time"

	"github.com/relaymesh/delivery-engine/internal/model"
)

type DeliveryRecordEntity struct {
	ID             int64      `db:"id"              gorm:"primaryKey;autoIncrement;column:id"`
	MessageID      int64      `db:"message_id"      gorm:"column:message_id;not null;index"`
	ConversationID string     `db:"conversation_id" gorm:"column:conversation_id;not null;index"`
	RecipientID    string     `db:"recipient_id"    gorm:"column:recipient_id;not null;index:idx_delivery_device"`
	DeviceID       string     `db:"device_id"       gorm:"column:device_id;index:idx_delivery_device"`
	Priority       string     `db:"priority"        gorm:"column:priority;not null"`
	Status         string     `db:"status"          gorm:"column:status;not null;index"`
	Attempts       int        `db:"attempts"        gorm:"column:attempts;not null;default:0"`
	NextRetryAt    *time.Time `db:"next_retry_at"   gorm:"column:next_retry_at"`
	LastError      string     `db:"last_error"      gorm:"column:last_error"`
	DeliveredAt    *time.Time `db:"delivered_at"    gorm:"column:delivered_at"`
	DropReason     string     `db:"drop_reason"     gorm:"column:drop_reason"`
	CreatedAt      time.Time  `db:"created_at"      gorm:"column:created_at;autoCreateTime"`
}

func (DeliveryRecordEntity) TableName() string { return "delivery_records" }

func toDeliveryRecordEntity(r *model.DeliveryRecord) *DeliveryRecordEntity {
	if r == nil {
		return nil
	}
	return &DeliveryRecordEntity{
		ID:             r.ID,
		MessageID:      r.MessageID,
		ConversationID: r.ConversationID,
		RecipientID:    r.RecipientID,
		DeviceID:       r.DeviceID,
		Priority:       string(r.Priority),
		Status:         string(r.Status),
		Attempts:       r.Attempts,
		NextRetryAt:    r.NextRetryAt,
		LastError:      r.LastError,
		DeliveredAt:    r.DeliveredAt,
		DropReason:     r.DropReason,
		CreatedAt:      r.CreatedAt,
	}
}

func toDeliveryRecordModel(e *DeliveryRecordEntity) *model.DeliveryRecord {
	if e == nil {
		return nil
	}
	return &model.DeliveryRecord{
		ID:             e.ID,
		MessageID:      e.MessageID,
		ConversationID: e.ConversationID,
		RecipientID:    e.RecipientID,
		DeviceID:       e.DeviceID,
		Priority:       model.Priority(e.Priority),
		Status:         model.DeliveryStatus(e.Status),
		Attempts:       e.Attempts,
		NextRetryAt:    e.NextRetryAt,
		LastError:      e.LastError,
		DeliveredAt:    e.DeliveredAt,
		DropReason:     e.DropReason,
		CreatedAt:      e.CreatedAt,
	}
}

func toDeliveryRecordModels(entities []*DeliveryRecordEntity) []*model.DeliveryRecord {
	if entities == nil {
		return nil
	}
	models := make([]*model.DeliveryRecord, len(entities))
	for i, e := range entities {
		models[i] = toDeliveryRecordModel(e)
	}
	return models
}
