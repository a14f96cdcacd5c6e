package model

import "time"

// DeliveryStatus is the lifecycle state of one (message, recipient, device)
// delivery. Transitions only move forward:
//
//	PENDING -> DELIVERED | FAILED | DROPPED
//	FAILED  -> PENDING (scheduled retry) | DELIVERED (via sync ack) | DROPPED
//
// DELIVERED and DROPPED are terminal.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "PENDING"
	DeliveryStatusDelivered DeliveryStatus = "DELIVERED"
	DeliveryStatusFailed    DeliveryStatus = "FAILED"
	DeliveryStatusDropped   DeliveryStatus = "DROPPED"
)

// DeliveryStatuses lists every lifecycle state.
var DeliveryStatuses = []DeliveryStatus{
	DeliveryStatusPending,
	DeliveryStatusDelivered,
	DeliveryStatusFailed,
	DeliveryStatusDropped,
}

// CanTransition reports whether from -> to is a legal forward move. The
// repository's guarded updates derive their WHERE clauses from this table, so
// it is the single source of truth for the lifecycle.
func CanTransition(from, to DeliveryStatus) bool {
	switch from {
	case DeliveryStatusPending:
		return to == DeliveryStatusDelivered || to == DeliveryStatusFailed || to == DeliveryStatusDropped
	case DeliveryStatusFailed:
		return to == DeliveryStatusPending || to == DeliveryStatusDelivered || to == DeliveryStatusDropped
	default:
		return false
	}
}

// Drop reasons recorded on terminal DROPPED records.
const (
	DropReasonMaxAttempts = "MAX_ATTEMPTS"
	DropReasonCancelled   = "CANCELLED"
	DropReasonPermanent   = "PERMANENT"
	DropReasonEscalated   = "ESCALATED"
)

type DeliveryRecord struct {
	ID             int64          `json:"id"              gorm:"primaryKey;autoIncrement;column:id"`
	MessageID      int64          `json:"message_id"      gorm:"column:message_id;not null;index"`
	ConversationID string         `json:"conversation_id" gorm:"column:conversation_id;not null;index"`
	RecipientID    string         `json:"recipient_id"    gorm:"column:recipient_id;not null;index:idx_delivery_device"`
	DeviceID       string         `json:"device_id"       gorm:"column:device_id;index:idx_delivery_device"` // empty until the recipient registers a device
	Priority       Priority       `json:"priority"        gorm:"column:priority;not null"`
	Status         DeliveryStatus `json:"status"          gorm:"column:status;not null;index"`
	Attempts       int            `json:"attempts"        gorm:"column:attempts;not null;default:0"`
	NextRetryAt    *time.Time     `json:"next_retry_at"   gorm:"column:next_retry_at"`
	LastError      string         `json:"last_error"      gorm:"column:last_error"`
	DeliveredAt    *time.Time     `json:"delivered_at"    gorm:"column:delivered_at"`
	DropReason     string         `json:"drop_reason"     gorm:"column:drop_reason"`
	CreatedAt      time.Time      `json:"created_at"      gorm:"column:created_at;autoCreateTime"`
}

func (DeliveryRecord) TableName() string { return "delivery_records" }

func (r *DeliveryRecord) Terminal() bool {
	return r.Status == DeliveryStatusDelivered || r.Status == DeliveryStatusDropped
}
