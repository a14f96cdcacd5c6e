package repository

import (
	"context"
	"errors"
	"time"

	"github.com/relaymesh/delivery-engine/internal/model"
	"github.com/relaymesh/delivery-engine/pkg/pg"
	"gorm.io/gorm"
)

// ErrIllegalTransition is returned when a status update would move a
// delivery record backwards. Updates are guarded in SQL so concurrent
// workers can never regress a terminal record.
var ErrIllegalTransition = errors.New("illegal delivery status transition")

// eligibleFrom lists the statuses a row may currently hold for a move to the
// given status to be legal, per model.CanTransition. The guarded updates
// below embed it in their WHERE clauses.
func eligibleFrom(to model.DeliveryStatus) []string {
	var from []string
	for _, s := range model.DeliveryStatuses {
		if model.CanTransition(s, to) {
			from = append(from, string(s))
		}
	}
	return from
}

type DeliveryRecordRepository struct {
	*pg.DB
}

func NewDeliveryRecordRepository(db *pg.DB) *DeliveryRecordRepository {
	return &DeliveryRecordRepository{
		db,
	}
}

func (r *DeliveryRecordRepository) CreateBatch(ctx context.Context, records []*model.DeliveryRecord) ([]*model.DeliveryRecord, error) {
	entities := make([]*DeliveryRecordEntity, len(records))
	for i, rec := range records {
		entities[i] = toDeliveryRecordEntity(rec)
	}

	if err := r.Write(ctx).WithContext(ctx).Create(&entities).Error; err != nil {
		return nil, err
	}

	return toDeliveryRecordModels(entities), nil
}

func (r *DeliveryRecordRepository) GetByID(ctx context.Context, id int64) (*model.DeliveryRecord, error) {
	var entity DeliveryRecordEntity
	err := r.Read(ctx).WithContext(ctx).First(&entity, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toDeliveryRecordModel(&entity), nil
}

func (r *DeliveryRecordRepository) ListByMessage(ctx context.Context, messageID int64) ([]*model.DeliveryRecord, error) {
	var entities []*DeliveryRecordEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("id ASC").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toDeliveryRecordModels(entities), nil
}

// ListForRecipient returns the catch-up page for a recipient: records created
// after the cursor, in creation order, across all conversations. The page is
// deliberately not scoped to a device, so a device registered after the
// backlog accumulated still sees everything addressed to its owner. Progress
// stays per-device through the caller's cursor.
func (r *DeliveryRecordRepository) ListForRecipient(ctx context.Context, userID string, afterID int64, limit int) ([]*model.DeliveryRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var entities []*DeliveryRecordEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("recipient_id = ?", userID).
		Where("id > ?", afterID).
		Where("status <> ?", string(model.DeliveryStatusDropped)).
		Order("id ASC").
		Limit(limit).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toDeliveryRecordModels(entities), nil
}

// MarkDelivered moves PENDING or FAILED -> DELIVERED.
func (r *DeliveryRecordRepository) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	res := r.Write(ctx).WithContext(ctx).Model(&DeliveryRecordEntity{}).
		Where("id = ? AND status IN ?", id, eligibleFrom(model.DeliveryStatusDelivered)).
		Updates(map[string]interface{}{
			"status":       string(model.DeliveryStatusDelivered),
			"delivered_at": at,
			"next_retry_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// MarkFailed moves PENDING -> FAILED, bumps the attempt counter and records
// the retry schedule.
func (r *DeliveryRecordRepository) MarkFailed(ctx context.Context, id int64, lastError string, nextRetryAt *time.Time) error {
	res := r.Write(ctx).WithContext(ctx).Model(&DeliveryRecordEntity{}).
		Where("id = ? AND status IN ?", id, eligibleFrom(model.DeliveryStatusFailed)).
		Updates(map[string]interface{}{
			"status":        string(model.DeliveryStatusFailed),
			"attempts":      gorm.Expr("attempts + 1"),
			"last_error":    lastError,
			"next_retry_at": nextRetryAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// Requeue moves FAILED -> PENDING when a scheduled retry fires.
func (r *DeliveryRecordRepository) Requeue(ctx context.Context, id int64) error {
	res := r.Write(ctx).WithContext(ctx).Model(&DeliveryRecordEntity{}).
		Where("id = ? AND status IN ?", id, eligibleFrom(model.DeliveryStatusPending)).
		Updates(map[string]interface{}{
			"status":        string(model.DeliveryStatusPending),
			"next_retry_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// MarkDropped moves PENDING or FAILED -> DROPPED with a reason.
func (r *DeliveryRecordRepository) MarkDropped(ctx context.Context, id int64, reason string) error {
	res := r.Write(ctx).WithContext(ctx).Model(&DeliveryRecordEntity{}).
		Where("id = ? AND status IN ?", id, eligibleFrom(model.DeliveryStatusDropped)).
		Updates(map[string]interface{}{
			"status":        string(model.DeliveryStatusDropped),
			"drop_reason":   reason,
			"next_retry_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// CancelPending drops every record of a message that has not seen a delivery
// attempt yet. Returns the number of records cancelled; DELIVERED records
// are untouched (no retraction).
func (r *DeliveryRecordRepository) CancelPending(ctx context.Context, messageID int64) (int64, error) {
	res := r.Write(ctx).WithContext(ctx).Model(&DeliveryRecordEntity{}).
		Where("message_id = ? AND status = ? AND attempts = 0", messageID, string(model.DeliveryStatusPending)).
		Updates(map[string]interface{}{
			"status":      string(model.DeliveryStatusDropped),
			"drop_reason": model.DropReasonCancelled,
		})
	return res.RowsAffected, res.Error
}

// AckDelivered marks a device's pending records up to and including uptoID
// as delivered. Sync acks are delivery confirmations for pull-based devices.
func (r *DeliveryRecordRepository) AckDelivered(ctx context.Context, userID, deviceID string, uptoID int64, at time.Time) (int64, error) {
	res := r.Write(ctx).WithContext(ctx).Model(&DeliveryRecordEntity{}).
		Where("recipient_id = ? AND (device_id = ? OR device_id = '')", userID, deviceID).
		Where("id <= ? AND status IN ?", uptoID, eligibleFrom(model.DeliveryStatusDelivered)).
		Updates(map[string]interface{}{
			"status":        string(model.DeliveryStatusDelivered),
			"delivered_at":  at,
			"next_retry_at": nil,
		})
	return res.RowsAffected, res.Error
}

// PurgeDelivered removes DELIVERED records older than the cutoff in batches.
func (r *DeliveryRecordRepository) PurgeDelivered(ctx context.Context, before time.Time, batch int) (int64, error) {
	return r.purge(ctx, []string{string(model.DeliveryStatusDelivered)}, before, batch)
}

// PurgeTerminalFailures removes FAILED and DROPPED records past the longer
// audit retention window.
func (r *DeliveryRecordRepository) PurgeTerminalFailures(ctx context.Context, before time.Time, batch int) (int64, error) {
	return r.purge(ctx, []string{
		string(model.DeliveryStatusFailed),
		string(model.DeliveryStatusDropped),
	}, before, batch)
}

func (r *DeliveryRecordRepository) purge(ctx context.Context, statuses []string, before time.Time, batch int) (int64, error) {
	if batch <= 0 {
		batch = 1000
	}
	res := r.Write(ctx).WithContext(ctx).
		Where("id IN (?)", r.Write(ctx).Model(&DeliveryRecordEntity{}).
			Select("id").
			Where("status IN ? AND created_at < ?", statuses, before).
			Limit(batch)).
		Delete(&DeliveryRecordEntity{})
	return res.RowsAffected, res.Error
}
