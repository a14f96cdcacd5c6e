package ingress

import (
	"context"
	"time"

	"github.com/relaymesh/delivery-engine/internal/model"
)

// Profile is the slice of the user directory ingress needs for admission.
type Profile struct {
	UserID      string    `json:"user_id"`
	CountryCode string    `json:"country_code"`
	BirthDate   time.Time `json:"birth_date"`
}

// AgeYears is the profile's age at `now`.
func (p *Profile) AgeYears(now time.Time) int {
	if p.BirthDate.IsZero() {
		return 0
	}
	years := now.Year() - p.BirthDate.Year()
	if now.YearDay() < p.BirthDate.YearDay() {
		years--
	}
	return years
}

// ProfileDirectory looks up sender profiles. Owned by the identity service,
// consumed read-only here.
type ProfileDirectory interface {
	Get(ctx context.Context, userID string) (*Profile, error)
}

// BlockChecker answers whether a recipient has blocked the sender.
type BlockChecker interface {
	IsBlocked(ctx context.Context, senderID, recipientID string) (bool, error)
}

// SafetyRegistry knows which conversations the trust-and-safety system has
// frozen.
type SafetyRegistry interface {
	IsConversationFrozen(ctx context.Context, conversationID string) (bool, error)
}

// BillingClient authorizes a message exactly once before enqueue. The
// returned billing state is stored opaquely on the message and never
// re-evaluated on delivery retries.
type BillingClient interface {
	Authorize(ctx context.Context, req model.EnqueueRequest) (billingState string, err error)
}

// NopBlockChecker admits everything. Used when the social-graph collaborator
// is not deployed.
type NopBlockChecker struct{}

func (NopBlockChecker) IsBlocked(ctx context.Context, senderID, recipientID string) (bool, error) {
	return false, nil
}

type NopSafetyRegistry struct{}

func (NopSafetyRegistry) IsConversationFrozen(ctx context.Context, conversationID string) (bool, error) {
	return false, nil
}

// NopBillingClient authorizes everything with an empty billing state.
type NopBillingClient struct{}

func (NopBillingClient) Authorize(ctx context.Context, req model.EnqueueRequest) (string, error) {
	return "", nil
}
