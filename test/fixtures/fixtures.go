package fixtures

import (
	"context"
	"time"

	"github.com/relaymesh/delivery-engine/internal/ingress"
	"github.com/relaymesh/delivery-engine/internal/model"
)

var (
	AdultSender = ingress.Profile{
		UserID:      "alice",
		CountryCode: "DE",
		BirthDate:   time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	TeenSender = ingress.Profile{
		UserID:      "casey",
		CountryCode: "US",
		BirthDate:   time.Now().AddDate(-10, 0, 0),
	}
)

// Directory serves profiles from memory for tests.
type Directory struct {
	Profiles map[string]ingress.Profile
}

func NewDirectory(profiles ...ingress.Profile) *Directory {
	d := &Directory{Profiles: make(map[string]ingress.Profile)}
	for _, p := range profiles {
		d.Profiles[p.UserID] = p
	}
	return d
}

func (d *Directory) Get(ctx context.Context, userID string) (*ingress.Profile, error) {
	if p, ok := d.Profiles[userID]; ok {
		return &p, nil
	}
	// Unknown users look like adults so admission does not block on them.
	p := ingress.Profile{UserID: userID, CountryCode: "DE", BirthDate: time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)}
	return &p, nil
}

func NewEnqueueRequest(clientMessageID, conversationID, senderID string, recipients ...string) model.EnqueueRequest {
	return model.EnqueueRequest{
		ClientMessageID: clientMessageID,
		ConversationID:  conversationID,
		SenderID:        senderID,
		RecipientIDs:    recipients,
		PayloadRef:      "blob://" + clientMessageID,
		Kind:            model.KindHuman,
		Priority:        model.PriorityNormal,
	}
}

func NewDevice(userID, deviceID string) model.RegisterDeviceRequest {
	return model.RegisterDeviceRequest{
		UserID:   userID,
		DeviceID: deviceID,
		Platform: "ios",
	}
}
