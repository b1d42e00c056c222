package payments

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/and161185/e2ee-identity/internal/model"
)

var (
	// ErrSignature means the payload was not signed with the endpoint secret.
	ErrSignature = errors.New("payments: bad webhook signature")
	// ErrUnroutable means a subscription event lacks the metadata to find its user.
	ErrUnroutable = errors.New("payments: event metadata incomplete")
)

// WebhookDecoder verifies and decodes provider events for one environment's endpoint.
type WebhookDecoder struct {
	secrets map[model.Environment]string
}

func NewWebhookDecoder(secrets map[model.Environment]string) *WebhookDecoder {
	return &WebhookDecoder{secrets: secrets}
}

// Decode verifies the signature and returns the subscription event it carries.
// Events other than customer.subscription.* return (nil, nil).
func (d *WebhookDecoder) Decode(env model.Environment, payload []byte, sigHeader string) (*model.SubscriptionEvent, error) {
	secret := d.secrets[env]
	if secret == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, env)
	}
	event, err := webhook.ConstructEvent(payload, sigHeader, secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}

	switch string(event.Type) {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
	default:
		return nil, nil
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: empty data", ErrUnroutable)
	}

	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	return subscriptionEvent(&event, &sub)
}

func subscriptionEvent(event *stripe.Event, sub *stripe.Subscription) (*model.SubscriptionEvent, error) {
	ids := make(map[string]uuid.UUID, 3)
	for _, key := range []string{MetaAdminID, MetaAppID, MetaUserID} {
		id, err := uuid.FromString(sub.Metadata[key])
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnroutable, key)
		}
		ids[key] = id
	}

	ev := &model.SubscriptionEvent{
		AdminID:           ids[MetaAdminID],
		AppID:             ids[MetaAppID],
		UserID:            ids[MetaUserID],
		SubscriptionID:    sub.ID,
		Status:            string(sub.Status),
		EventTimestamp:    event.Created,
		IsProd:            event.Livemode,
		ProviderAccountID: event.Account,
	}
	if sub.Customer != nil {
		ev.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		ev.PlanID = sub.Items.Data[0].Price.ID
	}
	if sub.CancelAt > 0 {
		at := sub.CancelAt
		ev.CancelAt = &at
	}
	return ev, nil
}
