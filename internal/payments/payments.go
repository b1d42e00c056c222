// Package payments talks to the payment provider on behalf of admins' connected accounts.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/and161185/e2ee-identity/internal/model"
)

// Metadata keys attached to subscriptions so webhook events can be routed back.
const (
	MetaAdminID = "admin_id"
	MetaAppID   = "app_id"
	MetaUserID  = "user_id"
)

// ErrNotConfigured is returned for an environment without a secret key.
var ErrNotConfigured = errors.New("payments: environment not configured")

// CheckoutRequest starts a subscription purchase.
type CheckoutRequest struct {
	Account    string // connected account
	CustomerID string
	PlanID     string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// Provider is the payment provider collaborator.
type Provider interface {
	CreateCustomer(ctx context.Context, env model.Environment, account, email string, meta map[string]string) (string, error)
	CreateCheckoutSession(ctx context.Context, env model.Environment, req CheckoutRequest) (string, error)
	CreateSetupSession(ctx context.Context, env model.Environment, req CheckoutRequest, subscriptionID string) (string, error)
	// CancelSubscription cancels at period end and returns the provider's cancel-at (unix seconds).
	CancelSubscription(ctx context.Context, env model.Environment, account, subscriptionID string) (int64, error)
	ResumeSubscription(ctx context.Context, env model.Environment, account, subscriptionID string) error
}

// Stripe implements Provider with one API client per environment.
type Stripe struct {
	clients map[model.Environment]*client.API
}

// NewStripe builds clients for every environment with a non-empty key.
func NewStripe(keys map[model.Environment]string) *Stripe {
	s := &Stripe{clients: make(map[model.Environment]*client.API)}
	for env, key := range keys {
		if key == "" {
			continue
		}
		sc := &client.API{}
		sc.Init(key, nil)
		s.clients[env] = sc
	}
	return s
}

func (s *Stripe) client(env model.Environment) (*client.API, error) {
	sc, ok := s.clients[env]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, env)
	}
	return sc, nil
}

func params(ctx context.Context, p *stripe.Params, account string) {
	p.Context = ctx
	if account != "" {
		p.SetStripeAccount(account)
	}
}

// CreateCustomer creates a customer on the connected account.
func (s *Stripe) CreateCustomer(
	ctx context.Context, env model.Environment, account, email string, meta map[string]string,
) (string, error) {
	sc, err := s.client(env)
	if err != nil {
		return "", err
	}
	p := &stripe.CustomerParams{}
	if email != "" {
		p.Email = stripe.String(email)
	}
	for k, v := range meta {
		p.AddMetadata(k, v)
	}
	params(ctx, &p.Params, account)
	c, err := sc.Customers.New(p)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	return c.ID, nil
}

// CreateCheckoutSession opens a subscription checkout and returns its session id.
func (s *Stripe) CreateCheckoutSession(ctx context.Context, env model.Environment, req CheckoutRequest) (string, error) {
	sc, err := s.client(env)
	if err != nil {
		return "", err
	}
	p := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:   stripe.String(req.CustomerID),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.PlanID), Quantity: stripe.Int64(1)},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{Metadata: req.Metadata},
	}
	params(ctx, &p.Params, req.Account)
	cs, err := sc.CheckoutSessions.New(p)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return cs.ID, nil
}

// CreateSetupSession opens a checkout in setup mode to replace the subscription's payment method.
func (s *Stripe) CreateSetupSession(
	ctx context.Context, env model.Environment, req CheckoutRequest, subscriptionID string,
) (string, error) {
	sc, err := s.client(env)
	if err != nil {
		return "", err
	}
	p := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSetup)),
		Customer:           stripe.String(req.CustomerID),
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		SetupIntentData: &stripe.CheckoutSessionSetupIntentDataParams{
			Metadata: map[string]string{"customer_id": req.CustomerID, "subscription_id": subscriptionID},
		},
	}
	params(ctx, &p.Params, req.Account)
	cs, err := sc.CheckoutSessions.New(p)
	if err != nil {
		return "", fmt.Errorf("create setup session: %w", err)
	}
	return cs.ID, nil
}

// CancelSubscription schedules cancellation at period end.
func (s *Stripe) CancelSubscription(
	ctx context.Context, env model.Environment, account, subscriptionID string,
) (int64, error) {
	sc, err := s.client(env)
	if err != nil {
		return 0, err
	}
	p := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params(ctx, &p.Params, account)
	sub, err := sc.Subscriptions.Update(subscriptionID, p)
	if err != nil {
		return 0, fmt.Errorf("cancel subscription: %w", err)
	}
	return sub.CancelAt, nil
}

// ResumeSubscription undoes a scheduled cancellation.
func (s *Stripe) ResumeSubscription(ctx context.Context, env model.Environment, account, subscriptionID string) error {
	sc, err := s.client(env)
	if err != nil {
		return err
	}
	p := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(false)}
	params(ctx, &p.Params, account)
	if _, err := sc.Subscriptions.Update(subscriptionID, p); err != nil {
		return fmt.Errorf("resume subscription: %w", err)
	}
	return nil
}
