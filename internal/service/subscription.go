package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/e2ee-identity/internal/errs"
	"github.com/and161185/e2ee-identity/internal/model"
	"github.com/and161185/e2ee-identity/internal/payments"
)

// RedirectURLs are where the provider's hosted page sends the browser back to.
type RedirectURLs struct {
	SuccessURL string
	CancelURL  string
}

// SubscriptionReconciler keeps user entitlements in sync with provider events
// and starts provider flows on the user's behalf.
type SubscriptionReconciler interface {
	// ApplySubscriptionEvent stores an event if it is routable and newer than
	// what is stored. Unroutable events are logged and acknowledged.
	ApplySubscriptionEvent(ctx context.Context, ev model.SubscriptionEvent) error
	// ValidatePayment gates paid features; it passes when the app has payments disabled.
	ValidatePayment(user *model.User, app *model.App) error
	StripeData(user *model.User, app *model.App) model.StripeData

	CreateSubscriptionPaymentSession(ctx context.Context, p *model.Principal, urls RedirectURLs) (string, error)
	CancelSubscription(ctx context.Context, p *model.Principal) (time.Time, error)
	ResumeSubscription(ctx context.Context, p *model.Principal) error
	UpdatePaymentMethod(ctx context.Context, p *model.Principal, urls RedirectURLs) (string, error)
}

type SubscriptionReconcilerImpl struct {
	d *Deps
}

func NewSubscriptionReconciler(d *Deps) *SubscriptionReconcilerImpl {
	return &SubscriptionReconcilerImpl{d: d}
}

func isEntitled(status string) bool {
	return status == model.StatusActive || status == model.StatusTrialing
}

func (r *SubscriptionReconcilerImpl) ApplySubscriptionEvent(ctx context.Context, ev model.SubscriptionEvent) error {
	env := model.EnvironmentFor(ev.IsProd)
	log := r.d.log().With(
		zap.String("admin_id", ev.AdminID.String()),
		zap.String("app_id", ev.AppID.String()),
		zap.String("user_id", ev.UserID.String()),
		zap.String("subscription_id", ev.SubscriptionID),
		zap.String("env", string(env)),
	)
	skip := func(why string) error {
		log.Warn("subscription event skipped", zap.String("integrity", why))
		return nil
	}

	admin, err := r.d.Registry.GetAdmin(ctx, ev.AdminID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return skip("admin not found")
	case err != nil:
		return r.d.upstream("get admin", err)
	case admin.DeletedAt != nil:
		return skip("admin deleted")
	}

	app, err := r.d.Registry.GetApp(ctx, ev.AppID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return skip("app not found")
	case err != nil:
		return r.d.upstream("get app", err)
	case app.DeletedAt != nil:
		return skip("app deleted")
	case app.AdminID != admin.AdminID:
		return skip("app belongs to another admin")
	}

	user, err := r.d.Users.GetByID(ctx, ev.UserID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return skip("user not found")
	case errors.Is(err, errs.ErrIntegrity):
		return r.d.integrity("more than one user for user id", err, zap.String("user_id", ev.UserID.String()))
	case err != nil:
		return r.d.upstream("get user", err)
	case user.AppID != app.AppID:
		return skip("user belongs to another app")
	}

	if admin.StripeAccountID == "" || admin.StripeAccountID != ev.ProviderAccountID {
		return skip("payment account mismatch")
	}
	if plan := app.PlanID(env); plan == "" || plan != ev.PlanID {
		return skip("plan mismatch")
	}

	ts := ev.EventTimestamp
	sub := model.Subscription{
		CustomerID:     ev.CustomerID,
		SubscriptionID: ev.SubscriptionID,
		PlanID:         ev.PlanID,
		Status:         ev.Status,
		CancelAt:       ev.CancelAt,
		EventTimestamp: &ts,
	}
	applied, err := r.d.Subscriptions.ApplyEvent(ctx, app.AppID, user.UserID, env, sub)
	if err != nil {
		return r.d.upstream("apply subscription event", err)
	}
	if !applied {
		log.Debug("stale subscription event ignored", zap.Int64("event_timestamp", ts))
		return nil
	}
	log.Info("subscription updated", zap.String("status", ev.Status))
	return nil
}

func (r *SubscriptionReconcilerImpl) ValidatePayment(user *model.User, app *model.App) error {
	env, enabled := app.PaymentsMode.Environment()
	if !enabled {
		return nil
	}
	plan := app.PlanID(env)
	if plan == "" {
		return errs.Unauthorized(errs.CodeSubscriptionPlanNotSet, "Subscription plan not set")
	}
	sub := user.Subscriptions.Get(env)
	switch {
	case sub.SubscriptionID == "":
		return errs.Unauthorized(errs.CodeSubscriptionNotFound, "Subscription not found")
	case sub.PlanID != plan:
		return errs.Unauthorized(errs.CodeSubscribedToIncorrectPlan, "Subscribed to incorrect plan")
	case !isEntitled(sub.Status):
		return errs.Unauthorized(errs.CodeSubscriptionInactive, "Subscription inactive")
	}
	return nil
}

func (r *SubscriptionReconcilerImpl) StripeData(user *model.User, app *model.App) model.StripeData {
	data := model.StripeData{PaymentsMode: app.PaymentsMode}
	env, enabled := app.PaymentsMode.Environment()
	if !enabled {
		data.PaymentsMode = model.PaymentsDisabled
		return data
	}
	sub := user.Subscriptions.Get(env)
	data.SubscriptionStatus = sub.Status
	data.SubscriptionPlanID = sub.PlanID
	if sub.CancelAt != nil {
		at := time.Unix(*sub.CancelAt, 0).UTC()
		data.CancelSubscriptionAt = &at
	}
	return data
}

// billing resolves the environment and connected account for a principal.
func (r *SubscriptionReconcilerImpl) billing(p *model.Principal) (model.Environment, string, error) {
	env, enabled := p.App.PaymentsMode.Environment()
	if !enabled {
		return "", "", errs.Unauthorized(errs.CodePaymentsDisabled, "Payments disabled")
	}
	if p.Admin.StripeAccountID == "" {
		return "", "", errs.Unauthorized(errs.CodePaymentAccountNotConnected, "Payment account not connected")
	}
	return env, p.Admin.StripeAccountID, nil
}

func (r *SubscriptionReconcilerImpl) metadata(p *model.Principal) map[string]string {
	return map[string]string{
		payments.MetaAdminID: p.Admin.AdminID.String(),
		payments.MetaAppID:   p.App.AppID.String(),
		payments.MetaUserID:  p.User.UserID.String(),
	}
}

// customer returns the user's provider customer for env, creating one if needed.
func (r *SubscriptionReconcilerImpl) customer(ctx context.Context, p *model.Principal, env model.Environment, account string) (string, error) {
	if id := p.User.Subscriptions.Get(env).CustomerID; id != "" {
		return id, nil
	}
	cctx, cancel := r.d.withTimeout(ctx)
	defer cancel()
	id, err := r.d.Payments.CreateCustomer(cctx, env, account, p.User.Email, r.metadata(p))
	if err != nil {
		return "", r.d.upstream("create customer", err)
	}
	err = r.d.Subscriptions.SetCustomerID(ctx, p.User.UserID, env, id)
	if errors.Is(err, errs.ErrVersionConflict) {
		// Lost the race: use the customer that was stored first.
		u, err := r.d.loadUserByID(ctx, p.User.UserID)
		if err != nil {
			return "", err
		}
		return u.Subscriptions.Get(env).CustomerID, nil
	}
	if err != nil {
		return "", r.d.upstream("set customer id", err)
	}
	return id, nil
}

func (r *SubscriptionReconcilerImpl) CreateSubscriptionPaymentSession(
	ctx context.Context, p *model.Principal, urls RedirectURLs,
) (string, error) {
	env, account, err := r.billing(p)
	if err != nil {
		return "", err
	}
	plan := p.App.PlanID(env)
	if plan == "" {
		return "", errs.Unauthorized(errs.CodeSubscriptionPlanNotSet, "Subscription plan not set")
	}
	if sub := p.User.Subscriptions.Get(env); sub.PlanID == plan && isEntitled(sub.Status) {
		return "", errs.Conflict(errs.CodeSubscriptionPlanAlreadyBought, "Subscription plan already purchased")
	}
	if err := validateRedirects(urls); err != nil {
		return "", err
	}
	customerID, err := r.customer(ctx, p, env, account)
	if err != nil {
		return "", err
	}

	cctx, cancel := r.d.withTimeout(ctx)
	defer cancel()
	id, err := r.d.Payments.CreateCheckoutSession(cctx, env, payments.CheckoutRequest{
		Account:    account,
		CustomerID: customerID,
		PlanID:     plan,
		SuccessURL: urls.SuccessURL,
		CancelURL:  urls.CancelURL,
		Metadata:   r.metadata(p),
	})
	if err != nil {
		return "", r.d.upstream("create checkout session", err)
	}
	return id, nil
}

func (r *SubscriptionReconcilerImpl) CancelSubscription(ctx context.Context, p *model.Principal) (time.Time, error) {
	env, account, err := r.billing(p)
	if err != nil {
		return time.Time{}, err
	}
	sub := p.User.Subscriptions.Get(env)
	if sub.SubscriptionID == "" {
		return time.Time{}, errs.Unauthorized(errs.CodeSubscriptionPlanNotSet, "Subscription plan not set")
	}

	cctx, cancel := r.d.withTimeout(ctx)
	defer cancel()
	cancelAt, err := r.d.Payments.CancelSubscription(cctx, env, account, sub.SubscriptionID)
	if err != nil {
		return time.Time{}, r.d.upstream("cancel subscription", err)
	}
	if err := r.setCancelAt(ctx, p, env, sub.SubscriptionID, &cancelAt); err != nil {
		return time.Time{}, err
	}
	return time.Unix(cancelAt, 0).UTC(), nil
}

func (r *SubscriptionReconcilerImpl) ResumeSubscription(ctx context.Context, p *model.Principal) error {
	env, account, err := r.billing(p)
	if err != nil {
		return err
	}
	sub := p.User.Subscriptions.Get(env)
	if sub.SubscriptionID == "" {
		return errs.Unauthorized(errs.CodeSubscriptionPlanNotSet, "Subscription plan not set")
	}

	cctx, cancel := r.d.withTimeout(ctx)
	defer cancel()
	if err := r.d.Payments.ResumeSubscription(cctx, env, account, sub.SubscriptionID); err != nil {
		return r.d.upstream("resume subscription", err)
	}
	return r.setCancelAt(ctx, p, env, sub.SubscriptionID, nil)
}

// setCancelAt mirrors the provider answer locally; webhook events stay authoritative.
func (r *SubscriptionReconcilerImpl) setCancelAt(
	ctx context.Context, p *model.Principal, env model.Environment, subscriptionID string, cancelAt *int64,
) error {
	err := r.d.Subscriptions.SetCancelAt(ctx, p.User.UserID, env, subscriptionID, cancelAt)
	if errors.Is(err, errs.ErrVersionConflict) {
		r.d.log().Info("subscription replaced before cancel-at write",
			zap.String("user_id", p.User.UserID.String()), zap.String("subscription_id", subscriptionID))
		return nil
	}
	if err != nil {
		return r.d.upstream("set cancel at", err)
	}
	return nil
}

func (r *SubscriptionReconcilerImpl) UpdatePaymentMethod(
	ctx context.Context, p *model.Principal, urls RedirectURLs,
) (string, error) {
	env, account, err := r.billing(p)
	if err != nil {
		return "", err
	}
	sub := p.User.Subscriptions.Get(env)
	if sub.SubscriptionID == "" || sub.CustomerID == "" {
		return "", errs.Unauthorized(errs.CodeSubscriptionNotFound, "Subscription not found")
	}
	if err := validateRedirects(urls); err != nil {
		return "", err
	}

	cctx, cancel := r.d.withTimeout(ctx)
	defer cancel()
	id, err := r.d.Payments.CreateSetupSession(cctx, env, payments.CheckoutRequest{
		Account:    account,
		CustomerID: sub.CustomerID,
		SuccessURL: urls.SuccessURL,
		CancelURL:  urls.CancelURL,
		Metadata:   r.metadata(p),
	}, sub.SubscriptionID)
	if err != nil {
		return "", r.d.upstream("create setup session", err)
	}
	return id, nil
}

func validateRedirects(urls RedirectURLs) error {
	if err := ValidateRedirectURL(urls.SuccessURL); err != nil {
		return err
	}
	return ValidateRedirectURL(urls.CancelURL)
}
