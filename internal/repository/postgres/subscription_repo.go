package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/and161185/e2ee-identity/internal/errs"
	"github.com/and161185/e2ee-identity/internal/model"
	"github.com/gofrs/uuid/v5"
)

// SubscriptionRepo implements SubscriptionRepository on the users.subscriptions jsonb column.
type SubscriptionRepo struct{ db *DB }

// NewSubscriptionRepo constructs a subscription repository.
func NewSubscriptionRepo(db *DB) *SubscriptionRepo { return &SubscriptionRepo{db: db} }

// ApplyEvent replaces the environment's subscription if the incoming event is newer.
func (r *SubscriptionRepo) ApplyEvent(
	ctx context.Context, appID, userID uuid.UUID, env model.Environment, sub model.Subscription,
) (bool, error) {
	const q = `
UPDATE users
SET subscriptions = jsonb_set(subscriptions, ARRAY[$3::text], $4::jsonb, true)
WHERE app_id=$1 AND user_id=$2
  AND (subscriptions #> ARRAY[$3::text, 'eventTimestamp'] IS NULL
       OR (subscriptions #>> ARRAY[$3::text, 'eventTimestamp'])::bigint < $5)`
	if sub.EventTimestamp == nil {
		return false, fmt.Errorf("apply event: missing event timestamp")
	}
	b, err := json.Marshal(sub)
	if err != nil {
		return false, err
	}
	tag, err := r.db.Pool.Exec(ctx, q, appID, userID, string(env), b, *sub.EventTimestamp)
	if err != nil {
		return false, fmt.Errorf("apply event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetCustomerID stores the provider customer id unless one is present.
func (r *SubscriptionRepo) SetCustomerID(
	ctx context.Context, userID uuid.UUID, env model.Environment, customerID string,
) error {
	const q = `
UPDATE users
SET subscriptions = jsonb_set(subscriptions, ARRAY[$2::text],
  COALESCE(subscriptions -> $2::text, '{}'::jsonb) || jsonb_build_object('customerId', $3::text), true)
WHERE user_id=$1 AND subscriptions #>> ARRAY[$2::text, 'customerId'] IS NULL`
	tag, err := r.db.Pool.Exec(ctx, q, userID, string(env), customerID)
	if err != nil {
		return fmt.Errorf("set customer id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrVersionConflict
	}
	return nil
}

// SetCancelAt sets cancelAt, or removes it when cancelAt is nil, for the given subscription.
func (r *SubscriptionRepo) SetCancelAt(
	ctx context.Context, userID uuid.UUID, env model.Environment, subscriptionID string, cancelAt *int64,
) error {
	const set = `
UPDATE users
SET subscriptions = jsonb_set(subscriptions, ARRAY[$2::text, 'cancelAt'], to_jsonb($4::bigint), true)
WHERE user_id=$1 AND subscriptions #>> ARRAY[$2::text, 'subscriptionId'] = $3`
	const unset = `
UPDATE users
SET subscriptions = subscriptions #- ARRAY[$2::text, 'cancelAt']
WHERE user_id=$1 AND subscriptions #>> ARRAY[$2::text, 'subscriptionId'] = $3`

	q, args := unset, []any{userID, string(env), subscriptionID}
	if cancelAt != nil {
		q, args = set, append(args, *cancelAt)
	}
	tag, err := r.db.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("set cancel at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrVersionConflict
	}
	return nil
}
