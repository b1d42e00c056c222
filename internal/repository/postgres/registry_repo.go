package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/e2ee-identity/internal/errs"
	"github.com/and161185/e2ee-identity/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// RegistryRepo implements RegistryRepository over the apps and admins tables.
type RegistryRepo struct{ db *DB }

// NewRegistryRepo constructs a registry repository.
func NewRegistryRepo(db *DB) *RegistryRepo { return &RegistryRepo{db: db} }

// GetApp selects an app, including soft-deleted ones.
func (r *RegistryRepo) GetApp(ctx context.Context, appID uuid.UUID) (*model.App, error) {
	const q = `
SELECT app_id, admin_id, name, payments_mode, test_plan_id, prod_plan_id, deleted_at
FROM apps WHERE app_id=$1`
	var (
		a              model.App
		mode           string
		testPl, prodPl string
	)
	err := r.db.Pool.QueryRow(ctx, q, appID).Scan(&a.AppID, &a.AdminID, &a.Name, &mode, &testPl, &prodPl, &a.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get app: %w", err)
	}
	a.PaymentsMode = model.PaymentsMode(mode)
	a.PlanIDs = map[model.Environment]string{model.EnvTest: testPl, model.EnvProd: prodPl}
	return &a, nil
}

// GetAdmin selects an admin, including soft-deleted ones.
func (r *RegistryRepo) GetAdmin(ctx context.Context, adminID uuid.UUID) (*model.Admin, error) {
	const q = `SELECT admin_id, email, stripe_account_id, deleted_at FROM admins WHERE admin_id=$1`
	var a model.Admin
	err := r.db.Pool.QueryRow(ctx, q, adminID).Scan(&a.AdminID, &a.Email, &a.StripeAccountID, &a.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get admin: %w", err)
	}
	return &a, nil
}

// CreateAdmin inserts an admin.
func (r *RegistryRepo) CreateAdmin(ctx context.Context, a *model.Admin) error {
	const q = `INSERT INTO admins (admin_id, email, stripe_account_id) VALUES ($1, $2, $3)`
	_, err := r.db.Pool.Exec(ctx, q, a.AdminID, a.Email, a.StripeAccountID)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	return nil
}

// CreateApp inserts an app.
func (r *RegistryRepo) CreateApp(ctx context.Context, a *model.App) error {
	const q = `
INSERT INTO apps (app_id, admin_id, name, payments_mode, test_plan_id, prod_plan_id)
VALUES ($1, $2, $3, $4, $5, $6)`
	mode := a.PaymentsMode
	if mode == "" {
		mode = model.PaymentsDisabled
	}
	_, err := r.db.Pool.Exec(ctx, q, a.AppID, a.AdminID, a.Name, string(mode),
		a.PlanID(model.EnvTest), a.PlanID(model.EnvProd))
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	return nil
}
