package service

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/e2ee-identity/internal/errs"
	"github.com/and161185/e2ee-identity/internal/model"
)

var (
	errAppNotValid  = errs.Unauthorized(errs.CodeAppIDNotValid, "App ID not valid")
	errAdminInvalid = errs.Unauthorized(errs.CodeAdminInvalid, "Admin invalid")
)

// resolveApp loads an app and its owning admin. Missing and deleted entities get the
// same external error; the log keeps the difference.
func (d *Deps) resolveApp(ctx context.Context, appID uuid.UUID) (*model.App, *model.Admin, error) {
	app, err := d.Registry.GetApp(ctx, appID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		d.log().Debug("app does not exist", zap.String("app_id", appID.String()))
		return nil, nil, errAppNotValid
	case err != nil:
		return nil, nil, d.upstream("get app", err)
	case app.DeletedAt != nil:
		d.log().Debug("app deleted", zap.String("app_id", appID.String()))
		return nil, nil, errAppNotValid
	}

	admin, err := d.Registry.GetAdmin(ctx, app.AdminID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		d.log().Debug("admin does not exist", zap.String("admin_id", app.AdminID.String()))
		return nil, nil, errAdminInvalid
	case err != nil:
		return nil, nil, d.upstream("get admin", err)
	case admin.DeletedAt != nil:
		d.log().Debug("admin deleted", zap.String("admin_id", admin.AdminID.String()))
		return nil, nil, errAdminInvalid
	}
	return app, admin, nil
}

// resolveAppString parses appID before resolving it.
func (d *Deps) resolveAppString(ctx context.Context, appID string) (*model.App, *model.Admin, error) {
	id, err := ParseID(appID)
	if err != nil {
		return nil, nil, errAppNotValid
	}
	return d.resolveApp(ctx, id)
}

// loadUserByID resolves a user through the userId index.
func (d *Deps) loadUserByID(ctx context.Context, userID uuid.UUID) (*model.User, error) {
	u, err := d.Users.GetByID(ctx, userID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return nil, errs.Unauthorized(errs.CodeUserNotFound, "User not found")
	case errors.Is(err, errs.ErrIntegrity):
		return nil, d.integrity("more than one user for user id", err, zap.String("user_id", userID.String()))
	case err != nil:
		return nil, d.upstream("get user", err)
	}
	return u, nil
}

// loadUserByName resolves a user by its store key.
func (d *Deps) loadUserByName(ctx context.Context, appID uuid.UUID, username string) (*model.User, error) {
	u, err := d.Users.GetByUsername(ctx, appID, username)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return nil, errs.Unauthorized(errs.CodeUserNotFound, "User not found")
	case err != nil:
		return nil, d.upstream("get user", err)
	}
	return u, nil
}
