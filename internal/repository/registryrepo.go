package repository

import (
	"context"

	"github.com/and161185/e2ee-identity/internal/model"
	"github.com/gofrs/uuid/v5"
)

// RegistryRepository resolves tenancy: apps and the admins owning them.
type RegistryRepository interface {
	GetApp(ctx context.Context, appID uuid.UUID) (*model.App, error)
	GetAdmin(ctx context.Context, adminID uuid.UUID) (*model.Admin, error)
	CreateAdmin(ctx context.Context, a *model.Admin) error
	CreateApp(ctx context.Context, a *model.App) error
}
