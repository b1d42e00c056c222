package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/and161185/e2ee-identity/internal/migrate"
	"github.com/and161185/e2ee-identity/internal/model"
	"github.com/and161185/e2ee-identity/internal/repository"
	"github.com/and161185/e2ee-identity/internal/repository/postgres"
	grpcserver "github.com/and161185/e2ee-identity/internal/server/grpc"
)

var migrateCommand = &cli.Command{
	Name:  "migrate",
	Usage: "manage the database schema",
	Subcommands: []*cli.Command{
		{
			Name:  "up",
			Usage: "apply pending migrations",
			Action: func(cCtx *cli.Context) error {
				cfg, log, err := setup(cCtx)
				if err != nil {
					return err
				}
				defer func() { _ = log.Sync() }()
				if err := migrate.Up(cCtx.Context, cfg.DatabaseDSN); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				log.Info("migrations applied")
				return nil
			},
		},
		{
			Name:  "status",
			Usage: "print the applied state of every migration",
			Action: func(cCtx *cli.Context) error {
				cfg, log, err := setup(cCtx)
				if err != nil {
					return err
				}
				defer func() { _ = log.Sync() }()
				return migrate.Status(cCtx.Context, cfg.DatabaseDSN)
			},
		},
	},
}

func mintAdminToken(key, rawAdminID string, now time.Time, ttl time.Duration) (string, error) {
	adminID, err := uuid.FromString(rawAdminID)
	if err != nil {
		return "", fmt.Errorf("admin-id: %w", err)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	return grpcserver.SignAdminToken([]byte(key), adminID, now, ttl)
}

var registerAppCommand = &cli.Command{
	Name:  "register-app",
	Usage: "create an app, and its admin unless --admin-id names an existing one",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "name", Required: true, Usage: "app name"},
		&cli.StringFlag{Name: "admin-id", Usage: "existing admin UUID"},
		&cli.StringFlag{Name: "admin-email", Usage: "email of a new admin"},
		&cli.StringFlag{Name: "stripe-account", Usage: "connected payment account of a new admin"},
		&cli.StringFlag{Name: "payments", Value: string(model.PaymentsDisabled), Usage: "disabled, test or prod"},
		&cli.StringFlag{Name: "test-plan", Usage: "subscription plan id in the test environment"},
		&cli.StringFlag{Name: "prod-plan", Usage: "subscription plan id in the prod environment"},
	},
	Action: func(cCtx *cli.Context) error {
		cfg, log, err := setup(cCtx)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		db, err := postgres.New(cCtx.Context, cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer db.Close()

		req := registerAppRequest{
			Name:          cCtx.String("name"),
			AdminID:       cCtx.String("admin-id"),
			AdminEmail:    cCtx.String("admin-email"),
			StripeAccount: cCtx.String("stripe-account"),
			Payments:      model.PaymentsMode(cCtx.String("payments")),
			TestPlan:      cCtx.String("test-plan"),
			ProdPlan:      cCtx.String("prod-plan"),
		}
		app, err := registerApp(cCtx.Context, postgres.NewRegistryRepo(db), req)
		if err != nil {
			return err
		}
		log.Info("app registered", zap.String("app_id", app.AppID.String()), zap.String("admin_id", app.AdminID.String()))
		fmt.Fprintf(cCtx.App.Writer, "app_id=%s admin_id=%s\n", app.AppID, app.AdminID)
		return nil
	},
}

type registerAppRequest struct {
	Name          string
	AdminID       string
	AdminEmail    string
	StripeAccount string
	Payments      model.PaymentsMode
	TestPlan      string
	ProdPlan      string
}

func registerApp(ctx context.Context, reg repository.RegistryRepository, req registerAppRequest) (*model.App, error) {
	switch req.Payments {
	case model.PaymentsDisabled, model.PaymentsTest, model.PaymentsProd:
	default:
		return nil, fmt.Errorf("payments: unknown mode %q", req.Payments)
	}

	var adminID uuid.UUID
	if req.AdminID != "" {
		id, err := uuid.FromString(req.AdminID)
		if err != nil {
			return nil, fmt.Errorf("admin-id: %w", err)
		}
		if _, err := reg.GetAdmin(ctx, id); err != nil {
			return nil, fmt.Errorf("get admin: %w", err)
		}
		adminID = id
	} else {
		admin := &model.Admin{
			AdminID:         uuid.Must(uuid.NewV4()),
			Email:           req.AdminEmail,
			StripeAccountID: req.StripeAccount,
		}
		if err := reg.CreateAdmin(ctx, admin); err != nil {
			return nil, fmt.Errorf("create admin: %w", err)
		}
		adminID = admin.AdminID
	}

	app := &model.App{
		AppID:        uuid.Must(uuid.NewV4()),
		AdminID:      adminID,
		Name:         req.Name,
		PaymentsMode: req.Payments,
		PlanIDs:      map[model.Environment]string{model.EnvTest: req.TestPlan, model.EnvProd: req.ProdPlan},
	}
	if err := reg.CreateApp(ctx, app); err != nil {
		return nil, fmt.Errorf("create app: %w", err)
	}
	return app, nil
}
