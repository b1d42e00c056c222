// Command identity-server runs the identity API and its maintenance commands.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/and161185/e2ee-identity/internal/config"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "env-file",
		Value: "",
		Usage: "optional .env file loaded before parsing the environment",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Value: false,
		Usage: "development logging and gRPC reflection",
	},
}

func main() {
	app := &cli.App{
		Name:    "identity-server",
		Usage:   "End-to-end encrypted app identity and session service",
		Version: fmt.Sprintf("%s (%s)", version, buildDate),
		Flags:   globalFlags,
		Commands: []*cli.Command{
			serveCommand,
			migrateCommand,
			adminTokenCommand,
			registerAppCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger shared by every command.
func setup(cCtx *cli.Context) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cCtx.String("env-file"))
	if err != nil {
		return nil, nil, err
	}
	if cCtx.Bool("dev") {
		cfg.Dev = true
	}
	var log *zap.Logger
	if cfg.Dev {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}

var adminTokenCommand = &cli.Command{
	Name:  "admin-token",
	Usage: "mint an admin bearer token for the gRPC admin API",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "admin-id", Required: true, Usage: "admin UUID (token subject)"},
		&cli.DurationFlag{Name: "ttl", Value: 30 * 24 * time.Hour, Usage: "token lifetime"},
	},
	Action: func(cCtx *cli.Context) error {
		cfg, log, err := setup(cCtx)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
		if cfg.AdminJWTKey == "" {
			return fmt.Errorf("IDENTITY_ADMIN_JWT_KEY is required")
		}
		tok, err := mintAdminToken(cfg.AdminJWTKey, cCtx.String("admin-id"), time.Now(), cCtx.Duration("ttl"))
		if err != nil {
			return err
		}
		fmt.Fprintln(cCtx.App.Writer, tok)
		return nil
	},
}
