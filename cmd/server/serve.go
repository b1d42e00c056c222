package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/e2ee-identity/internal/archive"
	"github.com/and161185/e2ee-identity/internal/bgtask"
	"github.com/and161185/e2ee-identity/internal/config"
	"github.com/and161185/e2ee-identity/internal/crypto"
	"github.com/and161185/e2ee-identity/internal/limiter"
	"github.com/and161185/e2ee-identity/internal/mail"
	"github.com/and161185/e2ee-identity/internal/migrate"
	"github.com/and161185/e2ee-identity/internal/model"
	"github.com/and161185/e2ee-identity/internal/payments"
	"github.com/and161185/e2ee-identity/internal/repository/postgres"
	grpcserver "github.com/and161185/e2ee-identity/internal/server/grpc"
	httpserver "github.com/and161185/e2ee-identity/internal/server/http"
	"github.com/and161185/e2ee-identity/internal/service"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the public HTTP API and the admin gRPC API",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "skip-migrate", Usage: "do not apply migrations on start"},
	},
	Action: func(cCtx *cli.Context) error {
		cfg, log, err := setup(cCtx)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
		if err := cfg.Validate(); err != nil {
			return err
		}
		log.Info("starting",
			zap.String("version", version),
			zap.String("buildDate", buildDate),
			zap.String("http", cfg.HTTPAddr),
			zap.String("grpc", cfg.GRPCAddr),
		)

		// Context with OS signals
		ctx, stop := signal.NotifyContext(cCtx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if !cCtx.Bool("skip-migrate") {
			if err := migrate.Up(ctx, cfg.DatabaseDSN); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
		}
		return serve(ctx, cfg, log)
	},
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	db, err := postgres.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	deps, err := buildDeps(ctx, cfg, db, log)
	if err != nil {
		return err
	}

	// Services
	subs := service.NewSubscriptionReconciler(deps)
	sessions := service.NewSessionManager(deps)
	keys := service.NewKeyPossessionValidator(deps, subs)
	users := service.NewUserService(deps, sessions, service.NewPasswordAuthenticator(deps), keys, subs)

	sweeperCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go service.NewSweeper(deps, users).Run(sweeperCtx, cfg.SweepInterval)

	// HTTP
	httpSrv := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.HTTPAddr,
		Log:                      log,
		DrainDuration:            cfg.DrainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}, httpserver.NewHandler(httpserver.HandlerDeps{
		Users:         users,
		Sessions:      sessions,
		Keys:          keys,
		Subscriptions: subs,
		Webhooks: payments.NewWebhookDecoder(map[model.Environment]string{
			model.EnvTest: cfg.Stripe.TestWebhookSecret,
			model.EnvProd: cfg.Stripe.ProdWebhookSecret,
		}),
		ServerPublicKey: deps.ServerKey.PublicKey(),
		Log:             log,
	}))

	// gRPC server with interceptors
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(log),
			grpcserver.LoggingUnary(log),
			grpcserver.AuthUnary([]byte(cfg.AdminJWTKey)),
		),
	}
	if cfg.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS cert/key: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		log.Warn("gRPC admin API without TLS")
	}
	gs := grpc.NewServer(opts...)
	grpcserver.RegisterAdminServer(gs, grpcserver.New(sessions, users, log))

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	if cfg.Dev {
		reflection.Register(gs)
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gRPC listening", zap.String("addr", cfg.GRPCAddr), zap.Bool("tls", cfg.TLSCert != ""))
		errCh <- gs.Serve(lis)
	}()
	httpSrv.RunInBackground()

	// Wait for stop
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		log.Error("gRPC server error", zap.Error(serveErr))
	}

	hs.Shutdown()
	httpSrv.Shutdown()

	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		gs.Stop()
	}

	stopSweeper()
	// fire-and-forget writes still in flight
	deps.Tasks.Wait()
	log.Info("shutdown complete")
	if serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
		return serveErr
	}
	return nil
}

// buildDeps constructs repositories, keys and collaborators from configuration.
func buildDeps(ctx context.Context, cfg *config.Config, db *postgres.DB, log *zap.Logger) (*service.Deps, error) {
	seed, err := cfg.Seed()
	if err != nil {
		return nil, err
	}
	serverKey, err := crypto.NewKeyPairFromSeed(seed)
	if err != nil {
		return nil, err
	}
	challenger, err := crypto.NewChallenger(seed, cfg.ChallengeWindow)
	if err != nil {
		return nil, err
	}

	var sender mail.Sender = mail.Log{Log: log}
	if cfg.SMTP.Host != "" {
		sender = mail.NewSMTP(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From)
	} else {
		log.Warn("SMTP not configured, mail is logged instead of sent")
	}

	var archiver archive.Archiver = archive.Discard{Log: log}
	if cfg.Archive.Bucket != "" {
		s3, err := archive.NewS3(ctx, archive.Options{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		archiver = s3
	}

	var lim limiter.Limiter = limiter.Noop{}
	if cfg.IPLimit.MaxFails > 0 {
		lim = limiter.NewPG(db.Pool, limiter.Config{
			Window:   cfg.IPLimit.Window,
			MaxFails: cfg.IPLimit.MaxFails,
			BlockFor: cfg.IPLimit.BlockFor,
		})
	}

	return &service.Deps{
		Users:         postgres.NewUserRepo(db),
		Subscriptions: postgres.NewSubscriptionRepo(db),
		Sessions:      postgres.NewSessionRepo(db),
		Registry:      postgres.NewRegistryRepo(db),
		ServerKey:     serverKey,
		Challenger:    challenger,
		Payments: payments.NewStripe(map[model.Environment]string{
			model.EnvTest: cfg.Stripe.TestSecretKey,
			model.EnvProd: cfg.Stripe.ProdSecretKey,
		}),
		Mail:    sender,
		Archive: archiver,
		Limiter: lim,
		Tasks:   bgtask.New(log, cfg.CollaboratorTimeout),
		Log:     log,
		Now:     time.Now,
		Settings: service.Settings{
			SessionLength:        cfg.SessionLength,
			PasswordAttemptLimit: cfg.PasswordAttemptLimit,
			SuspensionDuration:   cfg.SuspensionDuration,
			TempPasswordTTL:      cfg.TempPasswordTTL,
			CollaboratorTimeout:  cfg.CollaboratorTimeout,
			DeletedUserRetention: cfg.DeletedUserRetention,
		},
	}, nil
}
