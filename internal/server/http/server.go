// Package httpserver serves the public JSON API, the payment webhook and health endpoints.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type HTTPServerConfig struct {
	ListenAddr string
	Log        *zap.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

type Server struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *zap.Logger

	srv     *http.Server
	handler *Handler
}

func New(cfg *HTTPServerConfig, handler *Handler) *Server {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	srv := &Server{
		cfg:     cfg,
		log:     log,
		handler: handler,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv
}

// Handler returns the router, for tests and embedding.
func (srv *Server) Handler() http.Handler { return srv.srv.Handler }

func (srv *Server) getRouter() http.Handler {
	h := srv.handler
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID, srv.httpLogger, middleware.Recoverer)

	mux.Route("/v1", func(r chi.Router) {
		r.Get("/server-public-key", h.HandleServerPublicKey)
		r.Post("/stripe/webhook/{env}", h.HandleStripeWebhook)

		r.Route("/apps/{appId}", func(r chi.Router) {
			r.Post("/sign-up", h.HandleSignUp)
			r.Post("/sign-in", h.HandleSignIn)
			r.Post("/sign-out", h.HandleSignOut)
			r.Get("/password-salts", h.HandlePasswordSalts)
			r.Post("/forgot-password/token", h.HandleForgotPasswordToken)
			r.Post("/forgot-password", h.HandleForgotPassword)

			r.Group(func(r chi.Router) {
				r.Use(h.requireSession)
				r.Post("/extend-session", h.HandleExtendSession)
				r.Post("/validate-key", h.HandleValidateKey)
				r.Patch("/user", h.HandleUpdateUser)
				r.Delete("/user", h.HandleDeleteUser)
				r.Post("/subscription/checkout", h.HandleCheckout)
				r.Post("/subscription/cancel", h.HandleCancelSubscription)
				r.Post("/subscription/resume", h.HandleResumeSubscription)
				r.Post("/subscription/payment-method", h.HandleUpdatePaymentMethod)
				r.Get("/entitlement", h.HandleEntitlement)
			})
		})
	})

	// Health and diagnostic endpoints
	mux.Get("/livez", srv.handleLivenessCheck)
	mux.Get("/readyz", srv.handleReadinessCheck)
	mux.Get("/drain", srv.handleDrain)
	mux.Get("/undrain", srv.handleUndrain)
	return mux
}

// httpLogger logs one line per request: metadata only, bodies carry credentials.
func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("dur", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				srv.log.Error("http", fields...)
				return
			}
			srv.log.Info("http", fields...)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already draining"})
		return
	}
	srv.log.Info("server marked as not ready")
	writeJSON(w, http.StatusOK, map[string]string{"status": "draining"})
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already ready"})
		return
	}
	srv.log.Info("server marked as ready")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (srv *Server) RunInBackground() {
	go func() {
		srv.log.Info("starting HTTP server", zap.String("listenAddress", srv.cfg.ListenAddr))
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", zap.Error(err))
		}
	}()
}

// Shutdown fails readiness, waits DrainDuration for load balancers to notice, then stops gracefully.
func (srv *Server) Shutdown() {
	if srv.isReady.Swap(false) && srv.cfg.DrainDuration > 0 {
		time.Sleep(srv.cfg.DrainDuration)
	}
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("graceful HTTP server shutdown failed", zap.Error(err))
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}
}
