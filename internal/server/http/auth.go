package httpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/and161185/e2ee-identity/internal/errs"
	"github.com/and161185/e2ee-identity/internal/model"
	"github.com/and161185/e2ee-identity/internal/service"
)

type ctxKey string

const principalKey ctxKey = "identity.principal"

func withPrincipal(ctx context.Context, p *model.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// principalFrom returns the principal stored by requireSession.
func principalFrom(ctx context.Context) *model.Principal {
	p, _ := ctx.Value(principalKey).(*model.Principal)
	return p
}

// bearerSessionID reads "Authorization: Bearer <sessionId>".
func bearerSessionID(r *http.Request) (string, error) {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		if t := strings.TrimSpace(v[7:]); t != "" {
			return t, nil
		}
	}
	return "", errs.SessionInvalid(service.ReasonDoesNotExist)
}

// requireSession authenticates the bearer session against the {appId} route parameter.
func (h *Handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := bearerSessionID(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		appID, err := service.ParseID(chi.URLParam(r, "appId"))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		p, err := h.sessions.Authenticate(r.Context(), sessionID, appID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}
