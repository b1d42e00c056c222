package httpserver

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/and161185/e2ee-identity/internal/errs"
)

// maxBodySize caps request bodies, webhook payloads included.
const maxBodySize = 1024 * 1024

type errorBody struct {
	Error   errs.Code `json:"error"`
	Message string    `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		_, _ = w.Write([]byte("{}"))
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf maps an error kind onto an HTTP status.
func statusOf(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindAuthorization:
		return http.StatusUnauthorized
	case errs.KindLockout:
		return http.StatusTooManyRequests
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"error": code, "message": ...}. Causes never reach the body.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *errs.Error
	if !errors.As(err, &e) {
		h.log.Error("unclassified error", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errs.CodeInternal, Message: "Internal server error"})
		return
	}
	if e.Kind == errs.KindLockout && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds()))))
	}
	if e.Reason != "" {
		h.log.Debug("request rejected", zap.String("code", string(e.Code)), zap.String("reason", e.Reason))
	}
	code := e.Code
	if e.Kind == errs.KindUpstream || e.Kind == errs.KindIntegrity {
		code = errs.CodeInternal
	}
	status := statusOf(e.Kind)
	if errs.IsEntitlement(e) {
		// the session is fine, the plan is not
		status = http.StatusForbidden
	}
	writeJSON(w, status, errorBody{Error: code, Message: errs.PublicMessage(err)})
}

var errBadBody = errs.Validation(errs.CodeParamsMissing, "Request body not valid")

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errBadBody
	}
	return nil
}
