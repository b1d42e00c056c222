package httpserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/e2ee-identity/internal/model"
	"github.com/and161185/e2ee-identity/internal/service"
)

// Users is the part of the user service exposed to end-user clients.
type Users interface {
	SignUp(ctx context.Context, req service.SignUpRequest) (*service.SignUpResult, error)
	SignIn(ctx context.Context, ip, appID, username, passwordToken string) (*service.SignInResult, error)
	ForgotPassword(ctx context.Context, ip, appID, username, forgotPasswordToken string) error
	SignOut(ctx context.Context, sessionID string) error
	ExtendSession(ctx context.Context, p *model.Principal) (*service.ExtendResult, error)
	GetPasswordSalts(ctx context.Context, appID, username string) (model.PasswordSalts, error)
	UpdateUser(ctx context.Context, p *model.Principal, req service.UpdateUserRequest) error
	DeleteUser(ctx context.Context, p *model.Principal) error
}

// Sessions authenticates the bearer session of protected routes.
type Sessions interface {
	Authenticate(ctx context.Context, sessionID string, appID uuid.UUID) (*model.Principal, error)
}

// Keys runs the key-possession handshake.
type Keys interface {
	ValidateKey(ctx context.Context, p *model.Principal, clientProvidedMessage string) (model.StripeData, error)
	GenerateForgotPasswordToken(ctx context.Context, appID, username string) (*service.ForgotPasswordChallenge, error)
}

// Subscriptions drives billing for the authenticated user and applies provider events.
type Subscriptions interface {
	ApplySubscriptionEvent(ctx context.Context, ev model.SubscriptionEvent) error
	CreateSubscriptionPaymentSession(ctx context.Context, p *model.Principal, urls service.RedirectURLs) (string, error)
	CancelSubscription(ctx context.Context, p *model.Principal) (time.Time, error)
	ResumeSubscription(ctx context.Context, p *model.Principal) error
	UpdatePaymentMethod(ctx context.Context, p *model.Principal, urls service.RedirectURLs) (string, error)
	ValidatePayment(user *model.User, app *model.App) error
}

// Webhooks verifies and decodes payment provider callbacks.
type Webhooks interface {
	Decode(env model.Environment, payload []byte, sigHeader string) (*model.SubscriptionEvent, error)
}

// Handler serves the public JSON API.
type Handler struct {
	users           Users
	sessions        Sessions
	keys            Keys
	subs            Subscriptions
	webhooks        Webhooks
	serverPublicKey string
	log             *zap.Logger
}

// HandlerDeps groups the collaborators of a Handler.
type HandlerDeps struct {
	Users           Users
	Sessions        Sessions
	Keys            Keys
	Subscriptions   Subscriptions
	Webhooks        Webhooks
	ServerPublicKey string
	Log             *zap.Logger
}

func NewHandler(d HandlerDeps) *Handler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		users:           d.Users,
		sessions:        d.Sessions,
		keys:            d.Keys,
		subs:            d.Subscriptions,
		webhooks:        d.Webhooks,
		serverPublicKey: d.ServerPublicKey,
		log:             log,
	}
}

// clientIP is the peer address. Forwarding headers are not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- response bodies ---

type sessionBody struct {
	SessionID    string    `json:"sessionId"`
	AuthToken    string    `json:"authToken"`
	CreationTime time.Time `json:"creationTime"`
}

type userBody struct {
	UserID              uuid.UUID                  `json:"userId"`
	Username            string                     `json:"username"`
	Email               string                     `json:"email,omitempty"`
	Profile             model.Profile              `json:"profile,omitempty"`
	ProtectedProfile    model.Profile              `json:"protectedProfile,omitempty"`
	KeySalts            model.KeySalts             `json:"keySalts"`
	PasswordBasedBackup *model.PasswordBasedBackup `json:"passwordBasedBackup,omitempty"`
	CreationTime        time.Time                  `json:"creationTime"`
}

func toUserBody(u *model.User) userBody {
	return userBody{
		UserID:              u.UserID,
		Username:            u.Username,
		Email:               u.Email,
		Profile:             u.Profile,
		ProtectedProfile:    u.ProtectedProfile,
		KeySalts:            u.KeySalts,
		PasswordBasedBackup: u.PasswordBasedBackup,
		CreationTime:        u.CreationTime,
	}
}

// --- public routes ---

func (h *Handler) HandleServerPublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"serverPublicKey": h.serverPublicKey})
}

type signUpBody struct {
	Username            string                     `json:"username"`
	PasswordToken       string                     `json:"passwordToken"`
	PasswordSalts       model.PasswordSalts        `json:"passwordSalts"`
	PublicKey           string                     `json:"publicKey"`
	KeySalts            model.KeySalts             `json:"keySalts"`
	PasswordBasedBackup *model.PasswordBasedBackup `json:"passwordBasedBackup,omitempty"`
	Email               string                     `json:"email,omitempty"`
	Profile             model.Profile              `json:"profile,omitempty"`
}

func (h *Handler) HandleSignUp(w http.ResponseWriter, r *http.Request) {
	var in signUpBody
	if err := decode(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.users.SignUp(r.Context(), service.SignUpRequest{
		AppID:               chi.URLParam(r, "appId"),
		Username:            in.Username,
		PasswordToken:       in.PasswordToken,
		PasswordSalts:       in.PasswordSalts,
		PublicKey:           in.PublicKey,
		KeySalts:            in.KeySalts,
		PasswordBasedBackup: in.PasswordBasedBackup,
		Email:               in.Email,
		Profile:             in.Profile,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		UserID                     uuid.UUID `json:"userId"`
		EncryptedValidationMessage string    `json:"encryptedValidationMessage"`
		sessionBody
	}{
		UserID:                     res.UserID,
		EncryptedValidationMessage: res.EncryptedValidationMessage,
		sessionBody:                sessionBody(res.Session),
	})
}

type credentialsBody struct {
	Username      string `json:"username"`
	PasswordToken string `json:"passwordToken"`
}

func (h *Handler) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	var in credentialsBody
	if err := decode(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.users.SignIn(r.Context(), clientIP(r), chi.URLParam(r, "appId"), in.Username, in.PasswordToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		User                       userBody         `json:"user"`
		UsedTempPassword           bool             `json:"usedTempPassword"`
		EncryptedValidationMessage string           `json:"encryptedValidationMessage,omitempty"`
		StripeData                 model.StripeData `json:"stripeData"`
		sessionBody
	}{
		User:                       toUserBody(res.User),
		UsedTempPassword:           res.UsedTempPassword,
		EncryptedValidationMessage: res.EncryptedValidationMessage,
		StripeData:                 res.StripeData,
		sessionBody:                sessionBody(res.Session),
	})
}

func (h *Handler) HandlePasswordSalts(w http.ResponseWriter, r *http.Request) {
	salts, err := h.users.GetPasswordSalts(r.Context(), chi.URLParam(r, "appId"), r.URL.Query().Get("username"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, salts)
}

func (h *Handler) HandleForgotPasswordToken(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
	}
	if err := decode(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	ch, err := h.keys.GenerateForgotPasswordToken(r.Context(), chi.URLParam(r, "appId"), in.Username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"encryptedForgotPasswordToken": ch.Encrypted})
}

func (h *Handler) HandleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username            string `json:"username"`
		ForgotPasswordToken string `json:"forgotPasswordToken"`
	}
	if err := decode(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	err := h.users.ForgotPassword(r.Context(), clientIP(r), chi.URLParam(r, "appId"), in.Username, in.ForgotPasswordToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// HandleSignOut invalidates the bearer session. Unknown sessions are not an error.
func (h *Handler) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	sessionID, err := bearerSessionID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.users.SignOut(r.Context(), sessionID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// --- session routes ---

func (h *Handler) HandleExtendSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.users.ExtendSession(r.Context(), principalFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := struct {
		User         userBody         `json:"user"`
		AuthToken    string           `json:"authToken"`
		ExtendedTime *time.Time       `json:"extendedTime,omitempty"`
		BackUpKey    bool             `json:"backUpKey"`
		StripeData   model.StripeData `json:"stripeData"`
	}{
		User:       toUserBody(res.User),
		AuthToken:  res.AuthToken,
		BackUpKey:  res.BackUpKey,
		StripeData: res.StripeData,
	}
	if !res.ExtendedTime.IsZero() {
		out.ExtendedTime = &res.ExtendedTime
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) HandleValidateKey(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ValidationMessage string `json:"validationMessage"`
	}
	if err := decode(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	sd, err := h.keys.ValidateKey(r.Context(), principalFrom(r.Context()), in.ValidationMessage)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.StripeData{"stripeData": sd})
}

type updateUserBody struct {
	Username             *string                    `json:"username,omitempty"`
	CurrentPasswordToken string                     `json:"currentPasswordToken,omitempty"`
	PasswordToken        *string                    `json:"passwordToken,omitempty"`
	PasswordSalts        *model.PasswordSalts       `json:"passwordSalts,omitempty"`
	PasswordBasedBackup  *model.PasswordBasedBackup `json:"passwordBasedBackup,omitempty"`
	Email                *string                    `json:"email,omitempty"`
	// Profile: absent leaves it, null clears it, an object replaces it.
	Profile json.RawMessage `json:"profile,omitempty"`
}

func (b updateUserBody) request() (service.UpdateUserRequest, error) {
	req := service.UpdateUserRequest{
		Username:             b.Username,
		CurrentPasswordToken: b.CurrentPasswordToken,
		PasswordToken:        b.PasswordToken,
		PasswordSalts:        b.PasswordSalts,
		PasswordBasedBackup:  b.PasswordBasedBackup,
		Email:                b.Email,
	}
	switch {
	case len(b.Profile) == 0:
	case string(b.Profile) == "null":
		req.ClearProfile = true
	default:
		if err := json.Unmarshal(b.Profile, &req.Profile); err != nil {
			return req, errBadBody
		}
	}
	return req, nil
}

func (h *Handler) HandleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var in updateUserBody
	if err := decode(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	req, err := in.request()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.users.UpdateUser(r.Context(), principalFrom(r.Context()), req); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (h *Handler) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.users.DeleteUser(r.Context(), principalFrom(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type redirectBody struct {
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	h.redirectSession(w, r, h.subs.CreateSubscriptionPaymentSession)
}

func (h *Handler) HandleUpdatePaymentMethod(w http.ResponseWriter, r *http.Request) {
	h.redirectSession(w, r, h.subs.UpdatePaymentMethod)
}

func (h *Handler) redirectSession(
	w http.ResponseWriter, r *http.Request,
	create func(context.Context, *model.Principal, service.RedirectURLs) (string, error),
) {
	var in redirectBody
	if err := decode(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := create(r.Context(), principalFrom(r.Context()), service.RedirectURLs{SuccessURL: in.SuccessURL, CancelURL: in.CancelURL})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id})
}

func (h *Handler) HandleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	at, err := h.subs.CancelSubscription(r.Context(), principalFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]time.Time{"cancelSubscriptionAt": at})
}

// HandleEntitlement reports whether the session's user may use the app's paid features.
func (h *Handler) HandleEntitlement(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if err := h.subs.ValidatePayment(p.User, p.App); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"entitled": true})
}

func (h *Handler) HandleResumeSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.subs.ResumeSubscription(r.Context(), principalFrom(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
