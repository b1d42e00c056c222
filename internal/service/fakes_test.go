package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/and161185/e2ee-identity/internal/archive"
	"github.com/and161185/e2ee-identity/internal/bgtask"
	"github.com/and161185/e2ee-identity/internal/crypto"
	"github.com/and161185/e2ee-identity/internal/crypto/clientcrypto"
	"github.com/and161185/e2ee-identity/internal/errs"
	"github.com/and161185/e2ee-identity/internal/mail"
	"github.com/and161185/e2ee-identity/internal/model"
	"github.com/and161185/e2ee-identity/internal/payments"
	"github.com/and161185/e2ee-identity/internal/repository"
)

type userKey struct {
	app  uuid.UUID
	name string
}

// fakeStore is an in-memory stand-in for every repository. Background tasks
// write to it concurrently, so every method locks.
type fakeStore struct {
	mu       sync.Mutex
	users    map[userKey]*model.User
	deleted  map[uuid.UUID]*model.DeletedUser
	sessions map[string]*model.Session
	apps     map[uuid.UUID]*model.App
	admins   map[uuid.UUID]*model.Admin

	// fail injects an error into the named method.
	fail map[string]error
	// dupUserID makes GetByID report an index integrity violation.
	dupUserID bool
}

var (
	_ repository.UserRepository         = (*fakeStore)(nil)
	_ repository.SubscriptionRepository = (*fakeStore)(nil)
	_ repository.SessionRepository      = (*fakeStore)(nil)
	_ repository.RegistryRepository     = (*fakeStore)(nil)
)

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    map[userKey]*model.User{},
		deleted:  map[uuid.UUID]*model.DeletedUser{},
		sessions: map[string]*model.Session{},
		apps:     map[uuid.UUID]*model.App{},
		admins:   map[uuid.UUID]*model.Admin{},
		fail:     map[string]error{},
	}
}

func (f *fakeStore) failing(method string) error { return f.fail[method] }

func copyUser(u *model.User) *model.User {
	c := *u
	if u.Subscriptions != nil {
		c.Subscriptions = model.Subscriptions{}
		for k, v := range u.Subscriptions {
			c.Subscriptions[k] = v
		}
	}
	return &c
}

func (f *fakeStore) byID(id uuid.UUID) *model.User {
	for _, u := range f.users {
		if u.UserID == id {
			return u
		}
	}
	return nil
}

func (f *fakeStore) SignUp(_ context.Context, u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing("SignUp"); err != nil {
		return err
	}
	k := userKey{u.AppID, u.Username}
	if old, ok := f.users[k]; ok && !old.SeedNotSavedYet {
		return errs.ErrAlreadyExists
	}
	f.users[k] = copyUser(u)
	return nil
}

func (f *fakeStore) GetByUsername(_ context.Context, appID uuid.UUID, username string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing("GetByUsername"); err != nil {
		return nil, err
	}
	u, ok := f.users[userKey{appID, username}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return copyUser(u), nil
}

func (f *fakeStore) GetByID(_ context.Context, userID uuid.UUID) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing("GetByID"); err != nil {
		return nil, err
	}
	if f.dupUserID {
		return nil, errs.ErrIntegrity
	}
	u := f.byID(userID)
	if u == nil {
		return nil, errs.ErrNotFound
	}
	return copyUser(u), nil
}

func (f *fakeStore) Update(_ context.Context, appID, userID uuid.UUID, upd model.UserUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.byID(userID)
	if u == nil || u.AppID != appID {
		return errs.ErrNotFound
	}
	if upd.Username != nil && *upd.Username != u.Username {
		nk := userKey{appID, *upd.Username}
		if _, taken := f.users[nk]; taken {
			return errs.ErrAlreadyExists
		}
		delete(f.users, userKey{appID, u.Username})
		u.Username = *upd.Username
		f.users[nk] = u
	}
	if upd.PasswordTokenHash != nil {
		u.PasswordTokenHash = *upd.PasswordTokenHash
		u.TempPasswordTokenHash = ""
		u.TempPasswordCreationTime = nil
	}
	if upd.PasswordSalts != nil {
		u.PasswordSalts = *upd.PasswordSalts
	}
	if upd.PasswordBasedBackup != nil {
		u.PasswordBasedBackup = upd.PasswordBasedBackup
	}
	switch {
	case upd.ClearEmail:
		u.Email = ""
	case upd.Email != nil:
		u.Email = *upd.Email
	}
	switch {
	case upd.ClearProfile:
		u.Profile = nil
	case upd.Profile != nil:
		u.Profile = upd.Profile
	}
	return nil
}

func (f *fakeStore) UpdateProtectedProfile(_ context.Context, userID uuid.UUID, profile model.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.byID(userID)
	if u == nil {
		return errs.ErrNotFound
	}
	u.ProtectedProfile = profile
	return nil
}

func (f *fakeStore) ClearSeedNotSavedYet(_ context.Context, appID uuid.UUID, username string, userID uuid.UUID, publicKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userKey{appID, username}]
	if !ok || !u.SeedNotSavedYet || u.UserID != userID || u.PublicKey != publicKey {
		return errs.ErrVersionConflict
	}
	u.SeedNotSavedYet = false
	return nil
}

func (f *fakeStore) IncrementIncorrectAttempts(_ context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing("IncrementIncorrectAttempts"); err != nil {
		return err
	}
	u := f.byID(userID)
	if u == nil {
		return errs.ErrNotFound
	}
	u.IncorrectPasswordAttemptsInRow++
	return nil
}

func (f *fakeStore) Suspend(_ context.Context, userID uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.byID(userID)
	if u == nil || u.SuspendedAt != nil {
		return errs.ErrVersionConflict
	}
	u.SuspendedAt = &at
	return nil
}

func (f *fakeStore) AllowRetry(_ context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing("AllowRetry"); err != nil {
		return err
	}
	u := f.byID(userID)
	if u == nil {
		return errs.ErrNotFound
	}
	u.SuspendedAt = nil
	u.IncorrectPasswordAttemptsInRow = 0
	return nil
}

func (f *fakeStore) SetTempPassword(_ context.Context, userID uuid.UUID, hash string, createdAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.byID(userID)
	if u == nil {
		return errs.ErrNotFound
	}
	u.TempPasswordTokenHash = hash
	u.TempPasswordCreationTime = &createdAt
	return nil
}

func (f *fakeStore) SoftDelete(_ context.Context, userID uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.byID(userID)
	if u == nil {
		return errs.ErrNotFound
	}
	rec, err := json.Marshal(map[string]any{"user_id": u.UserID, "username": u.Username})
	if err != nil {
		return err
	}
	f.deleted[userID] = &model.DeletedUser{UserID: userID, AppID: u.AppID, Username: u.Username, Record: rec, DeletedAt: at}
	delete(f.users, userKey{u.AppID, u.Username})
	for _, s := range f.sessions {
		if s.UserID == userID {
			s.Invalidated = true
		}
	}
	return nil
}

func (f *fakeStore) GetDeleted(_ context.Context, userID uuid.UUID) (*model.DeletedUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deleted[userID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *d
	return &c, nil
}

func (f *fakeStore) ListDeletedBefore(_ context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.DeletedUser
	for _, d := range f.deleted {
		if d.DeletedAt.Before(before) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt.Before(out[j].DeletedAt) })
	ids := make([]uuid.UUID, 0, len(out))
	for i, d := range out {
		if i == limit {
			break
		}
		ids = append(ids, d.UserID)
	}
	return ids, nil
}

func (f *fakeStore) PurgeDeleted(_ context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.deleted[userID]; !ok {
		return errs.ErrNotFound
	}
	delete(f.deleted, userID)
	return nil
}

func (f *fakeStore) ApplyEvent(_ context.Context, appID, userID uuid.UUID, env model.Environment, sub model.Subscription) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.byID(userID)
	if u == nil || u.AppID != appID {
		return false, errs.ErrNotFound
	}
	cur := u.Subscriptions.Get(env)
	if cur.EventTimestamp != nil && *cur.EventTimestamp >= *sub.EventTimestamp {
		return false, nil
	}
	if u.Subscriptions == nil {
		u.Subscriptions = model.Subscriptions{}
	}
	u.Subscriptions[env] = sub
	return true, nil
}

func (f *fakeStore) SetCustomerID(_ context.Context, userID uuid.UUID, env model.Environment, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.byID(userID)
	if u == nil {
		return errs.ErrNotFound
	}
	cur := u.Subscriptions.Get(env)
	if cur.CustomerID != "" {
		return errs.ErrVersionConflict
	}
	cur.CustomerID = customerID
	if u.Subscriptions == nil {
		u.Subscriptions = model.Subscriptions{}
	}
	u.Subscriptions[env] = cur
	return nil
}

func (f *fakeStore) SetCancelAt(_ context.Context, userID uuid.UUID, env model.Environment, subscriptionID string, cancelAt *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.byID(userID)
	if u == nil {
		return errs.ErrNotFound
	}
	cur := u.Subscriptions.Get(env)
	if cur.SubscriptionID != subscriptionID {
		return errs.ErrVersionConflict
	}
	cur.CancelAt = cancelAt
	u.Subscriptions[env] = cur
	return nil
}

func (f *fakeStore) Create(_ context.Context, s *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[s.SessionID]; ok {
		return errs.ErrAlreadyExists
	}
	c := *s
	f.sessions[s.SessionID] = &c
	return nil
}

func (f *fakeStore) Get(_ context.Context, sessionID string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (f *fakeStore) GetByAuthToken(_ context.Context, authToken string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found *model.Session
	for _, s := range f.sessions {
		if s.AuthToken == authToken {
			if found != nil {
				return nil, errs.ErrIntegrity
			}
			found = s
		}
	}
	if found == nil {
		return nil, errs.ErrNotFound
	}
	c := *found
	return &c, nil
}

func (f *fakeStore) Extend(_ context.Context, sessionID string, extendedTime, expiresAt time.Time) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	s.ExtendedTime = &extendedTime
	s.ExpiresAt = expiresAt
	c := *s
	return &c, nil
}

func (f *fakeStore) Invalidate(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return errs.ErrNotFound
	}
	s.Invalidated = true
	return nil
}

func (f *fakeStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, s := range f.sessions {
		if s.ExpiresAt.Before(now) {
			delete(f.sessions, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) GetApp(_ context.Context, appID uuid.UUID) (*model.App, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.apps[appID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (f *fakeStore) GetAdmin(_ context.Context, adminID uuid.UUID) (*model.Admin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing("GetAdmin"); err != nil {
		return nil, err
	}
	a, ok := f.admins[adminID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (f *fakeStore) CreateAdmin(_ context.Context, a *model.Admin) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *a
	f.admins[a.AdminID] = &c
	return nil
}

func (f *fakeStore) CreateApp(_ context.Context, a *model.App) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *a
	f.apps[a.AppID] = &c
	return nil
}

// user returns the stored user by id.
func (f *fakeStore) user(t *testing.T, id uuid.UUID) *model.User {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.byID(id)
	require.NotNil(t, u, "user %s not stored", id)
	return copyUser(u)
}

type fakePayments struct {
	mu        sync.Mutex
	customers int
	checkouts []payments.CheckoutRequest
	setups    []string
	canceled  []string
	resumed   []string
	cancelAt  int64
	err       error
}

var _ payments.Provider = (*fakePayments)(nil)

func (p *fakePayments) CreateCustomer(context.Context, model.Environment, string, string, map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.customers++
	return "cus_new", nil
}

func (p *fakePayments) CreateCheckoutSession(_ context.Context, _ model.Environment, req payments.CheckoutRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.checkouts = append(p.checkouts, req)
	return "cs_1", nil
}

func (p *fakePayments) CreateSetupSession(_ context.Context, _ model.Environment, _ payments.CheckoutRequest, subID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setups = append(p.setups, subID)
	return "cs_setup", p.err
}

func (p *fakePayments) CancelSubscription(_ context.Context, _ model.Environment, _ string, subID string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = append(p.canceled, subID)
	return p.cancelAt, p.err
}

func (p *fakePayments) ResumeSubscription(_ context.Context, _ model.Environment, _ string, subID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumed = append(p.resumed, subID)
	return p.err
}

type fakeMail struct {
	sent []mail.Message
	err  error
}

var _ mail.Sender = (*fakeMail)(nil)

func (m *fakeMail) Send(_ context.Context, msg mail.Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type fakeArchive struct {
	put map[uuid.UUID][]byte
	err error
}

var _ archive.Archiver = (*fakeArchive)(nil)

func (a *fakeArchive) PutUser(_ context.Context, _ uuid.UUID, userID uuid.UUID, record []byte) error {
	if a.err != nil {
		return a.err
	}
	if a.put == nil {
		a.put = map[uuid.UUID][]byte{}
	}
	a.put[userID] = record
	return nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	store *fakeStore
	pay   *fakePayments
	mail  *fakeMail
	arch  *fakeArchive
	clock *testClock
	logs  *observer.ObservedLogs
	deps  *Deps

	sessions  *SessionManagerImpl
	passwords *PasswordAuthenticatorImpl
	subs      *SubscriptionReconcilerImpl
	keys      *KeyPossessionValidatorImpl
	users     *UserServiceImpl

	admin *model.Admin
	app   *model.App
}

func testSeed(b byte) []byte {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = b
	}
	return seed
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)

	serverKey, err := crypto.NewKeyPairFromSeed(testSeed(1))
	require.NoError(t, err)
	challenger, err := crypto.NewChallenger(testSeed(2), 10*time.Minute)
	require.NoError(t, err)

	e := &testEnv{
		store: newFakeStore(),
		pay:   &fakePayments{cancelAt: 1900000000},
		mail:  &fakeMail{},
		arch:  &fakeArchive{},
		clock: &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		logs:  logs,
	}
	e.deps = &Deps{
		Users:         e.store,
		Subscriptions: e.store,
		Sessions:      e.store,
		Registry:      e.store,
		ServerKey:     serverKey,
		Challenger:    challenger,
		Payments:      e.pay,
		Mail:          e.mail,
		Archive:       e.arch,
		Tasks:         bgtask.New(log, time.Second),
		Log:           log,
		Now:           e.clock.Now,
		Settings:      DefaultSettings(),
	}
	e.sessions = NewSessionManager(e.deps)
	e.passwords = NewPasswordAuthenticator(e.deps)
	e.subs = NewSubscriptionReconciler(e.deps)
	e.keys = NewKeyPossessionValidator(e.deps, e.subs)
	e.users = NewUserService(e.deps, e.sessions, e.passwords, e.keys, e.subs)

	e.admin = &model.Admin{AdminID: uuid.Must(uuid.NewV4()), Email: "admin@example.com", StripeAccountID: "acct_1"}
	e.app = &model.App{
		AppID:        uuid.Must(uuid.NewV4()),
		AdminID:      e.admin.AdminID,
		Name:         "notes",
		PaymentsMode: model.PaymentsDisabled,
		PlanIDs:      map[model.Environment]string{model.EnvTest: "price_test", model.EnvProd: "price_prod"},
	}
	require.NoError(t, e.store.CreateAdmin(context.Background(), e.admin))
	require.NoError(t, e.store.CreateApp(context.Background(), e.app))
	return e
}

// settle waits for background bookkeeping.
func (e *testEnv) settle() { e.deps.Tasks.Wait() }

// client is an end-user device holding a seed and a password.
type client struct {
	password string
	salts    model.PasswordSalts
	keySalts model.KeySalts
	keys     *clientcrypto.Keys
}

func newClient(t *testing.T, password string) *client {
	t.Helper()
	c := &client{password: password}
	var err error
	for _, s := range []*string{
		&c.salts.PasswordSalt, &c.salts.PasswordTokenSalt,
		&c.keySalts.EncryptionKeySalt, &c.keySalts.DHKeySalt, &c.keySalts.HMACKeySalt,
	} {
		*s, err = clientcrypto.RandSalt()
		require.NoError(t, err)
	}
	seed, err := clientcrypto.Rand(32)
	require.NoError(t, err)
	c.keys, err = clientcrypto.DeriveKeys(seed, c.keySalts.EncryptionKeySalt, c.keySalts.DHKeySalt, c.keySalts.HMACKeySalt)
	require.NoError(t, err)
	return c
}

func (c *client) token(t *testing.T, password string) string {
	t.Helper()
	tok, err := clientcrypto.PasswordToken(password, c.salts.PasswordSalt, c.salts.PasswordTokenSalt)
	require.NoError(t, err)
	return tok
}

func (c *client) signUpRequest(t *testing.T, appID uuid.UUID, username string) SignUpRequest {
	return SignUpRequest{
		AppID:         appID.String(),
		Username:      username,
		PasswordToken: c.token(t, c.password),
		PasswordSalts: c.salts,
		PublicKey:     c.keys.DHPublicKey,
		KeySalts:      c.keySalts,
		PasswordBasedBackup: &model.PasswordBasedBackup{
			PasswordBasedEncryptionKeySalt: "c2FsdA==",
			PasswordEncryptedSeed:          "c2VlZA==",
		},
		Email: username + "@example.com",
	}
}

func (c *client) answer(t *testing.T, e *testEnv, encrypted string) string {
	t.Helper()
	plain, err := c.keys.DecryptChallenge(e.deps.ServerKey.PublicKey(), encrypted)
	require.NoError(t, err)
	return plain
}

// signUp registers a user and completes the key handshake.
func (e *testEnv) signUp(t *testing.T, c *client, username string) (*SignUpResult, *model.Principal) {
	t.Helper()
	ctx := context.Background()
	res, err := e.users.SignUp(ctx, c.signUpRequest(t, e.app.AppID, username))
	require.NoError(t, err)
	p, err := e.sessions.Authenticate(ctx, res.Session.SessionID, e.app.AppID)
	require.NoError(t, err)
	_, err = e.keys.ValidateKey(ctx, p, c.answer(t, e, res.EncryptedValidationMessage))
	require.NoError(t, err)
	p.User.SeedNotSavedYet = false
	return res, p
}
