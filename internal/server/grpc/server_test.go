package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/e2ee-identity/internal/errs"
	"github.com/and161185/e2ee-identity/internal/model"
)

type fakeSessions struct {
	principal *model.Principal
	err       error

	gotToken   string
	gotAdminID uuid.UUID
	gotAppID   uuid.UUID
}

var _ Sessions = (*fakeSessions)(nil)

func (f *fakeSessions) VerifyAuthToken(_ context.Context, tok string, adminID uuid.UUID) (*model.Principal, error) {
	f.gotToken, f.gotAdminID = tok, adminID
	return f.principal, f.err
}

func (f *fakeSessions) Authenticate(_ context.Context, _ string, appID uuid.UUID) (*model.Principal, error) {
	f.gotAppID = appID
	return f.principal, f.err
}

type fakeUsers struct {
	deleted  uuid.UUID
	profile  model.Profile
	profiled bool
	err      error
}

var _ Users = (*fakeUsers)(nil)

func (f *fakeUsers) AdminDeleteUser(_ context.Context, _, userID uuid.UUID) error {
	f.deleted = userID
	return f.err
}

func (f *fakeUsers) UpdateProtectedProfile(_ context.Context, _, _ uuid.UUID, p model.Profile) error {
	f.profile, f.profiled = p, true
	return f.err
}

const bufSize = 1 << 20

func startBufGRPC(t *testing.T, srv *Server, signKey []byte) (*grpc.ClientConn, func()) {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	log := zaptest.NewLogger(t)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log), AuthUnary(signKey)))
	RegisterAdminServer(gs, srv)
	healthpb.RegisterHealthServer(gs, health.NewServer())
	go func() { _ = gs.Serve(lis) }()
	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	cc, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	stop := func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() }
	return cc, stop
}

func outgoingAuth(t *testing.T, key []byte, adminID uuid.UUID) context.Context {
	t.Helper()
	tok, err := SignAdminToken(key, adminID, time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+tok)
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	return s
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if st, ok := status.FromError(err); !ok || st.Code() != code {
		t.Fatalf("want %s, got %v", code, err)
	}
}

func TestServer_E2E_BasicFlow(t *testing.T) {
	t.Parallel()

	key := []byte("test-secret")
	adminID := uuid.Must(uuid.NewV4())
	appID := uuid.Must(uuid.NewV4())
	userID := uuid.Must(uuid.NewV4())
	sess := &fakeSessions{principal: &model.Principal{
		User:  &model.User{UserID: userID, AppID: appID, Username: "alice"},
		App:   &model.App{AppID: appID, AdminID: adminID},
		Admin: &model.Admin{AdminID: adminID},
	}}
	users := &fakeUsers{}

	cc, stop := startBufGRPC(t, New(sess, users, zaptest.NewLogger(t)), key)
	defer stop()
	cl := NewAdminClient(cc)
	ctx := outgoingAuth(t, key, adminID)

	out, err := cl.VerifyAuthToken(ctx, mustStruct(t, map[string]any{"authToken": "tok"}))
	require.NoError(t, err)
	require.Equal(t, "tok", sess.gotToken)
	require.Equal(t, adminID, sess.gotAdminID)
	require.Equal(t, "alice", out.GetFields()["user"].GetStructValue().GetFields()["username"].GetStringValue())

	out, err = cl.AuthenticateSession(ctx, mustStruct(t, map[string]any{"sessionId": "s", "appId": appID.String()}))
	require.NoError(t, err)
	require.Equal(t, appID, sess.gotAppID)
	require.Equal(t, adminID.String(), out.GetFields()["adminId"].GetStringValue())

	_, err = cl.UpdateProtectedProfile(ctx, mustStruct(t, map[string]any{
		"userId":           userID.String(),
		"protectedProfile": map[string]any{"tier": "gold"},
	}))
	require.NoError(t, err)
	require.Equal(t, model.Profile{"tier": "gold"}, users.profile)

	_, err = cl.UpdateProtectedProfile(ctx, mustStruct(t, map[string]any{"userId": userID.String(), "protectedProfile": nil}))
	require.NoError(t, err)
	require.Nil(t, users.profile)

	_, err = cl.DeleteUser(ctx, mustStruct(t, map[string]any{"userId": userID.String()}))
	require.NoError(t, err)
	require.Equal(t, userID, users.deleted)
}

func TestServer_RequiresAdminToken(t *testing.T) {
	t.Parallel()

	key := []byte("k")
	cc, stop := startBufGRPC(t, New(&fakeSessions{}, &fakeUsers{}, nil), key)
	defer stop()
	cl := NewAdminClient(cc)

	_, err := cl.VerifyAuthToken(context.Background(), mustStruct(t, map[string]any{"authToken": "x"}))
	wantCode(t, err, codes.Unauthenticated)

	_, err = cl.DeleteUser(outgoingAuth(t, []byte("wrong"), uuid.Must(uuid.NewV4())), &structpb.Struct{})
	wantCode(t, err, codes.Unauthenticated)

	// health stays reachable without a token
	resp, err := healthpb.NewHealthClient(cc).Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestServer_AuthenticateSession_OtherAdminsApp(t *testing.T) {
	t.Parallel()

	key := []byte("k")
	appID := uuid.Must(uuid.NewV4())
	owner := &model.Admin{AdminID: uuid.Must(uuid.NewV4())}
	sess := &fakeSessions{principal: &model.Principal{App: &model.App{AppID: appID}, Admin: owner}}
	cc, stop := startBufGRPC(t, New(sess, &fakeUsers{}, nil), key)
	defer stop()

	_, err := NewAdminClient(cc).AuthenticateSession(outgoingAuth(t, key, uuid.Must(uuid.NewV4())),
		mustStruct(t, map[string]any{"sessionId": "s", "appId": appID.String()}))
	wantCode(t, err, codes.Unauthenticated)
}

func TestServer_BadArguments(t *testing.T) {
	t.Parallel()

	s := New(&fakeSessions{}, &fakeUsers{}, nil)
	ctx := WithAdminID(context.Background(), uuid.Must(uuid.NewV4()))

	_, err := s.VerifyAuthToken(ctx, &structpb.Struct{})
	wantCode(t, err, codes.InvalidArgument)

	_, err = s.AuthenticateSession(ctx, mustStruct(t, map[string]any{"sessionId": "s"}))
	wantCode(t, err, codes.InvalidArgument)

	_, err = s.AuthenticateSession(ctx, mustStruct(t, map[string]any{"sessionId": "s", "appId": "short"}))
	wantCode(t, err, codes.InvalidArgument)

	_, err = s.DeleteUser(ctx, mustStruct(t, map[string]any{"userId": "not-a-uuid"}))
	wantCode(t, err, codes.InvalidArgument)

	_, err = s.UpdateProtectedProfile(ctx, mustStruct(t, map[string]any{
		"userId":           uuid.Must(uuid.NewV4()).String(),
		"protectedProfile": "flat",
	}))
	wantCode(t, err, codes.InvalidArgument)
}

func TestServer_Unauthenticated_WithoutInterceptor(t *testing.T) {
	t.Parallel()

	s := New(&fakeSessions{}, &fakeUsers{}, nil)
	_, err := s.VerifyAuthToken(context.Background(), &structpb.Struct{})
	wantCode(t, err, codes.Unauthenticated)
	_, err = s.DeleteUser(context.Background(), &structpb.Struct{})
	wantCode(t, err, codes.Unauthenticated)
}

func TestServer_ErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want codes.Code
	}{
		{errs.Validation(errs.CodeProfileNotValid, "Profile not valid"), codes.InvalidArgument},
		{errs.SessionInvalid("expired"), codes.Unauthenticated},
		{errs.Unauthorized(errs.CodeUserNotFound, "User not found"), codes.Unauthenticated},
		{errs.Lockout(time.Hour), codes.ResourceExhausted},
		{errs.Conflict(errs.CodeUsernameAlreadyExists, "Username already exists"), codes.AlreadyExists},
		{errs.NotFound("gone"), codes.NotFound},
		{errs.Upstream("db", context.DeadlineExceeded), codes.Internal},
		{context.Canceled, codes.Internal},
	}
	s := New(&fakeSessions{}, &fakeUsers{}, zaptest.NewLogger(t))
	for _, c := range cases {
		wantCode(t, s.toStatus(c.err), c.want)
	}

	st, _ := status.FromError(s.toStatus(errs.Upstream("db", context.DeadlineExceeded)))
	require.Equal(t, "Internal server error", st.Message())
}
