// Package grpcserver exposes the admin-facing gRPC API.
package grpcserver

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/e2ee-identity/internal/convert"
	"github.com/and161185/e2ee-identity/internal/errs"
	"github.com/and161185/e2ee-identity/internal/model"
	"github.com/and161185/e2ee-identity/internal/service"
)

// Sessions is the part of the session manager the admin API uses.
type Sessions interface {
	VerifyAuthToken(ctx context.Context, authToken string, adminID uuid.UUID) (*model.Principal, error)
	Authenticate(ctx context.Context, sessionID string, appID uuid.UUID) (*model.Principal, error)
}

// Users is the part of the user service the admin API uses.
type Users interface {
	AdminDeleteUser(ctx context.Context, adminID, userID uuid.UUID) error
	UpdateProtectedProfile(ctx context.Context, adminID, userID uuid.UUID, profile model.Profile) error
}

// Server wires services into gRPC handlers.
type Server struct {
	sessions Sessions
	users    Users
	log      *zap.Logger
}

var _ AdminServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(sessions Sessions, users Users, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{sessions: sessions, users: users, log: log}
}

// VerifyAuthToken resolves {authToken} into the user it was issued to.
func (s *Server) VerifyAuthToken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	adminID, ok := AdminIDFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	tok, ok := convert.StringField(req, "authToken")
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "authToken missing")
	}
	p, err := s.sessions.VerifyAuthToken(ctx, tok, adminID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return convert.ToProtoPrincipal(p), nil
}

// AuthenticateSession resolves {sessionId, appId} for an app the caller owns.
func (s *Server) AuthenticateSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	adminID, ok := AdminIDFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	sessionID, _ := convert.StringField(req, "sessionId")
	rawAppID, _ := convert.StringField(req, "appId")
	if sessionID == "" || rawAppID == "" {
		return nil, status.Error(codes.InvalidArgument, "sessionId and appId are required")
	}
	appID, err := service.ParseID(rawAppID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	p, err := s.sessions.Authenticate(ctx, sessionID, appID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	if p.Admin == nil || p.Admin.AdminID != adminID {
		return nil, s.toStatus(errs.Unauthorized(errs.CodeAppIDNotValid, "App ID not valid"))
	}
	return convert.ToProtoPrincipal(p), nil
}

// UpdateProtectedProfile replaces {userId}'s protected profile; null clears it.
func (s *Server) UpdateProtectedProfile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	adminID, userID, err := s.adminAndUser(ctx, req)
	if err != nil {
		return nil, err
	}
	profile, err := convert.FromProtoProfile(convert.Field(req, "protectedProfile"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.users.UpdateProtectedProfile(ctx, adminID, userID, profile); err != nil {
		return nil, s.toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// DeleteUser soft-deletes {userId} and ends its sessions.
func (s *Server) DeleteUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	adminID, userID, err := s.adminAndUser(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.users.AdminDeleteUser(ctx, adminID, userID); err != nil {
		return nil, s.toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) adminAndUser(ctx context.Context, req *structpb.Struct) (uuid.UUID, uuid.UUID, error) {
	adminID, ok := AdminIDFromCtx(ctx)
	if !ok {
		return uuid.Nil, uuid.Nil, status.Error(codes.Unauthenticated, "no auth")
	}
	raw, ok := convert.StringField(req, "userId")
	if !ok {
		return uuid.Nil, uuid.Nil, status.Error(codes.InvalidArgument, "userId missing")
	}
	userID, err := service.ParseID(raw)
	if err != nil {
		return uuid.Nil, uuid.Nil, s.toStatus(err)
	}
	return adminID, userID, nil
}

// toStatus maps the error taxonomy onto gRPC codes. Internal details never leave the process.
func (s *Server) toStatus(err error) error {
	var e *errs.Error
	if !errors.As(err, &e) {
		s.log.Error("unclassified error", zap.Error(err))
		return status.Error(codes.Internal, "Internal server error")
	}
	msg := errs.PublicMessage(err)
	switch e.Kind {
	case errs.KindValidation:
		return status.Error(codes.InvalidArgument, msg)
	case errs.KindAuthorization:
		if e.Reason != "" {
			s.log.Debug("admin call rejected", zap.String("code", string(e.Code)), zap.String("reason", e.Reason))
		}
		return status.Error(codes.Unauthenticated, msg)
	case errs.KindLockout:
		return status.Error(codes.ResourceExhausted, msg)
	case errs.KindConflict:
		return status.Error(codes.AlreadyExists, msg)
	case errs.KindNotFound:
		return status.Error(codes.NotFound, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}
