package grpcserver

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// LoggingUnary returns a unary server interceptor for structured logging.
func LoggingUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		code := status.Code(err)

		var remote string
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			remote = p.Addr.String()
		}

		lvl := zapcore.InfoLevel
		if code == codes.Internal || code == codes.Unknown {
			lvl = zapcore.ErrorLevel
		}
		// metadata only, payloads carry tokens and profiles
		if ce := log.Check(lvl, "grpc"); ce != nil {
			ce.Write(
				zap.String("method", info.FullMethod),
				zap.String("code", code.String()),
				zap.Duration("dur", time.Since(start)),
				zap.String("peer", remote),
			)
		}
		return resp, err
	}
}

// RecoverUnary returns a unary server interceptor that recovers from panics.
func RecoverUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic",
					zap.Any("reason", r),
					zap.ByteString("stack", debug.Stack()),
					zap.String("method", info.FullMethod),
				)
				err = status.Error(codes.Internal, "internal")
			}
		}()
		return next(ctx, req)
	}
}

// AuthUnary requires an admin bearer token on AdminService methods and stores
// the admin ID in context. Health and reflection calls pass through.
func AuthUnary(signKey []byte) grpc.UnaryServerInterceptor {
	prefix := "/" + ServiceName + "/"
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, prefix) {
			return next(ctx, req)
		}
		adminID, err := adminIDFromCtx(ctx, signKey)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "no auth")
		}
		return next(WithAdminID(ctx, adminID), req)
	}
}
