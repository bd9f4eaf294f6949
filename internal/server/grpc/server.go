// Package grpcserver exposes the directory admin gRPC API.
//
// The service has no generated stubs: every method takes and returns a
// google.protobuf.Struct, described by ServiceDesc.
package grpcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/dirsync/internal/convert"
	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/service"
)

// ServiceName is the fully qualified admin service name.
const ServiceName = "dirsync.v1.DirectoryAdmin"

// Method names of the admin service.
const (
	MethodLogin                = "Login"
	MethodForceReload          = "ForceReload"
	MethodSyncStatus           = "SyncStatus"
	MethodWaitForSync          = "WaitForSync"
	MethodGetUser              = "GetUser"
	MethodListUsers            = "ListUsers"
	MethodListGroups           = "ListGroups"
	MethodDeactivateUser       = "DeactivateUser"
	MethodReactivateUser       = "ReactivateUser"
	MethodSetDirectoryPassword = "SetDirectoryPassword"
)

// FullMethod returns "/dirsync.v1.DirectoryAdmin/<name>".
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

// AdminServer is the handler type of ServiceDesc.
type AdminServer interface {
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ForceReload(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SyncStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WaitForSync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetUser(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListUsers(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListGroups(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeactivateUser(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReactivateUser(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetDirectoryPassword(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type method func(AdminServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, m method) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return m(srv.(AdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return m(srv.(AdminServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes the admin service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodLogin, AdminServer.Login),
		unary(MethodForceReload, AdminServer.ForceReload),
		unary(MethodSyncStatus, AdminServer.SyncStatus),
		unary(MethodWaitForSync, AdminServer.WaitForSync),
		unary(MethodGetUser, AdminServer.GetUser),
		unary(MethodListUsers, AdminServer.ListUsers),
		unary(MethodListGroups, AdminServer.ListGroups),
		unary(MethodDeactivateUser, AdminServer.DeactivateUser),
		unary(MethodReactivateUser, AdminServer.ReactivateUser),
		unary(MethodSetDirectoryPassword, AdminServer.SetDirectoryPassword),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dirsync/v1/admin.proto",
}

// Register adds srv to gs. Token checks come from AuthUnary.
func Register(gs grpc.ServiceRegistrar, srv AdminServer) {
	gs.RegisterService(&ServiceDesc, srv)
}

// Server wires services into gRPC handlers.
type Server struct {
	auth  service.AuthService
	admin service.DirectoryAdminService
}

var _ AdminServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(auth service.AuthService, admin service.DirectoryAdminService) *Server {
	return &Server{auth: auth, admin: admin}
}

// --- Auth ---

// Login authenticates an administrator and returns an access token.
func (s *Server) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	username, password := convert.Str(req, "username"), convert.Str(req, "password")
	if username == "" || password == "" {
		return nil, status.Error(codes.InvalidArgument, "empty username/password")
	}
	tok, acc, err := s.auth.Login(ctx, username, password, remoteAddr(ctx))
	if err != nil {
		return nil, toStatus("login", err)
	}
	user, err := convert.FromAccount(acc, nil)
	if err != nil {
		return nil, toStatus("login", err)
	}
	return structpb.NewStruct(map[string]any{
		"access_token": tok.AccessToken,
		"expires_at":   tok.ExpiresAt.UTC().Format(time.RFC3339),
		"user":         user.AsMap(),
	})
}

// --- Sync ---

// ForceReload requests a reconciliation pass and returns the current status.
func (s *Server) ForceReload(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.admin.ForceReload(ctx); err != nil {
		return nil, toStatus("force reload", err)
	}
	return s.SyncStatus(ctx, nil)
}

// SyncStatus reports the engine state and the last pass.
func (s *Server) SyncStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.admin.SyncStatus(ctx)
	if err != nil {
		return nil, toStatus("sync status", err)
	}
	out, err := convert.FromStatus(st)
	if err != nil {
		return nil, toStatus("sync status", err)
	}
	return out, nil
}

// WaitForSync blocks until the refresh settles or "timeout" elapses.
func (s *Server) WaitForSync(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	timeout, err := convert.Duration(req, "timeout")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad timeout: %v", err)
	}
	st, err := s.admin.WaitForSync(ctx, timeout)
	if err != nil {
		return nil, toStatus("wait", err)
	}
	out, err := convert.FromStatus(st)
	if err != nil {
		return nil, toStatus("wait", err)
	}
	return out, nil
}

// --- Accounts ---

// GetUser returns one account by "key" (username or id) with its groups.
func (s *Server) GetUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key := strings.TrimSpace(convert.Str(req, "key"))
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "empty key")
	}
	a, groups, err := s.admin.GetUser(ctx, key)
	if err != nil {
		return nil, toStatus("get user", err)
	}
	if groups == nil {
		groups = []string{}
	}
	out, err := convert.FromAccount(a, groups)
	if err != nil {
		return nil, toStatus("get user", err)
	}
	return out, nil
}

// ListUsers returns all accounts.
func (s *Server) ListUsers(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	as, err := s.admin.ListUsers(ctx)
	if err != nil {
		return nil, toStatus("list users", err)
	}
	out, err := convert.FromAccounts(as)
	if err != nil {
		return nil, toStatus("list users", err)
	}
	return out, nil
}

// ListGroups returns all groups.
func (s *Server) ListGroups(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	gs, err := s.admin.ListGroups(ctx)
	if err != nil {
		return nil, toStatus("list groups", err)
	}
	out, err := convert.FromGroups(gs)
	if err != nil {
		return nil, toStatus("list groups", err)
	}
	return out, nil
}

// DeactivateUser deactivates the account "id".
func (s *Server) DeactivateUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := convert.Int64(req, "id")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad id: %v", err)
	}
	a, err := s.admin.DeactivateUser(ctx, id)
	if err != nil {
		return nil, toStatus("deactivate", err)
	}
	out, err := convert.FromAccount(a, nil)
	if err != nil {
		return nil, toStatus("deactivate", err)
	}
	return out, nil
}

// ReactivateUser reactivates the account "id".
func (s *Server) ReactivateUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := convert.Int64(req, "id")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad id: %v", err)
	}
	a, err := s.admin.ReactivateUser(ctx, id)
	if err != nil {
		return nil, toStatus("reactivate", err)
	}
	out, err := convert.FromAccount(a, nil)
	if err != nil {
		return nil, toStatus("reactivate", err)
	}
	return out, nil
}

// SetDirectoryPassword sets "password" on the account "id".
func (s *Server) SetDirectoryPassword(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := convert.Int64(req, "id")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad id: %v", err)
	}
	if err := s.admin.SetDirectoryPassword(ctx, id, convert.Str(req, "password")); err != nil {
		return nil, toStatus("set password", err)
	}
	return &structpb.Struct{}, nil
}

// toStatus maps service errors to gRPC status codes.
func toStatus(op string, err error) error {
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "bad credentials")
	case errors.Is(err, errs.ErrLoginExpired):
		return status.Error(codes.PermissionDenied, "login expired")
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrConfiguration):
		return status.Errorf(codes.FailedPrecondition, "%s: %v", op, err)
	case errors.Is(err, errs.ErrDirectoryUnavailable):
		return status.Errorf(codes.Unavailable, "%s: %v", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(codes.DeadlineExceeded, "%s: %v", op, err)
	case strings.HasPrefix(err.Error(), "validation:"):
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Errorf(codes.Internal, "%s: %v", op, err)
}

// subjectFromMD extracts "authorization: Bearer <JWT>", verifies HS256 and
// returns the subject.
func subjectFromMD(ctx context.Context, signKey []byte) (string, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return "", err
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return signKey, nil
	})
	if err != nil || !parsed.Valid {
		return "", errors.New("invalid token")
	}

	v := jwt.NewValidator(jwt.WithLeeway(30 * time.Second))
	if err := v.Validate(&claims); err != nil {
		return "", errors.New("token expired or not valid yet")
	}
	if claims.Subject == "" {
		return "", errors.New("bad subject")
	}
	return claims.Subject, nil
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
