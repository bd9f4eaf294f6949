package grpcserver

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:12345" }

func TestLoggingUnary_LevelsAndNoPayload(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	ic := LoggingUnary(zap.New(core))
	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: fakeAddr{}})
	req, err := structpb.NewStruct(map[string]any{"username": "root", "password": "hunter2"})
	require.NoError(t, err)
	info := &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodLogin)}

	resp, err := ic(ctx, req, info, func(context.Context, any) (any, error) { return "ok", nil })
	require.NoError(t, err)
	require.Equal(t, "ok", resp)

	denied := status.Error(codes.Unauthenticated, "bad credentials")
	_, err = ic(ctx, req, info, func(context.Context, any) (any, error) { return nil, denied })
	require.Equal(t, denied, err)

	_, err = ic(ctx, req, info, func(context.Context, any) (any, error) { return nil, status.Error(codes.Internal, "db") })
	require.Error(t, err)

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	for _, e := range entries {
		m := e.ContextMap()
		require.Equal(t, FullMethod(MethodLogin), m["method"])
		require.Equal(t, "127.0.0.1:12345", m["peer"])
		for k, v := range m {
			if s, ok := v.(string); ok {
				require.NotContains(t, s, "hunter2", k)
			}
		}
	}
	require.Equal(t, "bad credentials", entries[1].ContextMap()["detail"])
}

func Test_levelFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, zapcore.InfoLevel, levelFor(codes.OK))
	require.Equal(t, zapcore.WarnLevel, levelFor(codes.NotFound))
	require.Equal(t, zapcore.WarnLevel, levelFor(codes.ResourceExhausted))
	require.Equal(t, zapcore.ErrorLevel, levelFor(codes.Unavailable))
	require.Equal(t, zapcore.ErrorLevel, levelFor(codes.Unknown))
}

func TestRecoverUnary(t *testing.T) {
	t.Parallel()

	ic := RecoverUnary(zaptest.NewLogger(t))
	info := &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodListUsers)}

	resp, err := ic(context.Background(), nil, info, func(context.Context, any) (any, error) { panic("oh no") })
	require.Nil(t, resp)
	require.Equal(t, codes.Internal, status.Code(err))

	resp, err = ic(context.Background(), nil, info, func(context.Context, any) (any, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, resp)
}

func TestAuthUnary(t *testing.T) {
	t.Parallel()

	key := []byte("secret")
	ic := AuthUnary(key, FullMethod(MethodLogin))

	var gotSub string
	h := func(ctx context.Context, req any) (any, error) {
		gotSub, _ = SubjectFromCtx(ctx)
		return "ok", nil
	}

	login := &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodLogin)}
	_, err := ic(context.Background(), nil, login, h)
	require.NoError(t, err, "public method must pass without token")

	info := &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodGetUser)}
	_, err = ic(context.Background(), nil, info, h)
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	tok := makeJWT(t, "root", key, jwt.SigningMethodHS256, time.Now().Add(-time.Minute), 10*time.Minute)
	_, err = ic(ctxWithAuth(tok), nil, info, h)
	require.NoError(t, err)
	require.Equal(t, "root", gotSub)

	other := makeJWT(t, "root", []byte("other"), jwt.SigningMethodHS256, time.Now(), time.Hour)
	_, err = ic(ctxWithAuth(other), nil, info, h)
	require.Equal(t, codes.Unauthenticated, status.Code(err))
}
