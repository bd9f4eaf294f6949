package grpcserver

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/dirsync/internal/cache"
	pkgcrypto "github.com/and161185/dirsync/internal/crypto"
	"github.com/and161185/dirsync/internal/directory"
	"github.com/and161185/dirsync/internal/dirpath"
	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/ldapclient/ldaptest"
	"github.com/and161185/dirsync/internal/model"
	"github.com/and161185/dirsync/internal/repository/memory"
	"github.com/and161185/dirsync/internal/service"
	"github.com/and161185/dirsync/internal/syncer"
)

const bufSize = 1 << 20

var policy = dirpath.Policy{BaseDN: "dc=acme,dc=com", UserBase: dirpath.Path{"users"}, GroupBase: dirpath.Path{"groups"}}

type stack struct {
	store *memory.Store
	dir   *ldaptest.Directory
	cc    *grpc.ClientConn
	key   []byte
}

func startStack(t *testing.T) *stack {
	t.Helper()
	log := zaptest.NewLogger(t)
	st := &stack{store: memory.New(), dir: ldaptest.New(policy.BaseDN), key: []byte("test-secret")}
	users := directory.NewUserDAO(st.dir, policy, "", log)

	logins := service.NewLoginHandler(service.LoginConfig{
		Mode:     service.ModeMaster,
		Policy:   policy,
		Accounts: st.store.Accounts(),
		Users:    users,
		Logger:   log,
	})
	auth := service.NewAuthService(logins, st.key, time.Minute, []string{"root"})
	admin := service.NewDirectoryAdminService(service.ModeMaster, syncer.Defaults{},
		st.store.Accounts(), st.store.Groups(), cache.New(nil), users, nil, log)

	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RecoverUnary(log),
		LoggingUnary(log),
		AuthUnary(st.key, FullMethod(MethodLogin)),
	))
	Register(gs, New(auth, admin))
	go func() { _ = gs.Serve(lis) }()

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	st.cc = cc
	t.Cleanup(func() {
		_ = cc.Close()
		gs.Stop()
		logins.Wait()
		_ = lis.Close()
	})
	return st
}

func (st *stack) account(t *testing.T, a model.Account, password string) int64 {
	t.Helper()
	if password != "" {
		hash, salt, err := pkgcrypto.NewCredential(password)
		if err != nil {
			t.Fatalf("credential: %v", err)
		}
		a.PwdHash, a.SaltAuth = hash, salt
	}
	if err := st.store.Accounts().Create(context.Background(), &a); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a.ID
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if status.Code(err) != code {
		t.Fatalf("want %s, got %v", code, err)
	}
}

func TestServer_E2E_AdminFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := startStack(t)
	st.account(t, model.Account{Username: "root", LocalOnly: true}, "rootpw")
	st.account(t, model.Account{Username: "bob", LocalOnly: true}, "bobpw")
	adaID := st.account(t, model.Account{Username: "ada", FirstName: "Ada", LastName: "Lovelace"}, "")

	anon := NewClient(st.cc, "")
	_, err := anon.Call(ctx, MethodGetUser, map[string]any{"key": "ada"})
	wantCode(t, err, codes.Unauthenticated)

	_, err = anon.Login(ctx, "root", "wrong")
	wantCode(t, err, codes.Unauthenticated)
	_, err = anon.Login(ctx, "bob", "bobpw")
	wantCode(t, err, codes.Unauthenticated)
	_, err = anon.Login(ctx, "", "")
	wantCode(t, err, codes.InvalidArgument)

	token, err := anon.Login(ctx, "root", "rootpw")
	if err != nil || token == "" {
		t.Fatalf("login: %v", err)
	}
	cl := NewClient(st.cc, token)

	stOut, err := cl.Call(ctx, MethodForceReload, nil)
	if err != nil {
		t.Fatalf("force reload: %v", err)
	}
	if stOut.GetFields()["last_finished"].GetStringValue() == "" {
		t.Fatalf("cache load time missing: %v", stOut)
	}

	u, err := cl.Call(ctx, MethodGetUser, map[string]any{"key": "ada"})
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if id := u.GetFields()["id"].GetNumberValue(); int64(id) != adaID {
		t.Fatalf("id: %v", id)
	}

	if _, err := cl.Call(ctx, MethodSetDirectoryPassword, map[string]any{"id": adaID, "password": "s3cret"}); err != nil {
		t.Fatalf("set password: %v", err)
	}
	if !st.dir.Has("uid=ada,ou=users,dc=acme,dc=com") {
		t.Fatalf("entry not created: %v", st.dir.DNs())
	}

	out, err := cl.Call(ctx, MethodDeactivateUser, map[string]any{"id": strconv.FormatInt(adaID, 10)})
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if !out.GetFields()["deactivated"].GetBoolValue() {
		t.Fatalf("not deactivated: %v", out)
	}
	if !st.dir.Has("uid=ada,ou=deactivated,ou=users,dc=acme,dc=com") {
		t.Fatalf("entry not moved: %v", st.dir.DNs())
	}

	u, err = cl.Call(ctx, MethodGetUser, map[string]any{"key": strconv.FormatInt(adaID, 10)})
	if err != nil || !u.GetFields()["deactivated"].GetBoolValue() {
		t.Fatalf("cache not refreshed: %v %v", u, err)
	}

	users, err := cl.Call(ctx, MethodListUsers, nil)
	if err != nil || len(users.GetFields()["users"].GetListValue().GetValues()) != 3 {
		t.Fatalf("list users: %v %v", users, err)
	}
	groups, err := cl.Call(ctx, MethodListGroups, nil)
	if err != nil || len(groups.GetFields()["groups"].GetListValue().GetValues()) != 0 {
		t.Fatalf("list groups: %v %v", groups, err)
	}

	if _, err := cl.Call(ctx, MethodWaitForSync, map[string]any{"timeout": "1s"}); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if _, err := cl.Call(ctx, MethodSyncStatus, nil); err != nil {
		t.Fatalf("status: %v", err)
	}
}

func TestServer_E2E_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := startStack(t)
	st.account(t, model.Account{Username: "root", LocalOnly: true}, "rootpw")
	st.account(t, model.Account{Username: "gone", Deleted: true}, "pw")

	anon := NewClient(st.cc, "")
	_, err := anon.Login(ctx, "gone", "pw")
	wantCode(t, err, codes.PermissionDenied)

	token, err := anon.Login(ctx, "root", "rootpw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	cl := NewClient(st.cc, token)

	_, err = cl.Call(ctx, MethodGetUser, map[string]any{"key": "nobody"})
	wantCode(t, err, codes.NotFound)
	_, err = cl.Call(ctx, MethodGetUser, nil)
	wantCode(t, err, codes.InvalidArgument)
	_, err = cl.Call(ctx, MethodDeactivateUser, nil)
	wantCode(t, err, codes.InvalidArgument)
	_, err = cl.Call(ctx, MethodDeactivateUser, map[string]any{"id": 1.5})
	wantCode(t, err, codes.InvalidArgument)
	_, err = cl.Call(ctx, MethodReactivateUser, map[string]any{"id": 999})
	wantCode(t, err, codes.NotFound)
	_, err = cl.Call(ctx, MethodSetDirectoryPassword, map[string]any{"id": 1, "password": ""})
	wantCode(t, err, codes.InvalidArgument)
	_, err = cl.Call(ctx, MethodWaitForSync, map[string]any{"timeout": "soon"})
	wantCode(t, err, codes.InvalidArgument)

	stale := NewClient(st.cc, makeJWT(t, "root", st.key, jwt.SigningMethodHS256, time.Now().Add(-2*time.Hour), time.Hour))
	_, err = stale.Call(ctx, MethodListUsers, nil)
	wantCode(t, err, codes.Unauthenticated)
}

func Test_toStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want codes.Code
	}{
		{errs.ErrUnauthorized, codes.Unauthenticated},
		{errs.ErrLoginExpired, codes.PermissionDenied},
		{errs.ErrRateLimited, codes.ResourceExhausted},
		{errs.ErrNotFound, codes.NotFound},
		{&errs.DirectoryError{Op: "save", Err: errs.ErrDirectoryUnavailable}, codes.Unavailable},
		{errs.ErrConfiguration, codes.FailedPrecondition},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("validation: empty id"), codes.InvalidArgument},
		{errors.New("boom"), codes.Internal},
	}
	for _, tc := range tests {
		if got := status.Code(toStatus("op", tc.err)); got != tc.want {
			t.Fatalf("%v: got %s, want %s", tc.err, got, tc.want)
		}
	}
}

func Test_remoteAddr(t *testing.T) {
	t.Parallel()

	if got := remoteAddr(context.Background()); got != "" {
		t.Fatalf("want empty, got %q", got)
	}
	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: fakeAddr{}})
	if got := remoteAddr(ctx); got != "127.0.0.1:12345" {
		t.Fatalf("got %q", got)
	}
}

func TestServiceDesc_Methods(t *testing.T) {
	t.Parallel()

	want := map[string]bool{}
	for _, m := range []string{MethodLogin, MethodForceReload, MethodSyncStatus, MethodWaitForSync, MethodGetUser,
		MethodListUsers, MethodListGroups, MethodDeactivateUser, MethodReactivateUser, MethodSetDirectoryPassword} {
		want[m] = true
	}
	if len(ServiceDesc.Methods) != len(want) {
		t.Fatalf("methods: %d", len(ServiceDesc.Methods))
	}
	for _, m := range ServiceDesc.Methods {
		if !want[m.MethodName] {
			t.Fatalf("unexpected method %s", m.MethodName)
		}
	}
	if FullMethod(MethodLogin) != "/dirsync.v1.DirectoryAdmin/Login" {
		t.Fatalf("full method: %s", FullMethod(MethodLogin))
	}
}
