// Command dirsync-server runs directory reconciliation and the admin gRPC API.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/dirsync/internal/config"
	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/limiter"
	"github.com/and161185/dirsync/internal/metrics"
	"github.com/and161185/dirsync/internal/migrate"
	"github.com/and161185/dirsync/internal/repository"
	"github.com/and161185/dirsync/internal/repository/memory"
	"github.com/and161185/dirsync/internal/repository/postgres"
	grpcserver "github.com/and161185/dirsync/internal/server/grpc"
	"github.com/and161185/dirsync/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

type flags struct {
	addr        string
	dsn         string
	jwtKey      string
	accessTTL   time.Duration
	certFile    string
	keyFile     string
	dev         bool
	metricsAddr string
	configPath  string
	admins      string
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.addr, "addr", ":8443", "listen address")
	flag.StringVar(&f.dsn, "dsn", "", "PostgreSQL DSN (empty with -dev keeps accounts in memory)")
	flag.StringVar(&f.jwtKey, "jwt-key", "", "HS256 signing key (required)")
	flag.DurationVar(&f.accessTTL, "access-ttl", 15*time.Minute, "access token TTL")
	flag.StringVar(&f.certFile, "tls-cert", "cert.pem", "TLS certificate (PEM)")
	flag.StringVar(&f.keyFile, "tls-key", "key.pem", "TLS private key (PEM)")
	flag.BoolVar(&f.dev, "dev", false, "enable reflection, allow plaintext and the in-memory store")
	flag.StringVar(&f.metricsAddr, "metrics-addr", ":9090", "Prometheus listen address (empty disables)")
	flag.StringVar(&f.configPath, "config", "", "directory configuration file")
	flag.StringVar(&f.admins, "admins", "", "comma-separated usernames allowed to use the admin API (empty allows all)")
	flag.Parse()
	return f
}

// main parses flags, wires the stores, the directory and the sync engine,
// and serves the admin API until SIGINT/SIGTERM.
func main() {
	f := parseFlags()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", f.addr),
	)

	if f.jwtKey == "" {
		logger.Fatal("missing jwt signing key (--jwt-key)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, f flags, logger *zap.Logger) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		if !errors.Is(err, errs.ErrConfiguration) {
			return err
		}
		logger.Error("directory configuration rejected, running without the directory",
			zap.Error(err), zap.Strings("fields", config.ValidationFields(err)))
		cfg = config.Default()
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	st, lim, closeStore, err := openStore(ctx, f, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	dir, err := buildDirectory(cfg, st, m, logger)
	if err != nil {
		return err
	}
	defer dir.close()

	logins := service.NewLoginHandler(service.LoginConfig{
		Mode:           dir.mode,
		Provisioning:   service.Provisioning(cfg.Directory.Slave.Membership),
		RefreshOnLogin: cfg.Directory.Slave.RefreshOnLogin,
		Policy:         dir.policy,
		Defaults:       dir.defaults,
		Accounts:       st.accounts,
		Users:          dir.users,
		Reloader:       dir.reloader(),
		Limiter:        lim,
		Logger:         logger,
		Metrics:        m,
	})
	defer logins.Wait()

	authSvc := service.NewAuthService(logins, []byte(f.jwtKey), f.accessTTL, splitList(f.admins))
	adminSvc := service.NewDirectoryAdminService(dir.mode, dir.defaults, st.accounts, st.groups,
		dir.cache, dir.users, dir.refresher(), logger)

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			grpcserver.AuthUnary([]byte(f.jwtKey), grpcserver.FullMethod(grpcserver.MethodLogin)),
		),
	}
	if f.certFile != "" || !f.dev {
		creds, err := credentials.NewServerTLSFromFile(f.certFile, f.keyFile)
		if err != nil {
			return err
		}
		opts = append(opts, grpc.Creds(creds))
	}
	s := grpc.NewServer(opts...)
	grpcserver.Register(s, grpcserver.New(authSvc, adminSvc))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if f.dev {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", f.addr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if dir.engine != nil {
		g.Go(func() error { return dir.engine.Run(gctx) })
		dir.engine.ForceReload()
	} else if _, err := dir.cache.Load(ctx, st.accounts, st.groups); err != nil {
		logger.Warn("initial cache load", zap.Error(err))
	}

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", f.addr), zap.String("mode", string(dir.mode)))
		return s.Serve(lis)
	})

	if f.metricsAddr != "" {
		ms := &http.Server{Addr: f.metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := ms.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ms.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
		return nil
	})

	return g.Wait()
}

type stores struct {
	accounts repository.AccountRepository
	groups   repository.GroupRepository
}

// openStore picks postgres when a DSN is given and the in-memory store in
// dev mode otherwise. The login limiter needs postgres.
func openStore(ctx context.Context, f flags, cfg *config.Config, logger *zap.Logger) (stores, limiter.Limiter, func(), error) {
	if f.dsn == "" {
		if !f.dev {
			return stores{}, nil, nil, errors.New("missing -dsn (use -dev for the in-memory store)")
		}
		logger.Warn("using the in-memory account store")
		ms := memory.New()
		return stores{accounts: ms.Accounts(), groups: ms.Groups()}, limiter.Noop{}, func() {}, nil
	}

	if err := migrate.Up(ctx, f.dsn); err != nil {
		return stores{}, nil, nil, err
	}
	db, err := postgres.Open(ctx, f.dsn, postgres.Options{ApplicationName: "dirsync"})
	if err != nil {
		return stores{}, nil, nil, err
	}
	lim := limiter.NewPG(db.Pool, limiter.Policy{
		Window:      cfg.Login.Window,
		MaxFailures: cfg.Login.MaxFailures,
		BlockFor:    cfg.Login.BlockFor,
	})
	return stores{accounts: db.Accounts(), groups: db.Groups()}, lim, db.Close, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
