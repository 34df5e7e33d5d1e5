package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"shopfront.dev/internal/auth"
	"shopfront.dev/internal/config"
	"shopfront.dev/internal/events"
	"shopfront.dev/internal/httpapi"
	"shopfront.dev/internal/migrate"
	"shopfront.dev/internal/obs"
	"shopfront.dev/internal/store/pg"
	"shopfront.dev/internal/users"
)

func serveCmd() *cobra.Command {
	var applyMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the optional gRPC health listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, applyMigrations)
		},
	}
	cmd.Flags().BoolVar(&applyMigrations, "migrate", false, "apply pending schema migrations before serving")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, applyMigrations bool) error {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	store, closeStore, err := openStore(ctx, cfg, applyMigrations)
	if err != nil {
		return err
	}
	defer closeStore()

	publisher, err := openPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer publisher.Close()

	tokens, err := auth.NewTokenService(cfg.Auth.Secret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
	)
	if err != nil {
		return err
	}
	userSvc := users.NewService(store,
		users.WithPublisher(publisher),
		users.WithPasswordPolicy(cfg.Password),
	)
	readiness := httpapi.ReadyProbe{Store: store}

	api, err := httpapi.New(httpapi.Deps{
		Auth:      auth.NewService(tokens, userSvc),
		Users:     userSvc,
		Readiness: readiness,
	}, httpapi.Options{
		Version:           version,
		CookieSecure:      cfg.Auth.CookieSecure,
		CORSOrigins:       cfg.CORS,
		LoginPerSecond:    cfg.RateLimit.PerSecond,
		LoginBurst:        cfg.RateLimit.Burst,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		obs.Info(ctx, "http listening", map[string]any{"addr": srv.Addr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http listen: %w", err)
		}
	}()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		go func() {
			obs.Info(ctx, "grpc health listening", map[string]any{"addr": cfg.GRPCAddr})
			if err := httpapi.ServeGRPC(ctx, lis, httpapi.NewHealthServer(readiness)); err != nil {
				errc <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}
	obs.Info(context.Background(), "shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	obs.Info(shutdownCtx, "stopped", nil)
	return nil
}

// openStore picks PostgreSQL when DATABASE_URL is set and the in-memory store
// otherwise. The in-memory store is refused outside APP_ENV=dev.
func openStore(ctx context.Context, cfg config.Config, applyMigrations bool) (users.Store, func(), error) {
	if cfg.Database.URL == "" {
		if cfg.Env != "dev" {
			return nil, nil, errors.New("DATABASE_URL is required outside APP_ENV=dev")
		}
		obs.Warn(ctx, "DATABASE_URL not set, using in-memory store", nil)
		return users.NewMemoryStore(), func() {}, nil
	}

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	store, err := pg.Open(openCtx, cfg.Database.URL, pg.WithTimeout(cfg.Database.Timeout))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if applyMigrations {
		mgr, err := migrate.NewManager(store.DB())
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		// closing the manager would close the shared handle
		if err := mgr.Up(); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		obs.Info(ctx, "migrations applied", nil)
	}
	return store, func() { _ = store.Close() }, nil
}

func openPublisher(ctx context.Context, cfg config.Config) (events.Publisher, error) {
	if cfg.AMQP.URL == "" {
		return events.Nop{}, nil
	}
	p, err := events.DialRabbitMQ(cfg.AMQP.URL, cfg.AMQP.Queue)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	obs.Info(ctx, "publishing events", map[string]any{"queue": cfg.AMQP.Queue})
	return p, nil
}
