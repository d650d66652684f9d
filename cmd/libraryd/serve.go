package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"librarycore/internal/adapters/httpapi"
	"librarycore/internal/staff"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), cmd.ErrOrStderr(), func(a *app) error {
				if addr != "" {
					a.cfg.Server.Addr = addr
				}
				return serve(cmd.Context(), a, nil)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides LIBRARY_ADDR)")
	return cmd
}

func (a *app) staffDirectory() (*staff.Directory, error) {
	if a.cfg.Auth.StaffFile != "" {
		return staff.LoadFile(a.cfg.Auth.StaffFile)
	}
	a.logger.Warn("no staff file configured, using demo accounts")
	return staff.DemoDirectory()
}

func (a *app) handler(ctx context.Context) (http.Handler, error) {
	dir, err := a.staffDirectory()
	if err != nil {
		return nil, fmt.Errorf("load staff accounts: %w", err)
	}
	secret := a.cfg.Auth.JWTSecret
	if secret == "" {
		secret = uuid.NewString()
		a.logger.Warn("no jwt secret configured, tokens will not survive a restart")
	}
	tokens, err := httpapi.NewTokenIssuer(secret, a.cfg.Auth.TokenTTL)
	if err != nil {
		return nil, err
	}

	opts := []httpapi.Option{
		httpapi.WithLogger(a.logger.With("component", "http")),
		httpapi.WithStaff(dir, tokens),
		httpapi.WithRequireAuth(a.cfg.Auth.Required),
		httpapi.WithMetricsHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry})),
	}
	if a.backups != nil {
		opts = append(opts, httpapi.WithBackups(a.backups))
	}
	if a.cfg.RateLimit.RPS > 0 {
		opts = append(opts, httpapi.WithRateLimiter(httpapi.NewRateLimiter(a.cfg.RateLimit.RPS, a.cfg.RateLimit.Burst)))
	}
	if a.cfg.Idempotency.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: a.cfg.Idempotency.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			a.logger.Warn("redis unreachable, idempotency lookups will fail open", "addr", a.cfg.Idempotency.RedisAddr, "error", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		opts = append(opts, httpapi.WithIdempotencyStore(httpapi.NewRedisIdempotencyStore(client, a.cfg.Idempotency.TTL)))
	} else {
		opts = append(opts, httpapi.WithIdempotencyStore(httpapi.NewMemoryIdempotencyStore(a.cfg.Idempotency.TTL)))
	}

	mux := http.NewServeMux()
	mux.Handle("GET /debug/vars", expvar.Handler())
	mux.Handle("/", httpapi.NewHandler(a.service, opts...))
	return mux, nil
}

// serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests for up to the configured shutdown timeout. A non-nil ready
// receives the bound address.
func serve(ctx context.Context, a *app, ready chan<- string) error {
	h, err := a.handler(ctx)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server listening", "addr", ln.Addr().String())
		if ready != nil {
			ready <- ln.Addr().String()
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down", "timeout", a.cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
