package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"librarycore/internal/backup"
	"librarycore/internal/blob"
	"librarycore/internal/config"
	"librarycore/internal/core"
)

const serviceName = "librarycore"

// app holds the process-wide dependencies shared by every subcommand.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	service  *core.Service
	backups  *backup.Manager
	registry *prometheus.Registry
	expvar   *core.ExpvarMetricsRecorder
	closers  []func(context.Context) error
}

func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Log.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With("service", serviceName), nil
}

// newApp loads configuration, opens the store and builds the service.
func newApp(ctx context.Context, logOut io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg, logOut)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom, err := core.NewPrometheusRecorder(a.registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	a.expvar = core.NewExpvarMetricsRecorder("")

	tracer, err := a.newTracer(ctx, logOut)
	if err != nil {
		return nil, err
	}

	store, err := core.OpenPersistentStore(ctx, core.StorageConfig{
		Driver:      core.StorageDriver(cfg.Storage.Driver),
		SQLitePath:  cfg.Storage.SQLitePath,
		PostgresDSN: cfg.Storage.PostgresDSN,
	}, core.NewDefaultRulesEngine(), nil)
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}

	a.service = core.NewService(store,
		core.WithLogger(logger.With("component", "engine")),
		core.WithMetricsRecorder(core.MultiMetricsRecorder{prom, a.expvar}),
		core.WithTracer(tracer),
		core.WithAuditRecorder(core.NewLogAuditRecorder(logger)),
		core.WithUnitFine(cfg.UnitFine()),
		core.WithStrictDueDates(cfg.Loans.StrictDueDates),
		core.WithLocation(loc),
	)
	a.closers = append(a.closers, func(context.Context) error { return a.service.Close() })

	if cfg.BackupsEnabled() {
		bs, err := blob.Open(ctx, blob.Config{
			Driver: blob.Driver(cfg.Blob.Driver),
			Root:   cfg.Blob.Root,
			S3: blob.S3Config{
				Bucket:          cfg.Blob.Bucket,
				Region:          cfg.Blob.Region,
				Endpoint:        cfg.Blob.Endpoint,
				AccessKeyID:     cfg.Blob.AccessKeyID,
				SecretAccessKey: cfg.Blob.SecretAccessKey,
				PathStyle:       cfg.Blob.PathStyle,
			},
		})
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("open blob store: %w", err)
		}
		a.backups = backup.NewManager(bs, a.service, backup.WithLogger(logger.With("component", "backup")))
	}

	logger.Debug("service ready",
		"storage", cfg.Storage.Driver,
		"tracer", cfg.Tracing.Exporter,
		"backups", cfg.BackupsEnabled(),
		"timezone", loc.String(),
	)
	return a, nil
}

func (a *app) newTracer(ctx context.Context, logOut io.Writer) (core.Tracer, error) {
	switch a.cfg.Tracing.Exporter {
	case "", "none":
		return nil, nil
	case "json":
		return core.NewJSONTracer(logOut), nil
	case "otel":
		res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
			semconv.ServiceName(serviceName),
			attribute.String("library.storage", a.cfg.Storage.Driver),
		))
		if err != nil {
			return nil, fmt.Errorf("otel resource: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(&logSpanExporter{logger: a.logger.With("component", "trace")}),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		a.closers = append(a.closers, tp.Shutdown)
		a.logger.InfoContext(ctx, "otel tracing enabled")
		return core.NewOTelTracer(tp.Tracer(serviceName)), nil
	default:
		return nil, fmt.Errorf("unknown tracer %q", a.cfg.Tracing.Exporter)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// logSpanExporter writes finished spans as structured log lines.
type logSpanExporter struct {
	logger *slog.Logger
}

func (e *logSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		attrs := []any{
			"name", s.Name(),
			"trace_id", s.SpanContext().TraceID().String(),
			"span_id", s.SpanContext().SpanID().String(),
			"duration", s.EndTime().Sub(s.StartTime()),
			"status", s.Status().Code.String(),
		}
		if d := s.Status().Description; d != "" {
			attrs = append(attrs, "error", d)
		}
		e.logger.DebugContext(ctx, "span", attrs...)
	}
	return nil
}

func (e *logSpanExporter) Shutdown(context.Context) error { return nil }

// withApp builds the app for one command run and closes it afterwards.
func withApp(ctx context.Context, logOut io.Writer, fn func(*app) error) (err error) {
	a, err := newApp(ctx, logOut)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
