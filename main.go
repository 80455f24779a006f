package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appres "github.com/minicart/storefront/internal/application/reservation"
	"github.com/minicart/storefront/internal/infrastructure/audit"
	httptransport "github.com/minicart/storefront/internal/infrastructure/http"
	"github.com/minicart/storefront/internal/infrastructure/id"
	"github.com/minicart/storefront/internal/infrastructure/memory"
	obsinfra "github.com/minicart/storefront/internal/infrastructure/observability"
	"github.com/minicart/storefront/internal/infrastructure/observability/oteltrace"
	"github.com/minicart/storefront/internal/infrastructure/observability/prometrics"
	"github.com/minicart/storefront/internal/infrastructure/observability/zaplogger"
	"github.com/minicart/storefront/internal/infrastructure/outbox"
	"github.com/minicart/storefront/internal/observability"
	"github.com/minicart/storefront/internal/pkg/clock"
	"github.com/minicart/storefront/internal/pkg/guard"
	"github.com/minicart/storefront/internal/pkg/logging"
)

func main() {
	serviceName := getenvDefault("SERVICE_NAME", "storefront")
	env := getenvDefault("ENV", "dev")
	addr := getenvDefault("ADDR", ":8080")
	ttl := getenvDuration("RESERVATION_TTL", 15*time.Minute)
	sweepInterval := getenvDuration("SWEEP_INTERVAL", time.Minute)

	baseLogger := logging.MustNew(serviceName, env)
	defer func() { _ = baseLogger.Sync() }()
	zap.ReplaceGlobals(baseLogger)

	systemLogger := logging.WithTrace(baseLogger, logging.SystemTraceID, logging.SystemSpanID)

	reg := prometrics.New(serviceName, "")
	counters := map[observability.MetricKey]observability.Counter{
		observability.MUsecaseRequests:   reg.Counter(string(observability.MUsecaseRequests), "Total number of use case invocations.", "use_case", "outcome"),
		observability.MHTTPRequests:      reg.Counter(string(observability.MHTTPRequests), "Total number of HTTP requests.", "method", "route", "status"),
		observability.MExternalRequests:  reg.Counter(string(observability.MExternalRequests), "Total number of calls to external collaborators.", "peer", "endpoint", "outcome"),
		observability.MReservationEvents: reg.Counter(string(observability.MReservationEvents), "Reservation lifecycle events by type.", "event"),
		observability.MGuardSuppressions: reg.Counter(string(observability.MGuardSuppressions), "Duplicate and stale operations suppressed by the guard.", "kind"),
	}
	histograms := map[observability.MetricKey]observability.Histogram{
		observability.MUsecaseDuration:         reg.Histogram(string(observability.MUsecaseDuration), "Duration of use case execution in seconds.", prometheus.DefBuckets, "use_case"),
		observability.MHTTPRequestDuration:     reg.Histogram(string(observability.MHTTPRequestDuration), "Duration of HTTP requests in seconds.", prometheus.DefBuckets, "method", "route", "status"),
		observability.MExternalRequestDuration: reg.Histogram(string(observability.MExternalRequestDuration), "Duration of external calls in seconds.", prometheus.DefBuckets, "peer", "endpoint"),
	}

	tel := obsinfra.New(
		oteltrace.New(serviceName),
		zaplogger.Wrap(baseLogger),
		counters,
		histograms,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := memory.NewInventoryStore(memory.DefaultCatalog()...)

	bus := outbox.NewBus(tel.Logger())
	bus.Start(ctx)

	manager, err := appres.NewManager(ctx, store, bus, clock.System(), appres.Config{
		TTL:           ttl,
		SweepInterval: sweepInterval,
	}, tel)
	if err != nil {
		systemLogger.Fatal("reservation_manager_init_failed", zap.Error(err))
	}
	manager.Start(ctx)

	auditWorker := audit.New(bus, tel)
	auditWorker.Start()

	g := guard.New(clock.System(), tel)
	handler := httptransport.NewHandler(manager, g, id.NewUUIDGenerator(), tel.Logger())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", handler.Router(tel))

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		systemLogger.Info("http_server_start",
			zap.String("addr", server.Addr),
		)
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			systemLogger.Error("http_server_shutdown_error", zap.Error(err))
		}
		manager.Stop()
		bus.Stop(shutdownCtx)
		return nil
	})

	if err := group.Wait(); err != nil {
		systemLogger.Error("http_server_error", zap.Error(err))
	}
	systemLogger.Info("http_server_stopped")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
