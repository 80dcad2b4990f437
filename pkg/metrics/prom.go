package metrics

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	EncodedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstream_encoded_events_total",
			Help: "Total number of change events built from committed transactions",
		},
		[]string{"entity", "operation"},
	)

	EncodingErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstream_encoding_errors_total",
			Help: "Total number of change events dropped while encoding a transaction",
		},
		[]string{"entity", "operation"},
	)

	RoutedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstream_routed_messages_total",
			Help: "Total number of messages produced by the topic router",
		},
		[]string{"topic"},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstream_publish_errors_total",
			Help: "Total number of publish errors by peer",
		},
		[]string{"peer"},
	)

	DeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstream_dead_lettered_total",
			Help: "Total number of messages routed to a dead-letter topic",
		},
		[]string{"topic"},
	)

	CompiledStatements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstream_compiled_statements_total",
			Help: "Total number of statements compiled by ingestion strategy",
		},
		[]string{"strategy"},
	)

	IngestRecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstream_ingest_records_dropped_total",
			Help: "Total number of incoming records excluded from their batch",
		},
		[]string{"strategy", "reason"},
	)

	ConstraintRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstream_constraint_refreshes_total",
			Help: "Total number of constraint cache refreshes by result",
		},
		[]string{"result"},
	)

	StatementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphstream_statement_duration_seconds",
			Help:    "Duration of compiled statement execution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)
)

type PromServerOpts struct {
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
	Logger            *zap.Logger
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given options.
// The server shuts down gracefully when ctx is canceled.
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	effectiveOpts := defaultPrometheusServerOptions()
	logger := zap.L()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
		if opts.Logger != nil {
			logger = opts.Logger
		}
	}

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting prometheus metrics server", zap.String("addr", effectiveOpts.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("metrics server shutdown timed out")
		}
	}()
}
