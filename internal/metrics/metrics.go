// Package metrics provides Prometheus metrics for the shardfs daemons.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shardfs"

var (
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Commands handled, by verb, route and outcome.",
	}, []string{"verb", "route", "status"})

	commandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "command_duration_seconds",
		Help:      "Time from command parse to reply.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"verb"})

	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Open client connections.",
	})

	framingErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "framing_errors_total",
		Help:      "Connections dropped for malformed framing.",
	})

	bytesUploaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_uploaded_total",
		Help:      "ufile payload bytes received.",
	}, []string{"route"})

	bytesDownloaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_downloaded_total",
		Help:      "dfile bytes sent, framing included.",
	}, []string{"route"})

	peerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "peer",
		Name:      "request_duration_seconds",
		Help:      "Forwarded store request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"peer", "verb"})

	peerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "peer",
		Name:      "errors_total",
		Help:      "Forwarded store requests that failed in transport.",
	}, []string{"peer", "verb"})

	s3OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "s3",
		Name:      "operation_duration_seconds",
		Help:      "S3 call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	s3OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "s3",
		Name:      "operations_total",
		Help:      "S3 calls by outcome.",
	}, []string{"operation", "status"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ListenAndServe serves /metrics on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() { srv.Close() })
	defer stop()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RecordCommand records a handled command.
func RecordCommand(verb, route string, success bool, duration time.Duration) {
	commandsTotal.WithLabelValues(verb, route, status(success)).Inc()
	commandDuration.WithLabelValues(verb).Observe(duration.Seconds())
}

func ConnectionOpened() { connectionsActive.Inc() }
func ConnectionClosed() { connectionsActive.Dec() }

// RecordFramingError records a command dropped for bad framing.
func RecordFramingError() {
	framingErrorsTotal.Inc()
}

// RecordUpload records payload bytes received for a route.
func RecordUpload(route string, bytes int64) {
	bytesUploaded.WithLabelValues(route).Add(float64(bytes))
}

// RecordDownload records bytes sent for a route.
func RecordDownload(route string, bytes int64) {
	bytesDownloaded.WithLabelValues(route).Add(float64(bytes))
}

// RecordPeerRequest records a forwarded store request.
func RecordPeerRequest(peer, verb string, duration time.Duration, err error) {
	peerRequestDuration.WithLabelValues(peer, verb).Observe(duration.Seconds())
	if err != nil {
		peerErrorsTotal.WithLabelValues(peer, verb).Inc()
	}
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
