// Package metrics exposes ingestion counters to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coinflow/logger"
)

var (
	FramesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coinflow_frames_read_total",
		Help: "Raw frames received from the feed.",
	})
	FramesMalformed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coinflow_frames_malformed_total",
		Help: "Frames rejected by the codec as structurally invalid.",
	})
	FramesIgnored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coinflow_frames_ignored_total",
		Help: "Well-formed frames of types the codec does not consume.",
	})
	EventsDecoded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coinflow_events_decoded_total",
		Help: "Market events decoded, by channel.",
	}, []string{"channel"})
	EventsProvisional = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coinflow_events_provisional_total",
		Help: "Events ingested before their channel was acknowledged.",
	})
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coinflow_events_dropped_total",
		Help: "Events evicted by the drop-oldest buffer policy.",
	})
	GapsDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coinflow_gaps_detected_total",
		Help: "Sequence gaps detected, by channel.",
	}, []string{"channel"})
	BatchesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coinflow_batches_delivered_total",
		Help: "Batches acknowledged by the storage sink.",
	})
	BatchRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coinflow_batch_retries_total",
		Help: "Sink delivery retries.",
	})
	OverflowBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coinflow_overflow_batches_total",
		Help: "Batches spilled to the overflow log after delivery failed.",
	})
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coinflow_reconnects_total",
		Help: "Feed reconnect cycles.",
	})
	HandshakeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coinflow_handshake_failures_total",
		Help: "Handshakes rejected or timed out.",
	})
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coinflow_connection_state",
		Help: "Supervisor state (0 disconnected through 5 reconnecting).",
	})
	BufferDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coinflow_buffer_depth",
		Help: "Events currently held in the ingestion buffer.",
	})
	PollerCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coinflow_poller_cycles_total",
		Help: "Completed REST polling cycles.",
	})
	PollerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coinflow_poller_errors_total",
		Help: "Failed REST quote fetches.",
	})
)

func init() {
	prometheus.MustRegister(
		FramesRead,
		FramesMalformed,
		FramesIgnored,
		EventsDecoded,
		EventsProvisional,
		EventsDropped,
		GapsDetected,
		BatchesDelivered,
		BatchRetries,
		OverflowBatches,
		Reconnects,
		HandshakeFailures,
		ConnectionState,
		BufferDepth,
		PollerCycles,
		PollerErrors,
	)
}

// StartServer serves /metrics on addr until the context is cancelled.
func StartServer(ctx context.Context, addr string) {
	log := logger.GetLogger().WithComponent("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.WithFields(logger.Fields{"addr": addr}).Info("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics server shutdown failed")
		}
	}()
}
