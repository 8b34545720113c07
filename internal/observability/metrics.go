// Package observability — metrics.go
//
// Prometheus metrics for the OEE telemetry pipeline, shared by the edge
// gateway and central processor binaries.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: oeecore_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the pipeline.
type Metrics struct {
	registry *prometheus.Registry

	// ─── PLC drivers (C1) ─────────────────────────────────────────────────
	SamplesReadTotal    *prometheus.CounterVec // labels: endpoint, quality
	DriverReconnectsTotal *prometheus.CounterVec // labels: endpoint
	DriverConnected     *prometheus.GaugeVec    // labels: endpoint (1/0)

	// ─── Sparkplug codec/session (C2/C6) ──────────────────────────────────
	FramesEncodedTotal  *prometheus.CounterVec // labels: frame_type
	FramesDecodedTotal  *prometheus.CounterVec // labels: frame_type
	SeqGapsTotal        prometheus.Counter
	RebirthRequestsTotal prometheus.Counter
	AliasCacheSize      prometheus.Gauge

	// ─── MQTT session (C3) ────────────────────────────────────────────────
	MQTTPublishTotal   *prometheus.CounterVec // labels: qos
	MQTTConnectionLost prometheus.Counter

	// ─── Store-and-forward buffer (C4) ────────────────────────────────────
	BufferDepth        prometheus.Gauge
	BufferBytes        prometheus.Gauge
	BufferDroppedTotal prometheus.Counter
	BufferAckedTotal   prometheus.Counter

	// ─── Backpressure (C5) ─────────────────────────────────────────────────
	BackpressureBand      prometheus.Gauge // 0=nominal 1=degraded 2=critical
	BackpressureFillRatio prometheus.Gauge

	// ─── Normalizer (C7) ───────────────────────────────────────────────────
	NormalizerDroppedTotal *prometheus.CounterVec // labels: reason
	NormalizerEmittedTotal prometheus.Counter

	// ─── OEE calculator (C8) ────────────────────────────────────────────────
	OEEValue         *prometheus.GaugeVec // labels: asset_ref
	OEECalcsTotal    prometheus.Counter

	// ─── Fault state machine (C9) ───────────────────────────────────────────
	FaultTransitionsTotal *prometheus.CounterVec // labels: from_state, to_state
	ActiveFaults          prometheus.Gauge

	// ─── Sink writer (C10) ───────────────────────────────────────────────────
	SinkBatchesWrittenTotal prometheus.Counter
	SinkWriteLatency        prometheus.Histogram
	SinkRetryQueueDepth      prometheus.Gauge
	SinkFailuresTotal        prometheus.Counter

	// ─── Process ─────────────────────────────────────────────────────────────
	UptimeSeconds prometheus.Gauge
	startTime     time.Time
}

// NewMetrics creates and registers all pipeline Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		SamplesReadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oeecore", Subsystem: "plc", Name: "samples_read_total",
			Help: "Total samples read from PLC endpoints, by endpoint and quality.",
		}, []string{"endpoint", "quality"}),

		DriverReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oeecore", Subsystem: "plc", Name: "reconnects_total",
			Help: "Total reconnect attempts, by endpoint.",
		}, []string{"endpoint"}),

		DriverConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "oeecore", Subsystem: "plc", Name: "connected",
			Help: "1 if the endpoint session is currently open, else 0.",
		}, []string{"endpoint"}),

		FramesEncodedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oeecore", Subsystem: "sparkplug", Name: "frames_encoded_total",
			Help: "Total Sparkplug B frames encoded, by frame type.",
		}, []string{"frame_type"}),

		FramesDecodedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oeecore", Subsystem: "sparkplug", Name: "frames_decoded_total",
			Help: "Total Sparkplug B frames decoded, by frame type.",
		}, []string{"frame_type"}),

		SeqGapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oeecore", Subsystem: "sparkplug", Name: "seq_gaps_total",
			Help: "Total sequence-number continuity violations detected.",
		}),

		RebirthRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oeecore", Subsystem: "sparkplug", Name: "rebirth_requests_total",
			Help: "Total NCMD Node Control/Rebirth requests issued.",
		}),

		AliasCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oeecore", Subsystem: "sparkplug", Name: "alias_cache_size",
			Help: "Current number of node/device states held in the alias cache.",
		}),

		MQTTPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oeecore", Subsystem: "mqtt", Name: "publish_total",
			Help: "Total MQTT publishes, by QoS.",
		}, []string{"qos"}),

		MQTTConnectionLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oeecore", Subsystem: "mqtt", Name: "connection_lost_total",
			Help: "Total MQTT connection-lost events.",
		}),

		BufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oeecore", Subsystem: "buffer", Name: "depth",
			Help: "Current number of envelopes in the store-and-forward buffer.",
		}),

		BufferBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oeecore", Subsystem: "buffer", Name: "bytes",
			Help: "Current estimated byte size of the store-and-forward buffer.",
		}),

		BufferDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oeecore", Subsystem: "buffer", Name: "dropped_total",
			Help: "Total envelopes dropped due to overflow (drop-oldest).",
		}),

		BufferAckedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oeecore", Subsystem: "buffer", Name: "acked_total",
			Help: "Total envelopes acknowledged by the broker and removed.",
		}),

		BackpressureBand: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oeecore", Subsystem: "backpressure", Name: "band",
			Help: "Current backpressure band: 0=nominal 1=degraded 2=critical.",
		}),

		BackpressureFillRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oeecore", Subsystem: "backpressure", Name: "fill_ratio",
			Help: "Current store-and-forward buffer fill ratio.",
		}),

		NormalizerDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oeecore", Subsystem: "normalizer", Name: "dropped_total",
			Help: "Total samples dropped by the normalizer, by reason.",
		}, []string{"reason"}),

		NormalizerEmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oeecore", Subsystem: "normalizer", Name: "emitted_total",
			Help: "Total Normalized Metrics emitted.",
		}),

		OEEValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "oeecore", Subsystem: "oee", Name: "value",
			Help: "Current OEE value per asset.",
		}, []string{"asset_ref"}),

		OEECalcsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oeecore", Subsystem: "oee", Name: "calcs_total",
			Help: "Total OEE window calculations performed.",
		}),

		FaultTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oeecore", Subsystem: "faults", Name: "transitions_total",
			Help: "Total fault state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		ActiveFaults: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oeecore", Subsystem: "faults", Name: "active",
			Help: "Current number of ACTIVE fault records.",
		}),

		SinkBatchesWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oeecore", Subsystem: "sink", Name: "batches_written_total",
			Help: "Total batches successfully written to the downstream store.",
		}),

		SinkWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "oeecore", Subsystem: "sink", Name: "write_latency_seconds",
			Help: "Sink batch write latency in seconds.", Buckets: prometheus.DefBuckets,
		}),

		SinkRetryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oeecore", Subsystem: "sink", Name: "retry_queue_depth",
			Help: "Current depth of the in-memory sink retry queue.",
		}),

		SinkFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oeecore", Subsystem: "sink", Name: "failures_total",
			Help: "Total persistent sink write failures.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oeecore", Subsystem: "process", Name: "uptime_seconds",
			Help: "Seconds since process start.",
		}),
	}

	reg.MustRegister(
		m.SamplesReadTotal, m.DriverReconnectsTotal, m.DriverConnected,
		m.FramesEncodedTotal, m.FramesDecodedTotal, m.SeqGapsTotal, m.RebirthRequestsTotal, m.AliasCacheSize,
		m.MQTTPublishTotal, m.MQTTConnectionLost,
		m.BufferDepth, m.BufferBytes, m.BufferDroppedTotal, m.BufferAckedTotal,
		m.BackpressureBand, m.BackpressureFillRatio,
		m.NormalizerDroppedTotal, m.NormalizerEmittedTotal,
		m.OEEValue, m.OEECalcsTotal,
		m.FaultTransitionsTotal, m.ActiveFaults,
		m.SinkBatchesWrittenTotal, m.SinkWriteLatency, m.SinkRetryQueueDepth, m.SinkFailuresTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr and blocks
// until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string, snapshot http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if snapshot != nil {
		mux.Handle("/snapshot", snapshot)
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
