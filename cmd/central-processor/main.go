// Package main — cmd/central-processor/main.go
//
// Central processor entrypoint: MQTT subscribe (C3) -> Sparkplug session
// decode (C6) -> normalization (C7) -> OEE rollup (C8) and fault lifecycle
// (C9) -> batched sink write (C10), with inbound NCMD/DCMD dispatched to
// rebirth requests and operator fault commands (§6).
//
// Startup sequence:
//  1. Parse flags, load and validate config.
//  2. Initialise structured logger.
//  3. Start the Prometheus metrics server.
//  4. Connect to Postgres (sink) and the MQTT broker.
//  5. Build the decoder, normalizer, OEE engine, fault manager, and
//     control dispatcher, and subscribe to the configured Sparkplug group.
//  6. Run the sink flush loop, OEE tick loop, and decoder eviction sweep
//     as supervised, independently-restarted stages.
//  7. Register SIGHUP hot-reload and block on SIGINT/SIGTERM.
//
// Shutdown: cancel the root context, let supervised stages stop (the sink
// flush loop writes any pending batch as it stops), wait five seconds, then
// disconnect the MQTT session and close the Postgres pool.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oeecore/pipeline/internal/config"
	"github.com/oeecore/pipeline/internal/control"
	"github.com/oeecore/pipeline/internal/decoder"
	"github.com/oeecore/pipeline/internal/fault"
	"github.com/oeecore/pipeline/internal/invariant"
	"github.com/oeecore/pipeline/internal/model"
	"github.com/oeecore/pipeline/internal/mqttsession"
	"github.com/oeecore/pipeline/internal/normalizer"
	"github.com/oeecore/pipeline/internal/observability"
	"github.com/oeecore/pipeline/internal/oee"
	"github.com/oeecore/pipeline/internal/sink"
	"github.com/oeecore/pipeline/internal/sparkplug"
	"github.com/oeecore/pipeline/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "/etc/oeecore/central-processor.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("central-processor %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(2)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("central-processor starting",
		zap.String("version", config.Version),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr, nil); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Sink (C10) ─────────────────────────────────────────────────────────
	sinkCfg := sink.Config{
		BatchSize:        cfg.Sink.BatchSize,
		FlushInterval:    time.Duration(cfg.Sink.FlushMS) * time.Millisecond,
		Endpoint:         cfg.Sink.Endpoint,
		RetryQueueSize:   cfg.Sink.RetryQueueSize,
		RetryBaseBackoff: cfg.Sink.RetryBaseBackoff,
		RetryMaxBackoff:  cfg.Sink.RetryMaxBackoff,
	}
	sinkWriter, err := sink.Connect(ctx, sinkCfg, log)
	if err != nil {
		log.Fatal("sink connect failed", zap.Error(err))
	}
	defer sinkWriter.Close()
	sinkWriter.OnBackpressure(func() {
		log.Warn("sink retry queue full — downstream store is not keeping up")
	})
	log.Info("sink connected", zap.String("endpoint", cfg.Sink.Endpoint))

	// ── Normalizer (C7) ──────────────────────────────────────────────────────
	bindings := make([]model.TagBinding, 0, len(cfg.Normalizer.Mappings))
	for _, m := range cfg.Normalizer.Mappings {
		bindings = append(bindings, model.TagBinding{
			SourceAddress:    m.Source,
			SignalType:       m.SignalType,
			AssetRef:         m.AssetRef,
			Unit:             m.Unit,
			UnitScale:        orDefault(m.UnitScale, 1.0),
			UnitOffset:       m.UnitOffset,
			MinQuality:       m.MinQuality,
			DeadbandAbsolute: m.DeadbandAbs,
			DeadbandPercent:  m.DeadbandPct,
		})
	}
	norm := normalizer.New(bindings, nil) // no backpressure signal: no signal type is suppressed
	assetIndex := buildAssetRefIndex(cfg.Normalizer.Mappings)
	log.Info("normalizer initialised", zap.Int("tag_bindings", len(bindings)))

	// ── OEE engine (C8) ───────────────────────────────────────────────────────
	oeeEngine := oee.New(oee.Config{
		Window:              time.Duration(cfg.OEE.WindowMS) * time.Millisecond,
		Tick:                time.Duration(cfg.OEE.TickMS) * time.Millisecond,
		CounterRolloverBits: cfg.OEE.CounterRolloverBits,
		MinCounterDecrease:  float64(cfg.OEE.MinCounterDecrease),
		IdealCycleFallback:  cfg.OEE.IdealCycleTimeFallback.Seconds(),
	}, log)
	oeeOut := make(chan model.NormalizedMetric, 256)

	// ── Fault manager (C9) ────────────────────────────────────────────────────
	severityMap := make(map[string]fault.Severity, len(cfg.Faults.SeverityMap))
	for code, sev := range cfg.Faults.SeverityMap {
		severityMap[code] = fault.Severity(sev)
	}
	relations := make([]fault.Relation, 0, len(cfg.Faults.Relations))
	for _, r := range cfg.Faults.Relations {
		relations = append(relations, fault.Relation{CodeA: r.CodeA, CodeB: r.CodeB})
	}
	faultMgr := fault.New(fault.Config{
		DedupWindow: time.Duration(cfg.Faults.DedupWindowMS) * time.Millisecond,
		MergeWindow: time.Duration(cfg.Faults.MergeWindowMS) * time.Millisecond,
		SeverityMap: severityMap,
		Relations:   relations,
	})
	faultIngestor := fault.NewIngestor(faultMgr)

	// ── Invariant guard (§8) ──────────────────────────────────────────────────
	guard := invariant.New(log)
	var centralSeq uint64

	// ── MQTT session + decoder (C3/C6) ────────────────────────────────────────
	tlsConf, err := buildMQTTTLS(cfg)
	if err != nil {
		log.Fatal("mqtt TLS config failed", zap.Error(err))
	}

	var sess *mqttsession.Session
	rebirth := &rebirthBridge{log: log}

	dec := decoder.New(cfg.Sparkplug.AliasCacheTTL, rebirth, log)
	dispatcher := control.New(faultMgr, rebirth, log)

	processSample := func(s model.Sample) {
		metric, reason, ok := norm.Process(s)
		if !ok {
			metrics.NormalizerDroppedTotal.WithLabelValues(string(reason)).Inc()
			return
		}
		metrics.NormalizerEmittedTotal.Inc()
		emit(ctx, sinkWriter, guard, &centralSeq, metric, log)
		oeeEngine.Ingest(metric)
		if ev, ok := faultIngestor.Ingest(metric); ok {
			metrics.FaultTransitionsTotal.WithLabelValues(ev.From.String(), ev.To).Inc()
			metrics.ActiveFaults.Set(float64(faultMgr.ActiveCount()))
			log.Info("fault transition", zap.String("asset_ref", ev.Instance.AssetRef), zap.String("code", ev.Instance.Code), zap.String("to", ev.To))
		}
	}

	var lastSeqGaps, lastRebirths uint64
	groupTopic := fmt.Sprintf("spBv1.0/%s/#", cfg.Sparkplug.GroupID)
	mqttCfg := mqttsession.Config{
		BrokerHost:     cfg.MQTT.BrokerHost,
		BrokerPort:     cfg.MQTT.BrokerPort,
		ClientID:       cfg.NodeID + "-central",
		TLS:            tlsConf,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		OnConnectionLost: func(err error) {
			metrics.MQTTConnectionLost.Inc()
			log.Warn("mqtt connection lost", zap.Error(err))
		},
	}
	mqttCfg.OnConnect = func(s *mqttsession.Session) {
		if err := s.Subscribe(groupTopic, 1, func(topic string, payload []byte) {
			frame, err := sparkplug.Decode(topic, payload)
			if err != nil {
				log.Warn("central-processor: malformed frame", zap.String("topic", topic), zap.Error(err))
				return
			}
			metrics.FramesDecodedTotal.WithLabelValues(string(frame.Type)).Inc()

			if frame.Type.IsCommand() {
				assetRef, ok := assetRefFor(assetIndex, frame.GroupID, frame.NodeID, frame.DeviceID)
				if !ok {
					assetRef = frame.NodeID
				}
				if err := dispatcher.Handle(frame, assetRef); err != nil {
					log.Warn("control: dispatch failed", zap.Error(err))
				}
				return
			}

			samples, err := dec.Handle(frame)
			if err != nil {
				log.Debug("decoder: frame rejected", zap.Error(err))
			}
			// Stats are cumulative; the counters are advanced by the increase since the last frame.
			seqGaps, rebirths := dec.Stats()
			metrics.SeqGapsTotal.Add(float64(seqGaps - lastSeqGaps))
			metrics.RebirthRequestsTotal.Add(float64(rebirths - lastRebirths))
			lastSeqGaps, lastRebirths = seqGaps, rebirths
			for _, s := range samples {
				processSample(s)
			}
		}); err != nil {
			log.Error("group subscribe failed", zap.Error(err))
		}
	}

	sess = mqttsession.New(mqttCfg, log)
	rebirth.sess = sess
	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.MQTT.ConnectTimeout)
	if err := sess.Connect(connectCtx); err != nil {
		connectCancel()
		log.Fatal("initial mqtt connect failed", zap.Error(err))
	}
	connectCancel()
	defer sess.Disconnect(5 * time.Second)

	// ── Supervised stages ──────────────────────────────────────────────────────
	sup := supervisor.New(log, time.Second, 60*time.Second)

	sup.Add(supervisor.Stage{Name: "sink-flush", Run: func(ctx context.Context) error {
		stop := make(chan struct{})
		go func() { <-ctx.Done(); close(stop) }()
		sinkWriter.RunFlushLoop(ctx, stop)
		return nil
	}})
	sup.Add(supervisor.Stage{Name: "oee-tick", Run: func(ctx context.Context) error {
		stop := make(chan struct{})
		go func() { <-ctx.Done(); close(stop) }()
		go oeeEngine.Run(stop, oeeOut)
		<-ctx.Done()
		return nil
	}})
	sup.Add(supervisor.Stage{Name: "decoder-eviction", Run: func(ctx context.Context) error {
		go func() { <-ctx.Done(); dec.Stop() }()
		dec.RunEvictionSweep(time.Hour)
		return nil
	}})
	sup.Add(supervisor.Stage{Name: "oee-sink-forward", Run: func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case m := <-oeeOut:
				metrics.OEEValue.WithLabelValues(m.AssetRef).Set(m.Value)
				emit(ctx, sinkWriter, guard, &centralSeq, m, log)
			}
		}
	}})
	sup.Add(supervisor.Stage{Name: "stats-bridge", Run: func(ctx context.Context) error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		var lastCalcs uint64
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				metrics.SinkRetryQueueDepth.Set(float64(sinkWriter.RetryQueueDepth()))
				_, failures := sinkWriter.Stats()
				_ = failures
				// CalcsTotal is cumulative; the counter is advanced by the increase since the last tick.
				calcs := oeeEngine.CalcsTotal()
				metrics.OEECalcsTotal.Add(float64(calcs - lastCalcs))
				lastCalcs = calcs
			}
		}
	}})

	go sup.Run(ctx)
	log.Info("central-processor supervised stages started")

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed, retaining old config", zap.Error(err))
				continue
			}
			log.Info("config hot-reload validated; running config unchanged until restart",
				zap.Int("dedup_window_ms", newCfg.Faults.DedupWindowMS))
			_ = newCfg // the reloaded config is validated and logged only; no field is applied
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	drainTimer := time.NewTimer(5 * time.Second)
	defer drainTimer.Stop()
	<-drainTimer.C

	log.Info("central-processor shutdown complete", zap.Uint64("invariant_violations_seq_gap", guard.Counts()[invariant.ViolationSeqGap]))
}

// emit assigns the next central monotonic sequence and writes metric to the
// sink, exercising MustSeqMonotonic (§8): the counter is atomic-only
// incremented, so this assertion always holds in the current code path, but
// it stays wired as the one fatal structural check a future change to this
// assignment (e.g. concurrent writers) would immediately trip.
func emit(ctx context.Context, w *sink.Sink, guard *invariant.Guard, seqCounter *uint64, metric model.NormalizedMetric, log *zap.Logger) {
	next := atomic.AddUint64(seqCounter, 1)
	guard.MustSeqMonotonic(next-1, next)
	if err := w.Write(ctx, metric, next); err != nil {
		log.Warn("sink: write failed, queued for retry", zap.String("asset_ref", metric.AssetRef), zap.Error(err))
	}
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// buildAssetRefIndex maps a Sparkplug node/device address prefix
// ("group/node" or "group/node/device") to the asset_ref used by whichever
// Tag Binding addresses a metric under that prefix, for resolving the
// asset_ref an inbound DCMD/NCMD command applies to.
func buildAssetRefIndex(mappings []config.MappingConfig) map[string]string {
	idx := make(map[string]string)
	for _, m := range mappings {
		parts := strings.Split(m.Source, "/")
		if len(parts) < 3 {
			continue
		}
		prefix := strings.Join(parts[:len(parts)-1], "/")
		if _, exists := idx[prefix]; !exists {
			idx[prefix] = m.AssetRef
		}
	}
	return idx
}

func assetRefFor(idx map[string]string, groupID, nodeID, deviceID string) (string, bool) {
	prefix := groupID + "/" + nodeID
	if deviceID != "" {
		prefix += "/" + deviceID
	}
	v, ok := idx[prefix]
	return v, ok
}

// rebirthBridge satisfies both decoder.RebirthRequester and
// control.RebirthPublisher by publishing a Node Control/Rebirth NCMD back
// to the edge node that owns groupID/nodeID (§6): the central processor
// does not hold the node's encoder-side session, so a rebirth request is
// just another outbound Sparkplug command.
type rebirthBridge struct {
	sess *mqttsession.Session
	log  *zap.Logger
}

func (r *rebirthBridge) RequestRebirth(groupID, nodeID string) error {
	return r.publish(groupID, nodeID)
}

func (r *rebirthBridge) PublishRebirth(groupID, nodeID string) error {
	return r.publish(groupID, nodeID)
}

func (r *rebirthBridge) publish(groupID, nodeID string) error {
	if r.sess == nil {
		return fmt.Errorf("rebirth: mqtt session not yet connected")
	}
	frame := sparkplug.Frame{
		GroupID: groupID,
		NodeID:  nodeID,
		Type:    sparkplug.FrameNCMD,
		Payload: sparkplug.Payload{
			Timestamp: time.Now().UTC(),
			Metrics:   []sparkplug.Metric{{Name: control.CommandNodeRebirth, DataType: sparkplug.DataTypeBoolean, BoolValue: true}},
		},
	}
	return r.sess.PublishFrame(frame, 1, false)
}

func buildMQTTTLS(cfg *config.Config) (*tls.Config, error) {
	if cfg.MQTT.TLS.Cert == "" && cfg.MQTT.TLS.CA == "" {
		return nil, nil
	}
	return mqttsession.BuildClientTLS(cfg.MQTT.TLS.CA, cfg.MQTT.TLS.Cert, cfg.MQTT.TLS.Key)
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return zcfg.Build()
}
