// Package main — cmd/edge-gateway/main.go
//
// Edge gateway entrypoint: PLC acquisition (C1) -> Sparkplug B encoding
// (C2) -> store-and-forward buffering (C4) -> MQTT publish (C3), with the
// backpressure controller (C5) widening PLC sampling intervals as the
// buffer fills (§4.5). Low-priority signals are not suppressed here: every
// sample a poller reads is encoded and buffered.
//
// Startup sequence:
//  1. Parse flags, load and validate config.
//  2. Initialise structured logger.
//  3. Open the store-and-forward buffer (BoltDB).
//  4. Start the Prometheus metrics server.
//  5. Build the Sparkplug node/device sessions and the MQTT session, Will
//     set to the current NDEATH payload.
//  6. Open one PLC driver per configured endpoint and start its poller.
//  7. Start the backpressure controller, the sample encoder, and the
//     publish drain loop, all supervised with restart-on-failure.
//  8. Register SIGHUP hot-reload and block on SIGINT/SIGTERM.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context.
//  2. Drain the store-and-forward buffer for up to
//     buffer.shutdown_flush_deadline before closing the MQTT session.
//  3. Close the buffer and flush the logger.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oeecore/pipeline/internal/backpressure"
	"github.com/oeecore/pipeline/internal/config"
	"github.com/oeecore/pipeline/internal/control"
	"github.com/oeecore/pipeline/internal/model"
	"github.com/oeecore/pipeline/internal/mqttsession"
	"github.com/oeecore/pipeline/internal/observability"
	"github.com/oeecore/pipeline/internal/plc"
	"github.com/oeecore/pipeline/internal/sfbuffer"
	"github.com/oeecore/pipeline/internal/sparkplug"
	"github.com/oeecore/pipeline/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "/etc/oeecore/edge-gateway.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("edge-gateway %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
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

	log.Info("edge-gateway starting",
		zap.String("version", config.Version),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Store-and-forward buffer ──────────────────────────────────────────
	buf, err := sfbuffer.Open(cfg.Buffer.DBPath, cfg.Buffer.MaxBytes, cfg.Buffer.MaxCount)
	if err != nil {
		log.Fatal("store-and-forward buffer open failed", zap.Error(err), zap.String("path", cfg.Buffer.DBPath))
	}
	defer buf.Close() //nolint:errcheck
	log.Info("store-and-forward buffer opened", zap.String("path", cfg.Buffer.DBPath))

	// ── Metrics ─────────────────────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr, nil); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Sparkplug node/device sessions ────────────────────────────────────
	node := sparkplug.NewNodeSession(cfg.Sparkplug.GroupID, cfg.Sparkplug.NodeID)
	devices := make([]*sparkplug.DeviceSession, 0, len(cfg.Sparkplug.DeviceIDs))
	for _, id := range cfg.Sparkplug.DeviceIDs {
		devices = append(devices, sparkplug.NewDeviceSession(node, id))
	}

	// bd_seq advances once per process lifetime: paho's built-in
	// auto-reconnect keeps the same Will it registered at Connect, so a
	// silent broker-level reconnect does not get a fresh bd_seq. A
	// bd_seq bump on every reconnect would need us to rebuild the MQTT
	// client on each disconnect instead of relying on paho's reconnect.
	bdSeq := node.NewConnection()
	deathFrame := sparkplug.Frame{GroupID: cfg.Sparkplug.GroupID, NodeID: cfg.Sparkplug.NodeID, Type: sparkplug.FrameNDEATH, Payload: node.DeathPayload()}
	willTopic, willPayload := sparkplug.Encode(deathFrame)
	log.Info("sparkplug node session initialised", zap.Uint64("bd_seq", bdSeq))

	tlsConf, err := buildMQTTTLS(cfg)
	if err != nil {
		log.Fatal("mqtt TLS config failed", zap.Error(err))
	}

	publishBirth := func(sess *mqttsession.Session) {
		metricsList := make([]sparkplug.Metric, 0, len(cfg.PLC))
		for _, p := range cfg.PLC {
			for _, tag := range p.Tags {
				metricsList = append(metricsList, sparkplug.Metric{
					Name:     tag,
					Alias:    node.AllocateAlias(tag),
					DataType: sparkplug.DataTypeDouble,
				})
			}
		}
		frame := node.BirthFrame(metricsList)
		if err := sess.PublishFrame(frame, 1, false); err != nil {
			log.Error("NBIRTH publish failed", zap.Error(err))
			return
		}
		metrics.FramesEncodedTotal.WithLabelValues(string(sparkplug.FrameNBIRTH)).Inc()
		for _, d := range devices {
			df := d.BirthFrame(nil)
			if err := sess.PublishFrame(df, 1, false); err != nil {
				log.Error("DBIRTH publish failed", zap.Error(err), zap.String("device_id", df.DeviceID))
				continue
			}
			metrics.FramesEncodedTotal.WithLabelValues(string(sparkplug.FrameDBIRTH)).Inc()
		}
		log.Info("node/device birth published", zap.Int("metrics", len(metricsList)), zap.Int("devices", len(devices)))
	}

	mqttCfg := mqttsession.Config{
		BrokerHost:     cfg.MQTT.BrokerHost,
		BrokerPort:     cfg.MQTT.BrokerPort,
		ClientID:       cfg.NodeID + "-edge",
		TLS:            tlsConf,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		WillTopic:      willTopic,
		WillPayload:    willPayload,
		OnConnectionLost: func(err error) {
			metrics.MQTTConnectionLost.Inc()
			log.Warn("mqtt connection lost, buffering until reconnect", zap.Error(err))
		},
	}
	mqttCfg.OnConnect = publishBirth

	sess := mqttsession.New(mqttCfg, log)
	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.MQTT.ConnectTimeout)
	if err := sess.Connect(connectCtx); err != nil {
		connectCancel()
		log.Fatal("initial mqtt connect failed", zap.Error(err))
	}
	connectCancel()
	defer sess.Disconnect(cfg.Buffer.ShutdownFlushDeadline)

	rebirthTopic := fmt.Sprintf("spBv1.0/%s/NCMD/%s", cfg.Sparkplug.GroupID, cfg.Sparkplug.NodeID)
	if err := sess.Subscribe(rebirthTopic, 1, func(topic string, payload []byte) {
		frame, err := sparkplug.Decode(topic, payload)
		if err != nil {
			log.Warn("edge-gateway: malformed NCMD", zap.Error(err))
			return
		}
		for _, m := range frame.Payload.Metrics {
			if m.Name == control.CommandNodeRebirth {
				metrics.RebirthRequestsTotal.Inc()
				publishBirth(sess)
			}
		}
	}); err != nil {
		log.Error("NCMD subscribe failed", zap.Error(err))
	}

	// ── Backpressure controller ───────────────────────────────────────────
	bpCfg := backpressure.Config{
		Thresholds:  cfg.Backpressure.Thresholds,
		Multipliers: cfg.Backpressure.Multipliers,
		Hysteresis:  time.Duration(cfg.Backpressure.HysteresisMS) * time.Millisecond,
	}
	bpCtl := backpressure.New(bpCfg, buf, time.Second, log)

	sup := supervisor.New(log, time.Second, 60*time.Second)

	sampleCh := make(chan model.Sample, 4096)

	for _, p := range cfg.PLC {
		p := p
		driverCfg := plc.EndpointConfig{
			Name:       p.Name,
			Endpoint:   p.Endpoint,
			SamplingMS: p.SamplingMS,
			Tags:       p.Tags,
		}
		if p.Security != nil {
			driverCfg.SecurityMode = p.Security["mode"]
			driverCfg.TLSCA = p.Security["tls_ca"]
			driverCfg.TLSCert = p.Security["tls_cert"]
			driverCfg.TLSKey = p.Security["tls_key"]
			driverCfg.Username = p.Security["username"]
			driverCfg.Password = p.Security["password"]
		}
		drv, err := plc.Open(p.Type, driverCfg)
		if err != nil {
			log.Fatal("plc driver open failed", zap.String("endpoint", p.Name), zap.Error(err))
		}
		base := driverCfg.SamplingInterval()
		maxInt := time.Duration(cfg.Backpressure.MaxSamplingMS) * time.Millisecond
		poller := plc.NewPoller(p.Name, drv, base, maxInt, log)
		bpCtl.RegisterTarget(poller)

		sup.Add(supervisor.Stage{
			Name: "plc:" + p.Name,
			Run: func(ctx context.Context) error {
				return poller.Run(ctx, sampleCh)
			},
		})
		metrics.DriverConnected.WithLabelValues(p.Name).Set(1)
	}

	enc := &sampleEncoder{
		node:          node,
		buf:           buf,
		metrics:       metrics,
		log:           log,
		batchSize:     64,
		batchInterval: 200 * time.Millisecond,
	}
	sup.Add(supervisor.Stage{Name: "encoder", Run: func(ctx context.Context) error { return enc.Run(ctx, sampleCh) }})
	sup.Add(supervisor.Stage{Name: "publisher", Run: func(ctx context.Context) error { return runPublisher(ctx, buf, sess, metrics, log) }})
	sup.Add(supervisor.Stage{Name: "backpressure", Run: func(ctx context.Context) error {
		go bpCtl.Run()
		<-ctx.Done()
		bpCtl.Stop()
		return nil
	}})

	go sup.Run(ctx)
	log.Info("supervised stages started", zap.Int("plc_endpoints", len(cfg.PLC)))

	// ── SIGHUP hot-reload ──────────────────────────────────────────────────
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
				zap.Float64s("backpressure_thresholds", newCfg.Backpressure.Thresholds[:]))
			_ = newCfg // the reloaded config is validated and logged only; no field is applied
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	drainDeadline := cfg.Buffer.ShutdownFlushDeadline
	if drainDeadline <= 0 {
		drainDeadline = 10 * time.Second
	}
	drainTimer := time.NewTimer(drainDeadline)
	defer drainTimer.Stop()
	// The supervised publisher stopped with ctx; a separate one drains the
	// buffer until the deadline or until the buffer is empty.
	drainCtx, drainCancel := context.WithCancel(context.Background())
	defer drainCancel()
	go runPublisher(drainCtx, buf, sess, metrics, log) //nolint:errcheck
	drained := make(chan struct{})
	go func() {
		for {
			count, _ := buf.Depth()
			if count == 0 || !sess.Connected() {
				close(drained)
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
	}()
	select {
	case <-drainTimer.C:
		log.Warn("shutdown drain timeout — forcing exit with envelopes still queued")
	case <-drained:
		log.Info("store-and-forward buffer drained")
	}

	log.Info("edge-gateway shutdown complete")
}

// runPublisher drains the store-and-forward buffer to the broker at QoS 1,
// acking each envelope only once the publish succeeds (§4.4): a publish
// failure stops the drain round so the envelope is retried next tick
// rather than reordered or skipped.
func runPublisher(ctx context.Context, buf *sfbuffer.Buffer, sess *mqttsession.Session, metrics *observability.Metrics, log *zap.Logger) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !sess.Connected() {
				continue
			}
			envs, err := buf.Peek(64)
			if err != nil {
				log.Warn("publisher: buffer peek failed", zap.Error(err))
				continue
			}
			for _, env := range envs {
				if err := sess.PublishRaw(env.Topic, env.Payload, env.QoS, false); err != nil {
					log.Warn("publisher: publish failed, retrying next tick", zap.Error(err))
					break
				}
				if err := buf.Ack(env.MonotonicSeq); err != nil {
					log.Warn("publisher: ack failed", zap.Error(err))
					continue
				}
				metrics.BufferAckedTotal.Inc()
				metrics.MQTTPublishTotal.WithLabelValues(strconv.Itoa(int(env.QoS))).Inc()
			}
			count, bytes := buf.Depth()
			metrics.BufferDepth.Set(float64(count))
			metrics.BufferBytes.Set(float64(bytes))
			metrics.BackpressureFillRatio.Set(buf.FillRatio())
		}
	}
}

// sampleEncoder batches raw Samples into Sparkplug NDATA frames and durably
// enqueues them, mirroring the sink writer's size-or-time batch trigger
// (§4.10) applied to the outbound side instead of the inbound one.
type sampleEncoder struct {
	node    *sparkplug.NodeSession
	buf     *sfbuffer.Buffer
	metrics *observability.Metrics
	log     *zap.Logger

	batchSize     int
	batchInterval time.Duration
}

func (e *sampleEncoder) Run(ctx context.Context, in <-chan model.Sample) error {
	ticker := time.NewTicker(e.batchInterval)
	defer ticker.Stop()
	pending := make([]model.Sample, 0, e.batchSize)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		metricsList := make([]sparkplug.Metric, 0, len(pending))
		for _, s := range pending {
			metricsList = append(metricsList, sparkplug.Metric{
				Alias:     e.node.AllocateAlias(s.SourceAddress),
				Timestamp: s.Timestamp,
				DataType:  sparkplug.DataTypeDouble,
				Value:     s.Value,
				IsNull:    s.Quality == model.QualityBad,
			})
		}
		pending = pending[:0]

		frame := e.node.DataFrame(metricsList)
		topic, payload := sparkplug.Encode(frame)
		seq, err := e.buf.NextSeq()
		if err != nil {
			e.log.Error("encoder: next_seq allocation failed", zap.Error(err))
			return
		}
		if err := e.buf.Enqueue(sfbuffer.Envelope{
			MonotonicSeq: seq,
			Topic:        topic,
			Payload:      payload,
			QoS:          1,
			EnqueuedAt:   time.Now(),
		}); err != nil {
			e.log.Error("encoder: buffer enqueue failed", zap.Error(err))
			return
		}
		e.metrics.FramesEncodedTotal.WithLabelValues(string(sparkplug.FrameNDATA)).Inc()
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return nil
		case s, ok := <-in:
			if !ok {
				return nil
			}
			pending = append(pending, s)
			if len(pending) >= e.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
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
