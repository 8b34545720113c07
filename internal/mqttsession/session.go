// Package mqttsession wraps github.com/eclipse/paho.mqtt.golang with the
// Sparkplug B connection contract (§4.3): a serialized NDEATH as the MQTT
// Last Will registered before CONNECT, QoS 1 publishes by default, and a
// reconnect hook that republishes NBIRTH before resuming NDATA — the
// broker has no memory of a Sparkplug session, so every reconnect is
// treated as a fresh one.
package mqttsession

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/oeecore/pipeline/internal/errs"
	"github.com/oeecore/pipeline/internal/sparkplug"
)

// Config configures one MQTT session.
type Config struct {
	BrokerHost     string
	BrokerPort     int
	ClientID       string
	TLS            *tls.Config
	ConnectTimeout time.Duration

	// WillTopic/WillPayload register the MQTT Last Will at connect time.
	// The caller (edge-gateway main) builds these once, from the
	// NodeSession's NDEATH payload, before New; paho's auto-reconnect
	// reuses the same Will, so its bd_seq stays the same across reconnects.
	WillTopic   string
	WillPayload []byte

	// OnConnect fires after a successful (re)connect, including the very
	// first one. Callers use this to republish NBIRTH and resume draining
	// the store-and-forward buffer.
	OnConnect func(s *Session)

	// OnConnectionLost fires when the broker connection drops
	// unexpectedly. Publishes attempted after this fires and before the
	// next OnConnect must be buffered upstream (§4.4), not retried
	// in-place.
	OnConnectionLost func(err error)
}

// Session is a single MQTT client connection, safe for concurrent Publish
// calls from multiple goroutines (paho's Client already serializes
// network writes internally; the mutex here only guards our own
// connected-state bookkeeping).
type Session struct {
	mu        sync.Mutex
	client    mqtt.Client
	connected bool

	log *zap.Logger
	cfg Config
}

// New constructs a Session. Connect must be called before Publish/Subscribe.
func New(cfg Config, log *zap.Logger) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	s := &Session{log: log, cfg: cfg}

	scheme := "tcp"
	if cfg.TLS != nil {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerHost, cfg.BrokerPort))
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true) // Sparkplug sessions are never persistent (§4.3)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOrderMatters(true)
	if cfg.TLS != nil {
		opts.SetTLSConfig(cfg.TLS)
	}
	if cfg.WillTopic != "" {
		opts.SetWill(cfg.WillTopic, string(cfg.WillPayload), 1, false)
	}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
		s.log.Info("mqttsession: connected", zap.String("client_id", cfg.ClientID))
		if cfg.OnConnect != nil {
			cfg.OnConnect(s)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		s.log.Warn("mqttsession: connection lost", zap.Error(err))
		if cfg.OnConnectionLost != nil {
			cfg.OnConnectionLost(err)
		}
	})
	s.client = mqtt.NewClient(opts)
	return s
}

// Connect blocks until the initial connection succeeds or ctx expires.
func (s *Session) Connect(ctx context.Context) error {
	token := s.client.Connect()
	deadline, ok := ctx.Deadline()
	var wait bool
	if ok {
		wait = token.WaitTimeout(time.Until(deadline))
	} else {
		token.Wait()
		wait = true
	}
	if !wait {
		return errs.New(errs.KindTimeout, "mqttsession.Connect", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return errs.New(errs.KindTransient, "mqttsession.Connect", err)
	}
	return nil
}

// PublishFrame serialises frame and publishes it at the given QoS level
// (default QoS 1 per §4.3 unless the caller deliberately downgrades a
// low-value signal). retained should be false for every Sparkplug message
// type this pipeline emits.
func (s *Session) PublishFrame(frame sparkplug.Frame, qos byte, retained bool) error {
	topic, payload := sparkplug.Encode(frame)
	return s.PublishRaw(topic, payload, qos, retained)
}

// PublishRaw publishes an already-encoded topic/payload pair, used by the
// store-and-forward drain loop (C4) which persists envelopes post-encode so
// a restart never re-serialises (and never re-assigns alias/seq for) a
// frame still pending ack.
func (s *Session) PublishRaw(topic string, payload []byte, qos byte, retained bool) error {
	token := s.client.Publish(topic, qos, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return errs.New(errs.KindTransient, "mqttsession.PublishRaw", err)
	}
	return nil
}

// Subscribe registers handler for topic at the given QoS.
func (s *Session) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	token := s.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return errs.New(errs.KindTransient, "mqttsession.Subscribe", err)
	}
	return nil
}

// Connected reports the current connection state.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Disconnect performs a graceful disconnect, waiting up to quiesce for
// in-flight publishes to settle.
func (s *Session) Disconnect(quiesce time.Duration) {
	s.client.Disconnect(uint(quiesce.Milliseconds()))
}
