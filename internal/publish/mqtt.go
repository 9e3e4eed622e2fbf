package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dj-oyu/skyeye-pipeline/internal/logger"
	"github.com/dj-oyu/skyeye-pipeline/internal/metrics"
	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

// ErrNotConnected is returned by Publish while the broker link is down.
var ErrNotConnected = errors.New("mqtt not connected")

// Config holds the broker settings.
type Config struct {
	Broker         string // host:port or scheme://host:port
	ClientID       string
	TopicPrefix    string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "skyeye"
	}
	if c.ClientID == "" {
		c.ClientID = "skyeye"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	return c
}

// Topic returns the detections topic for a run.
func Topic(prefix, run string) string {
	return fmt.Sprintf("%s/%s/detections", strings.TrimSuffix(prefix, "/"), run)
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Publisher sends recorded detections to an MQTT broker. Failures are
// counted and returned, never retried.
type Publisher struct {
	cfg     Config
	client  mqtt.Client
	metrics *metrics.Metrics

	connected atomic.Bool
	published atomic.Uint64
}

// Connect dials the broker. Auto-reconnect keeps the link alive afterwards.
func Connect(ctx context.Context, cfg Config, m *metrics.Metrics) (*Publisher, error) {
	cfg = cfg.withDefaults()
	p := &Publisher{cfg: cfg, metrics: m}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		p.connected.Store(true)
		logger.Info("Publisher", "mqtt connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.connected.Store(false)
		logger.Warn("Publisher", "mqtt connection lost, will auto-reconnect", "broker", cfg.Broker, "error", err)
	}
	p.client = mqtt.NewClient(opts)

	logger.Info("Publisher", "connecting to mqtt broker", "broker", cfg.Broker)
	token := p.client.Connect()
	if err := waitToken(ctx, token, cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	p.connected.Store(true)
	return p, nil
}

// NewWithClient wraps an already connected client.
func NewWithClient(cfg Config, client mqtt.Client, m *metrics.Metrics) *Publisher {
	p := &Publisher{cfg: cfg.withDefaults(), client: client, metrics: m}
	p.connected.Store(client.IsConnected())
	return p
}

// Publish sends each record as one JSON message on the run's topic.
func (p *Publisher) Publish(ctx context.Context, run string, records []types.Detection) error {
	if len(records) == 0 {
		return nil
	}
	if !p.connected.Load() {
		p.countErrors(len(records))
		return ErrNotConnected
	}

	topic := Topic(p.cfg.TopicPrefix, run)
	var errs []error
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			p.countErrors(1)
			errs = append(errs, fmt.Errorf("marshal detection %s: %w", rec.ID, err))
			continue
		}
		token := p.client.Publish(topic, p.cfg.QoS, false, payload)
		if err := waitToken(ctx, token, p.cfg.PublishTimeout); err != nil {
			p.countErrors(1)
			errs = append(errs, fmt.Errorf("publish detection %s: %w", rec.ID, err))
			continue
		}
		p.published.Add(1)
		logger.Debug("Publisher", "detection published", "topic", topic, "id", rec.ID, "size", len(payload))
	}
	return errors.Join(errs...)
}

// Published returns the number of messages acknowledged by the client.
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}

// Close disconnects with a short grace period.
func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		logger.Info("Publisher", "mqtt disconnected")
	}
	p.connected.Store(false)
}

func (p *Publisher) countErrors(n int) {
	if p.metrics != nil {
		p.metrics.PublishErrors.Add(uint64(n))
	}
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}
