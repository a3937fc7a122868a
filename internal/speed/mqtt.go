package speed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/teslashibe/go-autovol/internal/config"
)

// MQTTSource caches the latest speed published on a broker topic
type MQTTSource struct {
	client     mqtt.Client
	topic      string
	qos        byte
	staleAfter time.Duration
	logger     *slog.Logger

	mu        sync.RWMutex
	latest    Sample
	hasSample bool
	received  uint64
	rejected  uint64
}

// speedPayload is the JSON form of a speed update
type speedPayload struct {
	SpeedKmh *float64 `json:"speed_kmh"`
	SpeedMps *float64 `json:"speed_mps"`
}

// NewMQTTSource connects to the broker and subscribes to the speed topic
func NewMQTTSource(cfg config.MQTTConfig, staleAfter time.Duration, logger *slog.Logger) (*MQTTSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &MQTTSource{
		topic:      cfg.Topic,
		qos:        cfg.QoS,
		staleAfter: staleAfter,
		logger:     logger,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOrderMatters(false)
	// resubscribe on every (re)connect
	opts.OnConnect = func(c mqtt.Client) {
		token := c.Subscribe(s.topic, s.qos, s.onMessage)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			s.logger.Error("mqtt subscribe failed", "topic", s.topic, "error", token.Error())
			return
		}
		s.logger.Info("mqtt speed source subscribed", "topic", s.topic)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "error", err)
	}

	s.client = mqtt.NewClient(opts)

	token := s.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		s.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}

	return s, nil
}

func (s *MQTTSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	kmh, err := ParseSpeedPayload(msg.Payload())

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.rejected++
		s.logger.Debug("ignoring speed payload", "topic", msg.Topic(), "error", err)
		return
	}

	s.received++
	s.latest = Sample{
		SpeedKmh:  sanitize(kmh),
		Timestamp: time.Now(),
	}
	s.hasSample = true
}

// ParseSpeedPayload decodes a bare number (km/h) or a JSON object with
// speed_kmh or speed_mps
func ParseSpeedPayload(payload []byte) (float64, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return 0, fmt.Errorf("empty payload")
	}

	if v, err := strconv.ParseFloat(text, 64); err == nil {
		return finiteKmh(v)
	}

	var p speedPayload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return 0, fmt.Errorf("decode speed payload: %w", err)
	}

	switch {
	case p.SpeedKmh != nil:
		return finiteKmh(*p.SpeedKmh)
	case p.SpeedMps != nil:
		return finiteKmh(MpsToKmh(*p.SpeedMps))
	}
	return 0, fmt.Errorf("payload has neither speed_kmh nor speed_mps")
}

// GetSpeed returns the cached sample, or ErrNoSample if none has arrived
// or the last one is older than the stale limit
func (s *MQTTSource) GetSpeed(ctx context.Context) (Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.hasSample {
		return Sample{}, ErrNoSample
	}

	age := time.Since(s.latest.Timestamp)
	if s.staleAfter > 0 && age > s.staleAfter {
		return Sample{}, fmt.Errorf("%w: last update %s ago", ErrNoSample, age.Round(time.Millisecond))
	}

	sample := s.latest
	sample.LatencyMs = age.Milliseconds()
	return sample, nil
}

// Close unsubscribes and disconnects from the broker
func (s *MQTTSource) Close() error {
	if s.client.IsConnected() {
		s.client.Unsubscribe(s.topic).WaitTimeout(time.Second)
	}
	s.client.Disconnect(250)
	return nil
}

// Healthy returns true while the broker connection is up
func (s *MQTTSource) Healthy() bool {
	return s.client.IsConnectionOpen()
}

// Name returns the source type name
func (s *MQTTSource) Name() string {
	return "mqtt"
}
