package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-autovol/internal/config"
	"github.com/teslashibe/go-autovol/internal/protocol"
)

// ErrNotConnected is returned while the head-unit bridge is unreachable
var ErrNotConnected = errors.New("head unit not connected")

// RemoteSink drives the volume of a head unit through its bridge app over
// WebSocket. The bridge reports its step on connect and on every change.
type RemoteSink struct {
	cfg      config.RemoteConfig
	maxSteps int
	logger   *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc

	// Last reported step, -1 until the bridge reports one
	step     int
	reported chan struct{}

	// Rate limiting
	writeMu     sync.Mutex
	lastWriteAt time.Time

	// Stats
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	reconnects       atomic.Uint64
}

// NewRemoteSink creates an unconnected remote sink
func NewRemoteSink(cfg config.RemoteConfig, maxSteps int, logger *slog.Logger) *RemoteSink {
	if logger == nil {
		logger = slog.Default()
	}

	return &RemoteSink{
		cfg:      cfg,
		maxSteps: maxSteps,
		logger:   logger,
		step:     -1,
		reported: make(chan struct{}),
	}
}

// Connect starts the connection loop in the background
func (r *RemoteSink) Connect(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	go r.connectionLoop(ctx)
	return nil
}

// connectionLoop manages connection with auto-reconnect
func (r *RemoteSink) connectionLoop(ctx context.Context) {
	backoff := r.cfg.ReconnectBackoff
	everConnected := false

	for {
		select {
		case <-ctx.Done():
			r.closeConnection()
			return
		default:
		}

		err := r.connect(ctx)
		if err != nil {
			r.logger.Warn("head unit connection failed",
				"error", err,
				"retry_in", backoff,
			)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}

			// Exponential backoff
			backoff *= 2
			if backoff > r.cfg.MaxBackoff {
				backoff = r.cfg.MaxBackoff
			}
			continue
		}

		// Reset backoff on successful connection
		backoff = r.cfg.ReconnectBackoff
		if everConnected {
			r.reconnects.Add(1)
		}
		everConnected = true

		// Ask for the current step, then read until error
		if msg, err := protocol.NewGetVolumeMessage(); err == nil {
			r.send(msg)
		}
		r.readLoop(ctx)
	}
}

// connect establishes the WebSocket connection
func (r *RemoteSink) connect(ctx context.Context) error {
	r.logger.Info("connecting to head unit", "url", r.cfg.URL)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, r.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.connected = true
	r.mu.Unlock()

	r.logger.Info("connected to head unit")

	go r.pingLoop(ctx, conn)

	return nil
}

// pingLoop sends periodic pings on conn until it is replaced or fails
func (r *RemoteSink) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			current := r.conn
			r.mu.Unlock()

			if current != conn {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				r.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop reads messages from the bridge
func (r *RemoteSink) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()

		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			r.logger.Warn("head unit read error", "error", err)
			r.closeConnection()
			return
		}

		r.messagesReceived.Add(1)
		r.handleMessage(data)
	}
}

// handleMessage processes incoming messages
func (r *RemoteSink) handleMessage(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		r.logger.Warn("parse message error", "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeVolume:
		report, err := msg.GetVolumeData()
		if err != nil {
			r.logger.Warn("bad volume report", "error", err)
			return
		}
		if err := checkStep(report.Step, r.maxSteps); err != nil {
			r.logger.Warn("volume report off scale", "error", err, "max_steps", r.maxSteps)
			return
		}
		r.setReported(report.Step)

	case protocol.TypePing:
		r.send(&protocol.Message{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()})
	}
}

func (r *RemoteSink) setReported(step int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.step = step
	close(r.reported)
	r.reported = make(chan struct{})
}

// send writes a message to the bridge
func (r *RemoteSink) send(msg *protocol.Message) error {
	r.mu.Lock()
	conn := r.conn
	connected := r.connected
	r.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	// gorilla connections allow one concurrent writer
	r.mu.Lock()
	conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("send error", "error", err)
		r.closeConnection()
		return fmt.Errorf("write: %w", err)
	}

	r.messagesSent.Add(1)
	return nil
}

// GetStep returns the last reported step, asking the bridge and waiting
// up to the reply timeout if none is known yet
func (r *RemoteSink) GetStep(ctx context.Context) (int, error) {
	r.mu.Lock()
	step := r.step
	wait := r.reported
	r.mu.Unlock()

	if step >= 0 {
		return step, nil
	}

	msg, err := protocol.NewGetVolumeMessage()
	if err != nil {
		return 0, err
	}
	if err := r.send(msg); err != nil {
		return 0, err
	}

	return r.awaitReport(ctx, wait)
}

// awaitReport waits for the report that closes wait. The connection may
// drop between the report and the read, which forgets the step.
func (r *RemoteSink) awaitReport(ctx context.Context, wait <-chan struct{}) (int, error) {
	timer := time.NewTimer(r.cfg.ReplyTimeout)
	defer timer.Stop()

	select {
	case <-wait:
	case <-timer.C:
		return 0, fmt.Errorf("head unit did not report volume within %s", r.cfg.ReplyTimeout)
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.step < 0 {
		return 0, ErrNotConnected
	}
	return r.step, nil
}

// SetStep sends a step to the bridge, spacing writes by the minimum
// write interval
func (r *RemoteSink) SetStep(ctx context.Context, step int) error {
	if err := checkStep(step, r.maxSteps); err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if wait := r.cfg.MinWriteInterval - time.Since(r.lastWriteAt); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	msg, err := protocol.NewSetVolumeMessage(step, r.maxSteps)
	if err != nil {
		return err
	}
	if err := r.send(msg); err != nil {
		return err
	}
	r.lastWriteAt = time.Now()

	r.mu.Lock()
	r.step = step
	r.mu.Unlock()

	return nil
}

// MaxSteps returns the top of the scale
func (r *RemoteSink) MaxSteps() int {
	return r.maxSteps
}

// Healthy returns true while connected
func (r *RemoteSink) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Name returns the sink type name
func (r *RemoteSink) Name() string {
	return "remote"
}

// closeConnection closes the WebSocket connection and forgets the step
func (r *RemoteSink) closeConnection() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connected = false
	r.step = -1
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}

// Close shuts down the sink
func (r *RemoteSink) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.closeConnection()
	return nil
}

// RemoteStats contains connection statistics. Reconnects counts
// connections established after a drop, not failed dials.
type RemoteStats struct {
	Connected        bool   `json:"connected"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	Reconnects       uint64 `json:"reconnects"`
}

// Stats returns connection statistics
func (r *RemoteSink) Stats() RemoteStats {
	r.mu.Lock()
	connected := r.connected
	r.mu.Unlock()

	return RemoteStats{
		Connected:        connected,
		MessagesSent:     r.messagesSent.Load(),
		MessagesReceived: r.messagesReceived.Load(),
		Reconnects:       r.reconnects.Load(),
	}
}
