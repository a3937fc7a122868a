package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-autovol/internal/boost"
	"github.com/teslashibe/go-autovol/internal/protocol"
)

// WSHub manages WebSocket connections and broadcasts boost status
type WSHub struct {
	session *boost.Session
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSHub creates a new WebSocket hub
func NewWSHub(session *boost.Session, logger *slog.Logger) *WSHub {
	return &WSHub{
		session: session,
		logger:  logger,
		clients: make(map[*websocket.Conn]*sync.Mutex),
		done:    make(chan struct{}),
	}
}

// Run starts the broadcast loop
func (h *WSHub) Run(ctx context.Context) {
	h.mu.Lock()
	ctx, h.cancel = context.WithCancel(ctx)
	h.mu.Unlock()
	defer close(h.done)

	ticker := time.NewTicker(100 * time.Millisecond) // 10Hz
	defer ticker.Stop()

	var lastState boost.State

	h.logger.Info("websocket hub started")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket hub stopped")
			return
		case <-ticker.C:
			if h.session == nil || h.ClientCount() == 0 {
				continue
			}

			status := h.session.Status()

			msg, err := protocol.NewMessage(protocol.TypeBoost, status)
			if err != nil {
				h.logger.Warn("websocket marshal error", "error", err)
				continue
			}
			h.broadcast(msg)

			if status.State != lastState {
				h.logger.Debug("boost state change",
					"state", status.State,
					"boost", status.Boost,
				)
				lastState = status.State
			}
		}
	}
}

func (h *WSHub) broadcast(msg *protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, writeMu := range h.clients {
		writeMu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		writeMu.Unlock()
		if err != nil {
			// Will be cleaned up when connection closes
			h.logger.Debug("websocket write error", "error", err)
		}
	}
}

// UpgradeHandler returns the WebSocket upgrade handler
func (h *WSHub) UpgradeHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return websocket.New(h.handleConnection)(c)
		}

		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error":   "WebSocket upgrade required",
			"message": "Connect via WebSocket to receive the boost stream",
		})
	}
}

func (h *WSHub) handleConnection(c *websocket.Conn) {
	writeMu := &sync.Mutex{}

	h.mu.Lock()
	h.clients[c] = writeMu
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		"remote_addr", c.RemoteAddr().String(),
		"clients", clientCount,
	)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		clientCount := len(h.clients)
		h.mu.Unlock()

		h.logger.Info("websocket client disconnected",
			"remote_addr", c.RemoteAddr().String(),
			"clients", clientCount,
		)
	}()

	// Keep connection alive, read for close or commands
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			break
		}

		h.handleCommand(c, writeMu, msg)
	}
}

func (h *WSHub) handleCommand(c *websocket.Conn, writeMu *sync.Mutex, raw []byte) {
	cmd, err := protocol.ParseMessage(raw)
	if err != nil {
		return
	}

	var reply *protocol.Message
	switch cmd.Type {
	case protocol.TypePing:
		reply, err = protocol.NewMessage(protocol.TypePong, nil)
	case protocol.TypeGetStats:
		if h.session != nil {
			reply, err = protocol.NewMessage(protocol.TypeStats, h.session.Stats())
		}
	}
	if err != nil || reply == nil {
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	c.WriteJSON(reply)
}

// ClientCount returns the number of connected WebSocket clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close shuts down the WebSocket hub
func (h *WSHub) Close() {
	h.mu.RLock()
	cancel := h.cancel
	h.mu.RUnlock()

	if cancel != nil {
		cancel()
		<-h.done
	}

	// Close all client connections
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()
}
