// Package push maintains the websocket that tells this runner about newly
// available tasks. The socket is advisory: every notification is followed by
// a normal claim through the store, so a dropped frame only costs latency.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fluxhq/flux/internal/common/logger"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultBaseDelay    = time.Second
	maxReconnectDelay   = 30 * time.Second
)

// TicketMinter issues single-use websocket tickets.
type TicketMinter interface {
	MintPushTicket(ctx context.Context, deviceID string) (string, error)
}

// Handlers receives push callbacks. All fields are optional.
type Handlers struct {
	TaskAvailable func(taskID, streamID string)
	Connected     func()
	Disconnected  func(err error)
}

// Config tunes the push client.
type Config struct {
	WSURL              string
	DeviceID           string
	BaseReconnectDelay time.Duration
	PingInterval       time.Duration
}

// Client is the reconnecting push consumer.
type Client struct {
	cfg      Config
	minter   TicketMinter
	handlers Handlers
	logger   *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	connMu sync.Mutex
	conn   *websocket.Conn
}

// New creates a push client.
func New(cfg Config, minter TicketMinter, handlers Handlers, log *logger.Logger) *Client {
	if cfg.BaseReconnectDelay <= 0 {
		cfg.BaseReconnectDelay = defaultBaseDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &Client{
		cfg:      cfg,
		minter:   minter,
		handlers: handlers,
		logger:   log.WithFields(zap.String("component", "push")),
	}
}

// Start launches the connect loop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("push client already running")
	}
	if c.cfg.WSURL == "" {
		return fmt.Errorf("push websocket URL is empty")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.running = true

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop disables reconnects and closes the socket.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.closeConn()
	c.wg.Wait()
	c.logger.Info("push client stopped")
}

// IsConnected reports whether a socket is currently open.
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// ReconnectDelay is the backoff before reconnect attempt number attempt
// (zero-based): min(30s, base*2^attempt).
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultBaseDelay
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	if delay > maxReconnectDelay {
		return maxReconnectDelay
	}
	return delay
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		served, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		if served {
			// A session that reached the read loop resets the backoff.
			attempt = 0
		}
		delay := ReconnectDelay(c.cfg.BaseReconnectDelay, attempt)
		attempt++
		c.logger.Warn("push connection lost, reconnecting",
			zap.Duration("delay", delay),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectAndServe runs one socket session. served is true once the
// connection was established and the read loop began.
func (c *Client) connectAndServe(ctx context.Context) (served bool, err error) {
	ticket, err := c.minter.MintPushTicket(ctx, c.cfg.DeviceID)
	if err != nil {
		return false, fmt.Errorf("failed to mint push ticket: %w", err)
	}

	target, err := url.Parse(c.cfg.WSURL)
	if err != nil {
		return false, fmt.Errorf("invalid push URL: %w", err)
	}
	query := target.Query()
	query.Set("ticket", ticket)
	target.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial push socket: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer c.closeConn()

	c.logger.Info("push socket connected")
	if c.handlers.Connected != nil {
		c.handlers.Connected()
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	var writeMu sync.Mutex
	go c.pingLoop(pingCtx, conn, &writeMu)

	err = c.readLoop(conn)
	if c.handlers.Disconnected != nil {
		c.handlers.Disconnected(err)
	}
	return true, err
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteJSON(map[string]string{"type": "ping"})
			writeMu.Unlock()
			if err != nil {
				c.logger.Debug("push ping failed", zap.Error(err))
				return
			}
		}
	}
}

type frame struct {
	Type     string `json:"type"`
	TaskID   string `json:"taskId,omitempty"`
	StreamID string `json:"streamId,omitempty"`
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Debug("ignoring malformed push frame", zap.Error(err))
			continue
		}
		if f.Type != "task.available" {
			continue
		}
		c.logger.Debug("task available",
			zap.String("task_id", f.TaskID),
			zap.String("stream_id", f.StreamID))
		if c.handlers.TaskAvailable != nil {
			c.handlers.TaskAvailable(f.TaskID, f.StreamID)
		}
	}
}
