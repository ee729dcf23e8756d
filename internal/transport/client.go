// Package transport relays record batches to the collection endpoint over a
// websocket that is re-established after every loss.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"blocklog/internal/clock"
	"blocklog/internal/telemetry"
	"blocklog/logging"
)

// ErrNoEndpoint is returned by Connect when no endpoint URL was given now or
// on an earlier call.
var ErrNoEndpoint = errors.New("transport: no endpoint url")

// DefaultRetryDelay is the fixed pause between a lost connection and the
// next attempt.
const DefaultRetryDelay = 5 * time.Second

const (
	closeGracePeriod = time.Second
	handshakeTimeout = 10 * time.Second
)

type Config struct {
	AuthKey    string
	RetryDelay time.Duration
	// NavigationURL is the page address whose user and task query
	// parameters seed the client identity.
	NavigationURL string
	Clock         clock.Clock
	Logger        *zap.Logger
	Metrics       telemetry.Metrics
	Dialer        *websocket.Dialer
}

// payload is the frame carrying a batch of records. Records are encoded one
// by one so a single bad record cannot sink the batch.
type payload struct {
	AuthKey     string            `json:"authKey"`
	UserActions []json.RawMessage `json:"userActions"`
}

// response is an endpoint reply. Either half may be absent.
type response struct {
	Success   *bool   `json:"success"`
	Error     string  `json:"error"`
	NewUserID *string `json:"newUserId"`
}

// Client owns one logical connection to the endpoint. Sends are best
// effort: a batch counts as sent when the socket is still open after the
// write, not when the endpoint confirms it.
type Client struct {
	authKey    string
	retryDelay time.Duration
	navigation string
	clock      clock.Clock
	logger     *zap.Logger
	metrics    telemetry.Metrics
	dialer     *websocket.Dialer

	mu             sync.Mutex
	conn           *websocket.Conn
	generation     uint64
	endpoint       string
	identityLoaded bool
	userID         string
	taskID         string
	reconnectTimer clock.Timer
	reconnectSeq   uint64
	saveError      bool
	lastError      string

	writeMu sync.Mutex
}

func New(cfg Config) *Client {
	c := &Client{
		authKey:    cfg.AuthKey,
		retryDelay: cfg.RetryDelay,
		navigation: cfg.NavigationURL,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		dialer:     cfg.Dialer,
	}
	if c.retryDelay <= 0 {
		c.retryDelay = DefaultRetryDelay
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = telemetry.NopMetrics()
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}
	}
	return c
}

// Connect opens the connection unless one is already open. An empty
// endpoint reuses the last URL. A failed dial schedules a retry and is also
// reported to the caller.
func (c *Client) Connect(ctx context.Context, endpoint string) error {
	ctx, span := telemetry.Tracer().Start(ctx, "transport.connect")
	defer span.End()

	c.mu.Lock()
	c.stopReconnectLocked()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if endpoint == "" {
		endpoint = c.endpoint
	}
	if endpoint == "" {
		c.mu.Unlock()
		span.SetStatus(codes.Error, ErrNoEndpoint.Error())
		return ErrNoEndpoint
	}
	c.endpoint = endpoint
	c.loadIdentityLocked()
	target, err := withIdentity(endpoint, c.userID, c.taskID)
	generation := c.generation
	c.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid endpoint")
		return err
	}
	span.SetAttributes(attribute.String("endpoint", endpoint))

	c.logger.Info("connecting to logging endpoint", zap.String("url", target))
	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.metrics.Add("transport.dial_failures", 1)
		c.logger.Warn("logging endpoint unreachable", zap.String("url", target), zap.Error(err))
		c.mu.Lock()
		if c.generation == generation {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		return fmt.Errorf("dial %s: %w", target, err)
	}

	c.mu.Lock()
	if c.generation != generation || c.conn != nil {
		// Reset, or another Connect won the race.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.stopReconnectLocked()
	c.mu.Unlock()

	c.metrics.Add("transport.connects", 1)
	c.logger.Info("logging endpoint connected", zap.String("url", target))
	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		c.handleResponse(message)
	}
}

func (c *Client) handleResponse(message []byte) {
	var msg response
	if err := json.Unmarshal(message, &msg); err != nil {
		c.metrics.Add("transport.malformed_responses", 1)
		c.logger.Warn("discarding malformed endpoint message", zap.ByteString("message", message), zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.Success != nil {
		c.saveError = !*msg.Success
		if c.saveError {
			c.lastError = msg.Error
			c.metrics.Add("transport.save_errors", 1)
			c.logger.Warn("actions not saved on endpoint", zap.String("error", msg.Error))
		} else {
			c.lastError = ""
		}
	}
	if msg.NewUserID != nil && *msg.NewUserID != "" {
		c.userID = *msg.NewUserID
		c.logger.Info("endpoint assigned user id", zap.String("user_id", c.userID))
	}
}

// handleClose drops conn and schedules one reconnect. Connections that were
// already replaced or reset are ignored.
func (c *Client) handleClose(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.conn = nil
	conn.Close()
	c.logger.Info("logging endpoint connection closed", zap.Error(cause))
	c.scheduleReconnectLocked()
}

func (c *Client) scheduleReconnectLocked() {
	if c.reconnectTimer != nil {
		return
	}
	c.metrics.Add("transport.reconnects_scheduled", 1)
	c.logger.Info("retrying logging endpoint connection", zap.Duration("delay", c.retryDelay))
	c.reconnectSeq++
	seq := c.reconnectSeq
	c.reconnectTimer = c.clock.AfterFunc(c.retryDelay, func() { c.reconnect(seq) })
}

func (c *Client) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// reconnect runs when the retry scheduled as seq fires. A retry that was
// cancelled or replaced in the meantime does nothing.
func (c *Client) reconnect(seq uint64) {
	c.mu.Lock()
	if c.reconnectTimer == nil || c.reconnectSeq != seq {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()
	// A failure has already scheduled the next attempt.
	_ = c.Connect(context.Background(), "")
}

// SendActions sends records as one frame. It reports whether the connection
// was open before the write and is still open after it. Records that cannot
// be encoded are dropped and the rest of the batch still goes out.
func (c *Client) SendActions(records []logging.Record) bool {
	if !c.IsOpen() {
		return false
	}
	actions := c.encodeActions(records)
	data, err := json.Marshal(payload{AuthKey: c.authKey, UserActions: actions})
	if err != nil {
		c.logger.Error("failed to encode user actions", zap.Error(err))
		return false
	}
	sent := c.send(data)
	if sent {
		c.metrics.Add("transport.records_sent", uint64(len(actions)))
	}
	return sent
}

func (c *Client) encodeActions(records []logging.Record) []json.RawMessage {
	actions := make([]json.RawMessage, 0, len(records))
	for _, record := range records {
		encoded, err := json.Marshal(record)
		if err != nil {
			c.metrics.Add("transport.records_unencodable", 1)
			c.logger.Warn("dropping record that cannot be encoded",
				zap.String("type", record.Type),
				zap.Int64("timestamp", record.Timestamp),
				zap.Error(err),
			)
			continue
		}
		actions = append(actions, encoded)
	}
	return actions
}

// SendString sends raw as a text frame with the same contract as
// SendActions.
func (c *Client) SendString(raw string) bool {
	return c.send([]byte(raw))
}

func (c *Client) send(data []byte) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}

	c.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.metrics.Add("transport.send_failures", 1)
		c.handleClose(conn, err)
		return false
	}
	c.metrics.Add("transport.frames_sent", 1)
	return c.IsOpen()
}

func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// HasSaveError reports whether the latest endpoint reply said the batch was
// not saved.
func (c *Client) HasSaveError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveError
}

func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadIdentityLocked()
	return c.userID
}

func (c *Client) TaskID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadIdentityLocked()
	return c.taskID
}

// IsReconnecting reports whether a reconnect attempt is scheduled.
func (c *Client) IsReconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectTimer != nil
}

// ResetState closes any live connection, cancels a pending reconnect and
// forgets the endpoint, identity and error state.
func (c *Client) ResetState() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.generation++
	c.stopReconnectLocked()
	c.endpoint = ""
	c.identityLoaded = false
	c.userID = ""
	c.taskID = ""
	c.saveError = false
	c.lastError = ""
	c.mu.Unlock()

	if conn != nil {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeGracePeriod))
		conn.Close()
	}
}

func (c *Client) loadIdentityLocked() {
	if c.identityLoaded {
		return
	}
	c.identityLoaded = true
	if c.navigation == "" {
		return
	}
	parsed, err := url.Parse(c.navigation)
	if err != nil {
		c.logger.Warn("ignoring unparseable navigation url", zap.String("url", c.navigation), zap.Error(err))
		return
	}
	query := parsed.Query()
	c.userID = query.Get("user")
	c.taskID = query.Get("task")
}

// withIdentity appends userId and taskId query parameters when known.
func withIdentity(endpoint, userID, taskID string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if userID == "" && taskID == "" {
		return parsed.String(), nil
	}
	query := parsed.Query()
	if userID != "" {
		query.Set("userId", userID)
	}
	if taskID != "" {
		query.Set("taskId", taskID)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
