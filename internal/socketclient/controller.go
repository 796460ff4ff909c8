package socketclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionState represents the current state of the relay connection
type ConnectionState int

const (
	// StateDisconnected indicates the controller is not connected
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates a connection attempt is in progress
	StateConnecting
	// StateOpen indicates the connection is established
	StateOpen
	// StateClosed indicates the controller has been closed for good
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned when a send is attempted while the
	// connection is not open.
	ErrNotConnected = errors.New("not connected")
	// ErrExchangeInFlight is returned when a chat request is sent
	// while a previous one is still streaming.
	ErrExchangeInFlight = errors.New("a chat exchange is already in flight")
	// ErrClosed is returned after Close has been called
	ErrClosed = errors.New("client is closed")
)

// Config holds controller configuration
type Config struct {
	// URL is the relay WebSocket endpoint, e.g. ws://localhost:8741/ws
	URL string
	// Model optionally overrides the relay's configured model
	Model string
	// ConnectTimeout is the timeout for the WebSocket handshake
	ConnectTimeout time.Duration
	// ReconnectEnabled enables automatic reconnection
	ReconnectEnabled bool
	// ReconnectDelay is the initial delay between reconnection attempts
	ReconnectDelay time.Duration
	// ReconnectMaxDelay is the maximum delay between reconnection attempts
	ReconnectMaxDelay time.Duration
	// HeartbeatInterval is the interval for application-level pings
	HeartbeatInterval time.Duration
	// MaxMissedPongs forces a reconnect once this many heartbeats go
	// unanswered.
	MaxMissedPongs int
	// FlushInterval batches streamed deltas before the update callback
	FlushInterval time.Duration
	// WriteTimeout is the timeout for writing frames
	WriteTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		URL:               "ws://localhost:8741/ws",
		ConnectTimeout:    10 * time.Second,
		ReconnectEnabled:  true,
		ReconnectDelay:    500 * time.Millisecond,
		ReconnectMaxDelay: 30 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		MaxMissedPongs:    3,
		FlushInterval:     80 * time.Millisecond,
		WriteTimeout:      10 * time.Second,
	}
}

// exchange tracks one chat request from send to terminal frame
type exchange struct {
	mu      sync.Mutex
	pending strings.Builder
	full    strings.Builder

	// flushMu serializes flushes so batched chunks reach the update
	// callback in arrival order.
	flushMu sync.Mutex

	done chan struct{}
}

func newExchange() *exchange {
	return &exchange{done: make(chan struct{})}
}

func (ex *exchange) append(text string) {
	ex.mu.Lock()
	ex.pending.WriteString(text)
	ex.full.WriteString(text)
	ex.mu.Unlock()
}

func (ex *exchange) takePending() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	chunk := ex.pending.String()
	ex.pending.Reset()
	return chunk
}

func (ex *exchange) fullText() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.full.String()
}

// Controller is a reconnecting client for the relay. All callbacks are
// invoked from internal goroutines and must not block for long.
type Controller struct {
	config *Config

	connMu sync.RWMutex
	conn   *websocket.Conn

	state     atomic.Int32 // ConnectionState
	closed    atomic.Bool
	sessionID atomic.Value // string

	outgoing chan []byte

	missedPongs atomic.Int32

	exchangeMu sync.Mutex
	active     *exchange

	reconnectMu sync.Mutex

	// Callbacks
	updateCallback         func(chunk string)
	doneCallback           func(fullText string)
	errorCallback          func(reason string)
	stateChangedCallback   func(ConnectionState)
	noticeCallback         func(notice string)
	reconnectingCallback   func(attempt int)
	connectionLostCallback func(error)
}

// NewController creates a controller; Connect must be called to open
// the connection.
func NewController(config *Config) (*Controller, error) {
	if config.URL == "" {
		return nil, errors.New("relay URL is required")
	}
	if _, err := url.Parse(config.URL); err != nil {
		return nil, fmt.Errorf("invalid relay URL %s: %w", config.URL, err)
	}

	c := &Controller{
		config:   config,
		outgoing: make(chan []byte, 256),
	}
	c.state.Store(int32(StateDisconnected))
	c.sessionID.Store("")
	return c, nil
}

// Connect opens the WebSocket connection
func (c *Controller) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.getState() != StateDisconnected {
		return errors.New("already connected")
	}
	return c.dial(ctx)
}

// dial performs one connection attempt. The stored session id, if any,
// is offered to the relay so the conversation resumes where it left
// off.
func (c *Controller) dial(ctx context.Context) error {
	c.setState(StateConnecting)

	endpoint, err := url.Parse(c.config.URL)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	if id := c.SessionID(); id != "" {
		q := endpoint.Query()
		q.Set("session", id)
		endpoint.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("failed to connect to %s: %w", c.config.URL, err)
	}

	done := make(chan struct{})
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.missedPongs.Store(0)
	c.setState(StateOpen)

	go c.readPump(conn, done)
	go c.writePump(conn, done)
	go c.heartbeat(conn, done)

	return nil
}

// getState returns the current connection state
func (c *Controller) getState() ConnectionState {
	return ConnectionState(c.state.Load())
}

// GetState returns the current connection state
func (c *Controller) GetState() ConnectionState {
	return c.getState()
}

// setState sets the connection state and notifies the callback
func (c *Controller) setState(state ConnectionState) {
	old := ConnectionState(c.state.Swap(int32(state)))
	if c.stateChangedCallback != nil && old != state {
		c.stateChangedCallback(state)
	}
}

// SessionID returns the session id announced by the relay, if any
func (c *Controller) SessionID() string {
	if v := c.sessionID.Load(); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Send starts a chat exchange for the given user input. Only one
// exchange may be in flight at a time.
func (c *Controller) Send(content string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.getState() != StateOpen {
		return ErrNotConnected
	}

	c.exchangeMu.Lock()
	if c.active != nil {
		c.exchangeMu.Unlock()
		return ErrExchangeInFlight
	}
	ex := newExchange()
	c.active = ex
	c.exchangeMu.Unlock()

	go c.flushLoop(ex)

	return c.enqueue(clientFrame{
		Messages: []chatMessage{{Role: "user", Content: content}},
		Model:    c.config.Model,
	})
}

// ClearHistory asks the relay to drop the session history
func (c *Controller) ClearHistory() error {
	if c.getState() != StateOpen {
		return ErrNotConnected
	}
	return c.enqueue(clientFrame{Type: "clear_history"})
}

func (c *Controller) enqueue(frame clientFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case c.outgoing <- data:
		return nil
	default:
		return errors.New("send queue full")
	}
}

// Close permanently closes the controller. No reconnection follows.
func (c *Controller) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.setState(StateClosed)
	c.failExchange("client closed")

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
	return nil
}

// readPump reads frames until the connection drops
func (c *Controller) readPump(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			close(done)
			c.handleConnectionError(err)
			return
		}
		c.handleFrame(data)
	}
}

// writePump drains the outgoing queue onto the connection
func (c *Controller) writePump(conn *websocket.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case data := <-c.outgoing:
			_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// heartbeat sends application-level pings and forces a reconnect when
// too many go unanswered.
func (c *Controller) heartbeat(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if int(c.missedPongs.Add(1)) > c.config.MaxMissedPongs {
				// Stale connection. Closing it kicks the read pump
				// into the reconnect path.
				conn.Close()
				return
			}
			_ = c.enqueue(clientFrame{Type: "ping"})
		}
	}
}

// handleFrame dispatches one inbound frame
func (c *Controller) handleFrame(data []byte) {
	var frame serverFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	switch frame.Type {
	case "session":
		c.sessionID.Store(frame.SessionID)

	case "pong":
		c.missedPongs.Store(0)

	case "delta":
		c.exchangeMu.Lock()
		ex := c.active
		c.exchangeMu.Unlock()
		if ex != nil {
			ex.append(frame.Text)
		}

	case "done":
		c.finishExchange()

	case "history_cleared":
		if c.noticeCallback != nil {
			c.noticeCallback("history cleared")
		}

	case "error":
		c.failExchange(frame.Error)
	}
}

// flushLoop periodically hands batched delta text to the update
// callback until the exchange ends.
func (c *Controller) flushLoop(ex *exchange) {
	ticker := time.NewTicker(c.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ex.done:
			return
		case <-ticker.C:
			c.flush(ex)
		}
	}
}

func (c *Controller) flush(ex *exchange) {
	ex.flushMu.Lock()
	defer ex.flushMu.Unlock()
	if chunk := ex.takePending(); chunk != "" && c.updateCallback != nil {
		c.updateCallback(chunk)
	}
}

// takeExchange detaches the active exchange and stops its flush loop
func (c *Controller) takeExchange() *exchange {
	c.exchangeMu.Lock()
	ex := c.active
	c.active = nil
	c.exchangeMu.Unlock()
	if ex != nil {
		close(ex.done)
	}
	return ex
}

// finishExchange ends the active exchange successfully, flushing the
// tail before the done callback fires.
func (c *Controller) finishExchange() {
	ex := c.takeExchange()
	if ex == nil {
		return
	}
	c.flush(ex)
	if c.doneCallback != nil {
		c.doneCallback(ex.fullText())
	}
}

// failExchange ends the active exchange with an error. When no
// exchange is in flight the error is surfaced on its own.
func (c *Controller) failExchange(reason string) {
	ex := c.takeExchange()
	if ex != nil {
		c.flush(ex)
	}
	if reason != "" && c.errorCallback != nil {
		c.errorCallback(reason)
	}
}

// handleConnectionError tears down after a dropped connection and
// schedules reconnection when enabled.
func (c *Controller) handleConnectionError(err error) {
	if c.closed.Load() {
		return
	}

	c.setState(StateDisconnected)
	if c.connectionLostCallback != nil {
		c.connectionLostCallback(err)
	}
	c.failExchange("connection lost: " + err.Error())

	if c.config.ReconnectEnabled {
		go c.reconnectLoop()
	}
}

// reconnectLoop retries the connection with exponential backoff until
// it opens or the controller is closed. The delay saturates at
// ReconnectMaxDelay; the attempt counter starts fresh on every
// disconnect.
func (c *Controller) reconnectLoop() {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	for attempt := 0; ; attempt++ {
		if c.closed.Load() {
			return
		}

		delay := backoffDelay(c.config.ReconnectDelay, c.config.ReconnectMaxDelay, attempt)
		if c.reconnectingCallback != nil {
			c.reconnectingCallback(attempt + 1)
		}
		time.Sleep(delay)

		if c.closed.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.config.ConnectTimeout)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			return
		}
	}
}

// backoffDelay returns base << attempt capped at max, saturating on
// shift overflow.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt >= 32 {
		return max
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// SetUpdateCallback sets the callback for batched delta text
func (c *Controller) SetUpdateCallback(fn func(chunk string)) {
	c.updateCallback = fn
}

// SetDoneCallback sets the callback for completed exchanges. It
// receives the full assembled response text.
func (c *Controller) SetDoneCallback(fn func(fullText string)) {
	c.doneCallback = fn
}

// SetErrorCallback sets the callback for relay errors
func (c *Controller) SetErrorCallback(fn func(reason string)) {
	c.errorCallback = fn
}

// SetStateChangedCallback sets the callback for connection state changes
func (c *Controller) SetStateChangedCallback(fn func(ConnectionState)) {
	c.stateChangedCallback = fn
}

// SetNoticeCallback sets the callback for informational frames
func (c *Controller) SetNoticeCallback(fn func(notice string)) {
	c.noticeCallback = fn
}

// SetReconnectingCallback sets the callback for reconnection attempts
func (c *Controller) SetReconnectingCallback(fn func(attempt int)) {
	c.reconnectingCallback = fn
}

// SetConnectionLostCallback sets the callback for connection loss events
func (c *Controller) SetConnectionLostCallback(fn func(error)) {
	c.connectionLostCallback = fn
}
