package web

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/chatrelay/internal/logger"
	"github.com/codefionn/chatrelay/internal/proxy"
	"github.com/codefionn/chatrelay/internal/session"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// The hard socket read limit sits above the payload cap so an
	// oversized chat request is answered with an error frame instead
	// of a dropped connection.
	readLimitFactor = 4
)

// Client is the server side of one WebSocket connection. It validates
// and dispatches inbound frames for exactly one session; the session
// itself may outlive the connection.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan *ServerFrame
	proxy     *proxy.Proxy
	sess      *session.Session
	sessionID string

	maxMessageBytes int

	// done releases every sender once the connection tears down. The
	// send channel itself is never closed: late proxy events race the
	// teardown and a closed channel would turn them into panics.
	done     chan struct{}
	doneOnce sync.Once

	// connection lifetime; cancelled on disconnect
	ctx    context.Context
	cancel context.CancelFunc

	// in-flight generation cancel, nil while idle
	genMu     sync.Mutex
	genCancel context.CancelFunc
}

// NewClient binds a connection to its session
func NewClient(hub *Hub, conn *websocket.Conn, prx *proxy.Proxy, sess *session.Session, maxMessageBytes int) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		hub:             hub,
		conn:            conn,
		send:            make(chan *ServerFrame, 256),
		proxy:           prx,
		sess:            sess,
		sessionID:       sess.ID,
		maxMessageBytes: maxMessageBytes,
		done:            make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// shutdown marks the connection as torn down. Safe to call from any
// goroutine, any number of times.
func (c *Client) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

// ReadPump pumps frames from the WebSocket connection to the dispatcher
func (c *Client) ReadPump() {
	defer func() {
		// Disconnect cancels the in-flight generation but never
		// evicts the session; a reconnect may resume it before TTL.
		c.cancel()
		c.shutdown()
		c.hub.Unregister(c)
		c.conn.Close()
		logger.Session(c.sessionID).Info("Connection closed")
	}()

	c.conn.SetReadLimit(int64(c.maxMessageBytes * readLimitFactor))
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Session(c.sessionID).Error("WebSocket read error: %v", err)
			}
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		c.handleFrame(raw)
	}
}

// WritePump pumps frames from the send channel to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			data, err := frame.Encode()
			if err != nil {
				logger.Session(c.sessionID).Error("Failed to marshal frame: %v", err)
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Session(c.sessionID).Error("Failed to write frame: %v", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame validates and dispatches one inbound frame. Every
// failure here is request-scoped: the reply is an error frame and the
// connection stays open.
func (c *Client) handleFrame(raw []byte) {
	log := logger.Session(c.sessionID)
	c.sess.Touch()

	if len(raw) > c.maxMessageBytes {
		log.Warn("Frame too large: %d bytes (max %d)", len(raw), c.maxMessageBytes)
		c.sendFrame(errorFrame(fmt.Sprintf("message too large (max %d bytes)", c.maxMessageBytes)))
		return
	}

	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.Warn("Invalid JSON frame: %v", err)
		c.sendFrame(errorFrame("invalid JSON"))
		return
	}

	switch {
	case frame.Type == FrameTypePing:
		c.sendFrame(&ServerFrame{Type: FrameTypePong})

	case frame.Type == FrameTypeClearHistory:
		c.sess.Clear()
		log.Info("History cleared")
		c.sendFrame(&ServerFrame{Type: FrameTypeHistoryCleared})

	case frame.IsChat():
		c.handleChat(&frame)

	default:
		log.Warn("Unrecognized frame type %q, ignoring", frame.Type)
	}
}

// handleChat admits one generation request for the bound session
func (c *Client) handleChat(frame *ClientFrame) {
	log := logger.Session(c.sessionID)

	userMsg, ok := frame.UserContent()
	if !ok {
		c.sendFrame(errorFrame("missing user message"))
		return
	}

	if !c.sess.TryBegin() {
		log.Warn("Chat rejected: generation already in flight")
		c.sendFrame(errorFrame("a response is already being generated for this session"))
		return
	}

	c.sess.AddMessage(session.Message{Role: session.RoleUser, Content: userMsg})

	genCtx, genCancel := context.WithCancel(c.ctx)
	c.genMu.Lock()
	c.genCancel = genCancel
	c.genMu.Unlock()

	if err := c.proxy.Submit(genCtx, c.sess, frame.Model, c.onGenerationEvent); err != nil {
		// Submit already cleared the busy flag; no slot was consumed.
		c.clearGenCancel()
		log.Warn("Chat rejected: %v", err)
		c.sendFrame(errorFrame("server is at capacity, please retry"))
	}
}

// onGenerationEvent forwards proxy events to the peer as frames
func (c *Client) onGenerationEvent(e proxy.Event) {
	switch e.Type {
	case proxy.EventDelta:
		c.sendFrame(deltaFrame(e.Text))
	case proxy.EventDone:
		c.clearGenCancel()
		c.sendFrame(doneFrame())
	case proxy.EventError:
		c.clearGenCancel()
		c.sendFrame(errorFrame(e.Reason))
	}
}

func (c *Client) clearGenCancel() {
	c.genMu.Lock()
	if c.genCancel != nil {
		c.genCancel()
		c.genCancel = nil
	}
	c.genMu.Unlock()
}

// sendFrame queues a frame without blocking the caller. Frames for a
// torn-down connection are dropped silently; proxy events may arrive
// after the disconnect.
func (c *Client) sendFrame(frame *ServerFrame) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		logger.Session(c.sessionID).Warn("Send channel full, dropping %s frame", frame.Type)
	}
}
