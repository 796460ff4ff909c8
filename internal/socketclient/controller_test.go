package socketclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	base := 500 * time.Millisecond
	max := 30 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // 32s capped
		{10, 30 * time.Second},
		{63, 30 * time.Second}, // shift would overflow
		{1000, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := backoffDelay(base, max, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// testController returns a controller wired as if connected, without a
// network behind it.
func testController(t *testing.T, mutate func(*Config)) *Controller {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ReconnectEnabled = false
	if mutate != nil {
		mutate(cfg)
	}
	c, err := NewController(cfg)
	require.NoError(t, err)
	c.state.Store(int32(StateOpen))
	return c
}

func TestFlushPreservesFragmentOrder(t *testing.T) {
	c := testController(t, func(cfg *Config) {
		// Flushing only happens on exchange end here.
		cfg.FlushInterval = time.Hour
	})

	var updates []string
	var full string
	done := make(chan struct{})
	c.SetUpdateCallback(func(chunk string) { updates = append(updates, chunk) })
	c.SetDoneCallback(func(text string) {
		full = text
		close(done)
	})

	require.NoError(t, c.Send("hi"))

	c.handleFrame([]byte(`{"type":"delta","text":"He"}`))
	c.handleFrame([]byte(`{"type":"delta","text":"llo"}`))
	c.handleFrame([]byte(`{"type":"done"}`))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done callback never fired")
	}

	assert.Equal(t, "Hello", strings.Join(updates, ""))
	assert.Equal(t, "Hello", full)
}

func TestPeriodicFlushBatchesDeltas(t *testing.T) {
	c := testController(t, func(cfg *Config) {
		cfg.FlushInterval = 10 * time.Millisecond
	})

	updates := make(chan string, 16)
	done := make(chan string, 1)
	c.SetUpdateCallback(func(chunk string) { updates <- chunk })
	c.SetDoneCallback(func(text string) { done <- text })

	require.NoError(t, c.Send("hi"))

	c.handleFrame([]byte(`{"type":"delta","text":"He"}`))

	select {
	case chunk := <-updates:
		assert.Equal(t, "He", chunk)
	case <-time.After(time.Second):
		t.Fatal("no flush before exchange end")
	}

	c.handleFrame([]byte(`{"type":"delta","text":"llo"}`))
	c.handleFrame([]byte(`{"type":"done"}`))

	select {
	case text := <-done:
		assert.Equal(t, "Hello", text)
	case <-time.After(time.Second):
		t.Fatal("done callback never fired")
	}
}

func TestSendWhileExchangeInFlight(t *testing.T) {
	c := testController(t, nil)

	require.NoError(t, c.Send("first"))
	assert.ErrorIs(t, c.Send("second"), ErrExchangeInFlight)

	// The terminal frame frees the slot again.
	c.handleFrame([]byte(`{"type":"done"}`))
	assert.NoError(t, c.Send("third"))
}

func TestSendWhileDisconnected(t *testing.T) {
	c, err := NewController(DefaultConfig())
	require.NoError(t, err)
	assert.ErrorIs(t, c.Send("hi"), ErrNotConnected)
}

func TestErrorFrameEndsExchange(t *testing.T) {
	c := testController(t, nil)

	var reason string
	fired := make(chan struct{})
	c.SetErrorCallback(func(r string) {
		reason = r
		close(fired)
	})

	require.NoError(t, c.Send("hi"))
	c.handleFrame([]byte(`{"type":"delta","text":"par"}`))
	c.handleFrame([]byte(`{"type":"error","error":"upstream timed out"}`))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("error callback never fired")
	}
	assert.Equal(t, "upstream timed out", reason)
	assert.NoError(t, c.Send("retry"), "a failed exchange must free the slot")
}

func TestPongResetsMissedCounter(t *testing.T) {
	c := testController(t, nil)
	c.missedPongs.Store(2)
	c.handleFrame([]byte(`{"type":"pong"}`))
	assert.Equal(t, int32(0), c.missedPongs.Load())
}

// silentRelay upgrades connections, announces a session id and then
// ignores everything, so heartbeats go unanswered.
type silentRelay struct {
	upgrader    websocket.Upgrader
	connections atomic.Int32
	sessionIDs  chan string
}

func newSilentRelay() *silentRelay {
	return &silentRelay{sessionIDs: make(chan string, 8)}
}

func (r *silentRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.connections.Add(1)
	select {
	case r.sessionIDs <- req.URL.Query().Get("session"):
	default:
	}

	frame, _ := json.Marshal(serverFrame{Type: "session", SessionID: "sess-fixed"})
	_ = conn.WriteMessage(websocket.TextMessage, frame)

	// Swallow frames without ever answering a ping.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestMissedPongsForceReconnectWithSameSession(t *testing.T) {
	relay := newSilentRelay()
	ts := httptest.NewServer(relay)
	defer ts.Close()

	cfg := DefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(ts.URL, "http")
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.MaxMissedPongs = 1
	cfg.ReconnectDelay = time.Millisecond
	cfg.ReconnectMaxDelay = 10 * time.Millisecond

	c, err := NewController(cfg)
	require.NoError(t, err)
	defer c.Close()

	states := make(chan ConnectionState, 32)
	c.SetStateChangedCallback(func(s ConnectionState) { states <- s })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	// First connection carries no session id yet.
	select {
	case id := <-relay.sessionIDs:
		assert.Empty(t, id)
	case <-time.After(2 * time.Second):
		t.Fatal("relay never saw the first connection")
	}

	// The silent relay answers no pings, so the controller must drop
	// the connection and dial again with the announced session id.
	select {
	case id := <-relay.sessionIDs:
		assert.Equal(t, "sess-fixed", id)
	case <-time.After(5 * time.Second):
		t.Fatal("controller never reconnected")
	}

	require.GreaterOrEqual(t, relay.connections.Load(), int32(2))

	sawDisconnect := false
	sawReconnect := false
	deadline := time.After(2 * time.Second)
	for !(sawDisconnect && sawReconnect) {
		select {
		case s := <-states:
			switch s {
			case StateDisconnected:
				sawDisconnect = true
			case StateOpen:
				if sawDisconnect {
					sawReconnect = true
				}
			}
		case <-deadline:
			t.Fatalf("state machine never cycled: disconnect=%v reconnect=%v", sawDisconnect, sawReconnect)
		}
	}
}

// Reconnection never gives up while the controller is open: once the
// backoff hits its cap it keeps retrying at that delay.
func TestReconnectionPersistsPastRepeatedFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "ws://127.0.0.1:1" // nothing listens here
	cfg.ConnectTimeout = 100 * time.Millisecond
	cfg.ReconnectDelay = time.Millisecond
	cfg.ReconnectMaxDelay = 2 * time.Millisecond

	c, err := NewController(cfg)
	require.NoError(t, err)
	defer c.Close()

	attempts := make(chan int, 64)
	c.SetReconnectingCallback(func(attempt int) {
		select {
		case attempts <- attempt:
		default:
		}
	})

	c.handleConnectionError(errors.New("connection dropped"))

	deadline := time.After(10 * time.Second)
	for {
		select {
		case attempt := <-attempts:
			if attempt >= 15 {
				return
			}
		case <-deadline:
			t.Fatal("reconnection stopped before reaching attempt 15")
		}
	}
}

func TestCloseStopsReconnection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "ws://127.0.0.1:1" // nothing listens here
	cfg.ConnectTimeout = 50 * time.Millisecond

	c, err := NewController(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
	assert.ErrorIs(t, c.Send("hi"), ErrClosed)
	assert.Equal(t, StateClosed, c.GetState())
}
