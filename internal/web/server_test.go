package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codefionn/chatrelay/internal/config"
	"github.com/codefionn/chatrelay/internal/generator"
	"github.com/codefionn/chatrelay/internal/proxy"
	"github.com/codefionn/chatrelay/internal/session"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedGenerator plays back fixed chunks for relay tests
type scriptedGenerator struct {
	chunks  []generator.Chunk
	block   chan struct{} // when set, wait here before finishing
	started chan struct{} // closed once Stream is entered, if set

	calls atomic.Int32
}

func (g *scriptedGenerator) ModelName() string { return "scripted" }

func (g *scriptedGenerator) Stream(ctx context.Context, history []session.Message, model string, fn func(generator.Chunk) error) error {
	g.calls.Add(1)
	if g.started != nil {
		close(g.started)
	}
	for _, c := range g.chunks {
		if err := fn(c); err != nil {
			return err
		}
	}
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type testRelay struct {
	server *Server
	http   *httptest.Server
	store  *session.Store
}

func newTestRelay(t *testing.T, gen generator.Client, mutate func(*config.Config)) *testRelay {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.MaxMessageBytes = 512
	if mutate != nil {
		mutate(cfg)
	}

	store := session.NewStore(cfg.SessionTTL(), cfg.MaxSessions, cfg.HistoryMaxLength)
	prx := proxy.New(gen, cfg.MaxWorkers, cfg.RequestTimeout(), cfg.ShowReasoning)

	srv := NewServer(cfg, store, prx)
	go srv.hub.Run()

	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(func() {
		ts.Close()
		srv.hub.Stop()
		store.Stop()
	})

	return &testRelay{server: srv, http: ts, store: store}
}

func (r *testRelay) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(r.http.URL, "http") + "/ws"
	if sessionID != "" {
		url += "?session=" + sessionID
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerFrame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame ServerFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func sendJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// awaitSession consumes the session announcement every connection
// starts with and returns the announced id.
func awaitSession(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	frame := readFrame(t, conn)
	require.Equal(t, FrameTypeSession, frame.Type)
	require.NotEmpty(t, frame.SessionID)
	return frame.SessionID
}

func TestChatStreamsDeltasAndPersistsHistory(t *testing.T) {
	gen := &scriptedGenerator{chunks: []generator.Chunk{{Text: "He"}, {Text: "llo"}}}
	relay := newTestRelay(t, gen, nil)
	conn := relay.dial(t, "")
	sessionID := awaitSession(t, conn)

	sendJSON(t, conn, ClientFrame{Messages: []ChatMessage{{Role: "user", Content: "hi"}}})

	assert.Equal(t, ServerFrame{Type: FrameTypeDelta, Text: "He"}, readFrame(t, conn))
	assert.Equal(t, ServerFrame{Type: FrameTypeDelta, Text: "llo"}, readFrame(t, conn))
	assert.Equal(t, FrameTypeDone, readFrame(t, conn).Type)

	sess, ok := relay.store.Get(sessionID)
	require.True(t, ok)
	msgs := sess.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, session.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, session.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.False(t, sess.Busy())
}

func TestOversizeFrameKeepsConnectionOpen(t *testing.T) {
	gen := &scriptedGenerator{}
	relay := newTestRelay(t, gen, nil)
	conn := relay.dial(t, "")
	awaitSession(t, conn)

	huge := `{"messages":[{"role":"user","content":"` + strings.Repeat("x", 600) + `"}]}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(huge)))

	frame := readFrame(t, conn)
	assert.Equal(t, FrameTypeError, frame.Type)
	assert.Contains(t, frame.Error, "too large")

	// The connection must survive the rejected frame.
	sendJSON(t, conn, ClientFrame{Type: FrameTypePing})
	assert.Equal(t, FrameTypePong, readFrame(t, conn).Type)

	// The rejected request must never reach the upstream client. The
	// pong round trip above orders this check after the dispatch.
	assert.Equal(t, int32(0), gen.calls.Load())
}

func TestInvalidJSONAnsweredWithErrorFrame(t *testing.T) {
	relay := newTestRelay(t, &scriptedGenerator{}, nil)
	conn := relay.dial(t, "")
	awaitSession(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	frame := readFrame(t, conn)
	assert.Equal(t, FrameTypeError, frame.Type)
	assert.Contains(t, frame.Error, "invalid JSON")

	sendJSON(t, conn, ClientFrame{Type: FrameTypePing})
	assert.Equal(t, FrameTypePong, readFrame(t, conn).Type)
}

func TestChatWithoutUserMessageRejected(t *testing.T) {
	relay := newTestRelay(t, &scriptedGenerator{}, nil)
	conn := relay.dial(t, "")
	awaitSession(t, conn)

	sendJSON(t, conn, ClientFrame{Messages: []ChatMessage{{Role: "assistant", Content: "echo"}}})

	frame := readFrame(t, conn)
	assert.Equal(t, FrameTypeError, frame.Type)
	assert.Contains(t, frame.Error, "missing user message")
}

func TestClearHistory(t *testing.T) {
	gen := &scriptedGenerator{chunks: []generator.Chunk{{Text: "ok"}}}
	relay := newTestRelay(t, gen, nil)
	conn := relay.dial(t, "")
	sessionID := awaitSession(t, conn)

	sendJSON(t, conn, ClientFrame{Messages: []ChatMessage{{Role: "user", Content: "hi"}}})
	for readFrame(t, conn).Type != FrameTypeDone {
	}

	sendJSON(t, conn, ClientFrame{Type: FrameTypeClearHistory})
	assert.Equal(t, FrameTypeHistoryCleared, readFrame(t, conn).Type)

	sess, ok := relay.store.Get(sessionID)
	require.True(t, ok, "clearing history must not evict the session")
	assert.Equal(t, 0, sess.Len())
}

func TestConcurrentChatOnSameSessionRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	gen := &scriptedGenerator{block: release, started: started}
	relay := newTestRelay(t, gen, nil)
	conn := relay.dial(t, "")
	awaitSession(t, conn)

	sendJSON(t, conn, ClientFrame{Messages: []ChatMessage{{Role: "user", Content: "first"}}})
	<-started

	sendJSON(t, conn, ClientFrame{Messages: []ChatMessage{{Role: "user", Content: "second"}}})

	frame := readFrame(t, conn)
	assert.Equal(t, FrameTypeError, frame.Type)
	assert.Contains(t, frame.Error, "already being generated")

	close(release)
	assert.Equal(t, FrameTypeDone, readFrame(t, conn).Type)
}

func TestSessionResumeAcrossConnections(t *testing.T) {
	gen := &scriptedGenerator{chunks: []generator.Chunk{{Text: "reply"}}}
	relay := newTestRelay(t, gen, nil)

	first := relay.dial(t, "")
	sessionID := awaitSession(t, first)
	sendJSON(t, first, ClientFrame{Messages: []ChatMessage{{Role: "user", Content: "hi"}}})
	for readFrame(t, first).Type != FrameTypeDone {
	}
	first.Close()

	second := relay.dial(t, sessionID)
	resumed := awaitSession(t, second)
	assert.Equal(t, sessionID, resumed)

	sess, ok := relay.store.Get(sessionID)
	require.True(t, ok)
	assert.Equal(t, 2, sess.Len(), "history must survive the reconnect")
}

func TestUnknownSessionIDMintsFreshSession(t *testing.T) {
	relay := newTestRelay(t, &scriptedGenerator{}, nil)

	conn := relay.dial(t, "no-such-session")
	got := awaitSession(t, conn)
	assert.Equal(t, "no-such-session", got, "unknown ids are adopted, not rejected")

	_, ok := relay.store.Get("no-such-session")
	assert.True(t, ok)
}

func TestSessionCapacityRejectsNewConnections(t *testing.T) {
	relay := newTestRelay(t, &scriptedGenerator{}, func(cfg *config.Config) {
		cfg.MaxSessions = 1
	})

	first := relay.dial(t, "")
	awaitSession(t, first)

	second := relay.dial(t, "")
	frame := readFrame(t, second)
	assert.Equal(t, FrameTypeError, frame.Type)
	assert.Contains(t, frame.Error, "capacity")
}

// Generation events can arrive after the hub has unregistered the
// connection. They must be dropped, never panic the process.
func TestGenerationEventAfterTeardownIsDropped(t *testing.T) {
	store := session.NewStore(time.Hour, 10, 20)
	defer store.Stop()
	sess, err := store.GetOrCreate("")
	require.NoError(t, err)

	client := NewClient(NewHub(), nil, nil, sess, 512)
	client.shutdown()

	client.onGenerationEvent(proxy.Event{Type: proxy.EventDelta, Text: "late"})
	client.onGenerationEvent(proxy.Event{Type: proxy.EventDone})
	client.onGenerationEvent(proxy.Event{Type: proxy.EventError, Reason: "late"})

	select {
	case frame := <-client.send:
		t.Fatalf("frame queued after teardown: %+v", frame)
	default:
	}
}

func TestDisconnectDuringGenerationLeavesRelayHealthy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	gen := &scriptedGenerator{
		chunks:  []generator.Chunk{{Text: "half"}},
		block:   release,
		started: started,
	}
	relay := newTestRelay(t, gen, nil)

	conn := relay.dial(t, "")
	sessionID := awaitSession(t, conn)
	sendJSON(t, conn, ClientFrame{Messages: []ChatMessage{{Role: "user", Content: "hi"}}})
	<-started

	conn.Close()
	close(release)

	sess, ok := relay.store.Get(sessionID)
	require.True(t, ok, "disconnect must not evict the session")
	deadline := time.After(2 * time.Second)
	for sess.Busy() {
		select {
		case <-deadline:
			t.Fatal("busy flag never cleared after disconnect")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Other connections keep working; the dropped one took nothing
	// down with it.
	second := relay.dial(t, "")
	awaitSession(t, second)
	sendJSON(t, second, ClientFrame{Type: FrameTypePing})
	assert.Equal(t, FrameTypePong, readFrame(t, second).Type)
}

func TestHealthEndpoint(t *testing.T) {
	relay := newTestRelay(t, &scriptedGenerator{}, nil)

	resp, err := relay.http.Client().Get(relay.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status healthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, config.DefaultConfig().MaxWorkers, status.Workers)
}
