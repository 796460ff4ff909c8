package proxy

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/codefionn/chatrelay/internal/generator"
	"github.com/codefionn/chatrelay/internal/logger"
	"github.com/codefionn/chatrelay/internal/session"
)

// ErrCapacity is returned by Submit when every worker slot is taken.
// The request is rejected immediately; nothing is queued.
var ErrCapacity = errors.New("generation capacity exceeded")

// EventType classifies events emitted during a generation
type EventType int

const (
	// EventDelta carries one incremental text fragment
	EventDelta EventType = iota
	// EventDone marks successful completion
	EventDone
	// EventError marks a terminal failure for this request
	EventError
)

// Event is what the proxy emits towards the connection layer. Deltas
// are forwarded one fragment at a time; batching is a client concern.
type Event struct {
	Type   EventType
	Text   string // delta text
	Reason string // error reason
}

// generation request states
type requestState int

const (
	statePending requestState = iota
	stateStreaming
	stateDone
	stateFailed
	stateCancelled
)

func (s requestState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateStreaming:
		return "streaming"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	case stateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Proxy bridges chat requests to the upstream generator under bounded
// concurrency. Socket I/O stays unbounded and cheap; upstream calls
// go through a fixed pool of worker slots.
type Proxy struct {
	gen            generator.Client
	slots          chan struct{}
	requestTimeout time.Duration
	showReasoning  bool
}

// New creates a proxy with maxWorkers concurrent upstream calls
func New(gen generator.Client, maxWorkers int, requestTimeout time.Duration, showReasoning bool) *Proxy {
	return &Proxy{
		gen:            gen,
		slots:          make(chan struct{}, maxWorkers),
		requestTimeout: requestTimeout,
		showReasoning:  showReasoning,
	}
}

// Capacity returns the worker pool size
func (p *Proxy) Capacity() int {
	return cap(p.slots)
}

// InFlight returns the number of generations currently holding a slot
func (p *Proxy) InFlight() int {
	return len(p.slots)
}

// Submit starts a generation for a session that is already marked busy
// and already holds the user message in its history. Events are
// delivered on a worker goroutine, one at a time, in order. When the
// pool is full the request is rejected with ErrCapacity, the busy flag
// is cleared and no slot is consumed. ctx is the connection's context:
// cancelling it aborts the generation.
func (p *Proxy) Submit(ctx context.Context, sess *session.Session, model string, emit func(Event)) error {
	select {
	case p.slots <- struct{}{}:
	default:
		sess.End()
		logger.Session(sess.ID).Warn("Generation rejected: worker pool full (%d/%d)", len(p.slots), cap(p.slots))
		return ErrCapacity
	}

	go p.run(ctx, sess, model, emit)
	return nil
}

func (p *Proxy) run(connCtx context.Context, sess *session.Session, model string, emit func(Event)) {
	// The slot must be free before the request counts as finished,
	// cancellation included.
	defer func() { <-p.slots }()

	log := logger.Session(sess.ID)
	state := statePending

	ctx, cancel := context.WithTimeout(connCtx, p.requestTimeout)
	defer cancel()

	var assembled strings.Builder
	fragments := 0

	history := sess.Messages()
	err := p.gen.Stream(ctx, history, model, func(chunk generator.Chunk) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		text := chunk.Text
		if chunk.Thinking != "" {
			if !p.showReasoning {
				log.Debug("Dropping %d bytes of reasoning text", len(chunk.Thinking))
			} else if text == "" {
				// Reasoning is shown to the user but never persisted
				// into history, so it is not assembled below.
				emit(Event{Type: EventDelta, Text: chunk.Thinking})
			}
		}
		if text == "" {
			return nil
		}

		if state == statePending {
			state = stateStreaming
			log.Debug("Generation streaming (model=%s)", model)
		}
		fragments++
		assembled.WriteString(text)
		emit(Event{Type: EventDelta, Text: text})
		return nil
	})

	switch {
	case connCtx.Err() != nil:
		// Client disconnected mid-stream: the partial text is
		// discarded, the session stays consistent, nobody is
		// listening for events.
		state = stateCancelled
		sess.End()
		log.Info("Generation cancelled after %d fragment(s)", fragments)

	case err != nil:
		state = stateFailed
		if fragments > 0 {
			// Failure after partial output: surface what arrived.
			sess.AddMessage(session.Message{
				Role:    session.RoleAssistant,
				Content: assembled.String(),
			})
		}
		sess.End()
		log.Warn("Generation %s after %d fragment(s): %v", state, fragments, err)
		emit(Event{Type: EventError, Reason: reason(err)})

	default:
		state = stateDone
		if fragments > 0 {
			sess.AddMessage(session.Message{
				Role:    session.RoleAssistant,
				Content: assembled.String(),
			})
		}
		sess.End()
		log.Info("Generation %s, %d fragment(s), history=%d", state, fragments, sess.Len())
		emit(Event{Type: EventDone})
	}
}

// reason maps an upstream error to the user-facing error text
func reason(err error) string {
	var connErr *generator.ConnectError
	switch {
	case errors.As(err, &connErr):
		return "upstream unreachable: " + connErr.Err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "upstream timed out"
	default:
		return "upstream stream interrupted: " + err.Error()
	}
}
