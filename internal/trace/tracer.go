package trace

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	// maxTextLen caps stored user/assistant text and span detail so the
	// in-memory store stays bounded.
	maxTextLen = 500

	// opQueueBuffer is how many pending store writes can queue before the
	// tracer starts dropping them.
	opQueueBuffer = 64
)

// storeOp is one deferred store write.
type storeOp func(*Store) error

// Tracer records one realtime session's turns and spans asynchronously so
// the voice loop never blocks on trace bookkeeping: writes queue onto a
// buffered channel drained by a background goroutine, and are dropped (not
// awaited) if the queue is full. All methods are nil-safe.
type Tracer struct {
	store     *Store
	sessionID string
	ops       chan storeOp
	done      chan struct{}
}

// NewTracer creates a tracer bound to a session and starts its drain
// goroutine. Callers must Close() when the session ends, or pending writes
// are lost and the goroutine leaks.
func NewTracer(store *Store, sessionID string) *Tracer {
	t := &Tracer{
		store:     store,
		sessionID: sessionID,
		ops:       make(chan storeOp, opQueueBuffer),
		done:      make(chan struct{}),
	}
	go t.drain()
	return t
}

func (t *Tracer) drain() {
	defer close(t.done)
	for op := range t.ops {
		if err := op(t.store); err != nil {
			slog.Warn("trace write failed", "session_id", t.sessionID, "error", err)
		}
	}
}

// submit enqueues a write, dropping it if the queue is full. A dropped
// trace entry is preferable to a stalled audio turn.
func (t *Tracer) submit(op storeOp) {
	select {
	case t.ops <- op:
	default:
		slog.Warn("trace queue full, dropping entry", "session_id", t.sessionID)
	}
}

// StartTurn registers a new turn for the given barge-in counter value and
// returns its ref for FinishTurn/RecordSpan.
func (t *Tracer) StartTurn(turnID int64, userText string) string {
	if t == nil {
		return ""
	}
	ref := uuid.NewString()
	sessionID := t.sessionID
	text := clip(userText)
	t.submit(func(s *Store) error {
		return s.CreateTurn(ref, sessionID, turnID, text)
	})
	return ref
}

// FinishTurn records the turn's outcome: total duration, the assistant text
// actually accumulated, and whether the user barged in.
func (t *Tracer) FinishTurn(ref string, durationMs float64, assistantText string, interrupted bool) {
	if t == nil {
		return
	}
	text := clip(assistantText)
	t.submit(func(s *Store) error {
		return s.FinishTurn(ref, durationMs, text, interrupted)
	})
}

// RecordSpan records one completed stage within a turn.
func (t *Tracer) RecordSpan(turnRef, stage string, startedAt time.Time, durationMs float64, detail, errMsg string) {
	if t == nil {
		return
	}
	sp := Span{
		TurnRef:    turnRef,
		Stage:      stage,
		StartedAt:  startedAt,
		DurationMs: durationMs,
		Detail:     clip(detail),
		Error:      errMsg,
	}
	t.submit(func(s *Store) error {
		return s.AddSpan(sp)
	})
}

// Close drains pending writes and stops the background goroutine.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	close(t.ops)
	<-t.done
}

func clip(s string) string {
	if len(s) <= maxTextLen {
		return s
	}
	return s[:maxTextLen]
}
