// Package trace records recent realtime voice sessions for debugging: each
// session's turns (user utterance, assistant response, barge-in outcome) and
// per-stage timing spans, served from the /v0/traces endpoints. The gateway
// carries no persistence layer, so everything lives in a bounded in-memory
// store for the process lifetime only.
package trace

import (
	"fmt"
	"sync"
	"time"
)

// defaultMaxSessions bounds the in-memory session ring; the oldest session
// is evicted (with its turns and spans) when the cap is exceeded.
const defaultMaxSessions = 256

// Session is one realtime voice session.
type Session struct {
	ID        string     `json:"id"`
	Model     string     `json:"model"` // the "+"-joined model parameter
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	TurnCount int        `json:"turn_count,omitempty"`
}

// Turn is one user utterance and the assistant response it produced. TurnID
// is the session's barge-in counter value; Interrupted marks a response cut
// short by newer user speech.
type Turn struct {
	Ref           string    `json:"ref"`
	SessionID     string    `json:"session_id"`
	TurnID        int64     `json:"turn_id"`
	StartedAt     time.Time `json:"started_at"`
	DurationMs    float64   `json:"duration_ms,omitempty"`
	UserText      string    `json:"user_text,omitempty"`
	AssistantText string    `json:"assistant_text,omitempty"`
	Interrupted   bool      `json:"interrupted"`
	SpanCount     int       `json:"span_count,omitempty"`
}

// Span times one pipeline stage within a turn (llm, tts, chat_synth).
type Span struct {
	TurnRef    string    `json:"turn_ref"`
	Stage      string    `json:"stage"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms"`
	Detail     string    `json:"detail,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Store keeps trace data for recent sessions in memory.
type Store struct {
	mu        sync.Mutex
	max       int
	order     []string // session IDs, oldest first
	sessions  map[string]*Session
	turns     map[string]*Turn    // turn ref -> turn
	turnOrder map[string][]string // session ID -> turn refs in creation order
	spans     map[string][]Span   // turn ref -> spans in creation order
}

// NewStore creates an in-memory trace store. maxSessions <= 0 uses the
// default cap.
func NewStore(maxSessions int) *Store {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	return &Store{
		max:       maxSessions,
		sessions:  make(map[string]*Session),
		turns:     make(map[string]*Turn),
		turnOrder: make(map[string][]string),
		spans:     make(map[string][]Span),
	}
}

// CreateSession registers a new session, evicting the oldest one if the cap
// is reached.
func (s *Store) CreateSession(id, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; ok {
		return fmt.Errorf("trace session %s already exists", id)
	}
	if len(s.order) >= s.max {
		s.evictOldestLocked()
	}
	s.sessions[id] = &Session{ID: id, Model: model, StartedAt: time.Now()}
	s.order = append(s.order, id)
	return nil
}

func (s *Store) evictOldestLocked() {
	if len(s.order) == 0 {
		return
	}
	oldest := s.order[0]
	s.order = s.order[1:]
	for _, ref := range s.turnOrder[oldest] {
		delete(s.turns, ref)
		delete(s.spans, ref)
	}
	delete(s.turnOrder, oldest)
	delete(s.sessions, oldest)
}

// EndSession stamps the session's end time.
func (s *Store) EndSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("trace session %s not found", id)
	}
	now := time.Now()
	sess.EndedAt = &now
	return nil
}

// CreateTurn registers a new turn under a session.
func (s *Store) CreateTurn(ref, sessionID string, turnID int64, userText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return fmt.Errorf("trace session %s not found", sessionID)
	}
	s.turns[ref] = &Turn{
		Ref:       ref,
		SessionID: sessionID,
		TurnID:    turnID,
		StartedAt: time.Now(),
		UserText:  userText,
	}
	s.turnOrder[sessionID] = append(s.turnOrder[sessionID], ref)
	return nil
}

// FinishTurn records the turn's outcome.
func (s *Store) FinishTurn(ref string, durationMs float64, assistantText string, interrupted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[ref]
	if !ok {
		return fmt.Errorf("trace turn %s not found", ref)
	}
	turn.DurationMs = durationMs
	turn.AssistantText = assistantText
	turn.Interrupted = interrupted
	return nil
}

// AddSpan appends a stage span to its turn.
func (s *Store) AddSpan(sp Span) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.turns[sp.TurnRef]; !ok {
		return fmt.Errorf("trace turn %s not found", sp.TurnRef)
	}
	s.spans[sp.TurnRef] = append(s.spans[sp.TurnRef], sp)
	return nil
}

// ListSessions returns sessions newest-first with turn counts, plus the
// total number of stored sessions.
func (s *Store) ListSessions(limit, offset int) ([]Session, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.order)
	out := make([]Session, 0)
	skipped := 0
	for i := len(s.order) - 1; i >= 0; i-- {
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		id := s.order[i]
		sess := *s.sessions[id]
		sess.TurnCount = len(s.turnOrder[id])
		out = append(out, sess)
	}
	return out, total, nil
}

// GetSession returns one session and its turns in creation order.
func (s *Store) GetSession(id string) (*Session, []Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil, fmt.Errorf("trace session %s not found", id)
	}
	out := *sess
	turns := make([]Turn, 0, len(s.turnOrder[id]))
	for _, ref := range s.turnOrder[id] {
		turn := *s.turns[ref]
		turn.SpanCount = len(s.spans[ref])
		turns = append(turns, turn)
	}
	out.TurnCount = len(turns)
	return &out, turns, nil
}

// GetTurn returns one turn and its spans in creation order.
func (s *Store) GetTurn(sessionID, ref string) (*Turn, []Span, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[ref]
	if !ok || turn.SessionID != sessionID {
		return nil, nil, fmt.Errorf("trace turn %s not found in session %s", ref, sessionID)
	}
	out := *turn
	spans := make([]Span, len(s.spans[ref]))
	copy(spans, s.spans[ref])
	out.SpanCount = len(spans)
	return &out, spans, nil
}
