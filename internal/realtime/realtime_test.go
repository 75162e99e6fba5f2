package realtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/v4ler11/gateway/internal/chatsynth"
	"github.com/v4ler11/gateway/internal/history"
	"github.com/v4ler11/gateway/internal/registry"
	"github.com/v4ler11/gateway/internal/trace"
)

func TestChunkBytes(t *testing.T) {
	data := make([]byte, AudioChunkSize*2+10)
	chunks := chunkBytes(data, AudioChunkSize)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != AudioChunkSize || len(chunks[2]) != 10 {
		t.Fatalf("bad chunk sizes: %d, %d, %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
	if got := chunkBytes(nil, AudioChunkSize); got != nil {
		t.Fatalf("expected no chunks for empty input, got %d", len(got))
	}
}

// slowTokens yields scripted tokens with a delay between them so a test can
// interrupt mid-stream.
type slowTokens struct {
	tokens []string
	delay  time.Duration
	i      int
}

func (s *slowTokens) Next(ctx context.Context) (string, error) {
	if s.i >= len(s.tokens) {
		return "", io.EOF
	}
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	tok := s.tokens[s.i]
	s.i++
	return tok, nil
}

func (s *slowTokens) Close() error { return nil }

// scriptedLLM builds a token stream out of the newest user message so the
// synthesized audio is attributable to its turn.
type scriptedLLM struct {
	delay time.Duration
	parts int
}

func (l *scriptedLLM) StreamChat(ctx context.Context, rec registry.Record, messages []history.Message) (chatsynth.TokenStream, error) {
	user := messages[len(messages)-1].Content
	var tokens []string
	for i := 0; i < l.parts; i++ {
		tokens = append(tokens, fmt.Sprintf("%s part %d. ", user, i))
	}
	return &slowTokens{tokens: tokens, delay: l.delay}, nil
}

// echoSynth emits one audio chunk whose payload is the batch text.
type echoSynth struct{}

type echoAudio struct {
	payload []byte
	sent    bool
}

func (echoSynth) Synthesize(ctx context.Context, text string) (chatsynth.AudioStream, error) {
	return &echoAudio{payload: []byte("AUDIO:" + text)}, nil
}

func (a *echoAudio) Recv(ctx context.Context) ([]byte, error) {
	if a.sent {
		return nil, io.EOF
	}
	a.sent = true
	return a.payload, nil
}

func newTestSession(llm LLMStreamer, store *trace.Store) (*session, *[]string, *sync.Mutex) {
	var mu sync.Mutex
	var writes []string
	s := &session{
		cfg: Config{
			LLM: llm,
			OpenTTS: func(ctx context.Context, rec registry.Record) (chatsynth.Synthesizer, func(), error) {
				return echoSynth{}, func() {}, nil
			},
		},
		set: &registry.ResolvedSet{
			LLM: &registry.Model{Record: registry.Record{ResolveName: "llm", ContextSize: 8192}},
			TTS: &registry.Model{Record: registry.Record{ResolveName: "tts", ContextSize: 2000}},
		},
		id:        "test-session",
		userInput: make(chan string),
		audioOut:  make(chan turnChunk, audioQueueBuffer),
	}
	s.writeBinary = func(b []byte) error {
		mu.Lock()
		writes = append(writes, string(b))
		mu.Unlock()
		return nil
	}
	if store != nil {
		_ = store.CreateSession(s.id, "test")
		s.tracer = trace.NewTracer(store, s.id)
	}
	return s, &writes, &mu
}

func TestBargeInDropsStaleTurnAudio(t *testing.T) {
	store := trace.NewStore(8)
	llm := &scriptedLLM{delay: 30 * time.Millisecond, parts: 10}
	s, writes, mu := newTestSession(llm, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.runLLMTTSProducer(ctx) }()
	go func() { defer wg.Done(); s.runSender(ctx) }()

	// Turn 1 starts.
	s.currentTurn.Add(1)
	s.interrupt.Store(true)
	s.userInput <- "alpha"

	// Let a little of turn 1's audio flow, then barge in with turn 2.
	time.Sleep(120 * time.Millisecond)
	s.currentTurn.Add(1)
	s.interrupt.Store(true)
	s.userInput <- "beta"

	time.Sleep(600 * time.Millisecond)
	close(s.userInput)
	wg.Wait()
	s.tracer.Close()

	// From the moment turn 2 exists, no turn-1 audio may be sent: once a
	// "beta" chunk appears, every later chunk must also be "beta".
	mu.Lock()
	defer mu.Unlock()
	sawBeta := false
	for i, w := range *writes {
		if strings.Contains(w, "beta") {
			sawBeta = true
		}
		if sawBeta && strings.Contains(w, "alpha") {
			t.Fatalf("stale turn-1 audio sent after barge-in at write %d: %v", i, *writes)
		}
	}
	if !sawBeta {
		t.Fatalf("turn 2 produced no audio; writes: %v", *writes)
	}

	// The stored assistant message for the interrupted turn records the
	// truncation.
	_, turns, err := store.GetSession("test-session")
	if err != nil {
		t.Fatalf("trace session missing: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if !turns[0].Interrupted || !strings.HasSuffix(turns[0].AssistantText, interruptedSuffix) {
		t.Fatalf("turn 1 not recorded as interrupted: %+v", turns[0])
	}
	if turns[0].TurnID != 1 || turns[0].UserText != "alpha" {
		t.Fatalf("turn 1 bookkeeping wrong: %+v", turns[0])
	}
}

func TestSenderPacesByChunkDuration(t *testing.T) {
	s, writes, mu := newTestSession(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stamps []time.Time
	base := s.writeBinary
	s.writeBinary = func(b []byte) error {
		stamps = append(stamps, time.Now())
		return base(b)
	}

	s.currentTurn.Store(1)
	chunk := make([]byte, bytesPerSecond/10) // 100ms of audio
	s.audioOut <- turnChunk{data: chunk, turn: 1}
	s.audioOut <- turnChunk{data: chunk, turn: 1}
	close(s.audioOut)

	done := make(chan struct{})
	go func() { defer close(done); s.runSender(ctx) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sender did not drain")
	}

	mu.Lock()
	n := len(*writes)
	mu.Unlock()
	if n != 2 {
		t.Fatalf("expected 2 sends, got %d", n)
	}
	gap := stamps[1].Sub(stamps[0])
	want := time.Duration(float64(len(chunk)) / float64(bytesPerSecond) * float64(time.Second))
	if gap < want {
		t.Fatalf("sends not paced: gap %v < chunk duration %v", gap, want)
	}
}

func TestSenderDropsStaleChunks(t *testing.T) {
	s, writes, mu := newTestSession(nil, nil)

	ctx := context.Background()
	s.currentTurn.Store(2)
	s.audioOut <- turnChunk{data: []byte("stale"), turn: 1}
	s.audioOut <- turnChunk{data: []byte("fresh"), turn: 2}
	close(s.audioOut)

	s.runSender(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(*writes) != 1 || (*writes)[0] != "fresh" {
		t.Fatalf("expected only the current turn's chunk, got %v", *writes)
	}
}
