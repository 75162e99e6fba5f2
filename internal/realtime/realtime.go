// Package realtime implements the full-duplex voice session: encoded
// microphone audio streams in over a WebSocket, paced synthesized speech
// streams back out, and a monotonically increasing turn counter implements
// barge-in: new user speech invalidates whatever the assistant was saying.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/v4ler11/gateway/internal/chatsynth"
	"github.com/v4ler11/gateway/internal/encode"
	"github.com/v4ler11/gateway/internal/history"
	"github.com/v4ler11/gateway/internal/metrics"
	"github.com/v4ler11/gateway/internal/prompts"
	"github.com/v4ler11/gateway/internal/registry"
	"github.com/v4ler11/gateway/internal/trace"
	"github.com/v4ler11/gateway/internal/upstream/llmagent"
	"github.com/v4ler11/gateway/internal/upstream/sttgrpc"
	"github.com/v4ler11/gateway/internal/upstream/ttsgrpc"
)

const (
	// AudioChunkSize is the largest single WebSocket payload: synthesized
	// audio is re-chunked to at most this many bytes before queueing.
	AudioChunkSize = 65_536 + 32_768

	// bytesPerSecond paces outgoing audio: sample rate x channels x bytes
	// per sample, with a 1.3 safety factor so playback never starves.
	bytesPerSecond = int(24000 * 1 * 4 * 1.3)

	// audioQueueBuffer bounds the audio output queue between the LLM/TTS
	// producer and the paced sender.
	audioQueueBuffer = 16

	// interruptedSuffix is appended to the stored assistant message when a
	// turn was cut short by user speech.
	interruptedSuffix = " ... [user interrupted assistant here]"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// LLMStreamer opens one streaming chat turn against an upstream LLM.
type LLMStreamer interface {
	StreamChat(ctx context.Context, rec registry.Record, messages []history.Message) (chatsynth.TokenStream, error)
}

// Transcriber is the client half of one STT bidi stream.
type Transcriber interface {
	SendAudio(pcm []byte) error
	CloseSend() error
	Recv(ctx context.Context) (sttgrpc.Event, error)
}

// Config holds the session dependencies. Nil open/decode functions fall
// back to the gRPC and FFmpeg implementations.
type Config struct {
	Registry *registry.Registry
	LLM      LLMStreamer

	// OpenTTS opens a per-session synthesizer for the resolved TTS model.
	// The returned func releases the upstream channel.
	OpenTTS func(ctx context.Context, rec registry.Record) (chatsynth.Synthesizer, func(), error)

	// OpenSTT opens a per-session transcription stream for the resolved STT
	// model. The returned func releases the upstream channel.
	OpenSTT func(ctx context.Context, rec registry.Record) (Transcriber, func(), error)

	// Decode converts the client's opaque encoded audio into 16 kHz mono
	// f32le PCM.
	Decode func(ctx context.Context, in <-chan []byte) <-chan []byte

	FFmpegPath string
	Store      *trace.Store
}

// Handler serves WS /oai/v1/realtime.
type Handler struct {
	cfg Config
}

// NewHandler creates a realtime handler, filling in gRPC/FFmpeg defaults
// for any dependency left nil.
func NewHandler(cfg Config) *Handler {
	if cfg.OpenTTS == nil {
		cfg.OpenTTS = openGRPCTTS
	}
	if cfg.OpenSTT == nil {
		cfg.OpenSTT = openGRPCSTT
	}
	if cfg.Decode == nil {
		path := cfg.FFmpegPath
		cfg.Decode = func(ctx context.Context, in <-chan []byte) <-chan []byte {
			return encode.Decode(ctx, in, path)
		}
	}
	return &Handler{cfg: cfg}
}

// NewAgentStreamer adapts the llmagent engine to the LLMStreamer interface.
func NewAgentStreamer(e *llmagent.Engine) LLMStreamer {
	return agentStreamer{e: e}
}

type agentStreamer struct{ e *llmagent.Engine }

func (a agentStreamer) StreamChat(ctx context.Context, rec registry.Record, messages []history.Message) (chatsynth.TokenStream, error) {
	return a.e.StreamChat(ctx, rec, messages)
}

func openGRPCTTS(ctx context.Context, rec registry.Record) (chatsynth.Synthesizer, func(), error) {
	client, err := ttsgrpc.Dial(ctx, rec.URL)
	if err != nil {
		return nil, nil, err
	}
	synth := &ttsgrpc.Synthesizer{Client: client, Model: rec.Model, Voice: rec.Voice, Speed: float32(rec.Speed)}
	return synth, func() { client.Close() }, nil
}

func openGRPCSTT(ctx context.Context, rec registry.Record) (Transcriber, func(), error) {
	client, err := sttgrpc.Dial(ctx, rec.URL)
	if err != nil {
		return nil, nil, err
	}
	stream, err := client.Transcribe(ctx)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	if err := stream.SendConfig(rec.Model, 16000); err != nil {
		client.Close()
		return nil, nil, err
	}
	return stream, func() { client.Close() }, nil
}

// ServeHTTP upgrades the connection, resolves the model triple from the
// query string, and runs the session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	modelParam := r.URL.Query().Get("model")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("realtime upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if modelParam == "" {
		closePolicyViolation(conn, "missing model parameter")
		return
	}
	set, err := registry.Resolve(modelParam, h.cfg.Registry)
	if err != nil {
		closePolicyViolation(conn, err.Error())
		return
	}
	if set.LLM == nil || set.TTS == nil || set.STT == nil {
		closePolicyViolation(conn, "realtime requires one LLM, one TTS, and one STT model")
		return
	}

	h.runSession(conn, set, modelParam)
}

func closePolicyViolation(conn *websocket.Conn, reason string) {
	payload, _ := json.Marshal(map[string]string{"error": reason})
	_ = conn.WriteMessage(websocket.TextMessage, payload)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

type turnChunk struct {
	data []byte
	turn int64
}

type session struct {
	cfg  Config
	set  *registry.ResolvedSet
	id   string
	conn *websocket.Conn

	userInput chan string
	audioOut  chan turnChunk

	currentTurn atomic.Int64
	interrupt   atomic.Bool

	tracer *trace.Tracer

	// writeBinary is the WS send, indirected for tests.
	writeBinary func([]byte) error
}

func (h *Handler) runSession(conn *websocket.Conn, set *registry.ResolvedSet, modelParam string) {
	metrics.RealtimeSessionsActive.Inc()
	metrics.RealtimeSessionsTotal.Inc()
	defer metrics.RealtimeSessionsActive.Dec()

	s := &session{
		cfg:       h.cfg,
		set:       set,
		id:        uuid.NewString(),
		conn:      conn,
		userInput: make(chan string),
		audioOut:  make(chan turnChunk, audioQueueBuffer),
		writeBinary: func(b []byte) error {
			return conn.WriteMessage(websocket.BinaryMessage, b)
		},
	}

	if h.cfg.Store != nil {
		_ = h.cfg.Store.CreateSession(s.id, modelParam)
		s.tracer = trace.NewTracer(h.cfg.Store, s.id)
		defer func() {
			s.tracer.Close()
			_ = h.cfg.Store.EndSession(s.id)
		}()
	}

	slog.Info("realtime session started", "session_id", s.id, "model", modelParam)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Three tasks, first-completed policy: whichever exits first cancels
	// the rest, then all are awaited.
	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			f(ctx)
		}()
	}
	run(s.runSTTProducer)
	run(s.runLLMTTSProducer)
	run(s.runSender)
	wg.Wait()

	slog.Info("realtime session ended", "session_id", s.id, "turns", s.currentTurn.Load())
}

// runSTTProducer feeds decoded microphone PCM into the STT stream and turns
// each transcription event into a new user turn: it bumps the turn counter,
// raises the interrupt flag, and enqueues the text. Closing userInput is the
// producer-side terminator.
func (s *session) runSTTProducer(ctx context.Context) {
	defer close(s.userInput)

	tr, release, err := s.cfg.OpenSTT(ctx, s.set.STT.Record)
	if err != nil {
		slog.Error("stt open failed", "session_id", s.id, "error", err)
		metrics.Errors.WithLabelValues("stt", "open").Inc()
		return
	}
	defer release()

	// WebSocket reader: binary frames carry the client's encoded audio.
	raw := make(chan []byte, 8)
	go func() {
		defer close(raw)
		for {
			msgType, data, err := s.conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			select {
			case raw <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Decoded PCM feeder into the STT bidi stream.
	go func() {
		for chunk := range s.cfg.Decode(ctx, raw) {
			if err := tr.SendAudio(chunk); err != nil {
				return
			}
		}
		_ = tr.CloseSend()
	}()

	for {
		ev, err := tr.Recv(ctx)
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				slog.Error("stt producer", "session_id", s.id, "error", err)
				metrics.Errors.WithLabelValues("stt", "stream").Inc()
			}
			return
		}
		t := ev.SpeechTranscription
		if t == nil || strings.TrimSpace(t.Text) == "" {
			continue
		}

		turn := s.currentTurn.Add(1)
		s.interrupt.Store(true)
		slog.Info("user utterance", "session_id", s.id, "turn", turn, "text", t.Text)

		select {
		case s.userInput <- t.Text:
		case <-ctx.Done():
			return
		}
	}
}

// runLLMTTSProducer consumes user turns: for each one it clears the
// interrupt flag, captures the turn id, runs the limited message history
// through the chat-synth pipeline, and enqueues re-chunked audio tagged with
// that turn. A raised interrupt flag or a newer turn id aborts the inner
// loop; the stored assistant message then records the truncation.
func (s *session) runLLMTTSProducer(ctx context.Context) {
	defer close(s.audioOut)

	messages := []history.Message{
		{Role: history.RoleSystem, Content: prompts.ForSession(s.set.LLM.Record.Prompt)},
	}

	for {
		var text string
		select {
		case <-ctx.Done():
			return
		case t, ok := <-s.userInput:
			if !ok {
				return
			}
			text = t
		}

		s.interrupt.Store(false)
		turn := s.currentTurn.Load()
		turnStart := time.Now()

		turnRef := s.tracer.StartTurn(turn, text)

		messages = append(messages, history.Message{Role: history.RoleUser, Content: text})
		messages = history.LimitMessages(messages, s.set.LLM.Record.ContextSize)

		response, interrupted := s.runTurn(ctx, turn, turnRef, messages)

		content := response
		if interrupted {
			content += interruptedSuffix
			metrics.BargeIns.Inc()
		}
		messages = append(messages, history.Message{Role: history.RoleAssistant, Content: content})

		metrics.RealtimeTurns.Inc()
		metrics.StageDuration.WithLabelValues("realtime_turn").Observe(time.Since(turnStart).Seconds())
		s.tracer.FinishTurn(turnRef, float64(time.Since(turnStart).Milliseconds()), content, interrupted)
	}
}

// runTurn drives one chat-synth invocation, enqueueing audio until the
// stream ends or the turn is invalidated.
func (s *session) runTurn(ctx context.Context, turn int64, turnRef string, messages []history.Message) (response string, interrupted bool) {
	tokens, err := s.cfg.LLM.StreamChat(ctx, s.set.LLM.Record, messages)
	if err != nil {
		slog.Error("llm turn open failed", "session_id", s.id, "error", err)
		metrics.Errors.WithLabelValues("llm", "open").Inc()
		s.tracer.RecordSpan(turnRef, "llm", time.Now(), 0, "", err.Error())
		return "", false
	}

	synth, release, err := s.cfg.OpenTTS(ctx, s.set.TTS.Record)
	if err != nil {
		tokens.Close()
		slog.Error("tts open failed", "session_id", s.id, "error", err)
		metrics.Errors.WithLabelValues("tts", "open").Inc()
		s.tracer.RecordSpan(turnRef, "tts", time.Now(), 0, "", err.Error())
		return "", false
	}
	defer release()

	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()

	items := chatsynth.Run(turnCtx, tokens, synth, chatsynth.Options{
		TTSContextSize: s.set.TTS.Record.ContextSize,
	})

	synthStart := time.Now()
	var firstAudio time.Duration
	audioChunks := 0

	var full strings.Builder
	for item := range items {
		if s.interrupt.Load() || turn != s.currentTurn.Load() {
			interrupted = true
			slog.Info("assistant interrupted", "session_id", s.id, "turn", turn)
			break
		}

		if !item.IsAudio() {
			full.WriteString(item.Text)
			continue
		}
		if audioChunks == 0 {
			firstAudio = time.Since(synthStart)
		}
		for _, piece := range chunkBytes(item.Audio, AudioChunkSize) {
			if s.interrupt.Load() {
				interrupted = true
				break
			}
			select {
			case s.audioOut <- turnChunk{data: piece, turn: turn}:
				audioChunks++
			case <-ctx.Done():
				return full.String(), interrupted
			}
		}
	}

	// Tear down the in-flight upstream streams, then drain until the
	// pipeline confirms shutdown.
	cancelTurn()
	for range items {
	}

	s.tracer.RecordSpan(turnRef, "chat_synth", synthStart,
		float64(time.Since(synthStart).Milliseconds()),
		fmt.Sprintf("audio_chunks=%d first_audio_ms=%d", audioChunks, firstAudio.Milliseconds()), "")
	return full.String(), interrupted
}

// runSender delivers queued audio to the client, dropping chunks from stale
// turns and pacing each send by the chunk's real-time duration.
func (s *session) runSender(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-s.audioOut:
			if !ok {
				return
			}
			if c.turn != s.currentTurn.Load() {
				continue
			}
			if err := s.writeBinary(c.data); err != nil {
				slog.Info("realtime send failed", "session_id", s.id, "error", err)
				return
			}
			metrics.AudioChunks.Inc()
			if !pace(ctx, len(c.data)) {
				return
			}
		}
	}
}

// pace sleeps for the chunk's playback duration so the client is never sent
// audio faster than it can play it.
func pace(ctx context.Context, chunkLen int) bool {
	if chunkLen <= 0 {
		return true
	}
	d := time.Duration(float64(chunkLen) / float64(bytesPerSecond) * float64(time.Second))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// chunkBytes splits data into pieces of at most chunkSize bytes.
func chunkBytes(data []byte, chunkSize int) [][]byte {
	var out [][]byte
	for len(data) > chunkSize {
		out = append(out, data[:chunkSize])
		data = data[chunkSize:]
	}
	if len(data) > 0 {
		out = append(out, data)
	}
	return out
}
