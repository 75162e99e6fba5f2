// Package handlers implements the gateway's HTTP surface: model listings,
// OpenAI-compatible chat completions (text-only and interleaved text+audio),
// one-shot and streaming speech synthesis, and streaming transcriptions.
package handlers

import (
	"context"
	"encoding/hex"
	"net/http"

	"github.com/google/uuid"

	"github.com/v4ler11/gateway/internal/chatsynth"
	"github.com/v4ler11/gateway/internal/registry"
	"github.com/v4ler11/gateway/internal/upstream/llmhttp"
	"github.com/v4ler11/gateway/internal/upstream/sttgrpc"
	"github.com/v4ler11/gateway/internal/upstream/ttsgrpc"
)

// Transcriber is the client half of one STT bidi stream (mirrors
// realtime.Transcriber; redeclared here so the handler layer stays
// independently testable).
type Transcriber interface {
	SendAudio(pcm []byte) error
	CloseSend() error
	Recv(ctx context.Context) (sttgrpc.Event, error)
}

// Deps bundles the shared upstream clients. Nil open functions fall back to
// the gRPC implementations; tests override them with fakes.
type Deps struct {
	Registry *registry.Registry
	LLM      *llmhttp.Client

	// OpenTTS opens a synthesizer bound to rec with an optional voice
	// override. The returned func releases the upstream channel.
	OpenTTS func(ctx context.Context, rec registry.Record, voice string) (chatsynth.Synthesizer, func(), error)

	// OpenSTT opens a configured transcription stream for rec.
	OpenSTT func(ctx context.Context, rec registry.Record) (Transcriber, func(), error)

	FFmpegPath string
}

// Handlers serves the HTTP endpoints.
type Handlers struct {
	deps Deps
}

// New creates the handler set, filling in gRPC defaults for any open
// function left nil.
func New(deps Deps) *Handlers {
	if deps.OpenTTS == nil {
		deps.OpenTTS = openGRPCTTS
	}
	if deps.OpenSTT == nil {
		deps.OpenSTT = openGRPCSTT
	}
	return &Handlers{deps: deps}
}

func openGRPCTTS(ctx context.Context, rec registry.Record, voice string) (chatsynth.Synthesizer, func(), error) {
	client, err := ttsgrpc.Dial(ctx, rec.URL)
	if err != nil {
		return nil, nil, err
	}
	if voice == "" {
		voice = rec.Voice
	}
	synth := &ttsgrpc.Synthesizer{Client: client, Model: rec.Model, Voice: voice, Speed: float32(rec.Speed)}
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

// newID builds a prefixed identifier with 24 hex characters of entropy,
// e.g. "msg_1f0a…" or "audio_93bc…".
func newID(prefix string) string {
	u := uuid.New()
	return prefix + "_" + hex.EncodeToString(u[:12])
}

// flusher unwraps the response writer's flusher, if any.
func flusher(w http.ResponseWriter) http.Flusher {
	f, _ := w.(http.Flusher)
	return f
}
