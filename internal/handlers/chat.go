package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/v4ler11/gateway/internal/apierr"
	"github.com/v4ler11/gateway/internal/chatsynth"
	"github.com/v4ler11/gateway/internal/encode"
	"github.com/v4ler11/gateway/internal/history"
	"github.com/v4ler11/gateway/internal/metrics"
	"github.com/v4ler11/gateway/internal/prompts"
	"github.com/v4ler11/gateway/internal/registry"
	"github.com/v4ler11/gateway/internal/upstream/llmhttp"
)

// llmChunkTimeout bounds the wait for each upstream chunk on the text-only
// streaming path (the audio path applies its own inside chatsynth).
const llmChunkTimeout = 30 * time.Second

type chatAudioParams struct {
	Format string `json:"format"`
	Voice  string `json:"voice"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []chatMessage    `json:"messages"`
	Stream      bool             `json:"stream"`
	Modalities  []string         `json:"modalities"`
	Audio       *chatAudioParams `json:"audio"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
	TopP        float64          `json:"top_p"`
}

// chatChunk is the outgoing chat.completion.chunk wire shape.
type chatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Audio *audioDelta `json:"audio,omitempty"`
}

// audioDelta mirrors the OpenAI audio delta: id only on the first chunk of
// a message, data as base64 PCM/encoded bytes, transcript for text markers.
type audioDelta struct {
	ID         string `json:"id,omitempty"`
	Data       string `json:"data,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// ChatCompletions serves POST /oai/v1/chat/completions.
func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 10<<20))
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.ValidationError, "unreadable request body", err))
		return
	}
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.ValidationError, "invalid request body", err))
		return
	}

	set, err := registry.Resolve(req.Model, h.deps.Registry)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	if set.LLM == nil {
		apierr.WriteJSON(w, apierr.New(apierr.ValidationError, "an LLM model is required for chat/completions"))
		return
	}

	needsAudio := slices.Contains(req.Modalities, "audio")
	if needsAudio && set.TTS == nil {
		apierr.WriteJSON(w, apierr.New(apierr.ValidationError, "a TTS model is required when 'audio' is in modalities"))
		return
	}
	if needsAudio && !req.Stream {
		apierr.WriteJSON(w, apierr.New(apierr.ValidationError, "the audio modality is only supported with stream=true"))
		return
	}

	messages := make([]history.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = history.Message{Role: history.Role(m.Role), Content: m.Content}
	}
	messages = history.InjectSystemPrompt(messages, needsAudio, set.LLM.Record.Prompt, prompts.TTSGuidance)
	messages = history.LimitMessages(messages, set.LLM.Record.ContextSize)

	switch {
	case !req.Stream:
		h.proxyCompletion(w, r, set.LLM, req, messages)
	case needsAudio:
		h.streamWithAudio(w, r, set, req, messages)
	default:
		h.streamTextOnly(w, r, set.LLM, req, messages)
	}
}

func upstreamChatRequest(rec registry.Record, req chatRequest, messages []history.Message) llmhttp.ChatRequest {
	return llmhttp.ChatRequest{
		Model:       rec.Model,
		Messages:    llmhttp.ToWireMessages(messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
}

// proxyCompletion forwards a non-streaming request upstream (the record's
// model id, the limited message history, and the request's sampling fields)
// and relays the upstream's status and body verbatim, with the model field
// rewritten to the resolve name.
func (h *Handlers) proxyCompletion(w http.ResponseWriter, r *http.Request, llm *registry.Model, req chatRequest, messages []history.Message) {
	up := upstreamChatRequest(llm.Record, req, messages)
	upBody, err := json.Marshal(up)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.InternalError, "marshal upstream request", err))
		return
	}

	status, respBody, err := h.deps.LLM.Complete(r.Context(), llmhttp.ChatURL(llm.Record), upBody)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.ConnectionError, "failed to reach LLM upstream", err))
		return
	}

	var decoded map[string]any
	if json.Unmarshal(respBody, &decoded) == nil {
		decoded["model"] = llm.Record.ResolveName
		if rewritten, merr := json.Marshal(decoded); merr == nil {
			respBody = rewritten
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

// streamTextOnly relays the upstream SSE stream chunk for chunk, rewriting
// only the model field.
func (h *Handlers) streamTextOnly(w http.ResponseWriter, r *http.Request, llm *registry.Model, req chatRequest, messages []history.Message) {
	ctx := r.Context()
	start := time.Now()

	stream, err := h.deps.LLM.ChatCompletions(ctx, llmhttp.ChatURL(llm.Record), upstreamChatRequest(llm.Record, req, messages))
	if err != nil {
		apierr.WriteJSON(w, classifyUpstreamErr(err))
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	f := flusher(w)

	for {
		chunkCtx, cancel := context.WithTimeout(ctx, llmChunkTimeout)
		raw, err := stream.NextRaw(chunkCtx)
		cancel()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				slog.Error("chat stream ended early", "model", llm.Record.ResolveName, "error", err)
			}
			break
		}

		var decoded map[string]any
		if json.Unmarshal(raw, &decoded) == nil {
			decoded["model"] = llm.Record.ResolveName
			if rewritten, merr := json.Marshal(decoded); merr == nil {
				raw = rewritten
			}
		}
		if !writeSSERaw(w, f, raw) {
			return
		}
	}
	writeSSEDone(w, f)
	metrics.StageDuration.WithLabelValues("chat_stream").Observe(time.Since(start).Seconds())
}

// streamWithAudio runs the chat-synth and encode pipelines and emits the
// interleaved transcript/audio SSE chunks.
func (h *Handlers) streamWithAudio(w http.ResponseWriter, r *http.Request, set *registry.ResolvedSet, req chatRequest, messages []history.Message) {
	ctx := r.Context()
	start := time.Now()

	format := encode.Format(req.Audio.format())
	if !encode.ValidFormat(format) {
		apierr.WriteJSON(w, apierr.New(apierr.ValidationError, fmt.Sprintf("unsupported audio format %q", req.Audio.format())))
		return
	}

	stream, err := h.deps.LLM.ChatCompletions(ctx, llmhttp.ChatURL(set.LLM.Record), upstreamChatRequest(set.LLM.Record, req, messages))
	if err != nil {
		apierr.WriteJSON(w, classifyUpstreamErr(err))
		return
	}

	synth, release, err := h.deps.OpenTTS(ctx, set.TTS.Record, req.Audio.voice())
	if err != nil {
		stream.Close()
		apierr.WriteJSON(w, apierr.Wrap(apierr.ConnectionError, "failed to reach TTS upstream", err))
		return
	}
	defer release()

	items := chatsynth.Run(ctx, stream.Content(), synth, chatsynth.Options{
		TTSContextSize: set.TTS.Record.ContextSize,
	})
	encoded := encode.Run(ctx, items, encode.Config{
		Format:     format,
		SampleRate: set.TTS.Record.SampleRate,
		Channels:   set.TTS.Record.Channels,
		FFmpegPath: h.deps.FFmpegPath,
	})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	f := flusher(w)

	base := chatChunk{
		ID:      newID("msg"),
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   req.Model,
	}
	wantText := slices.Contains(req.Modalities, "text")

	first := true
	for item := range encoded {
		if !item.IsAudio() && !wantText {
			continue
		}

		delta := audioDelta{}
		if item.IsAudio() {
			delta.Data = base64.StdEncoding.EncodeToString(item.Audio)
		} else {
			delta.Transcript = item.Text
		}
		if first {
			delta.ID = newID("audio")
			first = false
		}

		chunk := base
		chunk.Choices = []chunkChoice{{Delta: chunkDelta{Audio: &delta}}}
		if !writeSSEJSON(w, f, chunk) {
			return
		}
	}

	stop := "stop"
	final := base
	final.Choices = []chunkChoice{{Delta: chunkDelta{}, FinishReason: &stop}}
	if !writeSSEJSON(w, f, final) {
		return
	}
	writeSSEDone(w, f)
	metrics.StageDuration.WithLabelValues("chat_audio_stream").Observe(time.Since(start).Seconds())
}

// format returns the requested audio format, defaulting to pcm.
func (p *chatAudioParams) format() string {
	if p == nil || p.Format == "" {
		return string(encode.FormatPCM)
	}
	return p.Format
}

func (p *chatAudioParams) voice() string {
	if p == nil {
		return ""
	}
	return p.Voice
}

func classifyUpstreamErr(err error) error {
	var statusErr *llmhttp.StatusError
	if errors.As(err, &statusErr) {
		return apierr.Wrap(apierr.InferenceError, "LLM upstream error", err).WithStatus(statusErr.Status)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(apierr.RequestTimeout, "request timeout", err)
	}
	return apierr.Wrap(apierr.ConnectionError, "failed to reach LLM upstream", err)
}

func writeSSERaw(w http.ResponseWriter, f http.Flusher, payload []byte) bool {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return false
	}
	if f != nil {
		f.Flush()
	}
	return true
}

func writeSSEJSON(w http.ResponseWriter, f http.Flusher, v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal sse chunk", "error", err)
		return false
	}
	return writeSSERaw(w, f, payload)
}

func writeSSEDone(w http.ResponseWriter, f http.Flusher) {
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	if f != nil {
		f.Flush()
	}
}
