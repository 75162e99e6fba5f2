package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/v4ler11/gateway/internal/apierr"
	"github.com/v4ler11/gateway/internal/chatsynth"
	"github.com/v4ler11/gateway/internal/encode"
	"github.com/v4ler11/gateway/internal/metrics"
	"github.com/v4ler11/gateway/internal/registry"
)

// ttsChunkTimeout bounds the wait for each upstream PCM chunk.
const ttsChunkTimeout = 10 * time.Second

type speechRequest struct {
	Model          string  `json:"model"`
	Text           string  `json:"text"`
	Input          string  `json:"input"` // OpenAI-style alias for text
	Voice          string  `json:"voice"`
	Speed          float64 `json:"speed"`
	ResponseFormat string  `json:"response_format"`
	Stream         *bool   `json:"stream"`
}

func (r speechRequest) text() string {
	if r.Text != "" {
		return r.Text
	}
	return r.Input
}

func (r speechRequest) stream() bool {
	return r.Stream == nil || *r.Stream
}

// Speech serves POST /oai/v1/audio/speech: synthesize one text through the
// resolved TTS model and return the encoded audio, streamed or buffered.
func (h *Handlers) Speech(w http.ResponseWriter, r *http.Request) {
	var req speechRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.ValidationError, "invalid request body", err))
		return
	}
	if strings.TrimSpace(req.text()) == "" {
		apierr.WriteJSON(w, apierr.New(apierr.ValidationError, "text cannot be empty"))
		return
	}
	format := encode.Format(req.ResponseFormat)
	if !encode.ValidFormat(format) {
		apierr.WriteJSON(w, apierr.New(apierr.ValidationError, fmt.Sprintf("unsupported response_format %q", req.ResponseFormat)))
		return
	}

	model, ok := h.deps.Registry.Get(req.Model)
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.ModelNotFound, fmt.Sprintf("model %q not found", req.Model)))
		return
	}
	if model.Record.Kind != registry.KindTTS {
		apierr.WriteJSON(w, apierr.New(apierr.ValidationError, fmt.Sprintf("model %q is not a TTS model", req.Model)))
		return
	}
	if !model.Status.Get().Running {
		apierr.WriteJSON(w, apierr.New(apierr.ModelNotRunning, fmt.Sprintf("model %q is not running", req.Model)))
		return
	}

	ctx := r.Context()
	start := time.Now()

	synth, release, err := h.deps.OpenTTS(ctx, model.Record, req.Voice)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.ConnectionError, "failed to reach TTS upstream", err))
		return
	}
	defer release()

	stream, err := synth.Synthesize(ctx, req.text())
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.InferenceError, "TTS synthesis failed", err))
		return
	}

	// The upstream PCM feeds the encode pipeline like any chat-synth
	// output, just with no text markers.
	pcmItems := make(chan chatsynth.Item)
	recvErr := make(chan error, 1)
	go func() {
		defer close(pcmItems)
		defer close(recvErr)
		for {
			chunkCtx, cancel := context.WithTimeout(ctx, ttsChunkTimeout)
			chunk, err := stream.Recv(chunkCtx)
			cancel()
			if err != nil {
				if err != io.EOF {
					recvErr <- err
				}
				return
			}
			if len(chunk) == 0 {
				continue
			}
			select {
			case pcmItems <- chatsynth.AudioItem(chunk):
			case <-ctx.Done():
				return
			}
		}
	}()

	encoded := encode.Run(ctx, pcmItems, encode.Config{
		Format:     format,
		SampleRate: model.Record.SampleRate,
		Channels:   model.Record.Channels,
		FFmpegPath: h.deps.FFmpegPath,
	})

	if req.stream() {
		h.streamSpeech(w, format, encoded)
	} else {
		h.bufferSpeech(w, format, encoded, recvErr)
	}
	metrics.StageDuration.WithLabelValues("speech").Observe(time.Since(start).Seconds())
}

func (h *Handlers) streamSpeech(w http.ResponseWriter, format encode.Format, encoded <-chan chatsynth.Item) {
	w.Header().Set("Content-Type", encode.MediaType(format))
	f := flusher(w)
	for item := range encoded {
		if !item.IsAudio() {
			continue
		}
		if _, err := w.Write(item.Audio); err != nil {
			slog.Info("speech client went away", "error", err)
			return
		}
		if f != nil {
			f.Flush()
		}
	}
}

// bufferSpeech collects the full encoded output before writing, so a
// truncated upstream stream becomes an error response instead of a short
// body.
func (h *Handlers) bufferSpeech(w http.ResponseWriter, format encode.Format, encoded <-chan chatsynth.Item, recvErr <-chan error) {
	var body []byte
	for item := range encoded {
		if item.IsAudio() {
			body = append(body, item.Audio...)
		}
	}
	if err := <-recvErr; err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.InferenceError, "TTS stream failed", err))
		return
	}

	w.Header().Set("Content-Type", encode.MediaType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=speech.%s", format))
	w.Header().Set("Content-Length", fmt.Sprint(len(body)))
	_, _ = w.Write(body)
}
