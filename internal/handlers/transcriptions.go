package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/v4ler11/gateway/internal/apierr"
	"github.com/v4ler11/gateway/internal/encode"
	"github.com/v4ler11/gateway/internal/metrics"
	"github.com/v4ler11/gateway/internal/registry"
)

// supportedUploadExtensions are the audio containers accepted for
// transcription uploads.
var supportedUploadExtensions = map[string]bool{
	"wav": true, "mp3": true, "ogg": true, "flac": true, "opus": true,
}

const uploadChunkSize = 4096

// transcriptionEvent is one JSON line of the streaming response.
type transcriptionEvent struct {
	Type      string  `json:"type"`
	Text      string  `json:"text,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// Transcriptions serves POST /oai/v1/audio/transcriptions: a multipart
// upload (file, model) answered with JSON-lines of transcription events.
func (h *Handlers) Transcriptions(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.ValidationError, "invalid multipart form", err))
		return
	}
	modelName := r.FormValue("model")
	file, header, err := r.FormFile("file")
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.ValidationError, "missing file upload", err))
		return
	}
	defer file.Close()

	if header.Filename == "" {
		apierr.WriteJSON(w, apierr.New(apierr.ValidationError, "file's filename is empty"))
		return
	}
	ext := strings.TrimPrefix(filepath.Ext(header.Filename), ".")
	if !supportedUploadExtensions[strings.ToLower(ext)] {
		apierr.WriteJSON(w, apierr.New(apierr.ValidationError,
			fmt.Sprintf("unsupported file type %q; supported: wav, mp3, ogg, flac, opus", ext)))
		return
	}

	model, ok := h.deps.Registry.Get(modelName)
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.ModelNotFound, fmt.Sprintf("model %q not found", modelName)))
		return
	}
	if model.Record.Kind != registry.KindSTT {
		apierr.WriteJSON(w, apierr.New(apierr.ValidationError, fmt.Sprintf("model %q is not an STT model", modelName)))
		return
	}
	if !model.Status.Get().Running {
		apierr.WriteJSON(w, apierr.New(apierr.ModelNotRunning, fmt.Sprintf("model %q is not running", modelName)))
		return
	}

	ctx := r.Context()
	start := time.Now()

	tr, release, err := h.deps.OpenSTT(ctx, model.Record)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.ConnectionError, "failed to reach STT upstream", err))
		return
	}
	defer release()

	// File bytes -> FFmpeg decode -> STT bidi stream.
	raw := make(chan []byte, 4)
	go func() {
		defer close(raw)
		buf := make([]byte, uploadChunkSize)
		for {
			n, err := file.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case raw <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		for chunk := range encode.Decode(ctx, raw, h.deps.FFmpegPath) {
			if err := tr.SendAudio(chunk); err != nil {
				return
			}
		}
		_ = tr.CloseSend()
	}()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	f := flusher(w)

	for {
		ev, err := tr.Recv(ctx)
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				slog.Error("transcription stream failed", "model", modelName, "error", err)
				metrics.Errors.WithLabelValues("stt", "stream").Inc()
			}
			break
		}

		var line transcriptionEvent
		switch {
		case ev.SpeechStart != nil:
			line = transcriptionEvent{Type: "speech_start", Timestamp: ev.SpeechStart.Timestamp}
		case ev.SpeechStop != nil:
			line = transcriptionEvent{Type: "speech_stop", Timestamp: ev.SpeechStop.Timestamp}
		case ev.SpeechTranscription != nil:
			line = transcriptionEvent{
				Type:      "speech_transcription",
				Text:      ev.SpeechTranscription.Text,
				Timestamp: ev.SpeechTranscription.Timestamp,
			}
		default:
			continue
		}

		payload, err := json.Marshal(line)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s\n", payload); err != nil {
			return
		}
		if f != nil {
			f.Flush()
		}
	}
	metrics.StageDuration.WithLabelValues("transcription").Observe(time.Since(start).Seconds())
}
