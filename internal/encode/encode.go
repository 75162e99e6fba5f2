// Package encode consumes the interleaved text/audio stream produced by
// chatsynth and emits encoded output items, preserving the text/audio
// ordering. Lossy codecs (mp3, ogg) run through an FFmpeg subprocess that is
// restarted per audio batch so that every text marker sits on a clean codec
// boundary and each batch's encoded bytes decode independently.
package encode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/v4ler11/gateway/internal/audio"
	"github.com/v4ler11/gateway/internal/chatsynth"
	"github.com/v4ler11/gateway/internal/metrics"
)

// Format selects the output encoding.
type Format string

const (
	FormatPCM Format = "pcm"
	FormatWAV Format = "wav"
	FormatMP3 Format = "mp3"
	FormatOGG Format = "ogg"
)

// ValidFormat reports whether f is a supported output format.
func ValidFormat(f Format) bool {
	switch f {
	case FormatPCM, FormatWAV, FormatMP3, FormatOGG:
		return true
	}
	return false
}

// MediaType returns the Content-Type for a format.
func MediaType(f Format) string {
	switch f {
	case FormatWAV:
		return "audio/wav"
	case FormatMP3:
		return "audio/mpeg"
	case FormatOGG:
		return "audio/ogg"
	default:
		return "audio/pcm"
	}
}

const (
	// readChunkSize is how much encoded output is read from the codec at a
	// time.
	readChunkSize = 4096

	// terminationGrace is how long a codec subprocess gets to exit after
	// SIGTERM before it is killed.
	terminationGrace = 2 * time.Second

	// pcmQueueBuffer bounds the per-batch PCM queue feeding one codec
	// instance.
	pcmQueueBuffer = 8
)

// Config configures one encode run.
type Config struct {
	Format     Format
	SampleRate int
	Channels   int
	FFmpegPath string // defaults to "ffmpeg"
}

func (c Config) ffmpeg() string {
	if c.FFmpegPath == "" {
		return "ffmpeg"
	}
	return c.FFmpegPath
}

// Run starts the encode pipeline over in and returns the result stream. The
// returned channel is closed when in is exhausted and the final codec
// instance has flushed, or when ctx is cancelled; any live subprocess is
// released on all exit paths.
func Run(ctx context.Context, in <-chan chatsynth.Item, cfg Config) <-chan chatsynth.Item {
	out := make(chan chatsynth.Item)
	go func() {
		defer close(out)
		switch cfg.Format {
		case FormatPCM:
			passthrough(ctx, in, out, nil)
		case FormatWAV:
			passthrough(ctx, in, out, audio.StreamingWAVHeader(cfg.SampleRate, cfg.Channels))
		default:
			transcode(ctx, in, out, cfg)
		}
	}()
	return out
}

// passthrough forwards items unchanged, optionally prefixing the first audio
// chunk with a one-off header (the streaming WAV shortcut).
func passthrough(ctx context.Context, in <-chan chatsynth.Item, out chan<- chatsynth.Item, header []byte) {
	headerSent := header == nil
	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-in:
			if !ok {
				return
			}
			if it.IsAudio() && !headerSent {
				headerSent = true
				if !emit(ctx, out, chatsynth.AudioItem(header)) {
					return
				}
			}
			if !emit(ctx, out, it) {
				return
			}
		}
	}
}

// batchEncoder is one codec subprocess instance, fed through its own PCM
// queue and flushed by closing that queue.
type batchEncoder struct {
	pcm    chan []byte
	done   chan struct{}
	cancel context.CancelFunc
}

// transcode routes PCM into a per-batch codec subprocess. On each text
// marker, the current instance (if it received audio) is closed and awaited
// so its final bytes reach out before the marker is forwarded; the next
// audio chunk then starts a fresh instance.
func transcode(ctx context.Context, in <-chan chatsynth.Item, out chan<- chatsynth.Item, cfg Config) {
	var enc *batchEncoder
	batchDead := false

	finish := func() {
		if enc == nil {
			return
		}
		close(enc.pcm)
		<-enc.done
		enc.cancel()
		enc = nil
	}
	defer finish()

	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-in:
			if !ok {
				return
			}
			if !it.IsAudio() {
				finish()
				batchDead = false
				if !emit(ctx, out, it) {
					return
				}
				continue
			}
			if batchDead {
				// The codec died mid-batch; the rest of this batch's audio
				// is dropped. The next text marker starts a fresh instance.
				continue
			}
			if enc == nil {
				enc = startBatch(ctx, out, cfg)
			}
			select {
			case enc.pcm <- it.Audio:
			case <-ctx.Done():
				return
			case <-enc.done:
				enc.cancel()
				enc = nil
				batchDead = true
			}
		}
	}
}

func startBatch(ctx context.Context, out chan<- chatsynth.Item, cfg Config) *batchEncoder {
	bctx, cancel := context.WithCancel(ctx)
	enc := &batchEncoder{
		pcm:    make(chan []byte, pcmQueueBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	metrics.EncoderStarts.Inc()
	go func() {
		defer close(enc.done)
		if err := runCodec(bctx, cfg, enc.pcm, out); err != nil && bctx.Err() == nil {
			slog.Error("codec batch failed", "format", cfg.Format, "error", err)
			metrics.Errors.WithLabelValues("encode", "codec").Inc()
		}
	}()
	return enc
}

func codecArgs(cfg Config) ([]string, error) {
	in := []string{
		"-f", "f32le",
		"-ar", fmt.Sprint(cfg.SampleRate),
		"-ac", fmt.Sprint(cfg.Channels),
		"-i", "pipe:0",
	}
	switch cfg.Format {
	case FormatMP3:
		return append(in, "-f", "mp3", "-b:a", "128k", "pipe:1"), nil
	case FormatOGG:
		return append(in, "-f", "ogg", "-c:a", "libopus", "-b:a", "32k", "pipe:1"), nil
	}
	return nil, fmt.Errorf("unsupported output format %q", cfg.Format)
}

// runCodec drives one FFmpeg instance over the PCM queue and pushes encoded
// bytes into out until the process exits. Closing pcm flushes the codec;
// cancelling ctx terminates the process (SIGTERM, then SIGKILL after the
// grace period).
func runCodec(ctx context.Context, cfg Config, pcm <-chan []byte, out chan<- chatsynth.Item) error {
	args, err := codecArgs(cfg)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, cfg.ffmpeg(), args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = terminationGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("codec stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("codec stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("codec start: %w", err)
	}

	feederDone := make(chan struct{})
	go func() {
		defer close(feederDone)
		defer stdin.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-pcm:
				if !ok {
					return
				}
				if _, err := stdin.Write(chunk); err != nil {
					return
				}
			}
		}
	}()

	readErr := pump(ctx, stdout, out)
	<-feederDone

	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("codec exit: %w (stderr: %s)", err, tail(stderr.Bytes()))
	}
	return readErr
}

// pump copies encoded output into the result stream in readChunkSize pieces.
func pump(ctx context.Context, r io.Reader, out chan<- chatsynth.Item) error {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !emit(ctx, out, chatsynth.AudioItem(chunk)) {
				return nil
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("codec read: %w", err)
		}
	}
}

func emit(ctx context.Context, out chan<- chatsynth.Item, it chatsynth.Item) bool {
	select {
	case out <- it:
		return true
	case <-ctx.Done():
		return false
	}
}

func tail(b []byte) string {
	const n = 512
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(bytes.TrimSpace(b))
}
