package encode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"

	"github.com/v4ler11/gateway/internal/metrics"
)

const (
	// decodeSampleRate and decodeChannels are the fixed PCM format every
	// decoded stream is converted to: what the STT upstream expects.
	decodeSampleRate = 16000
	decodeChannels   = 1
)

// Decode converts an arbitrary encoded audio stream (whatever container and
// codec FFmpeg can sniff) into raw 16 kHz mono f32le PCM. The returned
// channel is closed when the input is exhausted and the decoder has flushed,
// or when ctx is cancelled; the subprocess is released on all exit paths
// (SIGTERM, then SIGKILL after the grace period).
func Decode(ctx context.Context, in <-chan []byte, ffmpegPath string) <-chan []byte {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		if err := runDecoder(ctx, ffmpegPath, in, out); err != nil && ctx.Err() == nil {
			slog.Error("audio decode failed", "error", err)
			metrics.Errors.WithLabelValues("decode", "codec").Inc()
		}
	}()
	return out
}

func runDecoder(ctx context.Context, ffmpegPath string, in <-chan []byte, out chan<- []byte) error {
	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-i", "pipe:0",
		"-f", "f32le",
		"-ac", fmt.Sprint(decodeChannels),
		"-ar", fmt.Sprint(decodeSampleRate),
		"-vn",
		"pipe:1",
	)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = terminationGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("decoder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("decoder stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("decoder start: %w", err)
	}

	feederDone := make(chan struct{})
	go func() {
		defer close(feederDone)
		defer stdin.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-in:
				if !ok {
					return
				}
				if _, err := stdin.Write(chunk); err != nil {
					return
				}
			}
		}
	}()

	readErr := pumpBytes(ctx, stdout, out)
	<-feederDone

	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("decoder exit: %w (stderr: %s)", err, tail(stderr.Bytes()))
	}
	return readErr
}

func pumpBytes(ctx context.Context, r io.Reader, out chan<- []byte) error {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-ctx.Done():
				return nil
			}
		}
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("decoder read: %w", err)
		}
	}
}
