// Package chatsynth fuses an upstream LLM token stream with a TTS
// synthesizer into a single interleaved stream of text markers and raw PCM
// audio: one Text item carrying a full synthesis batch, followed by every
// Audio chunk produced from that batch, then the next Text item.
package chatsynth

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/v4ler11/gateway/internal/metrics"
	"github.com/v4ler11/gateway/internal/sentence"
)

const (
	// llmChunkTimeout bounds the wait for each individual LLM chunk.
	llmChunkTimeout = 30 * time.Second

	// ttsChunkTimeout bounds the wait for each individual PCM chunk.
	ttsChunkTimeout = 10 * time.Second

	// sentenceChannelBuffer is how many complete sentences can queue between
	// the LLM producer and the TTS consumer before back-pressure kicks in.
	sentenceChannelBuffer = 4
)

// Item is one element of the interleaved output stream: a text marker
// (Audio nil) or a chunk of raw PCM float32 LE audio (Audio non-nil).
type Item struct {
	Text  string
	Audio []byte
}

// TextItem builds a text marker item.
func TextItem(t string) Item { return Item{Text: t} }

// AudioItem builds a PCM chunk item.
func AudioItem(b []byte) Item { return Item{Audio: b} }

// IsAudio reports whether the item carries PCM audio.
func (it Item) IsAudio() bool { return it.Audio != nil }

// TokenStream is the upstream LLM token source. Next returns the content of
// the next chunk delta ("" for deltas without content) and io.EOF on clean
// stream end. Close releases the upstream connection.
type TokenStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// AudioStream is one in-flight TTS synthesis: Recv returns the next PCM
// chunk or io.EOF. The stream is torn down when the context passed to
// Synthesize is cancelled.
type AudioStream interface {
	Recv(ctx context.Context) ([]byte, error)
}

// Synthesizer opens a TTS audio stream for one batch of text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (AudioStream, error)
}

// Options configures one pipeline run.
type Options struct {
	// TTSContextSize is the TTS model's context size in characters; batches
	// are bounded by 90% of it.
	TTSContextSize int

	// MinCheckInterval is the sentence collector's minimum fragment count
	// before forcing a segmentation attempt. Zero uses the default.
	MinCheckInterval int

	// Segmenter overrides the sentence segmenter. Nil uses the default.
	Segmenter sentence.Segmenter
}

// BatchBudget is the character budget for one synthesis batch given the TTS
// model's context size.
func BatchBudget(contextSize int) int {
	return int(float64(contextSize) * 0.9)
}

// Run starts the pipeline and returns its output stream. The channel is
// closed when the LLM stream has ended and all batches have been
// synthesized, or when ctx is cancelled. Cancelling ctx tears down the
// producer and any in-flight TTS stream; the token stream is closed on exit
// in all cases.
func Run(ctx context.Context, tokens TokenStream, synth Synthesizer, opts Options) <-chan Item {
	out := make(chan Item)
	go func() {
		defer close(out)
		defer tokens.Close()

		prodCtx, cancelProd := context.WithCancel(ctx)
		sentences := make(chan string, sentenceChannelBuffer)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			produce(prodCtx, tokens, opts, sentences)
		}()

		consume(ctx, synth, opts, sentences, out)

		// The producer is cancelled and awaited whenever the consumer
		// returns, including early exit on ctx cancellation.
		cancelProd()
		wg.Wait()
	}()
	return out
}

// produce iterates the LLM stream, feeding fragments through the sentence
// collector into the sentence channel. Stream errors are logged and treated
// as end-of-stream; the channel close is the termination sentinel and is
// always preceded by a collector flush.
func produce(ctx context.Context, tokens TokenStream, opts Options, sentences chan<- string) {
	defer close(sentences)

	collector := sentence.NewCollector(opts.MinCheckInterval, opts.Segmenter)
	for {
		chunkCtx, cancel := context.WithTimeout(ctx, llmChunkTimeout)
		content, err := tokens.Next(chunkCtx)
		cancel()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				slog.Error("llm stream producer", "error", err)
				metrics.Errors.WithLabelValues("llm", "stream").Inc()
			}
			break
		}
		if content == "" {
			continue
		}
		for _, s := range collector.Put(content) {
			if !send(ctx, sentences, s) {
				return
			}
		}
	}

	for _, s := range collector.Flush() {
		if !send(ctx, sentences, s) {
			return
		}
	}
}

func send(ctx context.Context, sentences chan<- string, s string) bool {
	select {
	case sentences <- s:
		return true
	case <-ctx.Done():
		return false
	}
}

// consume batches sentences greedily and synthesizes one batch at a time:
// it blocks for the first sentence, drains whatever else is already queued
// (up to the character budget), then emits the batch's text marker followed
// by its audio. It returns once the sentence channel is closed and the last
// batch has been delivered.
func consume(ctx context.Context, synth Synthesizer, opts Options, sentences <-chan string, out chan<- Item) {
	batcher := sentence.NewBatcher(BatchBudget(opts.TTSContextSize))

	flush := func() bool {
		if text, ok := batcher.Flush(); ok {
			return deliver(ctx, synth, text, out)
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-sentences:
			if !ok {
				flush()
				return
			}
			if text, full := batcher.Add(s); full {
				if !deliver(ctx, synth, text, out) {
					return
				}
			}
		drain:
			for {
				select {
				case s2, ok2 := <-sentences:
					if !ok2 {
						flush()
						return
					}
					if text, full := batcher.Add(s2); full {
						if !deliver(ctx, synth, text, out) {
							return
						}
					}
				default:
					break drain
				}
			}
			// Nothing else is immediately ready: synthesize what we have
			// rather than waiting to fill the budget.
			if !flush() {
				return
			}
		}
	}
}

// deliver emits the batch's text marker, then synthesizes it and emits every
// PCM chunk. Synthesis failures for one batch are logged and tolerated: the
// text marker has already been emitted and the pipeline proceeds to the next
// batch. Returns false only when ctx is cancelled.
func deliver(ctx context.Context, synth Synthesizer, text string, out chan<- Item) bool {
	if !emit(ctx, out, TextItem(text)) {
		return false
	}
	metrics.SynthBatches.Inc()

	batchCtx, cancelBatch := context.WithCancel(ctx)
	defer cancelBatch()

	stream, err := synth.Synthesize(batchCtx, text)
	if err != nil {
		slog.Error("tts synthesis failed", "error", err, "batch", head(text))
		metrics.Errors.WithLabelValues("tts", "open").Inc()
		return true
	}

	for {
		chunkCtx, cancel := context.WithTimeout(batchCtx, ttsChunkTimeout)
		chunk, err := stream.Recv(chunkCtx)
		cancel()
		if err != nil {
			if err == io.EOF {
				return true
			}
			if ctx.Err() != nil {
				return false
			}
			slog.Error("tts audio stream failed", "error", err, "batch", head(text))
			metrics.Errors.WithLabelValues("tts", "stream").Inc()
			return true
		}
		if len(chunk) == 0 {
			continue
		}
		if !emit(ctx, out, AudioItem(chunk)) {
			return false
		}
	}
}

func emit(ctx context.Context, out chan<- Item, it Item) bool {
	select {
	case out <- it:
		return true
	case <-ctx.Done():
		return false
	}
}

func head(s string) string {
	const n = 30
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}
