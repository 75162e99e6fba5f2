package sentence

import "strings"

// Batcher groups sentences into synthesis batches bounded by a character
// budget. It is a pure streaming transform: one in-flight batch plus the
// rule that a single sentence longer than the budget is still emitted as
// its own batch (it is never split).
type Batcher struct {
	limit int
	batch []string
	count int
}

// NewBatcher creates a Batcher with the given character budget (the caller
// is responsible for precomputing 0.9 × TTS-context-size).
func NewBatcher(limit int) *Batcher {
	return &Batcher{limit: limit}
}

// Add feeds one sentence into the batcher. If adding s would exceed the
// budget, the current batch is emitted (joined by single spaces) and s
// starts a new batch. Returns the emitted batch and true if one was
// produced, or ("", false) if s was simply appended to the in-flight batch.
func (b *Batcher) Add(s string) (string, bool) {
	if len(b.batch) == 0 {
		b.batch = append(b.batch, s)
		b.count = len(s)
		return "", false
	}

	if b.count+len(s)+1 <= b.limit {
		b.batch = append(b.batch, s)
		b.count += len(s) + 1
		return "", false
	}

	emitted := strings.Join(b.batch, " ")
	b.batch = []string{s}
	b.count = len(s)
	return emitted, true
}

// Flush emits the current in-flight batch, if any, and resets state.
func (b *Batcher) Flush() (string, bool) {
	if len(b.batch) == 0 {
		return "", false
	}
	emitted := strings.Join(b.batch, " ")
	b.batch = nil
	b.count = 0
	return emitted, true
}
