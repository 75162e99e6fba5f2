package sentence

import (
	"strings"
	"testing"
)

func TestBatcherPacksUnderBudget(t *testing.T) {
	b := NewBatcher(20)

	if _, emitted := b.Add("Hello."); emitted {
		t.Fatal("first sentence must start the batch, not emit")
	}
	if _, emitted := b.Add("World."); emitted {
		t.Fatal("6+1+6 <= 20, should have been appended")
	}
	got, emitted := b.Add("This one overflows.")
	if !emitted || got != "Hello. World." {
		t.Fatalf("expected overflow to emit %q, got %q (emitted=%v)", "Hello. World.", got, emitted)
	}
	got, ok := b.Flush()
	if !ok || got != "This one overflows." {
		t.Fatalf("flush should emit the pending sentence, got %q (ok=%v)", got, ok)
	}
}

func TestBatcherOversizeSentenceEmittedAlone(t *testing.T) {
	b := NewBatcher(10)

	long := strings.Repeat("x", 50)
	if _, emitted := b.Add(long); emitted {
		t.Fatal("an oversize sentence starts its own batch without emitting")
	}
	got, emitted := b.Add("next")
	if !emitted || got != long {
		t.Fatalf("oversize sentence must be emitted as its own batch, got %q", got)
	}
}

func TestBatcherBudgetProperty(t *testing.T) {
	const limit = 30
	b := NewBatcher(limit)

	sentences := []string{
		"One.", "Two two.", "Three three three.",
		strings.Repeat("y", 45),
		"Four.", "Five five.", "Six.",
	}

	var batches []string
	for _, s := range sentences {
		if out, ok := b.Add(s); ok {
			batches = append(batches, out)
		}
	}
	if out, ok := b.Flush(); ok {
		batches = append(batches, out)
	}

	var joined []string
	for _, batch := range batches {
		// Either a single (possibly oversize) sentence, or within budget.
		if strings.Contains(batch, " ") && !isSingleInput(batch, sentences) && len(batch) > limit {
			t.Fatalf("multi-sentence batch %q exceeds the %d character budget", batch, limit)
		}
		joined = append(joined, batch)
	}

	// No sentence is lost or reordered.
	all := strings.Join(joined, " ")
	for _, s := range sentences {
		if !strings.Contains(all, s) {
			t.Fatalf("sentence %q missing from batches %v", s, batches)
		}
	}

	if _, ok := b.Flush(); ok {
		t.Fatal("second flush must be empty")
	}
}

func isSingleInput(batch string, inputs []string) bool {
	for _, s := range inputs {
		if batch == s {
			return true
		}
	}
	return false
}
