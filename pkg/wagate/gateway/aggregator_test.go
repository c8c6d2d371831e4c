package gateway

import (
	"sync"
	"testing"
	"time"
)

func collectBatches() (*[]Batch, func(Batch), *sync.Mutex) {
	var mu sync.Mutex
	var got []Batch
	return &got, func(b Batch) {
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
	}, &mu
}

func TestAggregatorDebounce(t *testing.T) {
	t.Run("flushes after quiet window", func(t *testing.T) {
		clock := newManualClock()
		got, flush, mu := collectBatches()
		agg := NewAggregator(10*time.Second, "\n\n", clock, nil, flush)

		agg.Add("s1", "c1", "Alice", "hello")
		clock.Advance(9 * time.Second)

		mu.Lock()
		if len(*got) != 0 {
			t.Fatalf("flushed before window elapsed: %d batches", len(*got))
		}
		mu.Unlock()

		clock.Advance(time.Second)
		mu.Lock()
		defer mu.Unlock()
		if len(*got) != 1 {
			t.Fatalf("expected 1 batch, got %d", len(*got))
		}
		if (*got)[0].Text != "hello" {
			t.Errorf("expected text 'hello', got %q", (*got)[0].Text)
		}
	})

	t.Run("new message resets the window", func(t *testing.T) {
		clock := newManualClock()
		got, flush, mu := collectBatches()
		agg := NewAggregator(10*time.Second, "\n\n", clock, nil, flush)

		agg.Add("s1", "c1", "Alice", "first")
		clock.Advance(9 * time.Second)
		agg.Add("s1", "c1", "Alice", "second")
		clock.Advance(9 * time.Second)

		mu.Lock()
		if len(*got) != 0 {
			t.Fatal("window did not reset on second message")
		}
		mu.Unlock()

		clock.Advance(time.Second)
		mu.Lock()
		defer mu.Unlock()
		if len(*got) != 1 {
			t.Fatalf("expected 1 batch, got %d", len(*got))
		}
		if (*got)[0].Text != "first\n\nsecond" {
			t.Errorf("unexpected joined text: %q", (*got)[0].Text)
		}
		if (*got)[0].Count != 2 {
			t.Errorf("expected count 2, got %d", (*got)[0].Count)
		}
	})

	t.Run("contacts debounce independently", func(t *testing.T) {
		clock := newManualClock()
		got, flush, mu := collectBatches()
		agg := NewAggregator(10*time.Second, "\n\n", clock, nil, flush)

		agg.Add("s1", "c1", "", "from c1")
		clock.Advance(5 * time.Second)
		agg.Add("s1", "c2", "", "from c2")
		clock.Advance(5 * time.Second)

		mu.Lock()
		defer mu.Unlock()
		if len(*got) != 1 {
			t.Fatalf("expected only c1 flushed, got %d batches", len(*got))
		}
		if (*got)[0].ContactID != "c1" {
			t.Errorf("expected c1 flushed first, got %s", (*got)[0].ContactID)
		}
	})

	t.Run("forced flush fires ahead of the timer", func(t *testing.T) {
		clock := newManualClock()
		got, flush, mu := collectBatches()
		agg := NewAggregator(10*time.Second, "\n\n", clock, nil, flush)

		agg.Add("s1", "c1", "Alice", "buffered")
		agg.Flush("s1", "c1")

		mu.Lock()
		if len(*got) != 1 || (*got)[0].Text != "buffered" {
			t.Fatalf("unexpected batches after forced flush: %+v", *got)
		}
		mu.Unlock()

		// The canceled timer must not flush a second time.
		clock.Advance(20 * time.Second)
		mu.Lock()
		defer mu.Unlock()
		if len(*got) != 1 {
			t.Fatalf("stale timer re-flushed: %+v", *got)
		}
	})

	t.Run("forced flush on empty buffer is a no-op", func(t *testing.T) {
		clock := newManualClock()
		got, flush, mu := collectBatches()
		agg := NewAggregator(10*time.Second, "\n\n", clock, nil, flush)

		agg.Flush("s1", "nobody")
		mu.Lock()
		defer mu.Unlock()
		if len(*got) != 0 {
			t.Fatalf("empty flush produced batches: %+v", *got)
		}
	})

	t.Run("empty text resets window without adding", func(t *testing.T) {
		clock := newManualClock()
		got, flush, mu := collectBatches()
		agg := NewAggregator(10*time.Second, "\n\n", clock, nil, flush)

		agg.Add("s1", "c1", "", "caption")
		agg.Add("s1", "c1", "", "")
		clock.Advance(10 * time.Second)

		mu.Lock()
		defer mu.Unlock()
		if len(*got) != 1 || (*got)[0].Text != "caption" {
			t.Fatalf("unexpected batches: %+v", *got)
		}
	})
}

func TestAggregatorDrop(t *testing.T) {
	t.Run("drop discards pending buffer", func(t *testing.T) {
		clock := newManualClock()
		got, flush, mu := collectBatches()
		agg := NewAggregator(10*time.Second, "\n\n", clock, nil, flush)

		agg.Add("s1", "c1", "", "doomed")
		agg.Drop("s1", "c1")
		clock.Advance(20 * time.Second)

		mu.Lock()
		defer mu.Unlock()
		if len(*got) != 0 {
			t.Fatalf("dropped buffer still flushed: %+v", *got)
		}
	})

	t.Run("drop session leaves other sessions alone", func(t *testing.T) {
		clock := newManualClock()
		got, flush, mu := collectBatches()
		agg := NewAggregator(10*time.Second, "\n\n", clock, nil, flush)

		agg.Add("s1", "c1", "", "dead")
		agg.Add("s2", "c1", "", "alive")
		agg.DropSession("s1")

		if agg.Pending() != 1 {
			t.Fatalf("expected 1 pending buffer, got %d", agg.Pending())
		}
		clock.Advance(10 * time.Second)

		mu.Lock()
		defer mu.Unlock()
		if len(*got) != 1 || (*got)[0].SessionID != "s2" {
			t.Fatalf("unexpected batches: %+v", *got)
		}
	})
}

func TestAggregatorPushName(t *testing.T) {
	clock := newManualClock()
	got, flush, mu := collectBatches()
	agg := NewAggregator(10*time.Second, "\n\n", clock, nil, flush)

	agg.Add("s1", "c1", "", "no name yet")
	agg.Add("s1", "c1", "Alice", "now with name")
	clock.Advance(10 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(*got))
	}
	if (*got)[0].PushName != "Alice" {
		t.Errorf("expected push name 'Alice', got %q", (*got)[0].PushName)
	}
}
