package mailbox

import (
	"sync"
	"testing"
	"time"
)

// TestLatestEmpty validates that an unpublished slot reports ok=false.
func TestLatestEmpty(t *testing.T) {
	slot := New[string]()

	if _, _, ok := slot.Latest(); ok {
		t.Fatal("Latest() ok=true on empty slot")
	}
}

// TestOverwriteLastWriteWins validates mailbox semantics.
//
// Scenario:
//  1. Publish A, then B before any read
//  2. Latest returns B
//  3. A counts as dropped
func TestOverwriteLastWriteWins(t *testing.T) {
	slot := New[string]()

	slot.Publish("A")
	slot.Publish("B")

	v, seq, ok := slot.Latest()
	if !ok {
		t.Fatal("Latest() ok=false after Publish")
	}
	if v != "B" {
		t.Errorf("Latest() = %q, want %q", v, "B")
	}
	if seq != 2 {
		t.Errorf("seq = %d, want 2", seq)
	}

	stats := slot.Stats()
	if stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stats.Dropped)
	}
	if stats.Published != 2 {
		t.Errorf("Published = %d, want 2", stats.Published)
	}
}

// TestLatestIsPeek validates that Latest does not consume the value.
func TestLatestIsPeek(t *testing.T) {
	slot := New[int]()
	slot.Publish(7)

	for i := 0; i < 3; i++ {
		v, _, ok := slot.Latest()
		if !ok || v != 7 {
			t.Fatalf("read %d: got (%d, %v), want (7, true)", i, v, ok)
		}
	}

	// Observed value overwritten is not a drop
	slot.Publish(8)
	if d := slot.Stats().Dropped; d != 0 {
		t.Errorf("Dropped = %d, want 0 (value was observed)", d)
	}
}

// TestNextAfterBlocksUntilNewer validates the blocking consumer path.
func TestNextAfterBlocksUntilNewer(t *testing.T) {
	slot := New[int]()
	slot.Publish(1)

	_, seq, ok := slot.NextAfter(0)
	if !ok || seq != 1 {
		t.Fatalf("NextAfter(0) = seq %d ok %v, want 1 true", seq, ok)
	}

	got := make(chan int, 1)
	go func() {
		v, _, ok := slot.NextAfter(seq)
		if ok {
			got <- v
		}
	}()

	select {
	case <-got:
		t.Fatal("NextAfter returned before a newer value was published")
	case <-time.After(20 * time.Millisecond):
	}

	slot.Publish(2)

	select {
	case v := <-got:
		if v != 2 {
			t.Errorf("NextAfter() = %d, want 2", v)
		}
	case <-time.After(time.Second):
		t.Fatal("NextAfter did not wake on Publish")
	}
}

// TestCloseWakesReaders validates graceful shutdown of blocked readers.
func TestCloseWakesReaders(t *testing.T) {
	slot := New[int]()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, ok := slot.NextAfter(0); ok {
				t.Error("NextAfter ok=true after Close")
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	slot.Close()
	slot.Close() // idempotent

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("readers not woken by Close")
	}

	// Publish after Close is a no-op
	slot.Publish(5)
	if p := slot.Stats().Published; p != 0 {
		t.Errorf("Published = %d after Close, want 0", p)
	}
}

// TestPublishNonBlocking validates Publish never waits on readers.
func TestPublishNonBlocking(t *testing.T) {
	slot := New[[]byte]()

	start := time.Now()
	for i := 0; i < 1000; i++ {
		slot.Publish([]byte{byte(i)})
	}
	elapsed := time.Since(start)

	if elapsed > 100*time.Millisecond {
		t.Errorf("Publish() blocked: elapsed=%v (expected <100ms)", elapsed)
	}
	if d := slot.Stats().Dropped; d != 999 {
		t.Errorf("Dropped = %d, want 999", d)
	}
}
