package status

import (
	"sync"
	"testing"
)

type recordingSink struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recordingSink) Publish(u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func TestBoardRegions(t *testing.T) {
	board := NewBoard()

	board.SetMessage("Loading yoga model")
	board.SetDebug("100,50")

	if got := board.Message(); got != "Loading yoga model" {
		t.Errorf("Message() = %q", got)
	}
	if got := board.Debug(); got != "100,50" {
		t.Errorf("Debug() = %q", got)
	}

	snap := board.Snapshot()
	if snap.Updates != 2 {
		t.Errorf("Updates = %d, want 2", snap.Updates)
	}
	if snap.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
}

// TestBoardFanOut validates every sink sees every update in order.
func TestBoardFanOut(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	board := NewBoard(a)
	board.AddSink(b)

	board.SetMessage("Yoga model loaded")
	board.SetDebug("1,2")

	for name, sink := range map[string]*recordingSink{"a": a, "b": b} {
		if len(sink.updates) != 2 {
			t.Fatalf("sink %s got %d updates, want 2", name, len(sink.updates))
		}
		if sink.updates[0].Region != RegionMessage || sink.updates[0].Text != "Yoga model loaded" {
			t.Errorf("sink %s first update = %+v", name, sink.updates[0])
		}
		if sink.updates[1].Region != RegionDebug || sink.updates[1].Text != "1,2" {
			t.Errorf("sink %s second update = %+v", name, sink.updates[1])
		}
	}
}

// TestBoardConcurrentWriters validates last-write-wins without races.
func TestBoardConcurrentWriters(t *testing.T) {
	var count int
	var mu sync.Mutex
	board := NewBoard(SinkFunc(func(Update) {
		mu.Lock()
		count++
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			board.SetMessage("x")
		}()
	}
	wg.Wait()

	if count != 50 {
		t.Errorf("sink saw %d updates, want 50", count)
	}
	if board.Message() != "x" {
		t.Errorf("Message() = %q", board.Message())
	}
}
