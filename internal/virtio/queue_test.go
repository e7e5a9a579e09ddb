package virtio

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	sim "github.com/tinyrange/virtiopci/internal/devices/virtio"
)

func TestNewQueueSize(t *testing.T) {
	tb := newTestbed(t)
	tb.plug(t, 1, sim.NewRng(nil))
	tr := tb.transport(t, 1, DeviceEntropy)
	if _, err := tr.Negotiate(context.Background(), FeatureVersion1, testPoll); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	free := tb.pool.FreePages()

	tests := []struct {
		name string
		req  uint16
		want uint16
	}{
		{"device maximum", 0, 64},
		{"rounded down", 48, 32},
		{"exact", 16, 16},
	}
	for _, tt := range tests {
		q, err := NewQueue(tr, tb.pool, 0, tt.req)
		if err != nil {
			t.Fatalf("%s: NewQueue: %v", tt.name, err)
		}
		if q.Size() != tt.want || q.NumFree() != int(tt.want) || q.Index() != 0 {
			t.Fatalf("%s: size %d, free %d", tt.name, q.Size(), q.NumFree())
		}
		if err := q.Close(); err != nil {
			t.Fatalf("%s: Close: %v", tt.name, err)
		}
	}
	if got := tb.pool.FreePages(); got != free {
		t.Fatalf("free pages = %d, want %d", got, free)
	}

	if _, err := NewQueue(tr, tb.pool, 0, 128); !errors.Is(err, ErrQueueTooLarge) {
		t.Fatalf("oversized queue = %v", err)
	}
	if _, err := NewQueue(tr, tb.pool, 1, 0); !errors.Is(err, ErrQueueOutOfRange) {
		t.Fatalf("queue 1 = %v", err)
	}
	if got := tb.pool.FreePages(); got != free {
		t.Fatalf("failed NewQueue leaked: free pages = %d, want %d", got, free)
	}
}

func TestQueueSubmit(t *testing.T) {
	tb := newTestbed(t)
	_, q, dev := tb.entropyDevice(t, 8)

	buf := make([]byte, 32)
	n, err := q.Submit(context.Background(), testPoll, nil, [][]byte{buf})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n != 32 {
		t.Fatalf("device wrote %d bytes", n)
	}
	if bytes.Equal(buf, make([]byte, 32)) {
		t.Fatal("buffer not filled")
	}
	if q.NumFree() != 8 {
		t.Fatalf("NumFree = %d after completion", q.NumFree())
	}
	if _, shares := tb.pool.Outstanding(); shares != 0 {
		t.Fatalf("%d shares left after completion", shares)
	}
	notes := dev.Notifications()
	if len(notes) != 1 || notes[0].Queue != 0 || notes[0].Addr != dev.BARBase(1) {
		t.Fatalf("notifications = %+v", notes)
	}
}

func TestQueueAddAndPop(t *testing.T) {
	tb := newTestbed(t)
	_, q, _ := tb.entropyDevice(t, 4)

	if _, err := q.Add(nil, nil); !errors.Is(err, ErrEmptyChain) {
		t.Fatalf("empty Add = %v", err)
	}

	bufs := [][]byte{make([]byte, 8), make([]byte, 16), make([]byte, 24)}
	heads := make(map[uint16]int)
	h, err := q.Add(nil, [][]byte{bufs[0], bufs[1]})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	heads[h] = 24
	if h, err = q.Add(nil, [][]byte{bufs[2]}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	heads[h] = 24
	if q.NumFree() != 1 {
		t.Fatalf("NumFree = %d, want 1", q.NumFree())
	}
	if _, err := q.Add(nil, [][]byte{make([]byte, 4), make([]byte, 4)}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Add past capacity = %v", err)
	}
	if q.Pending() {
		t.Fatal("completions before Kick")
	}

	q.Kick()
	for range 2 {
		head, length, ok := q.PopUsed()
		if !ok {
			t.Fatal("PopUsed found nothing after Kick")
		}
		want, known := heads[head]
		if !known {
			t.Fatalf("unknown head %d", head)
		}
		if length != uint32(want) {
			t.Fatalf("head %d: length %d, want %d", head, length, want)
		}
		delete(heads, head)
	}
	if _, _, ok := q.PopUsed(); ok {
		t.Fatal("extra completion")
	}
	for i, b := range bufs {
		if bytes.Equal(b, make([]byte, len(b))) {
			t.Fatalf("buffer %d not copied back", i)
		}
	}
	if q.NumFree() != 4 {
		t.Fatalf("NumFree = %d after draining", q.NumFree())
	}
}

func TestQueueSubmitKeepsOtherCompletions(t *testing.T) {
	tb := newTestbed(t)
	_, q, _ := tb.entropyDevice(t, 8)

	first, err := q.Add(nil, [][]byte{make([]byte, 10)})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	n, err := q.Submit(context.Background(), testPoll, nil, [][]byte{make([]byte, 20)})
	if err != nil || n != 20 {
		t.Fatalf("Submit = %d, %v", n, err)
	}
	if !q.Pending() {
		t.Fatal("earlier completion dropped")
	}
	head, length, ok := q.PopUsed()
	if !ok || head != first || length != 10 {
		t.Fatalf("PopUsed = %d, %d, %v; want %d, 10", head, length, ok, first)
	}
}

func TestQueueInterruptSuppression(t *testing.T) {
	tb := newTestbed(t)
	_, q, dev := tb.entropyDevice(t, 8)
	drain := func() bool {
		select {
		case <-dev.Interrupts():
			return true
		default:
			return false
		}
	}

	q.SuppressInterrupts(true)
	if _, err := q.Submit(context.Background(), testPoll, nil, [][]byte{make([]byte, 4)}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if drain() {
		t.Fatal("interrupt raised while suppressed")
	}

	q.SuppressInterrupts(false)
	if _, err := q.Submit(context.Background(), testPoll, nil, [][]byte{make([]byte, 4)}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !drain() {
		t.Fatal("no interrupt after re-enabling")
	}
}

func TestQueueClose(t *testing.T) {
	tb := newTestbed(t)
	tr, q, _ := tb.entropyDevice(t, 8)

	if _, err := q.Add(nil, [][]byte{make([]byte, 4)}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("Close of a live queue with chains in flight did not panic")
			}
		}()
		q.Close()
	}()

	if err := tr.Reset(context.Background(), testPoll); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if allocs, shares := tb.pool.Outstanding(); allocs != 0 || shares != 0 {
		t.Fatalf("outstanding after Close: %d allocations, %d shares", allocs, shares)
	}
	if _, err := q.Add(nil, [][]byte{make([]byte, 4)}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Add after Close = %v", err)
	}
	if _, err := q.Submit(context.Background(), testPoll, nil, [][]byte{make([]byte, 4)}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Submit after Close = %v", err)
	}
}

func TestQueueUseAfterClose(t *testing.T) {
	tb := newTestbed(t)
	_, q, _ := tb.entropyDevice(t, 8)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				q.Kick()
				q.SuppressInterrupts(true)
				q.Pending()
			}
		}()
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()

	q.Kick()
	if q.Pending() {
		t.Fatal("Pending on a closed queue")
	}
	if _, _, ok := q.PopUsed(); ok {
		t.Fatal("PopUsed on a closed queue returned a chain")
	}
}
