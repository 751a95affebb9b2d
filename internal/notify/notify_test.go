package notify

import (
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/keyd/internal/core"
)

type countingNotifier struct {
	Base
	taken atomic.Int32
}

func (c *countingNotifier) KeyTaken(core.Snapshot) { c.taken.Add(1) }

type panickingNotifier struct{ Base }

func (panickingNotifier) KeyTaken(core.Snapshot) { panic("chat exploded") }

func TestFanoutDeliversToEveryNotifier(t *testing.T) {
	t.Parallel()

	a, b := &countingNotifier{}, &countingNotifier{}
	f := NewFanout(nil, a, nil, panickingNotifier{}, b)
	defer f.Close()
	if f.Len() != 3 {
		t.Fatalf("len = %d", f.Len())
	}
	f.KeyTaken(core.Snapshot{})
	f.KeyTaken(core.Snapshot{})
	f.KeyReturned(core.Snapshot{KeyPresent: true})
	f.Wait()
	if a.taken.Load() != 2 || b.taken.Load() != 2 {
		t.Fatalf("taken counts = %d, %d", a.taken.Load(), b.taken.Load())
	}
}

// orderRecorder stalls on KeyWentMissing the way a slow room post does.
type orderRecorder struct {
	Base
	mu    sync.Mutex
	calls []string
}

func (r *orderRecorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *orderRecorder) KeyWentMissing(core.Snapshot) {
	time.Sleep(20 * time.Millisecond)
	r.record("missing")
}

func (r *orderRecorder) KeyReturned(core.Snapshot) { r.record("returned") }
func (r *orderRecorder) KeyTaken(core.Snapshot)    { r.record("taken") }

func TestFanoutKeepsPerNotifierOrder(t *testing.T) {
	t.Parallel()

	rec := &orderRecorder{}
	f := NewFanout(nil, rec)
	defer f.Close()
	f.KeyTaken(core.Snapshot{})
	f.KeyWentMissing(core.Snapshot{})
	f.KeyReturned(core.Snapshot{KeyPresent: true})
	f.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if want := []string{"taken", "missing", "returned"}; !slices.Equal(rec.calls, want) {
		t.Fatalf("calls = %v, want %v", rec.calls, want)
	}
}

type blockingNotifier struct {
	Base
	release chan struct{}
	taken   atomic.Int32
}

func (b *blockingNotifier) KeyTaken(core.Snapshot) {
	<-b.release
	b.taken.Add(1)
}

func TestFanoutDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	b := &blockingNotifier{release: make(chan struct{})}
	f := NewFanoutSize(nil, 1, b)
	done := make(chan struct{})
	go func() {
		for range 10 {
			f.KeyTaken(core.Snapshot{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch blocked on a stalled notifier")
	}
	close(b.release)
	f.Close()
	// One call in flight plus one queued; the rest were dropped.
	if got := b.taken.Load(); got < 1 || got > 2 {
		t.Fatalf("taken = %d, want 1 or 2", got)
	}
}

func TestFanoutCloseDrainsAndDropsLater(t *testing.T) {
	t.Parallel()

	a := &countingNotifier{}
	f := NewFanout(nil, a)
	for range 5 {
		f.KeyTaken(core.Snapshot{})
	}
	f.Close()
	if got := a.taken.Load(); got != 5 {
		t.Fatalf("taken before close = %d, want 5", got)
	}
	f.KeyTaken(core.Snapshot{})
	f.Close()
	f.Wait()
	if got := a.taken.Load(); got != 5 {
		t.Fatalf("notification after close delivered: %d", got)
	}
}
