package reactor

import (
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// fakeWatcher is a Watcher driven entirely by the test: Wait blocks until
// the test pushes a batch of ready ids (or the timeout elapses), and
// Add/Remove just track registration without touching any real fd.
type fakeWatcher struct {
	mu       sync.Mutex
	batches  chan []uint64
	registry map[uint64]bool
	closed   bool
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{batches: make(chan []uint64, 16), registry: make(map[uint64]bool)}
}

func (w *fakeWatcher) Add(id uint64, fd int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.registry[id] = true
	return nil
}

func (w *fakeWatcher) Remove(id uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.registry, id)
	return nil
}

func (w *fakeWatcher) Wait(timeout time.Duration) ([]uint64, error) {
	select {
	case b := <-w.batches:
		return b, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (w *fakeWatcher) Close() error {
	w.closed = true
	return nil
}

func (w *fakeWatcher) fire(ids ...uint64) {
	w.batches <- ids
}

func devNullFile(t *testing.T) *os.File {
	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("open %s: %v", os.DevNull, err)
	}
	return f
}

func TestDispatchInvokesRegisteredHandler(t *testing.T) {
	w := newFakeWatcher()
	r := NewForTest(w, testLog())
	defer r.Stop()

	var mu sync.Mutex
	fired := false
	id := ID(KindConn, 1)
	if err := r.AddHandler(id, devNullFile(t), func() { mu.Lock(); fired = true; mu.Unlock() }, nil); err != nil {
		t.Fatalf("AddHandler() error = %v", err)
	}

	w.fire(id)

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		f := fired
		mu.Unlock()
		if f {
			return
		}
		select {
		case <-deadline:
			t.Fatal("handler was not invoked")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestTickRunsOnEveryPassRegardlessOfReadiness(t *testing.T) {
	w := newFakeWatcher()
	r := NewForTest(w, testLog())
	defer r.Stop()

	var mu sync.Mutex
	ticks := 0
	id := ID(KindConn, 1)
	if err := r.AddHandler(id, devNullFile(t), func() {}, func() { mu.Lock(); ticks++; mu.Unlock() }); err != nil {
		t.Fatalf("AddHandler() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := ticks
		mu.Unlock()
		if n >= 2 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("OnTick did not fire at least twice within the deadline")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestDispatchPanicsOnUnregisteredID(t *testing.T) {
	w := newFakeWatcher()
	r := NewForTest(w, testLog())
	defer r.Stop()

	defer func() {
		if recover() == nil {
			t.Error("dispatch did not panic on an unregistered handler id")
		}
	}()
	r.dispatch(ID(KindConn, 999))
}

func TestRemoveHandlerDeregisters(t *testing.T) {
	w := newFakeWatcher()
	r := NewForTest(w, testLog())
	defer r.Stop()

	id := ID(KindListener, 1)
	if err := r.AddHandler(id, devNullFile(t), func() {}, nil); err != nil {
		t.Fatalf("AddHandler() error = %v", err)
	}
	r.RemoveHandler(id)

	r.mu.Lock()
	_, stillPresent := r.handlers[id]
	r.mu.Unlock()
	if stillPresent {
		t.Error("handler still present in registry after RemoveHandler")
	}
}
