// Package reactor implements the single-threaded event dispatcher of spec
// §4.8: one OS thread, one readiness-watch primitive, a registry mapping
// 64-bit handler ids to callables, invoked in id order on every readiness
// tick and on every periodic tick regardless of readiness.
package reactor

import (
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Kind distinguishes a Listener handler from a Connection handler in the
// high 32 bits of a handler id (spec §4.8).
type Kind uint32

const (
	KindListener Kind = 0
	KindConn     Kind = 1
)

// ID packs kind and endpoint id into the 64-bit handler id the registry
// indexes by.
func ID(kind Kind, endpointID uint32) uint64 {
	return uint64(kind)<<32 | uint64(endpointID)
}

// PollTimeout is the bounded timeout the reactor blocks in its readiness
// primitive for (spec §4.8: "≈50ms"). It doubles as the periodic-tick
// period: every handler's OnTick runs once per Wait call regardless of
// whether that call returned any ready ids.
const PollTimeout = 50 * time.Millisecond

// ErrReadinessPrimitiveCreate and ErrThreadCreate are the reactor's two
// construction failure modes (spec §4.8).
var (
	ErrReadinessPrimitiveCreate = pkgerrors.New("reactor: could not create readiness primitive")
	ErrThreadCreate             = pkgerrors.New("reactor: could not start reactor thread")
)

// Watcher is the OS-specific readiness primitive the reactor polls. It is
// the one external collaborator spec §2 calls out by name; production
// code is backed by epollWatcher (epoll_linux.go), and tests can supply a
// fake that never touches the kernel.
type Watcher interface {
	// Add registers fd under id for read-readiness notification.
	Add(id uint64, fd int) error
	// Remove deregisters id.
	Remove(id uint64) error
	// Wait blocks up to timeout for readiness, returning the ids that
	// became readable. It returns (nil, nil) on a plain timeout, and
	// likewise on Interrupted rather than surfacing it (spec §4.8:
	// "Spurious wakeups (Interrupted) are ignored").
	Wait(timeout time.Duration) ([]uint64, error)
	Close() error
}

// Handler is what add_handler associates with an id: a readiness callback
// and an optional periodic callback invoked every pass independent of
// readiness (the send-buffer flush and retransmission sweep of spec
// §4.4/§4.5 need exactly this).
type Handler struct {
	OnReadable func()
	OnTick     func()

	file *os.File // the duplicated fd registered with the watcher; owned here.
}

// Reactor is the process singleton described in spec §3/§4.8.
type Reactor struct {
	watcher Watcher
	log     *logrus.Entry

	mu       sync.Mutex
	handlers map[uint64]*Handler

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

var (
	singleton     *Reactor
	singletonOnce sync.Once
	singletonErr  error
)

// Get returns the process-singleton Reactor, constructing it exactly once
// on first call with newWatcher (spec §4.8: "created lazily and exactly
// once"). Subsequent calls ignore newWatcher and return the same instance.
func Get(newWatcher func() (Watcher, error), log *logrus.Entry) (*Reactor, error) {
	singletonOnce.Do(func() {
		w, err := newWatcher()
		if err != nil {
			singletonErr = pkgerrors.Wrap(ErrReadinessPrimitiveCreate, err.Error())
			return
		}
		r := &Reactor{
			watcher:  w,
			log:      log,
			handlers: make(map[uint64]*Handler),
			stop:     make(chan struct{}),
			done:     make(chan struct{}),
		}
		r.running.Store(true)
		go r.loop()
		singleton = r
	})
	return singleton, singletonErr
}

// AddHandler registers a handler under id, watching file's descriptor.
// file is expected to be a duplicate of the endpoint's descriptor made by
// the caller (spec: the core never touches an OS descriptor directly);
// the reactor takes ownership of it and closes it in RemoveHandler.
func (r *Reactor) AddHandler(id uint64, file *os.File, onReadable func(), onTick func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.watcher.Add(id, int(file.Fd())); err != nil {
		return pkgerrors.Wrapf(err, "reactor: register handler %d", id)
	}
	r.handlers[id] = &Handler{OnReadable: onReadable, OnTick: onTick, file: file}
	return nil
}

// RemoveHandler deregisters id and closes its duplicated descriptor.
func (r *Reactor) RemoveHandler(id uint64) {
	r.mu.Lock()
	h, ok := r.handlers[id]
	if ok {
		delete(r.handlers, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := r.watcher.Remove(id); err != nil {
		r.log.WithError(err).WithField("id", id).Warn("failed to deregister handler")
	}
	_ = h.file.Close()
}

// loop is the reactor thread's body: wait for readiness with a bounded
// timeout, dispatch ready ids in sorted order (groups all listeners ahead
// of all connections, spec §4.8), then run every handler's periodic tick.
func (r *Reactor) loop() {
	defer close(r.done)

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		ids, err := r.watcher.Wait(PollTimeout)
		if err != nil {
			r.log.WithError(err).Warn("readiness wait failed; continuing")
			continue
		}

		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			r.dispatch(id)
		}

		r.tickAll()
	}
}

func (r *Reactor) dispatch(id uint64) {
	r.mu.Lock()
	h, ok := r.handlers[id]
	r.mu.Unlock()

	if !ok {
		// An unregistered event id is a bug: the watcher only ever
		// reports ids we registered, and RemoveHandler deregisters from
		// the watcher and the map together under the same lock.
		panic("reactor: readiness event for an unregistered handler id")
	}
	h.OnReadable()
}

func (r *Reactor) tickAll() {
	r.mu.Lock()
	snapshot := make([]*Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		snapshot = append(snapshot, h)
	}
	r.mu.Unlock()

	for _, h := range snapshot {
		if h.OnTick != nil {
			h.OnTick()
		}
	}
}

// Stop halts the reactor thread. The reactor is a process singleton that
// spec §4.8 says is "never torn down during process life"; Stop exists
// only so tests can construct and tear down an isolated Reactor without
// going through the process singleton (see NewForTest).
func (r *Reactor) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	close(r.stop)
	<-r.done
	_ = r.watcher.Close()
}

// NewForTest constructs a non-singleton Reactor for unit tests, bypassing
// Get's once-only production wiring.
func NewForTest(w Watcher, log *logrus.Entry) *Reactor {
	r := &Reactor{
		watcher:  w,
		log:      log,
		handlers: make(map[uint64]*Handler),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	r.running.Store(true)
	go r.loop()
	return r
}
