//go:build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"

	pkgerrors "github.com/pkg/errors"
)

// epollWatcher is the production Watcher, grounded in the epoll_create1/
// epoll_ctl/epoll_wait event loop of the original source
// (original_source/src/event_loop.cpp) and the pack's idiomatic Go
// binding for it, golang.org/x/sys/unix — the most frequently retrieved
// third-party module across the example corpus.
type epollWatcher struct {
	fd int
	// fdToID tracks which handler id owns each registered fd, since
	// EpollEvent.Fd is what epoll_wait hands back, not our own id space.
	fdToID map[int]uint64
	idToFd map[uint64]int
}

// NewEpollWatcher constructs a Watcher backed by a fresh epoll instance.
func NewEpollWatcher() (Watcher, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reactor: epoll_create1")
	}
	return &epollWatcher{
		fd:     fd,
		fdToID: make(map[int]uint64),
		idToFd: make(map[uint64]int),
	}, nil
}

func (w *epollWatcher) Add(id uint64, fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(w.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return pkgerrors.Wrapf(err, "reactor: epoll_ctl add fd=%d", fd)
	}
	w.fdToID[fd] = id
	w.idToFd[id] = fd
	return nil
}

func (w *epollWatcher) Remove(id uint64) error {
	fd, ok := w.idToFd[id]
	if !ok {
		return nil
	}
	delete(w.idToFd, id)
	delete(w.fdToID, fd)

	if err := unix.EpollCtl(w.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return pkgerrors.Wrapf(err, "reactor: epoll_ctl del fd=%d", fd)
	}
	return nil
}

func (w *epollWatcher) Wait(timeout time.Duration) ([]uint64, error) {
	events := make([]unix.EpollEvent, 64)

	n, err := unix.EpollWait(w.fd, events, int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil // spurious wakeup, spec §4.8: ignore.
		}
		return nil, pkgerrors.Wrap(err, "reactor: epoll_wait")
	}

	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if id, ok := w.fdToID[fd]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (w *epollWatcher) Close() error {
	return unix.Close(w.fd)
}
