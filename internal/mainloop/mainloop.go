//go:build linux

// Package mainloop hosts the machine's I/O thread: a small epoll loop the
// power-button handle and other readiness sources register with.
package mainloop

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// Manager lets the loop observe the machine lifecycle without owning it.
type Manager interface {
	// ShouldExit is polled after every wakeup.
	ShouldExit() bool
	// Cleanup runs once after the loop leaves.
	Cleanup() error
}

// Handler is invoked when its descriptor becomes readable.
type Handler func() error

// Loop is a single-threaded epoll dispatcher. Handlers run on the loop
// thread; they must not block.
type Loop struct {
	epfd int

	mu       sync.Mutex
	handlers map[int]Handler
}

// New creates the epoll instance.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("mainloop: epoll_create1: %w", err)
	}
	return &Loop{epfd: epfd, handlers: make(map[int]Handler)}, nil
}

// AddFd registers a readable-event handler for fd.
func (l *Loop) AddFd(fd int, handler Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.handlers[fd]; exists {
		return fmt.Errorf("mainloop: fd %d already registered", fd)
	}

	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("mainloop: add fd %d: %w", fd, err)
	}
	l.handlers[fd] = handler
	return nil
}

// DelFd removes a registered descriptor.
func (l *Loop) DelFd(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.handlers[fd]; !exists {
		return fmt.Errorf("mainloop: fd %d not registered", fd)
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("mainloop: del fd %d: %w", fd, err)
	}
	delete(l.handlers, fd)
	return nil
}

// Run dispatches events until the manager reports the machine is done, then
// performs cleanup.
func (l *Loop) Run(manager Manager) error {
	events := make([]unix.EpollEvent, 16)

	for !manager.ShouldExit() {
		n, err := unix.EpollWait(l.epfd, events, 100)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("mainloop: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			l.mu.Lock()
			handler := l.handlers[int(events[i].Fd)]
			l.mu.Unlock()
			if handler == nil {
				continue
			}
			if err := handler(); err != nil {
				slog.Error("mainloop: handler", "fd", events[i].Fd, "error", err)
			}
		}
	}

	if err := manager.Cleanup(); err != nil {
		return fmt.Errorf("mainloop: cleanup: %w", err)
	}
	return nil
}

// Close releases the epoll instance.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}
