package corefab

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Side represents one direction of a duplex byte stream: a file
// descriptor plus a flag that, when set, defers Broker shutdown while the
// descriptor remains readable. A Side is owned by exactly one Stream,
// Waker, or IoLogger, and is closed exactly once.
type Side struct {
	mu        sync.Mutex
	fd        int
	keepAlive bool
}

func newSide(fd int, keepAlive bool) *Side {
	return &Side{fd: fd, keepAlive: keepAlive}
}

// Fd returns the underlying file descriptor. It fails with a StreamError
// once the Side has been closed, since an fd of -1 or 0 could otherwise be
// mistaken for a live descriptor.
func (s *Side) Fd() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd < 0 {
		return 0, newStreamError("side: fileno() called on closed side")
	}
	return s.fd, nil
}

// KeepAlive reports whether this Side should defer broker shutdown while it
// remains in the reader set.
func (s *Side) KeepAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepAlive
}

// Close closes the underlying descriptor, if not already closed. Safe to
// call more than once.
func (s *Side) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}
