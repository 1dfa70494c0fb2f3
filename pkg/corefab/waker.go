package corefab

import (
	"golang.org/x/sys/unix"
)

// Waker implements the UNIX self-pipe trick: a pipe whose write end is
// poked from another goroutine to interrupt the Broker's blocking poll,
// converting a cross-goroutine state change into a readable-fd event
// without resorting to busy polling. Broker.OnThread only ever reaches
// Wake() on the "not already on the broker goroutine" path; Wake itself
// does not check and always attempts the write, so a Broker.Shutdown
// issued from the broker goroutine also writes a byte, which the loop
// drains on its next turn.
type Waker struct {
	receiveSide  *Side
	transmitSide *Side
}

func newWaker() (*Waker, error) {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, wrapStreamError(err, "waker: pipe2: %v", err)
	}
	return &Waker{
		receiveSide:  newSide(fds[0], false),
		transmitSide: newSide(fds[1], false),
	}, nil
}

// Wake writes a single byte to the self-pipe, causing a blocked Broker poll
// to return. EAGAIN means a wake is already pending and is ignored: the
// pipe only needs to become readable once for the broker to drain its task
// queue and re-check readiness.
func (w *Waker) Wake() {
	fd, err := w.transmitSide.Fd()
	if err != nil {
		return
	}
	var b [1]byte
	_, err = unix.Write(fd, b[:])
	for err == unix.EINTR {
		_, err = unix.Write(fd, b[:])
	}
}

// onReceive drains a single byte from the self-pipe.
func (w *Waker) onReceive() error {
	fd, err := w.receiveSide.Fd()
	if err != nil {
		return err
	}
	var b [1]byte
	_, err = unix.Read(fd, b[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (w *Waker) close() {
	_ = w.receiveSide.Close()
	_ = w.transmitSide.Close()
}
