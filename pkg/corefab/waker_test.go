package corefab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestWaker_WakeUnblocksPoll(t *testing.T) {
	w, err := newWaker()
	require.NoError(t, err)
	defer w.close()

	rfd, err := w.receiveSide.Fd()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		fds := []unix.PollFd{{Fd: int32(rfd), Events: unix.POLLIN}}
		_, err := unix.Poll(fds, 2000)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	w.Wake()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poll never woke up")
	}

	require.NoError(t, w.onReceive())
}

func TestWaker_RepeatedWakeDoesNotError(t *testing.T) {
	w, err := newWaker()
	require.NoError(t, err)
	defer w.close()

	for i := 0; i < 5; i++ {
		w.Wake()
	}

	// However many bytes landed in the pipe, a single onReceive call must
	// not error; EAGAIN after the buffered byte(s) are read is swallowed.
	require.NoError(t, w.onReceive())
}
