package corefab

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSide_FdAndClose(t *testing.T) {
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_CLOEXEC))
	s := newSide(fds[0], false)

	fd, err := s.Fd()
	require.NoError(t, err)
	require.Equal(t, fds[0], fd)

	require.NoError(t, s.Close())
	_, err = s.Fd()
	require.Error(t, err)

	// Closing twice must not panic or double-close a reused fd number.
	require.NoError(t, s.Close())

	_ = unix.Close(fds[1])
}

func TestSide_KeepAlive(t *testing.T) {
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_CLOEXEC))
	defer unix.Close(fds[1])

	s := newSide(fds[0], true)
	require.True(t, s.KeepAlive())
	require.NoError(t, s.Close())
}
