package corefab

import (
	"bytes"
	"context"

	logging "gopkg.in/op/go-logging.v1"
	"golang.org/x/sys/unix"
)

// IoLogger replaces a standard descriptor (stdout or stderr) with the
// write end of a socket pair, reads whole lines from the read end on the
// broker, and logs each at INFO to a named logger. Its receive Side is
// keep_alive=true so the broker's shutdown sequence drains buffered lines
// before forcing disconnect. It also retains the socket's write end as
// tSide, unused for poll dispatch but held open so onShutdown can shut it
// down directly and force EOF on rSide.
type IoLogger struct {
	name   string
	logger *logging.Logger
	broker *Broker
	rSide  *Side
	tSide  *Side
	buf    []byte
}

// NewIoLogger creates a socket pair and dup2's its write end onto fd
// (typically unix.Stdout or unix.Stderr), returning an IoLogger ready to
// register with broker.
func NewIoLogger(broker *Broker, name string, fd int) (*IoLogger, error) {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, wrapStreamError(err, "iologger %s: socketpair: %v", name, err)
	}
	if err := unix.Dup2(pair[1], fd); err != nil {
		_ = unix.Close(pair[0])
		_ = unix.Close(pair[1])
		return nil, wrapStreamError(err, "iologger %s: dup2: %v", name, err)
	}

	return &IoLogger{
		name:   name,
		logger: logging.MustGetLogger("corefab.io." + name),
		broker: broker,
		rSide:  newSide(pair[0], true),
		tSide:  newSide(pair[1], false),
	}, nil
}

func (l *IoLogger) receiveSide() *Side  { return l.rSide }
func (l *IoLogger) transmitSide() *Side { return nil }

func (l *IoLogger) onReceive(ctx context.Context) error {
	fd, err := l.rSide.Fd()
	if err != nil {
		return err
	}
	chunk := make([]byte, 4096)
	n, err := unix.Read(fd, chunk)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return nil
		}
		if err == unix.ECONNRESET || err == unix.EIO {
			n = 0
		} else {
			return wrapStreamError(err, "iologger %s: read: %v", l.name, err)
		}
	}
	if n == 0 {
		l.flushRemainder()
		l.onDisconnect(ctx)
		return nil
	}

	l.buf = append(l.buf, chunk[:n]...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		line := string(l.buf[:i])
		l.buf = l.buf[i+1:]
		iolog.Infof("%s: %s", l.name, line)
		l.logger.Info(line)
	}
	return nil
}

func (l *IoLogger) flushRemainder() {
	if len(l.buf) == 0 {
		return
	}
	l.logger.Info(string(l.buf))
	l.buf = nil
}

func (l *IoLogger) onTransmit(ctx context.Context) error { return nil }

// onDisconnect stops read readiness and closes both sides, same as
// Stream.onDisconnect, so a drained IoLogger stops counting toward
// keepAliveCount.
func (l *IoLogger) onDisconnect(ctx context.Context) {
	l.broker.StopReceive(ctx, l)
	_ = l.rSide.Close()
	if l.tSide != nil {
		_ = l.tSide.Close()
	}
}

// onShutdown shuts down the write end of the socket pair, so rSide sees
// EOF on its next poll and the buffered remainder gets flushed and
// disconnected instead of blocking the keep-alive drain for the full
// shutdown timeout.
func (l *IoLogger) onShutdown(ctx context.Context) {
	fd, err := l.tSide.Fd()
	if err != nil {
		return
	}
	if err := unix.Shutdown(fd, unix.SHUT_WR); err != nil {
		log.Warningf("iologger %s: shutdown write end: %v", l.name, err)
	}
}
