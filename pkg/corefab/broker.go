package corefab

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// brokerThreadKey tags a context.Context as originating on a particular
// Broker's own loop goroutine. Broker-owned dispatch code threads this
// context down to every callback it invokes; OnThread and SendAwait use it
// to tell broker-thread callers from everyone else.
type brokerThreadKey struct{}

// ioHandler is implemented by anything a Broker can poll: Stream, Waker,
// IoLogger. It mirrors BasicStream's on_receive/on_transmit/on_disconnect/
// on_shutdown quartet.
type ioHandler interface {
	receiveSide() *Side
	transmitSide() *Side
	onReceive(ctx context.Context) error
	onTransmit(ctx context.Context) error
	onDisconnect(ctx context.Context)
	onShutdown(ctx context.Context)
}

// Broker is the single dedicated I/O goroutine. It owns the reader/writer
// readiness sets and a cross-goroutine task queue; callbacks it invokes run
// serially and must never block.
type Broker struct {
	cfg   *Config
	waker *Waker

	// readers/writers are mutated only by the broker's own goroutine; every
	// external request to change them is routed through the task queue.
	readers map[*Side]ioHandler
	writers map[*Side]ioHandler

	tasks chan func()
	alive int32 // atomic

	shutdownDeadline time.Time
	inShutdown       bool

	doneCh chan struct{}
}

// NewBroker starts the broker's I/O goroutine and returns once it is ready
// to accept registrations.
func NewBroker(cfg *Config) (*Broker, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	w, err := newWaker()
	if err != nil {
		return nil, err
	}
	b := &Broker{
		cfg:     cfg,
		waker:   w,
		readers: make(map[*Side]ioHandler),
		writers: make(map[*Side]ioHandler),
		tasks:   make(chan func(), 64),
		alive:   1,
		doneCh:  make(chan struct{}),
	}
	b.readers[w.receiveSide] = wakerHandler{w}
	go b.run()
	return b, nil
}

// wakerHandler adapts Waker to ioHandler; only onReceive and receiveSide do
// anything meaningful, since the Waker never needs write readiness or
// shutdown draining.
type wakerHandler struct{ w *Waker }

func (h wakerHandler) receiveSide() *Side                 { return h.w.receiveSide }
func (h wakerHandler) transmitSide() *Side                 { return nil }
func (h wakerHandler) onReceive(ctx context.Context) error { return h.w.onReceive() }
func (h wakerHandler) onTransmit(ctx context.Context) error { return nil }
func (h wakerHandler) onDisconnect(ctx context.Context)     {}
func (h wakerHandler) onShutdown(ctx context.Context)       {}

// onBrokerThread reports whether ctx was stamped by this broker's own loop.
func (b *Broker) onBrokerThread(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(brokerThreadKey{}).(*Broker)
	return v == b
}

// OnThread runs fn on the broker goroutine: inline if ctx shows the caller
// is already there, otherwise enqueued and woken. Safe to call from any
// goroutine.
func (b *Broker) OnThread(ctx context.Context, fn func()) {
	if b.onBrokerThread(ctx) {
		fn()
		return
	}
	b.tasks <- fn
	b.waker.Wake()
}

// StartReceive marks h's receive side as eligible for read readiness.
func (b *Broker) StartReceive(ctx context.Context, h ioHandler) {
	side := h.receiveSide()
	if side == nil {
		return
	}
	b.OnThread(ctx, func() { b.readers[side] = h })
}

// StopReceive removes h's receive side from the reader set.
func (b *Broker) StopReceive(ctx context.Context, h ioHandler) {
	side := h.receiveSide()
	if side == nil {
		return
	}
	b.OnThread(ctx, func() { delete(b.readers, side) })
}

// StartTransmit marks h's transmit side as eligible for write readiness.
func (b *Broker) StartTransmit(ctx context.Context, h ioHandler) {
	side := h.transmitSide()
	if side == nil {
		return
	}
	b.OnThread(ctx, func() { b.writers[side] = h })
}

// StopTransmit removes h's transmit side from the writer set.
func (b *Broker) StopTransmit(ctx context.Context, h ioHandler) {
	side := h.transmitSide()
	if side == nil {
		return
	}
	b.OnThread(ctx, func() { delete(b.writers, side) })
}

// Shutdown requests a graceful stop: the next loop turn begins the shutdown
// sequence. Safe from any goroutine.
func (b *Broker) Shutdown() {
	if atomic.SwapInt32(&b.alive, 0) == 0 {
		return
	}
	b.waker.Wake()
}

// Join blocks until the broker goroutine has exited.
func (b *Broker) Join() { <-b.doneCh }

func (b *Broker) run() {
	defer close(b.doneCh)
	ctx := context.WithValue(context.Background(), brokerThreadKey{}, b)

	for atomic.LoadInt32(&b.alive) == 1 {
		b.loopOnce(ctx, -1)
	}

	for h := range b.allHandlers() {
		b.callVoid(ctx, h, h.onShutdown)
	}

	deadline := time.Now().Add(b.cfg.shutdownTimeout)
	for b.keepAliveCount() > 0 && time.Now().Before(deadline) {
		b.loopOnce(ctx, time.Until(deadline))
	}

	if b.keepAliveCount() > 0 {
		log.Warning("broker: some streams did not close gracefully during shutdown")
	}

	for h := range b.allHandlers() {
		b.callVoid(ctx, h, h.onDisconnect)
	}
	b.waker.close()
}

// allHandlers returns the set of distinct handlers currently referenced by
// either readiness set, deduplicated (a handler commonly owns both sides).
func (b *Broker) allHandlers() map[ioHandler]struct{} {
	out := make(map[ioHandler]struct{})
	for _, h := range b.readers {
		out[h] = struct{}{}
	}
	for _, h := range b.writers {
		out[h] = struct{}{}
	}
	return out
}

func (b *Broker) keepAliveCount() int {
	n := 0
	for side := range b.readers {
		if side.KeepAlive() {
			n++
		}
	}
	return n
}

// drainTasks runs every task currently queued, without blocking for more.
func (b *Broker) drainTasks() {
	for {
		select {
		case fn := <-b.tasks:
			fn()
		default:
			return
		}
	}
}

// loopOnce drains the task queue, polls for readiness (bounded by timeout;
// timeout < 0 means block indefinitely), and dispatches ready handlers. A
// reader's and writer's Side are always distinct *Side values even when
// they belong to the same Stream, so no fd ever needs two pollfd entries
// merged together.
func (b *Broker) loopOnce(ctx context.Context, timeout time.Duration) {
	b.drainTasks()

	var fds []unix.PollFd
	handlerOf := make(map[int]ioHandler, len(b.readers)+len(b.writers))
	eventOf := make(map[int]int16, len(b.readers)+len(b.writers))

	for side, h := range b.readers {
		fd, err := side.Fd()
		if err != nil {
			continue
		}
		handlerOf[fd] = h
		eventOf[fd] |= unix.POLLIN
	}
	for side, h := range b.writers {
		fd, err := side.Fd()
		if err != nil {
			continue
		}
		handlerOf[fd] = h
		eventOf[fd] |= unix.POLLOUT
	}
	for fd, ev := range eventOf {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: ev})
	}

	if len(fds) == 0 {
		// Nothing to wait on; still honor a bounded timeout so shutdown
		// draining terminates.
		if timeout >= 0 {
			time.Sleep(minDuration(timeout, 50*time.Millisecond))
		}
		return
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
	}
	n, err := unix.Poll(fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return
		}
		log.Errorf("broker: poll: %v", err)
		return
	}
	if n == 0 {
		return
	}

	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		h := handlerOf[int(pfd.Fd)]
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			b.callIO(ctx, h, h.onReceive)
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			b.callIO(ctx, h, h.onTransmit)
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// callIO invokes method on h, logging and disconnecting h on error or
// panic; any escaping exception is contained here so the loop never dies.
func (b *Broker) callIO(ctx context.Context, h ioHandler, method func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("broker: handler panicked: %v", r)
			h.onDisconnect(ctx)
		}
	}()
	if err := method(ctx); err != nil {
		log.Errorf("broker: handler error: %v", err)
		h.onDisconnect(ctx)
	}
}

func (b *Broker) callVoid(ctx context.Context, h ioHandler, method func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("broker: handler panicked during shutdown: %v", r)
		}
	}()
	method(ctx)
}
