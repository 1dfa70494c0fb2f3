package corefab

import (
	"context"
	"sync"
	"time"
)

// handlerEntry is one slot in a Context's handle table: a callback plus
// whether it survives past its first invocation.
type handlerEntry struct {
	fn      func(ctx context.Context, msg *Message)
	persist bool
}

// Context is a remote peer identity plus a local handle table for messages
// addressed to that peer: every handler registered via AddHandler only
// ever fires for deliveries attributed to this one peer's context ID.
type Context struct {
	router *Router
	id     uint32
	name   string
	key    []byte

	mu         sync.Mutex
	handles    map[uint32]handlerEntry
	nextHandle uint32
}

// NewContext constructs a Context representing the peer identified by id.
// key is the shared secret used for any Stream reaching that peer; it is
// carried here only for bookkeeping (Stream derivation happens
// separately).
func NewContext(router *Router, id uint32, name string, key []byte) *Context {
	return &Context{
		router:     router,
		id:         id,
		name:       name,
		key:        key,
		handles:    make(map[uint32]handlerEntry),
		nextHandle: firstUserHandle,
	}
}

// ID returns the remote peer's context ID this Context represents.
func (c *Context) ID() uint32 { return c.id }

// AddHandler allocates a fresh handle and binds fn to it. Returned handles
// are strictly monotonic and never collide with the reserved system
// handles, since allocation starts at 1000. Binding a specific reserved
// handle is done by addReservedHandler instead.
func (c *Context) AddHandler(fn func(ctx context.Context, msg *Message), persist bool) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	handle := c.nextHandle
	c.nextHandle++
	c.handles[handle] = handlerEntry{fn: fn, persist: persist}
	return handle
}

// addReservedHandler binds fn to a pre-allocated handle (100-103) without
// touching the monotonic counter.
func (c *Context) addReservedHandler(handle uint32, fn func(ctx context.Context, msg *Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[handle] = handlerEntry{fn: fn, persist: true}
}

// deliver looks up msg.Handle, removing non-persistent entries before
// running the callback so a handler that panics never leaks its slot. A
// panic or error from fn is logged and swallowed, never propagated to the
// Router; the handle table must stay intact.
func (c *Context) deliver(ctx context.Context, msg *Message) {
	c.mu.Lock()
	entry, ok := c.handles[msg.Handle]
	if ok && !entry.persist {
		delete(c.handles, msg.Handle)
	}
	c.mu.Unlock()

	if !ok {
		log.Warningf("context %d: no handler for %s", c.id, msg.String())
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("context %d: handler for handle %d panicked: %v", c.id, msg.Handle, r)
		}
	}()
	entry.fn(ctx, msg)
}

// Send stamps dst_id from this Context and src_id from the process-wide
// ID, then submits the message to the Router.
func (c *Context) Send(ctx context.Context, handle uint32, data []byte) {
	c.router.Route(ctx, &Message{
		DstID:  c.id,
		SrcID:  CurrentContextID(),
		Handle: handle,
		Data:   data,
	})
}

// SendAwait is the synchronous request/reply primitive used by Importer:
// it registers a one-shot handler, stamps reply_to with that handle,
// sends, and blocks on a private queue up to timeout (0 means wait
// forever). Calling from the broker thread is illegal, since that would
// self-deadlock the only goroutine able to deliver the reply, and fails
// immediately.
func (c *Context) SendAwait(ctx context.Context, handle uint32, data []byte, timeout time.Duration) (*Message, error) {
	if c.router.broker.onBrokerThread(ctx) {
		return nil, newStreamError("context %d: send_await called from the broker thread", c.id)
	}

	replyCh := make(chan *Message, 1)
	var replyHandle uint32
	replyHandle = c.AddHandler(func(_ context.Context, msg *Message) {
		select {
		case replyCh <- msg:
		default:
		}
	}, false)

	c.router.Route(ctx, &Message{
		DstID:   c.id,
		SrcID:   CurrentContextID(),
		Handle:  handle,
		ReplyTo: replyHandle,
		Data:    data,
	})

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case reply := <-replyCh:
		env, err := decodeEnvelope(reply.Data)
		if err == nil && env.Dead {
			return nil, newStreamError("context %d: peer disappeared during send_await", c.id)
		}
		return reply, nil
	case <-timeoutCh:
		return nil, newTimeoutError("context %d: send_await(handle=%d) timed out after %s", c.id, handle, timeout)
	}
}

// onShutdown delivers a synthetic _DEAD to every registered handler so
// blocked waiters unblock with a clear error, then empties the table.
func (c *Context) onShutdown(ctx context.Context) {
	c.mu.Lock()
	entries := make([]handlerEntry, 0, len(c.handles))
	for _, e := range c.handles {
		entries = append(entries, e)
	}
	c.handles = make(map[uint32]handlerEntry)
	c.mu.Unlock()

	dead := &Message{DstID: CurrentContextID(), SrcID: c.id, Data: encodeDead()}
	for _, e := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("context %d: handler panicked during shutdown delivery: %v", c.id, r)
				}
			}()
			e.fn(ctx, dead)
		}()
	}
}
