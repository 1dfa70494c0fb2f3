package corefab

import (
	"bytes"
	"context"
	"strconv"
	"sync"
)

// encodeAddRoutePayload formats the ADD_ROUTE (103) payload: two ASCII
// decimal integers separated by a NUL byte.
func encodeAddRoutePayload(targetID, viaID uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString(strconv.FormatUint(uint64(targetID), 10))
	buf.WriteByte(0)
	buf.WriteString(strconv.FormatUint(uint64(viaID), 10))
	return buf.Bytes()
}

func parseAddRoutePayload(data []byte) (targetID, viaID uint32, ok bool) {
	parts := bytes.SplitN(data, []byte{0}, 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	t, err := strconv.ParseUint(string(parts[0]), 10, 32)
	if err != nil {
		return 0, 0, false
	}
	v, err := strconv.ParseUint(string(parts[1]), 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint32(t), uint32(v), true
}

// SendAddRoute teaches child (reached via childCtx) that targetID is
// reachable through whichever Stream already reaches viaID. Used by a
// parent process after spawning a new descendant, or after learning of a
// cousin context through one of its own children.
func (r *Router) SendAddRoute(ctx context.Context, childCtx *Context, targetID, viaID uint32) {
	childCtx.Send(ctx, HandleAddRoute, encodeAddRoutePayload(targetID, viaID))
}

// Router dispatches every Message that arrives on any Stream, or that a
// local Context addresses to a remote one, to the right next hop: a local
// Context's handle table, or a Stream bound to some other peer. Every
// mutation of its routing tables happens on the broker goroutine, so reads
// during Route never race a concurrent AddRoute/SetParent.
type Router struct {
	broker *Broker

	mu          sync.Mutex
	streamByID  map[uint32]*Stream  // remote context ID -> the Stream that reaches it directly
	contextByID map[uint32]*Context // remote context ID -> the Context (handle table) for that peer
	parentID    uint32
	parentSet   bool
}

// NewRouter constructs a Router bound to broker. broker must already be
// running.
func NewRouter(broker *Broker) *Router {
	return &Router{
		broker:      broker,
		streamByID:  make(map[uint32]*Stream),
		contextByID: make(map[uint32]*Context),
	}
}

// AddContext registers c as the handle table consulted for messages whose
// src_id is c.ID() and whose dst_id names this process.
func (r *Router) AddContext(ctx context.Context, c *Context) {
	r.broker.OnThread(ctx, func() {
		r.mu.Lock()
		r.contextByID[c.ID()] = c
		r.mu.Unlock()
	})
}

// RegisterStream records that remoteID is reachable directly via s, and
// fires StreamConnectHook. Called once a Stream has completed Accept.
func (r *Router) RegisterStream(ctx context.Context, remoteID uint32, s *Stream) {
	r.broker.OnThread(ctx, func() {
		r.mu.Lock()
		r.streamByID[remoteID] = s
		r.mu.Unlock()
		r.broker.cfg.hooks.each(func(h Hook) {
			if ch, ok := h.(StreamConnectHook); ok {
				ch.OnStreamConnect(remoteID)
			}
		})
	})
}

// Register binds c and s together as the representation of one peer: c's
// handle table answers messages from that peer, s is how outgoing
// messages reach it, and s begins receiving.
func (r *Router) Register(ctx context.Context, c *Context, s *Stream) {
	r.AddContext(ctx, c)
	r.RegisterStream(ctx, c.ID(), s)
	r.broker.StartReceive(ctx, s)
}

// AddRoute installs targetID as reachable via the same Stream already used
// to reach viaID. The Go side of the reserved ADD_ROUTE (103) handler, used
// when a descendant learns of a new sibling or grandchild context through
// its parent.
func (r *Router) AddRoute(ctx context.Context, targetID, viaID uint32) {
	r.broker.OnThread(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		s, ok := r.streamByID[viaID]
		if !ok {
			log.Warningf("router: AddRoute(%d via %d): no stream for via", targetID, viaID)
			return
		}
		r.streamByID[targetID] = s
	})
}

// SetParent records parent as this process's upstream context, the
// terminal link severed when its Stream disconnects, and installs the
// ADD_ROUTE (103) handler on it: a "target_id\x00via_id" payload (ASCII
// decimal) teaches this process to reach target_id through whichever
// Stream already reaches via_id.
func (r *Router) SetParent(parent *Context) {
	r.mu.Lock()
	r.parentID = parent.ID()
	r.parentSet = true
	r.mu.Unlock()

	parent.addReservedHandler(HandleAddRoute, func(ctx context.Context, msg *Message) {
		targetID, viaID, ok := parseAddRoutePayload(msg.Data)
		if !ok {
			log.Warningf("router: malformed ADD_ROUTE payload %q", msg.Data)
			return
		}
		r.AddRoute(ctx, targetID, viaID)
	})
}

// ParentID reports this process's parent context ID, if any.
func (r *Router) ParentID() (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parentID, r.parentSet
}

// Route delivers msg to the local Context representing its sender, or
// forwards it on the Stream reaching msg.DstID, always from the broker
// goroutine. An unroutable destination is dropped and logged, never an
// error returned to the sender, matching the fire-and-forget nature of
// the wire protocol.
func (r *Router) Route(ctx context.Context, msg *Message) {
	r.broker.OnThread(ctx, func() {
		isLocal := msg.DstID == CurrentContextID()

		r.mu.Lock()
		c, haveContext := r.contextByID[msg.SrcID]
		s, hasRoute := r.streamByID[msg.DstID]
		r.mu.Unlock()

		switch {
		case isLocal && haveContext:
			c.deliver(ctx, msg)
		case hasRoute:
			s.Send(ctx, msg)
		default:
			log.Warningf("router: no route for %s", msg.String())
		}
	})
}

// onStreamDisconnect drops every route that pointed at s. If s was the
// Stream to this process's parent, it also tears down every local Context,
// since the parent link is terminal.
func (r *Router) onStreamDisconnect(ctx context.Context, s *Stream) {
	r.mu.Lock()
	parentLost := false
	if r.parentSet {
		if via, ok := r.streamByID[r.parentID]; ok && via == s {
			parentLost = true
		}
	}
	for id, via := range r.streamByID {
		if via == s {
			delete(r.streamByID, id)
		}
	}
	contexts := make([]*Context, 0, len(r.contextByID))
	for _, c := range r.contextByID {
		contexts = append(contexts, c)
	}
	r.mu.Unlock()

	if parentLost {
		log.Warning("router: parent stream disconnected, shutting down local contexts")
		for _, c := range contexts {
			c.onShutdown(ctx)
		}
		r.broker.Shutdown()
	}
}
