package corefab

import (
	"context"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// channelQueueDepth bounds how many received Messages a Channel will
// buffer for Get; once it is full, further deliveries are dropped with a
// warning rather than stalling the broker goroutine delivering into it.
const channelQueueDepth = 128

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

// Channel binds one handle on a Context to a thread-safe blocking queue,
// the user-facing receive primitive. Exactly one Channel is ever the
// persistent handler for its handle.
type Channel struct {
	ctx    *Context
	handle uint32
	queue  chan *Message
	cfg    *Config
}

// NewChannel allocates a fresh handle on peerCtx and binds a persistent
// handler that enqueues every delivered Message. Use this when the handle
// number itself will be communicated to the peer out of band (e.g.
// returned from a CALL_FUNCTION reply).
func NewChannel(peerCtx *Context, cfg *Config) *Channel {
	return newChannel(peerCtx, 0, cfg)
}

// NewChannelOnHandle binds a Channel to a specific, pre-agreed handle,
// used for system channels both peers know the number of in advance, such
// as CALL_FUNCTION (101).
func NewChannelOnHandle(peerCtx *Context, handle uint32, cfg *Config) *Channel {
	return newChannel(peerCtx, handle, cfg)
}

func newChannel(peerCtx *Context, handle uint32, cfg *Config) *Channel {
	if cfg == nil {
		cfg = NewConfig()
	}
	c := &Channel{ctx: peerCtx, cfg: cfg, queue: make(chan *Message, channelQueueDepth)}
	if handle == 0 {
		c.handle = peerCtx.AddHandler(c.onDeliver, true)
	} else {
		c.handle = handle
		peerCtx.addReservedHandler(handle, c.onDeliver)
	}
	return c
}

// Handle returns the handle this Channel answers on.
func (c *Channel) Handle() uint32 { return c.handle }

func (c *Channel) onDeliver(_ context.Context, msg *Message) {
	select {
	case c.queue <- msg:
	default:
		log.Warningf("channel %d: queue full, dropping %s", c.handle, msg.String())
	}
}

// Put serializes v and sends it to the peer on this Channel's handle,
// compressing the encoded payload when it exceeds compressThreshold.
func (c *Channel) Put(ctx context.Context, v interface{}) error {
	data, err := EncodeValue(v)
	if err != nil {
		return err
	}
	data = c.maybeCompress(data)
	c.ctx.Send(ctx, c.handle, data)
	return nil
}

// Close sends the _DEAD sentinel, signaling closure to the peer's
// corresponding Channel.
func (c *Channel) Close(ctx context.Context) {
	c.ctx.Send(ctx, c.handle, c.maybeCompress(encodeDead()))
}

// Get blocks up to timeout (0 means forever) for the next Message, then
// deserializes its payload off the broker thread: deserialization can
// import modules and run arbitrary time, so it must never happen inline
// with delivery. A _DEAD sentinel raises *ChannelError; a decoded
// *CallError is returned as the error directly.
func (c *Channel) Get(timeout time.Duration) (*Message, interface{}, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case msg := <-c.queue:
		payload, err := DecodePayload(c.maybeDecompress(msg.Data))
		if err != nil {
			return msg, nil, err
		}
		return msg, payload, nil
	case <-timeoutCh:
		return nil, nil, newTimeoutError("channel %d: get timed out after %s", c.handle, timeout)
	}
}

// Range calls fn for every Message/payload pair received until the
// channel closes (a _DEAD sentinel), Get returns any other error (such as
// a decoded *CallError), or fn returns false.
func (c *Channel) Range(fn func(msg *Message, payload interface{}) bool) {
	for {
		msg, payload, err := c.Get(0)
		if err != nil {
			return
		}
		if !fn(msg, payload) {
			return
		}
	}
}

// Compression envelope byte prepended to every payload Put or Close sends,
// so the receiver knows whether to decompress without sniffing the format
// of the decoded bytes. snappy in particular will mis-succeed decoding
// arbitrary CBOR, so the flag has to be explicit rather than inferred from
// whether decompression happens to return an error.
const (
	envelopeUncompressed byte = 0
	envelopeCompressed   byte = 1
)

func (c *Channel) maybeCompress(data []byte) []byte {
	if len(data) <= compressThreshold || c.cfg.channelCompression == CompressNone {
		return append([]byte{envelopeUncompressed}, data...)
	}
	var compressed []byte
	switch c.cfg.channelCompression {
	case CompressZstd:
		compressed = zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)))
	case CompressSnappy:
		compressed = snappy.Encode(nil, data)
	default:
		return append([]byte{envelopeUncompressed}, data...)
	}
	return append([]byte{envelopeCompressed}, compressed...)
}

func (c *Channel) maybeDecompress(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	flag, payload := data[0], data[1:]
	if flag == envelopeUncompressed {
		return payload
	}
	switch c.cfg.channelCompression {
	case CompressZstd:
		if out, err := zstdDecoder.DecodeAll(payload, nil); err == nil {
			return out
		}
	case CompressSnappy:
		if out, err := snappy.Decode(nil, payload); err == nil {
			return out
		}
	}
	return payload
}
