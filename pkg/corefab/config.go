package corefab

import "time"

// CompressionCodec selects the payload compression scheme a Channel applies
// to large values before framing. The Importer does not consult it: module
// source is always zstd-compressed.
type CompressionCodec int

const (
	CompressNone CompressionCodec = iota
	CompressZstd
	CompressSnappy
)

// compressThreshold is the minimum encoded payload size, in bytes, before
// compression is attempted. Below this, compression overhead would not pay
// for itself.
const compressThreshold = 4096

// Hook is the marker interface for broker observability callbacks. Callers
// implement whichever of the *Hook interfaces below are relevant and pass
// instances via WithHook; Broker (and Stream) type-assert against the
// concrete interfaces they care about, exactly as the franz-go client does
// with its own Hook family.
type Hook interface{}

// StreamConnectHook fires once a Stream has completed accept() and is
// registered with the Router.
type StreamConnectHook interface {
	OnStreamConnect(remoteID uint32)
}

// StreamDisconnectHook fires when a Stream is disconnected, cleanly or not.
type StreamDisconnectHook interface {
	OnStreamDisconnect(remoteID uint32, err error)
}

// MacMismatchHook fires when a received frame fails MAC verification,
// immediately before the Stream raises a StreamError and disconnects.
type MacMismatchHook interface {
	OnMacMismatch(remoteID uint32, expected, actual []byte)
}

type hookSet struct{ hooks []Hook }

func (hs *hookSet) each(fn func(Hook)) {
	for _, h := range hs.hooks {
		fn(h)
	}
}

// Config holds tunables shared by Broker, Stream, and Channel. Construct one
// via NewConfig with functional Options, the same pattern used for
// functional-options client configuration elsewhere in this codebase.
type Config struct {
	shutdownTimeout    time.Duration
	channelCompression CompressionCodec
	hooks              hookSet
}

// Option configures a Config.
type Option func(*Config)

// WithShutdownTimeout overrides the default 3-second grace period the
// Broker allows keep-alive Sides to drain during shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Config) { c.shutdownTimeout = d }
}

// WithChannelCompression selects the codec Channel.Put uses for payloads
// larger than compressThreshold. The default is CompressZstd.
func WithChannelCompression(codec CompressionCodec) Option {
	return func(c *Config) { c.channelCompression = codec }
}

// WithHook registers an observability hook. h should implement one or more
// of StreamConnectHook, StreamDisconnectHook, MacMismatchHook.
func WithHook(h Hook) Option {
	return func(c *Config) { c.hooks.hooks = append(c.hooks.hooks, h) }
}

// NewConfig builds a Config from Options, starting from sensible defaults.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		shutdownTimeout:    3 * time.Second,
		channelCompression: CompressZstd,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
