package corefab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewChannel_AutoAllocatesHandleAboveReserved(t *testing.T) {
	peer := NewContext(nil, 1, "peer", nil)
	ch := NewChannel(peer, nil)
	require.GreaterOrEqual(t, ch.Handle(), firstUserHandle)
}

func TestNewChannelOnHandle_BindsExactHandle(t *testing.T) {
	peer := NewContext(nil, 1, "peer", nil)
	ch := NewChannelOnHandle(peer, HandleCallFunction, nil)
	require.Equal(t, HandleCallFunction, ch.Handle())

	// AddHandler's own counter must be untouched by a reserved bind.
	next := peer.AddHandler(func(context.Context, *Message) {}, true)
	require.Equal(t, firstUserHandle, next)
}

func TestChannel_DeliveredMessageDecodesThroughGet(t *testing.T) {
	peer := NewContext(nil, 2, "peer", nil)
	ch := NewChannel(peer, nil)

	data, err := EncodeValue("hello")
	require.NoError(t, err)
	envelope := ch.maybeCompress(data)
	ch.onDeliver(context.Background(), &Message{DstID: 1, SrcID: 2, Handle: ch.Handle(), Data: envelope})

	_, payload, err := ch.Get(time.Second)
	require.NoError(t, err)
	require.Equal(t, "hello", payload)
}

func TestChannel_PutEncodesAndRoutesWithoutError(t *testing.T) {
	resetProcessContextIDForTest(t, 1)
	b := newTestBroker(t)
	r := NewRouter(b)
	peer := NewContext(r, 2, "peer", nil)
	r.AddContext(context.Background(), peer)

	// Put only hands the encoded value to the Router addressed at the
	// peer; with no Stream registered for peer's ID, Route silently drops
	// it (verified in router_test.go). Put itself must still succeed.
	ch := NewChannel(peer, nil)
	require.NoError(t, ch.Put(context.Background(), "hello"))
	time.Sleep(20 * time.Millisecond)
}

func TestChannel_GetTimesOutOnEmptyQueue(t *testing.T) {
	peer := NewContext(nil, 1, "peer", nil)
	ch := NewChannel(peer, nil)

	_, _, err := ch.Get(20 * time.Millisecond)
	require.Error(t, err)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
}

func TestChannel_OnDeliverDropsWhenQueueFull(t *testing.T) {
	peer := NewContext(nil, 1, "peer", nil)
	ch := NewChannel(peer, nil)

	data, err := EncodeValue(1)
	require.NoError(t, err)
	envelope := ch.maybeCompress(data)

	for i := 0; i < channelQueueDepth; i++ {
		ch.onDeliver(context.Background(), &Message{Handle: ch.Handle(), Data: envelope})
	}
	require.NotPanics(t, func() {
		ch.onDeliver(context.Background(), &Message{Handle: ch.Handle(), Data: envelope})
	})
}

func TestChannel_RangeStopsOnDeadSentinel(t *testing.T) {
	peer := NewContext(nil, 1, "peer", nil)
	ch := NewChannel(peer, nil)

	data, err := EncodeValue("one")
	require.NoError(t, err)
	ch.onDeliver(context.Background(), &Message{Handle: ch.Handle(), Data: ch.maybeCompress(data)})
	ch.onDeliver(context.Background(), &Message{Handle: ch.Handle(), Data: ch.maybeCompress(encodeDead())})

	var seen []interface{}
	ch.Range(func(msg *Message, payload interface{}) bool {
		seen = append(seen, payload)
		return true
	})

	require.Equal(t, []interface{}{"one"}, seen)
}

func TestMaybeCompress_ZstdRoundTrip(t *testing.T) {
	cfg := NewConfig(WithChannelCompression(CompressZstd))
	ch := &Channel{cfg: cfg}

	big := make([]byte, compressThreshold+1)
	for i := range big {
		big[i] = byte(i)
	}

	compressed := ch.maybeCompress(big)
	require.Equal(t, envelopeCompressed, compressed[0])
	require.NotEqual(t, big, compressed[1:])

	decompressed := ch.maybeDecompress(compressed)
	require.Equal(t, big, decompressed)
}

func TestMaybeCompress_SnappyRoundTrip(t *testing.T) {
	cfg := NewConfig(WithChannelCompression(CompressSnappy))
	ch := &Channel{cfg: cfg}

	big := make([]byte, compressThreshold+1)
	for i := range big {
		big[i] = byte(i * 3)
	}

	compressed := ch.maybeCompress(big)
	require.Equal(t, envelopeCompressed, compressed[0])
	decompressed := ch.maybeDecompress(compressed)
	require.Equal(t, big, decompressed)
}

func TestMaybeCompress_BelowThresholdIsUntouched(t *testing.T) {
	cfg := NewConfig(WithChannelCompression(CompressZstd))
	ch := &Channel{cfg: cfg}

	small := []byte("tiny payload")
	envelope := ch.maybeCompress(small)
	require.Equal(t, envelopeUncompressed, envelope[0])
	require.Equal(t, small, envelope[1:])
	require.Equal(t, small, ch.maybeDecompress(envelope))
}
