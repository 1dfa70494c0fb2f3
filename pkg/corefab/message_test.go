package corefab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMessage_StampsSrcIDFromProcess(t *testing.T) {
	resetProcessContextIDForTest(t, 42)

	msg := NewMessage(500, []byte("payload"))
	require.Equal(t, uint32(42), msg.SrcID)
	require.Equal(t, uint32(500), msg.Handle)
	require.Equal(t, []byte("payload"), msg.Data)
}

func TestMessage_StringTruncatesLongData(t *testing.T) {
	msg := &Message{DstID: 1, SrcID: 2, Handle: 3, Data: make([]byte, 200)}
	s := msg.String()
	require.Contains(t, s, "dst=1")
	require.Contains(t, s, "src=2")
	require.Contains(t, s, "handle=3")
	require.NotContains(t, s, string(make([]byte, 51)), "data must be cut to its first 50 bytes")
}

func TestReservedHandles_BelowFirstUserHandle(t *testing.T) {
	for _, h := range []uint32{HandleGetModule, HandleCallFunction, HandleForwardLog, HandleAddRoute} {
		require.Less(t, h, firstUserHandle)
	}
}
