package corefab

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestDeriveStreamSubkeys_SymmetricAcrossPeers(t *testing.T) {
	secret := []byte("shared-secret-material-for-test")

	aR, aW, err := deriveStreamSubkeys(secret, 1, 2)
	require.NoError(t, err)
	bR, bW, err := deriveStreamSubkeys(secret, 2, 1)
	require.NoError(t, err)

	require.Equal(t, aW, bR, "A's transmit key must equal B's receive key")
	require.Equal(t, aR, bW, "A's receive key must equal B's transmit key")
}

func TestDeriveStreamSubkeys_DeterministicForSamePeerPair(t *testing.T) {
	secret := []byte("shared-secret-material-for-test")
	r1, w1, err := deriveStreamSubkeys(secret, 1, 2)
	require.NoError(t, err)
	r2, w2, err := deriveStreamSubkeys(secret, 1, 2)
	require.NoError(t, err)
	require.Equal(t, r1, r2)
	require.Equal(t, w1, w2)
}

// crossedStream builds a *Stream with explicit rhmac/whmac keys, bypassing
// newStream's dependence on the process-global CurrentContextID, so a test
// can represent two distinct peer identities at once.
func crossedStream(r *Router, remoteID uint32, rkey, wkey []byte) *Stream {
	return &Stream{
		router:   r,
		remoteID: remoteID,
		name:     "test",
		rhmac:    hmac.New(sha1.New, rkey),
		whmac:    hmac.New(sha1.New, wkey),
		cfg:      NewConfig(),
	}
}

func TestExtractFrame_IncompleteHeaderBuffersWithoutConsuming(t *testing.T) {
	s := crossedStream(nil, 0, make([]byte, 32), make([]byte, 32))
	s.inBuf = make([]byte, headerLen-1)

	consumed, msg, err := s.extractFrame()
	require.NoError(t, err)
	require.Nil(t, msg)
	require.Zero(t, consumed)
}

func TestExtractFrame_IncompletePayloadBuffersWithoutConsuming(t *testing.T) {
	s := crossedStream(nil, 0, make([]byte, 32), make([]byte, 32))
	suffix := make([]byte, headerSuffixLen)
	suffix[19] = 100 // length = 100, but no payload bytes follow
	s.inBuf = append(make([]byte, macLen), suffix...)

	consumed, msg, err := s.extractFrame()
	require.NoError(t, err)
	require.Nil(t, msg)
	require.Zero(t, consumed)
}

func TestSendAndExtractFrame_RoundTripAcrossPeers(t *testing.T) {
	resetProcessContextIDForTest(t, 1)
	b := newTestBroker(t)
	r := NewRouter(b)
	secret := []byte("shared-secret-material-for-test")

	sA := newTestStreamPair(t, r, 2, secret) // local identity 1, peer 2

	rkeyB, wkeyB, err := deriveStreamSubkeys(secret, 2, 1)
	require.NoError(t, err)
	sB := crossedStream(r, 1, rkeyB, wkeyB)

	msg := &Message{DstID: 2, SrcID: 1, Handle: 1000, Data: []byte("hello")}
	sA.Send(context.Background(), msg)

	sA.outMu.Lock()
	frame := append([]byte(nil), sA.outBuf...)
	sA.outMu.Unlock()

	sB.inBuf = frame
	consumed, got, err := sB.extractFrame()
	require.NoError(t, err)
	require.Equal(t, len(frame), consumed)
	require.Equal(t, msg.Data, got.Data)
	require.Equal(t, msg.Handle, got.Handle)
	require.Equal(t, msg.DstID, got.DstID)
	require.Equal(t, msg.SrcID, got.SrcID)
}

func TestExtractFrame_CorruptedPayloadFailsMacAndDisconnects(t *testing.T) {
	resetProcessContextIDForTest(t, 1)
	b := newTestBroker(t)
	r := NewRouter(b)
	secret := []byte("shared-secret-material-for-test")

	sA := newTestStreamPair(t, r, 2, secret)
	rkeyB, wkeyB, err := deriveStreamSubkeys(secret, 2, 1)
	require.NoError(t, err)
	sB := crossedStream(r, 1, rkeyB, wkeyB)

	msg := &Message{DstID: 2, SrcID: 1, Handle: 1000, Data: []byte("hello")}
	sA.Send(context.Background(), msg)

	sA.outMu.Lock()
	frame := append([]byte(nil), sA.outBuf...)
	sA.outMu.Unlock()

	frame[headerLen] ^= 0xFF // flip a payload bit after the MAC is computed
	sB.inBuf = frame

	_, _, err = sB.extractFrame()
	require.Error(t, err)
	var se *StreamError
	require.ErrorAs(t, err, &se)
}

func TestExtractFrame_WrongKeyFailsMac(t *testing.T) {
	resetProcessContextIDForTest(t, 1)
	b := newTestBroker(t)
	r := NewRouter(b)

	sA := newTestStreamPair(t, r, 2, []byte("secret-a-material-for-testing!!"))
	// sB derives its keys from a different shared secret than sA used,
	// simulating a misconfigured or malicious peer.
	rkeyB, wkeyB, err := deriveStreamSubkeys([]byte("secret-b-material-for-testing!!"), 2, 1)
	require.NoError(t, err)
	sB := crossedStream(r, 1, rkeyB, wkeyB)

	msg := &Message{DstID: 2, SrcID: 1, Handle: 1000, Data: []byte("hello")}
	sA.Send(context.Background(), msg)

	sA.outMu.Lock()
	frame := append([]byte(nil), sA.outBuf...)
	sA.outMu.Unlock()

	sB.inBuf = frame
	_, _, err = sB.extractFrame()
	require.Error(t, err)
}

func TestOnReceive_EOFTriggersDisconnectAndRouterTeardown(t *testing.T) {
	resetProcessContextIDForTest(t, 1)
	b := newTestBroker(t)
	r := NewRouter(b)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	peerFd := fds[1]
	t.Cleanup(func() { unix.Close(peerFd) })

	s, err := newStream(r, 2, []byte("secret-key-material-32-bytes!!!"), NewConfig())
	require.NoError(t, err)
	require.NoError(t, s.Accept(fds[0], fds[0]))
	unix.Close(fds[0])

	r.RegisterStream(context.Background(), 2, s)

	// Close the peer end: the next read on s's side returns EOF (n==0).
	require.NoError(t, unix.Close(peerFd))
	time.Sleep(20 * time.Millisecond)

	err = s.onReceive(context.Background())
	require.NoError(t, err)

	r.mu.Lock()
	_, stillRouted := r.streamByID[2]
	r.mu.Unlock()
	require.False(t, stillRouted, "disconnected stream must be dropped from the router")
}
