package corefab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddHandler_AllocatesMonotonicHandlesStartingAtFirstUserHandle(t *testing.T) {
	c := NewContext(nil, 1, "peer", nil)

	h1 := c.AddHandler(func(context.Context, *Message) {}, true)
	h2 := c.AddHandler(func(context.Context, *Message) {}, true)

	require.Equal(t, firstUserHandle, h1)
	require.Equal(t, firstUserHandle+1, h2)
}

func TestDeliver_RemovesNonPersistentHandlerBeforeInvoking(t *testing.T) {
	c := NewContext(nil, 1, "peer", nil)

	calls := 0
	handle := c.AddHandler(func(context.Context, *Message) { calls++ }, false)

	c.deliver(context.Background(), &Message{Handle: handle})
	c.deliver(context.Background(), &Message{Handle: handle}) // second delivery: no handler left

	require.Equal(t, 1, calls)
}

func TestDeliver_PersistentHandlerSurvivesRepeatedDelivery(t *testing.T) {
	c := NewContext(nil, 1, "peer", nil)

	calls := 0
	handle := c.AddHandler(func(context.Context, *Message) { calls++ }, true)

	c.deliver(context.Background(), &Message{Handle: handle})
	c.deliver(context.Background(), &Message{Handle: handle})

	require.Equal(t, 2, calls)
}

func TestDeliver_UnknownHandleIsDroppedNotPanicked(t *testing.T) {
	c := NewContext(nil, 1, "peer", nil)
	require.NotPanics(t, func() {
		c.deliver(context.Background(), &Message{Handle: 9999})
	})
}

func TestDeliver_RecoversPanickingHandler(t *testing.T) {
	c := NewContext(nil, 1, "peer", nil)
	handle := c.AddHandler(func(context.Context, *Message) { panic("boom") }, true)
	require.NotPanics(t, func() {
		c.deliver(context.Background(), &Message{Handle: handle})
	})
}

func TestAddReservedHandler_DoesNotConsumeCounter(t *testing.T) {
	c := NewContext(nil, 1, "peer", nil)
	c.addReservedHandler(HandleAddRoute, func(context.Context, *Message) {})

	next := c.AddHandler(func(context.Context, *Message) {}, true)
	require.Equal(t, firstUserHandle, next)
}

func TestSend_StampsDstFromContextAndSrcFromProcess(t *testing.T) {
	resetProcessContextIDForTest(t, 5)
	b := newTestBroker(t)
	r := NewRouter(b)
	c := NewContext(r, 77, "peer", nil)

	// No stream and no peer-side context is registered, so Route just
	// drops the message after stamping it; we only assert Send doesn't
	// panic and the process doesn't deadlock.
	require.NotPanics(t, func() {
		c.Send(context.Background(), 1000, []byte("payload"))
	})
	time.Sleep(20 * time.Millisecond)
}

func TestSendAwait_RejectsCallFromBrokerThread(t *testing.T) {
	resetProcessContextIDForTest(t, 1)
	b := newTestBroker(t)
	r := NewRouter(b)
	c := NewContext(r, 2, "peer", nil)

	done := make(chan struct{})
	b.OnThread(context.Background(), func() {
		defer close(done)
		ctxOnBroker := context.WithValue(context.Background(), brokerThreadKey{}, b)
		_, err := c.SendAwait(ctxOnBroker, 1000, nil, time.Second)
		require.Error(t, err)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broker task never ran")
	}
}

func TestSendAwait_TimesOutWhenNoReplyArrives(t *testing.T) {
	resetProcessContextIDForTest(t, 1)
	b := newTestBroker(t)
	r := NewRouter(b)
	c := NewContext(r, 2, "peer", nil)

	_, err := c.SendAwait(context.Background(), 1000, nil, 30*time.Millisecond)
	require.Error(t, err)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
}

func TestOnShutdown_DeliversSyntheticDeadAndClearsTable(t *testing.T) {
	resetProcessContextIDForTest(t, 1)
	c := NewContext(nil, 2, "peer", nil)

	received := make(chan *Message, 1)
	c.AddHandler(func(_ context.Context, msg *Message) { received <- msg }, true)

	c.onShutdown(context.Background())

	select {
	case msg := <-received:
		env, err := decodeEnvelope(msg.Data)
		require.NoError(t, err)
		require.True(t, env.Dead)
	default:
		t.Fatal("expected synthetic dead delivery")
	}

	c.mu.Lock()
	n := len(c.handles)
	c.mu.Unlock()
	require.Zero(t, n)
}
