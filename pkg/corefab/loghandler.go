package corefab

import (
	"bytes"
	"context"
	"strconv"
	"sync"

	logging "gopkg.in/op/go-logging.v1"
)

// LogHandler is an op/go-logging Backend that serializes every record as
// "name\x00levelno\x00message" and forwards it on the parent's reserved
// FORWARD_LOG (102) handle. A reentrancy guard prevents infinite recursion
// if the forwarding path itself logs. op/go-logging has no goroutine-local
// concept, so the guard is a single flag scoped to this handler instance,
// acceptable because only the broker goroutine ever calls Log as a side
// effect of forwarding.
type LogHandler struct {
	parent *Context

	mu         sync.Mutex
	forwarding bool
}

// NewLogHandler constructs a LogHandler that forwards through parent.
func NewLogHandler(parent *Context) *LogHandler {
	return &LogHandler{parent: parent}
}

// Log implements logging.Backend.
func (h *LogHandler) Log(level logging.Level, calldepth int, rec *logging.Record) error {
	h.mu.Lock()
	if h.forwarding {
		h.mu.Unlock()
		return nil
	}
	h.forwarding = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.forwarding = false
		h.mu.Unlock()
	}()

	var buf bytes.Buffer
	buf.WriteString(rec.Module)
	buf.WriteByte(0)
	buf.WriteString(strconv.Itoa(int(level)))
	buf.WriteByte(0)
	buf.WriteString(rec.Message())

	h.parent.Send(context.Background(), HandleForwardLog, buf.Bytes())
	return nil
}
