package corefab

import "sync/atomic"

// processContextID holds the process-wide identity assigned by a parent during
// boot. It is set exactly once, before any Context or Message is
// constructed, and never mutated afterward.
var processContextID uint32
var processContextIDSet int32

// setProcessContextID assigns this process's context ID. It is safe to call
// only once; subsequent calls panic, since the identity of a running fabric
// process must never change after boot.
func setProcessContextID(id uint32) {
	if !atomic.CompareAndSwapInt32(&processContextIDSet, 0, 1) {
		panic("corefab: process context ID already set")
	}
	atomic.StoreUint32(&processContextID, id)
}

// CurrentContextID returns this process's context ID, as assigned by
// setProcessContextID during boot. It is zero until boot completes.
func CurrentContextID() uint32 {
	return atomic.LoadUint32(&processContextID)
}
