package corefab

import "fmt"

// StreamError indicates framing, MAC, or low-level I/O corruption. It is
// always fatal to the stream that raised it.
type StreamError struct {
	msg string
	err error
}

func newStreamError(format string, args ...interface{}) *StreamError {
	return &StreamError{msg: fmt.Sprintf(format, args...)}
}

func wrapStreamError(err error, format string, args ...interface{}) *StreamError {
	return &StreamError{msg: fmt.Sprintf(format, args...), err: err}
}

func (e *StreamError) Error() string { return e.msg }
func (e *StreamError) Unwrap() error { return e.err }

// ChannelError indicates a Channel was closed: a _DEAD sentinel was
// received from the peer.
type ChannelError struct{ msg string }

func newChannelError(format string, args ...interface{}) *ChannelError {
	return &ChannelError{msg: fmt.Sprintf(format, args...)}
}

func (e *ChannelError) Error() string { return e.msg }

// TimeoutError indicates a deadline expired on SendAwait or Channel.Get.
type TimeoutError struct{ msg string }

func newTimeoutError(format string, args ...interface{}) *TimeoutError {
	return &TimeoutError{msg: fmt.Sprintf(format, args...)}
}

func (e *TimeoutError) Error() string { return e.msg }

// CallError carries a remote exception, including a formatted traceback
// string, back to the local caller. It is raised as-is rather than wrapped.
type CallError struct {
	Message string
	Stack   string
}

func (e *CallError) Error() string {
	if e.Stack == "" {
		return e.Message
	}
	return fmt.Sprintf("%s\n%s", e.Message, e.Stack)
}

// ImportError indicates the master declined or did not know a module
// requested via the Importer.
type ImportError struct{ msg string }

func newImportError(format string, args ...interface{}) *ImportError {
	return &ImportError{msg: fmt.Sprintf(format, args...)}
}

func (e *ImportError) Error() string { return e.msg }
