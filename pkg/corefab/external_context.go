package corefab

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	logging "gopkg.in/op/go-logging.v1"
	"golang.org/x/sys/unix"
)

// RemoteFunc is a function a parent process can invoke in this process via
// CALL_FUNCTION (101). It is the Go substitute for dynamically importing a
// module and calling an attribute by name: since Go has no runtime
// module/attribute lookup, functions intended to be remotely callable must
// opt in explicitly with RegisterFunction under the same dotted name a
// caller will request.
type RemoteFunc func(ec *ExternalContext, args []interface{}, kwargs map[string]interface{}) (interface{}, error)

var funcRegistry sync.Map // qualified name -> RemoteFunc

// Standard descriptor numbers, named locally rather than trusting any
// particular package to export them as int constants.
const (
	fdStdin  = 0
	fdStdout = 1
	fdStderr = 2
)

// RegisterFunction binds qualifiedName (conventionally "module.function" or
// "module.Class.method") to fn so a parent's CALL_FUNCTION request naming
// it can be dispatched.
func RegisterFunction(qualifiedName string, fn RemoteFunc) {
	funcRegistry.Store(qualifiedName, fn)
}

// BootArgs are the arguments ExternalContext.Main needs to start a child,
// parsed by cmd/corefab-child from its command-line flags.
type BootArgs struct {
	ParentID  uint32
	ContextID uint32
	Key       []byte
	LogLevel  string
}

// ExternalContext is the child-side boot orchestrator: it wires Broker,
// Router, the parent Stream/Context, the Importer, stdio redirection, and
// the CALL_FUNCTION dispatch loop together into a single bootstrap
// sequence.
type ExternalContext struct {
	Broker   *Broker
	Router   *Router
	Parent   *Context
	Importer *Importer
	Channel  *Channel

	stream    *Stream
	stdoutLog *IoLogger
	stderrLog *IoLogger
}

// Main drives the full boot sequence and then blocks dispatching
// CALL_FUNCTION requests until the parent stream disconnects or the
// process is otherwise asked to shut down. It always returns after Broker
// has fully joined, regardless of how dispatch ended.
func Main(args BootArgs) (err error) {
	ec := &ExternalContext{}
	defer func() {
		if ec.Broker != nil {
			ec.Broker.Shutdown()
			ec.Broker.Join()
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("ExternalContext.Main crashed: %v", r)
			err = fmt.Errorf("corefab: child crashed: %v", r)
		}
	}()

	setProcessContextID(args.ContextID)
	if args.LogLevel != "" {
		if lvlErr := SetLogLevel(args.LogLevel); lvlErr != nil {
			log.Warningf("invalid log level %q: %v", args.LogLevel, lvlErr)
		}
	}

	if err := ec.setupMaster(args); err != nil {
		return err
	}
	if err := ec.setupImporter(); err != nil {
		return err
	}
	if err := ec.setupStdio(); err != nil {
		return err
	}

	log.Debugf("connected to parent context %d", args.ParentID)
	ec.Router.Register(bgCtx, ec.Parent, ec.stream)

	ec.dispatchCalls()
	log.Debug("ExternalContext.Main: normal exit")
	return nil
}

// bgCtx is the context used for user-goroutine calls into Broker/Router
// APIs that accept a context.Context purely to support the broker-thread
// marker check; it never carries that marker itself.
var bgCtx = context.Background()

func (ec *ExternalContext) setupMaster(args BootArgs) error {
	broker, err := NewBroker(NewConfig())
	if err != nil {
		return err
	}
	ec.Broker = broker
	ec.Router = NewRouter(broker)
	ec.Parent = NewContext(ec.Router, args.ParentID, "master", args.Key)
	ec.Router.SetParent(ec.Parent)
	ec.Channel = NewChannelOnHandle(ec.Parent, HandleCallFunction, NewConfig())

	stream, err := newStream(ec.Router, args.ParentID, args.Key, NewConfig())
	if err != nil {
		return err
	}
	// Descriptor 100 is both the read and write end of the parent link.
	if err := stream.Accept(100, 100); err != nil {
		return err
	}
	ec.stream = stream
	return nil
}

// setupImporter reads the one-time bootstrap metadata channel (descriptor
// 101): "<core_size>\n<core_source>", strips the trailing invocation line
// so the cached source is a pure library, and seeds the Importer.
func (ec *ExternalContext) setupImporter() error {
	ec.Importer = NewImporter(ec.Parent, nil)

	f := os.NewFile(uintptr(101), "bootstrap-metadata")
	if f == nil {
		return newImportError("importer: descriptor 101 unavailable")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	sizeLine, err := r.ReadString('\n')
	if err != nil {
		return wrapStreamError(err, "importer: reading core size: %v", err)
	}
	size, err := strconv.Atoi(strings.TrimSpace(sizeLine))
	if err != nil {
		return newImportError("importer: malformed core size %q", sizeLine)
	}

	src := make([]byte, size)
	if _, err := ioReadFull(r, src); err != nil {
		return wrapStreamError(err, "importer: reading core source: %v", err)
	}

	ec.Importer.SeedCore("corefab", stripTrailingInvocation(src))
	return nil
}

// stripTrailingInvocation removes the final non-blank line of source, the
// bootstrap's own main()-equivalent invocation, so a grandchild fetching
// this process's own source gets a pure library, never a second entrypoint.
func stripTrailingInvocation(src []byte) []byte {
	lines := strings.Split(string(src), "\n")
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	if end > 0 {
		end--
	}
	return []byte(strings.Join(lines[:end], "\n"))
}

func ioReadFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (ec *ExternalContext) setupStdio() error {
	stdoutLog, err := NewIoLogger(ec.Broker, "stdout", fdStdout)
	if err != nil {
		return err
	}
	stderrLog, err := NewIoLogger(ec.Broker, "stderr", fdStderr)
	if err != nil {
		return err
	}
	ec.stdoutLog = stdoutLog
	ec.stderrLog = stderrLog
	ec.Broker.StartReceive(bgCtx, stdoutLog)
	ec.Broker.StartReceive(bgCtx, stderrLog)

	devnull, err := unix.Open("/dev/null", unix.O_RDONLY, 0)
	if err == nil {
		_ = unix.Dup2(devnull, fdStdin)
		_ = unix.Close(devnull)
	}

	logging.SetBackend(NewLogHandler(ec.Parent))
	return nil
}

// dispatchCalls is the CALL_FUNCTION loop: for every delivered request, it
// looks up a registered RemoteFunc by qualified name, invokes it, and
// replies with either the encoded result or a CallError.
func (ec *ExternalContext) dispatchCalls() {
	ec.Channel.Range(func(msg *Message, payload interface{}) bool {
		log.Debugf("dispatch_calls: %s", msg.String())
		reply, err := ec.invokeCall(payload)
		if err != nil {
			data, _ := encodeCallError(&CallError{Message: err.Error()})
			ec.Parent.Send(bgCtx, msg.ReplyTo, data)
			return true
		}
		data, encErr := EncodeValue(reply)
		if encErr != nil {
			data, _ = encodeCallError(&CallError{Message: encErr.Error()})
		}
		ec.Parent.Send(bgCtx, msg.ReplyTo, data)
		return true
	})
}

func (ec *ExternalContext) invokeCall(payload interface{}) (result interface{}, err error) {
	tuple, ok := payload.([]interface{})
	if !ok || len(tuple) != 6 {
		return nil, newCallErrorf("corefab: malformed CALL_FUNCTION payload")
	}
	modname, _ := tuple[1].(string)
	klass, _ := tuple[2].(string)
	funcname, _ := tuple[3].(string)
	args, _ := tuple[4].([]interface{})
	kwargs, _ := tuple[5].(map[string]interface{})

	name := modname
	if klass != "" {
		name += "." + klass
	}
	name += "." + funcname

	v, ok := funcRegistry.Load(name)
	if !ok {
		return nil, newCallErrorf("corefab: no function registered as %q", name)
	}
	fn := v.(RemoteFunc)

	defer func() {
		if r := recover(); r != nil {
			err = newCallErrorf("corefab: %s panicked: %v", name, r)
		}
	}()
	return fn(ec, args, kwargs)
}

func newCallErrorf(format string, args ...interface{}) error {
	return &CallError{Message: fmt.Sprintf(format, args...)}
}
