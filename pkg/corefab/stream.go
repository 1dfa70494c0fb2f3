package corefab

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"io"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/sys/unix"
)

const (
	macLen          = sha1.Size // 20
	headerSuffixLen = 20        // dst, src, handle, reply_to, length: 5 x u32
	headerLen       = macLen + headerSuffixLen
	chunkSize       = 16 * 1024
)

// Stream is a framed, authenticated, duplex message transport bound to one
// peer context. Frames are MAC'd with two independent rolling HMAC-SHA1
// contexts, never reset for the lifetime of the stream. A Stream
// desynchronized by even one bad bit cannot be recovered and must be
// disconnected.
type Stream struct {
	router   *Router
	remoteID uint32
	name     string

	rSide *Side
	tSide *Side

	rhmac hash.Hash
	whmac hash.Hash

	inBuf []byte

	outMu  sync.Mutex
	outBuf []byte

	cfg *Config
}

// newStream derives the two rolling-MAC subkeys from secret and constructs
// an unaccepted Stream (no Sides yet; call Accept to bind file
// descriptors). The subkeys are directionally assigned by comparing the two
// peers' context IDs so that one side's transmit key always equals the
// other's receive key, regardless of which side happens to dial.
func newStream(router *Router, remoteID uint32, secret []byte, cfg *Config) (*Stream, error) {
	rkey, wkey, err := deriveStreamSubkeys(secret, CurrentContextID(), remoteID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = NewConfig()
	}
	return &Stream{
		router:   router,
		remoteID: remoteID,
		name:     "default",
		rhmac:    hmac.New(sha1.New, rkey),
		whmac:    hmac.New(sha1.New, wkey),
		cfg:      cfg,
	}, nil
}

func deriveStreamSubkeys(secret []byte, localID, remoteID uint32) (rkey, wkey []byte, err error) {
	lo2hi, err := hkdfKey(secret, "corefab-stream-lo2hi")
	if err != nil {
		return nil, nil, err
	}
	hi2lo, err := hkdfKey(secret, "corefab-stream-hi2lo")
	if err != nil {
		return nil, nil, err
	}
	if localID < remoteID {
		return hi2lo, lo2hi, nil // we receive hi2lo, transmit lo2hi
	}
	return lo2hi, hi2lo, nil // we receive lo2hi, transmit hi2lo
}

func hkdfKey(secret []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Accept duplicates rfd/wfd (so the caller may close its originals),
// marks the duplicates close-on-exec, and wraps them as the stream's
// receive/transmit Sides.
func (s *Stream) Accept(rfd, wfd int) error {
	rdup, err := unix.FcntlInt(uintptr(rfd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return wrapStreamError(err, "stream: dup receive fd: %v", err)
	}
	wdup, err := unix.FcntlInt(uintptr(wfd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		_ = unix.Close(rdup)
		return wrapStreamError(err, "stream: dup transmit fd: %v", err)
	}
	s.rSide = newSide(rdup, false)
	s.tSide = newSide(wdup, false)
	return nil
}

func (s *Stream) receiveSide() *Side  { return s.rSide }
func (s *Stream) transmitSide() *Side { return s.tSide }

// onReceive reads up to one chunk, then extracts and routes as many
// complete frames as are buffered. An empty read (EOF) or a PTY-style
// hangup (EIO/ECONNRESET) triggers disconnect rather than propagating as an
// error.
func (s *Stream) onReceive(ctx context.Context) error {
	fd, err := s.rSide.Fd()
	if err != nil {
		return err
	}
	buf := make([]byte, chunkSize)
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EIO || err == unix.ECONNRESET {
			n = 0
		} else if err == unix.EINTR || err == unix.EAGAIN {
			return nil
		} else {
			return wrapStreamError(err, "%s: read: %v", s.name, err)
		}
	}
	s.inBuf = append(s.inBuf, buf[:n]...)

	for {
		consumed, msg, frameErr := s.extractFrame()
		if frameErr != nil {
			return frameErr
		}
		if consumed == 0 {
			break
		}
		s.inBuf = s.inBuf[consumed:]
		s.router.Route(ctx, msg)
	}

	if n == 0 {
		s.onDisconnect(ctx)
	}
	return nil
}

// extractFrame attempts to pull one complete frame from the front of inBuf.
// It returns consumed == 0 if fewer than a full header, or fewer than a
// full payload, are buffered yet.
func (s *Stream) extractFrame() (consumed int, msg *Message, err error) {
	if len(s.inBuf) < headerLen {
		return 0, nil, nil
	}
	frameMAC := s.inBuf[:macLen]
	suffix := s.inBuf[macLen:headerLen]
	dst := binary.BigEndian.Uint32(suffix[0:4])
	src := binary.BigEndian.Uint32(suffix[4:8])
	handle := binary.BigEndian.Uint32(suffix[8:12])
	replyTo := binary.BigEndian.Uint32(suffix[12:16])
	length := binary.BigEndian.Uint32(suffix[16:20])

	if uint32(len(s.inBuf)-headerLen) < length {
		return 0, nil, nil
	}
	payload := s.inBuf[headerLen : headerLen+int(length)]

	s.rhmac.Write(suffix)
	s.rhmac.Write(payload)
	expected := s.rhmac.Sum(nil)
	if !hmac.Equal(expected, frameMAC) {
		log.Errorf("%s: bad MAC: got %s want %s; sample %s",
			s.name, hex.EncodeToString(frameMAC), hex.EncodeToString(expected),
			spew.Sdump(payload[:minInt(len(payload), 64)]))
		s.router.broker.cfg.hooks.each(func(h Hook) {
			if mh, ok := h.(MacMismatchHook); ok {
				mh.OnMacMismatch(s.remoteID, expected, frameMAC)
			}
		})
		return 0, nil, newStreamError("%s: bad MAC, stream desynchronized", s.name)
	}

	data := make([]byte, length)
	copy(data, payload)
	return headerLen + int(length), &Message{
		DstID: dst, SrcID: src, Handle: handle, ReplyTo: replyTo, Data: data,
	}, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// onTransmit writes up to one chunk from the front of the output buffer,
// and stops requesting write readiness once it drains.
func (s *Stream) onTransmit(ctx context.Context) error {
	fd, err := s.tSide.Fd()
	if err != nil {
		return err
	}
	s.outMu.Lock()
	n := minInt(len(s.outBuf), chunkSize)
	chunk := s.outBuf[:n]
	s.outMu.Unlock()

	written, err := unix.Write(fd, chunk)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return nil
		}
		return wrapStreamError(err, "%s: write: %v", s.name, err)
	}

	s.outMu.Lock()
	s.outBuf = s.outBuf[written:]
	drained := len(s.outBuf) == 0
	s.outMu.Unlock()

	if drained {
		s.router.broker.StopTransmit(ctx, s)
	}
	return nil
}

// Send packs msg into a frame, appends it to the output buffer, and arms
// write readiness. Safe to call from any goroutine; the output buffer has
// its own mutex specifically so Send never needs to hop through the
// broker's task queue.
func (s *Stream) Send(ctx context.Context, msg *Message) {
	suffix := make([]byte, headerSuffixLen)
	binary.BigEndian.PutUint32(suffix[0:4], msg.DstID)
	binary.BigEndian.PutUint32(suffix[4:8], msg.SrcID)
	binary.BigEndian.PutUint32(suffix[8:12], msg.Handle)
	binary.BigEndian.PutUint32(suffix[12:16], msg.ReplyTo)
	binary.BigEndian.PutUint32(suffix[16:20], uint32(len(msg.Data)))

	s.outMu.Lock()
	s.whmac.Write(suffix)
	s.whmac.Write(msg.Data)
	mac := s.whmac.Sum(nil)
	s.outBuf = append(s.outBuf, mac...)
	s.outBuf = append(s.outBuf, suffix...)
	s.outBuf = append(s.outBuf, msg.Data...)
	s.outMu.Unlock()

	s.router.broker.StartTransmit(ctx, s)
}

// onDisconnect stops both readiness registrations, closes both Sides, and
// notifies the Router.
func (s *Stream) onDisconnect(ctx context.Context) {
	log.Debugf("%s.onDisconnect()", s.name)
	s.router.broker.StopReceive(ctx, s)
	s.router.broker.StopTransmit(ctx, s)
	if s.rSide != nil {
		_ = s.rSide.Close()
	}
	if s.tSide != nil {
		_ = s.tSide.Close()
	}
	s.router.broker.cfg.hooks.each(func(h Hook) {
		if dh, ok := h.(StreamDisconnectHook); ok {
			dh.OnStreamDisconnect(s.remoteID, nil)
		}
	})
	s.router.onStreamDisconnect(ctx, s)
}

// onShutdown leaves the Stream in place: streams remain connected until an
// explicit disconnect.
func (s *Stream) onShutdown(ctx context.Context) {}
