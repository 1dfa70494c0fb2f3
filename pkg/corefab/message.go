package corefab

// Reserved handles, pre-allocated below the 1000 mark where user
// allocation begins.
const (
	HandleGetModule    uint32 = 100 // child -> parent: module name
	HandleCallFunction uint32 = 101 // parent -> child: serialized call request
	HandleForwardLog   uint32 = 102 // any -> root: name\x00levelno\x00message
	HandleAddRoute     uint32 = 103 // parent -> child: target_id\x00via_id
)

const firstUserHandle uint32 = 1000

// Message is a routable unit addressed by destination context, carrying an
// opaque payload whose interpretation is defined solely by the handler
// registered under Handle on the destination Context.
type Message struct {
	DstID   uint32
	SrcID   uint32
	Handle  uint32
	ReplyTo uint32 // 0 means no reply expected
	Data    []byte
}

// NewMessage constructs a Message with SrcID stamped from this process's
// context ID, as required by the src_id invariant.
func NewMessage(handle uint32, data []byte) *Message {
	return &Message{
		SrcID:  CurrentContextID(),
		Handle: handle,
		Data:   data,
	}
}

func (m *Message) String() string {
	n := len(m.Data)
	if n > 50 {
		n = 50
	}
	return "Message(dst=" + itoa(m.DstID) + ", src=" + itoa(m.SrcID) +
		", handle=" + itoa(m.Handle) + ", reply_to=" + itoa(m.ReplyTo) +
		", data=" + string(m.Data[:n]) + "..)"
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
