package corefab

import (
	"reflect"
	"sync"

	"github.com/ugorji/go/codec"
)

// payloadHandle is the single codec.Handle used for every Message payload
// in the fabric. CBOR gives us a compact, self-describing object graph
// without requiring either side to pre-agree on a schema.
var payloadHandle = newPayloadHandle()

func newPayloadHandle() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.Canonical = true
	return h
}

// typeRegistry binds names to concrete Go types so a receiver can
// reconstruct values sent by a peer that tagged them with a registered
// name. This is the Go analogue of the serialization format's
// customizable global-finder hook: Python's pickler resolves class names
// against live classes via find_global; since Go has no equivalent runtime
// class table, callers opt in explicitly per type.
var typeRegistry sync.Map // name -> reflect.Type

// RegisterPayloadType binds name to the type of sample so that values
// tagged with name on decode are reconstructed as that concrete Go type
// rather than left as a generic map. Both peers must register the same
// name for the same logical type.
func RegisterPayloadType(name string, sample interface{}) {
	typeRegistry.Store(name, reflect.TypeOf(sample))
}

func typeNameFor(t reflect.Type) (string, bool) {
	var found string
	var ok bool
	typeRegistry.Range(func(k, v interface{}) bool {
		if v.(reflect.Type) == t {
			found, ok = k.(string), true
			return false
		}
		return true
	})
	return found, ok
}

// payloadEnvelope is the wire shape of every Message.Data blob. Exactly one
// of Dead, Err, or Value is meaningful for a given envelope.
type payloadEnvelope struct {
	Dead     bool
	Err      *CallError  `codec:",omitempty"`
	TypeName string      `codec:",omitempty"`
	Value    interface{} `codec:",omitempty"`
}

func encodeEnvelope(env *payloadEnvelope) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, payloadHandle)
	if err := enc.Encode(env); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeEnvelope(data []byte) (*payloadEnvelope, error) {
	env := new(payloadEnvelope)
	dec := codec.NewDecoderBytes(data, payloadHandle)
	if err := dec.Decode(env); err != nil {
		return nil, err
	}
	return env, nil
}

// EncodeValue serializes an arbitrary application value for use as a
// Message's Data. If v's type was previously registered with
// RegisterPayloadType, the envelope is tagged so the receiver can
// reconstruct the concrete type on decode.
func EncodeValue(v interface{}) ([]byte, error) {
	env := &payloadEnvelope{Value: v}
	if t := reflect.TypeOf(v); t != nil {
		if name, ok := typeNameFor(t); ok {
			env.TypeName = name
		}
	}
	return encodeEnvelope(env)
}

// encodeDead returns the wire encoding of the _DEAD sentinel.
func encodeDead() []byte {
	b, _ := encodeEnvelope(&payloadEnvelope{Dead: true})
	return b
}

// encodeCallError wraps a remote exception for transmission back to its
// caller.
func encodeCallError(ce *CallError) ([]byte, error) {
	return encodeEnvelope(&payloadEnvelope{Err: ce})
}

// DecodePayload decodes a Message's Data. A _DEAD sentinel surfaces as a
// *ChannelError; a CallError carrier is returned directly as the error, so
// remote exceptions surface as local ones without unwrapping.
func DecodePayload(data []byte) (interface{}, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, wrapStreamError(err, "invalid message payload: %v", err)
	}
	if env.Dead {
		return nil, newChannelError("channel is closed")
	}
	if env.Err != nil {
		return nil, env.Err
	}
	if env.TypeName != "" {
		if rt, ok := typeRegistry.Load(env.TypeName); ok {
			if v, ok := reconstruct(env.Value, rt.(reflect.Type)); ok {
				return v, nil
			}
		}
	}
	return env.Value, nil
}

// reconstruct round-trips a generically-decoded value (typically a
// map[interface{}]interface{}) through the codec a second time, this time
// decoding directly into rt, so registered types come back concrete.
func reconstruct(v interface{}, rt reflect.Type) (interface{}, bool) {
	raw, err := encodeValueOnly(v)
	if err != nil {
		return nil, false
	}
	out := reflect.New(rt).Interface()
	dec := codec.NewDecoderBytes(raw, payloadHandle)
	if err := dec.Decode(out); err != nil {
		return nil, false
	}
	return reflect.ValueOf(out).Elem().Interface(), true
}

func encodeValueOnly(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, payloadHandle)
	err := enc.Encode(v)
	return buf, err
}
