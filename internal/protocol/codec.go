package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrUnknownKind  = errors.New("unknown message kind")
	ErrMalformed    = errors.New("malformed frame")
	ErrUnknownCodec = errors.New("unknown codec")
)

const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// Codec frames messages for the wire. Every frame carries a type
// discriminator, an optional correlation id and a serialized payload.
type Codec interface {
	Name() string
	// Binary reports whether frames should travel as binary rather than
	// text websocket messages.
	Binary() bool
	Marshal(v any) (Raw, error)
	Unmarshal(data Raw, v any) error
	Encode(m Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// CodecOption adjusts a codec built by NewCodec.
type CodecOption func(*codecOptions)

type codecOptions struct {
	maxFrame int64
}

// WithMaxFrameBytes bounds the size a compressed frame may inflate to.
func WithMaxFrameBytes(n int64) CodecOption {
	return func(o *codecOptions) { o.maxFrame = n }
}

// NewCodec returns the codec registered under name ("json" or "cbor"),
// optionally with "+zstd" for compressed frames.
func NewCodec(name string, opts ...CodecOption) (Codec, error) {
	var o codecOptions
	for _, opt := range opts {
		opt(&o)
	}
	base, compress := strings.CutSuffix(strings.ToLower(strings.TrimSpace(name)), zstdSuffix)

	var c Codec
	switch base {
	case "", CodecJSON:
		c = JSON()
	case CodecCBOR:
		c = CBOR()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	if compress {
		return Compressed(c, o.maxFrame)
	}
	return c, nil
}

func JSON() Codec {
	return &codec{name: CodecJSON, marshal: json.Marshal, unmarshal: json.Unmarshal}
}

func CBOR() Codec {
	return &codec{name: CodecCBOR, binary: true, marshal: cbor.Marshal, unmarshal: cbor.Unmarshal}
}

type frame struct {
	Type    Kind   `json:"type"`
	ID      string `json:"id,omitempty"`
	Payload Raw    `json:"payload,omitempty"`
}

type codec struct {
	name      string
	binary    bool
	marshal   func(v any) ([]byte, error)
	unmarshal func(data []byte, v any) error
}

func (c *codec) Name() string { return c.name }
func (c *codec) Binary() bool { return c.binary }

func (c *codec) Marshal(v any) (Raw, error) {
	if v == nil {
		return nil, nil
	}
	data, err := c.marshal(v)
	if err != nil {
		return nil, err
	}
	return Raw(data), nil
}

func (c *codec) Unmarshal(data Raw, v any) error {
	if data.IsNull() {
		return nil
	}
	return c.unmarshal(data, v)
}

func (c *codec) Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("encode: nil message")
	}
	payload, err := c.marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", m.Kind(), err)
	}
	f := frame{Type: m.Kind(), Payload: payload}
	if id, ok := m.(Identifiable); ok {
		f.ID = id.CorrelationID()
	}
	return c.marshal(f)
}

func (c *codec) Decode(data []byte) (Message, error) {
	var f frame
	if err := c.unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	body := func(v any) error {
		if f.Payload.IsNull() {
			return nil
		}
		return c.unmarshal(f.Payload, v)
	}

	var (
		m   Message
		err error
	)
	switch f.Type {
	case KindLogin:
		m, err = decodeAs[Login](body)
	case KindHeartbeat:
		m = Heartbeat{}
	case KindLobbyUpdate:
		m, err = decodeAs[LobbyUpdate](body)
	case KindUpdateSlot:
		m, err = decodeAs[UpdateSlot](body)
	case KindNotice:
		m, err = decodeAs[Notice](body)
	case KindRequest:
		m, err = decodeAs[Request](body)
	case KindReply:
		m, err = decodeAs[Reply](body)
	case KindBatch:
		m, err = decodeAs[Batch](body)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, f.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, f.Type, err)
	}

	if cm, ok := m.(correlated); ok {
		if f.ID == "" {
			return nil, fmt.Errorf("%w: %s without correlation id", ErrMalformed, f.Type)
		}
		m = cm.withCorrelationID(f.ID)
	}
	return m, nil
}

func decodeAs[T Message](body func(v any) error) (Message, error) {
	var m T
	if err := body(&m); err != nil {
		return nil, err
	}
	return m, nil
}
