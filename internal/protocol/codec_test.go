package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjrbrom/forge/internal/gamelog"
	"github.com/tjrbrom/forge/internal/lobby"
)

func codecs() []Codec {
	jz, err := Compressed(JSON(), 0)
	if err != nil {
		panic(err)
	}
	cz, err := Compressed(CBOR(), 0)
	if err != nil {
		panic(err)
	}
	return []Codec{JSON(), CBOR(), jz, cz}
}

func TestNewCodec(t *testing.T) {
	c, err := NewCodec("")
	require.NoError(t, err)
	assert.Equal(t, CodecJSON, c.Name())
	assert.False(t, c.Binary())

	c, err = NewCodec("CBOR")
	require.NoError(t, err)
	assert.Equal(t, CodecCBOR, c.Name())
	assert.True(t, c.Binary())

	c, err = NewCodec("json+zstd")
	require.NoError(t, err)
	assert.Equal(t, "json+zstd", c.Name())
	assert.True(t, c.Binary())

	_, err = NewCodec("xml")
	require.ErrorIs(t, err, ErrUnknownCodec)
	_, err = NewCodec("xml+zstd")
	require.ErrorIs(t, err, ErrUnknownCodec)
}

func TestRequestCarriesCorrelationID(t *testing.T) {
	for _, c := range codecs() {
		t.Run(c.Name(), func(t *testing.T) {
			args, err := c.Marshal(map[string]int{"turn": 3})
			require.NoError(t, err)

			data, err := c.Encode(Request{ID: "req-1", Method: "chooseMove", Args: args})
			require.NoError(t, err)

			m, err := c.Decode(data)
			require.NoError(t, err)
			req, ok := m.(Request)
			require.True(t, ok, "decoded %T", m)
			assert.Equal(t, "req-1", req.CorrelationID())
			assert.Equal(t, "chooseMove", req.Method)

			var decoded map[string]int
			require.NoError(t, c.Unmarshal(req.Args, &decoded))
			assert.Equal(t, 3, decoded["turn"])
		})
	}
}

func TestReplyWithoutValue(t *testing.T) {
	for _, c := range codecs() {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Encode(Reply{ID: "r", Err: "unsupported"})
			require.NoError(t, err)

			m, err := c.Decode(data)
			require.NoError(t, err)
			rep := m.(Reply)
			assert.Equal(t, "r", rep.ID)
			assert.Equal(t, "unsupported", rep.Err)
			assert.True(t, rep.Value.IsNull())

			var v int
			require.NoError(t, c.Unmarshal(rep.Value, &v))
			assert.Zero(t, v)
		})
	}
}

func TestLobbyUpdateAndBatch(t *testing.T) {
	snap := lobby.Snapshot{
		Version: 4,
		Slots: []lobby.Slot{
			{Index: 0, Type: lobby.Computer, Name: "Computer 1", Ready: true},
			{Index: 1, Type: lobby.Remote, Name: "alice"},
		},
	}
	batch := Batch{Updates: []Update{
		{Seq: 1, Type: "turn", Turn: 1, Slot: 0},
		{Seq: 2, Type: "log", Slot: 1, Log: &gamelog.Entry{Type: gamelog.Damage, Message: "3 damage"}},
	}}

	for _, c := range codecs() {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Encode(LobbyUpdate{Snapshot: snap, Slot: 1, Changed: 1})
			require.NoError(t, err)
			m, err := c.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, LobbyUpdate{Snapshot: snap, Slot: 1, Changed: 1}, m)

			data, err = c.Encode(batch)
			require.NoError(t, err)
			m, err = c.Decode(data)
			require.NoError(t, err)
			got := m.(Batch)
			require.Len(t, got.Updates, 2)
			assert.Equal(t, "turn", got.Updates[0].Type)
			require.NotNil(t, got.Updates[1].Log)
			assert.Equal(t, gamelog.Damage, got.Updates[1].Log.Type)
		})
	}
}

func TestHeartbeat(t *testing.T) {
	for _, c := range codecs() {
		data, err := c.Encode(Heartbeat{})
		require.NoError(t, err)
		m, err := c.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, KindHeartbeat, m.Kind())
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := JSON().Decode([]byte(`{"type":"teleport","payload":{}}`))
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"garbage", `not json`},
		{"missing type", `{"payload":{}}`},
		{"request without id", `{"type":"request","payload":{"method":"x"}}`},
		{"bad payload", `{"type":"notice","payload":{"text":7}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := JSON().Decode([]byte(tt.data))
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestJSONFrameShape(t *testing.T) {
	data, err := JSON().Encode(Notice{Source: "alice", Text: "gg"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"notice","payload":{"source":"alice","text":"gg"}}`, string(data))
}

func TestCompressedFrames(t *testing.T) {
	c, err := NewCodec("cbor+zstd")
	require.NoError(t, err)

	updates := make([]Update, 200)
	for i := range updates {
		updates[i] = Update{Seq: uint64(i + 1), Type: "move", Slot: i % 4, Values: map[string]int{"step": 3}}
	}
	plain, err := CBOR().Encode(Batch{Updates: updates})
	require.NoError(t, err)
	packed, err := c.Encode(Batch{Updates: updates})
	require.NoError(t, err)
	assert.Less(t, len(packed), len(plain))

	m, err := c.Decode(packed)
	require.NoError(t, err)
	assert.Len(t, m.(Batch).Updates, 200)

	_, err = c.Decode(plain)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCompressedFrameSizeIsBounded(t *testing.T) {
	roomy, err := Compressed(JSON(), 1<<20)
	require.NoError(t, err)
	tight, err := NewCodec("json+zstd", WithMaxFrameBytes(4<<10))
	require.NoError(t, err)

	// 256 KiB of zeros compresses to a few hundred bytes.
	packed, err := roomy.Encode(Notice{Text: strings.Repeat("0", 256<<10)})
	require.NoError(t, err)
	require.Less(t, len(packed), 4<<10)

	_, err = tight.Decode(packed)
	require.ErrorIs(t, err, ErrMalformed)

	small, err := roomy.Encode(Notice{Text: "gg"})
	require.NoError(t, err)
	m, err := tight.Decode(small)
	require.NoError(t, err)
	assert.Equal(t, Notice{Text: "gg"}, m)
}
