package protocol

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// zstdSuffix selects frame compression on top of a codec, as in "cbor+zstd".
const zstdSuffix = "+zstd"

// DefaultMaxFrameBytes bounds a decompressed frame when no limit is given.
const DefaultMaxFrameBytes = 1 << 20

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdErr  error
)

func zstdEncoder() (*zstd.Encoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil)
	})
	return zstdEnc, zstdErr
}

// Compressed wraps inner so every frame is zstd compressed. Nested values
// (Marshal, Unmarshal) are left to inner. Compressed frames are always
// binary. A frame that would inflate past maxFrame bytes is rejected as
// malformed; maxFrame <= 0 means DefaultMaxFrameBytes.
func Compressed(inner Codec, maxFrame int64) (Codec, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	enc, err := zstdEncoder()
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxFrame)))
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return &compressed{Codec: inner, enc: enc, dec: dec, max: maxFrame}, nil
}

type compressed struct {
	Codec
	enc *zstd.Encoder
	dec *zstd.Decoder
	max int64
}

func (c *compressed) Name() string { return c.Codec.Name() + zstdSuffix }
func (c *compressed) Binary() bool { return true }

func (c *compressed) Encode(m Message) ([]byte, error) {
	data, err := c.Codec.Encode(m)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func (c *compressed) Decode(data []byte) (Message, error) {
	plain, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if int64(len(plain)) > c.max {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, zstd.ErrDecoderSizeExceeded)
	}
	return c.Codec.Decode(plain)
}
