package protocol

import "bytes"

var (
	jsonNull = []byte("null")
	cborNull = []byte{0xf6}
)

// Raw is an already-encoded value nested inside a message, such as request
// arguments or a reply value. It holds bytes in the codec of the session
// that produced it and is emitted verbatim by that codec.
type Raw []byte

func (r Raw) IsNull() bool {
	return len(r) == 0 || bytes.Equal(r, jsonNull) || bytes.Equal(r, cborNull)
}

func (r Raw) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return jsonNull, nil
	}
	return r, nil
}

func (r *Raw) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

func (r Raw) MarshalCBOR() ([]byte, error) {
	if len(r) == 0 {
		return cborNull, nil
	}
	return r, nil
}

func (r *Raw) UnmarshalCBOR(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}
