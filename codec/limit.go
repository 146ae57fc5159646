package codec

import "fmt"

// Limit wraps another codec and rejects oversized payloads at decode
// time; Encode passes through unchanged. MaxDecode <= 0 disables the
// check. Useful when the backing store is shared and a foreign writer
// could plant an oversized entry.
type Limit[V any] struct {
	Inner     Codec[V]
	MaxDecode int
}

func (c Limit[V]) Encode(v V) ([]byte, error) { return c.Inner.Encode(v) }

func (c Limit[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, fmt.Errorf("codec: payload too large: %d > %d", len(b), c.MaxDecode)
	}
	return c.Inner.Decode(b)
}
