// Package wire frames cache items for byte-oriented backends and
// serializer interop. The record is a neutral carrier: the value payload
// and its type tag are opaque here, timestamps survive at tick
// precision, and the expiration fields round-trip exactly.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version byte = 1

	flagUsesDefaults byte = 1 << 0

	// A tick is 100ns, counted from the Unix epoch.
	tick = 100
)

var (
	ErrCorrupt = errors.New("wire: corrupt item record")
	magic4     = [...]byte{'T', 'I', 'R', 'C'}
)

// Record is the serialized shape of a cache item. Value holds the
// payload produced by whatever codec the caller uses; ValueType is an
// opaque identifier for it.
type Record struct {
	Key               string
	Value             []byte
	ValueType         string
	CreatedTicks      int64
	LastAccessedTicks int64
	Mode              byte
	TimeoutMillis     int64
	UsesDefaults      bool
}

// Ticks converts a timestamp to 100ns ticks since the Unix epoch.
func Ticks(t time.Time) int64 { return t.UnixNano() / tick }

// Time converts ticks back to a UTC timestamp.
func Time(ticks int64) time.Time { return time.Unix(0, ticks*tick).UTC() }

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode lays the record out as:
//
//	magic(4) | ver(1) | mode(1) | flags(1) |
//	created(i64 be) | accessed(i64 be) | timeoutMs(i64 be) |
//	klen(u16 be) | key | tlen(u16 be) | valueType | vlen(u32 be) | value
func Encode(r Record) ([]byte, error) {
	if l := len(r.Key); l == 0 || l > 0xFFFF {
		return nil, errors.New("wire: invalid key length")
	}
	if len(r.ValueType) > 0xFFFF {
		return nil, errors.New("wire: value type tag too long")
	}

	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 1 + 8*3 + 2 + len(r.Key) + 2 + len(r.ValueType) + 4 + len(r.Value))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(r.Mode)

	var flags byte
	if r.UsesDefaults {
		flags |= flagUsesDefaults
	}
	buf.WriteByte(flags)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], uint64(r.CreatedTicks))
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(r.LastAccessedTicks))
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(r.TimeoutMillis))
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(r.Key)))
	buf.Write(u2[:])
	buf.WriteString(r.Key)

	binary.BigEndian.PutUint16(u2[:], uint16(len(r.ValueType)))
	buf.Write(u2[:])
	buf.WriteString(r.ValueType)

	binary.BigEndian.PutUint32(u4[:], uint32(len(r.Value)))
	buf.Write(u4[:])
	buf.Write(r.Value)

	return buf.Bytes(), nil
}

// Decode parses a record, rejecting trailing bytes.
func Decode(b []byte) (Record, error) {
	const hdr = 4 + 1 + 1 + 1 + 8*3
	var r Record
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return r, ErrCorrupt
	}
	r.Mode = b[5]
	r.UsesDefaults = b[6]&flagUsesDefaults != 0

	off := 7
	r.CreatedTicks = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	r.LastAccessedTicks = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	r.TimeoutMillis = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	if off+2 > len(b) {
		return r, ErrCorrupt
	}
	klen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if klen == 0 || klen > len(b)-off {
		return r, ErrCorrupt
	}
	r.Key = string(b[off : off+klen])
	off += klen

	if off+2 > len(b) {
		return r, ErrCorrupt
	}
	tlen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if tlen > len(b)-off {
		return r, ErrCorrupt
	}
	r.ValueType = string(b[off : off+tlen])
	off += tlen

	if off+4 > len(b) {
		return r, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen > len(b)-off {
		return r, ErrCorrupt
	}
	r.Value = b[off : off+vlen]
	off += vlen

	if off != len(b) {
		return r, ErrCorrupt
	}
	return r, nil
}
