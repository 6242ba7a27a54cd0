// Package zindex implements a dynamic two-dimensional spatial index
// over an ordered key-value store. Points are linearized to 8-byte
// Z-codes (zcode package) and stored at their Z-code rows; the index
// table partitions the 64-bit Z-code space into prefix-identified
// buckets that split in half when they overflow.
package zindex

import (
	"encoding/binary"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/quadkv/quadkv/geom"
	"github.com/quadkv/quadkv/zcode"
)

var log = logging.Logger("zindex")

const (
	// FamilyPoints is the column family of the data table.
	FamilyPoints = "P"
	// FamilyInfo is the column family of the index table.
	FamilyInfo = "info"

	// IndexTableSuffix is appended to the data table name to form the
	// index table name.
	IndexTableSuffix = "_index"

	qualPrefixLen  = "pl"
	qualBucketSize = "bs"
)

type errorType string

func (e errorType) Error() string {
	return string(e)
}

const (
	// ErrInvalidArgument indicates a malformed query argument; the
	// operation was not attempted.
	ErrInvalidArgument = errorType("invalid argument")

	// ErrCorruption indicates an index entry that cannot be decoded.
	// The store should be treated as inconsistent.
	ErrCorruption = errorType("index corruption")
)

// BucketKey is the canonical identity of a bucket: the smallest
// Z-code of its interval and the number of fixed prefix bits. The low
// 64-PrefixLen bits of Min are zero.
type BucketKey struct {
	Min       [zcode.Size]byte
	PrefixLen uint8
}

func (k BucketKey) String() string {
	return zcode.PrefixString(k.Min, uint32(k.PrefixLen))
}

// entry is a decoded index-table row.
type entry struct {
	key  BucketKey
	size uint64
}

func decodeEntry(row []byte, cells map[string][]byte) (entry, error) {
	if len(row) != zcode.Size {
		return entry{}, fmt.Errorf("index row %x has %d bytes, want %d: %w", row, len(row), zcode.Size, ErrCorruption)
	}
	rawPl, ok := cells[qualPrefixLen]
	if !ok || len(rawPl) != 4 {
		return entry{}, fmt.Errorf("index row %x is missing a valid %q column: %w", row, qualPrefixLen, ErrCorruption)
	}
	rawBs, ok := cells[qualBucketSize]
	if !ok || len(rawBs) != 8 {
		return entry{}, fmt.Errorf("index row %x is missing a valid %q column: %w", row, qualBucketSize, ErrCorruption)
	}
	pl := binary.BigEndian.Uint32(rawPl)
	if pl < 1 || pl > zcode.MaxPrefixLen {
		return entry{}, fmt.Errorf("index row %x has prefix length %d outside 1..64: %w", row, pl, ErrCorruption)
	}
	var e entry
	copy(e.key.Min[:], row)
	e.key.PrefixLen = uint8(pl)
	e.size = binary.BigEndian.Uint64(rawBs)
	return e, nil
}

func encodePrefixLen(pl uint8) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(pl))
	return buf
}

func encodeBucketSize(bs uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bs)
	return buf
}

// rect reconstructs the bucket's rectangle from its key. The min
// corner comes from the key itself, the max corner from the key with
// all free bits set. The reconstruction is unique.
func (k BucketKey) rect() (rx, ry geom.Range) {
	xmin, ymin := zcode.Deinterleave(k.Min)
	xmax, ymax := zcode.Deinterleave(zcode.OrNotMask(k.Min, uint32(k.PrefixLen)))
	return geom.Range{Min: xmin, Max: xmax}, geom.Range{Min: ymin, Max: ymax}
}

func encodePointQualifier(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func encodePointValue(x, y uint32) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[:4], x)
	binary.BigEndian.PutUint32(buf[4:], y)
	return buf
}

func decodePointCell(qualifier, value []byte) (geom.Point, error) {
	if len(qualifier) != 8 {
		return geom.Point{}, fmt.Errorf("point qualifier has %d bytes, want 8: %w", len(qualifier), ErrCorruption)
	}
	if len(value) != 8 {
		return geom.Point{}, fmt.Errorf("point value has %d bytes, want 8: %w", len(value), ErrCorruption)
	}
	return geom.Point{
		ID: int64(binary.BigEndian.Uint64(qualifier)),
		X:  binary.BigEndian.Uint32(value[:4]),
		Y:  binary.BigEndian.Uint32(value[4:]),
	}, nil
}
