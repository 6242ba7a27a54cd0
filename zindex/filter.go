package zindex

import (
	"encoding/binary"

	"github.com/quadkv/quadkv/geom"
	"github.com/quadkv/quadkv/store"
)

// rectFilter is the scan predicate for point cells: a cell passes iff
// its decoded coordinates lie in rx × ry. All cells of a row share
// the same coordinates, so a miss skips the remaining cells of the
// row.
type rectFilter struct {
	rx geom.Range
	ry geom.Range
}

var _ store.Filter = (*rectFilter)(nil)

func (f *rectFilter) Cell(row, qualifier, value []byte) store.Decision {
	if len(value) != 8 {
		return store.SkipRow
	}
	x := binary.BigEndian.Uint32(value[:4])
	y := binary.BigEndian.Uint32(value[4:])
	if f.rx.Contains(x) && f.ry.Contains(y) {
		return store.Include
	}
	return store.SkipRow
}
