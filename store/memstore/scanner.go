package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/petar/GoLLRB/llrb"

	"github.com/quadkv/quadkv/store"
)

const defaultCaching = 128

// scanner pages through a table under short read locks. Rows written
// behind the cursor after a page was filled are not revisited; rows
// written ahead of it are seen. This matches the snapshot-per-page
// semantics of a remote store scanner.
type scanner struct {
	s       *Store
	table   string
	family  string
	stop    []byte // nil means scan to the end
	filter  store.Filter
	caching int

	ctx    context.Context
	cursor []byte // next row key to start from, inclusive
	page   []scannedRow
	done   bool
}

type scannedRow struct {
	key   []byte
	cells map[string][]byte
}

func (s *Store) Scan(ctx context.Context, tableName string, startRow, stopRow []byte, family string, filter store.Filter, caching int) (store.Scanner, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.mu.RLock()
	_, ok := s.tables[tableName]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("scan %q: %w", tableName, store.ErrTableNotFound)
	}
	if caching <= 0 {
		caching = defaultCaching
	}
	return &scanner{
		s:       s,
		table:   tableName,
		family:  family,
		stop:    append([]byte(nil), stopRow...),
		filter:  filter,
		caching: caching,
		ctx:     ctx,
		cursor:  append([]byte(nil), startRow...),
	}, nil
}

func (sc *scanner) Next() ([]byte, map[string][]byte, error) {
	for {
		if len(sc.page) > 0 {
			row := sc.page[0]
			sc.page = sc.page[1:]
			return row.key, row.cells, nil
		}
		if sc.done {
			return nil, nil, io.EOF
		}
		if err := sc.fill(); err != nil {
			return nil, nil, err
		}
	}
}

// fill loads the next page of at most caching rows.
func (sc *scanner) fill() error {
	if err := sc.ctx.Err(); err != nil {
		return err
	}
	sc.s.mu.RLock()
	defer sc.s.mu.RUnlock()
	t, ok := sc.s.tables[sc.table]
	if !ok {
		return fmt.Errorf("scan %q: %w", sc.table, store.ErrTableNotFound)
	}
	collected := 0
	morePages := false
	t.rows.AscendGreaterOrEqual(&rowItem{key: sc.cursor}, func(i llrb.Item) bool {
		item := i.(*rowItem)
		if len(sc.stop) > 0 && bytes.Compare(item.key, sc.stop) >= 0 {
			return false
		}
		if collected == sc.caching {
			// next page resumes at this key
			morePages = true
			sc.cursor = append(sc.cursor[:0], item.key...)
			return false
		}
		collected++
		if row, ok := sc.applyFilter(item); ok {
			sc.page = append(sc.page, row)
		}
		return true
	})
	// The scan is drained unless a row beyond the full page proved
	// there is more; a page that ends exactly at the last in-range row
	// must not leave the scanner spinning on an unchanged cursor.
	if !morePages {
		sc.done = true
	}
	return nil
}

// applyFilter evaluates the pushed-down filter against the row's
// cells. A SkipRow verdict on any cell drops the whole row.
func (sc *scanner) applyFilter(item *rowItem) (scannedRow, bool) {
	cells := item.cells[sc.family]
	if len(cells) == 0 {
		return scannedRow{}, false
	}
	out := make(map[string][]byte, len(cells))
	for q, v := range cells {
		if sc.filter != nil {
			switch sc.filter.Cell(item.key, []byte(q), v) {
			case store.SkipRow:
				return scannedRow{}, false
			case store.Include:
			}
		}
		out[q] = append([]byte(nil), v...)
	}
	return scannedRow{
		key:   append([]byte(nil), item.key...),
		cells: out,
	}, true
}

func (sc *scanner) Close() error {
	sc.done = true
	sc.page = nil
	return nil
}
