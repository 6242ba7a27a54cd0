// Package memstore is an embedded, in-memory implementation of the
// store.Kv contract, backed by left-leaning red-black trees. It keeps
// rows in byte order, which gives floor lookups and exclusive-stop
// range scans for free, and can seal its contents to a snapshot file
// so CLI invocations see durable state.
package memstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/petar/GoLLRB/llrb"

	"github.com/quadkv/quadkv/store"
)

var log = logging.Logger("memstore")

// Store is a multi-table ordered store. A single Store may be shared
// by concurrent readers; writes take the exclusive lock.
type Store struct {
	mu     sync.RWMutex
	path   string
	tables map[string]*table
}

type table struct {
	families []string
	rows     *llrb.LLRB
}

type rowItem struct {
	key []byte
	// family -> qualifier -> value
	cells map[string]map[string][]byte
}

func (r *rowItem) Less(than llrb.Item) bool {
	return bytes.Compare(r.key, than.(*rowItem).key) < 0
}

// New returns an empty store with no backing file.
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

var _ store.Kv = (*Store)(nil)

func (s *Store) CreateTable(ctx context.Context, name string, families ...string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; ok {
		return fmt.Errorf("create table %q: %w", name, store.ErrTableExists)
	}
	s.tables[name] = &table{
		families: append([]string(nil), families...),
		rows:     llrb.New(),
	}
	log.Debugf("created table %q with families %v", name, families)
	return nil
}

func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tables[name]
	return ok, nil
}

func (s *Store) DropTable(ctx context.Context, name string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; !ok {
		return fmt.Errorf("drop table %q: %w", name, store.ErrTableNotFound)
	}
	delete(s.tables, name)
	return nil
}

func (s *Store) Put(ctx context.Context, tableName string, row []byte, family string, qualifier, value []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableName]
	if !ok {
		return fmt.Errorf("put to %q: %w", tableName, store.ErrTableNotFound)
	}
	t.put(row, family, qualifier, value)
	return nil
}

func (s *Store) PutBatch(ctx context.Context, tableName string, puts []store.PutOp) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableName]
	if !ok {
		return fmt.Errorf("batch put to %q: %w", tableName, store.ErrTableNotFound)
	}
	for _, p := range puts {
		t.put(p.Row, p.Family, p.Qualifier, p.Value)
	}
	return nil
}

func (t *table) put(row []byte, family string, qualifier, value []byte) {
	pivot := &rowItem{key: row}
	var item *rowItem
	if got := t.rows.Get(pivot); got != nil {
		item = got.(*rowItem)
	} else {
		item = &rowItem{
			key:   append([]byte(nil), row...),
			cells: make(map[string]map[string][]byte),
		}
		t.rows.ReplaceOrInsert(item)
	}
	fam, ok := item.cells[family]
	if !ok {
		fam = make(map[string][]byte)
		item.cells[family] = fam
	}
	fam[string(qualifier)] = append([]byte(nil), value...)
}

func (s *Store) Get(ctx context.Context, tableName string, row []byte, family string) (map[string][]byte, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableName]
	if !ok {
		return nil, fmt.Errorf("get from %q: %w", tableName, store.ErrTableNotFound)
	}
	got := t.rows.Get(&rowItem{key: row})
	if got == nil {
		return map[string][]byte{}, nil
	}
	return cloneCells(got.(*rowItem).cells[family]), nil
}

func (s *Store) FloorGet(ctx context.Context, tableName string, row []byte, family string) ([]byte, map[string][]byte, error) {
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableName]
	if !ok {
		return nil, nil, fmt.Errorf("floor get from %q: %w", tableName, store.ErrTableNotFound)
	}
	var found *rowItem
	t.rows.DescendLessOrEqual(&rowItem{key: row}, func(i llrb.Item) bool {
		found = i.(*rowItem)
		return false
	})
	if found == nil {
		return nil, nil, fmt.Errorf("floor get from %q at %x: %w", tableName, row, store.ErrNoFloor)
	}
	return append([]byte(nil), found.key...), cloneCells(found.cells[family]), nil
}

func (s *Store) AtomicIncrement(ctx context.Context, tableName string, row []byte, family string, qualifier []byte, delta int64) (int64, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableName]
	if !ok {
		return 0, fmt.Errorf("increment on %q: %w", tableName, store.ErrTableNotFound)
	}
	var current int64
	if got := t.rows.Get(&rowItem{key: row}); got != nil {
		if raw, ok := got.(*rowItem).cells[family][string(qualifier)]; ok {
			if len(raw) != 8 {
				return 0, fmt.Errorf("increment on %q at %x: counter cell is %d bytes, want 8", tableName, row, len(raw))
			}
			current = int64(binary.BigEndian.Uint64(raw))
		}
	}
	current += delta
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(current))
	t.put(row, family, qualifier, buf)
	return current, nil
}

func cloneCells(cells map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(cells))
	for q, v := range cells {
		out[q] = append([]byte(nil), v...)
	}
	return out
}
