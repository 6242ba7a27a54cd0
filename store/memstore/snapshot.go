package memstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
	bin "github.com/gagliardetto/binary"
	"github.com/klauspost/compress/zstd"
	"github.com/petar/GoLLRB/llrb"
)

var _Magic = [8]byte{'q', 'u', 'a', 'd', 'k', 'v', 'd', 'b'}

// Version is the snapshot format version.
const Version = uint64(1)

// Open returns a store backed by the snapshot file at path. A missing
// file yields an empty store; Seal creates it.
func Open(path string) (*Store, error) {
	s := New()
	s.path = path
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	if err := s.load(data); err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", path, err)
	}
	return s, nil
}

// Seal writes the store's contents to its backing snapshot file. The
// write goes through a temporary file and a rename so a crash never
// leaves a torn snapshot behind.
func (s *Store) Seal() error {
	if s.path == "" {
		return fmt.Errorf("store has no backing snapshot path")
	}
	s.mu.RLock()
	payload, err := s.encodePayload()
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	compressed := enc.EncodeAll(payload, nil)
	if err := enc.Close(); err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	buf.Write(_Magic[:])
	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], Version)
	buf.Write(u64[:])
	binary.LittleEndian.PutUint64(u64[:], uint64(len(compressed)))
	buf.Write(u64[:])
	buf.Write(compressed)
	binary.LittleEndian.PutUint64(u64[:], xxhash.Sum64(compressed))
	buf.Write(u64[:])

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to finalize snapshot: %w", err)
	}
	log.Debugf("sealed snapshot %s (%d bytes compressed)", s.path, len(compressed))
	return nil
}

func (s *Store) encodePayload() ([]byte, error) {
	buf := new(bytes.Buffer)
	w := bin.NewBorshEncoder(buf)

	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)

	if err := w.WriteUint32(uint32(len(names)), binary.LittleEndian); err != nil {
		return nil, err
	}
	for _, name := range names {
		t := s.tables[name]
		if err := writeString(w, name); err != nil {
			return nil, err
		}
		if err := w.WriteUint32(uint32(len(t.families)), binary.LittleEndian); err != nil {
			return nil, err
		}
		for _, fam := range t.families {
			if err := writeString(w, fam); err != nil {
				return nil, err
			}
		}
		if err := w.WriteUint64(uint64(t.rows.Len()), binary.LittleEndian); err != nil {
			return nil, err
		}
		if t.rows.Len() > 0 {
			var iterErr error
			t.rows.AscendGreaterOrEqual(t.rows.Min(), func(i llrb.Item) bool {
				iterErr = writeRow(w, i.(*rowItem))
				return iterErr == nil
			})
			if iterErr != nil {
				return nil, iterErr
			}
		}
	}
	return buf.Bytes(), nil
}

func writeRow(w *bin.Encoder, item *rowItem) error {
	if err := writeBytes(w, item.key); err != nil {
		return err
	}
	fams := make([]string, 0, len(item.cells))
	for fam := range item.cells {
		fams = append(fams, fam)
	}
	sort.Strings(fams)
	if err := w.WriteUint32(uint32(len(fams)), binary.LittleEndian); err != nil {
		return err
	}
	for _, fam := range fams {
		if err := writeString(w, fam); err != nil {
			return err
		}
		cells := item.cells[fam]
		quals := make([]string, 0, len(cells))
		for q := range cells {
			quals = append(quals, q)
		}
		sort.Strings(quals)
		if err := w.WriteUint32(uint32(len(quals)), binary.LittleEndian); err != nil {
			return err
		}
		for _, q := range quals {
			if err := writeBytes(w, []byte(q)); err != nil {
				return err
			}
			if err := writeBytes(w, cells[q]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) load(data []byte) error {
	if len(data) < 32 {
		return fmt.Errorf("snapshot too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:8], _Magic[:]) {
		return fmt.Errorf("bad magic: %x", data[:8])
	}
	version := binary.LittleEndian.Uint64(data[8:16])
	if version != Version {
		return fmt.Errorf("unsupported snapshot version %d, want %d", version, Version)
	}
	payloadLen := binary.LittleEndian.Uint64(data[16:24])
	if uint64(len(data)) < 24+payloadLen+8 {
		return fmt.Errorf("truncated snapshot: have %d bytes, header says %d", len(data), 24+payloadLen+8)
	}
	compressed := data[24 : 24+payloadLen]
	wantSum := binary.LittleEndian.Uint64(data[24+payloadLen:])
	if gotSum := xxhash.Sum64(compressed); gotSum != wantSum {
		return fmt.Errorf("checksum mismatch: got %x, want %x", gotSum, wantSum)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer dec.Close()
	payload, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("failed to decompress payload: %w", err)
	}
	return s.decodePayload(payload)
}

func (s *Store) decodePayload(payload []byte) error {
	r := bin.NewBorshDecoder(payload)
	numTables, err := r.ReadUint32(bin.LE)
	if err != nil {
		return err
	}
	for ti := uint32(0); ti < numTables; ti++ {
		name, err := readString(r)
		if err != nil {
			return err
		}
		numFams, err := r.ReadUint32(bin.LE)
		if err != nil {
			return err
		}
		families := make([]string, numFams)
		for fi := range families {
			if families[fi], err = readString(r); err != nil {
				return err
			}
		}
		t := &table{families: families, rows: llrb.New()}
		numRows, err := r.ReadUint64(bin.LE)
		if err != nil {
			return err
		}
		for ri := uint64(0); ri < numRows; ri++ {
			if err := readRow(r, t); err != nil {
				return err
			}
		}
		s.tables[name] = t
	}
	return nil
}

func readRow(r *bin.Decoder, t *table) error {
	key, err := readBytes(r)
	if err != nil {
		return err
	}
	numFams, err := r.ReadUint32(bin.LE)
	if err != nil {
		return err
	}
	item := &rowItem{key: key, cells: make(map[string]map[string][]byte, numFams)}
	for fi := uint32(0); fi < numFams; fi++ {
		fam, err := readString(r)
		if err != nil {
			return err
		}
		numCells, err := r.ReadUint32(bin.LE)
		if err != nil {
			return err
		}
		cells := make(map[string][]byte, numCells)
		for ci := uint32(0); ci < numCells; ci++ {
			qual, err := readBytes(r)
			if err != nil {
				return err
			}
			value, err := readBytes(r)
			if err != nil {
				return err
			}
			cells[string(qual)] = value
		}
		item.cells[fam] = cells
	}
	t.rows.ReplaceOrInsert(item)
	return nil
}

func writeString(w *bin.Encoder, s string) error {
	return writeBytes(w, []byte(s))
}

func writeBytes(w *bin.Encoder, b []byte) error {
	if err := w.WriteUint32(uint32(len(b)), binary.LittleEndian); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readString(r *bin.Decoder) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

func readBytes(r *bin.Decoder) ([]byte, error) {
	n, err := r.ReadUint32(bin.LE)
	if err != nil {
		return nil, err
	}
	return r.ReadNBytes(int(n))
}
