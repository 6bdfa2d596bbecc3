package vectorindex

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Snapshot layout under the index directory:
//
//	CURRENT            points at the live generation
//	vectors-<gen>.bin  vector table (header + float32 rows)
//	ids-<gen>.json     position-ordered chunk id list
//
// Save writes both generation files, then atomically swaps CURRENT.
// A crash at any point leaves CURRENT pointing at a complete prior
// pair, never a half-written mixture.

const (
	currentFile   = "CURRENT"
	vectorsMagic  = "AVIX"
	formatVersion = 1
)

// CorruptionError reports a snapshot that failed the load-time
// consistency check. The index starts empty in that case.
type CorruptionError struct {
	Dir    string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("vector index snapshot corrupt in %s: %s", e.Dir, e.Reason)
}

// Save serializes the vector table and the id list together and
// atomically replaces the prior snapshot. Exclusive with Add and
// Search for its duration.
func (idx *Index) Save() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := os.MkdirAll(idx.dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	gen := idx.gen + 1
	vecPath := filepath.Join(idx.dir, fmt.Sprintf("vectors-%d.bin", gen))
	idsPath := filepath.Join(idx.dir, fmt.Sprintf("ids-%d.json", gen))

	if err := idx.writeVectors(vecPath); err != nil {
		return err
	}
	if err := idx.writeIDs(idsPath); err != nil {
		return err
	}

	// The CURRENT swap is the commit point.
	tmp := filepath.Join(idx.dir, currentFile+".tmp")
	if err := writeFileSync(tmp, []byte(strconv.FormatUint(gen, 10)+"\n")); err != nil {
		return fmt.Errorf("write CURRENT: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(idx.dir, currentFile)); err != nil {
		return fmt.Errorf("swap CURRENT: %w", err)
	}
	syncDir(idx.dir)

	prev := idx.gen
	idx.gen = gen
	if prev > 0 {
		// Old generation is unreferenced now; removal is best effort.
		os.Remove(filepath.Join(idx.dir, fmt.Sprintf("vectors-%d.bin", prev)))
		os.Remove(filepath.Join(idx.dir, fmt.Sprintf("ids-%d.json", prev)))
	}
	return nil
}

func (idx *Index) load() error {
	raw, err := os.ReadFile(filepath.Join(idx.dir, currentFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read CURRENT: %w", err)
	}
	gen, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return &CorruptionError{Dir: idx.dir, Reason: fmt.Sprintf("bad CURRENT contents: %v", err)}
	}

	vecPath := filepath.Join(idx.dir, fmt.Sprintf("vectors-%d.bin", gen))
	idsPath := filepath.Join(idx.dir, fmt.Sprintf("ids-%d.json", gen))

	data, count, err := idx.readVectors(vecPath)
	if err != nil {
		return err
	}
	ids, err := readIDs(idsPath)
	if err != nil {
		return &CorruptionError{Dir: idx.dir, Reason: fmt.Sprintf("id list: %v", err)}
	}

	// The core check: vector count and id-list length must agree.
	if count != len(ids) {
		return &CorruptionError{
			Dir:    idx.dir,
			Reason: fmt.Sprintf("vector count %d != id list length %d", count, len(ids)),
		}
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := known[id]; dup {
			return &CorruptionError{Dir: idx.dir, Reason: fmt.Sprintf("duplicate chunk id %q", id)}
		}
		known[id] = struct{}{}
	}

	idx.data = data
	idx.ids = ids
	idx.known = known
	idx.gen = gen
	return nil
}

func (idx *Index) writeVectors(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write vectors: %w", err)
	}
	w := bufio.NewWriter(f)

	header := []any{
		[]byte(vectorsMagic),
		uint32(formatVersion),
		uint32(idx.dim),
		uint32(len(idx.ids)),
	}
	for _, field := range header {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			f.Close()
			return fmt.Errorf("write vectors header: %w", err)
		}
	}
	if err := binary.Write(w, binary.LittleEndian, idx.data); err != nil {
		f.Close()
		return fmt.Errorf("write vectors data: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush vectors: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync vectors: %w", err)
	}
	return f.Close()
}

func (idx *Index) readVectors(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, &CorruptionError{Dir: idx.dir, Reason: fmt.Sprintf("vector table: %v", err)}
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, 0, &CorruptionError{Dir: idx.dir, Reason: "vector table truncated header"}
	}
	if string(magic) != vectorsMagic {
		return nil, 0, &CorruptionError{Dir: idx.dir, Reason: fmt.Sprintf("bad magic %q", magic)}
	}
	var version, dim, count uint32
	for _, field := range []*uint32{&version, &dim, &count} {
		if err := binary.Read(r, binary.LittleEndian, field); err != nil {
			return nil, 0, &CorruptionError{Dir: idx.dir, Reason: "vector table truncated header"}
		}
	}
	if version != formatVersion {
		return nil, 0, &CorruptionError{Dir: idx.dir, Reason: fmt.Sprintf("unsupported format version %d", version)}
	}
	if int(dim) != idx.dim {
		return nil, 0, &CorruptionError{
			Dir:    idx.dir,
			Reason: fmt.Sprintf("snapshot dimension %d != configured %d", dim, idx.dim),
		}
	}

	data := make([]float32, int(dim)*int(count))
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return nil, 0, &CorruptionError{Dir: idx.dir, Reason: "vector table truncated data"}
	}
	return data, int(count), nil
}

func (idx *Index) writeIDs(path string) error {
	data, err := json.Marshal(idx.ids)
	if err != nil {
		return fmt.Errorf("marshal id list: %w", err)
	}
	if err := writeFileSync(path, data); err != nil {
		return fmt.Errorf("write id list: %w", err)
	}
	return nil
}

func readIDs(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
