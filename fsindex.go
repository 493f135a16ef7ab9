package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
)

// fsIndexEntry is one row's projection into an index file: the row id plus
// the values of the indexed columns at commit time.
type fsIndexEntry struct {
	ID   ID             `json:"id"`
	Keys map[string]any `json:"keys"`
}

// FsIndexStore maintains the derived index files of a table directory.
// Every committed row write refreshes the row's entry in each declared
// index before the write returns, so index files always reflect committed
// state.
type FsIndexStore struct {
	tableDir string
}

// NewFsIndexStore creates an index store rooted at a table directory.
func NewFsIndexStore(tableDir string) *FsIndexStore {
	return &FsIndexStore{tableDir: tableDir}
}

func (s *FsIndexStore) indexPath(idx IndexDef) string {
	return filepath.Join(s.tableDir, "indexes", idx.FileName)
}

// UpdateRow refreshes the row's entry in every index declared on the
// model. Missing index files are created.
func (s *FsIndexStore) UpdateRow(def *ModelDef, id ID, rec Record) error {
	for _, idx := range def.Indexes {
		keys := make(map[string]any, len(idx.Columns))
		for _, col := range idx.Columns {
			keys[col] = rec[col]
		}
		if err := s.patch(idx, id, &fsIndexEntry{ID: id, Keys: keys}); err != nil {
			return err
		}
	}
	return nil
}

// RemoveRow drops the row's entry from every index.
func (s *FsIndexStore) RemoveRow(def *ModelDef, id ID) error {
	for _, idx := range def.Indexes {
		if err := s.patch(idx, id, nil); err != nil {
			return err
		}
	}
	return nil
}

// Entries reads an index file. An absent file is an empty index.
func (s *FsIndexStore) Entries(idx IndexDef) ([]fsIndexEntry, error) {
	data, err := os.ReadFile(s.indexPath(idx))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []fsIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode index %s: %w", idx.Name, err)
	}
	return entries, nil
}

// patch replaces (entry non-nil) or removes (entry nil) the id's slot in
// one index file, rewriting it atomically.
func (s *FsIndexStore) patch(idx IndexDef, id ID, entry *fsIndexEntry) error {
	entries, err := s.Entries(idx)
	if err != nil {
		return err
	}

	out := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			out = append(out, e)
		}
	}
	if entry != nil {
		out = append(out, *entry)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode index %s: %w", idx.Name, err)
	}
	return writeFileAtomic(s.indexPath(idx), data)
}

// writeFileAtomic writes via a temp file in the destination directory and
// renames it into place, so readers only ever see absent or complete
// content.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp := fmt.Sprintf("%s.tmp-%d-%d", path, os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
