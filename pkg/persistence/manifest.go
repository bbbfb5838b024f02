package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"eventdb/pkg/dberrors"
)

const (
	manifestFile = "MANIFEST"
	tableExt     = ".ptable"
)

// Manifest records which PTables make up the index, level by level, and the
// log position the tables cover.
type Manifest struct {
	mu       sync.RWMutex
	dir      string
	filePath string
	metadata ManifestData
}

type ManifestData struct {
	NextTableID uint64 `json:"next_table_id"`
	// Levels[0] is the newest level; tables inside a level are oldest first.
	Levels            [][]TableInfo `json:"levels"`
	Version           int           `json:"version"`
	CommittedPosition int64         `json:"committed_position"`
}

type TableInfo struct {
	ID        uint64 `json:"id"`
	File      string `json:"file"`
	Entries   int64  `json:"entries"`
	CoveredTo int64  `json:"covered_to"`
}

func NewManifest(dir string) *Manifest {
	return &Manifest{
		dir:      dir,
		filePath: filepath.Join(dir, manifestFile),
		metadata: ManifestData{NextTableID: 1, Version: 1},
	}
}

// Load reads the manifest. A missing file starts an empty index.
func (m *Manifest) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0750); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}
	data, err := os.ReadFile(m.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return m.save()
	}
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	var md ManifestData
	if err := json.Unmarshal(data, &md); err != nil {
		return dberrors.Corrupt(m.filePath, "failed to parse manifest: %v", err)
	}
	if md.NextTableID == 0 || md.CommittedPosition < 0 {
		return dberrors.Corrupt(m.filePath, "invalid manifest contents")
	}
	m.metadata = md
	return nil
}

func (m *Manifest) save() error {
	data, err := json.MarshalIndent(m.metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmp := m.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	f, err := os.Open(tmp)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	serr := f.Sync()
	_ = f.Close()
	if serr != nil {
		return fmt.Errorf("failed to sync manifest: %w", serr)
	}
	if err := os.Rename(tmp, m.filePath); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}
	return syncDir(m.dir)
}

// Replace stores a new table layout together with the position it covers.
func (m *Manifest) Replace(levels [][]TableInfo, committed int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.metadata
	m.metadata.Levels = cloneLevels(levels)
	m.metadata.CommittedPosition = committed
	if err := m.save(); err != nil {
		m.metadata = prev
		return err
	}
	return nil
}

// Reset forgets every table. Used before a full index rebuild.
func (m *Manifest) Reset() error {
	return m.Replace(nil, 0)
}

// GetNextTableID reserves a table id.
func (m *Manifest) GetNextTableID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.metadata.NextTableID
	m.metadata.NextTableID++
	return id
}

func (m *Manifest) Levels() [][]TableInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneLevels(m.metadata.Levels)
}

func (m *Manifest) CommittedPosition() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata.CommittedPosition
}

func (m *Manifest) Dir() string { return m.dir }

// TablePath is where table id lives.
func (m *Manifest) TablePath(id uint64) string {
	return filepath.Join(m.dir, TableFileName(id))
}

func TableFileName(id uint64) string {
	return fmt.Sprintf("ptable-%08d%s", id, tableExt)
}

// RemoveOrphans deletes table files the manifest does not reference, and
// unfinished table writes.
func (m *Manifest) RemoveOrphans() ([]string, error) {
	m.mu.RLock()
	known := make(map[string]bool)
	for _, level := range m.metadata.Levels {
		for _, t := range level {
			known[t.File] = true
		}
	}
	m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list index directory: %w", err)
	}
	var removed []string
	for _, e := range entries {
		name := e.Name()
		orphan := strings.HasSuffix(name, tableExt) && !known[name]
		unfinished := strings.HasSuffix(name, tableExt+".tmp")
		if !orphan && !unfinished {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove orphan ptable: %w", err)
		}
		removed = append(removed, name)
	}
	return removed, nil
}

func cloneLevels(levels [][]TableInfo) [][]TableInfo {
	out := make([][]TableInfo, len(levels))
	for i, l := range levels {
		out[i] = append([]TableInfo(nil), l...)
	}
	return out
}
