package db

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	chunkPrefix = "chunk-"
	tempSuffix  = ".tmp"
)

// ChunkFile is a chunk file found on disk.
type ChunkFile struct {
	Path    string
	Number  int32
	Version int32
}

// Namer maps (chunk number, version) to file names of the form chunk-NNNNNN.VVVVVV.
type Namer struct {
	dir string
}

func NewNamer(dir string) *Namer {
	return &Namer{dir: filepath.Clean(dir)}
}

func (n *Namer) Dir() string { return n.dir }

func (n *Namer) FilenameFor(number, version int32) string {
	return filepath.Join(n.dir, fmt.Sprintf("%s%06d.%06d", chunkPrefix, number, version))
}

// TempFilename returns a fresh name that recovery never mistakes for a chunk.
func (n *Namer) TempFilename() string {
	return filepath.Join(n.dir, uuid.NewString()+tempSuffix)
}

// Parse extracts number and version from a chunk file name.
func (n *Namer) Parse(name string) (number, version int32, ok bool) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, chunkPrefix) {
		return 0, 0, false
	}
	rest := strings.TrimPrefix(base, chunkPrefix)
	if len(rest) != 13 || rest[6] != '.' {
		return 0, 0, false
	}
	num, err := strconv.ParseUint(rest[:6], 10, 31)
	if err != nil {
		return 0, 0, false
	}
	ver, err := strconv.ParseUint(rest[7:], 10, 31)
	if err != nil {
		return 0, 0, false
	}
	return int32(num), int32(ver), true
}

// AllPresentFiles lists every chunk file, ordered by number then version.
func (n *Namer) AllPresentFiles() ([]ChunkFile, error) {
	entries, err := os.ReadDir(n.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list chunk directory: %w", err)
	}

	var files []ChunkFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		num, ver, ok := n.Parse(e.Name())
		if !ok {
			continue
		}
		files = append(files, ChunkFile{Path: filepath.Join(n.dir, e.Name()), Number: num, Version: ver})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Number != files[j].Number {
			return files[i].Number < files[j].Number
		}
		return files[i].Version < files[j].Version
	})
	return files, nil
}

// TempFiles lists leftovers of interrupted chunk creations and scavenges.
func (n *Namer) TempFiles() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(n.dir, "*"+tempSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to list temp files: %w", err)
	}
	return matches, nil
}

// BestVersionFor returns the highest version present for a chunk number.
func (n *Namer) BestVersionFor(number int32) (ChunkFile, bool, error) {
	files, err := n.AllPresentFiles()
	if err != nil {
		return ChunkFile{}, false, err
	}
	var (
		best  ChunkFile
		found bool
	)
	for _, f := range files {
		if f.Number == number && (!found || f.Version > best.Version) {
			best, found = f, true
		}
	}
	return best, found, nil
}

// Select splits files into the current version of each chunk and the
// superseded lower versions.
func Select(files []ChunkFile) (current, leftovers []ChunkFile) {
	byNumber := make(map[int32]ChunkFile, len(files))
	for _, f := range files {
		best, ok := byNumber[f.Number]
		if !ok || f.Version > best.Version {
			if ok {
				leftovers = append(leftovers, best)
			}
			byNumber[f.Number] = f
			continue
		}
		leftovers = append(leftovers, f)
	}

	current = make([]ChunkFile, 0, len(byNumber))
	for _, f := range byNumber {
		current = append(current, f)
	}
	sort.Slice(current, func(i, j int) bool { return current[i].Number < current[j].Number })
	return current, leftovers
}
