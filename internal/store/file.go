package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// File appends entries as JSON lines and indexes the newest entry per path in memory.
type File struct {
	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	latest map[string]Entry
}

// OpenFile opens (or creates) the JSONL history at path and replays it into the index.
func OpenFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	latest := make(map[string]Entry)
	if err := replay(path, latest); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &File{file: file, enc: json.NewEncoder(file), latest: latest}, nil
}

func replay(path string, latest map[string]Entry) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if cur, ok := latest[e.Path]; !ok || newer(e, cur) {
			latest[e.Path] = e
		}
	}
	return sc.Err()
}

// Latest returns the newest entry for path.
func (f *File) Latest(_ context.Context, path string) (Entry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.latest[path]
	return e, ok, nil
}

// Append writes e as one JSON line.
func (f *File) Append(_ context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return errors.New("state file closed")
	}
	if err := f.enc.Encode(e); err != nil {
		return fmt.Errorf("append state entry %s: %w", e.Path, err)
	}
	if cur, ok := f.latest[e.Path]; !ok || newer(e, cur) {
		f.latest[e.Path] = e
	}
	return nil
}

// Close closes the file handle.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
