package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"statemax-go/internal/clock"
)

type item struct {
	data    json.RawMessage
	updated time.Time
	dirty   bool
}

// State is one node of the namespace tree. Set snapshots values immediately; Save appends the
// dirty snapshots of the node and its descendants to the backend.
type State struct {
	backend Backend
	clock   clock.Clock
	path    string

	mu       sync.Mutex
	items    map[string]*item
	children map[string]*State
}

// New returns the root namespace. A nil backend keeps state in memory only.
func New(backend Backend, clk clock.Clock) *State {
	if clk == nil {
		clk = clock.System{}
	}
	return newNode(backend, clk, "/")
}

func newNode(backend Backend, clk clock.Clock, path string) *State {
	return &State{backend: backend, clock: clk, path: path, items: make(map[string]*item), children: make(map[string]*State)}
}

// Path returns the node prefix, always ending in "/".
func (s *State) Path() string { return s.path }

// Sub returns the child namespace name, creating it on first use. name may contain "/".
func (s *State) Sub(name string) *State {
	node := s
	for _, part := range strings.Split(strings.Trim(name, "/"), "/") {
		if part == "" {
			continue
		}
		node.mu.Lock()
		child, ok := node.children[part]
		if !ok {
			child = newNode(node.backend, node.clock, node.path+part+"/")
			node.children[part] = child
		}
		node.mu.Unlock()
		node = child
	}
	return node
}

// Set marshals v now and marks the key dirty.
func (s *State) Set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s%s: %w", s.path, key, err)
	}
	s.mu.Lock()
	s.items[key] = &item{data: data, updated: s.clock.Now(), dirty: true}
	s.mu.Unlock()
	return nil
}

// Get decodes the newest value of key into v, loading it from the backend on first access.
func (s *State) Get(ctx context.Context, key string, v any) (bool, error) {
	data, ok, err := s.raw(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s%s: %w", s.path, key, err)
	}
	return true, nil
}

// Has reports whether key has a value in memory or in the backend.
func (s *State) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.raw(ctx, key)
	return ok, err
}

func (s *State) raw(ctx context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[key]; ok {
		return it.data, true, nil
	}
	if s.backend == nil {
		return nil, false, nil
	}
	e, ok, err := s.backend.Latest(ctx, s.path+key)
	if err != nil || !ok {
		return nil, false, err
	}
	s.items[key] = &item{data: e.Data, updated: e.UpdatedAt}
	return e.Data, true, nil
}

// Save persists every dirty entry under this node, stamping them with saved.
func (s *State) Save(ctx context.Context, saved time.Time) error {
	if s.backend == nil {
		return nil
	}
	s.mu.Lock()
	keys := make([]string, 0, len(s.items))
	for k, it := range s.items {
		if it.dirty {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	children := make([]*State, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.mu.Unlock()

	for _, k := range keys {
		s.mu.Lock()
		it := s.items[k]
		e := Entry{Path: s.path + k, UpdatedAt: it.updated, SavedAt: saved, Data: it.data}
		s.mu.Unlock()
		if err := s.backend.Append(ctx, e); err != nil {
			return err
		}
		s.mu.Lock()
		if s.items[k] == it {
			it.dirty = false
		}
		s.mu.Unlock()
	}
	sort.Slice(children, func(i, j int) bool { return children[i].path < children[j].path })
	for _, c := range children {
		if err := c.Save(ctx, saved); err != nil {
			return err
		}
	}
	return nil
}
