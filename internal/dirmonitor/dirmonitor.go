// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dirmonitor implements a stat-cache diff over recursive directory
// walks: each call to CheckModified walks the tree, diffs the new snapshot
// against the previous one, and emits NEW/MODIFIED/REMOVED events for
// everything that changed.
package dirmonitor

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
)

// maxOpenDirHandles bounds the number of directory handles concurrently
// open during a walk, per spec.md §4.D.
const maxOpenDirHandles = 20

// EventKind identifies how a path's entry changed between two snapshots.
type EventKind int

const (
	// New marks a path present only in the current snapshot.
	New EventKind = iota
	// Modified marks a path whose size or second-granular mtime changed.
	Modified
	// Removed marks a path present only in the previous snapshot.
	Removed
)

func (k EventKind) String() string {
	switch k {
	case New:
		return "NEW"
	case Modified:
		return "MODIFIED"
	case Removed:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// Event is one diffed change, handed to the caller-supplied Handler.
type Event struct {
	Kind EventKind
	Path string
	Stat Stat
}

// Stat is the coarse snapshot recorded per path: size and second-granular
// mtime. The equivalence predicate is deliberately coarse to avoid chasing
// sub-second clock skew between the gateway host and the backing store.
type Stat struct {
	Size      int64
	MtimeSec  int64
	IsDir     bool
}

// Handler processes one diffed Event. It runs synchronously under the
// Monitor's mutex and MUST NOT call back into the Monitor that invoked it.
type Handler func(Event)

// Monitor holds the previous and in-progress snapshots for one watched
// root.
type Monitor struct {
	mu      sync.Mutex
	cached  map[string]Stat
	current map[string]Stat
}

// New returns a Monitor with an empty initial snapshot; the first
// CheckModified call will emit a NEW event for every entry found.
func New() *Monitor {
	return &Monitor{cached: make(map[string]Stat)}
}

// CheckModified walks root depth-first, physically (never crossing
// symlinks), recording every regular file and directory it visits, then
// diffs the result against the previous snapshot and invokes handler once
// per change. The walk and diff run under the Monitor's mutex: concurrent
// calls to CheckModified on the same Monitor are serialized.
func (m *Monitor) CheckModified(root string, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = make(map[string]Stat)
	if err := m.walk(root); err != nil {
		return err
	}

	for path, st := range m.current {
		prev, ok := m.cached[path]
		if !ok {
			handler(Event{Kind: New, Path: path, Stat: st})
			continue
		}
		if prev.Size != st.Size || prev.MtimeSec != st.MtimeSec {
			handler(Event{Kind: Modified, Path: path, Stat: st})
		}
	}
	for path, st := range m.cached {
		if _, ok := m.current[path]; !ok {
			handler(Event{Kind: Removed, Path: path, Stat: st})
		}
	}

	m.cached = m.current
	m.current = nil
	return nil
}

// walk performs the bounded-concurrency depth-first physical walk,
// populating m.current. Symlinks found inside the tree are skipped: they
// are neither followed nor recorded, matching spec.md's "physically (no
// symlink crossing)". A root
// that names a single regular file (as opposed to a directory) is recorded
// directly rather than treated as a directory, so a Monitor can watch a
// single file-backed MapEntry's backing path as well as a directory tree.
func (m *Monitor) walk(root string) error {
	info, err := os.Lstat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		if info.Mode().IsRegular() {
			m.current[root] = Stat{Size: info.Size(), MtimeSec: info.ModTime().Unix()}
		}
		return nil
	}

	var mu sync.Mutex
	sem := make(chan struct{}, maxOpenDirHandles)
	g, _ := errgroup.WithContext(context.Background())

	g.Go(func() error {
		return m.walkDir(root, sem, g, &mu)
	})
	return g.Wait()
}

func (m *Monitor) walkDir(dir string, sem chan struct{}, g *errgroup.Group, mu *sync.Mutex) error {
	sem <- struct{}{}
	entries, err := os.ReadDir(dir)
	<-sem
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		info, err := os.Lstat(path)
		if err != nil {
			continue
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			continue
		}
		if info.IsDir() {
			mu.Lock()
			m.current[path] = Stat{IsDir: true, MtimeSec: info.ModTime().Unix()}
			mu.Unlock()
			dir := path
			g.Go(func() error { return m.walkDir(dir, sem, g, mu) })
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		mu.Lock()
		m.current[path] = Stat{Size: info.Size(), MtimeSec: info.ModTime().Unix()}
		mu.Unlock()
	}
	return nil
}
