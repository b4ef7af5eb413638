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

// Package blockindex maps (fs_path, block_id) to the source byte range a
// block was decoded from, for backends (SQL, shell) that must remember
// where a variable-length record started and ended once it has been
// served.
package blockindex

import (
	"fmt"
	"sync"
)

// MaxIndexSize is the soft pre-allocation hint for per-file index vectors,
// per spec.md §3. It is not a hard cap: sparse growth beyond it is
// permitted unless StrictMode is set on the owning Index.
const MaxIndexSize = 1024

// Entry describes the source record range a block was decoded from.
type Entry struct {
	StartRow        int64
	StartByteOffset int64
	EndRow          int64
	EndByteOffset   int64
}

// AllocEntry returns a zeroed Entry, matching the source's alloc_entry().
func AllocEntry() Entry {
	return Entry{}
}

// fileIndex is the per-file block vector plus the lock guarding it.
type fileIndex struct {
	mu      sync.RWMutex
	entries []Entry
	valid   bool
}

// Index is the block index of spec.md §4.B: per-file locks created lazily
// under a single map-of-maps mutex, per-file exclusive locking on Update,
// shared locking on Get.
type Index struct {
	// StrictMode rejects Update calls whose block_id would grow a file's
	// vector past MaxIndexSize, instead of sparse-growing to cover the gap.
	// See spec.md §9 Open Questions; default false matches the source.
	StrictMode bool

	mapMu sync.Mutex
	files map[string]*fileIndex
}

// New returns an empty Index.
func New() *Index {
	return &Index{files: make(map[string]*fileIndex)}
}

// getOrCreate returns the fileIndex for file, creating it under the
// map-of-maps lock if absent. A lost race between two creators drops the
// loser's vector and keeps the winner's, per spec.md §4.B.
func (idx *Index) getOrCreate(file string) *fileIndex {
	idx.mapMu.Lock()
	defer idx.mapMu.Unlock()
	fi, ok := idx.files[file]
	if !ok {
		fi = &fileIndex{valid: true}
		idx.files[file] = fi
	}
	return fi
}

func (idx *Index) lookup(file string) *fileIndex {
	idx.mapMu.Lock()
	defer idx.mapMu.Unlock()
	return idx.files[file]
}

// Update appends or overwrites entry at blockID for file. If blockID is
// beyond the current length, the vector grows sparsely with zeroed
// entries to cover the gap, unless StrictMode is set, in which case an
// error is returned instead. Concurrent updates to the same blockID are
// last-writer-wins: the deterministic block-decoding function that calls
// Update produces identical entries for identical source state, so there
// is no correctness loss in letting the last writer stand.
func (idx *Index) Update(file string, blockID uint64, entry Entry) error {
	fi := idx.getOrCreate(file)
	fi.mu.Lock()
	defer fi.mu.Unlock()

	if !fi.valid {
		fi.valid = true
		fi.entries = nil
	}

	if blockID >= uint64(len(fi.entries)) {
		if idx.StrictMode && blockID >= MaxIndexSize {
			return fmt.Errorf("blockindex: block %d exceeds strict limit %d for %q", blockID, MaxIndexSize, file)
		}
		grown := make([]Entry, blockID+1)
		copy(grown, fi.entries)
		fi.entries = grown
	}
	fi.entries[blockID] = entry
	return nil
}

// Get returns the entry at blockID for file, or false if the file has no
// index or blockID is out of range.
func (idx *Index) Get(file string, blockID uint64) (Entry, bool) {
	fi := idx.lookup(file)
	if fi == nil {
		return Entry{}, false
	}
	fi.mu.RLock()
	defer fi.mu.RUnlock()
	if !fi.valid || blockID >= uint64(len(fi.entries)) {
		return Entry{}, false
	}
	return fi.entries[blockID], true
}

// GetLast returns the highest-id entry recorded for file and its id, or
// false if the file's index is empty or missing.
func (idx *Index) GetLast(file string) (Entry, uint64, bool) {
	fi := idx.lookup(file)
	if fi == nil {
		return Entry{}, 0, false
	}
	fi.mu.RLock()
	defer fi.mu.RUnlock()
	if !fi.valid || len(fi.entries) == 0 {
		return Entry{}, 0, false
	}
	last := uint64(len(fi.entries) - 1)
	return fi.entries[last], last, true
}

// Invalidate drops the entire per-file vector for file. Subsequent Get
// calls return false until the next Update repopulates it.
func (idx *Index) Invalidate(file string) {
	fi := idx.lookup(file)
	if fi == nil {
		return
	}
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.entries = nil
	fi.valid = false
}
