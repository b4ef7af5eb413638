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

package msclient

import (
	"container/heap"

	"github.com/syndicate-storage/ag-gateway/internal/inodemeta"
	"github.com/syndicate-storage/ag-gateway/internal/msclient/wire"
)

// pendingUpdate is one queued, not-yet-uploaded mutation.
type pendingUpdate struct {
	fingerprint inodemeta.Fingerprint
	path        string
	op          wire.Op
	entry       inodemeta.InodeMeta
	deadlineMs  int64
	queuedAtMs  int64

	// supersessions counts how many times this fingerprint's payload has
	// been replaced, for the invariant "effective deadline = initial +
	// N*delta".
	supersessions int64
}

// deadlineHeapItem is one entry in the deadline min-heap; its
// fingerprint indexes back into updateSet.byFingerprint so heap
// supersession can find-and-fix the existing item instead of inserting a
// duplicate.
type deadlineHeapItem struct {
	fingerprint inodemeta.Fingerprint
	deadlineMs  int64
	index       int
}

type deadlineHeap []*deadlineHeapItem

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadlineMs < h[j].deadlineMs }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *deadlineHeap) Push(x any) {
	item := x.(*deadlineHeapItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// updateSet is the pending update set U plus its parallel deadline queue
// D of spec.md §3: at most one pending update per fingerprint, superseding
// an update coalesces the payload and extends the deadline by delta.
type updateSet struct {
	byFingerprint map[inodemeta.Fingerprint]*pendingUpdate
	heapItems     map[inodemeta.Fingerprint]*deadlineHeapItem
	dq            deadlineHeap
}

func newUpdateSet() *updateSet {
	return &updateSet{
		byFingerprint: make(map[inodemeta.Fingerprint]*pendingUpdate),
		heapItems:     make(map[inodemeta.Fingerprint]*deadlineHeapItem),
	}
}

// Len reports the number of pending updates, used for PendingUpdateQueueDepth.
func (s *updateSet) Len() int { return len(s.byFingerprint) }

// Queue inserts a new update, or supersedes the existing one for the same
// fingerprint: payload is replaced, and the deadline is extended by
// deltaMs from whatever deadline was already pending (or set to
// deadlineMs if there was none).
func (s *updateSet) Queue(fp inodemeta.Fingerprint, path string, op wire.Op, entry inodemeta.InodeMeta, nowMs, deadlineMs, deltaMs int64) {
	if existing, ok := s.byFingerprint[fp]; ok {
		existing.op = op
		existing.entry = entry
		existing.supersessions++
		newDeadline := existing.deadlineMs + deltaMs
		existing.deadlineMs = newDeadline
		item := s.heapItems[fp]
		item.deadlineMs = newDeadline
		heap.Fix(&s.dq, item.index)
		return
	}

	u := &pendingUpdate{
		fingerprint: fp,
		path:        path,
		op:          op,
		entry:       entry,
		deadlineMs:  deadlineMs,
		queuedAtMs:  nowMs,
	}
	s.byFingerprint[fp] = u

	item := &deadlineHeapItem{fingerprint: fp, deadlineMs: deadlineMs}
	s.heapItems[fp] = item
	heap.Push(&s.dq, item)
}

// EarliestDeadlineMs returns the soonest pending deadline, and false if
// the set is empty.
func (s *updateSet) EarliestDeadlineMs() (int64, bool) {
	if len(s.dq) == 0 {
		return 0, false
	}
	return s.dq[0].deadlineMs, true
}

// ExtractDue removes and returns every pending update whose deadline has
// passed nowMs, in ascending-deadline order.
func (s *updateSet) ExtractDue(nowMs int64) []*pendingUpdate {
	var due []*pendingUpdate
	for len(s.dq) > 0 && s.dq[0].deadlineMs <= nowMs {
		item := heap.Pop(&s.dq).(*deadlineHeapItem)
		u := s.byFingerprint[item.fingerprint]
		delete(s.byFingerprint, item.fingerprint)
		delete(s.heapItems, item.fingerprint)
		due = append(due, u)
	}
	return due
}

// Reinsert puts updates back, preserving each one's original deadline —
// used when a batch upload fails and must be retried later.
func (s *updateSet) Reinsert(updates []*pendingUpdate) {
	for _, u := range updates {
		if _, exists := s.byFingerprint[u.fingerprint]; exists {
			continue
		}
		s.byFingerprint[u.fingerprint] = u
		item := &deadlineHeapItem{fingerprint: u.fingerprint, deadlineMs: u.deadlineMs}
		s.heapItems[u.fingerprint] = item
		heap.Push(&s.dq, item)
	}
}
