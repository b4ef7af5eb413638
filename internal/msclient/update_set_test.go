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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syndicate-storage/ag-gateway/internal/inodemeta"
	"github.com/syndicate-storage/ag-gateway/internal/msclient/wire"
)

func TestQueueInsertsNewFingerprint(t *testing.T) {
	s := newUpdateSet()
	fp := inodemeta.FingerprintPath("/foo")
	s.Queue(fp, "/foo", wire.OpCreate, inodemeta.InodeMeta{}, 0, 1000, 500)

	assert.Equal(t, 1, s.Len())
	d, ok := s.EarliestDeadlineMs()
	require.True(t, ok)
	assert.Equal(t, int64(1000), d)
}

func TestQueueSupersessionCoalescesAndExtendsDeadline(t *testing.T) {
	s := newUpdateSet()
	fp := inodemeta.FingerprintPath("/foo")

	s.Queue(fp, "/foo", wire.OpUpdate, inodemeta.InodeMeta{Name: "e1"}, 0, 1000, 500)
	s.Queue(fp, "/foo", wire.OpUpdate, inodemeta.InodeMeta{Name: "e2"}, 0, 1000, 500)
	s.Queue(fp, "/foo", wire.OpUpdate, inodemeta.InodeMeta{Name: "e3"}, 0, 1000, 500)

	assert.Equal(t, 1, s.Len())
	d, ok := s.EarliestDeadlineMs()
	require.True(t, ok)
	// initial 1000, then +500 twice more = 2000
	assert.Equal(t, int64(2000), d)

	due := s.ExtractDue(2000)
	require.Len(t, due, 1)
	assert.Equal(t, "e3", due[0].entry.Name)
	assert.Equal(t, int64(2), due[0].supersessions)
	assert.Equal(t, 0, s.Len())
}

func TestExtractDueOnlyReturnsExpired(t *testing.T) {
	s := newUpdateSet()
	s.Queue(inodemeta.FingerprintPath("/a"), "/a", wire.OpCreate, inodemeta.InodeMeta{}, 0, 100, 0)
	s.Queue(inodemeta.FingerprintPath("/b"), "/b", wire.OpCreate, inodemeta.InodeMeta{}, 0, 500, 0)

	due := s.ExtractDue(200)
	require.Len(t, due, 1)
	assert.Equal(t, "/a", due[0].path)
	assert.Equal(t, 1, s.Len())
}

func TestReinsertPreservesDeadlines(t *testing.T) {
	s := newUpdateSet()
	s.Queue(inodemeta.FingerprintPath("/a"), "/a", wire.OpCreate, inodemeta.InodeMeta{}, 0, 100, 0)

	due := s.ExtractDue(200)
	require.Len(t, due, 1)
	assert.Equal(t, 0, s.Len())

	s.Reinsert(due)
	assert.Equal(t, 1, s.Len())
	d, ok := s.EarliestDeadlineMs()
	require.True(t, ok)
	assert.Equal(t, int64(100), d)
}

func TestAtMostOnePendingUpdatePerFingerprint(t *testing.T) {
	s := newUpdateSet()
	fp := inodemeta.FingerprintPath("/foo")
	for i := 0; i < 10; i++ {
		s.Queue(fp, "/foo", wire.OpUpdate, inodemeta.InodeMeta{}, 0, 1000, 100)
	}
	assert.Equal(t, 1, s.Len())
}
