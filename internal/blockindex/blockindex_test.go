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

package blockindex

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateAndGet(t *testing.T) {
	idx := New()
	e := Entry{StartRow: 1, StartByteOffset: 0, EndRow: 1, EndByteOffset: 100}
	require.NoError(t, idx.Update("/foo", 0, e))

	got, ok := idx.Get("/foo", 0)
	assert.True(t, ok)
	assert.Equal(t, e, got)
}

func TestGetMissingFileReturnsFalse(t *testing.T) {
	idx := New()
	_, ok := idx.Get("/nonexistent", 0)
	assert.False(t, ok)
}

func TestGetOutOfRangeReturnsFalse(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Update("/foo", 0, Entry{}))
	_, ok := idx.Get("/foo", 5)
	assert.False(t, ok)
}

func TestSparseGrowth(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Update("/foo", 5, Entry{StartRow: 9}))

	for i := uint64(0); i < 5; i++ {
		got, ok := idx.Get("/foo", i)
		assert.True(t, ok)
		assert.Equal(t, Entry{}, got)
	}
	got, ok := idx.Get("/foo", 5)
	assert.True(t, ok)
	assert.Equal(t, int64(9), got.StartRow)
}

func TestStrictModeRejectsOutOfRange(t *testing.T) {
	idx := New()
	idx.StrictMode = true
	err := idx.Update("/foo", MaxIndexSize, Entry{})
	assert.Error(t, err)
}

func TestGetLast(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Update("/foo", 0, Entry{StartRow: 1}))
	require.NoError(t, idx.Update("/foo", 3, Entry{StartRow: 4}))

	e, id, ok := idx.GetLast("/foo")
	assert.True(t, ok)
	assert.Equal(t, uint64(3), id)
	assert.Equal(t, int64(4), e.StartRow)
}

func TestInvalidateDropsVector(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Update("/foo", 0, Entry{StartRow: 1}))
	idx.Invalidate("/foo")

	_, ok := idx.Get("/foo", 0)
	assert.False(t, ok)

	require.NoError(t, idx.Update("/foo", 0, Entry{StartRow: 2}))
	got, ok := idx.Get("/foo", 0)
	assert.True(t, ok)
	assert.Equal(t, int64(2), got.StartRow)
}

func TestConcurrentUpdateSameBlockIsLastWriterWinsSafely(t *testing.T) {
	idx := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = idx.Update("/foo", 0, Entry{StartRow: int64(n)})
		}(i)
	}
	wg.Wait()

	_, ok := idx.Get("/foo", 0)
	assert.True(t, ok)
}

func TestConcurrentCreateOfSameFileLockKeepsOneWinner(t *testing.T) {
	idx := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = idx.Update("/foo", uint64(n), Entry{StartRow: int64(n)})
		}(i)
	}
	wg.Wait()

	for i := uint64(0); i < 20; i++ {
		_, ok := idx.Get("/foo", i)
		assert.True(t, ok)
	}
}
