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

package dirmonitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
}

func TestFirstCheckEmitsNewForEveryEntry(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a"), "hello")
	writeFile(t, filepath.Join(dir, "b"), "world")

	mon := New()
	var events []Event
	require.NoError(t, mon.CheckModified(dir, func(e Event) { events = append(events, e) }))

	require.Len(t, events, 2)
	for _, e := range events {
		require.Equal(t, New, e.Kind)
	}
}

func TestNoChangesEmitsNothingOnSecondCall(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a"), "hello")

	mon := New()
	require.NoError(t, mon.CheckModified(dir, func(Event) {}))

	var events []Event
	require.NoError(t, mon.CheckModified(dir, func(e Event) { events = append(events, e) }))
	require.Empty(t, events)
}

func TestDirectoryDelta(t *testing.T) {
	dir := t.TempDir()
	aPath := filepath.Join(dir, "a")
	bPath := filepath.Join(dir, "b")
	writeFile(t, aPath, "1")
	writeFile(t, bPath, "2")

	mon := New()
	require.NoError(t, mon.CheckModified(dir, func(Event) {}))

	// Touch a (content + mtime change), remove b, create c.
	time.Sleep(1100 * time.Millisecond) // ensure mtime second granularity changes
	writeFile(t, aPath, "1-modified")
	require.NoError(t, os.Remove(bPath))
	writeFile(t, filepath.Join(dir, "c"), "3")

	var events []Event
	require.NoError(t, mon.CheckModified(dir, func(e Event) { events = append(events, e) }))

	require.Len(t, events, 3)
	kinds := map[EventKind]int{}
	paths := map[string]EventKind{}
	for _, e := range events {
		kinds[e.Kind]++
		paths[e.Path] = e.Kind
	}
	require.Equal(t, 1, kinds[New])
	require.Equal(t, 1, kinds[Modified])
	require.Equal(t, 1, kinds[Removed])
	require.Equal(t, Modified, paths[aPath])
	require.Equal(t, Removed, paths[bPath])
	require.Equal(t, New, paths[filepath.Join(dir, "c")])
}

func TestRecursiveWalk(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))
	writeFile(t, filepath.Join(sub, "nested"), "x")

	mon := New()
	var events []Event
	require.NoError(t, mon.CheckModified(dir, func(e Event) { events = append(events, e) }))

	var sawNested, sawSub bool
	for _, e := range events {
		if e.Path == filepath.Join(sub, "nested") {
			sawNested = true
		}
		if e.Path == sub {
			sawSub = true
		}
	}
	require.True(t, sawNested)
	require.True(t, sawSub)
}

func TestCheckModifiedAcceptsSingleFileRoot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	writeFile(t, path, "0123456789")

	mon := New()
	var events []Event
	require.NoError(t, mon.CheckModified(path, func(e Event) { events = append(events, e) }))

	require.Len(t, events, 1)
	require.Equal(t, New, events[0].Kind)
	require.Equal(t, path, events[0].Path)
	require.Equal(t, int64(10), events[0].Stat.Size)

	time.Sleep(1100 * time.Millisecond)
	writeFile(t, path, "01234567890123")

	events = nil
	require.NoError(t, mon.CheckModified(path, func(e Event) { events = append(events, e) }))
	require.Len(t, events, 1)
	require.Equal(t, Modified, events[0].Kind)
}

func TestCheckModifiedMissingFileRootIsNotAnError(t *testing.T) {
	mon := New()
	var events []Event
	require.NoError(t, mon.CheckModified(filepath.Join(t.TempDir(), "nope"), func(e Event) { events = append(events, e) }))
	require.Empty(t, events)
}

func TestSymlinkNotFollowed(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	writeFile(t, target, "real")
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	mon := New()
	var events []Event
	require.NoError(t, mon.CheckModified(dir, func(e Event) { events = append(events, e) }))

	for _, e := range events {
		require.NotEqual(t, link, e.Path)
	}
}
