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

package eventchannel

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPathFormat(t *testing.T) {
	require.Equal(t, "/tmp/ag-gateway.123", Path("/tmp/ag-gateway.", 123))
}

func TestDispatchInvokesRegisteredHandler(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "channel")

	ch, err := Open(path)
	require.NoError(t, err)
	defer ch.Stop()

	var fired int32
	ch.Register(OpTerm, func() { atomic.AddInt32(&fired, 1) })
	ch.Dispatch()

	require.NoError(t, Signal(path, OpTerm))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)
}

func TestUnregisteredOpcodeIsDropped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "channel")

	ch, err := Open(path)
	require.NoError(t, err)
	defer ch.Stop()

	var fired int32
	ch.Register(OpTerm, func() { atomic.AddInt32(&fired, 1) })
	ch.Dispatch()

	require.NoError(t, Signal(path, OpRcon))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestCleanStaleFIFOsRemovesDeadPidEntries(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "ag-gateway.")

	stale := prefix + "999999999"
	require.NoError(t, os.WriteFile(stale, nil, 0640))

	require.NoError(t, CleanStaleFIFOs(dir, prefix))

	_, err := os.Stat(stale)
	require.True(t, os.IsNotExist(err))
}

func TestCleanStaleFIFOsKeepsLiveProcessEntry(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "ag-gateway.")

	live := prefix + "1"
	require.NoError(t, os.WriteFile(live, nil, 0640))

	require.NoError(t, CleanStaleFIFOs(dir, prefix))

	_, err := os.Stat(live)
	require.NoError(t, err)
}
