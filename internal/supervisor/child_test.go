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

package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAllTracksLiveThenDeadOnExit(t *testing.T) {
	conf := Config{AgList: []string{"/bin/sleep 0.2"}}
	s := New(conf, "127.0.0.1")
	s.StartAll()

	live, dead := s.Snapshot()
	require.Len(t, live, 1)
	assert.Empty(t, dead)

	require.Eventually(t, func() bool {
		_, dead := s.Snapshot()
		return len(dead) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartAllMarksUnresolvableCommandDeadImmediately(t *testing.T) {
	conf := Config{AgList: []string{"/no/such/binary"}}
	s := New(conf, "127.0.0.1")
	s.StartAll()

	live, dead := s.Snapshot()
	assert.Empty(t, live)
	assert.Len(t, dead, 1)
}

func TestStopKillsLiveChildren(t *testing.T) {
	conf := Config{AgList: []string{"/bin/sleep 5"}}
	s := New(conf, "127.0.0.1")
	s.StartAll()

	live, _ := s.Snapshot()
	require.Len(t, live, 1)
	s.Stop()

	require.Eventually(t, func() bool {
		_, dead := s.Snapshot()
		return len(dead) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
