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

package reversion

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syndicate-storage/ag-gateway/clock"
	"github.com/syndicate-storage/ag-gateway/internal/mapconf"
)

// waitForCount polls got until it reaches want or the deadline passes.
func waitForCount(t *testing.T, got func() int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, want, got())
}

func TestDaemonFiresOnDeadline(t *testing.T) {
	sc := clock.NewSimulatedClock(time.Unix(0, 0))
	m := mapconf.NewMap()

	var counter int64
	m.Put(&mapconf.MapEntry{
		Path:     "/foo",
		RevalSec: 2,
		OnInvalidate: func(e *mapconf.MapEntry) {
			atomic.AddInt64(&counter, 1)
		},
	})

	d := New(m, sc, nil)
	d.Start()
	defer d.Stop()

	// Advance in 1-second steps to mimic elapsed wall-clock ticks; after 7
	// "seconds" the counter must equal 3 (fires at 2, 4, 6).
	for i := 0; i < 7; i++ {
		sc.AdvanceTime(1 * time.Second)
		time.Sleep(5 * time.Millisecond)
	}

	waitForCount(t, func() int64 { return atomic.LoadInt64(&counter) }, 3)
}

func TestDaemonInvokesInvalidateBeforeReversion(t *testing.T) {
	sc := clock.NewSimulatedClock(time.Unix(0, 0))
	m := mapconf.NewMap()

	var order []string
	m.Put(&mapconf.MapEntry{
		Path:     "/foo",
		RevalSec: 1,
		OnInvalidate: func(e *mapconf.MapEntry) {
			order = append(order, "invalidate")
		},
		OnReversion: func(e *mapconf.MapEntry) {
			order = append(order, "reversion")
		},
	})

	d := New(m, sc, nil)
	d.Start()
	defer d.Stop()

	sc.AdvanceTime(2 * time.Second)
	time.Sleep(50 * time.Millisecond)

	require.GreaterOrEqual(t, len(order), 2)
	assert.Equal(t, "invalidate", order[0])
	assert.Equal(t, "reversion", order[1])
}

func TestStopIsIdempotentAndJoins(t *testing.T) {
	sc := clock.NewSimulatedClock(time.Unix(0, 0))
	m := mapconf.NewMap()
	d := New(m, sc, nil)
	d.Start()
	d.Stop()
	d.Stop()
}
