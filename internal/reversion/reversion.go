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

// Package reversion implements the background daemon that keeps published
// map entries coherent with their backing source: a single worker sleeps
// against the soonest revalidation deadline, then advances entries'
// countdowns by the elapsed wall-clock delta in ascending interval order,
// invalidating + re-publishing each expired one, and stops at the first
// entry whose countdown has not expired (later entries are not advanced on
// that tick).
package reversion

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/syndicate-storage/ag-gateway/clock"
	"github.com/syndicate-storage/ag-gateway/internal/mapconf"
	"github.com/syndicate-storage/ag-gateway/metrics"
)

// defaultMinTimeout bounds the worker's sleep when the map has no entries
// with a positive RevalSec, so the daemon still wakes periodically to
// notice newly added entries.
const defaultMinTimeout = 30 * time.Second

// Daemon is the reversion worker of spec.md §4.C. It does not own the
// MapEntry set; it is handed the mapconf.Map the parser produced and
// mutates MiTime under the map's own lock.
type Daemon struct {
	clock   clock.Clock
	m       *mapconf.Map
	metrics metrics.Handle

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New returns a Daemon that will revalidate entries in m using clk for
// timing. mh may be nil, in which case sweep counts are not recorded.
func New(m *mapconf.Map, clk clock.Clock, mh metrics.Handle) *Daemon {
	if mh == nil {
		mh = metrics.NewNoop()
	}
	return &Daemon{clock: clk, m: m, metrics: mh}
}

// Start launches the single worker goroutine. Calling Start twice without
// an intervening Stop is a no-op.
func (d *Daemon) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.run(d.stopCh, d.doneCh)
}

// Stop clears the run flag; the worker exits after its current sleep
// completes. Stop blocks until the worker has returned.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	stopCh := d.stopCh
	doneCh := d.doneCh
	d.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (d *Daemon) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	last := d.clock.Now()
	for {
		timeout := d.minTimeout()
		select {
		case <-stopCh:
			return
		case now := <-d.clock.After(timeout):
			delta := now.Sub(last)
			last = now
			d.sweep(delta)
		}
	}
}

// minTimeout recomputes the smallest RevalSec across the map, matching
// spec.md's "min_timeout recomputed ... after every add/remove" — here
// recomputed on every tick since Daemon has no separate add/remove hook.
func (d *Daemon) minTimeout() time.Duration {
	d.m.Lock()
	defer d.m.Unlock()

	min := int64(0)
	for _, e := range d.m.Entries() {
		if e.RevalSec <= 0 {
			continue
		}
		if min == 0 || e.RevalSec < min {
			min = e.RevalSec
		}
	}
	if min == 0 {
		return defaultMinTimeout
	}
	return time.Duration(min) * time.Second
}

// sweep advances entries' MiTime by delta, ascending by RevalSec, firing
// invalidation+reversion on every entry whose countdown reaches RevalSec.
// The traversal stops at the first entry that has not yet expired: per
// spec.md §4.C the ascending sort order justifies the early exit, since
// min_timeout is always the smallest RevalSec in the set and every entry
// at or after the first unexpired one cannot have a shorter effective
// deadline than the sleep interval just observed.
func (d *Daemon) sweep(delta time.Duration) {
	d.m.Lock()
	defer d.m.Unlock()

	deltaSec := int64(delta.Seconds())
	if deltaSec <= 0 {
		deltaSec = 1
	}

	entries := sortedByReval(d.m.Entries())
	swept := int64(0)
	for _, e := range entries {
		if e.RevalSec <= 0 {
			continue
		}
		e.MiTime += deltaSec
		if e.MiTime < e.RevalSec {
			break
		}
		e.MiTime = 0
		if e.OnInvalidate != nil {
			e.OnInvalidate(e)
		}
		if e.OnReversion != nil {
			e.OnReversion(e)
		}
		swept++
	}
	if swept > 0 {
		d.metrics.ReversionSweepCount(context.Background(), swept)
	}
}

func sortedByReval(entries map[string]*mapconf.MapEntry) []*mapconf.MapEntry {
	out := make([]*mapconf.MapEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RevalSec < out[j].RevalSec })
	return out
}
