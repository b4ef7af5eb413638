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

// Package engine wires together the gateway's independently-built
// components (the map config, the reversion daemon, the directory
// monitor, the metadata-service client, and the request engine) into the
// single running gateway process of spec.md §2: a published set of inode
// metadata kept coherent with both the backing sources and the metadata
// service.
package engine

import (
	"context"
	"sync"

	"github.com/syndicate-storage/ag-gateway/cfg"
	"github.com/syndicate-storage/ag-gateway/internal/blockindex"
	"github.com/syndicate-storage/ag-gateway/internal/dirmonitor"
	"github.com/syndicate-storage/ag-gateway/internal/inodemeta"
	"github.com/syndicate-storage/ag-gateway/internal/logger"
	"github.com/syndicate-storage/ag-gateway/internal/mapconf"
	"github.com/syndicate-storage/ag-gateway/internal/msclient"
	"github.com/syndicate-storage/ag-gateway/internal/msclient/wire"
	"github.com/syndicate-storage/ag-gateway/metrics"
)

// deferredUpdateDeadlineMs and deferredUpdateDeltaMs bound how long a
// directory-monitor-observed modification waits before being pushed to the
// metadata service, and how far a subsequent supersession extends that
// wait, matching the batched-deferred-update discipline of spec.md §4.F.
const (
	deferredUpdateDeadlineMs = 2000
	deferredUpdateDeltaMs    = 2000
)

// PublishedSet is the single-writer, multi-reader cache of fs_path to
// committed InodeMeta, mutated only by the publisher goroutine (initial
// publish, directory-monitor callbacks, and reversion callbacks) and read
// concurrently by the request engine.
type PublishedSet struct {
	mu    sync.RWMutex
	metas map[string]inodemeta.InodeMeta

	m        *mapconf.Map
	blockIdx *blockindex.Index
	ms       *msclient.Client
	gwCfg    cfg.GatewayConfig
	metrics  metrics.Handle
}

// NewPublishedSet returns a PublishedSet backed by m's MapEntry set,
// publishing through ms and honoring gwCfg's policy knobs.
func NewPublishedSet(m *mapconf.Map, blockIdx *blockindex.Index, ms *msclient.Client, gwCfg cfg.GatewayConfig, mh metrics.Handle) *PublishedSet {
	if mh == nil {
		mh = metrics.NewNoop()
	}
	return &PublishedSet{
		metas:    make(map[string]inodemeta.InodeMeta),
		m:        m,
		blockIdx: blockIdx,
		ms:       ms,
		gwCfg:    gwCfg,
		metrics:  mh,
	}
}

// Lookup implements internal/requestengine.PublishedLookup.
func (p *PublishedSet) Lookup(fsPath string) (inodemeta.InodeMeta, *mapconf.MapEntry, bool) {
	p.mu.RLock()
	meta, ok := p.metas[fsPath]
	p.mu.RUnlock()
	if !ok {
		return inodemeta.InodeMeta{}, nil, false
	}
	entry := p.m.Get(fsPath)
	if entry == nil {
		return inodemeta.InodeMeta{}, nil, false
	}
	return meta, entry, true
}

// set records meta as the committed state for path.
func (p *PublishedSet) set(path string, meta inodemeta.InodeMeta) {
	p.mu.Lock()
	p.metas[path] = meta
	p.mu.Unlock()
}

// remove drops path from the published set entirely.
func (p *PublishedSet) remove(path string) {
	p.mu.Lock()
	delete(p.metas, path)
	p.mu.Unlock()
}

// PublishInitial walks every MapEntry currently in m and creates it with
// the metadata service, seeding the published set. Intended to run once at
// gateway startup, before the directory monitor and reversion daemon are
// started.
func (p *PublishedSet) PublishInitial(ctx context.Context) {
	p.m.Lock()
	entries := make([]*mapconf.MapEntry, 0, len(p.m.Entries()))
	for _, e := range p.m.Entries() {
		entries = append(entries, e)
	}
	p.m.Unlock()

	for _, e := range entries {
		p.publishEntry(ctx, e)
	}
}

func (p *PublishedSet) publishEntry(ctx context.Context, e *mapconf.MapEntry) {
	meta := inodemeta.InodeMeta{
		Name:        e.Path,
		Mode:        e.Mode,
		Coordinator: p.gwCfg.ID,
		Volume:      "",
	}
	fileID, err := p.ms.Create(ctx, e.Path, meta)
	if err != nil {
		logger.Warnf("engine: initial publish of %q failed: %v", e.Path, err)
		return
	}
	meta.FileID = fileID
	p.set(e.Path, meta)
}

// OnDirEvent adapts a dirmonitor.Event to the publisher's reversion logic
// described in spec.md §4.D/§4.F: a NEW/MODIFIED entry's size is refreshed
// in the published set and, when PublisherAuthoritative is set, a deferred
// update is queued with the metadata service; a REMOVED entry is dropped
// from the published set and, when authoritative, a deferred delete is
// queued.
func (p *PublishedSet) OnDirEvent(ev dirmonitor.Event) {
	switch ev.Kind {
	case dirmonitor.New, dirmonitor.Modified:
		p.mu.Lock()
		meta := p.metas[ev.Path]
		meta.Size = ev.Stat.Size
		meta.Mtime = inodemeta.Timespec{Sec: ev.Stat.MtimeSec}
		meta.Version++
		if ev.Stat.IsDir {
			meta.Type = inodemeta.TypeDir
		}
		p.metas[ev.Path] = meta
		p.mu.Unlock()

		p.blockIdx.Invalidate(ev.Path)

		if p.gwCfg.PublisherAuthoritative {
			p.ms.QueueUpdate(ev.Path, wire.OpUpdate, meta, deferredUpdateDeadlineMs, deferredUpdateDeltaMs)
		}
	case dirmonitor.Removed:
		p.mu.Lock()
		meta := p.metas[ev.Path]
		p.mu.Unlock()
		p.remove(ev.Path)
		p.blockIdx.Invalidate(ev.Path)

		if p.gwCfg.PublisherAuthoritative {
			p.ms.QueueUpdate(ev.Path, wire.OpDelete, meta, deferredUpdateDeadlineMs, deferredUpdateDeltaMs)
		}
	}
}

// ReversionHooks wires a MapEntry's OnInvalidate/OnReversion callbacks to
// this PublishedSet, called once per entry at startup before the
// reversion.Daemon is started.
func (p *PublishedSet) ReversionHooks() (mapconf.InvalidateFunc, mapconf.ReversionFunc) {
	invalidate := func(e *mapconf.MapEntry) {
		p.blockIdx.Invalidate(e.Path)
	}
	revert := func(e *mapconf.MapEntry) {
		p.publishEntry(context.Background(), e)
	}
	return invalidate, revert
}
