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

package engine

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/syndicate-storage/ag-gateway/cfg"
	"github.com/syndicate-storage/ag-gateway/clock"
	"github.com/syndicate-storage/ag-gateway/internal/blockindex"
	"github.com/syndicate-storage/ag-gateway/internal/dirmonitor"
	"github.com/syndicate-storage/ag-gateway/internal/eventchannel"
	"github.com/syndicate-storage/ag-gateway/internal/logger"
	"github.com/syndicate-storage/ag-gateway/internal/mapconf"
	"github.com/syndicate-storage/ag-gateway/internal/msclient"
	"github.com/syndicate-storage/ag-gateway/internal/requestengine"
	"github.com/syndicate-storage/ag-gateway/internal/reversion"
	"github.com/syndicate-storage/ag-gateway/metrics"
)

// dirMonitorInterval is how often Gateway re-walks every file-backed
// MapEntry's backing path looking for NEW/MODIFIED/REMOVED changes.
const dirMonitorInterval = 5 * time.Second

// Gateway owns every long-lived component of one running gateway process
// and is the thing cmd/ag starts and stops.
type Gateway struct {
	cfg cfg.Config

	m         *mapconf.Map
	blockIdx  *blockindex.Index
	published *PublishedSet
	ms        *msclient.Client
	reversion *reversion.Daemon
	monitors  map[string]*dirmonitor.Monitor
	events    *eventchannel.Channel
	reqEngine *requestengine.Engine
	httpSrv   *http.Server
	metrics   metrics.Handle

	stopMonitor chan struct{}
	monitorDone chan struct{}
}

// New assembles a Gateway from a resolved configuration and an already-
// parsed MapEntry set. clk and mh may be the real clock/metrics handles in
// production or fakes in tests.
func New(c cfg.Config, m *mapconf.Map, clk clock.Clock, mh metrics.Handle) *Gateway {
	if mh == nil {
		mh = metrics.NewNoop()
	}
	blockIdx := blockindex.New()
	blockIdx.StrictMode = c.Gateway.StrictBlockIndex

	ms := msclient.New(c.MS, c.Volume, c.Gateway.ID, clk, mh)
	published := NewPublishedSet(m, blockIdx, ms, c.Gateway, mh)

	invalidate, revert := published.ReversionHooks()
	m.Lock()
	for _, e := range m.Entries() {
		e.OnInvalidate = invalidate
		e.OnReversion = revert
	}
	m.Unlock()

	reqEngine := requestengine.New(published, blockIdx, c.Gateway.ContentURL, defaultBlocksize, mh)

	monitors := make(map[string]*dirmonitor.Monitor)
	m.Lock()
	for _, e := range m.Entries() {
		if e.Backend == mapconf.BackendFile {
			monitors[e.Path] = dirmonitor.New()
		}
	}
	m.Unlock()

	return &Gateway{
		cfg:       c,
		m:         m,
		blockIdx:  blockIdx,
		published: published,
		ms:        ms,
		reversion: reversion.New(m, clk, mh),
		monitors:  monitors,
		reqEngine: reqEngine,
		metrics:   mh,
	}
}

// defaultBlocksize seeds the request engine before the volume's real
// block size is known; Start replaces it with the value fetched from
// GetVolumeMetadata, falling back to this default if that fetch fails.
const defaultBlocksize = 1 << 20

// Start publishes every configured entry, then launches the uploader,
// reversion daemon, directory-monitor loop, control-channel dispatcher,
// and HTTP listener. It returns once the HTTP listener is accepting.
func (g *Gateway) Start(ctx context.Context) error {
	if vm, err := g.ms.GetVolumeMetadata(ctx, g.cfg.Volume.Name, g.cfg.Volume.Secret); err != nil {
		logger.Warnf("engine: fetching volume metadata failed, using default blocksize: %v", err)
	} else if vm.Blocksize > 0 {
		g.reqEngine.SetBlocksize(vm.Blocksize)
	}

	g.published.PublishInitial(ctx)

	go g.ms.RunUploader()
	g.reversion.Start()

	g.stopMonitor = make(chan struct{})
	g.monitorDone = make(chan struct{})
	go g.runDirMonitors()

	if err := g.startEventChannel(); err != nil {
		logger.Warnf("engine: control channel unavailable: %v", err)
	}

	g.httpSrv = &http.Server{
		Addr:    g.cfg.Gateway.ListenAddr,
		Handler: g.reqEngine.Router(),
	}
	ln, err := net.Listen("tcp", g.cfg.Gateway.ListenAddr)
	if err != nil {
		return fmt.Errorf("engine: listening on %q: %w", g.cfg.Gateway.ListenAddr, err)
	}
	go func() {
		if err := g.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Errorf("engine: http server exited: %v", err)
		}
	}()

	return nil
}

func (g *Gateway) runDirMonitors() {
	defer close(g.monitorDone)
	ticker := time.NewTicker(dirMonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopMonitor:
			return
		case <-ticker.C:
			for path, mon := range g.monitors {
				entry := g.m.Get(path)
				if entry == nil {
					continue
				}
				if err := mon.CheckModified(entry.Param, g.published.OnDirEvent); err != nil {
					logger.Warnf("engine: directory monitor for %q failed: %v", path, err)
				}
			}
		}
	}
}

func (g *Gateway) startEventChannel() error {
	path := eventchannel.Path(string(g.cfg.FIFO.Prefix), os.Getpid())
	if err := eventchannel.CleanStaleFIFOs(filepath.Dir(string(g.cfg.FIFO.Prefix)), string(g.cfg.FIFO.Prefix)); err != nil {
		logger.Warnf("engine: cleaning stale control channels: %v", err)
	}
	ch, err := eventchannel.Open(path)
	if err != nil {
		return err
	}
	ch.Register(eventchannel.OpTerm, func() {
		logger.Infof("engine: received terminate signal on control channel")
		go g.Stop(context.Background())
	})
	ch.Register(eventchannel.OpRcon, func() {
		logger.Infof("engine: received reconfigure signal on control channel")
	})
	ch.Dispatch()
	g.events = ch
	return nil
}

// Stop shuts down the HTTP listener, directory-monitor loop, reversion
// daemon, control channel, and metadata-service uploader, in that order.
func (g *Gateway) Stop(ctx context.Context) {
	if g.httpSrv != nil {
		_ = g.httpSrv.Shutdown(ctx)
	}
	if g.stopMonitor != nil {
		close(g.stopMonitor)
		<-g.monitorDone
	}
	g.reversion.Stop()
	if g.events != nil {
		g.events.Stop()
	}
	g.ms.Shutdown()
}
