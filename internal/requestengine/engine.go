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

// Package requestengine answers block and manifest requests from clients
// that the metadata service has redirected to this gateway: it resolves
// the request's filesystem path against the published set, then either
// serializes a manifest or streams a block from the path's configured
// backend.
package requestengine

import (
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/syndicate-storage/ag-gateway/internal/blockindex"
	"github.com/syndicate-storage/ag-gateway/internal/inodemeta"
	"github.com/syndicate-storage/ag-gateway/internal/logger"
	"github.com/syndicate-storage/ag-gateway/internal/mapconf"
	"github.com/syndicate-storage/ag-gateway/metrics"
)

// PublishedLookup is the subset of internal/engine.PublishedSet the
// request engine needs: resolving a filesystem path to the inode
// metadata currently committed for it and the MapEntry describing its
// backend.
type PublishedLookup interface {
	Lookup(fsPath string) (inodemeta.InodeMeta, *mapconf.MapEntry, bool)
}

// Engine is the request engine of spec.md §4.G.
type Engine struct {
	published  PublishedLookup
	blockIdx   *blockindex.Index
	contentURL string
	blocksize  atomic.Int64
	metrics    metrics.Handle
}

// New returns an Engine that resolves requests against published, reads
// backend data through blockIdx-tracked backends, and publishes
// blocksize-sized blocks with file URLs rooted at contentURL. blocksize
// may be updated later, once the real value is known, via SetBlocksize.
func New(published PublishedLookup, blockIdx *blockindex.Index, contentURL string, blocksize int64, mh metrics.Handle) *Engine {
	if mh == nil {
		mh = metrics.NewNoop()
	}
	e := &Engine{published: published, blockIdx: blockIdx, contentURL: contentURL, metrics: mh}
	e.blocksize.Store(blocksize)
	return e
}

// SetBlocksize updates the block size used to compute manifest block
// counts and backend read lengths, taking effect for any request served
// after the call returns.
func (e *Engine) SetBlocksize(blocksize int64) {
	e.blocksize.Store(blocksize)
}

// Blocksize returns the block size currently in effect.
func (e *Engine) Blocksize() int64 {
	return e.blocksize.Load()
}

// Router returns an http.Handler serving every block/manifest request
// under a single catch-all route, since fs_path components themselves
// contain slashes and cannot be captured by a fixed mux pattern.
func (e *Engine) Router() http.Handler {
	r := mux.NewRouter()
	r.PathPrefix("/").HandlerFunc(e.handle)
	return r
}

func (e *Engine) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	parsed, err := parseRequestPath(r.URL.Path)
	if err != nil {
		logger.Debugf("requestengine: %v", err)
		http.NotFound(w, r)
		return
	}

	route := "block"
	if parsed.IsManifest {
		route = "manifest"
	}
	attrs := []metrics.MetricAttr{{Key: metrics.RouteKey, Value: route}}
	defer func() {
		e.metrics.RequestLatency(r.Context(), time.Since(start), attrs)
	}()
	e.metrics.RequestCount(r.Context(), 1, attrs)

	meta, entry, ok := e.published.Lookup(parsed.FsPath)
	if !ok {
		e.metrics.RequestErrorCount(r.Context(), 1, attrs)
		http.NotFound(w, r)
		return
	}

	if parsed.IsManifest {
		e.serveManifest(w, r, meta, entry)
		return
	}
	e.serveBlock(w, r, meta, entry, parsed.BlockID)
}

// serveManifest builds and serializes a Manifest covering
// ceil(size/blocksize) blocks, per spec.md §4.G step 1.
func (e *Engine) serveManifest(w http.ResponseWriter, r *http.Request, meta inodemeta.InodeMeta, entry *mapconf.MapEntry) {
	blocksize := e.blocksize.Load()
	numBlocks := uint64(0)
	if blocksize > 0 {
		numBlocks = uint64((meta.Size + blocksize - 1) / blocksize)
	}

	manifest := inodemeta.Manifest{
		Volume:  meta.Volume,
		Gateway: meta.Coordinator,
		FileID:  meta.FileID,
		Version: meta.Version,
		Size:    meta.Size,
		Mtime:   meta.Mtime,
		FileURL: e.contentURL + entry.Path,
	}
	for i := uint64(0); i < numBlocks; i++ {
		version := uint64(0)
		if last, id, ok := e.blockIdx.GetLast(entry.Path); ok && id == i {
			_ = last
			version = meta.Version
		}
		manifest.Blocks = append(manifest.Blocks, inodemeta.BlockDescriptor{BlockID: i, BlockVersion: version})
	}

	payload := encodeManifest(manifest)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("size", fmt.Sprintf("%d", len(payload)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// serveBlock dispatches to the MapEntry's configured backend and streams
// up to blocksize bytes, per spec.md §4.G step 2. Read-side errors map to
// a payload-free 404, never to a 5xx, matching the sentinel-response
// contract of spec.md §7.
func (e *Engine) serveBlock(w http.ResponseWriter, r *http.Request, meta inodemeta.InodeMeta, entry *mapconf.MapEntry, blockID uint64) {
	backend := BackendFor(entry.Backend)
	data, err := backend.ReadBlock(entry, blockID, e.blocksize.Load(), e.blockIdx)
	if err != nil {
		e.metrics.RequestErrorCount(r.Context(), 1, []metrics.MetricAttr{{Key: metrics.BackendKey, Value: string(entry.Backend)}})
		if errors.Is(err, ErrAgain) || errors.Is(err, ErrIO) || errors.Is(err, ErrUnknown) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("size", fmt.Sprintf("%d", len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// encodeManifest is a minimal, stable, self-describing serialization of a
// Manifest for the wire: a fixed header followed by one fixed-width
// record per block. It deliberately does not reuse internal/msclient/wire
// (a protobuf encoding) since the manifest is a client-facing payload
// with its own independent wire stability requirement (spec.md §1).
func encodeManifest(m inodemeta.Manifest) []byte {
	buf := make([]byte, 0, 64+len(m.Blocks)*48)
	buf = appendString(buf, m.Volume)
	buf = appendString(buf, m.Gateway)
	buf = appendUint64(buf, m.FileID)
	buf = appendUint64(buf, m.Version)
	buf = appendUint64(buf, uint64(m.Size))
	buf = appendUint64(buf, uint64(m.Mtime.Sec))
	buf = appendUint64(buf, uint64(m.Mtime.Nsec))
	buf = appendString(buf, m.FileURL)
	buf = appendUint64(buf, uint64(len(m.Blocks)))
	for _, b := range m.Blocks {
		buf = appendUint64(buf, b.BlockID)
		buf = appendUint64(buf, b.BlockVersion)
		buf = append(buf, b.Hash[:]...)
	}
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[i] = byte(v >> (8 * (7 - i)))
	}
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint64(buf, uint64(len(s)))
	return append(buf, s...)
}
