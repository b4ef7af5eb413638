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

package requestengine

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syndicate-storage/ag-gateway/internal/blockindex"
	"github.com/syndicate-storage/ag-gateway/internal/inodemeta"
	"github.com/syndicate-storage/ag-gateway/internal/mapconf"
)

type fakeLookup struct {
	metas   map[string]inodemeta.InodeMeta
	entries map[string]*mapconf.MapEntry
}

func (f *fakeLookup) Lookup(fsPath string) (inodemeta.InodeMeta, *mapconf.MapEntry, bool) {
	m, ok := f.metas[fsPath]
	if !ok {
		return inodemeta.InodeMeta{}, nil, false
	}
	return m, f.entries[fsPath], true
}

func TestServeBlockReadsFromFileBackend(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(dataPath, []byte("0123456789abcdef"), 0644))

	lookup := &fakeLookup{
		metas:   map[string]inodemeta.InodeMeta{"/foo/bar": {Size: 16}},
		entries: map[string]*mapconf.MapEntry{"/foo/bar": {Path: "/foo/bar", Backend: mapconf.BackendFile, Param: dataPath}},
	}
	e := New(lookup, blockindex.New(), "http://gw1.example", 8, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/foo/bar.1/0.0", nil)
	e.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "01234567", rr.Body.String())
}

func TestServeBlockUnknownPathIs404(t *testing.T) {
	lookup := &fakeLookup{metas: map[string]inodemeta.InodeMeta{}, entries: map[string]*mapconf.MapEntry{}}
	e := New(lookup, blockindex.New(), "http://gw1.example", 8, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/missing.1/0.0", nil)
	e.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServeBlockMalformedPathIs404(t *testing.T) {
	lookup := &fakeLookup{}
	e := New(lookup, blockindex.New(), "http://gw1.example", 8, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/foo/bar", nil)
	e.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServeManifestCoversAllBlocks(t *testing.T) {
	lookup := &fakeLookup{
		metas:   map[string]inodemeta.InodeMeta{"/foo/bar": {Size: 17, Version: 3}},
		entries: map[string]*mapconf.MapEntry{"/foo/bar": {Path: "/foo/bar", Backend: mapconf.BackendFile}},
	}
	e := New(lookup, blockindex.New(), "http://gw1.example", 8, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/foo/bar.manifest.123.456", nil)
	e.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Body.Bytes())
}

func TestServeBlockSQLBackendIs404(t *testing.T) {
	lookup := &fakeLookup{
		metas:   map[string]inodemeta.InodeMeta{"/foo/bar": {Size: 16}},
		entries: map[string]*mapconf.MapEntry{"/foo/bar": {Path: "/foo/bar", Backend: mapconf.BackendSQL}},
	}
	e := New(lookup, blockindex.New(), "http://gw1.example", 8, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/foo/bar.1/0.0", nil)
	e.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}
