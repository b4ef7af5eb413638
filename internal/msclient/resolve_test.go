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

package msclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syndicate-storage/ag-gateway/internal/msclient/wire"
)

func TestResolvePathReturnsBaseEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-MS-Lastmod"))
		reply := wire.Reply{EntriesBase: []wire.Entry{{Name: "bar"}}}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(wire.AppendReply(nil, reply))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	res, err := c.ResolvePath(context.Background(), "/foo/bar", 100, 0, "")
	require.NoError(t, err)
	require.Len(t, res.EntriesBase, 1)
	assert.Equal(t, "bar", res.EntriesBase[0].Name)
}

func TestRewriteLocalURLRewritesOwnContentRoot(t *testing.T) {
	got := rewriteLocalURL("http://gw1.example/foo/bar", "http://gw1.example", "/data/foo/bar")
	assert.Equal(t, "file:///data/foo/bar", got)
}

func TestRewriteLocalURLLeavesForeignURLUnchanged(t *testing.T) {
	got := rewriteLocalURL("http://gw2.example/foo/bar", "http://gw1.example", "/data/foo/bar")
	assert.Equal(t, "http://gw2.example/foo/bar", got)
}
