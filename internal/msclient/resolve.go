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
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/syndicate-storage/ag-gateway/internal/inodemeta"
	"github.com/syndicate-storage/ag-gateway/internal/msclient/wire"
)

// ResolveResult is the decoded form of an ms_reply: the resolved node's
// ancestors and the node itself (or its children).
type ResolveResult struct {
	EntriesDir  []inodemeta.InodeMeta
	EntriesBase []inodemeta.InodeMeta
	Error       int32
}

// ResolvePath issues a conditional GET for path, carrying
// X-MS-Lastmod: <sec>.<nsec> so the MS can short-circuit if its view of
// path hasn't changed since lastmodSec.lastmodNsec. Entries in the
// response whose URL names this gateway's own content root are rewritten
// to a local-FS URL via rewriteLocalURL, matching the original's
// ms_client_convert_url.
func (c *Client) ResolvePath(ctx context.Context, path string, lastmodSec int64, lastmodNsec int32, contentURL string) (ResolveResult, error) {
	c.acquireRead()
	defer c.releaseRead()

	url := fmt.Sprintf("%s/FILE/%s%s", strings.TrimRight(c.msCfg.URL, "/"), c.volume.Name, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ResolveResult{}, transientError(err)
	}
	req.Header.Set("X-MS-Lastmod", fmt.Sprintf("%d.%d", lastmodSec, lastmodNsec))
	c.basicAuthHeader(req)

	resp, err := c.readClient.Do(req)
	if err != nil {
		return ResolveResult{}, transientError(err)
	}
	defer resp.Body.Close()
	c.ReadTiming.recordFromHeaders(resp.Header)

	if resp.StatusCode != http.StatusOK {
		return ResolveResult{}, protocolError(resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ResolveResult{}, transientError(err)
	}
	reply, err := wire.ConsumeReply(body)
	if err != nil {
		return ResolveResult{}, protocolError(resp.StatusCode, err)
	}

	out := ResolveResult{Error: reply.Error}
	for _, e := range reply.EntriesDir {
		m := fromWireEntry(e)
		m.FileURL = rewriteLocalURL(e.URL, contentURL, strings.TrimPrefix(e.URL, contentURL))
		out.EntriesDir = append(out.EntriesDir, m)
	}
	for _, e := range reply.EntriesBase {
		m := fromWireEntry(e)
		m.FileURL = rewriteLocalURL(e.URL, contentURL, strings.TrimPrefix(e.URL, contentURL))
		out.EntriesBase = append(out.EntriesBase, m)
	}
	return out, nil
}

// rewriteLocalURL rewrites entryURL to a local filesystem URL
// (file://fsPath) when it names this gateway's own content root,
// matching the original's md_is_locally_hosted / md_fs_path_from_url.
// Any other URL is returned unchanged.
func rewriteLocalURL(entryURL, contentURL, fsPath string) string {
	if contentURL == "" || !strings.HasPrefix(entryURL, contentURL) {
		return entryURL
	}
	return "file://" + fsPath
}
