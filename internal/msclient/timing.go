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
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// Timing is the per-session set of server-reported timing measurements,
// sampled from response headers on every MS RPC. All durations are
// nanoseconds, as sent by the metadata service.
type Timing struct {
	mu sync.Mutex

	VolumeTimeNs  int64
	UGTimeNs      int64
	TotalTimeNs   int64
	ResolveTimeNs int64

	CreateTimesNs []int64
	UpdateTimesNs []int64
	DeleteTimesNs []int64
}

// Snapshot returns a copy of the current timing values.
func (t *Timing) Snapshot() Timing {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Timing{
		VolumeTimeNs:  t.VolumeTimeNs,
		UGTimeNs:      t.UGTimeNs,
		TotalTimeNs:   t.TotalTimeNs,
		ResolveTimeNs: t.ResolveTimeNs,
		CreateTimesNs: append([]int64(nil), t.CreateTimesNs...),
		UpdateTimesNs: append([]int64(nil), t.UpdateTimesNs...),
		DeleteTimesNs: append([]int64(nil), t.DeleteTimesNs...),
	}
}

// recordFromHeaders parses the MS's timing headers into t, matching the
// original ms_client_header_func: four scalar integer-nanosecond headers
// plus three CSV-valued per-operation headers.
func (t *Timing) recordFromHeaders(h http.Header) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v, ok := parseInt64Header(h, "X-Volume-Time"); ok {
		t.VolumeTimeNs = v
	}
	if v, ok := parseInt64Header(h, "X-UG-Time"); ok {
		t.UGTimeNs = v
	}
	if v, ok := parseInt64Header(h, "X-Total-Time"); ok {
		t.TotalTimeNs = v
	}
	if v, ok := parseInt64Header(h, "X-Resolve-Time"); ok {
		t.ResolveTimeNs = v
	}
	if v, ok := parseCSVInt64Header(h, "X-Create-Times"); ok {
		t.CreateTimesNs = v
	}
	if v, ok := parseCSVInt64Header(h, "X-Update-Times"); ok {
		t.UpdateTimesNs = v
	}
	if v, ok := parseCSVInt64Header(h, "X-Delete-Times"); ok {
		t.DeleteTimesNs = v
	}
}

func parseInt64Header(h http.Header, key string) (int64, bool) {
	raw := h.Get(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseCSVInt64Header(h http.Header, key string) ([]int64, bool) {
	raw := h.Get(key)
	if raw == "" {
		return nil, false
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, true
}
