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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBlockRequest(t *testing.T) {
	p, err := parseRequestPath("/foo/bar.1/0.0")
	require.NoError(t, err)
	assert.False(t, p.IsManifest)
	assert.Equal(t, "/foo/bar", p.FsPath)
	assert.Equal(t, uint64(1), p.FileVersion)
	assert.Equal(t, uint64(0), p.BlockID)
	assert.Equal(t, uint64(0), p.BlockVersion)
}

func TestParseManifestRequest(t *testing.T) {
	p, err := parseRequestPath("/foo/bar.manifest.123.456")
	require.NoError(t, err)
	assert.True(t, p.IsManifest)
	assert.Equal(t, "/foo/bar", p.FsPath)
	assert.Equal(t, int64(123), p.ManifestSec)
	assert.Equal(t, int64(456), p.ManifestNsec)
}

func TestParseTopLevelBlockRequest(t *testing.T) {
	p, err := parseRequestPath("/bar.2/5.3")
	require.NoError(t, err)
	assert.Equal(t, "/bar", p.FsPath)
	assert.Equal(t, uint64(2), p.FileVersion)
	assert.Equal(t, uint64(5), p.BlockID)
}

func TestParseMalformedPathFails(t *testing.T) {
	_, err := parseRequestPath("/foo/bar")
	assert.Error(t, err)
}
