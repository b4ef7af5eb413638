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

package mapconf

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidEntries(t *testing.T) {
	doc := "# comment\n" +
		"\n" +
		"/foo/bar\tfile\t/data/bar\t0644\t3600\n" +
		"/foo/cmd\tshell\techo hi\t0644\t0\n"

	m, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)

	e := m.Get("/foo/bar")
	require.NotNil(t, e)
	assert.Equal(t, BackendFile, e.Backend)
	assert.Equal(t, "/data/bar", e.Param)
	assert.Equal(t, uint32(0644), e.Mode)
	assert.Equal(t, int64(3600), e.RevalSec)

	e2 := m.Get("/foo/cmd")
	require.NotNil(t, e2)
	assert.Equal(t, BackendShell, e2.Backend)
	assert.Equal(t, int64(0), e2.RevalSec)
}

func TestParseMalformedEntryFailsAtomically(t *testing.T) {
	doc := "/foo/bar\tfile\t/data/bar\t0644\t3600\n" +
		"/foo/bad\tfile\t/data/bad\tbad-perm\t10\n"

	m, err := Parse(strings.NewReader(doc))
	assert.Error(t, err)
	assert.Nil(t, m)
}

func TestParseUnknownBackendFails(t *testing.T) {
	doc := "/foo/bar\todbc\t/data/bar\t0644\t3600\n"
	_, err := Parse(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestParseRejectsRelativePath(t *testing.T) {
	doc := "foo/bar\tfile\t/data/bar\t0644\t3600\n"
	_, err := Parse(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestParseRejectsNegativeReval(t *testing.T) {
	doc := "/foo/bar\tfile\t/data/bar\t0644\t-1\n"
	_, err := Parse(strings.NewReader(doc))
	assert.Error(t, err)
}
