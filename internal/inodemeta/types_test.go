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

package inodemeta

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInodeTypeString(t *testing.T) {
	assert.Equal(t, "FILE", TypeFile.String())
	assert.Equal(t, "DIR", TypeDir.String())
}

func TestFingerprintPathDeterministic(t *testing.T) {
	a := FingerprintPath("/foo/bar")
	b := FingerprintPath("/foo/bar")
	assert.Equal(t, a, b)
}

func TestFingerprintPathDistinguishesPaths(t *testing.T) {
	a := FingerprintPath("/foo/bar")
	b := FingerprintPath("/foo/baz")
	assert.NotEqual(t, a, b)
}

func TestInodeMetaCloneIsIndependentValue(t *testing.T) {
	m := InodeMeta{FileID: 1, Name: "bar", Type: TypeFile}
	c := m.Clone()
	c.Name = "changed"
	assert.Equal(t, "bar", m.Name)
	assert.Equal(t, "changed", c.Name)
}
