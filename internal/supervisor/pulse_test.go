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

package supervisor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendPulsePostsLiveAndDeadSets(t *testing.T) {
	var received atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Pulse
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		received.Store(p)
		_ = json.NewEncoder(w).Encode(RestartDirective{})
	}))
	defer srv.Close()

	sup := New(Config{}, "127.0.0.1")
	sup.mu.Lock()
	sup.live["child-1"] = &Child{ID: "child-1"}
	sup.dead["child-2"] = &Child{ID: "child-2"}
	sup.mu.Unlock()

	r := NewReporter("sup-1", srv.URL, sup)
	r.sendPulse()

	p := received.Load().(Pulse)
	assert.Equal(t, "sup-1", p.SupervisorID)
	assert.Equal(t, []string{"child-1"}, p.Live)
	assert.Equal(t, []string{"child-2"}, p.Dead)
}
