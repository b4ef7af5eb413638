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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/syndicate-storage/ag-gateway/internal/logger"
)

// pulseInterval is the pulse cadence of spec.md §4.H.
const pulseInterval = 10 * time.Second

// Pulse is the periodic liveness report sent to the central watchdog
// daemon. The Thrift watchdog RPC is out of scope per spec.md §1; this is
// the lightweight JSON-over-HTTP equivalent exercising the same
// register/pulse operations (see DESIGN.md).
type Pulse struct {
	SupervisorID string   `json:"supervisor_id"`
	Live         []string `json:"live"`
	Dead         []string `json:"dead"`
}

// RestartDirective is the central daemon's reply naming which dead child
// ids the supervisor should restart. The supervisor itself never restarts
// children unasked, per spec.md §4.H.
type RestartDirective struct {
	RestartIDs []string `json:"restart_ids"`
}

// Reporter sends periodic pulses to the central daemon and applies any
// restart directive it returns: each named child that is dead is started
// again from its command line under a new registration id; named ids that
// are not dead are ignored.
type Reporter struct {
	id         string
	daemonURL  string
	httpClient *http.Client
	sup        *Supervisor

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReporter returns a Reporter that will pulse sup's liveness snapshot
// to daemonURL every 10 seconds under id.
func NewReporter(id, daemonURL string, sup *Supervisor) *Reporter {
	return &Reporter{
		id:         id,
		daemonURL:  daemonURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		sup:        sup,
	}
}

// Run blocks, sending a pulse every pulseInterval, until Stop is called.
func (r *Reporter) Run() {
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	defer close(r.doneCh)

	ticker := time.NewTicker(pulseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sendPulse()
		}
	}
}

func (r *Reporter) sendPulse() {
	live, dead := r.sup.Snapshot()
	pulse := Pulse{SupervisorID: r.id, Live: live, Dead: dead}

	body, err := json.Marshal(pulse)
	if err != nil {
		logger.Warnf("supervisor: marshaling pulse: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/pulse", r.daemonURL), bytes.NewReader(body))
	if err != nil {
		logger.Warnf("supervisor: building pulse request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		logger.Warnf("supervisor: pulse to %s failed: %v", r.daemonURL, err)
		return
	}
	defer resp.Body.Close()

	var directive RestartDirective
	if err := json.NewDecoder(resp.Body).Decode(&directive); err != nil {
		return
	}
	for _, id := range directive.RestartIDs {
		r.sup.mu.Lock()
		child, ok := r.sup.dead[id]
		if ok {
			delete(r.sup.dead, id)
		}
		r.sup.mu.Unlock()
		if !ok {
			continue
		}
		logger.Infof("supervisor: restarting child %s as directed by the central daemon", id)
		r.sup.startOne(child.Cmdline)
	}
}

// Stop ends the pulse loop and waits for it to exit.
func (r *Reporter) Stop() {
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	<-r.doneCh
}
