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
	"fmt"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Child is one forked gateway process: its registration id, the host:port
// it listens on, and the os/exec handle used to track and wait on it.
type Child struct {
	ID       string
	HostPort string
	Cmdline  string

	cmd *exec.Cmd
}

// Supervisor forks and tracks every configured gateway child process.
type Supervisor struct {
	conf Config
	host string

	mu    sync.Mutex
	live  map[string]*Child
	dead  map[string]*Child
}

// New returns a Supervisor that will fork the commands in conf, reporting
// host as the address portion of each child's host:port descriptor.
func New(conf Config, host string) *Supervisor {
	return &Supervisor{
		conf: conf,
		host: host,
		live: make(map[string]*Child),
		dead: make(map[string]*Child),
	}
}

// StartAll forks every configured gateway command concurrently, assigning
// each a fresh uuid registration id. A command that fails to start is
// recorded dead immediately rather than aborting the remaining starts.
func (s *Supervisor) StartAll() {
	var g errgroup.Group
	for _, cmdline := range s.conf.AgList {
		cmdline := cmdline
		g.Go(func() error {
			s.startOne(cmdline)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Supervisor) startOne(cmdline string) {
	tokens := Tokenize(cmdline)
	id := uuid.NewString()
	port := ParsePort(tokens)
	hostPort := fmt.Sprintf("%s:%d", s.host, port)

	child := &Child{ID: id, HostPort: hostPort, Cmdline: cmdline}
	if len(tokens) == 0 {
		s.markDead(child)
		return
	}

	cmd := exec.Command(tokens[0], tokens[1:]...)
	if err := cmd.Start(); err != nil {
		s.markDead(child)
		return
	}
	child.cmd = cmd

	s.mu.Lock()
	s.live[id] = child
	s.mu.Unlock()

	go s.awaitExit(child)
}

// awaitExit blocks on the child's process and moves it from live to dead
// once it exits, the Go equivalent of the original's SIGCHLD-driven
// bookkeeping (os/exec's Wait already reaps the process and unblocks as
// soon as the kernel delivers the child's exit status).
func (s *Supervisor) awaitExit(child *Child) {
	_ = child.cmd.Wait()
	s.markDead(child)
}

func (s *Supervisor) markDead(child *Child) {
	s.mu.Lock()
	delete(s.live, child.ID)
	s.dead[child.ID] = child
	s.mu.Unlock()
}

// Snapshot returns the current live and dead id sets, for the pulse
// reporter.
func (s *Supervisor) Snapshot() (live, dead []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.live {
		live = append(live, id)
	}
	for id := range s.dead {
		dead = append(dead, id)
	}
	return live, dead
}

// Stop kills every still-live child process.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	children := make([]*Child, 0, len(s.live))
	for _, c := range s.live {
		children = append(children, c)
	}
	s.mu.Unlock()

	for _, c := range children {
		if c.cmd != nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
	}
}
