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

// Package eventchannel implements the per-process named rendezvous point a
// local supervisor uses to deliver out-of-band control commands (terminate,
// reconfigure) to a gateway process.
package eventchannel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/syndicate-storage/ag-gateway/common"
	"github.com/syndicate-storage/ag-gateway/internal/logger"
)

// Opcode is one of the fixed 4-byte command frames read from the channel.
type Opcode [4]byte

var (
	// OpTerm requests the dispatcher's process terminate.
	OpTerm = Opcode{'T', 'E', 'R', 'M'}
	// OpRcon requests the dispatcher's process reload its configuration.
	OpRcon = Opcode{'R', 'C', 'O', 'N'}
	// OpReserved is the documented-but-unused third opcode slot
	// (NR_CMDS=3 in the source): a future control command is presumably
	// intended but unspecified, per spec.md §9.
	OpReserved = Opcode{0, 0, 0, 0}
)

// Handler is invoked when its registered opcode is read off the channel.
type Handler func()

// Channel is the named-FIFO rendezvous point of spec.md §4.E: fixed 4-byte
// opcode frames, short reads dropped rather than coalesced, unregistered
// opcodes silently ignored.
type Channel struct {
	path string
	f    *os.File

	mu       sync.Mutex
	handlers map[Opcode]Handler

	// pending buffers opcodes the reader goroutine has pulled off the FIFO
	// but the dispatch worker hasn't yet run a handler for, so a slow
	// handler (e.g. the terminate handler tearing down a gateway) never
	// stalls the next read.
	pending   common.Queue[Opcode]
	pendingCV *sync.Cond

	stopCh chan struct{}
	doneCh chan struct{}
}

// Path returns the FIFO path this channel listens on: `${prefix}<pid>`.
func Path(prefix string, pid int) string {
	return fmt.Sprintf("%s%d", prefix, pid)
}

// Open creates (if necessary) and opens the named FIFO at path read-write,
// non-blocking, with user-rw/group-r permissions.
func Open(path string) (*Channel, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("eventchannel: creating parent dir: %w", err)
	}
	if err := unix.Mkfifo(path, 0640); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("eventchannel: mkfifo %q: %w", path, err)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0640)
	if err != nil {
		return nil, fmt.Errorf("eventchannel: open %q: %w", path, err)
	}
	f := os.NewFile(uintptr(fd), path)

	c := &Channel{
		path:     path,
		f:        f,
		handlers: make(map[Opcode]Handler),
		pending:  common.NewLinkedListQueue[Opcode](),
	}
	c.pendingCV = sync.NewCond(&c.mu)
	return c, nil
}

// Register binds a Handler to an Opcode. Unregistered opcodes are dropped
// silently when read.
func (c *Channel) Register(op Opcode, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[op] = h
}

// Signal writes a 4-byte opcode frame to path from outside the dispatching
// process, waking it. Used by the supervisor to trigger shutdown or
// reconfiguration of a child gateway by PID.
func Signal(path string, op Opcode) error {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("eventchannel: signaling %q: %w", path, err)
	}
	f := os.NewFile(uintptr(fd), path)
	defer f.Close()

	_, err = f.Write(op[:])
	return err
}

// Dispatch starts a reader goroutine and returns immediately. The reader
// masks no signals (Go's runtime already delivers signals on a dedicated
// goroutine, so there is nothing to mask here; it just reads in a loop)
// and reads 4-byte frames until Stop is called. Any frame that is not exactly 4 bytes is dropped, not
// coalesced with the next read. A separate worker goroutine drains the
// resulting opcode queue and runs handlers, so a handler that blocks (the
// terminate handler tearing down a gateway, say) never stalls the reader.
func (c *Channel) Dispatch() {
	c.mu.Lock()
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()

	workerDone := make(chan struct{})
	go c.dispatchWorker(stopCh, workerDone)

	go func() {
		defer func() {
			c.mu.Lock()
			c.pendingCV.Broadcast()
			c.mu.Unlock()
			<-workerDone
			close(doneCh)
		}()
		buf := make([]byte, 4)
		for {
			select {
			case <-stopCh:
				return
			default:
			}

			n, err := c.f.Read(buf)
			if err != nil {
				continue
			}
			if n != 4 {
				continue
			}

			var op Opcode
			copy(op[:], buf)

			c.mu.Lock()
			c.pending.Push(op)
			c.pendingCV.Broadcast()
			c.mu.Unlock()
		}
	}()
}

// dispatchWorker pops opcodes off the pending queue one at a time, running
// each one's registered handler (if any) outside the channel's own lock.
func (c *Channel) dispatchWorker(stopCh chan struct{}, done chan struct{}) {
	defer close(done)
	for {
		c.mu.Lock()
		for c.pending.IsEmpty() {
			select {
			case <-stopCh:
				c.mu.Unlock()
				return
			default:
			}
			c.pendingCV.Wait()
		}
		op := c.pending.Pop()
		h := c.handlers[op]
		c.mu.Unlock()

		if h != nil {
			h()
		}
	}
}

// Stop terminates the dispatch loop and closes the underlying descriptor.
func (c *Channel) Stop() {
	c.mu.Lock()
	stopCh := c.stopCh
	doneCh := c.doneCh
	c.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		c.mu.Lock()
		if c.pendingCV != nil {
			c.pendingCV.Broadcast()
		}
		c.mu.Unlock()
	}
	c.f.Close()
	if doneCh != nil {
		<-doneCh
	}
	os.Remove(c.path)
}

// CleanStaleFIFOs removes abandoned rendezvous files left behind by prior
// crashed processes under dir whose names carry prefix, skipping any whose
// pid suffix still names a live process. Adapted from the original's
// clean_dir helper (see DESIGN.md).
func CleanStaleFIFOs(dir, prefix string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	base := filepath.Base(prefix)
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, base) {
			continue
		}
		pidStr := strings.TrimPrefix(name, base)
		pid, err := parsePositiveInt(pidStr)
		if err != nil {
			continue
		}
		if processAlive(pid) {
			continue
		}
		full := filepath.Join(dir, name)
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			logger.Warnf("eventchannel: failed to remove stale FIFO %q: %v", full, err)
		}
	}
	return nil
}

func parsePositiveInt(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not numeric: %q", s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// EPERM means the process exists but belongs to another user.
	err = proc.Signal(unix.Signal(0))
	return err == nil || errors.Is(err, unix.EPERM)
}
