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

// Package msclient implements the gateway's side of the metadata-service
// protocol: synchronous create/mkdir/delete/update RPCs, a batched
// deferred-update uploader with deadline-coalesced supersession, volume
// metadata and path-resolution fetches, and the single-flight
// exponential-backoff discipline that keeps at most one read and one
// write in flight at a time.
package msclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syndicate-storage/ag-gateway/cfg"
	"github.com/syndicate-storage/ag-gateway/clock"
	"github.com/syndicate-storage/ag-gateway/internal/inodemeta"
	"github.com/syndicate-storage/ag-gateway/internal/logger"
	"github.com/syndicate-storage/ag-gateway/internal/msclient/wire"
	"github.com/syndicate-storage/ag-gateway/metrics"
)

const updateFieldName = "ms-metadata-updates"

// Client is the gateway's metadata-service client: two long-lived HTTP
// sessions (read/write), single-flight flags guarding each, and the
// batched uploader goroutine draining the pending update set.
type Client struct {
	msCfg      cfg.MSConfig
	volume     cfg.VolumeConfig
	gatewayID  string

	readClient  *http.Client
	writeClient *http.Client

	ReadTiming  *Timing
	WriteTiming *Timing

	clock   clock.Clock
	metrics metrics.Handle

	mu          sync.Mutex
	downloading bool
	uploading   bool

	volMu      sync.Mutex
	volMeta    wire.VolumeMetadata
	haveVolume bool

	updMu   sync.Mutex
	updCond *sync.Cond
	updates *updateSet
	running bool

	uploaderRunning bool
	uploaderDone    chan struct{}
}

// New constructs a Client from the gateway's resolved configuration. The
// HTTP clients' Timeout fields are set from MSConfig.TransferTimeout; the
// dial-level ConnectTimeout is applied via the Dialer in the Transport.
func New(msCfg cfg.MSConfig, volume cfg.VolumeConfig, gatewayID string, clk clock.Clock, mh metrics.Handle) *Client {
	if mh == nil {
		mh = metrics.NewNoop()
	}
	dialer := &net.Dialer{Timeout: msCfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext: dialer.DialContext,
	}
	c := &Client{
		msCfg:       msCfg,
		volume:      volume,
		gatewayID:   gatewayID,
		readClient:  &http.Client{Timeout: msCfg.TransferTimeout, Transport: transport},
		writeClient: &http.Client{Timeout: msCfg.TransferTimeout, Transport: transport},
		ReadTiming:  &Timing{},
		WriteTiming: &Timing{},
		clock:       clk,
		metrics:     mh,
		updates:     newUpdateSet(),
		running:     true,
	}
	c.updCond = sync.NewCond(&c.updMu)
	return c
}

// acquire implements the single-flight discipline of spec.md §4.F: hold
// the client lock, and while *flag is set, release it and sleep an
// exponentially growing randomized backoff before retrying.
func (c *Client) acquire(flag *bool) {
	c.mu.Lock()
	var delayUs int64
	for *flag {
		c.mu.Unlock()
		delayUs = (delayUs + rand.Int63n(1000)) * 2
		if max := c.msCfg.MaxBackoff.Microseconds(); max > 0 && delayUs > max {
			delayUs = max
		}
		time.Sleep(time.Duration(delayUs) * time.Microsecond)
		c.mu.Lock()
	}
	*flag = true
	c.mu.Unlock()
}

func (c *Client) release(flag *bool) {
	c.mu.Lock()
	*flag = false
	c.mu.Unlock()
}

func (c *Client) acquireRead()  { c.acquire(&c.downloading) }
func (c *Client) releaseRead()  { c.release(&c.downloading) }
func (c *Client) acquireWrite() { c.acquire(&c.uploading) }
func (c *Client) releaseWrite() { c.release(&c.uploading) }

func (c *Client) basicAuthHeader(req *http.Request) {
	req.SetBasicAuth(c.volume.Name, c.volume.Secret)
}

// sendUpdate serializes a single UpdateEntry and POSTs it as the
// multipart field ms-metadata-updates, per spec.md §4.F/§6.
func (c *Client) sendUpdate(ctx context.Context, path string, u wire.UpdateEntry) (wire.Entry, error) {
	c.acquireWrite()
	defer c.releaseWrite()

	body, contentType, err := encodeUpdateMultipart([]wire.UpdateEntry{u})
	if err != nil {
		return wire.Entry{}, protocolError(0, err)
	}

	url := fmt.Sprintf("%s/FILE/%s%s", strings.TrimRight(c.msCfg.URL, "/"), c.volume.Name, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return wire.Entry{}, transientError(err)
	}
	req.Header.Set("Content-Type", contentType)
	c.basicAuthHeader(req)

	start := c.clock.Now()
	resp, err := c.writeClient.Do(req)
	c.metrics.MSRPCLatency(ctx, c.clock.Now().Sub(start), []metrics.MetricAttr{{Key: metrics.RPCKey, Value: opName(u.Op)}})
	if err != nil {
		c.metrics.MSRPCErrorCount(ctx, 1, nil)
		return wire.Entry{}, transientError(err)
	}
	defer resp.Body.Close()
	c.WriteTiming.recordFromHeaders(resp.Header)

	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		entry, _, err := wire.ConsumeEntry(respBody)
		if err != nil {
			return wire.Entry{}, protocolError(resp.StatusCode, err)
		}
		return entry, nil
	case http.StatusAccepted:
		code, err := strconv.Atoi(strings.TrimSpace(string(respBody)))
		if err != nil {
			return wire.Entry{}, protocolError(resp.StatusCode, err)
		}
		return wire.Entry{}, logicalError(-code)
	default:
		return wire.Entry{}, protocolError(resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

// opName names an Op for metrics labeling.
func opName(op wire.Op) string {
	switch op {
	case wire.OpCreate:
		return "create"
	case wire.OpUpdate:
		return "update"
	case wire.OpDelete:
		return "delete"
	case wire.OpMkdir:
		return "mkdir"
	default:
		return "unknown"
	}
}

// Create registers a new file inode with the metadata service, returning
// its server-assigned FileID on success.
func (c *Client) Create(ctx context.Context, path string, entry inodemeta.InodeMeta) (uint64, error) {
	entry.Type = inodemeta.TypeFile
	we := toWireEntry(entry)
	result, err := c.sendUpdate(ctx, path, wire.UpdateEntry{Op: wire.OpCreate, TimestampMs: nowMs(c.clock), Entry: we})
	if err != nil {
		return 0, err
	}
	return result.FileID, nil
}

// Mkdir registers a new directory inode.
func (c *Client) Mkdir(ctx context.Context, path string, entry inodemeta.InodeMeta) (uint64, error) {
	entry.Type = inodemeta.TypeDir
	we := toWireEntry(entry)
	result, err := c.sendUpdate(ctx, path, wire.UpdateEntry{Op: wire.OpMkdir, TimestampMs: nowMs(c.clock), Entry: we})
	if err != nil {
		return 0, err
	}
	return result.FileID, nil
}

// Delete removes an inode from the metadata service.
func (c *Client) Delete(ctx context.Context, path string, entry inodemeta.InodeMeta) error {
	we := toWireEntry(entry)
	_, err := c.sendUpdate(ctx, path, wire.UpdateEntry{Op: wire.OpDelete, TimestampMs: nowMs(c.clock), Entry: we})
	return err
}

// Update pushes a synchronous metadata mutation for an already-published
// inode.
func (c *Client) Update(ctx context.Context, path string, entry inodemeta.InodeMeta) (inodemeta.InodeMeta, error) {
	we := toWireEntry(entry)
	result, err := c.sendUpdate(ctx, path, wire.UpdateEntry{Op: wire.OpUpdate, TimestampMs: nowMs(c.clock), Entry: we})
	if err != nil {
		return inodemeta.InodeMeta{}, err
	}
	return fromWireEntry(result), nil
}

// QueueUpdate inserts or supersedes a deferred mutation for path, to be
// flushed by the uploader once its deadline passes. Supersession
// coalesces the payload to the latest entry and extends the deadline by
// deltaMs from whatever deadline was previously pending.
func (c *Client) QueueUpdate(path string, op wire.Op, entry inodemeta.InodeMeta, deadlineMs, deltaMs int64) {
	fp := inodemeta.FingerprintPath(path)
	now := nowMs(c.clock)

	c.updMu.Lock()
	c.updates.Queue(fp, path, op, entry, now, deadlineMs, deltaMs)
	depth := int64(c.updates.Len())
	c.updMu.Unlock()

	c.metrics.PendingUpdateQueueDepth(context.Background(), depth)
	c.updCond.Broadcast()
}

// RunUploader runs the batched-upload loop until Shutdown is called. It
// must be started as its own goroutine.
func (c *Client) RunUploader() {
	c.updMu.Lock()
	c.uploaderRunning = true
	c.updMu.Unlock()
	defer func() {
		c.updMu.Lock()
		c.uploaderRunning = false
		c.updMu.Unlock()
	}()

	for {
		c.updMu.Lock()
		for c.running {
			deadline, ok := c.updates.EarliestDeadlineMs()
			if !ok {
				c.updCond.Wait()
				continue
			}
			waitMs := deadline - nowMs(c.clock)
			if waitMs <= 0 {
				break
			}
			c.waitOnCond(waitMs)
		}
		if !c.running {
			c.updMu.Unlock()
			return
		}
		due := c.updates.ExtractDue(nowMs(c.clock))
		c.updMu.Unlock()

		if len(due) == 0 {
			continue
		}
		c.flush(due)
	}
}

// waitOnCond waits on updCond for at most waitMs, by spawning a timer
// that broadcasts; updCond.Wait() must be called with updMu held, which
// the caller already holds.
func (c *Client) waitOnCond(waitMs int64) {
	timer := time.AfterFunc(time.Duration(waitMs)*time.Millisecond, func() {
		c.updMu.Lock()
		c.updCond.Broadcast()
		c.updMu.Unlock()
	})
	defer timer.Stop()
	c.updCond.Wait()
}

// flush serializes due as a multi-update message and sends one request.
// On a transient failure the batch is reinserted preserving original
// deadlines; after a logical or protocol failure, or on success, the
// payloads are dropped.
func (c *Client) flush(due []*pendingUpdate) {
	updates := make([]wire.UpdateEntry, 0, len(due))
	for _, u := range due {
		updates = append(updates, wire.UpdateEntry{Op: u.op, TimestampMs: u.queuedAtMs, Entry: toWireEntry(u.entry)})
	}

	c.acquireWrite()
	err := c.postBatch(updates)
	c.releaseWrite()

	if err != nil {
		var msErr *Error
		if errors.As(err, &msErr) && msErr.Kind != KindTransient {
			logger.Warnf("msclient: batch upload of %d updates rejected, dropping: %v", len(due), err)
			return
		}
		logger.Warnf("msclient: batch upload of %d updates failed, requeuing: %v", len(due), err)
		c.updMu.Lock()
		c.updates.Reinsert(due)
		c.updMu.Unlock()
		return
	}
}

func (c *Client) postBatch(updates []wire.UpdateEntry) error {
	body, contentType, err := encodeUpdateMultipart(updates)
	if err != nil {
		return protocolError(0, err)
	}

	url := fmt.Sprintf("%s/FILE/%s/", strings.TrimRight(c.msCfg.URL, "/"), c.volume.Name)
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return transientError(err)
	}
	req.Header.Set("Content-Type", contentType)
	c.basicAuthHeader(req)

	resp, err := c.writeClient.Do(req)
	if err != nil {
		return transientError(err)
	}
	defer resp.Body.Close()
	c.WriteTiming.recordFromHeaders(resp.Header)
	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusAccepted:
		code, convErr := strconv.Atoi(strings.TrimSpace(string(respBody)))
		if convErr != nil {
			return protocolError(resp.StatusCode, convErr)
		}
		return logicalError(-code)
	default:
		return protocolError(resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

// GetVolumeMetadata fetches and caches volume parameters from the MS,
// authenticating with the X-Volume-Secret header.
func (c *Client) GetVolumeMetadata(ctx context.Context, name, secret string) (wire.VolumeMetadata, error) {
	c.acquireRead()
	defer c.releaseRead()

	url := fmt.Sprintf("%s/VOLUME/%s", strings.TrimRight(c.msCfg.URL, "/"), name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return wire.VolumeMetadata{}, transientError(err)
	}
	req.Header.Set("X-Volume-Secret", secret)

	resp, err := c.readClient.Do(req)
	if err != nil {
		return wire.VolumeMetadata{}, transientError(err)
	}
	defer resp.Body.Close()
	c.ReadTiming.recordFromHeaders(resp.Header)

	if resp.StatusCode != http.StatusOK {
		return wire.VolumeMetadata{}, protocolError(resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return wire.VolumeMetadata{}, transientError(err)
	}
	vm, err := wire.ConsumeVolumeMetadata(respBody)
	if err != nil {
		return wire.VolumeMetadata{}, protocolError(resp.StatusCode, err)
	}

	c.volMu.Lock()
	c.volMeta = vm
	c.haveVolume = true
	c.volMu.Unlock()

	return vm, nil
}

// CachedVolumeVersion returns the version of the last-fetched volume
// metadata and whether any has been fetched yet.
func (c *Client) CachedVolumeVersion() (uint64, bool) {
	c.volMu.Lock()
	defer c.volMu.Unlock()
	return c.volMeta.Version, c.haveVolume
}

// Shutdown stops the uploader loop and drops any still-pending updates,
// per spec.md §4.F: pending updates at shutdown are not flushed.
func (c *Client) Shutdown() {
	c.updMu.Lock()
	c.running = false
	c.updMu.Unlock()
	c.updCond.Broadcast()

	for {
		c.updMu.Lock()
		running := c.uploaderRunning
		c.updMu.Unlock()
		if !running {
			break
		}
		time.Sleep(time.Millisecond)
	}

	c.readClient.CloseIdleConnections()
	c.writeClient.CloseIdleConnections()
}

func nowMs(clk clock.Clock) int64 {
	return clk.Now().UnixMilli()
}

func toWireEntry(m inodemeta.InodeMeta) wire.Entry {
	t := wire.TypeFile
	if m.Type == inodemeta.TypeDir {
		t = wire.TypeDir
	}
	return wire.Entry{
		FileID:      m.FileID,
		ParentID:    m.ParentID,
		Name:        m.Name,
		ParentName:  m.ParentName,
		Type:        t,
		Mode:        m.Mode,
		Coordinator: m.Coordinator,
		Owner:       m.Owner,
		Volume:      m.Volume,
		CtimeSec:    m.Ctime.Sec,
		CtimeNsec:   m.Ctime.Nsec,
		MtimeSec:    m.Mtime.Sec,
		MtimeNsec:   m.Mtime.Nsec,
		Version:     m.Version,
		WriteNonce:  m.WriteNonce,
		Generation:  m.Generation,
		Size:        m.Size,
		MaxReadFreshnessMs:  m.MaxReadFreshnessMs,
		MaxWriteFreshnessMs: m.MaxWriteFreshnessMs,
		URL:         m.FileURL,
	}
}

func fromWireEntry(e wire.Entry) inodemeta.InodeMeta {
	t := inodemeta.TypeFile
	if e.Type == wire.TypeDir {
		t = inodemeta.TypeDir
	}
	return inodemeta.InodeMeta{
		FileID:      e.FileID,
		ParentID:    e.ParentID,
		Name:        e.Name,
		ParentName:  e.ParentName,
		Type:        t,
		Mode:        e.Mode,
		Coordinator: e.Coordinator,
		Owner:       e.Owner,
		Volume:      e.Volume,
		Ctime:       inodemeta.Timespec{Sec: e.CtimeSec, Nsec: e.CtimeNsec},
		Mtime:       inodemeta.Timespec{Sec: e.MtimeSec, Nsec: e.MtimeNsec},
		Version:     e.Version,
		WriteNonce:  e.WriteNonce,
		Generation:  e.Generation,
		Size:        e.Size,
		MaxReadFreshnessMs:  e.MaxReadFreshnessMs,
		MaxWriteFreshnessMs: e.MaxWriteFreshnessMs,
		FileURL:     e.URL,
	}
}

func encodeUpdateMultipart(updates []wire.UpdateEntry) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormField(updateFieldName)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(wire.AppendUpdateList(updates)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
