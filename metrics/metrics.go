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

// Package metrics records the gateway's counters and latency histograms
// through an OpenTelemetry meter (Handle) and serves a separate Prometheus
// registry through Handler. The Handle methods record into the
// OpenTelemetry instruments only, not into the Prometheus vectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// RouteKey annotates the request-engine route that served a request:
	// "manifest" or "block".
	RouteKey = "route"

	// BackendKey annotates the map entry backend that served a request.
	BackendKey = "backend"

	// RPCKey annotates the metadata-service write RPC invoked (create/update/delete/mkdir).
	RPCKey = "ms_rpc"

	// StatusKey reduces the cardinality of request outcomes to a small set of buckets.
	StatusKey = "status"
)

// defaultLatencyDistribution mirrors the bucket boundaries used throughout the
// file-system metrics this package is descended from: a geometric-ish spread
// from low single-digit milliseconds out to 100s.
var defaultLatencyDistribution = metric.WithExplicitBucketBoundaries(
	1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100,
	130, 160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 5000, 10000,
	20000, 50000, 100000,
)

// MetricAttr is a single string-valued label attached to a recorded metric.
type MetricAttr struct {
	Key   string
	Value string
}

func toAttrs(attrs []MetricAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, attribute.String(a.Key, a.Value))
	}
	return out
}

// Handle is the interface the gateway's components record metrics through.
// A no-op implementation is used in tests that don't care about metrics.
type Handle interface {
	RequestCount(ctx context.Context, inc int64, attrs []MetricAttr)
	RequestLatency(ctx context.Context, latency time.Duration, attrs []MetricAttr)
	RequestErrorCount(ctx context.Context, inc int64, attrs []MetricAttr)

	MSRPCCount(ctx context.Context, inc int64, attrs []MetricAttr)
	MSRPCLatency(ctx context.Context, latency time.Duration, attrs []MetricAttr)
	MSRPCErrorCount(ctx context.Context, inc int64, attrs []MetricAttr)

	PendingUpdateQueueDepth(ctx context.Context, depth int64)
	ReversionSweepCount(ctx context.Context, inc int64)
}

type noopHandle struct{}

// NewNoop returns a Handle that discards every recorded measurement.
func NewNoop() Handle { return noopHandle{} }

func (noopHandle) RequestCount(context.Context, int64, []MetricAttr)              {}
func (noopHandle) RequestLatency(context.Context, time.Duration, []MetricAttr)    {}
func (noopHandle) RequestErrorCount(context.Context, int64, []MetricAttr)         {}
func (noopHandle) MSRPCCount(context.Context, int64, []MetricAttr)                {}
func (noopHandle) MSRPCLatency(context.Context, time.Duration, []MetricAttr)      {}
func (noopHandle) MSRPCErrorCount(context.Context, int64, []MetricAttr)           {}
func (noopHandle) PendingUpdateQueueDepth(context.Context, int64)                 {}
func (noopHandle) ReversionSweepCount(context.Context, int64)                     {}

var gatewayMeter = otel.Meter("ag_gateway")

type otelHandle struct {
	requestCount      metric.Int64Counter
	requestLatency    metric.Float64Histogram
	requestErrorCount metric.Int64Counter

	msRPCCount      metric.Int64Counter
	msRPCLatency    metric.Float64Histogram
	msRPCErrorCount metric.Int64Counter

	pendingQueueDepthAtomic *atomicInt64
	reversionSweepCount     metric.Int64Counter
}

type atomicInt64 struct {
	mu sync.Mutex
	v  int64
}

func (a *atomicInt64) set(v int64) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomicInt64) load() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

// NewOTel builds a Handle backed by an OpenTelemetry meter. It is grounded on
// the same instrument shapes (counter + error counter + latency histogram per
// subsystem) the upstream file-system metrics package used for its ops/gcs/
// file-cache triad, retargeted at the request engine and metadata-service
// client.
func NewOTel() (Handle, error) {
	requestCount, err1 := gatewayMeter.Int64Counter("ag/request_count",
		metric.WithDescription("Cumulative number of block/manifest requests served by the request engine."))
	requestLatency, err2 := gatewayMeter.Float64Histogram("ag/request_latency",
		metric.WithDescription("Distribution of request-engine serving latencies."),
		metric.WithUnit("ms"), defaultLatencyDistribution)
	requestErrorCount, err3 := gatewayMeter.Int64Counter("ag/request_error_count",
		metric.WithDescription("Cumulative number of request-engine errors, by route or backend."))

	msRPCCount, err4 := gatewayMeter.Int64Counter("ag/ms_rpc_count",
		metric.WithDescription("Cumulative number of metadata-service RPCs issued."))
	msRPCLatency, err5 := gatewayMeter.Float64Histogram("ag/ms_rpc_latency",
		metric.WithDescription("Distribution of metadata-service RPC latencies."),
		metric.WithUnit("ms"), defaultLatencyDistribution)
	msRPCErrorCount, err6 := gatewayMeter.Int64Counter("ag/ms_rpc_error_count",
		metric.WithDescription("Cumulative number of failed metadata-service RPCs."))

	var pendingDepth atomicInt64
	_, err7 := gatewayMeter.Int64ObservableGauge("ag/pending_update_queue_depth",
		metric.WithDescription("Current number of entries in the pending-update deadline queue."),
		metric.WithInt64Callback(func(_ context.Context, obsrv metric.Int64Observer) error {
			obsrv.Observe(pendingDepth.load())
			return nil
		}))
	reversionSweepCount, err8 := gatewayMeter.Int64Counter("ag/reversion_sweep_count",
		metric.WithDescription("Cumulative number of map entries reverted by the reversion daemon."))

	if err := errors.Join(err1, err2, err3, err4, err5, err6, err7, err8); err != nil {
		return nil, err
	}

	return &otelHandle{
		requestCount:            requestCount,
		requestLatency:          requestLatency,
		requestErrorCount:       requestErrorCount,
		msRPCCount:              msRPCCount,
		msRPCLatency:            msRPCLatency,
		msRPCErrorCount:         msRPCErrorCount,
		pendingQueueDepthAtomic: &pendingDepth,
		reversionSweepCount:     reversionSweepCount,
	}, nil
}

func (o *otelHandle) RequestCount(ctx context.Context, inc int64, attrs []MetricAttr) {
	o.requestCount.Add(ctx, inc, metric.WithAttributes(toAttrs(attrs)...))
}

func (o *otelHandle) RequestLatency(ctx context.Context, latency time.Duration, attrs []MetricAttr) {
	o.requestLatency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(toAttrs(attrs)...))
}

func (o *otelHandle) RequestErrorCount(ctx context.Context, inc int64, attrs []MetricAttr) {
	o.requestErrorCount.Add(ctx, inc, metric.WithAttributes(toAttrs(attrs)...))
}

func (o *otelHandle) MSRPCCount(ctx context.Context, inc int64, attrs []MetricAttr) {
	o.msRPCCount.Add(ctx, inc, metric.WithAttributes(toAttrs(attrs)...))
}

func (o *otelHandle) MSRPCLatency(ctx context.Context, latency time.Duration, attrs []MetricAttr) {
	o.msRPCLatency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(toAttrs(attrs)...))
}

func (o *otelHandle) MSRPCErrorCount(ctx context.Context, inc int64, attrs []MetricAttr) {
	o.msRPCErrorCount.Add(ctx, inc, metric.WithAttributes(toAttrs(attrs)...))
}

func (o *otelHandle) PendingUpdateQueueDepth(_ context.Context, depth int64) {
	o.pendingQueueDepthAtomic.set(depth)
}

func (o *otelHandle) ReversionSweepCount(ctx context.Context, inc int64) {
	o.reversionSweepCount.Add(ctx, inc)
}

// promRegistry is a dedicated Prometheus registry the gateway exposes on
// /metrics, independent of the OTel meter provider used for the counters
// above.
var (
	promRegistry = prometheus.NewRegistry()

	PromRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ag_requests_total",
		Help: "Total number of block/manifest requests served, by route and status.",
	}, []string{RouteKey, StatusKey})

	PromRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ag_request_duration_seconds",
		Help:    "Request-engine serving latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{RouteKey})
)

func init() {
	promRegistry.MustRegister(PromRequestsTotal, PromRequestDuration)
}

// Handler returns the http.Handler that should be mounted at /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
}
