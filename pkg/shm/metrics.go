/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	instrumentationName = "github.com/srediag/shmlink/pkg/shm"

	opCreate = "create"
	opOpen   = "open"
	opRaw    = "open_raw"

	modeExclusive = "exclusive"
	modeShared    = "shared"
)

var (
	regionOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shmlink",
		Name:      "regions_total",
		Help:      "Regions successfully created or opened.",
	}, []string{"op"})

	regionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shmlink",
		Name:      "region_errors_total",
		Help:      "Failed region creates and opens.",
	}, []string{"op"})

	lockAcquisitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shmlink",
		Name:      "lock_acquisitions_total",
		Help:      "Lock acquisitions through region guards.",
	}, []string{"kind", "mode"})

	lockWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "shmlink",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for a lock primitive.",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"kind", "mode"})
)

// Collectors returns the package's Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{regionOps, regionErrors, lockAcquisitions, lockWait}
}

// RegisterMetrics registers the package collectors. Collectors that are
// already registered are skipped.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func observeRegionOp(op string, err error) {
	if err != nil {
		regionErrors.WithLabelValues(op).Inc()
		return
	}
	regionOps.WithLabelValues(op).Inc()
}

// telemetry holds the OpenTelemetry instruments of one region handle.
type telemetry struct {
	tracer   trace.Tracer
	waitHist metric.Float64Histogram
}

func newTelemetry(cfg *Config) *telemetry {
	t := &telemetry{tracer: cfg.Tracer}
	if t.tracer == nil {
		t.tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	meter := cfg.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	hist, err := meter.Float64Histogram("shmlink.lock.wait",
		metric.WithUnit("s"),
		metric.WithDescription("Time spent waiting for a lock primitive."))
	if err != nil {
		internalLogger.warnf("otel histogram unavailable, using noop: %v", err)
		hist, _ = metricnoop.NewMeterProvider().Meter(instrumentationName).Float64Histogram("shmlink.lock.wait")
	}
	t.waitHist = hist
	return t
}

func (t *telemetry) startSpan(ctx context.Context, name, linkPath string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("shmlink.link_path", linkPath)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (t *telemetry) observeWait(kind LockKind, mode string, d time.Duration) {
	lockAcquisitions.WithLabelValues(kind.String(), mode).Inc()
	lockWait.WithLabelValues(kind.String(), mode).Observe(d.Seconds())
	t.waitHist.Record(context.Background(), d.Seconds(), metric.WithAttributes(
		attribute.String("kind", kind.String()),
		attribute.String("mode", mode),
	))
}
