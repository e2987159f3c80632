// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics counts unwinder events and reports them as OTel metrics.
// Without a configured OTel MeterProvider the instruments are no-ops, the
// totals are still available from Totals.
package metrics // import "go.opentelemetry.io/fpwalk/metrics"

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"go.opentelemetry.io/fpwalk/internal/log"
	"go.opentelemetry.io/fpwalk/vc"
)

var (
	//go:embed metrics.json
	metricsJSON []byte

	// metricTypes maps the known, non obsolete IDs to their type.
	metricTypes map[MetricID]MetricType

	// OTel metric instrumentation
	meter = otel.Meter("go.opentelemetry.io/fpwalk",
		metric.WithInstrumentationVersion(vc.Version()))
	counters = map[MetricID]metric.Int64Counter{}
	gauges   = map[MetricID]metric.Int64Gauge{}

	// mutex protects totals
	mutex  sync.Mutex
	totals = Summary{}
)

func init() {
	defs := GetDefinitions()
	metricTypes = make(map[MetricID]MetricType, len(defs))
	for _, md := range defs {
		if md.Obsolete {
			continue
		}
		metricTypes[md.ID] = md.Type
		switch typ := md.Type; typ {
		case MetricTypeCounter:
			counter, err := meter.Int64Counter(md.Field,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Counter: %v", err)
				continue
			}
			counters[md.ID] = counter
		case MetricTypeGauge:
			gauge, err := meter.Int64Gauge(md.Field,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Gauge: %v", err)
				continue
			}
			gauges[md.ID] = gauge
		default:
			panic(fmt.Sprintf("Unknown metric type: %v", typ))
		}
	}
}

// AddSlice records a slice of metrics. Counters are added up, gauges
// replace the previous value. Counters with a 0 value are dropped.
func AddSlice(newMetrics []Metric) {
	ctx := context.Background()

	mutex.Lock()
	defer mutex.Unlock()

	for _, m := range newMetrics {
		typ, ok := metricTypes[m.ID]
		if !ok {
			log.Warnf("Invalid metric id %d, skipping", m.ID)
			continue
		}
		switch typ {
		case MetricTypeCounter:
			if m.Value == 0 {
				continue
			}
			totals[m.ID] += m.Value
			if counter, ok := counters[m.ID]; ok {
				counter.Add(ctx, int64(m.Value))
			}
		case MetricTypeGauge:
			totals[m.ID] = m.Value
			if gauge, ok := gauges[m.ID]; ok {
				gauge.Record(ctx, int64(m.Value))
			}
		}
	}
}

// Add records a single metric (id and value).
func Add(id MetricID, value MetricValue) {
	AddSlice([]Metric{{id, value}})
}

// Totals returns a copy of the values recorded since start or the last Reset.
func Totals() Summary {
	mutex.Lock()
	defer mutex.Unlock()
	return maps.Clone(totals)
}

// Reset clears the totals. The OTel instruments are not affected.
func Reset() {
	mutex.Lock()
	defer mutex.Unlock()
	clear(totals)
}

// GetDefinitions returns the metric definitions from the embedded metrics.json file.
func GetDefinitions() []MetricDefinition {
	var defs []MetricDefinition

	dec := json.NewDecoder(bytes.NewReader(metricsJSON))
	dec.DisallowUnknownFields()

	err := dec.Decode(&defs)
	if err != nil {
		panic(fmt.Sprintf("extracting definitions from metrics.json: %v", err))
	}
	return defs
}

// Name returns the OTel instrument name of id, or "" for unknown IDs.
func Name(id MetricID) string {
	for _, md := range GetDefinitions() {
		if md.ID == id {
			return md.Field
		}
	}
	return ""
}
