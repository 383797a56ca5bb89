// Package metrics wires the batch aggregation engine's named counters and
// histograms into Prometheus. It also carries the teacher's label-hygiene
// helper (pkg/telemetry/metrics.go) as Normalize; the Recorder's
// collectors themselves carry no labels.
package metrics

import (
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MaxLabelPairs  = 32
	MaxLabelKeyLen = 64
	MaxLabelValLen = 256
)

// Labels is a small label set attached to a single observation.
type Labels map[string]string

// Normalize returns a bounded, deterministic copy of l: keys lowercased and
// trimmed, values trimmed and truncated, invalid keys dropped, oversize
// sets truncated. This mirrors the teacher's NormalizeLabels contract and
// exists to keep Prometheus cardinality bounded regardless of caller input.
func Normalize(l Labels) prometheus.Labels {
	if len(l) == 0 {
		return nil
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(prometheus.Labels, len(l))
	for _, k := range keys {
		k2 := strings.ToLower(strings.TrimSpace(k))
		if k2 == "" || len(k2) > MaxLabelKeyLen {
			continue
		}
		v := strings.TrimSpace(l[k])
		if len(v) > MaxLabelValLen {
			v = v[:MaxLabelValLen]
		}
		out[k2] = v
		if len(out) >= MaxLabelPairs {
			break
		}
	}
	return out
}

// Recorder is the set of named metrics the BatchOrchestrator emits.
// Field names match the spec's literal metric names so logs/metrics and
// this code stay traceable to each other.
type Recorder struct {
	DuplicatesSkipped      prometheus.Counter
	ObjectsSkippedNotFound prometheus.Counter
	BundlesCreated         prometheus.Counter
	RecordsInBundle        prometheus.Histogram
	DuplicateOnlyBatch     prometheus.Counter
	BundleBytesUploaded    prometheus.Histogram
	GracefulStops          prometheus.Counter
}

// NewRecorder registers and returns a Recorder on reg. Passing a fresh
// prometheus.Registry per test avoids global-registry collisions.
func NewRecorder(reg prometheus.Registerer, namespace string) *Recorder {
	r := &Recorder{
		DuplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicates_skipped_total",
			Help: "Envelopes records skipped because they were already claimed.",
		}),
		ObjectsSkippedNotFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "objects_skipped_not_found_total",
			Help: "Records skipped because the backing object was missing.",
		}),
		BundlesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bundles_created_total",
			Help: "Archives successfully uploaded.",
		}),
		RecordsInBundle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "records_in_bundle",
			Help:    "Number of records written into a single archive.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		DuplicateOnlyBatch: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicate_only_batch_total",
			Help: "Batches where every record was a duplicate.",
		}),
		BundleBytesUploaded: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "bundle_bytes_uploaded",
			Help:    "Size in bytes of the uploaded archive.",
			Buckets: prometheus.ExponentialBuckets(1<<10, 4, 12),
		}),
		GracefulStops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "graceful_stops_total",
			Help: "Times the budget governor cut a batch short.",
		}),
	}
	reg.MustRegister(
		r.DuplicatesSkipped,
		r.ObjectsSkippedNotFound,
		r.BundlesCreated,
		r.RecordsInBundle,
		r.DuplicateOnlyBatch,
		r.BundleBytesUploaded,
		r.GracefulStops,
	)
	return r
}
