// Package metrics is the in-process metrics sink: counters, histograms,
// and gauges keyed by a label set, plus a hand-rolled Prometheus
// text-exposition writer. Metric names and labels mirror the original
// implementation's collector, renamed from the rustlb_ prefix to lbcore_.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// labelKey is a stable string encoding of a label set, used as a map key.
type labelKey string

func keyFor(labels map[string]string) labelKey {
	if len(labels) == 0 {
		return ""
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	var b []byte
	for _, n := range names {
		b = append(b, n...)
		b = append(b, '=')
		b = append(b, labels[n]...)
		b = append(b, ';')
	}
	return labelKey(b)
}

type counter struct {
	value  atomic.Int64
	labels map[string]string
}

type gauge struct {
	value  atomic.Int64 // integer gauge value, stored and rendered as given
	labels map[string]string
}

type histogram struct {
	mu      sync.Mutex
	labels  map[string]string
	count   int64
	sum     float64
	buckets []float64 // upper bounds, ascending
	counts  []int64   // per-bucket cumulative counts
}

// Sink is the process-wide metrics registry. Every metric name owns its
// own label-keyed map; a (name, label set) pair is created lazily on
// first use.
type Sink struct {
	mu         sync.Mutex
	counters   map[string]map[labelKey]*counter
	gauges     map[string]map[labelKey]*gauge
	histograms map[string]map[labelKey]*histogram
}

// New creates an empty metrics sink.
func New() *Sink {
	return &Sink{
		counters:   make(map[string]map[labelKey]*counter),
		gauges:     make(map[string]map[labelKey]*gauge),
		histograms: make(map[string]map[labelKey]*histogram),
	}
}

// defaultBuckets mirrors the original collector's request-duration buckets.
var defaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// IncCounter increments a named counter by delta (delta is typically 1).
func (s *Sink) IncCounter(name string, labels map[string]string, delta int64) {
	c := s.counterFor(name, labels)
	c.value.Add(delta)
}

// SetGauge sets a named gauge to value.
func (s *Sink) SetGauge(name string, labels map[string]string, value int64) {
	g := s.gaugeFor(name, labels)
	g.value.Store(value)
}

// AddGauge adjusts a named gauge by delta, positive or negative.
func (s *Sink) AddGauge(name string, labels map[string]string, delta int64) {
	g := s.gaugeFor(name, labels)
	g.value.Add(delta)
}

// ObserveHistogram records one observation (e.g. a request duration in
// seconds) against a named histogram's default bucket boundaries.
func (s *Sink) ObserveHistogram(name string, labels map[string]string, value float64) {
	h := s.histogramFor(name, labels)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
		}
	}
}

func (s *Sink) counterFor(name string, labels map[string]string) *counter {
	key := keyFor(labels)
	s.mu.Lock()
	defer s.mu.Unlock()
	byLabel, ok := s.counters[name]
	if !ok {
		byLabel = make(map[labelKey]*counter)
		s.counters[name] = byLabel
	}
	c, ok := byLabel[key]
	if !ok {
		c = &counter{labels: labels}
		byLabel[key] = c
	}
	return c
}

func (s *Sink) gaugeFor(name string, labels map[string]string) *gauge {
	key := keyFor(labels)
	s.mu.Lock()
	defer s.mu.Unlock()
	byLabel, ok := s.gauges[name]
	if !ok {
		byLabel = make(map[labelKey]*gauge)
		s.gauges[name] = byLabel
	}
	g, ok := byLabel[key]
	if !ok {
		g = &gauge{labels: labels}
		byLabel[key] = g
	}
	return g
}

func (s *Sink) histogramFor(name string, labels map[string]string) *histogram {
	key := keyFor(labels)
	s.mu.Lock()
	defer s.mu.Unlock()
	byLabel, ok := s.histograms[name]
	if !ok {
		byLabel = make(map[labelKey]*histogram)
		s.histograms[name] = byLabel
	}
	h, ok := byLabel[key]
	if !ok {
		h = &histogram{labels: labels, buckets: defaultBuckets, counts: make([]int64, len(defaultBuckets))}
		byLabel[key] = h
	}
	return h
}
