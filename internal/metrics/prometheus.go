package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// help documents the metric names the core emits, following the original
// collector's naming (rustlb_* renamed to lbcore_*).
var help = map[string]struct {
	text string
	kind string
}{
	"lbcore_requests_total":              {"Total number of L7 requests processed", "counter"},
	"lbcore_request_duration_seconds":    {"Request duration in seconds", "histogram"},
	"lbcore_active_connections":          {"Currently open connections per frontend", "gauge"},
	"lbcore_backend_health":              {"Backend server health (1=healthy, 0=unhealthy)", "gauge"},
	"lbcore_bytes_total":                 {"Bytes transferred through the proxy", "counter"},
	"lbcore_connections_total":           {"Total connections accepted per frontend/backend", "counter"},
	"lbcore_health_checks_total":         {"Total active health check probes", "counter"},
}

// Handler returns an http.Handler serving the sink's current state in
// Prometheus text exposition format.
func (s *Sink) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		s.WriteTo(w)
	})
}

// WriteTo renders every registered metric in Prometheus text format.
func (s *Sink) WriteTo(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range sortedNames(s.counters) {
		writeHelp(w, name, "counter")
		for _, c := range sortedByLabel(s.counters[name]) {
			fmt.Fprintf(w, "%s%s %d\n", name, formatLabels(c.labels), c.value.Load())
		}
	}

	for _, name := range sortedNames(s.gauges) {
		writeHelp(w, name, "gauge")
		for _, g := range sortedByLabel(s.gauges[name]) {
			fmt.Fprintf(w, "%s%s %d\n", name, formatLabels(g.labels), g.value.Load())
		}
	}

	for _, name := range sortedNames(s.histograms) {
		writeHelp(w, name, "histogram")
		for _, h := range sortedHistogramsByLabel(s.histograms[name]) {
			h.mu.Lock()
			// h.counts[i] already holds the cumulative count of
			// observations <= h.buckets[i]; ObserveHistogram increments
			// every satisfied bucket on each call, so no re-accumulation
			// is needed here.
			for i, bound := range h.buckets {
				fmt.Fprintf(w, "%s_bucket%s %d\n", name, formatLabelsWithExtra(h.labels, "le", formatFloat(bound)), h.counts[i])
			}
			fmt.Fprintf(w, "%s_bucket%s %d\n", name, formatLabelsWithExtra(h.labels, "le", "+Inf"), h.count)
			fmt.Fprintf(w, "%s_sum%s %g\n", name, formatLabels(h.labels), h.sum)
			fmt.Fprintf(w, "%s_count%s %d\n", name, formatLabels(h.labels), h.count)
			h.mu.Unlock()
		}
	}
}

func writeHelp(w io.Writer, name, kind string) {
	if meta, ok := help[name]; ok {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, meta.text, name, meta.kind)
		return
	}
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
}

func sortedNames[V any](m map[string]map[labelKey]V) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func sortedByLabel[V any](byLabel map[labelKey]V) []V {
	keys := make([]labelKey, 0, len(byLabel))
	for k := range byLabel {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		out = append(out, byLabel[k])
	}
	return out
}

func sortedHistogramsByLabel(byLabel map[labelKey]*histogram) []*histogram {
	return sortedByLabel(byLabel)
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%s=%q", n, sanitize(labels[n])))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func formatLabelsWithExtra(labels map[string]string, extraKey, extraValue string) string {
	merged := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		merged[k] = v
	}
	merged[extraKey] = extraValue
	return formatLabels(merged)
}

func sanitize(v string) string {
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}
