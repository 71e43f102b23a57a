package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncCounterAccumulatesPerLabelSet(t *testing.T) {
	s := New()
	s.IncCounter("lbcore_requests_total", map[string]string{"frontend": "web", "status": "200"}, 1)
	s.IncCounter("lbcore_requests_total", map[string]string{"frontend": "web", "status": "200"}, 1)
	s.IncCounter("lbcore_requests_total", map[string]string{"frontend": "web", "status": "500"}, 1)

	var out strings.Builder
	s.WriteTo(&out)

	text := out.String()
	assert.Contains(t, text, `lbcore_requests_total{frontend="web",status="200"} 2`)
	assert.Contains(t, text, `lbcore_requests_total{frontend="web",status="500"} 1`)
}

func TestSetGaugeOverwritesValue(t *testing.T) {
	s := New()
	s.SetGauge("lbcore_active_connections", map[string]string{"frontend": "web"}, 5)
	s.SetGauge("lbcore_active_connections", map[string]string{"frontend": "web"}, 3)

	var out strings.Builder
	s.WriteTo(&out)
	assert.Contains(t, out.String(), `lbcore_active_connections{frontend="web"} 3`)
}

func TestAddGaugeIsRelative(t *testing.T) {
	s := New()
	s.AddGauge("lbcore_active_connections", map[string]string{"frontend": "web"}, 5)
	s.AddGauge("lbcore_active_connections", map[string]string{"frontend": "web"}, -2)

	var out strings.Builder
	s.WriteTo(&out)
	assert.Contains(t, out.String(), `lbcore_active_connections{frontend="web"} 3`)
}

func TestObserveHistogramBucketsAreCumulative(t *testing.T) {
	s := New()
	labels := map[string]string{"frontend": "web"}
	s.ObserveHistogram("lbcore_request_duration_seconds", labels, 0.002)
	s.ObserveHistogram("lbcore_request_duration_seconds", labels, 0.2)
	s.ObserveHistogram("lbcore_request_duration_seconds", labels, 20)

	var out strings.Builder
	s.WriteTo(&out)
	text := out.String()

	require.Contains(t, text, `lbcore_request_duration_seconds_count{frontend="web"} 3`)
	assert.Contains(t, text, `le="+Inf"`)
	assert.Contains(t, text, `lbcore_request_duration_seconds_bucket{frontend="web",le="0.005"} 1`)
}

func TestMetricsWithNoLabelsRenderBareName(t *testing.T) {
	s := New()
	s.IncCounter("lbcore_health_checks_total", nil, 4)

	var out strings.Builder
	s.WriteTo(&out)
	assert.Contains(t, out.String(), "lbcore_health_checks_total 4\n")
}

func TestHelpAndTypeLinesArePresentForKnownMetrics(t *testing.T) {
	s := New()
	s.IncCounter("lbcore_requests_total", nil, 1)

	var out strings.Builder
	s.WriteTo(&out)
	text := out.String()
	assert.Contains(t, text, "# HELP lbcore_requests_total")
	assert.Contains(t, text, "# TYPE lbcore_requests_total counter")
}
