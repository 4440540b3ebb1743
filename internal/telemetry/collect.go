package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// CounterValue reads one series of cv. labels must name every label of the
// vector; a series that was never incremented reads as 0.
func CounterValue(cv *prometheus.CounterVec, labels prometheus.Labels) float64 {
	c, err := cv.GetMetricWith(labels)
	if err != nil {
		return 0
	}
	return testutil.ToFloat64(c)
}

// PlainCounterValue reads an unlabelled counter.
func PlainCounterValue(c prometheus.Counter) float64 {
	return testutil.ToFloat64(c)
}
