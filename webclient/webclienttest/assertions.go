package webclienttest

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MetricValue finds the first series of name whose labels include want.
// Histograms report their sample count.
func MetricValue(g prometheus.Gatherer, name string, want map[string]string) (float64, error) {
	families, err := g.Gather()
	if err != nil {
		return 0, fmt.Errorf("gather: %w", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !hasLabels(m.GetLabel(), want) {
				continue
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue(), nil
			}
			if gv := m.GetGauge(); gv != nil {
				return gv.GetValue(), nil
			}
			if h := m.GetHistogram(); h != nil {
				return float64(h.GetSampleCount()), nil
			}
		}
	}
	return 0, fmt.Errorf("no series %s%v", name, want)
}

func hasLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; ok {
			if v != p.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(want)
}

// AssertMetric stops the test when the series is missing and reports a
// mismatch otherwise.
func AssertMetric(t testing.TB, g prometheus.Gatherer, name string, labels map[string]string, want float64) {
	t.Helper()
	got, err := MetricValue(g, name, labels)
	require.NoError(t, err)
	assert.Equal(t, want, got, "%s%v", name, labels)
}
