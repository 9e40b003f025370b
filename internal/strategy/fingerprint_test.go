package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDimensionsMD5KeyOrderInvariant(t *testing.T) {
	a := DimensionsMD5(map[string]string{"host": "a", "port": "80", "zone": "gz"})
	b := DimensionsMD5(map[string]string{"zone": "gz", "host": "a", "port": "80"})
	assert.Equal(t, a, b)

	c := DimensionsMD5(map[string]string{"host": "b", "port": "80", "zone": "gz"})
	assert.NotEqual(t, a, c)
}

func TestDimensionsMD5Empty(t *testing.T) {
	assert.Equal(t, DimensionsMD5(nil), DimensionsMD5(map[string]string{}))
}

func TestGroupFingerprintNormalisation(t *testing.T) {
	base := &QueryConfig{
		DataSource:    "bk_monitor",
		Table:         "system.cpu",
		MetricField:   "usage",
		AggInterval:   60,
		AggDimensions: []string{"host", "zone"},
		Conditions: []Condition{
			{Key: "zone", Method: "eq", Value: []string{"gz", "sh"}},
			{Key: "env", Method: "eq", Value: []string{"prod"}},
		},
	}
	shuffled := &QueryConfig{
		DataSource:    "bk_monitor",
		Table:         "system.cpu",
		MetricField:   "usage",
		AggInterval:   60,
		AggDimensions: []string{"zone", "host"},
		Conditions: []Condition{
			{Key: "env", Method: "eq", Value: []string{"prod"}},
			{Key: "zone", Method: "eq", Value: []string{"sh", "gz"}},
		},
	}
	assert.Equal(t, GroupFingerprint(2, base), GroupFingerprint(2, shuffled))

	// a different business never coalesces
	assert.NotEqual(t, GroupFingerprint(2, base), GroupFingerprint(3, base))

	// a different interval never coalesces
	other := *base
	other.AggInterval = 300
	assert.NotEqual(t, GroupFingerprint(2, base), GroupFingerprint(2, &other))
}
