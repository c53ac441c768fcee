package autotest

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractMeasuresGroupsByKind(t *testing.T) {
	frames := [][]string{
		{"measures_debug", "consumption_measure", "123.45", "1.0", "2.0", "3.0"},
		{"measures_debug", "radio_measure", "122.0", "22", "-91"},
		{"measures_debug", "consumption_measure", "124.0", "4.0", "5.0", "6.0"},
		{"measures_debug", "unhandled"},
	}

	out := ExtractMeasures(frames, nil)

	assert.Equal(t, []ConsumptionSample{{1.0, 2.0, 3.0}, {4.0, 5.0, 6.0}}, out.Consumption.Values)
	assert.Equal(t, []float64{123.45, 124.0}, out.Consumption.Timestamps)
	assert.Equal(t, []RadioSample{{22, -91}}, out.Radio.Values)
	assert.Equal(t, []float64{122.0}, out.Radio.Timestamps)
}

func TestExtractMeasuresEmpty(t *testing.T) {
	out := ExtractMeasures(nil, nil)
	assert.Empty(t, out.Consumption.Values)
	assert.Empty(t, out.Radio.Values)
}

func TestValueAfterPicksFirstStrictlyGreater(t *testing.T) {
	timestamps := []float64{1.0, 2.0, 3.0, 4.0}
	values := []float64{10, 20, 30, 40}

	assert.Equal(t, 20.0, ValueAfter(timestamps, values, 1.5))
	assert.Equal(t, 10.0, ValueAfter(timestamps, values, 0.0))
}

func TestValueAfterOutOfRangeIsNaN(t *testing.T) {
	timestamps := []float64{1.0, 2.0}
	values := []float64{}
	result := ValueAfter(timestamps, values, 0.5)
	assert.True(t, math.IsNaN(result))
}

func TestValueAfterClampsToLastValue(t *testing.T) {
	timestamps := []float64{1.0, 2.0, 3.0}
	values := []float64{10, 20}
	// e beyond all timestamps: indexAfter returns len(timestamps)=3,
	// clamped to len(values)-1=1.
	assert.Equal(t, 20.0, ValueAfter(timestamps, values, 10.0))
}
