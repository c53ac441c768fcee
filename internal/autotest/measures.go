package autotest

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ConsumptionSample is one (power, voltage, current) consumption frame.
type ConsumptionSample struct {
	Power, Voltage, Current float64
}

// RadioSample is one (channel, rssi_dBm) radio frame.
type RadioSample struct {
	Channel, RSSI int
}

// ExtractedMeasures groups a raw measurement-frame list by kind.
type ExtractedMeasures struct {
	Consumption struct {
		Values     []ConsumptionSample
		Timestamps []float64
	}
	Radio struct {
		Values     []RadioSample
		Timestamps []float64
	}
}

// ExtractMeasures groups the raw measures_debug frames captured by the
// control-node measurement sink by kind, preserving input order within each
// kind and dropping unrecognized kinds. Each frame is the tokenized form of
// "measures_debug <kind> <timestamp> <field...>".
func ExtractMeasures(frames [][]string, log *zap.Logger) ExtractedMeasures {
	var out ExtractedMeasures

	for _, f := range frames {
		if len(f) < 3 {
			continue
		}
		kind := strings.TrimSuffix(f[1], ":")
		ts, err := strconv.ParseFloat(f[2], 64)
		if err != nil {
			continue
		}

		switch kind {
		case "consumption_measure":
			if len(f) < 6 {
				continue
			}
			p, errP := strconv.ParseFloat(f[3], 64)
			v, errV := strconv.ParseFloat(f[4], 64)
			c, errC := strconv.ParseFloat(f[5], 64)
			if errP != nil || errV != nil || errC != nil {
				continue
			}
			out.Consumption.Values = append(out.Consumption.Values, ConsumptionSample{p, v, c})
			out.Consumption.Timestamps = append(out.Consumption.Timestamps, ts)

		case "radio_measure":
			if len(f) < 5 {
				continue
			}
			ch, errCh := strconv.Atoi(f[3])
			rssi, errRssi := strconv.Atoi(f[4])
			if errCh != nil || errRssi != nil {
				continue
			}
			out.Radio.Values = append(out.Radio.Values, RadioSample{ch, rssi})
			out.Radio.Timestamps = append(out.Radio.Timestamps, ts)

		default:
			if log != nil {
				log.Debug("unhandled measurement kind", zap.String("kind", kind))
			}
		}
	}

	return out
}

// indexAfter returns the first index i such that timestamps[i] > e, or
// len(timestamps) if none does. This is the "ordered search" primitive the
// LED-consumption correlation test needs: the contract is "first index with
// key strictly greater than e".
func indexAfter(timestamps []float64, e float64) int {
	return sort.Search(len(timestamps), func(i int) bool { return timestamps[i] > e })
}

// ValueAfter returns values[min(indexAfter(timestamps, e), len(values)-1)],
// or NaN when that index would be out of range (e.g. no samples were
// collected at all). It never panics.
func ValueAfter(timestamps []float64, values []float64, e float64) float64 {
	idx := indexAfter(timestamps, e)
	if idx > len(values)-1 {
		idx = len(values) - 1
	}
	if idx < 0 || idx >= len(values) {
		return math.NaN()
	}
	return values[idx]
}
