package perfmonitor

import (
	"github.com/c360studio/taskmesh/mesh"
)

// sampleRing is a fixed-capacity ring of samples. Once full, each push
// overwrites the oldest entry.
type sampleRing struct {
	buf   []mesh.Sample
	start int
	count int
}

func newSampleRing(capacity int) *sampleRing {
	return &sampleRing{buf: make([]mesh.Sample, capacity)}
}

func (r *sampleRing) push(s mesh.Sample) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = s
		r.count++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *sampleRing) len() int { return r.count }

// snapshot returns the retained samples oldest first.
func (r *sampleRing) snapshot() []mesh.Sample {
	out := make([]mesh.Sample, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// last returns up to n most recent samples, oldest of those first.
func (r *sampleRing) last(n int) []mesh.Sample {
	if n > r.count {
		n = r.count
	}
	out := make([]mesh.Sample, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+r.count-n+i)%len(r.buf)]
	}
	return out
}

func (r *sampleRing) latest() (mesh.Sample, bool) {
	if r.count == 0 {
		return mesh.Sample{}, false
	}
	return r.buf[(r.start+r.count-1)%len(r.buf)], true
}

// fieldValue extracts the named metric from a sample.
func fieldValue(s mesh.Sample, field mesh.MetricField) (float64, bool) {
	switch field {
	case mesh.MetricCPU:
		return s.CPU, true
	case mesh.MetricMemory:
		return s.Memory, true
	case mesh.MetricLatency:
		return s.LatencyMs, true
	case mesh.MetricErrorRate:
		return s.ErrorRate, true
	case mesh.MetricThroughput:
		return s.Throughput, true
	default:
		return 0, false
	}
}

// slope fits a least-squares line over the values at x = 0, 1, 2, ... and
// returns its gradient.
func slope(values []float64) float64 {
	n := float64(len(values))
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// slopeEpsilon absorbs float noise when classifying a flat series.
const slopeEpsilon = 1e-9

// classifyTrend maps a slope to a trend with the field's polarity:
// throughput improves when rising, every other metric improves when falling.
func classifyTrend(field mesh.MetricField, gradient float64) mesh.Trend {
	if gradient > -slopeEpsilon && gradient < slopeEpsilon {
		return mesh.TrendStable
	}
	if field == mesh.MetricThroughput {
		if gradient > 0 {
			return mesh.TrendImproving
		}
		return mesh.TrendDegrading
	}
	if gradient < 0 {
		return mesh.TrendImproving
	}
	return mesh.TrendDegrading
}
