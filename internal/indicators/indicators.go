// Package indicators implements the windowed and recursive series math used
// by the processor and strategies. All functions return slices aligned to
// their input; positions without a full window are NaN.
package indicators

import "math"

// SMA returns the simple moving average over the trailing p points. A window
// containing NaN yields NaN.
func SMA(x []float64, p int) []float64 {
	if p <= 0 {
		return nil
	}
	out := nanSlice(len(x))
	for i := p - 1; i < len(x); i++ {
		var sum float64
		ok := true
		for _, v := range x[i-p+1 : i+1] {
			if math.IsNaN(v) {
				ok = false
				break
			}
			sum += v
		}
		if ok {
			out[i] = sum / float64(p)
		}
	}
	return out
}

// RollingStd returns the sample standard deviation (n-1 denominator) over
// the trailing p points. A window containing NaN yields NaN.
func RollingStd(x []float64, p int) []float64 {
	if p <= 1 {
		return nanSlice(len(x))
	}
	out := nanSlice(len(x))
	for i := p - 1; i < len(x); i++ {
		w := x[i-p+1 : i+1]
		if hasNaN(w) {
			continue
		}
		out[i] = sampleStd(w)
	}
	return out
}

// EMA returns the recursively smoothed average with alpha = 2/(p+1), seeded
// with the first observation:
//
//	ema[0] = x[0]
//	ema[t] = alpha*x[t] + (1-alpha)*ema[t-1]
//
// A NaN input carries the previous value forward.
func EMA(x []float64, p int) []float64 {
	if p <= 0 {
		return nil
	}
	out := make([]float64, len(x))
	alpha := 2.0 / float64(p+1)
	prev := math.NaN()
	for i, v := range x {
		switch {
		case math.IsNaN(v):
			out[i] = prev
			continue
		case math.IsNaN(prev):
			prev = v
		default:
			prev = alpha*v + (1-alpha)*prev
		}
		out[i] = prev
	}
	return out
}

// PctChange returns x[i]/x[i-lag] - 1. The first lag positions are NaN.
func PctChange(x []float64, lag int) []float64 {
	out := nanSlice(len(x))
	if lag <= 0 {
		return out
	}
	for i := lag; i < len(x); i++ {
		out[i] = x[i]/x[i-lag] - 1
	}
	return out
}

// Log1p applies math.Log1p element-wise.
func Log1p(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = math.Log1p(v)
	}
	return out
}

// Mean returns the mean of the non-NaN values, or NaN when there are none.
func Mean(x []float64) float64 {
	var sum float64
	var n int
	for _, v := range x {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// Std returns the sample standard deviation of the non-NaN values, or NaN
// when fewer than two are present.
func Std(x []float64) float64 {
	clean := make([]float64, 0, len(x))
	for _, v := range x {
		if !math.IsNaN(v) {
			clean = append(clean, v)
		}
	}
	return sampleStd(clean)
}

// Max returns the largest non-NaN value, or NaN when there are none.
func Max(x ...float64) float64 {
	out := math.NaN()
	for _, v := range x {
		if math.IsNaN(v) {
			continue
		}
		if math.IsNaN(out) || v > out {
			out = v
		}
	}
	return out
}

// Min returns the smallest non-NaN value, or NaN when there are none.
func Min(x ...float64) float64 {
	out := math.NaN()
	for _, v := range x {
		if math.IsNaN(v) {
			continue
		}
		if math.IsNaN(out) || v < out {
			out = v
		}
	}
	return out
}

// Clip bounds v to [lo, hi]. NaN stays NaN.
func Clip(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sampleStd(x []float64) float64 {
	n := len(x)
	if n < 2 {
		return math.NaN()
	}
	var sum float64
	for _, v := range x {
		sum += v
	}
	m := sum / float64(n)
	var ss float64
	for _, v := range x {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

func hasNaN(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
