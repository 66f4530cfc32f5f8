package quoting

import "math"

// DefaultVolatilityWindow is the window size used by the core's two
// VolatilityEstimator instances (LOBManager's relative one and the Quoter's
// private absolute one) unless overridden.
const DefaultVolatilityWindow = 30

// VolatilityEstimator is a fixed-capacity ring buffer over the last N mid
// samples, maintaining running sum and sum-of-squares so Update is O(1).
//
// During warmup (fewer than N samples observed), the "departing" sample is
// treated as 0 rather than reading from an unwritten slot, and the mean/
// variance divide by the number of samples seen so far (count), not by the
// fixed window N. This matches the reference estimator's deque pre-filled
// with N zeros.
type VolatilityEstimator struct {
	n      int
	buffer []float64
	head   int
	count  int
	sum    float64
	sumSq  float64
}

// NewVolatilityEstimator creates an estimator with the given window size.
func NewVolatilityEstimator(window int) *VolatilityEstimator {
	if window <= 0 {
		window = DefaultVolatilityWindow
	}
	return &VolatilityEstimator{
		n:      window,
		buffer: make([]float64, window),
	}
}

// Update folds in a new sample and returns the current standard deviation.
func (v *VolatilityEstimator) Update(x float64) float64 {
	var xOld float64
	if v.count < v.n {
		xOld = 0.0
		v.count++
	} else {
		xOld = v.buffer[v.head]
	}

	v.buffer[v.head] = x
	v.head = (v.head + 1) % v.n

	v.sum += x - xOld
	v.sumSq += x*x - xOld*xOld

	mean := v.sum / float64(v.count)
	variance := v.sumSq/float64(v.count) - mean*mean
	if variance < 0 || math.IsNaN(variance) || math.IsInf(variance, 0) {
		variance = 0
	}
	return math.Sqrt(variance)
}

// Count returns the number of samples observed so far (caps at the window).
func (v *VolatilityEstimator) Count() int {
	return v.count
}
