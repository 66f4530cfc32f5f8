package quoting

import "github.com/shopspring/decimal"

// RoundStep rounds x down to the nearest multiple of step using decimal-exact
// arithmetic (x - x mod step), avoiding the binary-float drift that a plain
// math.Mod-based rounding would introduce at tick boundaries. step <= 0 is
// treated as "no rounding."
func RoundStep(x, step float64) float64 {
	if step <= 0 {
		return x
	}
	dx := decimal.NewFromFloat(x)
	ds := decimal.NewFromFloat(step)
	mod := dx.Mod(ds)
	result, _ := dx.Sub(mod).Float64()
	return result
}
