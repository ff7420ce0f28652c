package scoring

import "math"

// roundToPrecision rounds to the given number of decimal digits with ties
// going to the even neighbour, so systematic .5 boundaries do not drift
// scores upward. Only the final task score is rounded; intermediate values
// stay exact.
func roundToPrecision(x float64, digits int) float64 {
	if digits < 0 {
		digits = 0
	}
	shift := math.Pow(10, float64(digits))
	return math.RoundToEven(x*shift) / shift
}
