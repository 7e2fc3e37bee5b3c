package media

// Playback rate bounds. Rates outside this range are clamped, never
// rejected.
const (
	RateMin = 0.25
	RateMax = 4.0
)

// ClampRate bounds r to the supported playback-rate range. Non-positive
// and NaN-ish inputs collapse to RateMin.
func ClampRate(r float64) float64 {
	if !(r > RateMin) { // catches NaN as well
		return RateMin
	}
	if r > RateMax {
		return RateMax
	}
	return r
}
