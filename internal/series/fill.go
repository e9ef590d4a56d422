package series

import "math"

// FillPercent converts a distance reading (sensor to water surface) into the
// fill level of a vessel of the given height, clamped to [0, 100]. It
// reports false when height is not a positive finite number.
func FillPercent(height, distance float64) (float64, bool) {
	if !ValidHeight(height) || math.IsNaN(distance) {
		return 0, false
	}
	f := ((height - distance) / height) * 100
	return math.Max(0, math.Min(100, f)), true
}

// FillSeries derives one fill entry per distance entry.
func FillSeries(height float64, distance []Entry) []Entry {
	if !ValidHeight(height) {
		return nil
	}
	out := make([]Entry, 0, len(distance))
	for _, e := range distance {
		f, ok := FillPercent(height, e.Value)
		if !ok {
			continue
		}
		out = append(out, Entry{Timestamp: e.Timestamp, Value: f})
	}
	return out
}

func ValidHeight(height float64) bool {
	return height > 0 && !math.IsInf(height, 1)
}
