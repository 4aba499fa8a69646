package extract

import (
	"encoding/json"
	"math"
	"sort"
	"time"
)

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func minMax(xs []float64) (min, max float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	min, max = xs[0], xs[0]
	for _, x := range xs[1:] {
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}
	return min, max
}

// segmentByDirection splits xs into runs separated by a sign change in consecutive
// differences, dropping runs shorter than minPoints. Used to split gate
// sweeps at forward/backward direction changes.
func segmentByDirection(xs []float64, minPoints int) [][2]int {
	if len(xs) < 2 {
		return nil
	}
	var segments [][2]int
	start := 0
	sign := 0
	for i := 1; i < len(xs); i++ {
		d := xs[i] - xs[i-1]
		s := 0
		switch {
		case d > 0:
			s = 1
		case d < 0:
			s = -1
		}
		if s == 0 {
			continue
		}
		if sign == 0 {
			sign = s
			continue
		}
		if s != sign {
			if i-start >= minPoints {
				segments = append(segments, [2]int{start, i})
			}
			start = i - 1
			sign = s
		}
	}
	if len(xs)-start >= minPoints {
		segments = append(segments, [2]int{start, len(xs)})
	}
	return segments
}

// findPeaks returns indices of local maxima in ys whose prominence is at
// least minProminence. A simple prominence definition is used: the drop to
// the nearest higher point on either side (or the segment boundary),
// sufficient for the single-peak-per-sweep case this engine extracts.
func findPeaks(ys []float64, minProminence float64) []int {
	var peaks []int
	for i := 1; i < len(ys)-1; i++ {
		if ys[i] <= ys[i-1] || ys[i] <= ys[i+1] {
			continue
		}
		leftMin := ys[i]
		for j := i - 1; j >= 0 && ys[j] <= ys[i]; j-- {
			if ys[j] < leftMin {
				leftMin = ys[j]
			}
		}
		rightMin := ys[i]
		for j := i + 1; j < len(ys) && ys[j] <= ys[i]; j++ {
			if ys[j] < rightMin {
				rightMin = ys[j]
			}
		}
		base := leftMin
		if rightMin > base {
			base = rightMin
		}
		prominence := ys[i] - base
		if prominence >= minProminence {
			peaks = append(peaks, i)
		}
	}
	return peaks
}

// singleLinkageClusters groups 1-D values using single-linkage agglomerative
// clustering: sort, then split wherever the gap to the next value exceeds
// threshold. This is equivalent to single-linkage clustering in one
// dimension and avoids pulling in a general clustering library for a
// problem this constrained.
func singleLinkageClusters(values []float64, threshold float64) [][]float64 {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var clusters [][]float64
	current := []float64{sorted[0]}
	for _, v := range sorted[1:] {
		if v-current[len(current)-1] <= threshold {
			current = append(current, v)
		} else {
			clusters = append(clusters, current)
			current = []float64{v}
		}
	}
	clusters = append(clusters, current)
	return clusters
}

func timestampNow() time.Time { return time.Now().UTC() }
