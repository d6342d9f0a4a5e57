package cluster

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// kmeans runs Lloyd's algorithm from restarts k-means++ initializations and
// returns the labels of the run with the lowest inertia.
func kmeans(points [][]float64, k, restarts, maxIter int, rng *rand.Rand) []int {
	n := len(points)
	if n == 0 {
		return nil
	}
	if k > n {
		k = n
	}
	if restarts < 1 {
		restarts = 1
	}

	var best []int
	bestInertia := math.Inf(1)
	for range restarts {
		centers := seedCenters(points, k, rng)
		labels, inertia := lloyd(points, centers, maxIter)
		if inertia < bestInertia {
			bestInertia = inertia
			best = labels
		}
	}
	return best
}

// seedCenters picks k initial centers with k-means++ weighting.
func seedCenters(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(points)
	centers := make([][]float64, 0, k)
	centers = append(centers, clone(points[rng.IntN(n)]))

	d2 := make([]float64, n)
	for len(centers) < k {
		var total float64
		for i, p := range points {
			d2[i] = math.Inf(1)
			for _, c := range centers {
				d2[i] = math.Min(d2[i], sqDist(p, c))
			}
			total += d2[i]
		}

		next := 0
		if total > 0 {
			r := rng.Float64() * total
			for i, d := range d2 {
				r -= d
				if r <= 0 {
					next = i
					break
				}
				next = i
			}
		} else {
			next = rng.IntN(n)
		}
		centers = append(centers, clone(points[next]))
	}
	return centers
}

// lloyd alternates assignment and update steps until labels stop changing.
func lloyd(points [][]float64, centers [][]float64, maxIter int) ([]int, float64) {
	n, k := len(points), len(centers)
	dim := len(points[0])
	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}

	for range maxIter {
		changed := false
		for i, p := range points {
			l := nearest(p, centers)
			if l != labels[i] {
				labels[i] = l
				changed = true
			}
		}
		if !changed {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, p := range points {
			floats.Add(sums[labels[i]], p)
			counts[labels[i]]++
		}
		for c := range centers {
			if counts[c] == 0 {
				continue
			}
			floats.Scale(1/float64(counts[c]), sums[c])
			centers[c] = sums[c]
		}
	}

	var inertia float64
	for i, p := range points {
		inertia += sqDist(p, centers[labels[i]])
	}
	return labels, inertia
}

func nearest(p []float64, centers [][]float64) int {
	best, bestD := 0, math.Inf(1)
	for c, center := range centers {
		if d := sqDist(p, center); d < bestD {
			best, bestD = c, d
		}
	}
	return best
}

func sqDist(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}

func clone(p []float64) []float64 {
	return append([]float64(nil), p...)
}
