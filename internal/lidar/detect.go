package lidar

import (
	"math"
	"sort"
)

// DetectorParams tunes the person-cluster detector.
type DetectorParams struct {
	// MinDistance / MaxDistance bound the band in which a standing person is
	// plausible.
	MinDistance float64
	MaxDistance float64

	// Eps is the DBSCAN neighbourhood radius; MinPts the density floor.
	Eps    float64
	MinPts int

	// MinSpan / MaxSpan bound the width of a cluster that reads as a person
	// (legs to shoulders) rather than a wall segment or a chair leg.
	MinSpan float64
	MaxSpan float64
}

// DefaultDetectorParams matches an indoor lobby at walking pace.
func DefaultDetectorParams() DetectorParams {
	return DetectorParams{
		MinDistance: 0.3,
		MaxDistance: 2.0,
		Eps:         0.15,
		MinPts:      3,
		MinSpan:     0.10,
		MaxSpan:     1.2,
	}
}

// Detection is a person candidate in the sensor frame: centroid position,
// cluster width, and supporting point count.
type Detection struct {
	X, Y   float64
	Span   float64
	Points int
}

// Distance returns the planar range from the sensor to the detection.
func (d Detection) Distance() float64 {
	return math.Hypot(d.X, d.Y)
}

// Detector finds person-shaped clusters in scans.
type Detector struct {
	params DetectorParams
}

// NewDetector creates a detector with the given parameters.
func NewDetector(params DetectorParams) *Detector {
	return &Detector{params: params}
}

// Detect returns the nearest person-shaped cluster, or false when the scan
// holds none.
func (d *Detector) Detect(scan Scan) (Detection, bool) {
	// Band-pass the scan and project to Cartesian sensor frame.
	var xs, ys []float64
	for _, p := range scan {
		if p.Distance < d.params.MinDistance || p.Distance > d.params.MaxDistance {
			continue
		}
		x, y := p.Cartesian()
		xs = append(xs, x)
		ys = append(ys, y)
	}
	if len(xs) < d.params.MinPts {
		return Detection{}, false
	}

	clusters := clusterXY(xs, ys, d.params.Eps, d.params.MinPts)

	var candidates []Detection
	for _, idxs := range clusters {
		det := clusterMetrics(xs, ys, idxs)
		if det.Span >= d.params.MinSpan && det.Span <= d.params.MaxSpan {
			candidates = append(candidates, det)
		}
	}
	if len(candidates) == 0 {
		return Detection{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Distance() < candidates[j].Distance()
	})
	return candidates[0], true
}

// clusterXY is planar DBSCAN over parallel coordinate slices. Labels:
// 0 unvisited, -1 noise, >0 cluster id.
func clusterXY(xs, ys []float64, eps float64, minPts int) [][]int {
	n := len(xs)
	labels := make([]int, n)
	clusterID := 0

	regionQuery := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if math.Hypot(xs[j]-xs[i], ys[j]-ys[i]) <= eps {
				out = append(out, j)
			}
		}
		return out
	}

	for i := 0; i < n; i++ {
		if labels[i] != 0 {
			continue
		}
		neighbors := regionQuery(i)
		if len(neighbors) < minPts {
			labels[i] = -1
			continue
		}

		clusterID++
		labels[i] = clusterID

		// Queue-based expansion; noise points become border points.
		for j := 0; j < len(neighbors); j++ {
			idx := neighbors[j]
			if labels[idx] == -1 {
				labels[idx] = clusterID
			}
			if labels[idx] != 0 {
				continue
			}
			labels[idx] = clusterID
			more := regionQuery(idx)
			if len(more) >= minPts {
				neighbors = append(neighbors, more...)
			}
		}
	}

	clusters := make([][]int, 0, clusterID)
	for cid := 1; cid <= clusterID; cid++ {
		var idxs []int
		for i, l := range labels {
			if l == cid {
				idxs = append(idxs, i)
			}
		}
		if len(idxs) > 0 {
			clusters = append(clusters, idxs)
		}
	}
	return clusters
}

func clusterMetrics(xs, ys []float64, idxs []int) Detection {
	var sumX, sumY float64
	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, i := range idxs {
		sumX += xs[i]
		sumY += ys[i]
		minX = math.Min(minX, xs[i])
		maxX = math.Max(maxX, xs[i])
		minY = math.Min(minY, ys[i])
		maxY = math.Max(maxY, ys[i])
	}
	n := float64(len(idxs))
	return Detection{
		X:      sumX / n,
		Y:      sumY / n,
		Span:   math.Hypot(maxX-minX, maxY-minY),
		Points: len(idxs),
	}
}

// ObstaclePoints returns the Cartesian sensor-frame points of a scan closer
// than the given range, for the motion controller's path checks.
func ObstaclePoints(scan Scan, within float64) [][2]float64 {
	var out [][2]float64
	for _, p := range scan {
		if p.Distance <= within {
			x, y := p.Cartesian()
			out = append(out, [2]float64{x, y})
		}
	}
	return out
}
