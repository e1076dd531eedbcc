package lidar

import (
	"fmt"
	"math"
	"sync"

	"github.com/relaybot-data/relaybot/internal/gridmap"
	"github.com/relaybot-data/relaybot/internal/pose"
)

// SimSource serves scripted scans. The delivery scenario tests drive it; it
// also backs bench runs without the sensor attached.
type SimSource struct {
	mu    sync.Mutex
	queue []Scan
	// Generate, when set, produces a scan whenever the queue is empty.
	Generate func() Scan
	closed   bool
}

// NewSimSource creates an empty simulated source.
func NewSimSource() *SimSource {
	return &SimSource{}
}

// Push queues one scan to be returned by a future Scan call.
func (s *SimSource) Push(scan Scan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, scan)
}

func (s *SimSource) Scan() (Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("sim lidar closed")
	}
	if len(s.queue) > 0 {
		scan := s.queue[0]
		s.queue = s.queue[1:]
		return scan, nil
	}
	if s.Generate != nil {
		return s.Generate(), nil
	}
	return nil, fmt.Errorf("sim lidar has no scan queued")
}

func (s *SimSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SynthesizeScan ray-casts a map from a pose into an n-ray revolution,
// producing the scan a perfect sensor would see there.
func SynthesizeScan(m *gridmap.Map, at pose.Pose, n int, maxRange float64) Scan {
	scan := make(Scan, 0, n)
	for i := 0; i < n; i++ {
		angle := 2 * math.Pi * float64(i) / float64(n)
		dist := m.RayCast(at, pose.NormalizeAngle(at.Theta+angle), maxRange)
		if dist >= maxRange {
			continue // no return
		}
		scan = append(scan, pose.ScanPoint{Distance: dist, Angle: angle, Intensity: 200})
	}
	return scan
}

// PersonScan builds a scan containing a person-shaped cluster at the given
// sensor-frame position, for detector and scenario tests.
func PersonScan(x, y float64) Scan {
	var scan Scan
	baseAngle := math.Atan2(y, x)
	dist := math.Hypot(x, y)
	// A torso at this range subtends a handful of adjacent beams.
	for i := -3; i <= 3; i++ {
		a := baseAngle + float64(i)*0.02
		if a < 0 {
			a += 2 * math.Pi
		}
		scan = append(scan, pose.ScanPoint{
			Distance:  dist + 0.01*math.Abs(float64(i)),
			Angle:     a,
			Intensity: 180,
		})
	}
	return scan
}
