package gridmap

import (
	"encoding/json"
	"fmt"
	"os"
)

// Spec is the on-disk map description.
//
// Obstacles are axis-aligned rectangles or polygons in world coordinates.
// Every obstacle must lie inside the map extent; loading rejects anything
// else so a typo in a map file fails at startup instead of mid-delivery.
type Spec struct {
	Resolution float64    `json:"resolution"` // metres per cell
	Width      float64    `json:"width"`      // metres
	Height     float64    `json:"height"`     // metres
	Origin     Point      `json:"origin"`
	Obstacles  []Obstacle `json:"obstacles"`
}

// Point is a world coordinate pair in a map file.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Obstacle is one tagged obstacle entry.
type Obstacle struct {
	Type string `json:"type"` // "rect" or "polygon"

	// rect fields
	X float64 `json:"x,omitempty"`
	Y float64 `json:"y,omitempty"`
	W float64 `json:"w,omitempty"`
	H float64 `json:"h,omitempty"`

	// polygon field
	Points []Point `json:"points,omitempty"`
}

// contains reports whether a world point lies inside the obstacle.
func (o *Obstacle) contains(x, y float64) bool {
	switch o.Type {
	case "rect":
		return x >= o.X && x <= o.X+o.W && y >= o.Y && y <= o.Y+o.H
	case "polygon":
		return pointInPolygon(x, y, o.Points)
	}
	return false
}

// pointInPolygon is the even-odd crossing rule.
func pointInPolygon(x, y float64, pts []Point) bool {
	inside := false
	n := len(pts)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		if (pts[i].Y > y) != (pts[j].Y > y) &&
			x < (pts[j].X-pts[i].X)*(y-pts[i].Y)/(pts[j].Y-pts[i].Y)+pts[i].X {
			inside = !inside
		}
	}
	return inside
}

// Validate rejects specs a correct map file cannot carry.
func (s *Spec) Validate() error {
	if s.Resolution <= 0 {
		return fmt.Errorf("map resolution must be positive, got %g", s.Resolution)
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("map extent must be positive, got %gx%g", s.Width, s.Height)
	}
	maxX := s.Origin.X + s.Width
	maxY := s.Origin.Y + s.Height

	for i := range s.Obstacles {
		o := &s.Obstacles[i]
		switch o.Type {
		case "rect":
			if o.W <= 0 || o.H <= 0 {
				return fmt.Errorf("obstacle %d: rect dimensions must be positive", i)
			}
			if o.X < s.Origin.X || o.Y < s.Origin.Y || o.X+o.W > maxX || o.Y+o.H > maxY {
				return fmt.Errorf("obstacle %d: rect outside map extent", i)
			}
		case "polygon":
			if len(o.Points) < 3 {
				return fmt.Errorf("obstacle %d: polygon needs at least 3 points", i)
			}
			for _, p := range o.Points {
				if p.X < s.Origin.X || p.Y < s.Origin.Y || p.X > maxX || p.Y > maxY {
					return fmt.Errorf("obstacle %d: polygon point (%g, %g) outside map extent", i, p.X, p.Y)
				}
			}
		default:
			return fmt.Errorf("obstacle %d: unknown type %q", i, o.Type)
		}
	}
	return nil
}

// Load reads, validates, and rasterises a map file.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read map file: %w", err)
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse map file %s: %w", path, err)
	}
	return FromSpec(&spec)
}

// FromSpec validates and rasterises an in-memory spec. Tests build maps this
// way without touching disk.
func FromSpec(spec *Spec) (*Map, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid map: %w", err)
	}
	return build(spec)
}
