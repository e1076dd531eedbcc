// Package gridmap holds the static occupancy grid the robot navigates
// against. The grid is built once from a map description and never mutated;
// planners work on derived inflated copies.
package gridmap

import (
	"fmt"
	"math"

	"github.com/relaybot-data/relaybot/internal/pose"
)

// Cell is the three-valued occupancy state of one grid cell.
type Cell uint8

const (
	CellFree Cell = iota
	CellOccupied
	CellUnknown
)

// Map is an immutable dense occupancy grid. Width and height are in cells;
// Origin is the world position of the (0,0) cell corner.
type Map struct {
	resolution float64
	originX    float64
	originY    float64
	cols       int
	rows       int
	cells      []Cell
}

// Resolution returns metres per cell.
func (m *Map) Resolution() float64 { return m.resolution }

// Size returns the grid dimensions in cells (cols, rows).
func (m *Map) Size() (int, int) { return m.cols, m.rows }

// Origin returns the world coordinates of the grid corner.
func (m *Map) Origin() (x, y float64) { return m.originX, m.originY }

// WorldToCell maps world coordinates to cell indices. The result may be out
// of range; callers check with InBounds.
func (m *Map) WorldToCell(x, y float64) (cx, cy int) {
	cx = int(math.Floor((x - m.originX) / m.resolution))
	cy = int(math.Floor((y - m.originY) / m.resolution))
	return
}

// CellToWorld maps cell indices to the world coordinates of the cell centre.
func (m *Map) CellToWorld(cx, cy int) (x, y float64) {
	x = m.originX + (float64(cx)+0.5)*m.resolution
	y = m.originY + (float64(cy)+0.5)*m.resolution
	return
}

// InBounds reports whether a cell index lies on the grid.
func (m *Map) InBounds(cx, cy int) bool {
	return cx >= 0 && cx < m.cols && cy >= 0 && cy < m.rows
}

// At returns the cell state at cell indices; out-of-range is CellUnknown.
func (m *Map) At(cx, cy int) Cell {
	if !m.InBounds(cx, cy) {
		return CellUnknown
	}
	return m.cells[cy*m.cols+cx]
}

// CellAt returns the cell state at world coordinates.
func (m *Map) CellAt(x, y float64) Cell {
	cx, cy := m.WorldToCell(x, y)
	return m.At(cx, cy)
}

// IsReachable reports whether a world point is a legal navigation goal on
// this map: inside the grid and on a free cell. Call it on the inflated map
// to account for the robot's clearance.
func (m *Map) IsReachable(x, y float64) bool {
	cx, cy := m.WorldToCell(x, y)
	return m.InBounds(cx, cy) && m.At(cx, cy) == CellFree
}

// RayCast walks a ray from a pose at the given world-frame angle and returns
// the distance to the first occupied cell, or maxRange if none is hit before
// leaving the grid or exhausting the range. Used by the localizer's
// measurement model.
func (m *Map) RayCast(from pose.Pose, angle, maxRange float64) float64 {
	step := m.resolution / 2
	dx := math.Cos(angle) * step
	dy := math.Sin(angle) * step

	x, y := from.X, from.Y
	for dist := 0.0; dist < maxRange; dist += step {
		cx, cy := m.WorldToCell(x, y)
		if !m.InBounds(cx, cy) {
			return maxRange
		}
		if m.At(cx, cy) == CellOccupied {
			return dist
		}
		x += dx
		y += dy
	}
	return maxRange
}

// Inflate returns a derived map in which every free cell within radius of an
// occupied cell is reclassified as occupied. The receiver is unchanged.
func (m *Map) Inflate(radius float64) *Map {
	out := &Map{
		resolution: m.resolution,
		originX:    m.originX,
		originY:    m.originY,
		cols:       m.cols,
		rows:       m.rows,
		cells:      make([]Cell, len(m.cells)),
	}
	copy(out.cells, m.cells)

	r := int(math.Ceil(radius / m.resolution))
	if r <= 0 {
		return out
	}
	r2 := (radius / m.resolution) * (radius / m.resolution)

	for cy := 0; cy < m.rows; cy++ {
		for cx := 0; cx < m.cols; cx++ {
			if m.At(cx, cy) != CellOccupied {
				continue
			}
			for dy := -r; dy <= r; dy++ {
				for dx := -r; dx <= r; dx++ {
					if float64(dx*dx+dy*dy) > r2 {
						continue
					}
					nx, ny := cx+dx, cy+dy
					if out.InBounds(nx, ny) && out.cells[ny*out.cols+nx] == CellFree {
						out.cells[ny*out.cols+nx] = CellOccupied
					}
				}
			}
		}
	}
	return out
}

// NearestFree searches radially outward from a world point for the closest
// free cell centre within maxRadius. Returns false if none exists.
func (m *Map) NearestFree(x, y, maxRadius float64) (fx, fy float64, ok bool) {
	if m.IsReachable(x, y) {
		return x, y, true
	}
	step := m.resolution
	for radius := step; radius <= maxRadius; radius += step {
		n := int(2 * math.Pi * radius / step)
		if n < 8 {
			n = 8
		}
		for i := 0; i < n; i++ {
			a := 2 * math.Pi * float64(i) / float64(n)
			tx := x + radius*math.Cos(a)
			ty := y + radius*math.Sin(a)
			if m.IsReachable(tx, ty) {
				return tx, ty, true
			}
		}
	}
	return 0, 0, false
}

// build constructs a grid from a validated spec, rasterising its obstacles.
func build(spec *Spec) (*Map, error) {
	cols := int(math.Ceil(spec.Width / spec.Resolution))
	rows := int(math.Ceil(spec.Height / spec.Resolution))
	if cols <= 0 || rows <= 0 {
		return nil, fmt.Errorf("map extent %gx%g too small for resolution %g", spec.Width, spec.Height, spec.Resolution)
	}

	m := &Map{
		resolution: spec.Resolution,
		originX:    spec.Origin.X,
		originY:    spec.Origin.Y,
		cols:       cols,
		rows:       rows,
		cells:      make([]Cell, cols*rows),
	}

	for cy := 0; cy < rows; cy++ {
		for cx := 0; cx < cols; cx++ {
			wx, wy := m.CellToWorld(cx, cy)
			for i := range spec.Obstacles {
				if spec.Obstacles[i].contains(wx, wy) {
					m.cells[cy*cols+cx] = CellOccupied
					break
				}
			}
		}
	}
	return m, nil
}
