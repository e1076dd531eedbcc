// Package planner plans grid paths over the inflated occupancy map with A*
// and post-processes them into sparse waypoint lists.
package planner

import (
	"container/heap"
	"errors"
	"fmt"
	"math"

	"github.com/relaybot-data/relaybot/internal/gridmap"
	"github.com/relaybot-data/relaybot/internal/pose"
)

// ErrPathNotFound reports an unreachable goal: outside the map, inside an
// inflated obstacle, or beyond the iteration budget.
var ErrPathNotFound = errors.New("path not found")

const (
	// maxIterations bounds the A* expansion loop.
	maxIterations = 200000

	// maxWaypointSpacing is the resampling ceiling between consecutive
	// waypoints after simplification.
	maxWaypointSpacing = 0.5

	// startRecoveryRadius is how far the planner looks for a free cell when
	// the start itself lies inside an inflated obstacle.
	startRecoveryRadius = 0.5
)

// Planner plans on one inflated map.
type Planner struct {
	m *gridmap.Map
}

// New creates a planner over an already-inflated map.
func New(inflated *gridmap.Map) *Planner {
	return &Planner{m: inflated}
}

type cellKey struct{ x, y int }

type pqItem struct {
	key   cellKey
	f     float64
	g     float64
	index int
}

// openHeap orders by f, ties broken by lower g.
type openHeap []*pqItem

func (h openHeap) Len() int { return len(h) }
func (h openHeap) Less(i, j int) bool {
	if h[i].f != h[j].f {
		return h[i].f < h[j].f
	}
	return h[i].g < h[j].g
}
func (h openHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *openHeap) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *openHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Plan returns a waypoint list from start to goal, first element the start
// cell centre and last the goal cell centre. Same-cell start and goal yield
// a single-element path. A start inside an inflated obstacle is recovered by
// searching radially outward for the nearest free cell.
func (p *Planner) Plan(startX, startY, goalX, goalY float64) ([]pose.Waypoint, error) {
	if !p.m.IsReachable(goalX, goalY) {
		return nil, fmt.Errorf("%w: goal (%.2f, %.2f) not reachable", ErrPathNotFound, goalX, goalY)
	}

	if !p.m.IsReachable(startX, startY) {
		fx, fy, ok := p.m.NearestFree(startX, startY, startRecoveryRadius)
		if !ok {
			return nil, fmt.Errorf("%w: no free cell within %.2fm of start (%.2f, %.2f)",
				ErrPathNotFound, startRecoveryRadius, startX, startY)
		}
		startX, startY = fx, fy
	}

	startCell := p.toKey(startX, startY)
	goalCell := p.toKey(goalX, goalY)

	if startCell == goalCell {
		gx, gy := p.m.CellToWorld(goalCell.x, goalCell.y)
		return []pose.Waypoint{{X: gx, Y: gy}}, nil
	}

	cells, err := p.search(startCell, goalCell)
	if err != nil {
		return nil, err
	}

	world := make([][2]float64, len(cells))
	for i, c := range cells {
		x, y := p.m.CellToWorld(c.x, c.y)
		world[i] = [2]float64{x, y}
	}

	return toWaypoints(resample(pruneCollinear(world), maxWaypointSpacing)), nil
}

// search is A* on the 8-connected grid with Euclidean step costs and a
// Euclidean heuristic. Expanded cells go to a closed set and are never
// re-expanded.
func (p *Planner) search(start, goal cellKey) ([]cellKey, error) {
	res := p.m.Resolution()
	diag := res * math.Sqrt2

	h := func(c cellKey) float64 {
		return res * math.Hypot(float64(c.x-goal.x), float64(c.y-goal.y))
	}

	open := &openHeap{}
	heap.Init(open)

	gScore := map[cellKey]float64{start: 0}
	cameFrom := map[cellKey]cellKey{}
	closed := map[cellKey]bool{}

	heap.Push(open, &pqItem{key: start, g: 0, f: h(start)})

	for iterations := 0; open.Len() > 0 && iterations < maxIterations; iterations++ {
		current := heap.Pop(open).(*pqItem)

		if current.key == goal {
			return reconstruct(cameFrom, goal), nil
		}
		if closed[current.key] {
			continue
		}
		closed[current.key] = true

		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}
				next := cellKey{current.key.x + dx, current.key.y + dy}
				if closed[next] || !p.freeCell(next) {
					continue
				}

				step := res
				if dx != 0 && dy != 0 {
					step = diag
				}
				tentative := gScore[current.key] + step

				if prev, seen := gScore[next]; seen && tentative >= prev {
					continue
				}
				gScore[next] = tentative
				cameFrom[next] = current.key
				heap.Push(open, &pqItem{key: next, g: tentative, f: tentative + h(next)})
			}
		}
	}

	return nil, fmt.Errorf("%w: search exhausted", ErrPathNotFound)
}

func (p *Planner) freeCell(c cellKey) bool {
	return p.m.InBounds(c.x, c.y) && p.m.At(c.x, c.y) == gridmap.CellFree
}

func (p *Planner) toKey(x, y float64) cellKey {
	cx, cy := p.m.WorldToCell(x, y)
	return cellKey{cx, cy}
}

func reconstruct(cameFrom map[cellKey]cellKey, goal cellKey) []cellKey {
	path := []cellKey{goal}
	cur := goal
	for {
		prev, ok := cameFrom[cur]
		if !ok {
			break
		}
		path = append(path, prev)
		cur = prev
	}
	// reverse
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// pruneCollinear drops interior points that lie on the segment between their
// neighbours.
func pruneCollinear(path [][2]float64) [][2]float64 {
	if len(path) <= 2 {
		return path
	}
	out := [][2]float64{path[0]}
	for i := 1; i < len(path)-1; i++ {
		a, b, c := out[len(out)-1], path[i], path[i+1]
		cross := (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
		if math.Abs(cross) > 1e-9 {
			out = append(out, b)
		}
	}
	return append(out, path[len(path)-1])
}

// resample splits any segment longer than the spacing ceiling.
func resample(path [][2]float64, maxSpacing float64) [][2]float64 {
	if len(path) < 2 {
		return path
	}
	out := [][2]float64{path[0]}
	for i := 1; i < len(path); i++ {
		a, b := path[i-1], path[i]
		dist := math.Hypot(b[0]-a[0], b[1]-a[1])
		if dist > maxSpacing {
			n := int(math.Ceil(dist / maxSpacing))
			for k := 1; k < n; k++ {
				t := float64(k) / float64(n)
				out = append(out, [2]float64{a[0] + t*(b[0]-a[0]), a[1] + t*(b[1]-a[1])})
			}
		}
		out = append(out, b)
	}
	return out
}

func toWaypoints(path [][2]float64) []pose.Waypoint {
	out := make([]pose.Waypoint, len(path))
	for i, p := range path {
		out[i] = pose.Waypoint{X: p[0], Y: p[1]}
	}
	return out
}
