package env

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/signalsfoundry/agentsim/model"
)

// Coord is an integer grid coordinate. Axes beyond the grid's
// dimensionality must be zero.
type Coord struct {
	X, Y, Z int
}

// String implements model.Location.
func (c Coord) String() string {
	return fmt.Sprintf("(%d, %d, %d)", c.X, c.Y, c.Z)
}

func (c Coord) axis(i int) int {
	switch i {
	case 0:
		return c.X
	case 1:
		return c.Y
	default:
		return c.Z
	}
}

func (c *Coord) setAxis(i, v int) {
	switch i {
	case 0:
		c.X = v
	case 1:
		c.Y = v
	default:
		c.Z = v
	}
}

// GridConfig describes a 1D, 2D or 3D grid.
type GridConfig struct {
	// Size holds the extent of each axis; its length is the dimensionality.
	Size []int
	// Wrap enables toroidal wrap-around per axis. Missing entries are false.
	Wrap []bool
	// Solo restricts each cell to a single agent.
	Solo bool
}

// Grid is an orthogonal integer grid with optional per-axis wrap-around and
// either single or multiple occupancy per cell.
type Grid struct {
	mu sync.RWMutex

	dims int
	size [3]int
	wrap [3]bool
	solo bool

	// cells keeps occupants in arrival order; index maps agents back to cells.
	cells map[Coord][]model.AgentID
	index map[model.AgentID]Coord
}

// NewGrid validates cfg and returns an empty grid.
func NewGrid(cfg GridConfig) (*Grid, error) {
	dims := len(cfg.Size)
	if dims < 1 || dims > 3 {
		return nil, fmt.Errorf("env: grid needs 1 to 3 axes, got %d", dims)
	}
	if len(cfg.Wrap) > dims {
		return nil, fmt.Errorf("env: grid has %d axes but %d wrap flags", dims, len(cfg.Wrap))
	}
	g := &Grid{
		dims:  dims,
		size:  [3]int{1, 1, 1},
		solo:  cfg.Solo,
		cells: make(map[Coord][]model.AgentID),
		index: make(map[model.AgentID]Coord),
	}
	for i, s := range cfg.Size {
		if s <= 0 {
			return nil, fmt.Errorf("env: grid axis %d has non-positive size %d", i, s)
		}
		g.size[i] = s
	}
	copy(g.wrap[:], cfg.Wrap)
	return g, nil
}

// Dims returns the grid dimensionality.
func (g *Grid) Dims() int { return g.dims }

// Size returns the extent of axis i, or 1 for axes beyond Dims.
func (g *Grid) Size(i int) int {
	if i < 0 || i > 2 {
		return 0
	}
	return g.size[i]
}

// Solo reports whether cells hold at most one agent.
func (g *Grid) Solo() bool { return g.solo }

// Wrap maps c onto the grid along wrapped axes. Non-wrapped axes are left
// untouched, so the result may still be invalid.
func (g *Grid) Wrap(c Coord) Coord {
	for i := 0; i < 3; i++ {
		if !g.wrap[i] {
			continue
		}
		n := g.size[i]
		c.setAxis(i, ((c.axis(i)%n)+n)%n)
	}
	return c
}

// Valid reports whether c lies inside the grid without applying wrap.
func (g *Grid) Valid(c Coord) bool {
	for i := 0; i < 3; i++ {
		v := c.axis(i)
		if v < 0 || v >= g.size[i] {
			return false
		}
	}
	return true
}

func (g *Grid) coord(loc model.Location) (Coord, error) {
	var c Coord
	switch v := loc.(type) {
	case Coord:
		c = v
	case *Coord:
		if v == nil {
			return Coord{}, ErrInvalidLocation
		}
		c = *v
	default:
		return Coord{}, fmt.Errorf("%w: %T is not a grid coordinate", ErrInvalidLocation, loc)
	}
	c = g.Wrap(c)
	if !g.Valid(c) {
		return Coord{}, fmt.Errorf("%w: %s outside grid", ErrInvalidLocation, c)
	}
	return c, nil
}

// Place puts id in the cell at loc, moving it if already placed.
func (g *Grid) Place(id model.AgentID, loc model.Location) error {
	c, err := g.coord(loc)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	prev, placed := g.index[id]
	if placed && prev == c {
		return nil
	}
	if g.solo {
		for _, other := range g.cells[c] {
			if other != id {
				return fmt.Errorf("%w: %s holds agent %s", ErrOccupied, c, other)
			}
		}
	}
	if placed {
		g.removeFromCellLocked(id, prev)
	}
	g.cells[c] = append(g.cells[c], id)
	g.index[id] = c
	return nil
}

// Remove drops id from the grid if present.
func (g *Grid) Remove(id model.AgentID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.index[id]
	if !ok {
		return
	}
	g.removeFromCellLocked(id, c)
	delete(g.index, id)
}

func (g *Grid) removeFromCellLocked(id model.AgentID, c Coord) {
	occupants := g.cells[c]
	for i, other := range occupants {
		if other != id {
			continue
		}
		occupants = append(occupants[:i:i], occupants[i+1:]...)
		break
	}
	if len(occupants) == 0 {
		delete(g.cells, c)
		return
	}
	g.cells[c] = occupants
}

// LocationOf returns the cell holding id.
func (g *Grid) LocationOf(id model.AgentID) (model.Location, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return c, true
}

// Len returns the number of placed agents.
func (g *Grid) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.index)
}

// Contents returns the agents in cell c in arrival order.
func (g *Grid) Contents(c Coord) []model.AgentID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]model.AgentID(nil), g.cells[g.Wrap(c)]...)
}

// IsEmpty reports whether no agent occupies cell c.
func (g *Grid) IsEmpty(c Coord) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.cells[g.Wrap(c)]) == 0
}

// Neighborhood returns the valid cells related to c under rel. Cells are
// deduplicated after wrapping and ordered by a z, y, x sweep of the offsets,
// with the center first when IncludeCenter is set.
func (g *Grid) Neighborhood(c Coord, rel Relation) ([]Coord, error) {
	center, err := g.coord(c)
	if err != nil {
		return nil, err
	}
	return g.neighborhood(center, rel), nil
}

func (g *Grid) neighborhood(center Coord, rel Relation) []Coord {
	if rel.Neighborhood == Colocated {
		return []Coord{center}
	}

	r := rel.steps()
	var span [3]int
	for i := 0; i < g.dims; i++ {
		span[i] = r
	}

	seen := map[Coord]struct{}{center: {}}
	out := make([]Coord, 0, 8)
	if rel.IncludeCenter {
		out = append(out, center)
	}
	for dz := -span[2]; dz <= span[2]; dz++ {
		for dy := -span[1]; dy <= span[1]; dy++ {
			for dx := -span[0]; dx <= span[0]; dx++ {
				if dx == 0 && dy == 0 && dz == 0 {
					continue
				}
				if rel.Neighborhood == VonNeumann && abs(dx)+abs(dy)+abs(dz) > r {
					continue
				}
				next := g.Wrap(Coord{X: center.X + dx, Y: center.Y + dy, Z: center.Z + dz})
				if !g.Valid(next) {
					continue
				}
				if _, dup := seen[next]; dup {
					continue
				}
				seen[next] = struct{}{}
				out = append(out, next)
			}
		}
	}
	return out
}

// Neighbors returns the agents occupying the neighborhood of loc.
func (g *Grid) Neighbors(loc model.Location, rel Relation) ([]model.AgentID, error) {
	center, err := g.coord(loc)
	if err != nil {
		return nil, err
	}
	cells := g.neighborhood(center, rel)

	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []model.AgentID
	for _, cell := range cells {
		out = append(out, g.cells[cell]...)
	}
	sortIDs(out)
	return out, nil
}

// Distance measures between two cells, taking the short way around wrapped axes.
func (g *Grid) Distance(a, b Coord, metric Metric) float64 {
	var sum float64
	for i := 0; i < g.dims; i++ {
		d := abs(a.axis(i) - b.axis(i))
		if g.wrap[i] && g.size[i]-d < d {
			d = g.size[i] - d
		}
		switch metric {
		case Manhattan:
			sum += float64(d)
		default:
			sum += float64(d * d)
		}
	}
	if metric == Manhattan {
		return sum
	}
	return math.Sqrt(sum)
}

// Checkpoint captures the current placements.
func (g *Grid) Checkpoint() Checkpoint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return &gridCheckpoint{grid: g, cells: copyCells(g.cells), index: copyIndex(g.index)}
}

type gridCheckpoint struct {
	grid  *Grid
	cells map[Coord][]model.AgentID
	index map[model.AgentID]Coord
}

func (cp *gridCheckpoint) Restore() {
	g := cp.grid
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cells = copyCells(cp.cells)
	g.index = copyIndex(cp.index)
}

func copyCells[K comparable](in map[K][]model.AgentID) map[K][]model.AgentID {
	out := make(map[K][]model.AgentID, len(in))
	for k, v := range in {
		out[k] = append([]model.AgentID(nil), v...)
	}
	return out
}

func copyIndex[V any](in map[model.AgentID]V) map[model.AgentID]V {
	out := make(map[model.AgentID]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortIDs(ids []model.AgentID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
