package env

import (
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/signalsfoundry/agentsim/model"
)

// Point is a position in continuous 2D space.
type Point struct {
	X, Y float64
}

// String implements model.Location.
func (p Point) String() string {
	return "(" + strconv.FormatFloat(p.X, 'g', -1, 64) + ", " + strconv.FormatFloat(p.Y, 'g', -1, 64) + ")"
}

// ContinuousConfig bounds a continuous space to [0,Width) x [0,Height).
type ContinuousConfig struct {
	Width  float64
	Height float64
	Wrap   bool
}

// Continuous is a bounded plane, optionally a torus. Neighbor queries scan
// every placement.
type Continuous struct {
	mu sync.RWMutex

	width, height float64
	wrap          bool

	index map[model.AgentID]Point
}

// NewContinuous validates cfg and returns an empty space.
func NewContinuous(cfg ContinuousConfig) (*Continuous, error) {
	if !(cfg.Width > 0) || !(cfg.Height > 0) || math.IsInf(cfg.Width, 0) || math.IsInf(cfg.Height, 0) {
		return nil, fmt.Errorf("env: continuous space needs finite positive extent, got %gx%g", cfg.Width, cfg.Height)
	}
	return &Continuous{
		width:  cfg.Width,
		height: cfg.Height,
		wrap:   cfg.Wrap,
		index:  make(map[model.AgentID]Point),
	}, nil
}

// Bounds returns the width and height of the space.
func (s *Continuous) Bounds() (width, height float64) { return s.width, s.height }

// Wrap maps p into bounds when the space wraps; otherwise p is unchanged.
func (s *Continuous) Wrap(p Point) Point {
	if !s.wrap {
		return p
	}
	p.X = math.Mod(math.Mod(p.X, s.width)+s.width, s.width)
	p.Y = math.Mod(math.Mod(p.Y, s.height)+s.height, s.height)
	return p
}

func (s *Continuous) point(loc model.Location) (Point, error) {
	var p Point
	switch v := loc.(type) {
	case Point:
		p = v
	case *Point:
		if v == nil {
			return Point{}, ErrInvalidLocation
		}
		p = *v
	default:
		return Point{}, fmt.Errorf("%w: %T is not a point", ErrInvalidLocation, loc)
	}
	if math.IsNaN(p.X) || math.IsNaN(p.Y) {
		return Point{}, fmt.Errorf("%w: NaN coordinate", ErrInvalidLocation)
	}
	p = s.Wrap(p)
	if p.X < 0 || p.X >= s.width || p.Y < 0 || p.Y >= s.height {
		return Point{}, fmt.Errorf("%w: %s outside space", ErrInvalidLocation, p)
	}
	return p, nil
}

// Place puts id at loc, moving it if already placed.
func (s *Continuous) Place(id model.AgentID, loc model.Location) error {
	p, err := s.point(loc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.index[id] = p
	s.mu.Unlock()
	return nil
}

// Remove drops id if present.
func (s *Continuous) Remove(id model.AgentID) {
	s.mu.Lock()
	delete(s.index, id)
	s.mu.Unlock()
}

// LocationOf returns the point holding id.
func (s *Continuous) LocationOf(id model.AgentID) (model.Location, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return p, true
}

// Len returns the number of placed agents.
func (s *Continuous) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Distance measures between a and b, across the seam when wrapping.
func (s *Continuous) Distance(a, b Point, metric Metric) float64 {
	dx := math.Abs(a.X - b.X)
	dy := math.Abs(a.Y - b.Y)
	if s.wrap {
		dx = math.Min(dx, s.width-dx)
		dy = math.Min(dy, s.height-dy)
	}
	if metric == Manhattan {
		return dx + dy
	}
	return math.Hypot(dx, dy)
}

// Neighbors returns agents within rel.Radius of loc. Agents exactly at loc
// count as the center. A non-positive radius, or Colocated, matches only
// the center.
func (s *Continuous) Neighbors(loc model.Location, rel Relation) ([]model.AgentID, error) {
	center, err := s.point(loc)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.AgentID
	for id, p := range s.index {
		d := s.Distance(center, p, rel.Metric)
		if d == 0 {
			if rel.IncludeCenter || rel.Neighborhood == Colocated || rel.Radius <= 0 {
				out = append(out, id)
			}
			continue
		}
		if rel.Neighborhood == Colocated || rel.Radius <= 0 {
			continue
		}
		if d <= rel.Radius {
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out, nil
}

// Checkpoint captures the current placements.
func (s *Continuous) Checkpoint() Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &continuousCheckpoint{space: s, index: copyIndex(s.index)}
}

type continuousCheckpoint struct {
	space *Continuous
	index map[model.AgentID]Point
}

func (cp *continuousCheckpoint) Restore() {
	s := cp.space
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = copyIndex(cp.index)
}
