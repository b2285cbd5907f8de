package env

import "github.com/signalsfoundry/agentsim/model"

// View is a read-only handle on an Environment. It answers the same
// locality queries but cannot place or remove agents, so every placement
// change goes through the model's lifecycle.
type View struct {
	e Environment
}

// ReadOnly wraps e. A nil e behaves like None.
func ReadOnly(e Environment) View {
	if e == nil {
		e = None{}
	}
	return View{e: e}
}

// Neighbors returns the ids related to loc under rel, ascending.
func (v View) Neighbors(loc model.Location, rel Relation) ([]model.AgentID, error) {
	return v.env().Neighbors(loc, rel)
}

// LocationOf returns the placement of id, if any.
func (v View) LocationOf(id model.AgentID) (model.Location, bool) {
	return v.env().LocationOf(id)
}

// Len returns the number of placed agents.
func (v View) Len() int { return v.env().Len() }

// Spatial reports whether agents can be placed at all.
func (v View) Spatial() bool {
	_, none := v.env().(None)
	return !none
}

// Grid returns the grid queries when the environment is a grid.
func (v View) Grid() (GridView, bool) {
	g, ok := v.env().(*Grid)
	return GridView{g: g}, ok
}

// Graph returns the graph queries when the environment is a graph.
func (v View) Graph() (GraphView, bool) {
	g, ok := v.env().(*Graph)
	return GraphView{g: g}, ok
}

// Continuous returns the space queries when the environment is continuous.
func (v View) Continuous() (ContinuousView, bool) {
	s, ok := v.env().(*Continuous)
	return ContinuousView{s: s}, ok
}

func (v View) env() Environment {
	if v.e == nil {
		return None{}
	}
	return v.e
}

// GridView exposes the read-only half of a Grid.
type GridView struct{ g *Grid }

func (v GridView) Dims() int            { return v.g.Dims() }
func (v GridView) Size(i int) int       { return v.g.Size(i) }
func (v GridView) Solo() bool           { return v.g.Solo() }
func (v GridView) Wrap(c Coord) Coord   { return v.g.Wrap(c) }
func (v GridView) Valid(c Coord) bool   { return v.g.Valid(c) }
func (v GridView) IsEmpty(c Coord) bool { return v.g.IsEmpty(c) }
func (v GridView) Contents(c Coord) []model.AgentID {
	return v.g.Contents(c)
}

func (v GridView) Neighborhood(c Coord, rel Relation) ([]Coord, error) {
	return v.g.Neighborhood(c, rel)
}

func (v GridView) Distance(a, b Coord, metric Metric) float64 {
	return v.g.Distance(a, b, metric)
}

// GraphView exposes the read-only half of a Graph.
type GraphView struct{ g *Graph }

func (v GraphView) Nodes() []Node                   { return v.g.Nodes() }
func (v GraphView) Adjacent(n Node) ([]Node, error) { return v.g.Adjacent(n) }

// ContinuousView exposes the read-only half of a Continuous space.
type ContinuousView struct{ s *Continuous }

func (v ContinuousView) Bounds() (width, height float64) { return v.s.Bounds() }
func (v ContinuousView) Wrap(p Point) Point              { return v.s.Wrap(p) }
func (v ContinuousView) Distance(a, b Point, metric Metric) float64 {
	return v.s.Distance(a, b, metric)
}
