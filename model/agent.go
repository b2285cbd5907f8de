package model

import "strconv"

// AgentID identifies an agent for the lifetime of a Model. The zero value is
// never issued.
type AgentID uint64

// IsZero reports whether the identifier is the unassigned zero value.
func (id AgentID) IsZero() bool { return id == 0 }

// String renders the identifier as its decimal value.
func (id AgentID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Location is a placement inside an environment. Its concrete type depends
// on the topology: a grid coordinate, a graph node, a continuous point.
type Location interface {
	String() string
}
