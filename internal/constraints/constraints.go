// Package constraints implements mutual-exclusion groups that prevent the
// Router from activating two nodes of the same group simultaneously, e.g.
// "one profile per card".
package constraints

import (
	"fmt"
	"sync"

	"audiopolicyd/internal/node"
)

// Kind distinguishes the axis a constraint definition groups nodes by.
type Kind int

const (
	// KindCard groups every node belonging to the same host card.
	KindCard Kind = iota
	// KindPort groups every node sharing a single physical port.
	KindPort
)

// Definition is one mutual-exclusion group: a set of nodes that must not
// be simultaneously active.
type Definition struct {
	Name  string
	Kind  Kind
	Key   string // card index (as string) or port name, depending on Kind
	nodes map[string]*node.Node
}

// Set owns every constraint definition, keyed by name.
type Set struct {
	mu   sync.Mutex
	defs map[string]*Definition
}

// NewSet creates an empty constraint set.
func NewSet() *Set {
	return &Set{defs: make(map[string]*Definition)}
}

// Create registers a new constraint definition. It is an error to reuse a
// name already in use.
func (s *Set) Create(name string, kind Kind, key string) (*Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.defs[name]; exists {
		return nil, fmt.Errorf("constraints: definition %q already exists", name)
	}
	cd := &Definition{Name: name, Kind: kind, Key: key, nodes: make(map[string]*node.Node)}
	s.defs[name] = cd
	return cd, nil
}

// Destroy removes a constraint definition by name.
func (s *Set) Destroy(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, name)
}

// Get returns the named definition, if any.
func (s *Set) Get(name string) (*Definition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cd, ok := s.defs[name]
	return cd, ok
}

// AddNode adds n to cd's mutually-exclusive set.
func (s *Set) AddNode(cd *Definition, n *node.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cd.nodes[n.Key] = n
}

// RemoveNode removes n from every constraint definition it belongs to.
func (s *Set) RemoveNode(n *node.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cd := range s.defs {
		delete(cd.nodes, n.Key)
	}
}

// ActiveConflict reports another node in cd's group that is currently
// available besides n, if one exists: the check the Router uses to
// suppress duplicate work / simultaneous activation.
func (cd *Definition) ActiveConflict(n *node.Node) (*node.Node, bool) {
	for key, other := range cd.nodes {
		if key == n.Key {
			continue
		}
		if other.Available {
			return other, true
		}
	}
	return nil, false
}

// ActiveConflict finds any constraint definition n belongs to and reports
// a conflicting active member within it, if one exists. This is the
// single entry point the Router consults during routing; it doesn't
// need to know which definition(s) reference a candidate node.
func (s *Set) ActiveConflict(n *node.Node) (*node.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cd := range s.defs {
		if _, member := cd.nodes[n.Key]; !member {
			continue
		}
		if other, conflict := cd.ActiveConflict(n); conflict {
			return other, true
		}
	}
	return nil, false
}

// Members returns a snapshot of cd's current member nodes.
func (cd *Definition) Members() []*node.Node {
	out := make([]*node.Node, 0, len(cd.nodes))
	for _, n := range cd.nodes {
		out = append(out, n)
	}
	return out
}
