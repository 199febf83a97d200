// Package router implements the routing-group engine: prioritized
// routing groups with pluggable accept/compare predicates, a
// class->group map, class priorities, and default/explicit routes.
package router

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"audiopolicyd/internal/constraints"
	"audiopolicyd/internal/node"
)

// AcceptFunc decides whether a device node is admitted into a routing
// group when the node is registered.
type AcceptFunc func(n *node.Node) bool

// CompareFunc provides a total order over two device nodes within a
// group's entry list; negative means a sorts before b.
type CompareFunc func(a, b *node.Node) int

// Group is a named, ordered set of device-node routing entries plus its
// membership and ordering predicates.
type Group struct {
	Name    string
	Accept  AcceptFunc
	Compare CompareFunc

	entries []*node.Node // ascending Compare order, highest rank last
}

// Entries returns a snapshot of the group's current membership order.
func (g *Group) Entries() []*node.Node {
	out := make([]*node.Node, len(g.entries))
	copy(out, g.entries)
	return out
}

func (g *Group) insert(n *node.Node) {
	idx := sort.Search(len(g.entries), func(i int) bool {
		return g.Compare(g.entries[i], n) > 0
	})
	g.entries = append(g.entries, nil)
	copy(g.entries[idx+1:], g.entries[idx:])
	g.entries[idx] = n
}

func (g *Group) remove(n *node.Node) {
	for i, e := range g.entries {
		if e == n {
			g.entries = append(g.entries[:i], g.entries[i+1:]...)
			return
		}
	}
}

// Connection is an explicit, administrator-requested route.
type Connection struct {
	AMID      int32
	FromIndex int32
	ToIndex   int32
	Blocked   bool
}

// Router owns every routing group, the class->group/priority maps, the
// priority-ordered stream list, and the explicit-connection list. All
// mutation happens on the main context; Router itself still
// takes a mutex so tests and the admin API can read consistent snapshots
// concurrently.
type Router struct {
	mu sync.Mutex

	groups   map[string]*Group
	classMap map[node.Type]*Group
	priority map[node.Type]int

	nodlist []*node.Node // stream nodes, ascending priority
	conns   []*Connection

	// makeRoutingGuard skips nested MakeRouting calls.
	makeRoutingGuard bool

	// Switch is invoked to realize a resolved route. It is set by the
	// caller that wires Router to Switch, avoiding an import cycle
	// (swtch depends on router, not vice versa).
	Switch RouteSetter

	// Constraints is consulted during candidate admissibility. May be
	// nil, in which case no constraint definitions exist and every
	// otherwise-admissible candidate passes.
	Constraints *constraints.Set

	// AfterRouting, when set, runs after each completed MakeRouting
	// pass, outside the router lock. The composition root wires it to
	// the volume engine so limits are applied strictly after routing.
	AfterRouting func(passStamp uint32)

	// resolveIndex turns an AM identity index into a live node, for
	// explicit-route materialization. Set via SetIndexResolver.
	resolveIndex func(idx int32) (*node.Node, bool)

	Log *slog.Logger
}

// RouteSetter is the subset of swtch.Switch the Router calls to realize a
// resolved route.
type RouteSetter interface {
	SetupLink(from, to *node.Node, explicit bool) (bool, error)
}

// New creates an empty Router.
func New(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		groups:   make(map[string]*Group),
		classMap: make(map[node.Type]*Group),
		priority: make(map[node.Type]int),
		Log:      log,
	}
}

// AddGroup registers a routing group definition.
func (r *Router) AddGroup(g *Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[g.Name] = g
}

// BindClass maps a stream/device class to a routing group and priority,
// the Router's classmap[class]/priormap[class] configuration step.
func (r *Router) BindClass(t node.Type, groupName string, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupName]
	if !ok {
		return fmt.Errorf("router: no such group %q", groupName)
	}
	r.classMap[t] = g
	r.priority[t] = priority
	return nil
}

// RegisterNode admits a node to the routing state: for a device node,
// try every group's accept gate and compare-ordered insert; for a stream
// node, insert into nodlist by priority.
func (r *Router) RegisterNode(n *node.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n.Implement == node.Device {
		for _, g := range r.groups {
			if g.Accept(n) {
				g.insert(n)
				n.RtEntries = append(n.RtEntries, &node.RtEntry{GroupName: g.Name, Node: n})
			}
		}
		return
	}

	n.Priority = r.priority[n.Type]
	r.insertStream(n)
}

func (r *Router) insertStream(n *node.Node) {
	idx := sort.Search(len(r.nodlist), func(i int) bool {
		return r.nodlist[i].Priority > n.Priority
	})
	r.nodlist = append(r.nodlist, nil)
	copy(r.nodlist[idx+1:], r.nodlist[idx:])
	r.nodlist[idx] = n
}

// UnregisterNode unlinks a node from each membership in O(deg).
func (r *Router) UnregisterNode(n *node.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n.Implement == node.Device {
		for _, e := range n.RtEntries {
			if g, ok := r.groups[e.GroupName]; ok {
				g.remove(n)
			}
		}
		n.RtEntries = nil
		return
	}

	for i, s := range r.nodlist {
		if s == n {
			r.nodlist = append(r.nodlist[:i], r.nodlist[i+1:]...)
			return
		}
	}
}

// admissible reports whether a device-node entry can currently be a route
// target: not in conflict with an already-active member of its
// constraint group, available, and either its host index
// is valid, or it is a bluetooth node allowed to resolve ahead of
// profile activation.
func (r *Router) admissible(n *node.Node) bool {
	if !n.Available {
		return false
	}
	if r.Constraints != nil {
		if other, conflict := r.Constraints.ActiveConflict(n); conflict {
			r.Log.Debug("router: skipping node, constraint conflict", "node", n.Key, "conflicts_with", other.Key)
			return false
		}
	}
	if n.PAIdx != node.InvalidIndex {
		return true
	}
	switch n.Type {
	case node.TypeBluetoothSCO, node.TypeBluetoothA2DP, node.TypeBluetoothCarkit,
		node.TypeBluetoothSource, node.TypeBluetoothSink:
		return true
	default:
		return false
	}
}

// FindDefaultRoute looks up the stream class's routing group, walks the
// group's entries from highest rank downward, skips inadmissible
// entries, and returns the first admissible target.
//
// Entries are kept in ascending Compare order (so the null device, whose
// Compare always returns "first", sits at index 0); walking from the end
// backward means null is only ever chosen as the last-resort fallback.
func (r *Router) FindDefaultRoute(stream *node.Node) (*node.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findDefaultRouteLocked(stream)
}

func (r *Router) findDefaultRouteLocked(stream *node.Node) (*node.Node, bool) {
	g, ok := r.classMap[stream.Type]
	if !ok {
		r.Log.Debug("router: no routing group bound for class", "type", stream.Type.String())
		return nil, false
	}
	for i := len(g.entries) - 1; i >= 0; i-- {
		if r.admissible(g.entries[i]) {
			return g.entries[i], true
		}
	}
	return nil, false
}

// MakePrerouting computes the incoming stream's priority, walks nodlist
// backward re-resolving every already-present stream whose priority is
// at least the new stream's (older/higher-priority streams must not be
// displaced silently), then resolves the incoming stream itself.
// Returns the chosen device node, if any.
func (r *Router) MakePrerouting(streamType node.Type) (*node.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	newPriority := r.priority[streamType]

	for i := len(r.nodlist) - 1; i >= 0; i-- {
		existing := r.nodlist[i]
		if existing.Priority < newPriority {
			break
		}
		target, ok := r.findDefaultRouteLocked(existing)
		if !ok {
			continue
		}
		r.realize(existing, target, false)
	}

	tmp := &node.Node{Type: streamType}
	return r.findDefaultRouteLocked(tmp)
}

// MakeRouting is the reentrancy-guarded global routing pass. Takes a fresh stamp (supplied by the caller, typically
// Discovery's stamp counter), materializes explicit routes first, then
// resolves every stream in nodlist whose stamp predates this pass.
func (r *Router) MakeRouting(passStamp uint32) {
	r.mu.Lock()
	if r.makeRoutingGuard {
		r.mu.Unlock()
		r.Log.Debug("router: make_routing re-entered, skipping nested call")
		return
	}
	r.makeRoutingGuard = true

	for _, c := range r.conns {
		if c.Blocked {
			continue
		}
		from, ok1 := r.nodeByIndex(c.FromIndex)
		to, ok2 := r.nodeByIndex(c.ToIndex)
		if ok1 && ok2 {
			r.realize(from, to, true)
		}
	}

	for _, stream := range r.nodlist {
		if stream.Stamp >= passStamp {
			continue
		}
		stream.Stamp = passStamp
		target, ok := r.findDefaultRouteLocked(stream)
		if !ok {
			r.Log.Debug("router: no default route", "stream", stream.Key)
			continue
		}
		r.realize(stream, target, false)
	}

	hook := r.AfterRouting
	r.makeRoutingGuard = false
	r.mu.Unlock()

	if hook != nil {
		hook(passStamp)
	}
}

// nodeByIndex is a placeholder lookup hook; wired by discovery at
// construction time via SetIndexResolver so Router doesn't need to
// depend on node.Registry directly (keeps Router testable in isolation).
func (r *Router) nodeByIndex(idx int32) (*node.Node, bool) {
	if r.resolveIndex == nil {
		return nil, false
	}
	return r.resolveIndex(idx)
}

func (r *Router) realize(from, to *node.Node, explicit bool) {
	if r.Switch == nil {
		r.Log.Warn("router: no switch wired, cannot realize route", "from", from.Key, "to", to.Key)
		return
	}
	ok, err := r.Switch.SetupLink(from, to, explicit)
	if err != nil {
		r.Log.Info("router: route failed, keeping previous route", "from", from.Key, "to", to.Key, "err", err)
		return
	}
	if !ok {
		r.Log.Debug("router: route unsupported", "from", from.Implement, "to", to.Implement)
	}
}

// SetIndexResolver wires the function Router uses to turn an AM identity
// index into a live node, for explicit-route materialization.
func (r *Router) SetIndexResolver(fn func(idx int32) (*node.Node, bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolveIndex = fn
}

// AddExplicitRoute adds a connection, reusing an existing one with the
// same (amid, from, to), and always triggers MakeRouting.
func (r *Router) AddExplicitRoute(amid, from, to int32, passStamp uint32) *Connection {
	r.mu.Lock()
	var c *Connection
	for _, e := range r.conns {
		if e.AMID == amid && e.FromIndex == from && e.ToIndex == to {
			c = e
			break
		}
	}
	if c == nil {
		c = &Connection{AMID: amid, FromIndex: from, ToIndex: to}
		r.conns = append(r.conns, c)
	}
	r.mu.Unlock()
	r.MakeRouting(passStamp)
	return c
}

// RemoveExplicitRoute removes a connection by identity and triggers
// MakeRouting.
func (r *Router) RemoveExplicitRoute(c *Connection, passStamp uint32) {
	r.mu.Lock()
	for i, e := range r.conns {
		if e == c {
			r.conns = append(r.conns[:i], r.conns[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	r.MakeRouting(passStamp)
}

// Groups returns a snapshot of every registered group's name, for
// diagnostics/admin API use.
func (r *Router) Groups() []*Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	return out
}

// Connections returns a snapshot of the explicit-connection list.
func (r *Router) Connections() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, len(r.conns))
	copy(out, r.conns)
	return out
}
