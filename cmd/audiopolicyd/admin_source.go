package main

import (
	"audiopolicyd/internal/adminapi"
	"audiopolicyd/internal/multiplex"
	"audiopolicyd/internal/node"
	"audiopolicyd/internal/router"
)

// adminSource adapts the daemon's live registry/router/multiplex state
// into adminapi.Source, keeping adminapi itself free of any dependency
// on the concrete routing packages (it only ever sees the rendered view
// types).
type adminSource struct {
	registry *node.Registry
	router   *router.Router
	mux      *multiplex.Manager
}

func (s *adminSource) Nodes() []adminapi.NodeView {
	nodes := s.registry.All()
	out := make([]adminapi.NodeView, len(nodes))
	for i, n := range nodes {
		out[i] = adminapi.NodeView{
			Index:     n.PAIdx,
			Name:      n.AMName,
			Type:      n.Type.String(),
			Direction: n.Direction.String(),
			Available: n.Available,
			Visible:   n.Visible,
		}
	}
	return out
}

func (s *adminSource) Routes() []adminapi.RouteView {
	var out []adminapi.RouteView
	for _, n := range s.registry.All() {
		if n.Implement != node.Stream {
			continue
		}
		if target, ok := s.router.FindDefaultRoute(n); ok {
			out = append(out, adminapi.RouteView{FromIndex: n.PAIdx, ToIndex: target.PAIdx})
		}
	}
	return out
}

func (s *adminSource) Connections() []adminapi.ConnectionView {
	conns := s.router.Connections()
	out := make([]adminapi.ConnectionView, len(conns))
	for i, c := range conns {
		out[i] = adminapi.ConnectionView{AMID: c.AMID, FromIndex: c.FromIndex, ToIndex: c.ToIndex, Blocked: c.Blocked}
	}
	return out
}

func (s *adminSource) Combines() []adminapi.CombineView {
	var out []adminapi.CombineView
	for _, n := range s.registry.All() {
		if n.Mux == nil {
			continue
		}
		h, ok := s.mux.FindBySink(n.Mux.SinkIndex)
		if !ok {
			continue
		}
		var slaves []int32
		if def, ok := s.mux.DefaultSink(h.CombinedSinkIdx); ok {
			slaves = append(slaves, def)
		}
		out = append(out, adminapi.CombineView{
			CombinedSinkIndex: h.CombinedSinkIdx,
			Class:             h.Class.String(),
			Slaves:            slaves,
		})
	}
	return out
}

var _ adminapi.Source = (*adminSource)(nil)
