// Package multiplex wraps a combine sink so a single stream can fan out
// to more than one physical output; the real-time mixing itself is
// delegated entirely to package combine.
package multiplex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"audiopolicyd/internal/combine"
	"audiopolicyd/internal/hostif"
	"audiopolicyd/internal/node"
	"audiopolicyd/internal/swtch"
)

var _ swtch.MultiplexController = (*Manager)(nil)

// Handle is a live multiplex instance: a
// (module-index, combined-sink-index, default-stream-index) triple plus
// the combine.Sink that actually does the mixing.
type Handle struct {
	ModuleIndex      int32
	CombinedSinkIdx  int32 // the synthetic sink streams are redirected onto
	DefaultStreamIdx int32 // InvalidIndex until a stream adopts this as default
	Class            node.Type

	sink          *combine.Sink
	defaultTarget int32 // InvalidIndex if no default branch yet
}

// syntheticSinkBase is the start of the index range Manager allocates
// for combined sinks it creates itself; host-assigned real sink indexes
// are never this large, so the two spaces never collide.
const syntheticSinkBase int32 = 1 << 20

// Manager creates and tracks multiplex handles, and implements
// swtch.MultiplexController against them.
type Manager struct {
	mu   sync.Mutex
	host hostif.Host
	ctx  context.Context

	byCombinedSink map[int32]*Handle
	byModule       map[int32]*Handle

	nextModule    int32
	nextSynthetic int32
	baseRate      float64
	adjustTime    time.Duration
	log           *slog.Logger
}

// New creates a Manager. baseRate/adjustTime are forwarded to every
// combine.Sink it creates; ctx bounds the lifetime of every combine.Sink
// goroutine Create starts. ctx may be nil, in which case it defaults to
// context.Background().
func New(ctx context.Context, host hostif.Host, baseRate float64, adjustTime time.Duration, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Manager{
		host:           host,
		ctx:            ctx,
		byCombinedSink: make(map[int32]*Handle),
		byModule:       make(map[int32]*Handle),
		baseRate:       baseRate,
		adjustTime:     adjustTime,
		log:            log,
	}
}

// Create builds a combine.Sink fronted at combinedSinkIdx with
// primarySinkIdx as its initial default branch, and starts driving it
// immediately.
func (m *Manager) Create(combinedSinkIdx, primarySinkIdx int32, class node.Type) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextModule++
	name := fmt.Sprintf("multiplex-%d", m.nextModule)
	s := combine.New(name, m.host, combinedSinkIdx, m.baseRate, m.adjustTime, m.log)
	s.AddBranch(primarySinkIdx, name+"-default")

	h := &Handle{
		ModuleIndex:      m.nextModule,
		CombinedSinkIdx:  combinedSinkIdx,
		DefaultStreamIdx: node.InvalidIndex,
		Class:            class,
		sink:             s,
		defaultTarget:    primarySinkIdx,
	}
	m.byCombinedSink[combinedSinkIdx] = h
	m.byModule[h.ModuleIndex] = h
	go s.Run(m.ctx)
	return h
}

// CreateForTarget allocates the next synthetic combined-sink index and
// fronts primarySinkIdx as its default branch. Used by Discovery's pre-routing
// pass when a stream's class is multi-output-capable.
func (m *Manager) CreateForTarget(primarySinkIdx int32, class node.Type) *Handle {
	m.mu.Lock()
	m.nextSynthetic++
	combinedSinkIdx := syntheticSinkBase + m.nextSynthetic
	m.mu.Unlock()
	return m.Create(combinedSinkIdx, primarySinkIdx, class)
}

// Destroy tears a multiplex down: shuts down its combine.Sink and
// removes it from both lookup maps.
func (m *Manager) Destroy(h *Handle) {
	m.mu.Lock()
	delete(m.byCombinedSink, h.CombinedSinkIdx)
	delete(m.byModule, h.ModuleIndex)
	m.mu.Unlock()
	if err := h.sink.Shutdown(context.Background()); err != nil {
		m.log.Warn("multiplex: shutdown", "module", h.ModuleIndex, "err", err)
	}
}

// FindBySink returns the multiplex fronted by a combined-sink index.
func (m *Manager) FindBySink(index int32) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byCombinedSink[index]
	return h, ok
}

// DefaultStream returns the stream index tracking the default branch.
func (m *Manager) DefaultStream(h *Handle) (int32, bool) {
	if h.DefaultStreamIdx == node.InvalidIndex {
		return 0, false
	}
	return h.DefaultStreamIdx, true
}

// AddExplicitRoute adds an explicit branch to h.
func (m *Manager) AddExplicitRoute(h *Handle, sinkIndex int32, class node.Type) error {
	return m.AddExplicit(h.CombinedSinkIdx, sinkIndex)
}

// RemoveExplicitRoute removes an explicit branch from h.
func (m *Manager) RemoveExplicitRoute(h *Handle, sinkIndex int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := h.sink.Branch(sinkIndex); !ok {
		return fmt.Errorf("multiplex: no explicit branch on sink %d", sinkIndex)
	}
	if sinkIndex == h.defaultTarget {
		return fmt.Errorf("multiplex: refusing to remove the default branch as explicit")
	}
	h.sink.RemoveBranch(sinkIndex)
	return nil
}

// DuplicateRoute reports true when
// sinkIndex is already one of this multiplex's branches, so Switch can
// skip adding it again.
func (m *Manager) DuplicateRoute(h *Handle, sinkIndex int32) bool {
	_, ok := h.sink.Branch(sinkIndex)
	return ok
}

// --- swtch.MultiplexController ---

// DefaultSink returns the multiplex fronting combinedSinkIdx's current
// default branch target.
func (m *Manager) DefaultSink(combinedSinkIdx int32) (int32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byCombinedSink[combinedSinkIdx]
	if !ok || h.defaultTarget == node.InvalidIndex {
		return 0, false
	}
	return h.defaultTarget, true
}

// RedirectDefault moves the default branch (only) to newTarget.
func (m *Manager) RedirectDefault(combinedSinkIdx, newTarget int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byCombinedSink[combinedSinkIdx]
	if !ok {
		return fmt.Errorf("multiplex: no handle for combined sink %d", combinedSinkIdx)
	}
	if h.defaultTarget == newTarget {
		return nil
	}
	if h.defaultTarget != node.InvalidIndex {
		h.sink.RemoveBranch(h.defaultTarget)
	}
	h.sink.AddBranch(newTarget, fmt.Sprintf("multiplex-%d-default", h.ModuleIndex))
	h.defaultTarget = newTarget
	return nil
}

// AddExplicit adds an explicit branch, deduping against existing branches.
func (m *Manager) AddExplicit(combinedSinkIdx, newTarget int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byCombinedSink[combinedSinkIdx]
	if !ok {
		return fmt.Errorf("multiplex: no handle for combined sink %d", combinedSinkIdx)
	}
	if _, exists := h.sink.Branch(newTarget); exists {
		return nil
	}
	h.sink.AddBranch(newTarget, fmt.Sprintf("multiplex-%d-explicit-%d", h.ModuleIndex, newTarget))
	return nil
}

// RemoveDefault drops the default marker, converting the branch into an
// explicit one. Used when an explicit route targets the sink that is
// already the multiplex's default: the branch keeps carrying audio, it
// just stops tracking the stream's default route.
func (m *Manager) RemoveDefault(combinedSinkIdx int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byCombinedSink[combinedSinkIdx]
	if !ok {
		return fmt.Errorf("multiplex: no handle for combined sink %d", combinedSinkIdx)
	}
	h.defaultTarget = node.InvalidIndex
	return nil
}
