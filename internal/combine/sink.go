// Package combine implements the real-time multi-output mixer: a
// synthetic sink that fans one rendered block to N output branches and
// keeps them time-aligned via per-branch adaptive resampling.
package combine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"

	"audiopolicyd/internal/hostif"
)

// Block is the PCM unit fanned out between the combined sink's task and
// each branch's task.
type Block = audio.IntBuffer

// ctrlKind enumerates the sentinel control messages carried alongside
// blocks on a branch's queues.
type ctrlKind int

const (
	ctrlBlock ctrlKind = iota
	ctrlUnloadModule
	ctrlShutdown
	ctrlSuspend
	ctrlResume
)

type ctrlMsg struct {
	kind  ctrlKind
	block *Block
}

// Branch is one output sink fed by the combined sink. Each branch owns
// two single-producer/single-consumer channels between the combined
// sink's task and the target sink's task.
type Branch struct {
	SinkIndex int32
	Name      string

	inq  chan ctrlMsg // combine task -> branch task
	outq chan ctrlMsg // branch task -> combine task

	maxRequest       atomic.Int64 // bytes; published by the branch's own negotiation
	requestedLatency atomic.Int64 // nanoseconds

	active atomic.Bool

	baseRate    float64
	currentRate atomic.Uint64 // float64 bits

	mu           sync.Mutex
	sinkLatency  time.Duration
	totalLatency time.Duration

	isDefault bool // tracks the stream's chosen default route
}

func newBranch(sinkIndex int32, name string, baseRate float64) *Branch {
	b := &Branch{
		SinkIndex: sinkIndex,
		Name:      name,
		inq:       make(chan ctrlMsg, 8),
		outq:      make(chan ctrlMsg, 8),
		baseRate:  baseRate,
	}
	b.requestedLatency.Store(int64(BlockUsec))
	b.setRate(baseRate)
	return b
}

func (b *Branch) setRate(hz float64) {
	b.currentRate.Store(math.Float64bits(hz))
}

// Rate returns the branch's current resample rate in Hz.
func (b *Branch) Rate() float64 {
	return math.Float64frombits(b.currentRate.Load())
}

// PublishLatency is called by the branch's owning task to report its
// current sink/total latency, consulted by the rate-adjustment
// controller. Cross-thread publication uses a mutex local to the branch,
// never a lock shared with the combined sink's render loop.
func (b *Branch) PublishLatency(sinkLatency, totalLatency time.Duration) {
	b.mu.Lock()
	b.sinkLatency = sinkLatency
	b.totalLatency = totalLatency
	b.mu.Unlock()
}

// SetActive marks whether this branch currently carries an active
// stream. Only active branches participate in target-latency and
// rate-adjustment computations.
func (b *Branch) SetActive(active bool) {
	b.active.Store(active)
}

func (b *Branch) latencySample() OutputLatency {
	b.mu.Lock()
	defer b.mu.Unlock()
	return OutputLatency{
		SinkLatency:  b.sinkLatency,
		TotalLatency: b.totalLatency,
		Active:       b.active.Load(),
	}
}

// Sink is one combined-sink instance. Its I/O task drives production:
// while any branch's local queue is non-readable, it renders a new block
// from the host and fans it out.
type Sink struct {
	Name       string
	Host       hostif.Host
	SelfIndex  int32 // this combined sink's own host sink index
	BaseRate   float64
	AdjustTime time.Duration

	mu       sync.Mutex
	branches map[int32]*Branch

	smoother *EWMASmoother
	log      *slog.Logger

	maxRequest atomic.Int64

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a combined sink. Call AddBranch for each slave sink before
// Run.
func New(name string, host hostif.Host, selfIndex int32, baseRate float64, adjustTime time.Duration, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	if adjustTime <= 0 {
		adjustTime = 10 * time.Second
	}
	return &Sink{
		Name:       name,
		Host:       host,
		SelfIndex:  selfIndex,
		BaseRate:   baseRate,
		AdjustTime: adjustTime,
		branches:   make(map[int32]*Branch),
		smoother:   NewEWMASmoother(0.3),
		log:        log,
		done:       make(chan struct{}),
	}
}

// AddBranch attaches a new output sink to the combine.
func (s *Sink) AddBranch(sinkIndex int32, name string) *Branch {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := newBranch(sinkIndex, name, s.BaseRate)
	s.branches[sinkIndex] = b
	return b
}

// RemoveBranch detaches an output sink (host unlink hook). The branch's
// name is retained by the caller (Multiplex) so it can be re-attached
// later.
func (s *Sink) RemoveBranch(sinkIndex int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.branches, sinkIndex)
}

// Branch returns the branch for a sink index, if attached.
func (s *Sink) Branch(sinkIndex int32) (*Branch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[sinkIndex]
	return b, ok
}

// Branches returns a snapshot of all attached branches.
func (s *Sink) Branches() []*Branch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Branch, 0, len(s.branches))
	for _, b := range s.branches {
		out = append(out, b)
	}
	return out
}

// EffectiveMaxRequest is the combined sink's own max_request: the maximum
// over every branch's advertised max_request, or bytesPerBlockUsec when
// no branch has published a positive value.
func (s *Sink) EffectiveMaxRequest(bytesPerBlockUsec int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := int64(0)
	for _, b := range s.branches {
		if mr := b.maxRequest.Load(); mr > max {
			max = mr
		}
	}
	if max <= 0 {
		max = bytesPerBlockUsec
	}
	return max
}

// renderOnce performs one render-loop iteration: ask the host for a block
// sized to the effective max_request, then fan it to every branch's inq.
// Rendering is driven by the combined sink itself, not by an individual
// branch, so every branch receives the same block.
func (s *Sink) renderOnce(maxBytes int) error {
	raw, err := s.Host.RenderBlock(s.SelfIndex, maxBytes)
	if err != nil {
		return fmt.Errorf("combine: render block: %w", err)
	}
	block := &Block{Data: bytesToInts(raw)}

	for _, b := range s.Branches() {
		select {
		case b.inq <- ctrlMsg{kind: ctrlBlock, block: block}:
		default:
			s.log.Warn("combine: branch inq full, dropping block", "branch", b.Name)
		}
	}
	return nil
}

// Run drives the combined sink until ctx is canceled or Shutdown is
// called. Every BlockUsec it renders one block and fans it to every
// attached branch, whether or not the branch is active (with no branch
// attached the block is discarded); branches do not request data
// individually. Every AdjustTime it runs the rate controller.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(BlockUsec)
	defer ticker.Stop()

	adjustTicker := time.NewTicker(s.AdjustTime)
	defer adjustTicker.Stop()

	// One BlockUsec's worth of s16 stereo frames at the base rate; used as
	// the render size until a branch publishes a max_request of its own
	// (see EffectiveMaxRequest).
	bytesPerBlock := int64(s.BaseRate * BlockUsec.Seconds() * 4)
	if bytesPerBlock <= 0 {
		bytesPerBlock = 4096
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			maxReq := s.EffectiveMaxRequest(bytesPerBlock)
			if err := s.renderOnce(int(maxReq)); err != nil {
				s.log.Warn("combine: render failed", "sink", s.Name, "err", err)
			}
		case <-adjustTicker.C:
			s.adjust()
		}
	}
}

// adjust runs one pass of the adjust_time latency/rate controller.
func (s *Sink) adjust() {
	branches := s.Branches()
	samples := make([]OutputLatency, 0, len(branches))
	var totalSum time.Duration
	activeCount := 0
	for _, b := range branches {
		smp := b.latencySample()
		if !smp.Active {
			continue
		}
		samples = append(samples, smp)
		totalSum += smp.TotalLatency
		activeCount++
	}
	if len(samples) == 0 {
		return
	}
	target := targetLatency(samples)

	for _, b := range branches {
		smp := b.latencySample()
		if !smp.Active {
			continue
		}
		if smp.TotalLatency > 10*time.Second {
			s.log.Warn("combine: latency outlier, suspected driver bug", "branch", b.Name, "latency", smp.TotalLatency)
		}
		newRate := adjustRate(s.BaseRate, b.Rate(), smp.TotalLatency, target, s.AdjustTime)
		b.setRate(newRate)
	}

	if activeCount > 0 {
		avg := totalSum / time.Duration(activeCount)
		s.smoother.Push(avg)
	}
}

// Shutdown runs the cancellation sequence: post
// UNLOAD_MODULE on each branch's outbound queue, stop the render loop,
// and drain anything left pending. Safe to call more than once; never
// blocks waiting on a branch that has no task draining its queues.
func (s *Sink) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.done)
		for _, b := range s.Branches() {
			select {
			case b.outq <- ctrlMsg{kind: ctrlUnloadModule}:
			default:
				s.log.Debug("combine: branch outq full posting unload", "branch", b.Name)
			}
			s.drain(b)
		}
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (s *Sink) drain(b *Branch) {
	for {
		select {
		case <-b.inq:
		default:
			return
		}
	}
}

// SetSuspended broadcasts suspend/resume to every branch in lockstep; the
// combined sink itself is always driven.
func (s *Sink) SetSuspended(suspended bool) {
	kind := ctrlResume
	if suspended {
		kind = ctrlSuspend
	}
	for _, b := range s.Branches() {
		select {
		case b.inq <- ctrlMsg{kind: kind}:
		default:
		}
	}
}

func bytesToInts(raw []byte) []int {
	out := make([]int, len(raw))
	for i, b := range raw {
		out[i] = int(b)
	}
	return out
}
