// Package mock provides an in-memory hostif.Host for tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"audiopolicyd/internal/hostif"
)

// Host is a fully in-memory implementation of hostif.Host. Tests drive
// it directly (AddCard, AddSink, ...) and it fans events out to every
// subscriber synchronously, except the CardProfileChanged event of
// SetCardProfile, which is emitted from a new goroutine.
type Host struct {
	mu sync.Mutex

	cards      map[int32]hostif.Card
	sinks      map[int32]hostif.Sink
	sources    map[int32]hostif.Source
	sinkInputs map[int32]hostif.SinkInput

	loopbacks    map[int32][2]int32 // stream index -> (source, sink)
	nextLoopback int32

	subscribers []func(hostif.Event)
	deferred    []func()

	nextVolume map[int32]float64

	// ProfileSwitchErr, when non-nil, is returned by every SetCardProfile
	// call (used to simulate a resource-denial failure).
	ProfileSwitchErr error

	nullSinkIdx, nullSourceIdx int32
	nullLoaded                 bool
}

// New creates an empty mock host.
func New() *Host {
	return &Host{
		cards:      make(map[int32]hostif.Card),
		sinks:      make(map[int32]hostif.Sink),
		sources:    make(map[int32]hostif.Source),
		sinkInputs: make(map[int32]hostif.SinkInput),
		loopbacks:  make(map[int32][2]int32),
		nextVolume: make(map[int32]float64),
	}
}

func (h *Host) Subscribe(_ context.Context, fn func(hostif.Event)) error {
	h.mu.Lock()
	h.subscribers = append(h.subscribers, fn)
	h.mu.Unlock()
	return nil
}

func (h *Host) emit(ev hostif.Event) {
	// Snapshot under lock, call out unlocked so handlers can re-enter the
	// mock (e.g. MoveSinkInput from within a SinkInputNew handler).
	h.mu.Lock()
	subs := append([]func(hostif.Event){}, h.subscribers...)
	h.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (h *Host) Cards() []hostif.Card {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]hostif.Card, 0, len(h.cards))
	for _, c := range h.cards {
		out = append(out, c)
	}
	return out
}

func (h *Host) Sinks() []hostif.Sink {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]hostif.Sink, 0, len(h.sinks))
	for _, s := range h.sinks {
		out = append(out, s)
	}
	return out
}

func (h *Host) Sources() []hostif.Source {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]hostif.Source, 0, len(h.sources))
	for _, s := range h.sources {
		out = append(out, s)
	}
	return out
}

func (h *Host) SinkInputs() []hostif.SinkInput {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]hostif.SinkInput, 0, len(h.sinkInputs))
	for _, s := range h.sinkInputs {
		out = append(out, s)
	}
	return out
}

func (h *Host) SetCardProfile(cardIndex int32, profile string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ProfileSwitchErr != nil {
		return h.ProfileSwitchErr
	}
	c, ok := h.cards[cardIndex]
	if !ok {
		return fmt.Errorf("mock: no such card %d", cardIndex)
	}
	found := false
	for i := range c.Profiles {
		c.Profiles[i].Active = c.Profiles[i].Name == profile
		if c.Profiles[i].Active {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("mock: card %d has no profile %q", cardIndex, profile)
	}
	h.cards[cardIndex] = c
	go h.emit(hostif.Event{Kind: hostif.CardProfileChanged, Card: &c})
	return nil
}

func (h *Host) MoveSinkInput(streamIndex, targetSinkIndex int32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	si, ok := h.sinkInputs[streamIndex]
	if !ok {
		return fmt.Errorf("mock: no such sink-input %d", streamIndex)
	}
	si.SinkIdx = targetSinkIndex
	h.sinkInputs[streamIndex] = si
	return nil
}

func (h *Host) MoveSourceOutput(_, _ int32) error { return nil }

func (h *Host) CreateLoopback(sourceIndex, sinkIndex int32) (int32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextLoopback++
	idx := 9500 + h.nextLoopback
	h.loopbacks[idx] = [2]int32{sourceIndex, sinkIndex}
	return idx, nil
}

func (h *Host) DestroyLoopback(streamIndex int32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.loopbacks[streamIndex]; !ok {
		return fmt.Errorf("mock: no such loopback %d", streamIndex)
	}
	delete(h.loopbacks, streamIndex)
	return nil
}

// LoopbackCount reports the number of live loopback streams (test helper).
func (h *Host) LoopbackCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.loopbacks)
}

// Loopback returns the (source, sink) pair behind a loopback stream
// index (test helper).
func (h *Host) Loopback(streamIndex int32) ([2]int32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	lb, ok := h.loopbacks[streamIndex]
	return lb, ok
}

func (h *Host) ScheduleDeferred(fn func()) {
	h.mu.Lock()
	h.deferred = append(h.deferred, fn)
	h.mu.Unlock()
}

// RunDeferred executes and clears every callback queued via
// ScheduleDeferred, simulating one host main-loop iteration.
func (h *Host) RunDeferred() {
	h.mu.Lock()
	pending := h.deferred
	h.deferred = nil
	h.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (h *Host) LoadNullSink(name string) (int32, int32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.nullLoaded {
		return h.nullSinkIdx, h.nullSourceIdx, nil
	}
	h.nullSinkIdx = 9000
	h.nullSourceIdx = 9001
	h.nullLoaded = true
	h.sinks[h.nullSinkIdx] = hostif.Sink{Index: h.nullSinkIdx, Name: name, CardIndex: -1, MaxChannels: 2}
	h.sources[h.nullSourceIdx] = hostif.Source{Index: h.nullSourceIdx, Name: name, CardIndex: -1, MaxChannels: 2}
	return h.nullSinkIdx, h.nullSourceIdx, nil
}

func (h *Host) SetSinkInputVolume(streamIndex int32, factor float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sinkInputs[streamIndex]; !ok {
		return fmt.Errorf("mock: no such sink-input %d", streamIndex)
	}
	h.nextVolume[streamIndex] = factor
	return nil
}

// Volume returns the last volume factor set for streamIndex (test helper).
func (h *Host) Volume(streamIndex int32) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextVolume[streamIndex]
}

func (h *Host) RenderBlock(sinkIndex int32, maxBytes int) ([]byte, error) {
	return make([]byte, maxBytes), nil
}

// --- test-driver helpers, not part of hostif.Host ---

// AddCard inserts a card and emits CardPut.
func (h *Host) AddCard(c hostif.Card) {
	h.mu.Lock()
	h.cards[c.Index] = c
	h.mu.Unlock()
	h.emit(hostif.Event{Kind: hostif.CardPut, Card: &c})
}

// AddSink inserts a sink and emits SinkPut.
func (h *Host) AddSink(s hostif.Sink) {
	h.mu.Lock()
	h.sinks[s.Index] = s
	h.mu.Unlock()
	h.emit(hostif.Event{Kind: hostif.SinkPut, Sink: &s})
}

// AddSource inserts a source and emits SourcePut.
func (h *Host) AddSource(s hostif.Source) {
	h.mu.Lock()
	h.sources[s.Index] = s
	h.mu.Unlock()
	h.emit(hostif.Event{Kind: hostif.SourcePut, Source: &s})
}

// NewSinkInput emits SinkInputNew (pre-routing), then, once the handler
// has had a chance to set PreroutingTarget, inserts the stream and emits
// SinkInputPut.
func (h *Host) NewSinkInput(si hostif.SinkInput) hostif.SinkInput {
	target := si.SinkIdx
	ev := hostif.Event{Kind: hostif.SinkInputNew, SinkInput: &si, PreroutingTarget: &target}
	h.emit(ev)
	si.SinkIdx = target
	h.mu.Lock()
	h.sinkInputs[si.Index] = si
	h.mu.Unlock()
	h.emit(hostif.Event{Kind: hostif.SinkInputPut, SinkInput: &si})
	return si
}

// NewSourceOutput emits SourceOutputPut for a capture stream.
func (h *Host) NewSourceOutput(so hostif.SourceOutput) {
	h.emit(hostif.Event{Kind: hostif.SourceOutputPut, SourceOutput: &so})
}

// UnlinkSourceOutput emits SourceOutputUnlink.
func (h *Host) UnlinkSourceOutput(index int32) {
	h.emit(hostif.Event{Kind: hostif.SourceOutputUnlink, SourceOutput: &hostif.SourceOutput{Index: index}})
}

// UnlinkSinkInput removes a stream and emits SinkInputUnlink.
func (h *Host) UnlinkSinkInput(index int32) {
	h.mu.Lock()
	si, ok := h.sinkInputs[index]
	delete(h.sinkInputs, index)
	h.mu.Unlock()
	if ok {
		h.emit(hostif.Event{Kind: hostif.SinkInputUnlink, SinkInput: &si})
	}
}

// SetPortAvailable emits PortAvailableChanged for cardIndex/portName.
func (h *Host) SetPortAvailable(cardIndex int32, portName string, avail hostif.Availability) {
	h.mu.Lock()
	c, ok := h.cards[cardIndex]
	if ok {
		for i := range c.Ports {
			if c.Ports[i].Name == portName {
				c.Ports[i].Available = avail
			}
		}
		h.cards[cardIndex] = c
	}
	h.mu.Unlock()
	if ok {
		h.emit(hostif.Event{Kind: hostif.PortAvailableChanged, Card: &c, Port: &hostif.Port{Name: portName, Available: avail}})
	}
}

// UnlinkCard removes a card and emits CardUnlink.
func (h *Host) UnlinkCard(cardIndex int32) {
	h.mu.Lock()
	c, ok := h.cards[cardIndex]
	delete(h.cards, cardIndex)
	h.mu.Unlock()
	if ok {
		h.emit(hostif.Event{Kind: hostif.CardUnlink, Card: &c})
	}
}

var _ hostif.Host = (*Host)(nil)
