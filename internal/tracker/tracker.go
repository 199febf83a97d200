// Package tracker subscribes to host hooks, performs the startup
// synchronization sweep, and forwards every hook to Discovery.
package tracker

import (
	"context"
	"fmt"
	"log/slog"

	"audiopolicyd/internal/hostif"
	"audiopolicyd/internal/router"
	"audiopolicyd/internal/stamp"
)

// Sink is the subset of Discovery that Tracker drives: the single
// HandleEvent dispatch, used both for live host events and for the
// startup sweep. Declared as an interface so Tracker
// doesn't need to import package discovery directly, keeping the two
// packages free to evolve independently.
type Sink interface {
	HandleEvent(ev hostif.Event)
}

// Tracker wires a Sink to a host's hook stream and performs the startup
// sweep.
type Tracker struct {
	host   hostif.Host
	sink   Sink
	router *router.Router
	stamps *stamp.Counter
	log    *slog.Logger
}

// New creates a Tracker. Call Start to subscribe and perform the initial
// sweep.
func New(host hostif.Host, sink Sink, r *router.Router, stamps *stamp.Counter, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{host: host, sink: sink, router: r, stamps: stamps, log: log}
}

// Start subscribes to the host's hook stream and performs the full
// synchronization sweep (cards -> sinks -> sources -> sink-inputs),
// followed by an initial routing pass.
func (t *Tracker) Start(ctx context.Context) error {
	if err := t.host.Subscribe(ctx, t.sink.HandleEvent); err != nil {
		return fmt.Errorf("tracker: subscribe: %w", err)
	}
	t.sync()
	t.router.MakeRouting(t.stamps.New())
	return nil
}

// sync performs the startup sweep: every currently-known host object is
// fed through the same events Discovery would see live, so Discovery
// never needs a separate "initial load" code path.
func (t *Tracker) sync() {
	for _, c := range t.host.Cards() {
		card := c
		t.sink.HandleEvent(hostif.Event{Kind: hostif.CardPut, Card: &card})
	}
	for _, s := range t.host.Sinks() {
		sink := s
		t.sink.HandleEvent(hostif.Event{Kind: hostif.SinkPut, Sink: &sink})
	}
	for _, s := range t.host.Sources() {
		src := s
		t.sink.HandleEvent(hostif.Event{Kind: hostif.SourcePut, Source: &src})
	}
	for _, si := range t.host.SinkInputs() {
		input := si
		t.log.Debug("tracker: sweeping pre-existing sink-input", "index", input.Index)
		t.sink.HandleEvent(hostif.Event{Kind: hostif.SinkInputPut, SinkInput: &input})
	}
}
