//go:build linux

// Package udevhost is a partial hostif.Host adapter over udev ALSA card
// enumeration via github.com/jochenvg/go-udev. The audio server host
// itself is an external collaborator and hostif.Host's mock is the
// reference test double; udevhost exists as the one piece of that
// contract that can honestly be implemented from udev alone: card
// discovery and hotplug (CardPut/CardUnlink). Sinks/sources/streams,
// profile switching and rendering belong to the audio server proper
// (PulseAudio/PipeWire) and are not obtainable from udev, so those
// methods report the operation unsupported or return nothing, as
// documented below, rather than silently wrong data.
package udevhost

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/jochenvg/go-udev"

	"audiopolicyd/internal/hostif"
)

// Host enumerates ALSA sound cards through udev and turns
// add/remove/change events into hostif.Event deliveries. It does not
// track sinks, sources or streams; those are owned by the audio
// server and are invisible to udev.
type Host struct {
	mu sync.Mutex

	u           udev.Udev
	subscribers []func(hostif.Event)
	cards       map[int32]hostif.Card

	log *slog.Logger
}

// New creates a udev-backed Host. It does nothing until Run is started.
func New(log *slog.Logger) *Host {
	if log == nil {
		log = slog.Default()
	}
	return &Host{cards: make(map[int32]hostif.Card), log: log}
}

func (h *Host) Subscribe(_ context.Context, fn func(hostif.Event)) error {
	h.mu.Lock()
	h.subscribers = append(h.subscribers, fn)
	h.mu.Unlock()
	return nil
}

func (h *Host) emit(ev hostif.Event) {
	h.mu.Lock()
	subs := append([]func(hostif.Event){}, h.subscribers...)
	h.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Run enumerates existing sound cards, delivers CardPut for each, then
// watches the udev netlink monitor for "sound" subsystem changes until
// ctx is canceled.
func (h *Host) Run(ctx context.Context) error {
	e := h.u.NewEnumerate()
	if err := e.AddMatchSubsystem("sound"); err != nil {
		return fmt.Errorf("udevhost: match subsystem: %w", err)
	}
	devices, err := e.Devices()
	if err != nil {
		return fmt.Errorf("udevhost: enumerate: %w", err)
	}
	for _, d := range devices {
		h.putCard(d)
	}

	m := h.u.NewMonitorFromNetlink("udev")
	if err := m.FilterAddMatchSubsystem("sound"); err != nil {
		return fmt.Errorf("udevhost: monitor filter: %w", err)
	}
	ch, errCh, err := m.DeviceChan(ctx)
	if err != nil {
		return fmt.Errorf("udevhost: device channel: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err != nil {
				h.log.Warn("udevhost: monitor error", "err", err)
			}
		case d, ok := <-ch:
			if !ok {
				return nil
			}
			switch d.Action() {
			case "remove":
				h.unlinkCard(d)
			default:
				h.putCard(d)
			}
		}
	}
}

func cardIndexOf(d *udev.Device) (int32, bool) {
	name := d.Sysname() // e.g. "card0"
	if !strings.HasPrefix(name, "card") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, "card"))
	if err != nil {
		return 0, false
	}
	return int32(n), true
}

func (h *Host) putCard(d *udev.Device) {
	idx, ok := cardIndexOf(d)
	if !ok {
		return
	}
	props := hostif.Proplist{}
	for k, v := range d.Properties() {
		props[k] = v
	}

	c := hostif.Card{
		Index: idx,
		Name:  d.PropertyValue("ID_MODEL"),
		Bus:   d.PropertyValue("ID_BUS"),
		Props: props,
	}
	if c.Name == "" {
		c.Name = d.Sysname()
	}

	h.mu.Lock()
	h.cards[idx] = c
	h.mu.Unlock()

	h.emit(hostif.Event{Kind: hostif.CardPut, Card: &c})
}

func (h *Host) unlinkCard(d *udev.Device) {
	idx, ok := cardIndexOf(d)
	if !ok {
		return
	}
	h.mu.Lock()
	c, exists := h.cards[idx]
	delete(h.cards, idx)
	h.mu.Unlock()
	if !exists {
		return
	}
	h.emit(hostif.Event{Kind: hostif.CardUnlink, Card: &c})
}

// Cards returns the cards currently known from udev enumeration.
func (h *Host) Cards() []hostif.Card {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]hostif.Card, 0, len(h.cards))
	for _, c := range h.cards {
		out = append(out, c)
	}
	return out
}

// Sinks, Sources and SinkInputs are not observable from udev; the audio
// server (not this adapter) is the source of truth for them.
func (h *Host) Sinks() []hostif.Sink           { return nil }
func (h *Host) Sources() []hostif.Source       { return nil }
func (h *Host) SinkInputs() []hostif.SinkInput { return nil }

// SetCardProfile is not something udev can perform; ALSA profile
// selection belongs to the audio server's card-profile module.
func (h *Host) SetCardProfile(cardIndex int32, profile string) error {
	return fmt.Errorf("udevhost: profile switching unsupported (card %d -> %q)", cardIndex, profile)
}

func (h *Host) MoveSinkInput(streamIndex, targetSinkIndex int32) error {
	return fmt.Errorf("udevhost: stream routing unsupported")
}

func (h *Host) MoveSourceOutput(streamIndex, targetSourceIndex int32) error {
	return fmt.Errorf("udevhost: stream routing unsupported")
}

func (h *Host) CreateLoopback(_, _ int32) (int32, error) {
	return 0, fmt.Errorf("udevhost: loopback streams unsupported")
}

func (h *Host) DestroyLoopback(_ int32) error {
	return fmt.Errorf("udevhost: loopback streams unsupported")
}

// ScheduleDeferred runs fn inline; udevhost has no host main loop of its
// own to defer onto.
func (h *Host) ScheduleDeferred(fn func()) { fn() }

func (h *Host) LoadNullSink(name string) (int32, int32, error) {
	return 0, 0, fmt.Errorf("udevhost: null sink loading unsupported")
}

func (h *Host) SetSinkInputVolume(streamIndex int32, factor float64) error {
	return fmt.Errorf("udevhost: volume control unsupported")
}

func (h *Host) RenderBlock(sinkIndex int32, maxBytes int) ([]byte, error) {
	return nil, fmt.Errorf("udevhost: block rendering unsupported")
}

var _ hostif.Host = (*Host)(nil)
