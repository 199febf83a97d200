package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audiopolicyd/internal/constraints"
	"audiopolicyd/internal/discovery"
	"audiopolicyd/internal/eventlog"
	"audiopolicyd/internal/hostif"
	"audiopolicyd/internal/hostif/mock"
	"audiopolicyd/internal/node"
	"audiopolicyd/internal/router"
	"audiopolicyd/internal/stamp"
)

func newTestSink(t *testing.T) (*fanOutSink, *node.Registry, *mock.Host) {
	t.Helper()
	host := mock.New()
	registry := node.NewRegistry()
	stamps := &stamp.Counter{}
	rt := router.New(nil)
	rt.AddGroup(router.NewDefaultGroup("default"))
	require.NoError(t, rt.BindClass(node.TypePlayer, "default", 0))

	disco := discovery.New(registry, rt, stamps, host, discovery.DefaultConfig(), nil)
	events, err := eventlog.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })

	return &fanOutSink{
		discovery:   disco,
		constraints: constraints.NewSet(),
		registry:    registry,
		events:      events,
		log:         slog.Default(),
	}, registry, host
}

func TestFanOutSinkCreatesConstraintPerCard(t *testing.T) {
	sink, _, _ := newTestSink(t)

	sink.HandleEvent(hostif.Event{Kind: hostif.CardPut, Card: &hostif.Card{
		Index: 3, Name: "Built-in Audio", Bus: "pci",
		Ports:    []hostif.Port{{Name: "analog-output-speaker", Available: hostif.AvailabilityYes}},
		Profiles: []hostif.Profile{{Name: "output:analog-stereo", Active: true}},
	}})

	cd, ok := sink.constraints.Get(cardConstraintName(3))
	require.True(t, ok)
	assert.Equal(t, constraints.KindCard, cd.Kind)
}

func TestFanOutSinkDestroysConstraintOnCardUnlink(t *testing.T) {
	sink, _, _ := newTestSink(t)

	sink.HandleEvent(hostif.Event{Kind: hostif.CardPut, Card: &hostif.Card{Index: 1, Name: "card1", Bus: "usb"}})
	_, ok := sink.constraints.Get(cardConstraintName(1))
	require.True(t, ok)

	sink.HandleEvent(hostif.Event{Kind: hostif.CardUnlink, Card: &hostif.Card{Index: 1, Name: "card1"}})
	_, ok = sink.constraints.Get(cardConstraintName(1))
	assert.False(t, ok)
}

func TestFanOutSinkLogsCardLifecycleEvents(t *testing.T) {
	sink, _, _ := newTestSink(t)

	sink.HandleEvent(hostif.Event{Kind: hostif.CardPut, Card: &hostif.Card{Index: 7, Name: "card7"}})
	sink.HandleEvent(hostif.Event{Kind: hostif.CardUnlink, Card: &hostif.Card{Index: 7, Name: "card7"}})

	recent, err := sink.events.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, eventlog.NodeDestroyed, recent[0].Kind) // newest first
	assert.Equal(t, eventlog.NodeCreated, recent[1].Kind)
}

func TestAdminSourceRendersRegisteredNodes(t *testing.T) {
	_, registry, _ := newTestSink(t)
	rt := router.New(nil)
	src := &adminSource{registry: registry, router: rt, mux: nil}

	n := node.New(node.Node{Key: "alsa:0:output:speaker", Type: node.TypeSpeakers, Implement: node.Device, Available: true, Visible: true, PAIdx: 5})
	require.NoError(t, registry.Add(n))

	views := src.Nodes()
	require.Len(t, views, 1)
	assert.Equal(t, int32(5), views[0].Index)
	assert.Equal(t, "speakers", views[0].Type)
}
