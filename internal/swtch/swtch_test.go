package swtch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audiopolicyd/internal/hostif"
	"audiopolicyd/internal/hostif/mock"
	"audiopolicyd/internal/node"
)

func newCardNode(host *mock.Host, cardIdx int32, profile string) *node.Node {
	host.AddCard(hostif.Card{
		Index:    cardIdx,
		Bus:      "pci",
		Profiles: []hostif.Profile{{Name: profile, Active: false}},
	})
	return node.New(node.Node{
		Key: "dev", Implement: node.Device, Type: node.TypeSpeakers,
		Available: true, PAIdx: 5, PACardIndex: cardIdx, PACardProfile: profile,
	})
}

func TestStreamToDeviceMovesWithoutMultiplex(t *testing.T) {
	host := mock.New()
	sw := New(host, nil, nil)
	dev := newCardNode(host, 1, "output:analog-stereo")
	host.NewSinkInput(hostif.SinkInput{Index: 10, SinkIdx: 0})

	stream := node.New(node.Node{Key: "s", Implement: node.Stream, Type: node.TypePlayer, PAIdx: 10})

	ok, err := sw.SetupLink(stream, dev, false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeviceToDeviceFromNullIsProfileOnly(t *testing.T) {
	host := mock.New()
	sw := New(host, nil, nil)
	nullDev := node.New(node.Node{Key: "null", Implement: node.Device, Type: node.TypeNull, PAIdx: 0})
	dev := newCardNode(host, 1, "output:analog-stereo")

	ok, err := sw.SetupLink(nullDev, dev, false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnsupportedCaseReturnsFalseNotError(t *testing.T) {
	sw := New(mock.New(), nil, nil)
	devA := node.New(node.Node{Key: "a", Implement: node.Device, Type: node.TypeSpeakers, PAIdx: 1})
	devB := node.New(node.Node{Key: "b", Implement: node.Device, Type: node.TypeSpeakers, PAIdx: 2})

	ok, err := sw.SetupLink(devA, devB, true) // explicit device->device unsupported
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnsureProfileRefusesNestedChangeOnSameCard(t *testing.T) {
	host := mock.New()
	sw := New(host, nil, nil)
	dev := newCardNode(host, 1, "output:analog-stereo")

	sw.mu.Lock()
	sw.pendingProfile[1] = true
	sw.mu.Unlock()

	err := sw.ensureProfile(dev)
	assert.Error(t, err)
}

func TestEnsureProfileSkipsWhenAlreadyActive(t *testing.T) {
	host := mock.New()
	host.ProfileSwitchErr = assert.AnError // would fail if the switch tried to set it
	sw := New(host, nil, nil)
	host.AddCard(hostif.Card{
		Index:    2,
		Bus:      "pci",
		Profiles: []hostif.Profile{{Name: "output:analog-stereo", Active: true}},
	})
	dev := node.New(node.Node{
		Key: "dev2", Implement: node.Device, Type: node.TypeSpeakers,
		Available: true, PAIdx: 6, PACardIndex: 2, PACardProfile: "output:analog-stereo",
	})

	assert.NoError(t, sw.ensureProfile(dev))
}

func TestEnsureProfilePropagatesHostError(t *testing.T) {
	host := mock.New()
	host.ProfileSwitchErr = assert.AnError
	sw := New(host, nil, nil)
	dev := newCardNode(host, 1, "output:analog-stereo")

	_, err := sw.SetupLink(node.New(node.Node{Implement: node.Stream, PAIdx: 10}), dev, false)
	assert.Error(t, err)
}
