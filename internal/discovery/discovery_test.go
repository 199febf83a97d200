package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audiopolicyd/internal/hostif"
	"audiopolicyd/internal/hostif/mock"
	"audiopolicyd/internal/node"
	"audiopolicyd/internal/router"
	"audiopolicyd/internal/stamp"
)

func newTestDiscovery(t *testing.T) (*Discovery, *mock.Host, *router.Router) {
	t.Helper()
	host := mock.New()
	reg := node.NewRegistry()
	r := router.New(nil)
	r.AddGroup(router.NewDefaultGroup("default"))
	require.NoError(t, r.BindClass(node.TypePlayer, "default", 10))

	stamps := &stamp.Counter{}
	d := New(reg, r, stamps, host, DefaultConfig(), nil)
	r.SetIndexResolver(func(idx int32) (*node.Node, bool) {
		return reg.FindByHostIndex(idx)
	})
	return d, host, r
}

func TestAddCardThenAddSinkAttachesHostIndex(t *testing.T) {
	d, host, _ := newTestDiscovery(t)

	host.AddCard(hostif.Card{
		Index:    1,
		Bus:      "pci",
		Ports:    []hostif.Port{{Name: "analog-output-speaker", Available: hostif.AvailabilityYes}},
		Profiles: []hostif.Profile{{Name: "output:analog-stereo", Active: true}},
	})
	d.AddCard(hostif.Card{
		Index:    1,
		Bus:      "pci",
		Ports:    []hostif.Port{{Name: "analog-output-speaker", Available: hostif.AvailabilityYes}},
		Profiles: []hostif.Profile{{Name: "output:analog-stereo", Active: true}},
	})

	n, ok := d.FindByKey(alsaKey(1, node.Output, "analog-output-speaker"))
	require.True(t, ok)
	assert.Equal(t, node.TypeSpeakers, n.Type)
	assert.Equal(t, node.InvalidIndex, n.PAIdx)

	d.AddSink(hostif.Sink{Index: 5, Name: "alsa_output.pci-1", CardIndex: 1, Port: "analog-output-speaker", MaxChannels: 2})

	assert.Equal(t, int32(5), n.PAIdx)
	assert.Equal(t, 2, n.Channels)
}

func TestAddSinkRejectsOutOfBandChannelCount(t *testing.T) {
	d, _, _ := newTestDiscovery(t)
	d.AddCard(hostif.Card{
		Index: 1,
		Bus:   "pci",
		Ports: []hostif.Port{{Name: "analog-output-speaker", Available: hostif.AvailabilityYes}},
	})
	d.AddSink(hostif.Sink{Index: 5, CardIndex: 1, Port: "analog-output-speaker", MaxChannels: 8})

	n, ok := d.FindByKey(alsaKey(1, node.Output, "analog-output-speaker"))
	require.True(t, ok)
	assert.Equal(t, node.InvalidIndex, n.PAIdx)
}

func TestBluetoothCardStartsUnavailableUntilProfileActive(t *testing.T) {
	d, _, _ := newTestDiscovery(t)
	card := hostif.Card{
		Index:    2,
		Bus:      "bluetooth",
		Profiles: []hostif.Profile{
			{Name: "a2dp_sink", Active: false},
			{Name: "hsp", Active: false},
		},
	}
	d.AddCard(card)

	n, ok := d.FindByKey(btKey(2, "a2dp_sink", node.Output))
	require.True(t, ok)
	assert.False(t, n.Available)

	card.Profiles[0].Active = true
	d.ProfileChanged(card)

	n2, ok := d.FindByKey(btKey(2, "a2dp_sink", node.Output))
	require.True(t, ok)
	assert.True(t, n2.Available)
}

func TestAddSinkInputPreResolvesViaRouter(t *testing.T) {
	d, _, r := newTestDiscovery(t)
	d.AddCard(hostif.Card{
		Index: 1,
		Bus:   "pci",
		Ports: []hostif.Port{{Name: "analog-output-speaker", Available: hostif.AvailabilityYes}},
	})
	d.AddSink(hostif.Sink{Index: 5, CardIndex: 1, Port: "analog-output-speaker", MaxChannels: 2})
	_ = r

	si := hostif.SinkInput{Index: 100, Props: hostif.Proplist{"media.role": "music"}}
	var target int32 = -1
	d.AddSinkInputPre(&si, &target)
	assert.Equal(t, int32(5), target)
}

func TestAddSinkInputPreCreatesMultiplexForCapableClass(t *testing.T) {
	d, _, _ := newTestDiscovery(t)
	d.AddCard(hostif.Card{
		Index: 1,
		Bus:   "pci",
		Ports: []hostif.Port{{Name: "analog-output-speaker", Available: hostif.AvailabilityYes}},
	})
	d.AddSink(hostif.Sink{Index: 5, CardIndex: 1, Port: "analog-output-speaker", MaxChannels: 2})

	var resolvedTarget *node.Node
	d.Multiplex = func(target *node.Node) (*node.MuxHandle, bool) {
		resolvedTarget = target
		return &node.MuxHandle{SinkIndex: 9000, ModuleIdx: 1}, true
	}

	si := hostif.SinkInput{Index: 100, Props: hostif.Proplist{"media.role": "music"}}
	var target int32 = -1
	d.AddSinkInputPre(&si, &target)

	require.NotNil(t, resolvedTarget)
	assert.Equal(t, int32(5), resolvedTarget.PAIdx)
	assert.Equal(t, int32(9000), target)

	d.AddSinkInputPost(si)
	n, ok := d.FindByKey("stream:100")
	require.True(t, ok)
	require.NotNil(t, n.Mux)
	assert.Equal(t, int32(9000), n.Mux.SinkIndex)
}

func TestAddSinkInputPreSkipsMultiplexForNonCapableClass(t *testing.T) {
	d, _, r := newTestDiscovery(t)
	require.NoError(t, r.BindClass(node.TypePhone, "default", 20))
	d.AddCard(hostif.Card{
		Index: 1,
		Bus:   "pci",
		Ports: []hostif.Port{{Name: "analog-output-speaker", Available: hostif.AvailabilityYes}},
	})
	d.AddSink(hostif.Sink{Index: 5, CardIndex: 1, Port: "analog-output-speaker", MaxChannels: 2})

	called := false
	d.Multiplex = func(target *node.Node) (*node.MuxHandle, bool) {
		called = true
		return nil, false
	}

	si := hostif.SinkInput{Index: 100, Props: hostif.Proplist{"media.role": "phone"}}
	var target int32 = -1
	d.AddSinkInputPre(&si, &target)

	assert.False(t, called)
	assert.Equal(t, int32(5), target)
}

func TestBluetoothCarkitSinkGetsLoopbackFromNullSource(t *testing.T) {
	d, host, _ := newTestDiscovery(t)
	d.NullSinkIdx, d.NullSourceIdx = 9000, 9001

	d.AddCard(hostif.Card{
		Index:    3,
		Bus:      "bluetooth",
		Profiles: []hostif.Profile{{Name: "hfgw", Active: true}},
	})
	d.AddSink(hostif.Sink{Index: 40, CardIndex: 3, MaxChannels: 1})

	n, ok := d.FindByKey(btKey(3, "hfgw", node.Output))
	require.True(t, ok)
	require.NotNil(t, n.Loop)
	assert.True(t, n.Loop.FromNull)
	assert.NotEqual(t, node.InvalidIndex, n.Loop.StreamIndex)

	lb, ok := host.Loopback(n.Loop.StreamIndex)
	require.True(t, ok)
	assert.Equal(t, [2]int32{9001, 40}, lb) // null source -> carkit sink
}

func TestLoopbackTornDownOnSinkUnlinkAndCardRemoval(t *testing.T) {
	d, host, _ := newTestDiscovery(t)
	d.NullSinkIdx, d.NullSourceIdx = 9000, 9001

	d.AddCard(hostif.Card{
		Index:    3,
		Bus:      "bluetooth",
		Profiles: []hostif.Profile{{Name: "hfgw", Active: true}},
	})
	d.AddSink(hostif.Sink{Index: 40, CardIndex: 3, MaxChannels: 1})
	require.Equal(t, 1, host.LoopbackCount())

	d.RemoveSink(40)
	assert.Equal(t, 0, host.LoopbackCount())

	n, _ := d.FindByKey(btKey(3, "hfgw", node.Output))
	assert.Nil(t, n.Loop)

	// Re-attach, then drop the whole card.
	d.AddSink(hostif.Sink{Index: 41, CardIndex: 3, MaxChannels: 1})
	require.Equal(t, 1, host.LoopbackCount())
	d.RemoveCard(3)
	assert.Equal(t, 0, host.LoopbackCount())
}

func TestLoopbackSkippedWithoutNullSink(t *testing.T) {
	d, host, _ := newTestDiscovery(t)

	d.AddCard(hostif.Card{
		Index:    3,
		Bus:      "bluetooth",
		Profiles: []hostif.Profile{{Name: "hfgw", Active: true}},
	})
	d.AddSink(hostif.Sink{Index: 40, CardIndex: 3, MaxChannels: 1})

	n, ok := d.FindByKey(btKey(3, "hfgw", node.Output))
	require.True(t, ok)
	assert.Nil(t, n.Loop)
	assert.Equal(t, 0, host.LoopbackCount())
}

func TestSourceOutputRegistrationAndRemoval(t *testing.T) {
	d, _, _ := newTestDiscovery(t)
	so := hostif.SourceOutput{Index: 200, Props: hostif.Proplist{"media.role": "phone"}}
	d.AddSourceOutput(so)

	n, ok := d.FindByKey("capture:200")
	require.True(t, ok)
	assert.Equal(t, node.TypePhone, n.Type)
	assert.Equal(t, node.Input, n.Direction)

	d.RemoveSourceOutput(200)
	_, ok = d.FindByKey("capture:200")
	assert.False(t, ok)
}

func TestRemoveSinkInputUnregisters(t *testing.T) {
	d, _, _ := newTestDiscovery(t)
	si := hostif.SinkInput{Index: 100, SinkIdx: 5, Props: hostif.Proplist{"media.role": "music"}}
	d.AddSinkInputPost(si)

	_, ok := d.FindByKey("stream:100")
	require.True(t, ok)

	d.RemoveSinkInput(100)
	_, ok = d.FindByKey("stream:100")
	assert.False(t, ok)
}
