package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audiopolicyd/internal/constraints"
	"audiopolicyd/internal/node"
)

type fakeSwitch struct {
	calls []string
}

func (f *fakeSwitch) SetupLink(from, to *node.Node, explicit bool) (bool, error) {
	fromKey := "default"
	if from != nil {
		fromKey = from.Key
	}
	f.calls = append(f.calls, fromKey+"->"+to.Key)
	return true, nil
}

func newTestRouter(t *testing.T) (*Router, *fakeSwitch) {
	t.Helper()
	r := New(nil)
	r.AddGroup(NewDefaultGroup("default"))
	sw := &fakeSwitch{}
	r.Switch = sw
	require.NoError(t, r.BindClass(node.TypePlayer, "default", 10))
	return r, sw
}

func TestFindDefaultRoutePrefersHigherChannelsOverNull(t *testing.T) {
	r, _ := newTestRouter(t)

	null := node.New(node.Node{Key: "null", Implement: node.Device, Type: node.TypeNull, Available: true, PAIdx: 0})
	speakers := node.New(node.Node{Key: "speakers", Implement: node.Device, Type: node.TypeSpeakers, Available: true, Channels: 2, PAIdx: 1})

	r.RegisterNode(null)
	r.RegisterNode(speakers)

	stream := node.New(node.Node{Key: "stream", Implement: node.Stream, Type: node.TypePlayer})
	target, ok := r.FindDefaultRoute(stream)
	require.True(t, ok)
	assert.Equal(t, "speakers", target.Key)
}

func TestFindDefaultRouteFallsBackToNullWhenNothingElseAdmissible(t *testing.T) {
	r, _ := newTestRouter(t)

	null := node.New(node.Node{Key: "null", Implement: node.Device, Type: node.TypeNull, Available: true, PAIdx: 0})
	speakers := node.New(node.Node{Key: "speakers", Implement: node.Device, Type: node.TypeSpeakers, Available: false, Channels: 2, PAIdx: 1})

	r.RegisterNode(null)
	r.RegisterNode(speakers)

	stream := node.New(node.Node{Key: "stream", Implement: node.Stream, Type: node.TypePlayer})
	target, ok := r.FindDefaultRoute(stream)
	require.True(t, ok)
	assert.Equal(t, "null", target.Key)
}

func TestFindDefaultRouteSkipsConstraintConflict(t *testing.T) {
	r, _ := newTestRouter(t)

	cset := constraints.NewSet()
	cd, err := cset.Create("card0", constraints.KindCard, "0")
	require.NoError(t, err)
	r.Constraints = cset

	null := node.New(node.Node{Key: "null", Implement: node.Device, Type: node.TypeNull, Available: true, PAIdx: 0})
	a2dp := node.New(node.Node{Key: "a2dp", Implement: node.Device, Type: node.TypeBluetoothA2DP, Available: true, Channels: 2, PAIdx: 1})
	hsp := node.New(node.Node{Key: "hsp", Implement: node.Device, Type: node.TypeBluetoothA2DP, Available: true, Channels: 2, PAIdx: 2})
	cset.AddNode(cd, a2dp)
	cset.AddNode(cd, hsp)

	r.RegisterNode(null)
	r.RegisterNode(a2dp)
	r.RegisterNode(hsp)

	stream := node.New(node.Node{Key: "stream", Implement: node.Stream, Type: node.TypePlayer})

	// a2dp and hsp are both available and share a constraint group: each
	// conflicts with the other, so neither is admissible and the route
	// falls back to null rather than activating two nodes of the same
	// group at once.
	target, ok := r.FindDefaultRoute(stream)
	require.True(t, ok)
	assert.Equal(t, "null", target.Key)
}

func TestUnregisterRemovesFromGroup(t *testing.T) {
	r, _ := newTestRouter(t)
	speakers := node.New(node.Node{Key: "speakers", Implement: node.Device, Type: node.TypeSpeakers, Available: true, Channels: 2, PAIdx: 1})
	r.RegisterNode(speakers)
	r.UnregisterNode(speakers)

	stream := node.New(node.Node{Key: "stream", Implement: node.Stream, Type: node.TypePlayer})
	_, ok := r.FindDefaultRoute(stream)
	assert.False(t, ok)
}

func TestExplicitRouteMaterializationIdempotent(t *testing.T) {
	r, sw := newTestRouter(t)
	resolver := map[int32]*node.Node{}
	r.SetIndexResolver(func(idx int32) (*node.Node, bool) {
		n, ok := resolver[idx]
		return n, ok
	})

	from := node.New(node.Node{Key: "stream", Implement: node.Stream, PAIdx: 1})
	to := node.New(node.Node{Key: "headphone", Implement: node.Device, PAIdx: 2, Available: true})
	resolver[1] = from
	resolver[2] = to

	r.AddExplicitRoute(1, 1, 2, 1)
	r.AddExplicitRoute(1, 1, 2, 2)

	require.Len(t, sw.calls, 2)
	assert.Equal(t, sw.calls[0], sw.calls[1])
}

func TestMakeRoutingRunsAfterRoutingHookWithPassStamp(t *testing.T) {
	r, _ := newTestRouter(t)

	var got []uint32
	r.AfterRouting = func(passStamp uint32) { got = append(got, passStamp) }

	r.MakeRouting(7)
	require.Equal(t, []uint32{7}, got)

	// A hook that re-enters the router must not deadlock or re-trigger
	// the pass it was called from.
	r.AfterRouting = func(passStamp uint32) {
		got = append(got, passStamp)
		_, _ = r.FindDefaultRoute(node.New(node.Node{Implement: node.Stream, Type: node.TypePlayer}))
	}
	r.MakeRouting(8)
	require.Equal(t, []uint32{7, 8}, got)
}

func TestPhoneAcceptExcludesA2DPAndHeadphone(t *testing.T) {
	a2dp := node.New(node.Node{Key: "a2dp", Type: node.TypeBluetoothA2DP})
	assert.False(t, PhoneAccept(a2dp))

	sco := node.New(node.Node{Key: "sco", Type: node.TypeBluetoothSCO})
	assert.True(t, PhoneAccept(sco))
}
