package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddFindRemove(t *testing.T) {
	reg := NewRegistry()
	n := New(Node{
		Key:       "alsa_output.pci-0000_00_1b.0.analog-stereo",
		Direction: Output,
		Implement: Device,
		Type:      TypeSpeakers,
		Available: true,
		PAIdx:     5,
	})

	require.NoError(t, reg.Add(n))

	got, ok := reg.FindByKey(n.Key)
	require.True(t, ok)
	assert.Same(t, n, got)

	byIdx, ok := reg.FindByHostIndex(5)
	require.True(t, ok)
	assert.Same(t, n, byIdx)

	reg.Remove(n)
	_, ok = reg.FindByKey(n.Key)
	assert.False(t, ok)
	_, ok = reg.FindByHostIndex(5)
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicateKey(t *testing.T) {
	reg := NewRegistry()
	key := "dup"
	require.NoError(t, reg.Add(New(Node{Key: key, PAIdx: InvalidIndex})))
	err := reg.Add(New(Node{Key: key, PAIdx: InvalidIndex}))
	assert.Error(t, err)
}

func TestRebindHostIndex(t *testing.T) {
	reg := NewRegistry()
	n := New(Node{Key: "bt", PAIdx: InvalidIndex})
	require.NoError(t, reg.Add(n))

	reg.RebindHostIndex(n, 42)
	got, ok := reg.FindByHostIndex(42)
	require.True(t, ok)
	assert.Same(t, n, got)

	reg.RebindHostIndex(n, InvalidIndex)
	_, ok = reg.FindByHostIndex(42)
	assert.False(t, ok)
}

func TestTypeClassRanges(t *testing.T) {
	assert.True(t, TypeSpeakers.IsDeviceClass())
	assert.False(t, TypeSpeakers.IsApplicationClass())
	assert.True(t, TypePlayer.IsApplicationClass())
	assert.False(t, TypePlayer.IsDeviceClass())
}

func TestAllSnapshotsLiveNodes(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(New(Node{Key: "a", PAIdx: InvalidIndex})))
	require.NoError(t, reg.Add(New(Node{Key: "b", PAIdx: InvalidIndex})))
	assert.Len(t, reg.All(), 2)
	assert.Equal(t, 2, reg.Len())
}
