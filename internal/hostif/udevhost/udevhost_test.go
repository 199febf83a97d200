//go:build linux

package udevhost

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audiopolicyd/internal/hostif"
)

// Unsupported operations return errors rather than silently pretending
// to succeed, since udev alone cannot perform them.
func TestUnsupportedOperationsReturnErrors(t *testing.T) {
	h := New(nil)

	assert.Error(t, h.SetCardProfile(0, "output:analog-stereo"))
	assert.Error(t, h.MoveSinkInput(1, 2))
	assert.Error(t, h.MoveSourceOutput(1, 2))
	assert.Error(t, h.SetSinkInputVolume(1, 0.5))
	_, _, err := h.LoadNullSink("null")
	assert.Error(t, err)
	_, err = h.RenderBlock(0, 1024)
	assert.Error(t, err)
	_, err = h.CreateLoopback(1, 2)
	assert.Error(t, err)
	assert.Error(t, h.DestroyLoopback(1))

	assert.Nil(t, h.Sinks())
	assert.Nil(t, h.Sources())
	assert.Nil(t, h.SinkInputs())
}

func TestScheduleDeferredRunsInline(t *testing.T) {
	h := New(nil)
	ran := false
	h.ScheduleDeferred(func() { ran = true })
	assert.True(t, ran)
}

func TestSubscribeRegistersCallback(t *testing.T) {
	h := New(nil)
	received := make(chan hostif.Event, 1)
	require.NoError(t, h.Subscribe(context.Background(), func(ev hostif.Event) { received <- ev }))

	h.emit(hostif.Event{Kind: hostif.CardPut})
	select {
	case ev := <-received:
		assert.Equal(t, hostif.CardPut, ev.Kind)
	default:
		t.Fatal("expected subscriber to receive emitted event")
	}
}
