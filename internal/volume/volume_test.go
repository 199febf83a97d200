package volume

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audiopolicyd/internal/hostif"
	"audiopolicyd/internal/hostif/mock"
	"audiopolicyd/internal/node"
	"audiopolicyd/internal/predicate"
)

func newSpeakers(paIdx int32) *node.Node {
	return node.New(node.Node{
		Key: "speakers", Implement: node.Device, Direction: node.Output,
		Type: node.TypeSpeakers, Available: true, Privacy: node.PrivacyPublic, PAIdx: paIdx,
	})
}

func TestApplyLimitsMutesUnknownStreamClass(t *testing.T) {
	e := New(mock.New(), 0, 0, nil)
	dev := newSpeakers(5)

	db := e.ApplyLimits(dev, node.TypeUnknown, 1)
	assert.Equal(t, MuteDB, db)
}

func TestClassLimiterFiresOnlyWhenClassRoutedToDevice(t *testing.T) {
	e := New(mock.New(), 0, 0, nil)
	e.AddClassLimiter(node.TypePhone, Suppress(-20, node.TypePhone))
	dev := newSpeakers(5)

	// No phone stream on the device yet: nothing to suppress.
	assert.Equal(t, 0.0, e.ApplyLimits(dev, node.TypePlayer, 1))

	// A phone stream arrives on the device: other classes get suppressed,
	// the phone stream itself is excepted.
	e.AddLimitingClass(dev, node.TypePhone, 2)
	assert.Equal(t, -20.0, e.ApplyLimits(dev, node.TypePlayer, 2))
	assert.Equal(t, 0.0, e.ApplyLimits(dev, node.TypePhone, 2))
}

func TestAddLimitingClassResetsOnNewStamp(t *testing.T) {
	e := New(mock.New(), 0, 0, nil)
	e.AddClassLimiter(node.TypePhone, Suppress(-20, node.TypePhone))
	dev := newSpeakers(5)

	e.AddLimitingClass(dev, node.TypePhone, 1)
	assert.Equal(t, -20.0, e.ApplyLimits(dev, node.TypePlayer, 1))

	// Next pass: the phone stream is gone, accumulation starts over.
	e.AddLimitingClass(dev, node.TypePlayer, 2)
	assert.Equal(t, 0.0, e.ApplyLimits(dev, node.TypePlayer, 2))
}

func TestAddLimitingClassIgnoresStreamAndInputNodes(t *testing.T) {
	e := New(mock.New(), 0, 0, nil)
	e.AddClassLimiter(node.TypePhone, Suppress(-20, node.TypePhone))

	stream := node.New(node.Node{Key: "s", Implement: node.Stream, Direction: node.Output, PAIdx: 1})
	e.AddLimitingClass(stream, node.TypePhone, 1)
	assert.Empty(t, stream.VLim.Classes)

	mic := node.New(node.Node{Key: "mic", Implement: node.Device, Direction: node.Input, PAIdx: 2})
	e.AddLimitingClass(mic, node.TypePhone, 1)
	assert.Empty(t, mic.VLim.Classes)
}

func TestCorrectOnlyAppliesToPublicDevices(t *testing.T) {
	lim := Correct(-3)

	pub := &node.Node{Implement: node.Device, Privacy: node.PrivacyPublic}
	priv := &node.Node{Implement: node.Device, Privacy: node.PrivacyPrivate}

	db, ok := lim(pub, node.TypePlayer)
	require.True(t, ok)
	assert.Equal(t, -3.0, db)

	_, ok = lim(priv, node.TypePlayer)
	assert.False(t, ok)
}

func TestComposedMinimumAcrossGenericAndClassLimiters(t *testing.T) {
	e := New(mock.New(), 0, 0, nil)
	e.AddGenericLimiter(Suppress(-6))
	e.AddClassLimiter(node.TypePhone, Suppress(-20, node.TypePhone))
	dev := newSpeakers(5)

	e.AddLimitingClass(dev, node.TypePhone, 1)
	db := e.ApplyLimits(dev, node.TypePlayer, 1)
	assert.Equal(t, -20.0, db) // the lower (more attenuating) of -6 and -20
}

func TestFadeAllSuppressesOtherClassesWhenPhoneActive(t *testing.T) {
	host := mock.New()
	host.NewSinkInput(hostif.SinkInput{Index: 1, SinkIdx: 5, Props: hostif.Proplist{"media.role": "phone"}})
	host.NewSinkInput(hostif.SinkInput{Index: 2, SinkIdx: 5, Props: hostif.Proplist{"media.role": "music"}})

	e := New(host, 0, 0, nil)
	e.AddClassLimiter(node.TypePhone, Suppress(-20, node.TypePhone))

	dev := newSpeakers(5)
	resolve := func(sinkIdx int32) (*node.Node, bool) {
		if sinkIdx == 5 {
			return dev, true
		}
		return nil, false
	}
	classOf := func(si hostif.SinkInput) node.Type {
		if si.Props["media.role"] == "phone" {
			return node.TypePhone
		}
		return node.TypePlayer
	}

	e.FadeAll(resolve, classOf, 1)

	assert.InDelta(t, 1.0, host.Volume(1), 1e-9)
	assert.InDelta(t, math.Pow(10, -20.0/20), host.Volume(2), 1e-9)
}

func TestFadeAllAppliesCorrectToPublicDeviceStreams(t *testing.T) {
	host := mock.New()
	host.NewSinkInput(hostif.SinkInput{Index: 1, SinkIdx: 5, Props: hostif.Proplist{"media.role": "music"}})

	e := New(host, 0, 0, nil)
	e.AddGenericLimiter(Correct(-6))

	dev := newSpeakers(5)
	e.FadeAll(
		func(int32) (*node.Node, bool) { return dev, true },
		func(hostif.SinkInput) node.Type { return node.TypePlayer },
		1,
	)

	assert.InDelta(t, math.Pow(10, -6.0/20), host.Volume(1), 1e-9)
}

func TestCustomLimiterUsesPredicate(t *testing.T) {
	expr := predicate.MustCompile(`channels >= 2`)
	lim := Custom(-10, expr)

	stereo := &node.Node{Channels: 2}
	mono := &node.Node{Channels: 1}

	db, ok := lim(stereo, node.TypePlayer)
	require.True(t, ok)
	assert.Equal(t, -10.0, db)

	_, ok = lim(mono, node.TypePlayer)
	assert.False(t, ok)
}

func TestFadeDurationsClampToDefaultsAndBounds(t *testing.T) {
	e := New(mock.New(), 0, 0, nil)
	assert.Equal(t, 200*time.Millisecond, e.fadeOut)
	assert.Equal(t, time.Second, e.fadeIn)

	e2 := New(mock.New(), 999*time.Second, 999*time.Second, nil)
	assert.Equal(t, 10*time.Second, e2.fadeOut)
	assert.Equal(t, 10*time.Second, e2.fadeIn)
}

func TestRampStepsEndsExactlyAtTarget(t *testing.T) {
	steps := RampSteps(0, -20, 100*time.Millisecond, 20*time.Millisecond)
	require.NotEmpty(t, steps)
	assert.Equal(t, -20.0, steps[len(steps)-1])
}
