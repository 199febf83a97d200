package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"audiopolicyd/internal/node"
)

func TestDeviceBluetoothProfile(t *testing.T) {
	r := Device(DeviceInput{Bus: "bluetooth", ProfileName: "hsp", Direction: node.Output})
	assert.Equal(t, node.TypeBluetoothSCO, r.Type)
	assert.Equal(t, node.External, r.Location)
	assert.Equal(t, node.PrivacyPrivate, r.Privacy)
}

func TestDeviceFormFactorSpeakers(t *testing.T) {
	r := Device(DeviceInput{Bus: "pci", FormFactor: "internal", Direction: node.Output})
	assert.Equal(t, node.TypeSpeakers, r.Type)
	assert.Equal(t, node.PrivacyPublic, r.Privacy)
}

func TestDevicePortNameSubstring(t *testing.T) {
	r := Device(DeviceInput{Bus: "pci", PortName: "analog-output-headphone", Direction: node.Output})
	assert.Equal(t, node.TypeWiredHeadphone, r.Type)
	assert.Equal(t, node.PrivacyPrivate, r.Privacy)
}

func TestStreamMediaRole(t *testing.T) {
	assert.Equal(t, node.TypePlayer, Stream(StreamInput{MediaRole: "music"}).Type)
	assert.Equal(t, node.TypeGame, Stream(StreamInput{MediaRole: "game"}).Type)
	assert.Equal(t, node.TypePhone, Stream(StreamInput{MediaRole: "carkit"}).Type)
}

func TestStreamBinaryOverride(t *testing.T) {
	r := Stream(StreamInput{MediaRole: "music", BinaryName: "firefox"})
	assert.Equal(t, node.TypeBrowser, r.Type)
}

func TestIsMultiplexCapable(t *testing.T) {
	assert.True(t, IsMultiplexCapable(node.TypePlayer))
	assert.True(t, IsMultiplexCapable(node.TypeGame))
	assert.True(t, IsMultiplexCapable(node.TypeBrowser))
	assert.False(t, IsMultiplexCapable(node.TypePhone))
	assert.False(t, IsMultiplexCapable(node.TypeNavigator))
}
