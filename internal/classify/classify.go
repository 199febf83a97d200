// Package classify maps (card bus, port name, profile name, proplist
// role) to a node type/location/privacy/amname. It is a pure decision
// table.
package classify

import (
	"strings"

	"audiopolicyd/internal/node"
)

// Result is the classifier's output for a device or stream node.
type Result struct {
	Type     node.Type
	Location node.Location
	Privacy  node.Privacy
	AMName   string
}

// DeviceInput is the classifier's input for a device endpoint.
type DeviceInput struct {
	Bus         string // "pci", "usb", "bluetooth"
	FormFactor  string // DEVICE_FORM_FACTOR proplist value, may be empty
	ProfileName string // active profile name, e.g. "a2dp_sink", "hsp"
	PortName    string
	Direction   node.Direction
}

// mediaRoleMap maps MEDIA_ROLE values to stream classes.
var mediaRoleMap = map[string]node.Type{
	"video":     node.TypePlayer,
	"music":     node.TypePlayer,
	"game":      node.TypeGame,
	"event":     node.TypeEvent,
	"navigator": node.TypeNavigator,
	"phone":     node.TypePhone,
	"carkit":    node.TypePhone,
	"ringtone":  node.TypeAlert,
	"camera":    node.TypeCamera,
	"system":    node.TypeSystem,
}

// binaryOverride implements the per-binary override map (e.g. a known
// browser binary always classifies as "browser" regardless of role).
var binaryOverride = map[string]node.Type{
	"firefox":       node.TypeBrowser,
	"chromium":      node.TypeBrowser,
	"google-chrome": node.TypeBrowser,
}

// formFactorMap drives step 1 of the device precedence order.
var formFactorMap = map[string]node.Type{
	"internal":   node.TypeSpeakers,
	"speaker":    node.TypeSpeakers,
	"handset":    node.TypeWiredHeadset,
	"headset":    node.TypeWiredHeadset,
	"headphone":  node.TypeWiredHeadphone,
	"microphone": node.TypeMicrophone,
}

// btProfileMap drives step 2: bluetooth cards' profile name picks the
// finer-grained type.
var btProfileMap = map[string]node.Type{
	"a2dp":        node.TypeBluetoothA2DP,
	"a2dp_sink":   node.TypeBluetoothA2DP,
	"hsp":         node.TypeBluetoothSCO,
	"hfp":         node.TypeBluetoothSCO,
	"hfgw":        node.TypeBluetoothCarkit,
	"a2dp_source": node.TypeBluetoothSource,
}

// portSubstringOrder drives step 3; earlier entries win when a port
// name contains several substrings.
var portSubstringOrder = []struct {
	substr string
	typ    node.Type
}{
	{"headphone", node.TypeWiredHeadphone},
	{"headset", node.TypeWiredHeadset},
	{"line", node.TypeJack},
	{"spdif", node.TypeSPDIF},
	{"hdmi", node.TypeHDMI},
	{"microphone", node.TypeMicrophone},
	{"analog-output", node.TypeSpeakers},
	{"analog-input", node.TypeMicrophone},
}

// privateDeviceTypes are output device types whose privacy defaults to
// private rather than public.
var privateDeviceTypes = map[node.Type]bool{
	node.TypeWiredHeadset:    true,
	node.TypeWiredHeadphone:  true,
	node.TypeUSBHeadset:      true,
	node.TypeUSBHeadphone:    true,
	node.TypePhone:           true,
	node.TypeBluetoothSCO:    true,
	node.TypeBluetoothA2DP:   true,
	node.TypeBluetoothCarkit: true,
	node.TypeBluetoothSource: true,
	node.TypeBluetoothSink:   true,
}

// Device classifies a device endpoint.
func Device(in DeviceInput) Result {
	var t node.Type

	switch {
	case in.Bus == "bluetooth":
		// Step 2: bluetooth profile name drives finer type.
		if bt, ok := btProfileMap[in.ProfileName]; ok {
			t = bt
		} else {
			t = node.TypeBluetoothSink
		}
	case in.FormFactor != "":
		// Step 1: card bus + form factor choose coarse class.
		if ff, ok := formFactorMap[strings.ToLower(in.FormFactor)]; ok {
			t = ff
		} else {
			t = node.TypeSpeakers
		}
	default:
		// Step 3: PCI cards lacking a form factor: port-name substrings.
		t = classifyByPortName(in.PortName)
	}

	loc := node.Internal
	if in.Bus == "bluetooth" || in.Bus == "usb" {
		loc = node.External
	}

	priv := node.PrivacyUnknown
	if in.Direction == node.Output {
		if privateDeviceTypes[t] {
			priv = node.PrivacyPrivate
		} else {
			priv = node.PrivacyPublic
		}
	}

	return Result{Type: t, Location: loc, Privacy: priv}
}

func classifyByPortName(port string) node.Type {
	lower := strings.ToLower(port)
	for _, e := range portSubstringOrder {
		if strings.Contains(lower, e.substr) {
			return e.typ
		}
	}
	return node.TypeSpeakers
}

// StreamInput is the classifier's input for an application stream.
type StreamInput struct {
	MediaRole  string // proplist "media.role"
	BinaryName string // proplist "application.process.binary"
}

// Stream classifies an application stream by MEDIA_ROLE, with a
// per-binary override.
func Stream(in StreamInput) Result {
	if t, ok := binaryOverride[in.BinaryName]; ok {
		return Result{Type: t, Privacy: node.PrivacyUnknown}
	}
	if t, ok := mediaRoleMap[strings.ToLower(in.MediaRole)]; ok {
		return Result{Type: t, Privacy: node.PrivacyUnknown}
	}
	return Result{Type: node.TypeUnknown, Privacy: node.PrivacyUnknown}
}

// multiplexCapable lists the stream classes that are fanned out through
// a combine sink rather than routed to a single device.
var multiplexCapable = map[node.Type]bool{
	node.TypePlayer:  true,
	node.TypeGame:    true,
	node.TypeBrowser: true,
}

// IsMultiplexCapable reports whether a stream class should be wrapped in
// a multiplex (combine sink) rather than routed to a single device.
func IsMultiplexCapable(t node.Type) bool {
	return multiplexCapable[t]
}
