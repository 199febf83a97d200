package router

import "audiopolicyd/internal/node"

// typeOrd gives every device type a stable ordinal for compare
// functions, with TypeNull first.
var typeOrd = map[node.Type]int{
	node.TypeNull:            0,
	node.TypeSpeakers:        1,
	node.TypeJack:            2,
	node.TypeSPDIF:           3,
	node.TypeHDMI:            4,
	node.TypeWiredHeadphone:  5,
	node.TypeWiredHeadset:    6,
	node.TypeUSBHeadphone:    7,
	node.TypeUSBHeadset:      8,
	node.TypeBluetoothA2DP:   9,
	node.TypeBluetoothSCO:    10,
	node.TypeBluetoothCarkit: 11,
	node.TypeBluetoothSource: 12,
	node.TypeBluetoothSink:   13,
	node.TypeMicrophone:      14,
}

func ordOf(t node.Type) int {
	if o, ok := typeOrd[t]; ok {
		return o
	}
	return 1000
}

// DefaultAccept admits any node whose type is a device class.
func DefaultAccept(n *node.Node) bool {
	return n.Type.IsDeviceClass()
}

// phoneExcluded are the device classes phone accept refuses: a2dp,
// usb/wired headphone, hdmi, spdif.
var phoneExcluded = map[node.Type]bool{
	node.TypeBluetoothA2DP:  true,
	node.TypeUSBHeadphone:   true,
	node.TypeWiredHeadphone: true,
	node.TypeHDMI:           true,
	node.TypeSPDIF:          true,
}

// PhoneAccept admits device classes except a2dp, usb/wired headphone,
// hdmi, spdif.
func PhoneAccept(n *node.Node) bool {
	return n.Type.IsDeviceClass() && !phoneExcluded[n.Type]
}

// DefaultCompare orders lexicographically over (channels, privacy,
// location, type ordinal); null sorts first. Entries sort ascending and
// the route walk prefers later entries, so channel-rich, private,
// external devices win and null is the last resort.
func DefaultCompare(a, b *node.Node) int {
	if a.Type == node.TypeNull && b.Type != node.TypeNull {
		return -1
	}
	if b.Type == node.TypeNull && a.Type != node.TypeNull {
		return 1
	}
	if d := a.Channels - b.Channels; d != 0 {
		return d
	}
	if d := int(a.Privacy) - int(b.Privacy); d != 0 {
		return d
	}
	if d := int(a.Location) - int(b.Location); d != 0 {
		return d
	}
	return ordOf(a.Type) - ordOf(b.Type)
}

// PhoneCompare orders over (privacy, type ordinal).
func PhoneCompare(a, b *node.Node) int {
	if d := int(a.Privacy) - int(b.Privacy); d != 0 {
		return d
	}
	return ordOf(a.Type) - ordOf(b.Type)
}

// NewDefaultGroup builds the standard "default" routing group.
func NewDefaultGroup(name string) *Group {
	return &Group{Name: name, Accept: DefaultAccept, Compare: DefaultCompare}
}

// NewPhoneGroup builds the standard "phone" routing group.
func NewPhoneGroup(name string) *Group {
	return &Group{Name: name, Accept: PhoneAccept, Compare: PhoneCompare}
}
