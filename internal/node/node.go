// Package node implements the routing graph's central entity: a Node,
// representing either a device endpoint (card/profile/port surfaced as a
// host sink or source) or a stream endpoint (an application playback or
// capture stream).
package node

import (
	"fmt"
	"sync"
)

// Direction is the data-flow direction of a node.
type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

// Implement says whether a node is a device endpoint or a stream endpoint.
type Implement int

const (
	Device Implement = iota
	Stream
)

func (i Implement) String() string {
	if i == Device {
		return "device"
	}
	return "stream"
}

// Location is whether the endpoint is built into the host or external.
type Location int

const (
	Internal Location = iota
	External
)

// Privacy controls whether audio from this endpoint can be heard by others.
type Privacy int

const (
	PrivacyPublic Privacy = iota
	PrivacyPrivate
	PrivacyUnknown
)

// Type is the taxonomic class of a node. Device classes and application
// classes share one numeric range so that routing-group ordering can
// compare them directly.
type Type int

const (
	TypeUnknown Type = iota

	// Device classes.
	TypeNull
	TypeSpeakers
	TypeMicrophone
	TypeJack
	TypeSPDIF
	TypeHDMI
	TypeWiredHeadset
	TypeWiredHeadphone
	TypeUSBHeadset
	TypeUSBHeadphone
	TypeBluetoothSCO
	TypeBluetoothA2DP
	TypeBluetoothCarkit
	TypeBluetoothSource
	TypeBluetoothSink

	// Application (stream) classes.
	TypeRadio
	TypePlayer
	TypeNavigator
	TypeGame
	TypeBrowser
	TypePhone
	TypeEvent
	TypeCamera
	TypeAlert
	TypeSystem
)

var typeNames = map[Type]string{
	TypeUnknown:         "unknown",
	TypeNull:            "null",
	TypeSpeakers:        "speakers",
	TypeMicrophone:      "microphone",
	TypeJack:            "jack",
	TypeSPDIF:           "spdif",
	TypeHDMI:            "hdmi",
	TypeWiredHeadset:    "wired-headset",
	TypeWiredHeadphone:  "wired-headphone",
	TypeUSBHeadset:      "usb-headset",
	TypeUSBHeadphone:    "usb-headphone",
	TypeBluetoothSCO:    "bluetooth-sco",
	TypeBluetoothA2DP:   "bluetooth-a2dp",
	TypeBluetoothCarkit: "bluetooth-carkit",
	TypeBluetoothSource: "bluetooth-source",
	TypeBluetoothSink:   "bluetooth-sink",
	TypeRadio:           "radio",
	TypePlayer:          "player",
	TypeNavigator:       "navigator",
	TypeGame:            "game",
	TypeBrowser:         "browser",
	TypePhone:           "phone",
	TypeEvent:           "event",
	TypeCamera:          "camera",
	TypeAlert:           "alert",
	TypeSystem:          "system",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// IsDeviceClass reports whether t belongs to the device-class range.
func (t Type) IsDeviceClass() bool {
	return t >= TypeNull && t <= TypeBluetoothSink
}

// IsApplicationClass reports whether t belongs to the application-class
// range.
func (t Type) IsApplicationClass() bool {
	return t >= TypeRadio && t <= TypeSystem
}

// RtEntry is a routing group's membership record for a device node. It is
// owned by the routing group, not by the node; the node only remembers
// enough to unregister itself in O(deg).
type RtEntry struct {
	GroupName string
	Node      *Node
}

// Node is the central entity of the routing graph.
//
// Mutation contract: every field is touched only from the main
// context; Node itself does not lock, matching Router and Discovery,
// which serialize all graph mutation on one goroutine. Tests that want
// concurrent access should go through Registry, which does lock.
type Node struct {
	Key string

	Direction Direction
	Implement Implement
	Channels  int
	Location  Location
	Privacy   Privacy
	Type      Type

	Visible   bool
	Available bool

	AMName  string
	AMDescr string
	AMID    int32 // invalid (-1) until AM registration completes

	PAName string
	PAIdx  int32 // host object index; -1 if currently unresolved

	PACardIndex   int32 // device-only
	PACardProfile string
	PAPort        string

	Mux  *MuxHandle  // optional multiplex owned by this node
	Loop *LoopHandle // optional loopback anchored to the null sink

	// RtEntries records this node's membership in routing groups (device
	// nodes only).
	RtEntries []*RtEntry

	// Priority is consulted only for stream nodes (nodlist ordering).
	Priority int

	// VLim is consulted only for output device nodes: the classes of
	// the streams currently routed here, driving per-class volume
	// limits.
	VLim VLim

	Stamp uint32
}

// VLim records the stream classes currently routed to a device node,
// stamped per routing pass so a stale accumulation is discarded on the
// next pass.
type VLim struct {
	Stamp   uint32
	Classes []Type
}

// MuxHandle is an opaque reference to a multiplex instance; defined fully
// in package multiplex, referenced here only by pointer identity to avoid
// an import cycle (node is a leaf package).
type MuxHandle struct {
	SinkIndex int32
	ModuleIdx int32
}

// LoopHandle anchors a device node to the null sink/source so it stays
// "alive" without a real stream.
type LoopHandle struct {
	StreamIndex int32
	FromNull    bool // true: null source -> this sink; false: this source -> null sink
}

const invalidIndex = -1

// New creates a Node from the supplied prototype data. It does not
// register the node anywhere; callers (Discovery) own that. Callers that don't yet have a
// host object (e.g. a bluetooth prototype node) must set data.PAIdx to
// InvalidIndex explicitly; the zero value is a valid host index.
func New(data Node) *Node {
	n := data
	return &n
}

// InvalidIndex marks a Node's PAIdx/PACardIndex as currently unresolved.
const InvalidIndex int32 = invalidIndex

// String renders a short diagnostic line for a node.
func (n *Node) String() string {
	return fmt.Sprintf("Node{key=%s dir=%s impl=%s type=%s avail=%v paidx=%d amid=%d}",
		n.Key, n.Direction, n.Implement, n.Type, n.Available, n.PAIdx, n.AMID)
}

// Registry owns the set of live nodes and the two lookup indexes Discovery
// needs: by key (unique) and by host index (weak; may be stale between
// host-object removal and node destruction).
type Registry struct {
	mu        sync.RWMutex
	byKey     map[string]*Node
	byHostIdx map[int32]*Node
}

// NewRegistry creates an empty node registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:     make(map[string]*Node),
		byHostIdx: make(map[int32]*Node),
	}
}

// Add registers n under its Key and, if valid, its PAIdx. Returns an error
// if the key is already taken.
func (r *Registry) Add(n *Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[n.Key]; exists {
		return fmt.Errorf("node: key %q already registered", n.Key)
	}
	r.byKey[n.Key] = n
	if n.PAIdx != invalidIndex {
		r.byHostIdx[n.PAIdx] = n
	}
	return nil
}

// Remove unregisters n from both maps atomically with respect to other
// Registry calls.
func (r *Registry) Remove(n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byKey, n.Key)
	if cur, ok := r.byHostIdx[n.PAIdx]; ok && cur == n {
		delete(r.byHostIdx, n.PAIdx)
	}
}

// RebindHostIndex updates the by-host-index map when a node's underlying
// host object is re-resolved (e.g. after a profile switch makes the sink
// reappear with a new index).
func (r *Registry) RebindHostIndex(n *Node, newIdx int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byHostIdx[n.PAIdx]; ok && cur == n {
		delete(r.byHostIdx, n.PAIdx)
	}
	n.PAIdx = newIdx
	if newIdx != invalidIndex {
		r.byHostIdx[newIdx] = n
	}
}

// FindByKey returns the unique node for key, or (nil, false).
func (r *Registry) FindByKey(key string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byKey[key]
	return n, ok
}

// FindByHostIndex returns the node currently bound to host index idx, or
// (nil, false). A node is never consulted for routing while its index is
// invalid; callers must check Available/PAIdx themselves.
func (r *Registry) FindByHostIndex(idx int32) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byHostIdx[idx]
	return n, ok
}

// All returns a snapshot slice of every live node, for passes that need to
// walk the whole graph (e.g. volume engine, AM domain replay).
func (r *Registry) All() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.byKey))
	for _, n := range r.byKey {
		out = append(out, n)
	}
	return out
}

// Len reports the number of live nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}
