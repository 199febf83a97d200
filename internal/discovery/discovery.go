// Package discovery turns raw host hook deliveries into graph mutation:
// card/sink/source/sink-input prototype creation, attachment, profile
// switching, and pre/post routing of new streams.
package discovery

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"audiopolicyd/internal/classify"
	"audiopolicyd/internal/hostif"
	"audiopolicyd/internal/node"
	"audiopolicyd/internal/router"
	"audiopolicyd/internal/stamp"
)

// Config holds Discovery's admission filtering policy.
type Config struct {
	ChannelsMin int
	ChannelsMax int
	// SelectedOnlyProfile is carried in the policy (default true) but is
	// not read by AddCard: alsa nodes are created for every card port
	// whatever the active profile.
	SelectedOnlyProfile bool
}

// DefaultConfig returns the stock filtering policy.
func DefaultConfig() Config {
	return Config{ChannelsMin: 1, ChannelsMax: 2, SelectedOnlyProfile: true}
}

// MultiplexResolver asks the composition root to create (or reuse) a
// multiplex fronting target, returning the handle streams should be
// attached to. Only called for multi-output-capable stream classes.
// Wired by the composition root to avoid an import cycle with package
// multiplex.
type MultiplexResolver func(target *node.Node) (*node.MuxHandle, bool)

// VolumeApplier triggers the volume engine's post-routing application
// pass (walk every sink-input on every sink, accumulate device limiting
// classes, set each stream's composed limit). Wired by the composition
// root to avoid an import cycle with package volume.
type VolumeApplier func(passStamp uint32)

// Discovery owns the by-name/by-host-index lookup maps and drives every
// host-hook response.
type Discovery struct {
	mu sync.Mutex

	byName     map[string]*node.Node     // unique: node key
	byHostPtr  map[string]*node.Node     // weak: "sink:<idx>" / "source:<idx>" / "sinkinput:<idx>"
	pendingMux map[int32]*node.MuxHandle // sink-input index -> handle chosen in AddSinkInputPre, consumed by AddSinkInputPost

	registry *node.Registry
	router   *router.Router
	stamps   *stamp.Counter
	host     hostif.Host
	cfg      Config
	log      *slog.Logger

	Multiplex MultiplexResolver
	Volume    VolumeApplier

	// NullSinkIdx/NullSourceIdx anchor loopbacks; set by the
	// composition root once the null sink is loaded. An output node's
	// loopback is skipped while NullSourceIdx is node.InvalidIndex, an
	// input node's while NullSinkIdx is.
	NullSinkIdx   int32
	NullSourceIdx int32
}

// New creates a Discovery wired to the given registry, router, stamp
// counter and host.
func New(registry *node.Registry, r *router.Router, stamps *stamp.Counter, host hostif.Host, cfg Config, log *slog.Logger) *Discovery {
	if log == nil {
		log = slog.Default()
	}
	return &Discovery{
		byName:        make(map[string]*node.Node),
		byHostPtr:     make(map[string]*node.Node),
		pendingMux:    make(map[int32]*node.MuxHandle),
		registry:      registry,
		router:        r,
		stamps:        stamps,
		host:          host,
		cfg:           cfg,
		log:           log,
		NullSinkIdx:   node.InvalidIndex,
		NullSourceIdx: node.InvalidIndex,
	}
}

// HandleEvent dispatches one host.Event to the matching contract method.
// In the daemon it is called by the composition root's tracker.Sink,
// which Tracker subscribes to the host, after that sink's own augment
// handling of the event.
func (d *Discovery) HandleEvent(ev hostif.Event) {
	switch ev.Kind {
	case hostif.CardPut:
		d.AddCard(*ev.Card)
	case hostif.CardUnlink:
		d.RemoveCard(ev.Card.Index)
	case hostif.CardProfileChanged:
		d.ProfileChanged(*ev.Card)
	case hostif.SinkPut:
		d.AddSink(*ev.Sink)
	case hostif.SinkUnlink:
		d.RemoveSink(ev.Sink.Index)
	case hostif.SourcePut:
		d.AddSource(*ev.Source)
	case hostif.SourceUnlink:
		d.RemoveSource(ev.Source.Index)
	case hostif.PortAvailableChanged:
		d.PortAvailableChanged(ev.Card.Index, ev.Port.Name, ev.Port.Available)
	case hostif.SinkInputNew:
		d.AddSinkInputPre(ev.SinkInput, ev.PreroutingTarget)
	case hostif.SinkInputPut:
		d.AddSinkInputPost(*ev.SinkInput)
	case hostif.SinkInputUnlink:
		d.RemoveSinkInput(ev.SinkInput.Index)
	case hostif.SourceOutputPut:
		d.AddSourceOutput(*ev.SourceOutput)
	case hostif.SourceOutputUnlink:
		d.RemoveSourceOutput(ev.SourceOutput.Index)
	}
}

func alsaKey(cardIndex int32, dir node.Direction, portName string) string {
	return fmt.Sprintf("alsa:%d:%s:%s", cardIndex, dir, portName)
}

func btKey(cardIndex int32, profile string, dir node.Direction) string {
	return fmt.Sprintf("bt:%d:%s:%s", cardIndex, profile, dir)
}

// portDirection guesses a port's direction from its conventional naming
// ("analog-output-speaker", "analog-input-mic", ...); ports that give no
// hint default to Output, matching most devices having more output ports
// than input ports.
func portDirection(portName string) node.Direction {
	lower := strings.ToLower(portName)
	if strings.Contains(lower, "input") || strings.Contains(lower, "mic") {
		return node.Input
	}
	return node.Output
}

// AddCard dispatches a new card by bus type.
func (d *Discovery) AddCard(c hostif.Card) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.Bus == "bluetooth" {
		d.addBluetoothCardLocked(c, d.stamps.New())
	} else {
		d.addAlsaCardLocked(c, d.stamps.New())
	}
}

func (d *Discovery) activeProfile(c hostif.Card) string {
	for _, p := range c.Profiles {
		if p.Active {
			return p.Name
		}
	}
	return ""
}

// addAlsaCardLocked emits one device-node prototype per card port,
// refined by classify.Device, and records the active profile name on
// each node. The profile name is not split into its "output:X+input:Y"
// segments, so ports are not filtered by the active profile.
func (d *Discovery) addAlsaCardLocked(c hostif.Card, passStamp uint32) {
	profile := d.activeProfile(c)
	formFactor := c.Props["device.form_factor"]

	for _, port := range c.Ports {
		dir := portDirection(port.Name)
		key := alsaKey(c.Index, dir, port.Name)

		res := classify.Device(classify.DeviceInput{
			Bus:         c.Bus,
			FormFactor:  formFactor,
			ProfileName: profile,
			PortName:    port.Name,
			Direction:   dir,
		})

		if existing, ok := d.byName[key]; ok {
			existing.Stamp = passStamp
			existing.Available = port.Available != hostif.AvailabilityNo
			existing.Type = res.Type
			continue
		}

		n := node.New(node.Node{
			Key:           key,
			Direction:     dir,
			Implement:     node.Device,
			Location:      res.Location,
			Privacy:       res.Privacy,
			Type:          res.Type,
			Visible:       true,
			Available:     port.Available != hostif.AvailabilityNo,
			PAIdx:         node.InvalidIndex,
			PACardIndex:   c.Index,
			PACardProfile: profile,
			PAPort:        port.Name,
			AMID:          node.InvalidIndex,
			Stamp:         passStamp,
		})
		d.byName[key] = n
		d.registry.Add(n)
		d.router.RegisterNode(n)
	}

	d.destroyStaleAlsaNodesLocked(c.Index, passStamp)
}

// destroyStaleAlsaNodesLocked removes prototypes for this card that
// weren't touched by the current pass, e.g. after a profile switch
// drops a port.
func (d *Discovery) destroyStaleAlsaNodesLocked(cardIndex int32, passStamp uint32) {
	for key, n := range d.byName {
		if n.PACardIndex == cardIndex && n.Implement == node.Device && n.Stamp != passStamp && strings.HasPrefix(key, "alsa:") {
			d.dropLoopbackLocked(n)
			d.router.UnregisterNode(n)
			d.registry.Remove(n)
			delete(d.byName, key)
		}
	}
}

// addBluetoothCardLocked enumerates profiles x direction, one node each,
// available=false until the profile activates.
func (d *Discovery) addBluetoothCardLocked(c hostif.Card, passStamp uint32) {
	for _, p := range c.Profiles {
		dir := node.Output
		if strings.Contains(p.Name, "source") {
			dir = node.Input
		}
		key := btKey(c.Index, p.Name, dir)

		res := classify.Device(classify.DeviceInput{
			Bus:         "bluetooth",
			ProfileName: p.Name,
			Direction:   dir,
		})

		if existing, ok := d.byName[key]; ok {
			existing.Stamp = passStamp
			existing.Available = p.Active
			continue
		}

		n := node.New(node.Node{
			Key:           key,
			Direction:     dir,
			Implement:     node.Device,
			Location:      res.Location,
			Privacy:       res.Privacy,
			Type:          res.Type,
			Visible:       true,
			Available:     p.Active,
			PAIdx:         node.InvalidIndex,
			PACardIndex:   c.Index,
			PACardProfile: p.Name,
			AMID:          node.InvalidIndex,
			Stamp:         passStamp,
		})
		d.byName[key] = n
		d.registry.Add(n)
		d.router.RegisterNode(n)
	}
}

// RemoveCard unregisters every node prototype that belonged to the card.
func (d *Discovery) RemoveCard(cardIndex int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, n := range d.byName {
		if n.PACardIndex == cardIndex && n.Implement == node.Device {
			d.dropLoopbackLocked(n)
			d.router.UnregisterNode(n)
			d.registry.Remove(n)
			delete(d.byName, key)
		}
	}
}

// ProfileChanged re-runs AddCard for alsa cards (stale nodes are pruned
// as part of that pass); for
// bluetooth cards, flip availability on the matching profile's nodes and
// schedule a deferred routing pass once the host has had a chance to
// create the now-active profile's sink/source.
func (d *Discovery) ProfileChanged(c hostif.Card) {
	if c.Bus == "bluetooth" {
		d.mu.Lock()
		passStamp := d.stamps.New()
		d.addBluetoothCardLocked(c, passStamp)
		d.mu.Unlock()
		if d.host != nil {
			d.host.ScheduleDeferred(func() {
				d.router.MakeRouting(d.stamps.New())
			})
		}
		return
	}

	d.mu.Lock()
	d.addAlsaCardLocked(c, d.stamps.New())
	d.mu.Unlock()
	d.router.MakeRouting(d.stamps.New())
}

func (d *Discovery) channelsAdmissible(n int) bool {
	min, max := d.cfg.ChannelsMin, d.cfg.ChannelsMax
	if min <= 0 && max <= 0 {
		return true
	}
	return n >= min && n <= max
}

// AddSink finds the port prototype by
// key and attach the live host index, subject to the channel-count
// filter.
func (d *Discovery) AddSink(s hostif.Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := alsaKey(s.CardIndex, node.Output, s.Port)
	n, ok := d.byName[key]
	if !ok {
		// Bluetooth attachment: match by card index, any output profile
		// node currently available (its profile has just been activated).
		n, ok = d.findAttachableBluetoothNodeLocked(s.CardIndex, node.Output)
	}
	if !ok {
		d.log.Debug("discovery: add_sink has no matching prototype", "sink", s.Name, "card", s.CardIndex, "port", s.Port)
		return
	}
	if !d.channelsAdmissible(s.MaxChannels) {
		d.log.Debug("discovery: sink rejected by channel filter", "sink", s.Name, "channels", s.MaxChannels)
		return
	}

	n.Channels = s.MaxChannels
	n.PAName = s.Name
	d.registry.RebindHostIndex(n, s.Index)
	d.byHostPtr[fmt.Sprintf("sink:%d", s.Index)] = n

	d.attachLoopbackIfNeededLocked(n, true)
}

// AddSource is the input-direction analogue of AddSink.
func (d *Discovery) AddSource(s hostif.Source) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := alsaKey(s.CardIndex, node.Input, s.Port)
	n, ok := d.byName[key]
	if !ok {
		n, ok = d.findAttachableBluetoothNodeLocked(s.CardIndex, node.Input)
	}
	if !ok {
		d.log.Debug("discovery: add_source has no matching prototype", "source", s.Name, "card", s.CardIndex, "port", s.Port)
		return
	}
	if !d.channelsAdmissible(s.MaxChannels) {
		d.log.Debug("discovery: source rejected by channel filter", "source", s.Name, "channels", s.MaxChannels)
		return
	}

	n.Channels = s.MaxChannels
	n.PAName = s.Name
	d.registry.RebindHostIndex(n, s.Index)
	d.byHostPtr[fmt.Sprintf("source:%d", s.Index)] = n

	d.attachLoopbackIfNeededLocked(n, false)
}

func (d *Discovery) findAttachableBluetoothNodeLocked(cardIndex int32, dir node.Direction) (*node.Node, bool) {
	for key, n := range d.byName {
		if strings.HasPrefix(key, "bt:") && n.PACardIndex == cardIndex && n.Direction == dir && n.Available && n.PAIdx == node.InvalidIndex {
			return n, true
		}
	}
	return nil, false
}

// loopbackRoles are device classes that must be anchored to the null
// sink/source via a loopback as soon as their host object appears.
var loopbackRoles = map[node.Type]bool{
	node.TypeBluetoothCarkit: true,
	node.TypeBluetoothSource: true,
}

func (d *Discovery) attachLoopbackIfNeededLocked(n *node.Node, fromNull bool) {
	if !loopbackRoles[n.Type] || n.Loop != nil {
		return
	}

	var srcIdx, sinkIdx int32
	if fromNull {
		if d.NullSourceIdx == node.InvalidIndex {
			return
		}
		srcIdx, sinkIdx = d.NullSourceIdx, n.PAIdx
	} else {
		if d.NullSinkIdx == node.InvalidIndex {
			return
		}
		srcIdx, sinkIdx = n.PAIdx, d.NullSinkIdx
	}

	streamIdx, err := d.host.CreateLoopback(srcIdx, sinkIdx)
	if err != nil {
		d.log.Debug("discovery: loopback create failed", "node", n.Key, "err", err)
		return
	}
	n.Loop = &node.LoopHandle{StreamIndex: streamIdx, FromNull: fromNull}
	d.log.Debug("discovery: loopback attached", "node", n.Key, "stream", streamIdx)
}

// dropLoopbackLocked tears down a node's loopback stream, if any.
func (d *Discovery) dropLoopbackLocked(n *node.Node) {
	if n.Loop == nil {
		return
	}
	if n.Loop.StreamIndex != node.InvalidIndex {
		if err := d.host.DestroyLoopback(n.Loop.StreamIndex); err != nil {
			d.log.Debug("discovery: loopback destroy failed", "node", n.Key, "err", err)
		}
	}
	n.Loop = nil
}

// RemoveSink detaches the node whose host sink index was idx.
func (d *Discovery) RemoveSink(idx int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detachLocked(fmt.Sprintf("sink:%d", idx))
}

// RemoveSource detaches the node whose host source index was idx.
func (d *Discovery) RemoveSource(idx int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detachLocked(fmt.Sprintf("source:%d", idx))
}

func (d *Discovery) detachLocked(hostKey string) {
	n, ok := d.byHostPtr[hostKey]
	if !ok {
		return
	}
	delete(d.byHostPtr, hostKey)
	d.dropLoopbackLocked(n)
	d.registry.RebindHostIndex(n, node.InvalidIndex)
}

// PortAvailableChanged flips the affected
// node's availability and triggers a routing pass.
func (d *Discovery) PortAvailableChanged(cardIndex int32, portName string, avail hostif.Availability) {
	d.mu.Lock()
	var touched *node.Node
	for _, dir := range []node.Direction{node.Output, node.Input} {
		if n, ok := d.byName[alsaKey(cardIndex, dir, portName)]; ok {
			n.Available = avail != hostif.AvailabilityNo
			touched = n
		}
	}
	d.mu.Unlock()
	if touched != nil {
		d.router.MakeRouting(d.stamps.New())
	}
}

// AddSinkInputPre is the pre-route half of stream admission: classify,
// ask Router for a prerouting target, consult the
// multiplex resolver, and set *target to redirect the stream before the
// host creates it.
func (d *Discovery) AddSinkInputPre(si *hostif.SinkInput, target *int32) {
	res := classify.Stream(classify.StreamInput{
		MediaRole:  si.Props["media.role"],
		BinaryName: si.Props["application.process.binary"],
	})

	devTarget, ok := d.router.MakePrerouting(res.Type)
	if !ok || devTarget.PAIdx == node.InvalidIndex {
		return
	}

	sinkIdx := devTarget.PAIdx
	if d.Multiplex != nil && classify.IsMultiplexCapable(res.Type) {
		if handle, wrapped := d.Multiplex(devTarget); wrapped {
			sinkIdx = handle.SinkIndex
			d.mu.Lock()
			d.pendingMux[si.Index] = handle
			d.mu.Unlock()
		}
	}
	if target != nil {
		*target = sinkIdx
	}
}

// AddSinkInputPost is the post-route reconciliation:
// create the stream's own node, register it with the router for future
// prerouting passes, and apply volume limits.
func (d *Discovery) AddSinkInputPost(si hostif.SinkInput) {
	res := classify.Stream(classify.StreamInput{
		MediaRole:  si.Props["media.role"],
		BinaryName: si.Props["application.process.binary"],
	})

	key := "stream:" + strconv.Itoa(int(si.Index))

	d.mu.Lock()
	n, exists := d.byName[key]
	if !exists {
		n = node.New(node.Node{
			Key:       key,
			Direction: node.Output,
			Implement: node.Stream,
			Type:      res.Type,
			Visible:   true,
			Available: true,
			PAIdx:     si.Index,
			AMID:      node.InvalidIndex,
		})
		d.byName[key] = n
		d.registry.Add(n)
	} else {
		d.registry.RebindHostIndex(n, si.Index)
	}
	d.byHostPtr[fmt.Sprintf("sinkinput:%d", si.Index)] = n
	if handle, ok := d.pendingMux[si.Index]; ok {
		n.Mux = handle
		delete(d.pendingMux, si.Index)
	}
	d.router.RegisterNode(n)
	d.mu.Unlock()

	if d.Volume != nil {
		d.Volume(d.stamps.New())
	}
}

// RemoveSinkInput unregisters the stream node.
func (d *Discovery) RemoveSinkInput(idx int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hostKey := fmt.Sprintf("sinkinput:%d", idx)
	n, ok := d.byHostPtr[hostKey]
	if !ok {
		return
	}
	delete(d.byHostPtr, hostKey)
	d.router.UnregisterNode(n)
	d.registry.Remove(n)
	delete(d.byName, n.Key)
}

// AddSourceOutput registers a capture stream's node. Capture streams get
// no pre-routing pass;
// they are tracked so the graph, AM mirror and admin API see them.
func (d *Discovery) AddSourceOutput(so hostif.SourceOutput) {
	res := classify.Stream(classify.StreamInput{
		MediaRole:  so.Props["media.role"],
		BinaryName: so.Props["application.process.binary"],
	})

	key := "capture:" + strconv.Itoa(int(so.Index))

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.byName[key]; exists {
		return
	}
	n := node.New(node.Node{
		Key:       key,
		Direction: node.Input,
		Implement: node.Stream,
		Type:      res.Type,
		Visible:   true,
		Available: true,
		PAIdx:     so.Index,
		AMID:      node.InvalidIndex,
	})
	d.byName[key] = n
	d.registry.Add(n)
	d.byHostPtr[fmt.Sprintf("sourceoutput:%d", so.Index)] = n
	d.router.RegisterNode(n)
}

// RemoveSourceOutput unregisters a capture stream's node.
func (d *Discovery) RemoveSourceOutput(idx int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hostKey := fmt.Sprintf("sourceoutput:%d", idx)
	n, ok := d.byHostPtr[hostKey]
	if !ok {
		return
	}
	delete(d.byHostPtr, hostKey)
	d.router.UnregisterNode(n)
	d.registry.Remove(n)
	delete(d.byName, n.Key)
}

// DeviceBySinkIndex returns the device node attached to a host sink,
// the resolver the volume engine's sink walk uses.
func (d *Discovery) DeviceBySinkIndex(idx int32) (*node.Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.byHostPtr[fmt.Sprintf("sink:%d", idx)]
	return n, ok
}

// FindByKey exposes the unique-name map for diagnostics/admin use.
func (d *Discovery) FindByKey(key string) (*node.Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.byName[key]
	return n, ok
}
