// Package bus implements the GENIVI Audio Manager wire protocol over
// D-Bus: interface "org.genivi.audiomanager" on path
// "/org/genivi/audiomanager/RoutingInterface", with the bridge owning
// "org.genivi.pulse" at "/org/genivi/pulse". Implements
// audiomgr.AMClient so internal/audiomgr never needs to know the
// transport is D-Bus.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"audiopolicyd/internal/audiomgr"
)

// Wire protocol identifiers, bit-exact
const (
	InterfaceAudioManager = "org.genivi.audiomanager"
	PathAudioManager      = dbus.ObjectPath("/org/genivi/audiomanager/RoutingInterface")

	BusNamePulse = "org.genivi.pulse"
	PathPulse    = dbus.ObjectPath("/org/genivi/pulse")
)

// soundProperty/connectionFormat mirror audiomgr's wire-shaped structs;
// godbus marshals exported struct fields positionally into a DBus STRUCT,
// so no tags are needed.
type soundProperty struct {
	Type  int16
	Value int16
}

type muteState struct {
	Status int16
	Reason int16
}

// pendingCall tracks one outstanding bridge -> AM call so it can be
// cancelled if the peer disappears mid-flight.
type pendingCall struct {
	seq    uint32
	tag    string
	cancel context.CancelFunc
}

// Transport owns the D-Bus connection, the AM object proxy, the pending
// call registry, and name-owner-changed driven reconnection.
type Transport struct {
	mu sync.Mutex

	conn   *dbus.Conn
	amObj  dbus.BusObject
	amName string

	pending map[uint32]pendingCall
	nextSeq uint32

	log *slog.Logger

	onPeerUp   func()
	onPeerDown func()
}

var _ audiomgr.AMClient = (*Transport)(nil)

// Receiver is exported on PathPulse so the external Audio Manager can
// deliver asyncConnect/asyncDisconnect.
type Receiver struct {
	bridge *audiomgr.Bridge
}

// AsyncConnect implements the exported D-Bus method; *dbus.Error return
// follows godbus's Export convention for method errors.
func (r *Receiver) AsyncConnect(handle, connection, source, sink uint16, format int16) *dbus.Error {
	r.bridge.HandleAsyncConnect(context.Background(), handle, connection, source, sink, format)
	return nil
}

// AsyncDisconnect implements the exported D-Bus method.
func (r *Receiver) AsyncDisconnect(handle, connection uint16) *dbus.Error {
	r.bridge.HandleAsyncDisconnect(context.Background(), handle, connection)
	return nil
}

// Connect dials the system bus, claims BusNamePulse, exports bridge's
// asyncConnect/asyncDisconnect receiver, and wires name-owner-changed
// driven reconnection against amBusName.
func Connect(amBusName string, bridge *audiomgr.Bridge, log *slog.Logger) (*Transport, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bus: connect system bus: %w", err)
	}

	reply, err := conn.RequestName(BusNamePulse, dbus.NameFlagDoNotQueue)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bus: request name %s: %w", BusNamePulse, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		_ = conn.Close()
		return nil, fmt.Errorf("bus: name %s already owned", BusNamePulse)
	}

	if err := conn.Export(&Receiver{bridge: bridge}, PathPulse, InterfaceAudioManager); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bus: export receiver: %w", err)
	}

	t := &Transport{
		conn:    conn,
		amObj:   conn.Object(amBusName, PathAudioManager),
		amName:  amBusName,
		pending: make(map[uint32]pendingCall),
		log:     log,
	}
	return t, nil
}

// Close releases the bus connection.
func (t *Transport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

// OnPeerUp/OnPeerDown register the callbacks driven by name-owner-changed
// signals (typically audiomgr.Bridge.RegisterDomain / MarkDomainDown).
func (t *Transport) OnPeerUp(fn func())   { t.onPeerUp = fn }
func (t *Transport) OnPeerDown(fn func()) { t.onPeerDown = fn }

// WatchNameOwnerChanged subscribes to org.freedesktop.DBus's
// NameOwnerChanged signal for t.amName and drives onPeerUp/onPeerDown as
// the AM process appears/disappears, until ctx is canceled.
func (t *Transport) WatchNameOwnerChanged(ctx context.Context) error {
	if err := t.conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, t.amName),
	); err != nil {
		return fmt.Errorf("bus: add match signal: %w", err)
	}

	ch := make(chan *dbus.Signal, 16)
	t.conn.Signal(ch)
	defer t.conn.RemoveSignal(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				return nil
			}
			t.handleNameOwnerChanged(sig)
		}
	}
}

func (t *Transport) handleNameOwnerChanged(sig *dbus.Signal) {
	if len(sig.Body) != 3 {
		return
	}
	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)

	if newOwner == "" {
		t.log.Info("bus: AM peer disappeared", "name", t.amName)
		t.dropAllPending()
		if t.onPeerDown != nil {
			t.onPeerDown()
		}
		return
	}
	if oldOwner == "" {
		t.log.Info("bus: AM peer appeared", "name", t.amName)
		if t.onPeerUp != nil {
			t.onPeerUp()
		}
	}
}

// register allocates a sequence number and a cancellable context for one
// outbound call "request/reply message objects with
// an incrementing sequence number and an explicit request tag. A
// pending-request list tracks each outstanding call".
func (t *Transport) register(parent context.Context, tag string) (context.Context, uint32, func()) {
	ctx, cancel := context.WithCancel(parent)

	t.mu.Lock()
	t.nextSeq++
	seq := t.nextSeq
	id := uuid.New().String()
	t.pending[seq] = pendingCall{seq: seq, tag: tag + ":" + id, cancel: cancel}
	t.mu.Unlock()

	done := func() {
		t.mu.Lock()
		delete(t.pending, seq)
		t.mu.Unlock()
		cancel()
	}
	return ctx, seq, done
}

func (t *Transport) dropAllPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for seq, p := range t.pending {
		p.cancel()
		delete(t.pending, seq)
	}
}

// PendingCount reports the number of outstanding calls (diagnostics/tests).
func (t *Transport) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Transport) call(ctx context.Context, method string, ret []any, args ...any) error {
	callCtx, _, done := t.register(ctx, method)
	defer done()
	call := t.amObj.CallWithContext(callCtx, InterfaceAudioManager+"."+method, 0, args...)
	if call.Err != nil {
		return fmt.Errorf("bus: %s: %w", method, call.Err)
	}
	if len(ret) > 0 {
		if err := call.Store(ret...); err != nil {
			return fmt.Errorf("bus: %s: decode reply: %w", method, err)
		}
	}
	return nil
}

// RegisterDomain implements audiomgr.AMClient.
func (t *Transport) RegisterDomain(ctx context.Context, info audiomgr.DomainInfo) (uint16, uint16, error) {
	var id, status uint16
	err := t.call(ctx, "RegisterDomain", []any{&id, &status},
		uint16(0), info.Name, info.NodeName, info.BusName,
		false, true, uint16(0),
		BusNamePulse, string(PathPulse), InterfaceAudioManager,
	)
	return id, status, err
}

// HookDomainRegistrationComplete implements audiomgr.AMClient.
func (t *Transport) HookDomainRegistrationComplete(ctx context.Context, domainID int32) error {
	return t.call(ctx, "HookDomainRegistrationComplete", nil, domainID)
}

// DeregisterDomain implements audiomgr.AMClient.
func (t *Transport) DeregisterDomain(ctx context.Context, domainID uint16) error {
	return t.call(ctx, "DeregisterDomain", nil, domainID)
}

// RegisterSink implements audiomgr.AMClient.
func (t *Transport) RegisterSink(ctx context.Context, req audiomgr.SinkRegistration) (uint16, uint16, error) {
	var id, status uint16
	err := t.call(ctx, "RegisterSink", []any{&id, &status},
		uint16(0), req.Name, req.Domain, req.Class, req.Volume, req.Visible,
		muteState{}, req.Mute, req.MainVol,
		toSoundProperties(req.Props), toFormats(req.Formats), toSoundProperties(req.Props),
	)
	return id, status, err
}

// RegisterSource implements audiomgr.AMClient.
func (t *Transport) RegisterSource(ctx context.Context, req audiomgr.SourceRegistration) (uint16, uint16, error) {
	var id, status uint16
	err := t.call(ctx, "RegisterSource", []any{&id, &status},
		uint16(0), req.Name, req.Domain, req.Class, req.Volume, req.Visible,
		muteState{}, req.Mute, req.MainVol,
		toSoundProperties(req.Props), toFormats(req.Formats), toSoundProperties(req.Props),
	)
	return id, status, err
}

// DeregisterSink implements audiomgr.AMClient.
func (t *Transport) DeregisterSink(ctx context.Context, id int16) error {
	return t.call(ctx, "DeregisterSink", nil, id)
}

// DeregisterSource implements audiomgr.AMClient.
func (t *Transport) DeregisterSource(ctx context.Context, id int16) error {
	return t.call(ctx, "DeregisterSource", nil, id)
}

// AckConnect implements audiomgr.AMClient.
func (t *Transport) AckConnect(ctx context.Context, handle, connection uint16, errCode audiomgr.Error) error {
	return t.call(ctx, "AckConnect", nil, handle, connection, uint16(errCode))
}

// AckDisconnect implements audiomgr.AMClient.
func (t *Transport) AckDisconnect(ctx context.Context, handle, connection uint16, errCode audiomgr.Error) error {
	return t.call(ctx, "AckDisconnect", nil, handle, connection, uint16(errCode))
}

func toSoundProperties(props []audiomgr.SoundProperty) []soundProperty {
	out := make([]soundProperty, len(props))
	for i, p := range props {
		out[i] = soundProperty{Type: p.Type, Value: p.Value}
	}
	return out
}

func toFormats(formats []audiomgr.ConnectionFormat) []int16 {
	out := make([]int16, len(formats))
	for i, f := range formats {
		out[i] = int16(f)
	}
	return out
}
