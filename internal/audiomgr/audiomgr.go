// Package audiomgr bridges the local node graph to an external GENIVI
// Audio Manager: domain/node registration and
// asyncConnect/asyncDisconnect handling, realized locally through
// internal/router. The wire encoding itself lives in internal/bus;
// AMClient is the minimal interface needed to send an AM request, so
// tests can inject a mock transport instead of a real D-Bus connection.
package audiomgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"audiopolicyd/internal/node"
	"audiopolicyd/internal/router"
	"audiopolicyd/internal/stamp"
)

// Error is the AM error enumeration (E_OK..E_WRONG_FORMAT, 0..10).
type Error int16

const (
	EOK Error = iota
	EUnknownError
	EOutOfRange
	ENotUsed
	EDatabaseError
	EAlreadyExists
	ENoChange
	ENotPossible
	ENonExistent
	EAborted
	EWrongFormat
)

func (e Error) String() string {
	switch e {
	case EOK:
		return "E_OK"
	case EUnknownError:
		return "E_UNKNOWN_ERROR"
	case EOutOfRange:
		return "E_OUT_OF_RANGE"
	case ENotUsed:
		return "E_NOT_USED"
	case EDatabaseError:
		return "E_DATABASE_ERROR"
	case EAlreadyExists:
		return "E_ALREADY_EXISTS"
	case ENoChange:
		return "E_NO_CHANGE"
	case ENotPossible:
		return "E_NOT_POSSIBLE"
	case ENonExistent:
		return "E_NON_EXISTENT"
	case EAborted:
		return "E_ABORTED"
	case EWrongFormat:
		return "E_WRONG_FORMAT"
	default:
		return fmt.Sprintf("E_%d", int(e))
	}
}

// SoundProperty is one entry of the fixed sound-properties array every
// registration carries (2 entries with zero values by default).
type SoundProperty struct {
	Type  int16
	Value int16
}

// ConnectionFormat is one entry of the connection-formats array.
type ConnectionFormat int16

// DomainInfo carries the identity fields sent by registerDomain.
type DomainInfo struct {
	Name     string
	BusName  string
	NodeName string
}

// SinkRegistration/SourceRegistration carry the fields of registerSink /
// registerSource, built by Bridge.RegisterNode from a *node.Node and
// handed to AMClient.
type SinkRegistration struct {
	Name    string
	Domain  uint16
	Class   int16
	Volume  int16
	Visible bool
	Mute    int16
	MainVol int16
	Props   []SoundProperty
	Formats []ConnectionFormat
}

// SourceRegistration mirrors SinkRegistration for the source side.
type SourceRegistration struct {
	Name    string
	Domain  uint16
	Class   int16
	Volume  int16
	Visible bool
	Mute    int16
	MainVol int16
	Props   []SoundProperty
	Formats []ConnectionFormat
}

// AMClient is the outbound half of the bus wire protocol: every
// bridge -> AM method call. Implemented by internal/bus over D-Bus.
type AMClient interface {
	RegisterDomain(ctx context.Context, info DomainInfo) (domainID uint16, status uint16, err error)
	HookDomainRegistrationComplete(ctx context.Context, domainID int32) error
	DeregisterDomain(ctx context.Context, domainID uint16) error
	RegisterSink(ctx context.Context, req SinkRegistration) (id uint16, status uint16, err error)
	RegisterSource(ctx context.Context, req SourceRegistration) (id uint16, status uint16, err error)
	DeregisterSink(ctx context.Context, id int16) error
	DeregisterSource(ctx context.Context, id int16) error
	AckConnect(ctx context.Context, handle, connection uint16, errCode Error) error
	AckDisconnect(ctx context.Context, handle, connection uint16, errCode Error) error
}

// ClassOf maps a node to its AM class id. Injectable so configuration can
// override the default identity mapping without the bridge needing a
// predicate dependency.
type ClassOf func(n *node.Node) int16

func defaultClassOf(n *node.Node) int16 { return int16(n.Type) }

type nodeKey struct {
	dir  node.Direction
	amid int32
}

// Bridge owns the domain-registration state, the (direction, amid)-keyed
// node map, and the live connection table, and realizes asyncConnect /
// asyncDisconnect through Router. All mutation happens under mu since
// inbound AM calls and local registration both reach Bridge from
// whatever goroutine the bus transport dispatches on.
type Bridge struct {
	mu sync.Mutex

	client   AMClient
	registry *node.Registry
	router   *router.Router
	stamps   *stamp.Counter
	classOf  ClassOf
	log      *slog.Logger

	info     DomainInfo
	domainID int32
	domainUp bool

	byAMID map[nodeKey]*node.Node
	conns  map[uint16]*router.Connection
}

// New creates a Bridge and wires its amid-resolver into router so
// explicit routes materialized from asyncConnect can be realized.
func New(client AMClient, registry *node.Registry, r *router.Router, stamps *stamp.Counter, info DomainInfo, classOf ClassOf, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	if classOf == nil {
		classOf = defaultClassOf
	}
	b := &Bridge{
		client:   client,
		registry: registry,
		router:   r,
		stamps:   stamps,
		classOf:  classOf,
		log:      log,
		info:     info,
		domainID: node.InvalidIndex,
		byAMID:   make(map[nodeKey]*node.Node),
		conns:    make(map[uint16]*router.Connection),
	}
	r.SetIndexResolver(b.resolveByAMID)
	return b
}

// SetClient (re)binds the transport used for outbound AM calls. Callers
// that need the Bridge's own identity before the transport exists (e.g.
// bus.Connect, which exports a receiver tied to this Bridge) construct
// the Bridge with a nil client and call SetClient once the transport is
// ready.
func (b *Bridge) SetClient(client AMClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.client = client
}

// IsDomainUp reports whether RegisterDomain last succeeded and the
// domain hasn't since been marked down.
func (b *Bridge) IsDomainUp() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.domainUp
}

// RegisterDomain sends registerDomain, stores the assigned domain_id,
// marks the domain up, replays every locally known visible+available
// device node as registerSink/registerSource, then sends
// hookDomainRegistrationComplete.
func (b *Bridge) RegisterDomain(ctx context.Context) error {
	id, status, err := b.client.RegisterDomain(ctx, b.info)
	if err != nil {
		b.log.Warn("audiomgr: registerDomain failed", "err", err)
		return err
	}
	if Error(status) != EOK {
		b.log.Warn("audiomgr: registerDomain refused", "status", Error(status))
		return fmt.Errorf("audiomgr: registerDomain refused: %s", Error(status))
	}

	b.mu.Lock()
	b.domainID = int32(id)
	b.domainUp = true
	b.mu.Unlock()

	for _, n := range b.registry.All() {
		if n.Implement != node.Device || !n.Visible || !n.Available {
			continue
		}
		if err := b.RegisterNode(ctx, n); err != nil {
			b.log.Info("audiomgr: node registration failed during domain replay", "node", n.Key, "err", err)
		}
	}

	if err := b.client.HookDomainRegistrationComplete(ctx, b.domainID); err != nil {
		b.log.Warn("audiomgr: hookDomainRegistrationComplete failed", "err", err)
		return err
	}
	return nil
}

// RegisterNode builds the AM identity fields, fixed sound-properties
// array, and single-entry connection-formats array, sends
// registerSink/registerSource depending on direction, and assigns the
// returned AM id to the node.
func (b *Bridge) RegisterNode(ctx context.Context, n *node.Node) error {
	props := []SoundProperty{{}, {}}
	formats := []ConnectionFormat{0}

	b.mu.Lock()
	domainID := uint16(b.domainID)
	b.mu.Unlock()

	var amid int32
	if n.Direction == node.Output {
		id, status, err := b.client.RegisterSink(ctx, SinkRegistration{
			Name: n.Key, Domain: domainID, Class: b.classOf(n),
			Visible: n.Visible, Props: props, Formats: formats,
		})
		if err != nil {
			return err
		}
		if Error(status) != EOK {
			return fmt.Errorf("audiomgr: registerSink refused for %s: %s", n.Key, Error(status))
		}
		amid = int32(id)
	} else {
		id, status, err := b.client.RegisterSource(ctx, SourceRegistration{
			Name: n.Key, Domain: domainID, Class: b.classOf(n),
			Visible: n.Visible, Props: props, Formats: formats,
		})
		if err != nil {
			return err
		}
		if Error(status) != EOK {
			return fmt.Errorf("audiomgr: registerSource refused for %s: %s", n.Key, Error(status))
		}
		amid = int32(id)
	}

	b.mu.Lock()
	n.AMID = amid
	b.byAMID[nodeKey{n.Direction, amid}] = n
	b.mu.Unlock()
	return nil
}

// UnregisterNode deregisters a previously registered node and drops it
// from the amid map.
func (b *Bridge) UnregisterNode(ctx context.Context, n *node.Node) error {
	if n.AMID == node.InvalidIndex {
		return nil
	}
	var err error
	if n.Direction == node.Output {
		err = b.client.DeregisterSink(ctx, int16(n.AMID))
	} else {
		err = b.client.DeregisterSource(ctx, int16(n.AMID))
	}

	b.mu.Lock()
	delete(b.byAMID, nodeKey{n.Direction, n.AMID})
	b.mu.Unlock()
	n.AMID = node.InvalidIndex
	return err
}

// resolveByAMID wires router.SetIndexResolver: router only ever calls
// this with identity values it received from asyncConnect/asyncDisconnect
// via AddExplicitRoute, so a single flat lookup across both directions is
// enough (sink and source amid spaces don't collide in practice).
func (b *Bridge) resolveByAMID(amid int32) (*node.Node, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n, ok := b.byAMID[nodeKey{node.Output, amid}]; ok {
		return n, true
	}
	if n, ok := b.byAMID[nodeKey{node.Input, amid}]; ok {
		return n, true
	}
	return nil, false
}

// HandleAsyncConnect materializes an AM source->sink request as an
// explicit route under its connection id, then acks.
func (b *Bridge) HandleAsyncConnect(ctx context.Context, handle, connection, source, sink uint16, _ int16) {
	if _, ok := b.resolveByAMID(int32(source)); !ok {
		b.ackConnect(ctx, handle, connection, ENonExistent)
		return
	}
	if _, ok := b.resolveByAMID(int32(sink)); !ok {
		b.ackConnect(ctx, handle, connection, ENonExistent)
		return
	}

	c := b.router.AddExplicitRoute(int32(connection), int32(source), int32(sink), b.stamps.New())

	b.mu.Lock()
	b.conns[connection] = c
	b.mu.Unlock()

	b.ackConnect(ctx, handle, connection, EOK)
}

// HandleAsyncDisconnect is symmetric with HandleAsyncConnect.
func (b *Bridge) HandleAsyncDisconnect(ctx context.Context, handle, connection uint16) {
	b.mu.Lock()
	c, ok := b.conns[connection]
	if ok {
		delete(b.conns, connection)
	}
	b.mu.Unlock()

	if !ok {
		b.ackDisconnect(ctx, handle, connection, ENonExistent)
		return
	}
	b.router.RemoveExplicitRoute(c, b.stamps.New())
	b.ackDisconnect(ctx, handle, connection, EOK)
}

func (b *Bridge) ackConnect(ctx context.Context, handle, connection uint16, errCode Error) {
	if err := b.client.AckConnect(ctx, handle, connection, errCode); err != nil {
		b.log.Warn("audiomgr: ackConnect failed", "err", err)
	}
}

func (b *Bridge) ackDisconnect(ctx context.Context, handle, connection uint16, errCode Error) {
	if err := b.client.AckDisconnect(ctx, handle, connection, errCode); err != nil {
		b.log.Warn("audiomgr: ackDisconnect failed", "err", err)
	}
}

// MarkDomainDown is the bus-driven half of name-owner-changed handling:
// the peer disappeared, so the domain is marked not-up and every pending
// connection is dropped. Node registrations themselves are left alone
// until a fresh RegisterDomain replays them.
func (b *Bridge) MarkDomainDown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.domainUp = false
	b.conns = make(map[uint16]*router.Connection)
}
