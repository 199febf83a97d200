// Command audiopolicyd is the composition root: it wires the host
// contract, the routing graph, the Audio Manager bridge, the augment
// module and the admin API together into one running policy daemon.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"audiopolicyd/internal/adminapi"
	"audiopolicyd/internal/audiomgr"
	"audiopolicyd/internal/augment"
	"audiopolicyd/internal/augment/dirwatch"
	"audiopolicyd/internal/bus"
	"audiopolicyd/internal/classify"
	"audiopolicyd/internal/config"
	"audiopolicyd/internal/constraints"
	"audiopolicyd/internal/discovery"
	"audiopolicyd/internal/eventlog"
	"audiopolicyd/internal/hostif"
	"audiopolicyd/internal/hostif/mock"
	"audiopolicyd/internal/multiplex"
	"audiopolicyd/internal/node"
	"audiopolicyd/internal/nullsink"
	"audiopolicyd/internal/router"
	"audiopolicyd/internal/stamp"
	"audiopolicyd/internal/swtch"
	"audiopolicyd/internal/tracker"
	"audiopolicyd/internal/volume"
)

func main() {
	fs := pflag.NewFlagSet("audiopolicyd", pflag.ExitOnError)
	eventDB := fs.String("event-db", "audiopolicyd-events.db", "event log SQLite database path (empty for in-memory)")
	configFile := fs.String("config", "", "path to a murphy-style YAML config file")
	adminAddr := fs.String("admin-addr", ":9292", "admin API listen address")
	adminBaseURL := fs.String("admin-url", "http://127.0.0.1:9292", "admin API base URL, used by CLI subcommands")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")

	_ = fs.Parse(os.Args[1:])
	if fs.NArg() > 0 && RunCLI(fs.Args(), *eventDB, *adminBaseURL) {
		return
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(log)

	cfg, err := config.Load(*configFile, nil)
	if err != nil {
		log.Error("config: load", "err", err)
		os.Exit(1)
	}

	evlog, err := eventlog.Open(*eventDB, log)
	if err != nil {
		log.Error("eventlog: open", "err", err)
		os.Exit(1)
	}
	defer evlog.Close()

	host := hostif.Host(mock.New())

	registry := node.NewRegistry()
	stamps := &stamp.Counter{}

	ns, err := nullsink.Load(host, cfg.Murphy.NullSinkName)
	if err != nil {
		log.Error("nullsink: load", "err", err)
		os.Exit(1)
	}
	log.Info("nullsink: loaded", "name", ns.Name(), "sink_index", ns.SinkIndex(), "source_index", ns.SourceIndex())

	rt := router.New(log)
	rt.AddGroup(router.NewDefaultGroup("default"))
	rt.AddGroup(router.NewPhoneGroup("phone"))
	if err := rt.BindClass(node.TypePhone, "phone", 100); err != nil {
		log.Error("router: bind phone class", "err", err)
		os.Exit(1)
	}
	for _, t := range []node.Type{
		node.TypeRadio, node.TypePlayer, node.TypeNavigator, node.TypeGame,
		node.TypeBrowser, node.TypeEvent, node.TypeCamera, node.TypeAlert, node.TypeSystem,
	} {
		if err := rt.BindClass(t, "default", 0); err != nil {
			log.Error("router: bind class", "class", t, "err", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := multiplex.New(ctx, host, float64(cfg.Combine.Rate), cfg.Combine.AdjustTime, log)
	sw := swtch.New(host, mux, log)
	rt.Switch = sw

	disco := discovery.New(registry, rt, stamps, host, discovery.DefaultConfig(), log)
	disco.NullSinkIdx = ns.SinkIndex()
	disco.NullSourceIdx = ns.SourceIndex()
	disco.Multiplex = func(target *node.Node) (*node.MuxHandle, bool) {
		h := mux.CreateForTarget(target.PAIdx, target.Type)
		return &node.MuxHandle{SinkIndex: h.CombinedSinkIdx, ModuleIdx: h.ModuleIndex}, true
	}

	volEngine := volume.New(host, 300*time.Millisecond, 150*time.Millisecond, log)
	volEngine.AddGenericLimiter(volume.Correct(0))
	volEngine.AddClassLimiter(node.TypePhone, volume.Suppress(-20, node.TypePhone, node.TypeNavigator))
	volEngine.AddClassLimiter(node.TypeNavigator, volume.Suppress(-20, node.TypePhone, node.TypeNavigator))

	streamClassOf := func(si hostif.SinkInput) node.Type {
		return classify.Stream(classify.StreamInput{
			MediaRole:  si.Props["media.role"],
			BinaryName: si.Props["application.process.binary"],
		}).Type
	}
	fadeAll := func(passStamp uint32) {
		volEngine.FadeAll(disco.DeviceBySinkIndex, streamClassOf, passStamp)
	}
	disco.Volume = fadeAll
	rt.AfterRouting = fadeAll

	cset := constraints.NewSet()
	rt.Constraints = cset

	augMgr := augment.NewManager(
		cfg.Murphy.ConfigDir+"/client.conf.d",
		cfg.Murphy.ConfigDir+"/desktop.conf.d",
		cfg.Murphy.ConfigDir+"/sink-input.rules.d",
		augment.DefaultCacheSize,
	)
	if err := augMgr.LoadSinkInputRules(); err != nil {
		log.Warn("augment: load sink-input rules", "err", err)
	}

	sink := &fanOutSink{discovery: disco, augment: augMgr, constraints: cset, registry: registry, events: evlog, log: log}

	trk := tracker.New(host, sink, rt, stamps, log)

	if err := trk.Start(ctx); err != nil {
		log.Error("tracker: start", "err", err)
		os.Exit(1)
	}

	watchDir := cfg.Murphy.ConfigDir + "/sink-input.rules.d"
	if watcher, err := dirwatch.New(watchDir, func(ev dirwatch.Event) { sink.HandleEvent(ev.ToHostEvent()) }, log); err != nil {
		log.Warn("dirwatch: watch", "dir", watchDir, "err", err)
	} else {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				log.Warn("dirwatch: run", "err", err)
			}
		}()
	}

	bridge := wireAudioManager(ctx, cfg, registry, rt, stamps, evlog, log)

	admin := adminapi.New(&adminSource{registry: registry, router: rt, mux: mux}, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("audiopolicyd: shutting down")
		if bridge != nil {
			bridge.MarkDomainDown()
		}
		cancel()
	}()

	log.Info("audiopolicyd: listening", "admin_addr", *adminAddr)
	if err := admin.Run(ctx, *adminAddr); err != nil {
		log.Error("adminapi: run", "err", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// wireAudioManager connects the Audio Manager D-Bus bridge if the system
// bus is reachable; a failure here is logged, not fatal, since the
// policy daemon is useful standalone (AM integration is a bridge, not a
// hard dependency of local routing).
func wireAudioManager(ctx context.Context, cfg *config.Args, registry *node.Registry, rt *router.Router, stamps *stamp.Counter, evlog *eventlog.Log, log *slog.Logger) *audiomgr.Bridge {
	info := audiomgr.DomainInfo{
		Name:     "PulseAudio",
		BusName:  bus.BusNamePulse,
		NodeName: "pulse",
	}
	bridge := audiomgr.New(nil, registry, rt, stamps, info, nil, log)

	transport, err := bus.Connect(cfg.Murphy.DBusAudioMgrName, bridge, log)
	if err != nil {
		log.Warn("bus: connect", "err", err)
		return bridge
	}
	bridge.SetClient(transport)
	transport.OnPeerUp(func() {
		if err := bridge.RegisterDomain(ctx); err != nil {
			log.Warn("audiomgr: register domain", "err", err)
			return
		}
		if err := evlog.Append(ctx, eventlog.AMRegistration, info.Name, "domain registered"); err != nil {
			log.Warn("eventlog: append", "err", err)
		}
	})
	transport.OnPeerDown(bridge.MarkDomainDown)
	go func() {
		if err := transport.WatchNameOwnerChanged(ctx); err != nil {
			log.Warn("bus: watch name owner changed", "err", err)
		}
	}()
	return bridge
}

// fanOutSink implements tracker.Sink, forwarding every host event to
// Discovery after letting the augment module enrich sink-input
// properties and letting dirwatch's virtual ClientPut events reload
// the augment module's rule files. Tracker subscribes exactly this one
// callback to the host, so this is the single point where the two concerns are
// combined (augment lookup runs ahead of Discovery's own pre-routing
// classification).
type fanOutSink struct {
	discovery   *discovery.Discovery
	augment     *augment.Manager
	constraints *constraints.Set
	registry    *node.Registry
	events      *eventlog.Log
	log         *slog.Logger
}

func (f *fanOutSink) HandleEvent(ev hostif.Event) {
	switch ev.Kind {
	case hostif.ClientPut:
		if err := f.augment.Reload(); err != nil {
			f.log.Warn("augment: reload sink-input rules", "err", err)
		}
		return
	case hostif.ClientUnlink:
		return
	case hostif.SinkInputNew:
		f.augmentSinkInput(ev.SinkInput)
	}

	f.discovery.HandleEvent(ev)
	f.syncConstraints(ev)
	f.logCardLifecycle(ev)
}

func (f *fanOutSink) logCardLifecycle(ev hostif.Event) {
	if f.events == nil {
		return
	}
	ctx := context.Background()
	switch ev.Kind {
	case hostif.CardPut:
		_ = f.events.Append(ctx, eventlog.NodeCreated, cardConstraintKey(ev.Card.Index), ev.Card.Name)
	case hostif.CardUnlink:
		_ = f.events.Append(ctx, eventlog.NodeDestroyed, cardConstraintKey(ev.Card.Index), ev.Card.Name)
	case hostif.CardProfileChanged:
		_ = f.events.Append(ctx, eventlog.ProfileSwitch, cardConstraintKey(ev.Card.Index), f.activeProfileName(ev.Card))
	}
}

func (f *fanOutSink) activeProfileName(c *hostif.Card) string {
	for _, p := range c.Profiles {
		if p.Active {
			return p.Name
		}
	}
	return ""
}

func (f *fanOutSink) augmentSinkInput(si *hostif.SinkInput) {
	if si == nil {
		return
	}
	binary := si.Props["application.process.binary"]
	clientName := si.Props["application.name"]
	if binary != "" {
		si.Props = f.augment.Augment(binary, si.Props)
	}
	if clientName != "" {
		si.Props = f.augment.ApplySinkInputRules(clientName, si.Props)
	}
}

// syncConstraints keeps one constraints.Definition per card in lock-step
// with the registry, grouping every node that belongs to the same card
// into a single mutual-exclusion set (one profile per card).
func (f *fanOutSink) syncConstraints(ev hostif.Event) {
	switch ev.Kind {
	case hostif.CardUnlink:
		f.constraints.Destroy(cardConstraintName(ev.Card.Index))
		return
	case hostif.CardPut, hostif.CardProfileChanged:
		name := cardConstraintName(ev.Card.Index)
		cd, ok := f.constraints.Get(name)
		if !ok {
			created, err := f.constraints.Create(name, constraints.KindCard, cardConstraintKey(ev.Card.Index))
			if err != nil {
				return
			}
			cd = created
		}
		for _, n := range f.registry.All() {
			if n.PACardIndex == ev.Card.Index {
				f.constraints.AddNode(cd, n)
			}
		}
	}
}

func cardConstraintName(cardIndex int32) string { return "card:" + strconv.Itoa(int(cardIndex)) }
func cardConstraintKey(cardIndex int32) string  { return strconv.Itoa(int(cardIndex)) }
