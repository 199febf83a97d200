// Package volume implements the composed attenuation engine: a generic
// limiter table consulted for every stream, a per-class table layered on
// top, and ramped application to the host's per-stream volume factor.
package volume

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"audiopolicyd/internal/hostif"
	"audiopolicyd/internal/node"
	"audiopolicyd/internal/predicate"
)

// MuteDB is the attenuation applied when a stream's class is outside
// the known application-class range.
const MuteDB = -90.0

const (
	defaultFadeOut = 200 * time.Millisecond
	defaultFadeIn  = 1 * time.Second
	minFade        = 0
	maxFade        = 10 * time.Second
)

// Limiter evaluates one attenuation rule against a node/stream class. ok
// is false when the limiter doesn't apply to this node (e.g. Correct
// skipping a private device), meaning it does not participate in the
// running minimum.
type Limiter func(n *node.Node, class node.Type) (db float64, ok bool)

// Suppress attenuates by amountDB unless class is in exceptions.
func Suppress(amountDB float64, exceptions ...node.Type) Limiter {
	excluded := make(map[node.Type]bool, len(exceptions))
	for _, c := range exceptions {
		excluded[c] = true
	}
	return func(_ *node.Node, class node.Type) (float64, bool) {
		if excluded[class] {
			return 0, false
		}
		return amountDB, true
	}
}

// Correct applies offsetDB only to device nodes whose privacy is public.
func Correct(offsetDB float64) Limiter {
	return func(n *node.Node, _ node.Type) (float64, bool) {
		if n.Implement != node.Device || n.Privacy != node.PrivacyPublic {
			return 0, false
		}
		return offsetDB, true
	}
}

// Custom builds a limiter whose applicability is decided by a compiled
// predicate expression over the node's type/channels/privacy/location,
// instead of a hand-coded Go predicate.
func Custom(amountDB float64, expr *predicate.Expr) Limiter {
	return func(n *node.Node, _ node.Type) (float64, bool) {
		fields := predicate.Fields{
			"type":     n.Type.String(),
			"channels": float64(n.Channels),
			"privacy":  float64(n.Privacy),
			"location": float64(n.Location),
		}
		ok, err := expr.Eval(fields)
		if err != nil || !ok {
			return 0, false
		}
		return amountDB, true
	}
}

func clampFade(d, def time.Duration) time.Duration {
	if d <= minFade {
		return def
	}
	if d > maxFade {
		return maxFade
	}
	return d
}

// Engine owns the generic/per-class limiter tables and the last-applied
// volume factor per stream, for ramp-direction decisions.
type Engine struct {
	mu sync.Mutex

	host     hostif.Host
	generic  []Limiter
	perClass map[node.Type][]Limiter

	fadeOut time.Duration
	fadeIn  time.Duration

	lastFactor map[int32]float64

	log *slog.Logger
}

// New creates an Engine. fadeOut/fadeIn are clamped to [0, 10s] with
// the defaults (200ms / 1s) substituted for non-positive values.
func New(host hostif.Host, fadeOut, fadeIn time.Duration, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		host:       host,
		perClass:   make(map[node.Type][]Limiter),
		fadeOut:    clampFade(fadeOut, defaultFadeOut),
		fadeIn:     clampFade(fadeIn, defaultFadeIn),
		lastFactor: make(map[int32]float64),
		log:        log,
	}
}

// AddGenericLimiter registers a limiter consulted for every stream.
func (e *Engine) AddGenericLimiter(l Limiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generic = append(e.generic, l)
}

// AddClassLimiter registers a limiter consulted only for class.
func (e *Engine) AddClassLimiter(class node.Type, l Limiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.perClass[class] = append(e.perClass[class], l)
}

// AddLimitingClass records class as currently routed to the output
// device node n for the routing pass identified by passStamp. The first
// add of a new pass discards the previous pass's accumulation; classes
// with no registered limiters are not recorded.
func (e *Engine) AddLimitingClass(n *node.Node, class node.Type, passStamp uint32) {
	if n == nil || n.Implement != node.Device || n.Direction != node.Output {
		return
	}
	if n.VLim.Stamp != passStamp {
		n.VLim.Stamp = passStamp
		n.VLim.Classes = n.VLim.Classes[:0]
	}

	e.mu.Lock()
	hasLimiters := len(e.perClass[class]) > 0
	e.mu.Unlock()
	if !hasLimiters {
		return
	}
	for _, c := range n.VLim.Classes {
		if c == class {
			return
		}
	}
	n.VLim.Classes = append(n.VLim.Classes, class)
}

// ApplyLimits computes the composed attenuation for a stream of
// streamClass attached to device node n: -90 dB for a class outside the
// application range, otherwise the minimum over every applicable
// generic limiter and over the limiter tables of every class recorded
// in n's VLim for this pass. Each limiter is handed the stream's own
// class; the VLim class only selects which tables participate.
func (e *Engine) ApplyLimits(n *node.Node, streamClass node.Type, passStamp uint32) float64 {
	if !streamClass.IsApplicationClass() {
		return MuteDB
	}

	e.mu.Lock()
	generic := append([]Limiter{}, e.generic...)
	var classLimiters []Limiter
	if n != nil && n.VLim.Stamp >= passStamp {
		for _, c := range n.VLim.Classes {
			classLimiters = append(classLimiters, e.perClass[c]...)
		}
	}
	e.mu.Unlock()

	db, any := 0.0, false
	for _, lim := range generic {
		if v, ok := lim(n, streamClass); ok && (!any || v < db) {
			db, any = v, true
		}
	}
	for _, lim := range classLimiters {
		if v, ok := lim(n, streamClass); ok && (!any || v < db) {
			db, any = v, true
		}
	}
	if !any {
		db = 0
	}
	return db
}

// SinkResolver finds the device node attached to a host sink index.
type SinkResolver func(sinkIndex int32) (*node.Node, bool)

// StreamClassifier returns a sink-input's stream class.
type StreamClassifier func(si hostif.SinkInput) node.Type

// FadeAll walks every sink-input on every output sink: the first pass
// accumulates each target device's limiting classes, the second
// computes and applies each stream's composed limit. Called after every
// successful routing pass.
func (e *Engine) FadeAll(resolve SinkResolver, classOf StreamClassifier, passStamp uint32) {
	inputs := e.host.SinkInputs()

	type placement struct {
		streamIndex int32
		dev         *node.Node
		class       node.Type
	}
	placements := make([]placement, 0, len(inputs))
	for _, si := range inputs {
		dev, ok := resolve(si.SinkIdx)
		if !ok {
			continue
		}
		class := classOf(si)
		e.AddLimitingClass(dev, class, passStamp)
		placements = append(placements, placement{si.Index, dev, class})
	}
	for _, p := range placements {
		e.setVolume(p.streamIndex, e.ApplyLimits(p.dev, p.class, passStamp))
	}
}

func dbToFactor(db float64) float64 {
	return math.Pow(10, db/20)
}

func factorToDB(factor float64) float64 {
	if factor <= 0 {
		return MuteDB
	}
	return 20 * math.Log10(factor)
}

// setVolume applies the composed attenuation to the host, ramping across
// fade_out (attenuating) or fade_in (releasing) when the direction
// changes versus the last-applied factor, and falling back to an
// immediate flat-volume set when no prior factor is on record.
func (e *Engine) setVolume(streamIndex int32, db float64) {
	factor := dbToFactor(db)

	e.mu.Lock()
	last, known := e.lastFactor[streamIndex]
	e.lastFactor[streamIndex] = factor
	e.mu.Unlock()

	if !known {
		e.flatSet(streamIndex, factor)
		return
	}
	if factor == last {
		return
	}

	duration := e.fadeIn
	if factor < last {
		duration = e.fadeOut
	}
	go e.ramp(context.Background(), streamIndex, factorToDB(last), db, duration)
}

func (e *Engine) flatSet(streamIndex int32, factor float64) {
	if err := e.host.SetSinkInputVolume(streamIndex, factor); err != nil {
		e.log.Warn("volume: set volume failed", "stream", streamIndex, "err", err)
	}
}

// rampStepInterval is the cadence at which ramp steps are applied,
// small enough to approximate a linear ramp without flooding the host.
const rampStepInterval = 20 * time.Millisecond

// RampSteps computes the dB values a linear ramp from fromDB to toDB
// over duration would visit at stepInterval cadence, always ending
// exactly at toDB. A pure function so the ramp math is testable without
// a real clock.
func RampSteps(fromDB, toDB float64, duration, stepInterval time.Duration) []float64 {
	if stepInterval <= 0 || duration <= 0 {
		return []float64{toDB}
	}
	n := int(duration / stepInterval)
	if n < 1 {
		n = 1
	}
	steps := make([]float64, 0, n+1)
	for i := 1; i <= n; i++ {
		frac := float64(i) / float64(n)
		steps = append(steps, fromDB+(toDB-fromDB)*frac)
	}
	if steps[len(steps)-1] != toDB {
		steps[len(steps)-1] = toDB
	}
	return steps
}

func (e *Engine) ramp(ctx context.Context, streamIndex int32, fromDB, toDB float64, duration time.Duration) {
	steps := RampSteps(fromDB, toDB, duration, rampStepInterval)
	ticker := time.NewTicker(rampStepInterval)
	defer ticker.Stop()

	for _, db := range steps {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.host.SetSinkInputVolume(streamIndex, dbToFactor(db)); err != nil {
				// Failed fade falls back to an immediate set of the target.
				e.log.Warn("volume: ramp step failed, setting target directly", "stream", streamIndex, "err", err)
				e.flatSet(streamIndex, dbToFactor(toDB))
				return
			}
		}
	}
}
