// Package hostif declares the contract the audio server host must satisfy.
// Everything in this package is consumed, never implemented by the policy
// core itself.
// internal/hostif/mock provides an in-memory fake for tests; the core's
// own logic never imports a concrete host implementation.
package hostif

import "context"

// Proplist is a property list keyed by dotted names, e.g.
// "device.form_factor" or "application.process.binary".
type Proplist map[string]string

// Port is one physical port on a Card (e.g. "analog-output-speaker").
type Port struct {
	Name      string
	Available Availability
}

// Availability mirrors the host's per-port availability tri-state.
type Availability int

const (
	AvailabilityUnknown Availability = iota
	AvailabilityNo
	AvailabilityYes
)

// Profile is one selectable profile on a Card (e.g. "output:analog-stereo").
type Profile struct {
	Name   string
	Active bool
}

// Card is a host hardware card object.
type Card struct {
	Index    int32
	Name     string
	Bus      string // "pci", "usb", "bluetooth"
	Props    Proplist
	Ports    []Port
	Profiles []Profile
}

// Sink is a host sink object (output device or synthetic sink).
type Sink struct {
	Index       int32
	Name        string
	CardIndex   int32 // -1 if not card-backed
	Port        string
	MaxChannels int
	Props       Proplist
}

// Source is a host source object (input device or synthetic source).
type Source struct {
	Index       int32
	Name        string
	CardIndex   int32
	Port        string
	MaxChannels int
	Props       Proplist
}

// SinkInput is a host playback stream.
type SinkInput struct {
	Index    int32
	SinkIdx  int32
	ClientID string
	Props    Proplist
}

// SourceOutput is a host capture stream.
type SourceOutput struct {
	Index     int32
	SourceIdx int32
	ClientID  string
	Props     Proplist
}

// EventKind enumerates the host hooks the core subscribes to.
type EventKind int

const (
	CardPut EventKind = iota
	CardUnlink
	CardProfileChanged
	PortAvailableChanged

	SinkPut
	SinkUnlink
	SinkPortChanged

	SourcePut
	SourceUnlink
	SourcePortChanged

	SinkInputNew // pre-creation: handler may set target sink
	SinkInputPut
	SinkInputUnlink

	SourceOutputNew
	SourceOutputPut
	SourceOutputUnlink

	ClientPut // virtual directory-watch client (augment module)
	ClientUnlink
)

func (k EventKind) String() string {
	switch k {
	case CardPut:
		return "card-put"
	case CardUnlink:
		return "card-unlink"
	case CardProfileChanged:
		return "card-profile-changed"
	case PortAvailableChanged:
		return "port-available-changed"
	case SinkPut:
		return "sink-put"
	case SinkUnlink:
		return "sink-unlink"
	case SinkPortChanged:
		return "sink-port-changed"
	case SourcePut:
		return "source-put"
	case SourceUnlink:
		return "source-unlink"
	case SourcePortChanged:
		return "source-port-changed"
	case SinkInputNew:
		return "sink-input-new"
	case SinkInputPut:
		return "sink-input-put"
	case SinkInputUnlink:
		return "sink-input-unlink"
	case SourceOutputNew:
		return "source-output-new"
	case SourceOutputPut:
		return "source-output-put"
	case SourceOutputUnlink:
		return "source-output-unlink"
	case ClientPut:
		return "client-put"
	case ClientUnlink:
		return "client-unlink"
	default:
		return "unknown"
	}
}

// Event is one host hook delivery. Exactly one of the typed payload
// fields is populated, matching Kind.
type Event struct {
	Kind EventKind

	Card         *Card
	Port         *Port // paired with a Card index carried in Card.Index for port events
	Sink         *Sink
	Source       *Source
	SinkInput    *SinkInput
	SourceOutput *SourceOutput
	ClientProps  Proplist // ClientPut/Unlink: directory-watch virtual-client proplist

	// PreroutingTarget lets a SinkInputNew handler redirect the stream
	// before the host creates it.
	PreroutingTarget *int32
}

// Host is the subset of the audio server host the policy core depends on:
// lifecycle hooks, a deferred-callback main loop, and a block render path.
type Host interface {
	// Subscribe registers fn to receive every Event until ctx is canceled.
	Subscribe(ctx context.Context, fn func(Event)) error

	// Cards/Sinks/Sources/SinkInputs enumerate current host state, used
	// for Tracker's startup synchronization sweep.
	Cards() []Card
	Sinks() []Sink
	Sources() []Source
	SinkInputs() []SinkInput

	// SetCardProfile requests a profile switch; the host will later emit
	// CardProfileChanged on success.
	SetCardProfile(cardIndex int32, profile string) error

	// MoveSinkInput / MoveSourceOutput move an existing stream.
	MoveSinkInput(streamIndex, targetSinkIndex int32) error
	MoveSourceOutput(streamIndex, targetSourceIndex int32) error

	// CreateLoopback starts a loopback stream from sourceIndex to
	// sinkIndex, keeping both endpoints active, and returns the
	// loopback stream's index. Used to anchor a device node to the
	// null sink/source.
	CreateLoopback(sourceIndex, sinkIndex int32) (int32, error)

	// DestroyLoopback stops a loopback stream created by CreateLoopback.
	DestroyLoopback(streamIndex int32) error

	// ScheduleDeferred runs fn on the host main loop after the current
	// hook handler returns, used for Discovery's deferred routing pass
	// after a bluetooth profile change.
	ScheduleDeferred(fn func())

	// LoadNullSink loads (or returns the already-loaded) null sink with
	// the given name, returning its sink and source indexes.
	LoadNullSink(name string) (sinkIdx, sourceIdx int32, err error)

	// SetSinkInputVolume applies an absolute volume factor immediately
	// (used as the volume engine's non-ramped fallback).
	SetSinkInputVolume(streamIndex int32, factor float64) error

	// RenderBlock renders up to maxBytes of audio from the named sink's
	// render path; the combine sink drives it from its render loop.
	RenderBlock(sinkIndex int32, maxBytes int) ([]byte, error)
}
