// Package swtch executes a resolved route: the single SetupLink
// operation Router calls once it has picked a target for a stream or
// prepared a device->device default.
package swtch

import (
	"fmt"
	"log/slog"
	"sync"

	"audiopolicyd/internal/hostif"
	"audiopolicyd/internal/node"
)

// MultiplexController is the narrow surface Switch needs from package
// multiplex, declared here to avoid an import cycle (multiplex depends
// on combine, not on swtch).
type MultiplexController interface {
	// DefaultSink returns the multiplex's current default (non-explicit)
	// branch target, if any.
	DefaultSink(combinedSinkIdx int32) (int32, bool)
	// RedirectDefault changes the default branch's target.
	RedirectDefault(combinedSinkIdx, newTarget int32) error
	// AddExplicit adds (or confirms, if already present) an explicit
	// branch to newTarget.
	AddExplicit(combinedSinkIdx, newTarget int32) error
	// RemoveDefault drops the default marker, converting that branch
	// into an explicit one (used when an explicit route duplicates the
	// multiplex's current default).
	RemoveDefault(combinedSinkIdx int32) error
}

// Switch realizes routes chosen by Router. It satisfies router.RouteSetter.
type Switch struct {
	Host hostif.Host
	Mux  MultiplexController
	Log  *slog.Logger

	mu             sync.Mutex
	pendingProfile map[int32]bool // card index -> profile change in flight
}

// New creates a Switch. Mux may be nil if no multiplex is configured.
func New(host hostif.Host, mux MultiplexController, log *slog.Logger) *Switch {
	if log == nil {
		log = slog.Default()
	}
	return &Switch{Host: host, Mux: mux, Log: log, pendingProfile: make(map[int32]bool)}
}

// SetupLink dispatches on (from.Implement, to.Implement). Returns
// (true, nil) when the route was realized, (false, nil) when the
// from/to combination is not a supported case, and (_, err) when the
// host refused the change (e.g. a resource conflict on profile switch).
func (s *Switch) SetupLink(from, to *node.Node, explicit bool) (bool, error) {
	switch {
	case from.Implement == node.Stream && to.Implement == node.Device:
		return s.linkStreamToDevice(from, to, explicit)
	case from.Implement == node.Device && to.Implement == node.Device && !explicit && from.Type == node.TypeNull:
		if err := s.ensureProfile(to); err != nil {
			return false, err
		}
		return true, nil
	default:
		s.Log.Debug("swtch: unsupported route case", "from", from.Implement, "to", to.Implement, "explicit", explicit)
		return false, nil
	}
}

func (s *Switch) linkStreamToDevice(from, to *node.Node, explicit bool) (bool, error) {
	if err := s.ensureProfile(to); err != nil {
		return false, err
	}

	if from.Mux != nil && s.Mux != nil {
		if explicit {
			if defSink, ok := s.Mux.DefaultSink(from.Mux.SinkIndex); ok && defSink == to.PAIdx {
				return true, s.Mux.RemoveDefault(from.Mux.SinkIndex)
			}
			return true, s.Mux.AddExplicit(from.Mux.SinkIndex, to.PAIdx)
		}
		return true, s.Mux.RedirectDefault(from.Mux.SinkIndex, to.PAIdx)
	}

	for _, si := range s.Host.SinkInputs() {
		if si.Index == from.PAIdx && si.SinkIdx == to.PAIdx {
			return true, nil
		}
	}
	if err := s.Host.MoveSinkInput(from.PAIdx, to.PAIdx); err != nil {
		return false, fmt.Errorf("swtch: move stream %d to sink %d: %w", from.PAIdx, to.PAIdx, err)
	}
	return true, nil
}

// ensureProfile activates to's card profile if it isn't already,
// refusing re-entrant profile changes on the same card.
func (s *Switch) ensureProfile(to *node.Node) error {
	if to.PACardProfile == "" || to.PACardIndex == node.InvalidIndex {
		return nil
	}
	if s.profileActive(to.PACardIndex, to.PACardProfile) {
		return nil
	}

	s.mu.Lock()
	if s.pendingProfile[to.PACardIndex] {
		s.mu.Unlock()
		return fmt.Errorf("swtch: profile change already pending on card %d", to.PACardIndex)
	}
	s.pendingProfile[to.PACardIndex] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pendingProfile, to.PACardIndex)
		s.mu.Unlock()
	}()

	if err := s.Host.SetCardProfile(to.PACardIndex, to.PACardProfile); err != nil {
		return fmt.Errorf("swtch: set profile %q on card %d: %w", to.PACardProfile, to.PACardIndex, err)
	}
	return nil
}

func (s *Switch) profileActive(cardIndex int32, profile string) bool {
	for _, c := range s.Host.Cards() {
		if c.Index != cardIndex {
			continue
		}
		for _, p := range c.Profiles {
			if p.Name == profile {
				return p.Active
			}
		}
	}
	return false
}
