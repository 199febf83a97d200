// Package nullsink loads the host's null sink on startup and publishes
// its sink/source indices to the rest of the core.
// Failure to load it is fatal to the daemon.
package nullsink

import (
	"fmt"

	"audiopolicyd/internal/hostif"
)

// NullSink holds the host indices of the loaded null sink/source.
type NullSink struct {
	name      string
	sinkIdx   int32
	sourceIdx int32
}

// Load loads (or attaches to an already-loaded) null sink named name via
// host. Returns an error wrapping the host's failure; callers must treat
// that as fatal to the module
func Load(host hostif.Host, name string) (*NullSink, error) {
	sinkIdx, sourceIdx, err := host.LoadNullSink(name)
	if err != nil {
		return nil, fmt.Errorf("nullsink: load %q: %w", name, err)
	}
	return &NullSink{name: name, sinkIdx: sinkIdx, sourceIdx: sourceIdx}, nil
}

// Name is the configured null sink/source name.
func (n *NullSink) Name() string { return n.name }

// SinkIndex is the null sink's host sink index.
func (n *NullSink) SinkIndex() int32 { return n.sinkIdx }

// SourceIndex is the null sink's host source index.
func (n *NullSink) SourceIndex() int32 { return n.sourceIdx }
