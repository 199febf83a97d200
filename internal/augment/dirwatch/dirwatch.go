// Package dirwatch wraps fsnotify to synthesize the "virtual client"
// directory-watch event: a proplist message carrying
// action/directory/file, delivered as a ClientPut host hook.
package dirwatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"audiopolicyd/internal/hostif"
)

// Action is the fixed action vocabulary of the directory-watch event.
type Action string

const (
	ActionCreate    Action = "create"
	ActionModify    Action = "modify"
	ActionAttribute Action = "attribute"
	ActionDelete    Action = "delete"
)

// Event is one directory-change notification.
type Event struct {
	Action    Action
	Directory string
	File      string
}

// Proplist renders Event as the virtual client's proplist message.
func (e Event) Proplist() hostif.Proplist {
	return hostif.Proplist{
		"action":    string(e.Action),
		"directory": e.Directory,
		"file":      e.File,
	}
}

// ToHostEvent wraps Event as the virtual-client host hook delivery
// (hostif.ClientPut) the augment module's Reload is triggered from.
func (e Event) ToHostEvent() hostif.Event {
	return hostif.Event{Kind: hostif.ClientPut, ClientProps: e.Proplist()}
}

// Watcher watches one directory and emits a dirwatch.Event for every
// create/modify/delete/attribute change, via fsnotify.
type Watcher struct {
	w       *fsnotify.Watcher
	dir     string
	onEvent func(Event)
	log     *slog.Logger
}

// New creates a Watcher on dir. Call Run to start delivering events.
func New(dir string, onEvent func(Event), log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("dirwatch: new watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("dirwatch: watch %s: %w", dir, err)
	}
	return &Watcher{w: w, dir: dir, onEvent: onEvent, log: log}, nil
}

// Run drains fsnotify events until ctx is canceled, translating each op
// into the fixed action vocabulary and invoking onEvent.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.w.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.w.Events:
			if !ok {
				return nil
			}
			w.dispatch(ev)
		case err, ok := <-w.w.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("dirwatch: watcher error", "err", err)
		}
	}
}

func (w *Watcher) dispatch(ev fsnotify.Event) {
	action, ok := actionFor(ev.Op)
	if !ok {
		return
	}
	e := Event{Action: action, Directory: w.dir, File: filepath.Base(ev.Name)}
	w.log.Debug("dirwatch: event", "action", e.Action, "file", e.File)
	w.onEvent(e)
}

func actionFor(op fsnotify.Op) (Action, bool) {
	switch {
	case op&fsnotify.Create != 0:
		return ActionCreate, true
	case op&fsnotify.Remove != 0, op&fsnotify.Rename != 0:
		return ActionDelete, true
	case op&fsnotify.Chmod != 0:
		return ActionAttribute, true
	case op&fsnotify.Write != 0:
		return ActionModify, true
	default:
		return "", false
	}
}
