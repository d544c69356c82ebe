// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mdqc/agent/lib/clock"
	"github.com/mdqc/agent/lib/pathdesc"
)

// Instrument names one configured watch directory: a vendor tag, a
// glob pattern over entry names, and the root path to watch.
type Instrument struct {
	ID          string
	Vendor      pathdesc.Vendor
	WatchPath   string
	FilePattern string
}

// Event is a discovery hint or scan result naming one artifact. The
// Watcher does not deduplicate; the same artifact may be reported
// repeatedly across fsnotify events and scan cycles.
type Event struct {
	Descriptor pathdesc.Descriptor
	Instrument string
}

// Watcher merges fsnotify events with a periodic rescan across a set
// of configured instrument watch directories.
type Watcher struct {
	instruments []Instrument
	clock       clock.Clock
	logger      *slog.Logger

	events chan Event
	fs     *fsnotify.Watcher
}

// New creates a Watcher over the given instruments. clk abstracts time
// for deterministic tests.
func New(instruments []Instrument, clk clock.Clock, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, inst := range instruments {
		if err := fsWatcher.Add(inst.WatchPath); err != nil {
			// A missing or inaccessible watch root is a warning, never
			// fatal: the periodic scan retries it every cycle and
			// reports the same condition there.
			logger.Warn("adding fsnotify watch failed; relying on scans",
				"instrument", inst.ID, "path", inst.WatchPath, "error", err)
		}
	}

	return &Watcher{
		instruments: instruments,
		clock:       clk,
		logger:      logger,
		events:      make(chan Event, 256),
		fs:          fsWatcher,
	}, nil
}

// Events returns the channel of discovery events. Closed once Run
// returns.
func (w *Watcher) Events() <-chan Event { return w.events }

// Run drives both event sources until ctx is cancelled: fsnotify
// events are forwarded as hints as they arrive, and every scanInterval
// each instrument's watch path is rescanned in full (authoritative).
// Run closes the Events channel and the underlying fsnotify watcher
// before returning.
func (w *Watcher) Run(ctx context.Context, scanInterval time.Duration) {
	defer close(w.events)
	defer w.fs.Close()

	ticker := w.clock.NewTicker(scanInterval)
	defer ticker.Stop()

	// Initial scan so artifacts already on disk at startup are
	// discovered without waiting for the first tick.
	w.scanAll(ctx)

	byPath := make(map[string]Instrument, len(w.instruments))
	for _, inst := range w.instruments {
		abs, err := filepath.Abs(inst.WatchPath)
		if err == nil {
			byPath[abs] = inst
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event, byPath)

		case err, ok := <-w.fs.Errors:
			if !ok {
				continue
			}
			w.logger.Warn("fsnotify error", "error", err)

		case <-ticker.C:
			w.scanAll(ctx)
		}
	}
}

// handleFSEvent treats every fsnotify event as a hint: it resolves the
// event path to a Descriptor and emits it, but never treats fsnotify
// as authoritative (a missed event has no correctness impact; the
// next scan will catch it).
func (w *Watcher) handleFSEvent(event fsnotify.Event, byPath map[string]Instrument) {
	dir := filepath.Dir(event.Name)
	inst, ok := byPath[dir]
	if !ok {
		return
	}
	w.emitIfMatch(event.Name, inst)
}

// scanAll performs one authoritative pass over every configured
// instrument's watch path.
func (w *Watcher) scanAll(ctx context.Context) {
	for _, inst := range w.instruments {
		if ctx.Err() != nil {
			return
		}
		w.scanOne(inst)
	}
}

func (w *Watcher) scanOne(inst Instrument) {
	entries, err := os.ReadDir(inst.WatchPath)
	if err != nil {
		w.logger.Warn("scan: watch path unavailable", "instrument", inst.ID, "path", inst.WatchPath, "error", err)
		return
	}

	for _, entry := range entries {
		path := filepath.Join(inst.WatchPath, entry.Name())
		w.emitIfMatch(path, inst)
	}
}

func (w *Watcher) emitIfMatch(path string, inst Instrument) {
	matched, err := filepath.Match(inst.FilePattern, filepath.Base(path))
	if err != nil || !matched {
		return
	}

	descriptor, err := pathdesc.New(path, inst.Vendor)
	if err != nil {
		// Transient: the entry may have been removed between listing
		// and stat, or permissions may be denied. Logged at debug
		// level and retried on the next scan.
		w.logger.Debug("scan: describing artifact failed", "path", path, "error", err)
		return
	}

	select {
	case w.events <- Event{Descriptor: descriptor, Instrument: inst.ID}:
	default:
		w.logger.Warn("watcher event channel full; dropping event", "path", path)
	}
}
