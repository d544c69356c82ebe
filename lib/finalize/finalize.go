// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package finalize

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mdqc/agent/lib/classify"
	"github.com/mdqc/agent/lib/clock"
	"github.com/mdqc/agent/lib/pathdesc"
)

// State is one stage of an artifact's lifecycle.
type State string

const (
	Detected    State = "detected"
	Stabilizing State = "stabilizing"
	Ready       State = "ready"
	Processing  State = "processing"
	Done        State = "done"
	Failed      State = "failed"
)

// DiscoveryEvent names one artifact seen by the Watcher. Defined
// independently of watcher.Event so this package never imports
// watcher; the Supervisor translates between the two.
type DiscoveryEvent struct {
	Descriptor pathdesc.Descriptor
	Instrument string
}

// WorkItem is handed to the Orchestrator once an artifact reaches
// Ready and has been classified.
type WorkItem struct {
	Descriptor     pathdesc.Descriptor
	Instrument     string
	Classification classify.Classification
}

// Outcome reports the result of processing a WorkItem back to the
// Machine.
type Outcome struct {
	Path     string
	Success  bool
	Category string // Failed Ledger category when !Success; defaults to "extraction-error"
	Reason   string // populated when !Success
}

// ProcessedSet is the subset of *processedset.Set the Machine depends
// on.
type ProcessedSet interface {
	Contains(path string) bool
	Add(path string)
}

// FailedRecorder is the subset of *ledger.Ledger the Machine depends
// on for recording terminal failures.
type FailedRecorder interface {
	Append(path, category, message string) error
}

// Config holds the tunable timers, sourced from the agent's watcher
// configuration group.
type Config struct {
	StabilityWindow      time.Duration
	StabilizationTimeout time.Duration
	TickInterval         time.Duration
}

// entry tracks one artifact's progress through the state machine.
type entry struct {
	descriptor pathdesc.Descriptor
	instrument string
	state      State

	signature time.Time // zero until first stat succeeds
	size      int64

	stableSince time.Time // signature last changed at this time
	enteredAt   time.Time // time this entry entered Stabilizing
}

// Machine owns a map of in-flight artifacts on a single goroutine. All
// interaction happens through channel-delivered commands so no other
// goroutine ever touches the map directly.
type Machine struct {
	cfg       Config
	clk       clock.Clock
	logger    *slog.Logger
	processed ProcessedSet
	failed    FailedRecorder

	discover chan DiscoveryEvent
	complete chan Outcome
	ready    chan WorkItem
}

// New constructs a Machine. Run must be called to drive it.
func New(cfg Config, clk clock.Clock, processed ProcessedSet, failed FailedRecorder, logger *slog.Logger) *Machine {
	return &Machine{
		cfg:       cfg,
		clk:       clk,
		logger:    logger,
		processed: processed,
		failed:    failed,
		discover:  make(chan DiscoveryEvent, 256),
		complete:  make(chan Outcome, 64),
		ready:     make(chan WorkItem, 64),
	}
}

// Discover reports a newly observed artifact. Safe to call from any
// goroutine; never blocks the caller for long (buffered channel).
func (m *Machine) Discover(ctx context.Context, ev DiscoveryEvent) {
	if ctx.Err() != nil {
		return
	}
	select {
	case m.discover <- ev:
	case <-ctx.Done():
	}
}

// Complete reports the Orchestrator's result for a WorkItem previously
// delivered on Ready(). A ctx already cancelled by the time Complete is
// called is treated as a no-op: with both channel send and ctx.Done()
// ready, select would otherwise pick between them at random, and the
// Outcome may have been built under a cancellation the caller already
// chose not to report (see lib/extract's ErrCancelled).
func (m *Machine) Complete(ctx context.Context, outcome Outcome) {
	if ctx.Err() != nil {
		return
	}
	select {
	case m.complete <- outcome:
	case <-ctx.Done():
	}
}

// Ready delivers WorkItems as artifacts complete stabilization and
// pass their vendor completeness and non-sharing-open checks.
func (m *Machine) Ready() <-chan WorkItem { return m.ready }

// Run drives the state machine until ctx is cancelled. It is the sole
// goroutine that ever touches the entry map.
func (m *Machine) Run(ctx context.Context) {
	entries := make(map[string]*entry)

	ticker := m.clk.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-m.discover:
			m.handleDiscover(entries, ev)

		case outcome := <-m.complete:
			m.handleComplete(entries, outcome)

		case <-ticker.C:
			m.tick(entries)
		}
	}
}

func (m *Machine) handleDiscover(entries map[string]*entry, ev DiscoveryEvent) {
	path := ev.Descriptor.Path

	if m.processed.Contains(path) {
		return
	}
	if e, ok := entries[path]; ok && e.state != Done && e.state != Failed {
		return
	}

	now := m.clk.Now()
	sig, err := pathdesc.Stat(ev.Descriptor)
	if err != nil {
		m.logger.Debug("discover: stat failed, deferring", "path", path, "error", err)
		return
	}

	entries[path] = &entry{
		descriptor:  ev.Descriptor,
		instrument:  ev.Instrument,
		state:       Detected,
		signature:   sig.ModTime,
		size:        sig.Size,
		stableSince: now,
	}
	m.logger.Debug("artifact detected", "path", path, "instrument", ev.Instrument)
}

func (m *Machine) handleComplete(entries map[string]*entry, outcome Outcome) {
	e, ok := entries[outcome.Path]
	if !ok || e.state != Processing {
		return
	}

	if outcome.Success {
		m.processed.Add(outcome.Path)
		delete(entries, outcome.Path)
		m.logger.Info("artifact processed", "path", outcome.Path)
		return
	}

	category := outcome.Category
	if category == "" {
		category = "extraction-error"
	}
	if err := m.failed.Append(outcome.Path, category, outcome.Reason); err != nil {
		m.logger.Error("recording failed extraction", "path", outcome.Path, "error", err)
	}
	delete(entries, outcome.Path)
	m.logger.Warn("artifact extraction failed", "path", outcome.Path, "reason", outcome.Reason)
}

// tick advances every non-terminal entry by one state-machine step.
// Called once per TickInterval.
func (m *Machine) tick(entries map[string]*entry) {
	now := m.clk.Now()
	for path, e := range entries {
		switch e.state {
		case Detected:
			e.state = Stabilizing
			e.enteredAt = now

		case Stabilizing:
			if m.tickStabilizing(path, e, now) {
				delete(entries, path)
			}

		case Ready:
			m.tickReady(path, e, now)

		// Processing is advanced by handleComplete, not by tick.
		}
	}
}

// tickStabilizing advances one Stabilizing entry. Returns true if the
// entry reached a terminal Failed state and should be evicted.
func (m *Machine) tickStabilizing(path string, e *entry, now time.Time) bool {
	sig, err := pathdesc.Stat(e.descriptor)
	if err != nil {
		// Transient stat failure (e.g. network blip); leave the timer
		// running rather than penalize the artifact.
		m.logger.Debug("stabilizing: stat failed", "path", path, "error", err)
		return false
	}

	changed := sig.Size != e.size || !sig.ModTime.Equal(e.signature)
	if changed {
		e.size = sig.Size
		e.signature = sig.ModTime
		e.stableSince = now
	}

	if now.Sub(e.enteredAt) > m.cfg.StabilizationTimeout {
		m.failStabilizationTimeout(path)
		return true
	}

	if now.Sub(e.stableSince) < m.cfg.StabilityWindow {
		return false
	}

	complete, err := pathdesc.Complete(e.descriptor)
	if err != nil {
		m.logger.Debug("stabilizing: completeness check failed", "path", path, "error", err)
		return false
	}
	if !complete {
		return false
	}

	e.state = Ready
	return false
}

func (m *Machine) tickReady(path string, e *entry, now time.Time) {
	if e.descriptor.Kind == pathdesc.KindFile {
		f, err := os.Open(e.descriptor.Path)
		if err != nil {
			// Open denied: instrument software still holds the file.
			// Reset the stability timer and go back to Stabilizing.
			e.state = Stabilizing
			e.stableSince = now
			return
		}
		f.Close()
	}

	classification := classify.Classify(e.descriptor.Path)
	e.state = Processing

	item := WorkItem{
		Descriptor:     e.descriptor,
		Instrument:     e.instrument,
		Classification: classification,
	}
	select {
	case m.ready <- item:
	default:
		// Ready channel full: leave entry in Ready and retry handoff
		// next tick rather than block the machine goroutine.
		e.state = Ready
		m.logger.Warn("ready channel full; deferring handoff", "path", path)
	}
}

func (m *Machine) failStabilizationTimeout(path string) {
	if err := m.failed.Append(path, "stabilization-timeout", "artifact did not stabilize within the configured timeout"); err != nil {
		m.logger.Error("recording stabilization timeout", "path", path, "error", err)
	}
	m.logger.Warn("artifact failed stabilization timeout", "path", path)
}
