// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mdqc/agent/lib/atomicfile"
	"github.com/mdqc/agent/lib/clock"
)

// Entry is one artifact that exited the pipeline in error. A second
// Append for a path already present updates Category/Message/
// LastFailure and bumps RetryCount in place rather than adding a
// duplicate entry.
type Entry struct {
	Path         string    `json:"path"`
	Category     string    `json:"category"`
	Message      string    `json:"message"`
	FirstFailure time.Time `json:"first_failure"`
	LastFailure  time.Time `json:"last_failure"`
	RetryCount   int       `json:"retry_count"`
}

type appendCmd struct {
	path, category, message string
	done                    chan error
}

type listCmd struct {
	resp chan []Entry
}

type removeCmd struct {
	path string // ignored when all is set
	all  bool
	done chan error
}

// Ledger is the persistent failed-artifact record. It owns its
// backing file on a single goroutine (Run); every external
// interaction goes through a command channel.
type Ledger struct {
	path   string
	clk    clock.Clock
	logger *slog.Logger

	appendCh chan appendCmd
	listCh   chan listCmd
	removeCh chan removeCmd
}

// New constructs a Ledger backed by the JSON file at path. Call Run in
// its own goroutine before issuing any commands.
func New(path string, clk clock.Clock, logger *slog.Logger) *Ledger {
	return &Ledger{
		path:     path,
		clk:      clk,
		logger:   logger,
		appendCh: make(chan appendCmd),
		listCh:   make(chan listCmd),
		removeCh: make(chan removeCmd),
	}
}

// Append implements finalize.FailedRecorder: it records one failed
// artifact and blocks until the write is durable.
func (l *Ledger) Append(path, category, message string) error {
	done := make(chan error, 1)
	cmd := appendCmd{path: path, category: category, message: message, done: done}
	select {
	case l.appendCh <- cmd:
		return <-done
	case <-time.After(5 * time.Second):
		return fmt.Errorf("ledger: append timed out, owner goroutine may not be running")
	}
}

// List returns every entry currently in the ledger.
func (l *Ledger) List(ctx context.Context) ([]Entry, error) {
	resp := make(chan []Entry, 1)
	select {
	case l.listCh <- listCmd{resp: resp}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case entries := <-resp:
		return entries, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RemoveOne removes the entry for path, used after a successful retry.
func (l *Ledger) RemoveOne(ctx context.Context, path string) error {
	return l.remove(ctx, removeCmd{path: path})
}

// RemoveAll clears the ledger entirely.
func (l *Ledger) RemoveAll(ctx context.Context) error {
	return l.remove(ctx, removeCmd{all: true})
}

func (l *Ledger) remove(ctx context.Context, cmd removeCmd) error {
	done := make(chan error, 1)
	cmd.done = done
	select {
	case l.removeCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run owns the ledger's entries and its backing file until ctx is
// cancelled. It must run before any Append/List/RemoveOne/RemoveAll
// call is issued.
func (l *Ledger) Run(ctx context.Context) {
	entries, err := loadEntries(l.path)
	if err != nil {
		l.logger.Error("loading failed ledger, starting empty", "path", l.path, "error", err)
		entries = nil
	}

	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-l.appendCh:
			entries = appendOrBump(entries, cmd, l.clk.Now())
			cmd.done <- l.persist(entries)

		case cmd := <-l.listCh:
			out := make([]Entry, len(entries))
			copy(out, entries)
			cmd.resp <- out

		case cmd := <-l.removeCh:
			if cmd.all {
				entries = nil
			} else {
				entries = removeByPath(entries, cmd.path)
			}
			cmd.done <- l.persist(entries)
		}
	}
}

// appendOrBump records cmd as a new Entry, or, if path already has an
// entry (a retry that failed again), updates it in place: Category and
// Message reflect the latest failure, LastFailure advances, FirstFailure
// stays fixed, and RetryCount increments.
func appendOrBump(entries []Entry, cmd appendCmd, now time.Time) []Entry {
	for i := range entries {
		if entries[i].Path == cmd.path {
			entries[i].Category = cmd.category
			entries[i].Message = cmd.message
			entries[i].LastFailure = now
			entries[i].RetryCount++
			return entries
		}
	}
	return append(entries, Entry{
		Path:         cmd.path,
		Category:     cmd.category,
		Message:      cmd.message,
		FirstFailure: now,
		LastFailure:  now,
	})
}

func removeByPath(entries []Entry, path string) []Entry {
	out := entries[:0]
	for _, e := range entries {
		if e.Path != path {
			out = append(out, e)
		}
	}
	return out
}

func (l *Ledger) persist(entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling failed ledger: %w", err)
	}
	if err := atomicfile.Write(l.path, data, 0o644); err != nil {
		return fmt.Errorf("writing failed ledger: %w", err)
	}
	return nil
}

func loadEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading failed ledger %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing failed ledger %s: %w", path, err)
	}
	return entries, nil
}
