// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package spool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mdqc/agent/lib/atomicfile"
)

// Limits bounds the spool's on-disk footprint.
type Limits struct {
	MaxPendingMB            int64
	MaxAge                  time.Duration
	CompletedRetentionCount int
}

// FailedRecorder is the subset of *ledger.Ledger the Spool depends on
// to record envelopes it evicts on its own initiative (pending size
// limit exceeded), as opposed to envelopes the Uploader marks failed
// after exhausting retries.
type FailedRecorder interface {
	Append(path, category, message string) error
}

// Spool manages the four sibling directories that make up the
// on-disk queue. The filesystem itself is the only shared state
// between the Orchestrator (writer) and Uploader (reader); they never
// communicate directly.
type Spool struct {
	root   string
	limits Limits
	failed FailedRecorder
	logger *slog.Logger
}

// New creates (if necessary) the spool's directory layout under root
// and returns a Spool bound to it. failed records envelopes evicted by
// enforceLimits to the Failed Ledger; pass nil only in tests that
// don't exercise eviction.
func New(root string, limits Limits, failed FailedRecorder, logger *slog.Logger) (*Spool, error) {
	s := &Spool{root: root, limits: limits, failed: failed, logger: logger}
	for _, dir := range []string{s.pendingDir(), s.uploadingDir(), s.failedDir(), s.completedDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating spool directory %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *Spool) pendingDir() string   { return filepath.Join(s.root, "pending") }
func (s *Spool) uploadingDir() string { return filepath.Join(s.root, "uploading") }
func (s *Spool) failedDir() string    { return filepath.Join(s.root, "failed") }
func (s *Spool) completedDir() string { return filepath.Join(s.root, "completed") }

// Enqueue durably writes env to pending/, encforcing max_pending_mb
// (oldest pending envelopes are evicted to failed/ first) and
// max_age_days (stale pending/failed entries are pruned) before the
// write.
func (s *Spool) Enqueue(env Envelope) (string, error) {
	if err := s.enforceLimits(); err != nil {
		return "", err
	}
	s.pruneOld()

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling envelope %s: %w", env.PayloadID, err)
	}

	filename := env.PayloadID + ".json"
	path := filepath.Join(s.pendingDir(), filename)
	if err := atomicfile.Write(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing envelope %s: %w", env.PayloadID, err)
	}
	return path, nil
}

// Pending returns every envelope path in pending/, oldest mtime
// first, matching the Uploader's FIFO drain order.
func (s *Spool) Pending() ([]string, error) {
	return listByMTime(s.pendingDir())
}

// Uploading returns every envelope path currently in uploading/, for
// status reporting.
func (s *Spool) Uploading() ([]string, error) {
	return listByMTime(s.uploadingDir())
}

// MarkUploading moves one pending envelope into uploading/.
func (s *Spool) MarkUploading(path string) (string, error) {
	dst := filepath.Join(s.uploadingDir(), filepath.Base(path))
	if err := atomicfile.Rename(path, dst); err != nil {
		return "", fmt.Errorf("marking uploading %s: %w", path, err)
	}
	return dst, nil
}

// MarkCompleted moves one uploading envelope into completed/ and
// trims the completed ring to CompletedRetentionCount.
func (s *Spool) MarkCompleted(path string) error {
	dst := filepath.Join(s.completedDir(), filepath.Base(path))
	if err := atomicfile.Rename(path, dst); err != nil {
		return fmt.Errorf("marking completed %s: %w", path, err)
	}
	s.trimCompleted()
	return nil
}

// MarkFailed moves one envelope (from uploading/ or pending/) into
// failed/, for non-retriable responses or retry exhaustion.
func (s *Spool) MarkFailed(path string) error {
	dst := filepath.Join(s.failedDir(), filepath.Base(path))
	if err := atomicfile.Rename(path, dst); err != nil {
		return fmt.Errorf("marking failed %s: %w", path, err)
	}
	return nil
}

// MarkPending moves one uploading envelope back to pending/, either
// after a transient upload failure or during crash recovery.
func (s *Spool) MarkPending(path string) (string, error) {
	dst := filepath.Join(s.pendingDir(), filepath.Base(path))
	if err := atomicfile.Rename(path, dst); err != nil {
		return "", fmt.Errorf("marking pending %s: %w", path, err)
	}
	return dst, nil
}

// Recover moves every envelope still in uploading/ back to pending/.
// Call once at startup: an in-flight attempt interrupted by a crash
// is treated as never attempted, since the server dedupes by
// payload_id.
func (s *Spool) Recover() error {
	entries, err := os.ReadDir(s.uploadingDir())
	if err != nil {
		return fmt.Errorf("reading uploading dir: %w", err)
	}
	for _, entry := range entries {
		path := filepath.Join(s.uploadingDir(), entry.Name())
		if _, err := s.MarkPending(path); err != nil {
			s.logger.Error("recovering in-flight envelope", "path", path, "error", err)
		}
	}
	return nil
}

// enforceLimits evicts the oldest pending envelopes to failed/ until
// the pending directory's total size is under MaxPendingMB, recording
// each eviction to the Failed Ledger so it surfaces in `agentctl
// failed-list` rather than silently vanishing into failed/.
func (s *Spool) enforceLimits() error {
	if s.limits.MaxPendingMB <= 0 {
		return nil
	}

	for {
		size, err := dirSize(s.pendingDir())
		if err != nil {
			return fmt.Errorf("measuring pending dir: %w", err)
		}
		if size <= s.limits.MaxPendingMB*1024*1024 {
			return nil
		}

		oldest, err := listByMTime(s.pendingDir())
		if err != nil || len(oldest) == 0 {
			return nil
		}

		path := oldest[0]
		dst := filepath.Join(s.failedDir(), filepath.Base(path))
		message := fmt.Sprintf("pending spool exceeded max_pending_mb (%d MB); evicted oldest envelope", s.limits.MaxPendingMB)
		s.logger.Warn("spool pending size limit exceeded, evicting oldest envelope", "path", path)
		if err := s.MarkFailed(path); err != nil {
			return fmt.Errorf("evicting oversize pending envelope: %w", err)
		}
		if s.failed != nil {
			if err := s.failed.Append(dst, "pending-limit-exceeded", message); err != nil {
				s.logger.Error("recording spool eviction to failed ledger", "path", dst, "error", err)
			}
		}
	}
}

// pruneOld removes entries older than MaxAge from pending/ and
// failed/. Best-effort: logged, not fatal.
func (s *Spool) pruneOld() {
	if s.limits.MaxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.limits.MaxAge)
	for _, dir := range []string{s.pendingDir(), s.failedDir()} {
		s.pruneOldIn(dir, cutoff)
	}
}

func (s *Spool) pruneOldIn(dir string, cutoff time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Error("pruning stale envelope", "path", path, "error", err)
			}
		}
	}
}

// trimCompleted removes the oldest completed entries beyond
// CompletedRetentionCount.
func (s *Spool) trimCompleted() {
	if s.limits.CompletedRetentionCount <= 0 {
		return
	}
	entries, err := listByMTime(s.completedDir())
	if err != nil || len(entries) <= s.limits.CompletedRetentionCount {
		return
	}
	toRemove := len(entries) - s.limits.CompletedRetentionCount
	for _, path := range entries[:toRemove] {
		if err := os.Remove(path); err != nil {
			s.logger.Error("trimming completed ring", "path", path, "error", err)
		}
	}
}

// listByMTime lists .json files in dir sorted oldest-modified first.
func listByMTime(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type timed struct {
		path string
		mod  time.Time
	}
	var items []timed
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		items = append(items, timed{path: filepath.Join(dir, entry.Name()), mod: info.ModTime()})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].mod.Before(items[j].mod) })

	paths := make([]string, len(items))
	for i, it := range items {
		paths[i] = it.path
	}
	return paths, nil
}

func dirSize(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}
