// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mdqc/agent/lib/clock"
	"github.com/mdqc/agent/lib/spool"
	"github.com/mdqc/agent/lib/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLedger struct {
	mu      sync.Mutex
	entries []string
}

func (l *fakeLedger) Append(path, category, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, category)
	return nil
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func testEnvelope(id string) spool.Envelope {
	return spool.Envelope{
		SchemaVersion: spool.SchemaVersion,
		PayloadID:     id,
		CorrelationID: "agent-20260806120000-deadbeef",
		AgentID:       "agent-1",
		AgentVersion:  "0.1.0",
		Timestamp:     time.Now(),
		Run:           spool.RunInfo{RunID: id, RawFileName: "run.raw"},
	}
}

// decodeGzipBody reads and ungzips an incoming request body, returning
// the envelope's payload_id for assertions.
func decodeGzipBody(r *http.Request) (string, error) {
	gz, err := gzip.NewReader(r.Body)
	if err != nil {
		return "", err
	}
	defer gz.Close()
	data, err := io.ReadAll(gz)
	if err != nil {
		return "", err
	}
	var env spool.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.PayloadID, nil
}

func TestUploaderSuccessOnFirstAttempt(t *testing.T) {
	var requests int32
	var seenPayloadID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		id, err := decodeGzipBody(r)
		if err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		seenPayloadID = id
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	root := t.TempDir()
	sp, err := spool.New(root, spool.Limits{}, nil, discardLogger())
	if err != nil {
		t.Fatalf("spool.New: %v", err)
	}
	if _, err := sp.Enqueue(testEnvelope("payload-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	clk := clock.Fake(time.Now())
	ledger := &fakeLedger{}
	u, err := New(Config{Endpoint: server.URL + "/"}, sp, nil, clk, ledger, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	u.drainOnce(context.Background())

	if atomic.LoadInt32(&requests) != 1 {
		t.Fatalf("requests = %d, want 1", requests)
	}
	if seenPayloadID != "payload-1" {
		t.Errorf("seenPayloadID = %q, want payload-1", seenPayloadID)
	}

	completed, err := os.ReadDir(filepath.Join(root, "completed"))
	if err != nil {
		t.Fatalf("ReadDir completed: %v", err)
	}
	if len(completed) != 1 {
		t.Fatalf("len(completed) = %d, want 1", len(completed))
	}
	if ledger.count() != 0 {
		t.Errorf("ledger.count() = %d, want 0", ledger.count())
	}
}

func TestUploaderRetriesTransientFailureThenSucceeds(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		io.Copy(io.Discard, r.Body)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	root := t.TempDir()
	sp, err := spool.New(root, spool.Limits{}, nil, discardLogger())
	if err != nil {
		t.Fatalf("spool.New: %v", err)
	}
	if _, err := sp.Enqueue(testEnvelope("payload-2")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	clk := clock.Fake(time.Now())
	ledger := &fakeLedger{}
	u, err := New(Config{Endpoint: server.URL + "/"}, sp, nil, clk, ledger, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		u.drainOnce(context.Background())
		close(done)
	}()

	// First attempt fails immediately; wait for the retry sleep to
	// register, then advance past the second window's max (40s).
	clk.WaitForTimers(1)
	clk.Advance(40 * time.Second)

	testutil.RequireClosed(t, done, 5*time.Second, "drainOnce to finish after retry")

	if atomic.LoadInt32(&requests) != 2 {
		t.Fatalf("requests = %d, want 2", requests)
	}
	completed, err := os.ReadDir(filepath.Join(root, "completed"))
	if err != nil {
		t.Fatalf("ReadDir completed: %v", err)
	}
	if len(completed) != 1 {
		t.Fatalf("len(completed) = %d, want 1", len(completed))
	}
}

func TestUploaderExhaustsRetriesAndFails(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	root := t.TempDir()
	sp, err := spool.New(root, spool.Limits{}, nil, discardLogger())
	if err != nil {
		t.Fatalf("spool.New: %v", err)
	}
	if _, err := sp.Enqueue(testEnvelope("payload-3")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	clk := clock.Fake(time.Now())
	ledger := &fakeLedger{}
	u, err := New(Config{Endpoint: server.URL + "/"}, sp, nil, clk, ledger, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		u.drainOnce(context.Background())
		close(done)
	}()

	// Drive through all 4 retry sleeps (after attempts 1-4); the 5th
	// attempt is the last one and still fails.
	for i := 0; i < maxAttempts-1; i++ {
		clk.WaitForTimers(1)
		clk.Advance(4800 * time.Second) // covers even the largest window
	}

	testutil.RequireClosed(t, done, 5*time.Second, "drainOnce to finish after exhausting retries")

	if int(atomic.LoadInt32(&requests)) != maxAttempts {
		t.Fatalf("requests = %d, want %d", requests, maxAttempts)
	}
	failed, err := os.ReadDir(filepath.Join(root, "failed"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("len(failed) = %d, want 1", len(failed))
	}
	if ledger.count() != 1 {
		t.Errorf("ledger.count() = %d, want 1", ledger.count())
	}
}

func TestUploaderNonRetriableStatusFailsImmediately(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	root := t.TempDir()
	sp, err := spool.New(root, spool.Limits{}, nil, discardLogger())
	if err != nil {
		t.Fatalf("spool.New: %v", err)
	}
	if _, err := sp.Enqueue(testEnvelope("payload-4")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	clk := clock.Fake(time.Now())
	ledger := &fakeLedger{}
	u, err := New(Config{Endpoint: server.URL + "/"}, sp, nil, clk, ledger, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	u.drainOnce(context.Background())

	if atomic.LoadInt32(&requests) != 1 {
		t.Fatalf("requests = %d, want 1 (no retries for a non-retriable status)", requests)
	}
	failed, err := os.ReadDir(filepath.Join(root, "failed"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("len(failed) = %d, want 1", len(failed))
	}
}
