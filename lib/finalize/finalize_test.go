// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package finalize

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mdqc/agent/lib/clock"
	"github.com/mdqc/agent/lib/pathdesc"
	"github.com/mdqc/agent/lib/processedset"
	"github.com/mdqc/agent/lib/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLedger struct {
	mu      sync.Mutex
	entries []Outcome
}

func (l *fakeLedger) Append(path, category, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Outcome{Path: path, Success: false, Reason: category + ": " + message})
	return nil
}

func (l *fakeLedger) categories() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Reason
	}
	return out
}

func testConfig() Config {
	return Config{
		StabilityWindow:      60 * time.Second,
		StabilizationTimeout: 600 * time.Second,
		TickInterval:         5 * time.Second,
	}
}

// settleDelay is how long a test pauses after Discover or a clock step
// so the Machine goroutine can drain its channels. FakeClock.Advance
// never blocks: a tick is dropped while the ticker channel (capacity 1)
// still holds the previous one, so back-to-back Advance calls would
// collapse into a single tick.
const settleDelay = 50 * time.Millisecond

// advance moves clk forward by d and then waits settleDelay.
func advance(clk *clock.FakeClock, d time.Duration) {
	clk.Advance(d)
	time.Sleep(settleDelay)
}

func TestMachineThermoFileReachesReady(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "EXPLORIS01_SSC0_A1.raw")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	descriptor, err := pathdesc.New(path, pathdesc.Thermo)
	if err != nil {
		t.Fatalf("pathdesc.New: %v", err)
	}

	clk := clock.Fake(time.Now())
	ledger := &fakeLedger{}
	m := New(testConfig(), clk, processedset.New(), ledger, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	clk.WaitForTimers(1)

	m.Discover(ctx, DiscoveryEvent{Descriptor: descriptor, Instrument: "EXPLORIS01"})
	time.Sleep(settleDelay)

	// Detected -> Stabilizing on the first tick.
	advance(clk, 5*time.Second)

	// Advance past the 60s stability window without changing the file;
	// several ticks occur along the way. One further tick is required
	// for the Ready->Processing handoff check since state transitions
	// take effect on the tick after the one that computed them.
	advance(clk, 60*time.Second)
	advance(clk, 5*time.Second)

	item := testutil.RequireReceive(t, m.Ready(), 5*time.Second, "ready work item")
	if item.Descriptor.Path != path {
		t.Errorf("Path = %q, want %q", item.Descriptor.Path, path)
	}
	if item.Classification.ControlType != "SSC0" {
		t.Errorf("ControlType = %q, want SSC0", item.Classification.ControlType)
	}
}

func TestMachineSignatureChangeResetsStabilityTimer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "EXPLORIS01_QC_A_A1.raw")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	descriptor, err := pathdesc.New(path, pathdesc.Thermo)
	if err != nil {
		t.Fatalf("pathdesc.New: %v", err)
	}

	clk := clock.Fake(time.Now())
	ledger := &fakeLedger{}
	m := New(testConfig(), clk, processedset.New(), ledger, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	clk.WaitForTimers(1)

	m.Discover(ctx, DiscoveryEvent{Descriptor: descriptor, Instrument: "EXPLORIS01"})
	time.Sleep(settleDelay)
	advance(clk, 5*time.Second) // Detected -> Stabilizing

	// Run for 50s more (55s since discovery, still within the window),
	// then mutate the file so the tick that ends the window resets the
	// stability timestamp instead.
	advance(clk, 50*time.Second)

	if err := os.WriteFile(path, []byte("xx"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	advance(clk, 5*time.Second) // detects the change, resets stableSince

	select {
	case <-m.Ready():
		t.Fatal("artifact reached Ready before a fresh 60s stability window elapsed")
	case <-time.After(100 * time.Millisecond):
	}

	// Now let a full fresh window elapse undisturbed, plus one more
	// tick for the Ready handoff to fire.
	advance(clk, 60*time.Second)
	advance(clk, 5*time.Second)

	testutil.RequireReceive(t, m.Ready(), 5*time.Second, "ready work item after reset window")
}

func TestMachineStabilizationTimeoutRecordsFailure(t *testing.T) {
	dir := t.TempDir()
	bundle := filepath.Join(dir, "TIMSTOF01_QCA_B3_2026-01-27.d")
	if err := os.Mkdir(bundle, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bundle, "analysis.tdf"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bundle, "analysis.tdf-journal"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	descriptor, err := pathdesc.New(bundle, pathdesc.Bruker)
	if err != nil {
		t.Fatalf("pathdesc.New: %v", err)
	}

	clk := clock.Fake(time.Now())
	ledger := &fakeLedger{}
	m := New(testConfig(), clk, processedset.New(), ledger, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	clk.WaitForTimers(1)

	m.Discover(ctx, DiscoveryEvent{Descriptor: descriptor, Instrument: "TIMSTOF01"})
	time.Sleep(settleDelay)
	advance(clk, 5*time.Second) // Detected -> Stabilizing

	// The journal never disappears in this test; grow past the
	// stabilization timeout entirely.
	advance(clk, 600*time.Second)
	advance(clk, 5*time.Second)

	deadline := time.After(2 * time.Second)
	for {
		if len(ledger.categories()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("stabilization-timeout was never recorded to the ledger")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cats := ledger.categories()
	if len(cats) != 1 {
		t.Fatalf("len(categories) = %d, want 1", len(cats))
	}
	if got := cats[0]; got[:21] != "stabilization-timeout" {
		t.Errorf("category = %q, want prefix stabilization-timeout", got)
	}
}

func TestMachineRediscoveryOfProcessedArtifactIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "EXPLORIS01_SAMPLE_C1.raw")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	descriptor, err := pathdesc.New(path, pathdesc.Thermo)
	if err != nil {
		t.Fatalf("pathdesc.New: %v", err)
	}

	clk := clock.Fake(time.Now())
	processed := processedset.New()
	processed.Add(path)
	ledger := &fakeLedger{}
	m := New(testConfig(), clk, processed, ledger, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Discover(ctx, DiscoveryEvent{Descriptor: descriptor, Instrument: "EXPLORIS01"})
	clk.Advance(120 * time.Second)

	select {
	case <-m.Ready():
		t.Fatal("a previously processed artifact was re-delivered")
	case <-time.After(100 * time.Millisecond):
	}
}
