// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/mdqc/agent/lib/baseline"
	"github.com/mdqc/agent/lib/classify"
	"github.com/mdqc/agent/lib/clock"
	"github.com/mdqc/agent/lib/config"
	"github.com/mdqc/agent/lib/extract"
	"github.com/mdqc/agent/lib/finalize"
	"github.com/mdqc/agent/lib/ledger"
	"github.com/mdqc/agent/lib/pathdesc"
	"github.com/mdqc/agent/lib/processedset"
	"github.com/mdqc/agent/lib/report"
	"github.com/mdqc/agent/lib/spool"
	"github.com/mdqc/agent/lib/upload"
	"github.com/mdqc/agent/lib/watcher"
)

// AgentVersion is the version string stamped onto every envelope.
// Overridden at build time via -ldflags in production builds.
var AgentVersion = "0.1.0"

// Supervisor starts the Watcher, the Finalization State Machine, a
// single Orchestrator worker, a single Uploader worker, and the
// Failed Ledger, and wires them into one pipeline.
type Supervisor struct {
	cfg      *config.Config
	dataRoot string
	agentID  string
	logger   *slog.Logger
	clk      clock.Clock

	instruments map[string]config.InstrumentConfig

	watcher      *watcher.Watcher
	machine      *finalize.Machine
	orchestrator *extract.Orchestrator
	baselines    *baseline.Tracker
	spool        *spool.Spool
	uploader     *upload.Uploader
	ledger       *ledger.Ledger
	socketPath   string

	processedThisSession atomic.Int64
}

// New builds a Supervisor from cfg, rooted at dataRoot for the spool,
// failed ledger, and template directories.
func New(cfg *config.Config, dataRoot string, logger *slog.Logger) (*Supervisor, error) {
	clk := clock.Real()

	agentID := cfg.Agent.AgentID
	if agentID == "auto" {
		derived, err := deriveAgentID()
		if err != nil {
			return nil, fmt.Errorf("deriving agent id: %w", err)
		}
		agentID = derived
	}

	instruments := make(map[string]config.InstrumentConfig, len(cfg.Instruments))
	watchInstruments := make([]watcher.Instrument, 0, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		vendor, err := pathdesc.ParseVendor(inst.Vendor)
		if err != nil {
			return nil, fmt.Errorf("instrument %q: %w", inst.ID, err)
		}
		instruments[inst.ID] = inst
		watchInstruments = append(watchInstruments, watcher.Instrument{
			ID:          inst.ID,
			Vendor:      vendor,
			WatchPath:   inst.WatchPath,
			FilePattern: inst.FilePattern,
		})
	}

	w, err := watcher.New(watchInstruments, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	ledg := ledger.New(filepath.Join(dataRoot, "failed_files.json"), clk, logger)

	machine := finalize.New(finalize.Config{
		StabilityWindow:      time.Duration(cfg.Watcher.StabilityWindowSeconds) * time.Second,
		StabilizationTimeout: time.Duration(cfg.Watcher.StabilizationTimeoutSeconds) * time.Second,
		TickInterval:         5 * time.Second,
	}, clk, processedset.New(), ledg, logger)

	sp, err := spool.New(filepath.Join(dataRoot, "spool"), spool.Limits{
		MaxPendingMB:            cfg.Spool.MaxPendingMB,
		MaxAge:                  time.Duration(cfg.Spool.MaxAgeDays) * 24 * time.Hour,
		CompletedRetentionCount: cfg.Spool.CompletedRetentionCount,
	}, ledg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating spool: %w", err)
	}

	var certs upload.CertSource
	if cfg.Cloud.CertificateThumbprint != "" {
		certs = upload.FileCertSource{Dir: filepath.Join(dataRoot, "certs")}
	}
	uploader, err := upload.New(upload.Config{
		Endpoint:              cfg.Cloud.Endpoint,
		CertificateThumbprint: cfg.Cloud.CertificateThumbprint,
		RequestTimeout:        60 * time.Second,
	}, sp, certs, clk, ledg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating uploader: %w", err)
	}

	return &Supervisor{
		cfg:          cfg,
		dataRoot:     dataRoot,
		agentID:      agentID,
		logger:       logger,
		clk:          clk,
		instruments:  instruments,
		watcher:      w,
		machine:      machine,
		orchestrator: extract.New(nil),
		baselines:    baseline.New(),
		spool:        sp,
		uploader:     uploader,
		ledger:       ledg,
		socketPath:   filepath.Join(dataRoot, "agentd.sock"),
	}, nil
}

// Run drives the agent until ctx is cancelled, then shuts down
// cooperatively: the Watcher stops emitting, in-flight extraction is
// cancelled via ctx, in-flight upload is allowed to finish or roll
// back, and Run returns once every goroutine has exited.
func (s *Supervisor) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() { s.ledger.Run(ctx); close(done) }()

	machineDone := make(chan struct{})
	go func() { s.machine.Run(ctx); close(machineDone) }()

	watcherDone := make(chan struct{})
	go func() {
		s.watcher.Run(ctx, time.Duration(s.cfg.Watcher.ScanIntervalSeconds)*time.Second)
		close(watcherDone)
	}()

	uploaderDone := make(chan struct{})
	go func() {
		s.uploader.Run(ctx, 5*time.Second)
		close(uploaderDone)
	}()

	forwardDone := make(chan struct{})
	go func() {
		s.forwardDiscoveries(ctx)
		close(forwardDone)
	}()

	ipcDone := make(chan error, 1)
	go func() { ipcDone <- s.ServeIPC(ctx, s.socketPath) }()

	s.processLoop(ctx)

	<-watcherDone
	<-forwardDone
	<-machineDone
	<-uploaderDone
	if err := <-ipcDone; err != nil {
		s.logger.Error("ipc server exited with error", "error", err)
	}
	<-done
	return nil
}

// forwardDiscoveries translates watcher.Event into finalize.DiscoveryEvent,
// the seam that keeps the Machine from importing the Watcher package.
// Paths with an entry on the Failed Ledger are not forwarded until
// failed-retry or failed-clear removes that entry.
func (s *Supervisor) forwardDiscoveries(ctx context.Context) {
	for {
		select {
		case ev, ok := <-s.watcher.Events():
			if !ok {
				return
			}
			onLedger := false
			if entries, err := s.ledger.List(ctx); err == nil {
				for _, e := range entries {
					if e.Path == ev.Descriptor.Path {
						onLedger = true
						break
					}
				}
			}
			if onLedger {
				continue
			}
			s.machine.Discover(ctx, finalize.DiscoveryEvent{
				Descriptor: ev.Descriptor,
				Instrument: ev.Instrument,
			})
		case <-ctx.Done():
			return
		}
	}
}

// processLoop consumes the Machine's Ready channel until it is closed
// by ctx cancellation's effect on Run, or ctx itself is cancelled.
func (s *Supervisor) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-s.machine.Ready():
			if !ok {
				return
			}
			s.processItem(ctx, item)
		}
	}
}

// processItem runs extraction, normalises the report, compares against
// the instrument's cached baseline, and enqueues the resulting
// envelope. SAMPLE runs are ignored by default and reported done
// without an envelope, matching the classifier's IsQC gate.
func (s *Supervisor) processItem(ctx context.Context, item finalize.WorkItem) {
	path := item.Descriptor.Path

	if !item.Classification.ControlType.IsQC() {
		s.machine.Complete(ctx, finalize.Outcome{Path: path, Success: true})
		return
	}

	instCfg, ok := s.instruments[item.Instrument]
	if !ok {
		s.machine.Complete(ctx, finalize.Outcome{
			Path: path, Success: false,
			Category: "extraction-error",
			Reason:   fmt.Sprintf("unknown instrument %q", item.Instrument),
		})
		return
	}

	extractionStart := s.clk.Now()
	extractCfg := extract.InstrumentConfig{
		ExtractorPath:   s.cfg.Skyline.Path,
		WellKnownPaths:  []string{"/usr/local/bin/skylinecmd", "/opt/skyline/SkylineCmd"},
		ExtractorBinary: "SkylineCmd",
		TemplateName:    instCfg.Template,
		TemplateDir:     filepath.Join(s.dataRoot, "templates"),
		Timeout:         time.Duration(s.cfg.Skyline.TimeoutSeconds) * time.Second,
	}
	if extractCfg.ExtractorPath == "auto" {
		extractCfg.ExtractorPath = ""
	}

	result, err := s.orchestrator.Run(ctx, item.Descriptor, item.Classification, extractCfg)
	if err != nil {
		if errors.Is(err, extract.ErrCancelled) {
			// Shutdown in progress: leave the artifact for rediscovery
			// rather than recording a durable, non-retriable failure.
			return
		}
		s.machine.Complete(ctx, finalize.Outcome{
			Path: path, Success: false,
			Category: extractionFailureCategory(err),
			Reason:   err.Error(),
		})
		return
	}
	defer os.Remove(result.ReportPath)

	targets, runMetrics, err := report.Parse(result.ReportPath)
	if err != nil {
		s.machine.Complete(ctx, finalize.Outcome{
			Path: path, Success: false,
			Category: "schema-mismatch",
			Reason:   err.Error(),
		})
		return
	}

	envelope, err := s.buildEnvelope(item, instCfg, targets, runMetrics, extractionStart)
	if err != nil {
		s.machine.Complete(ctx, finalize.Outcome{
			Path: path, Success: false,
			Category: "extraction-error",
			Reason:   err.Error(),
		})
		return
	}

	if item.Classification.ControlType == classify.SSC0 {
		s.baselines.Record(baseline.Baseline{
			InstrumentID:  item.Instrument,
			TemplateHash:  envelope.Extraction.TemplateHash,
			Established:   s.clk.Now(),
			RunMetrics:    runMetrics,
			TargetMetrics: targets,
		})
	}

	if _, err := s.spool.Enqueue(envelope); err != nil {
		s.machine.Complete(ctx, finalize.Outcome{
			Path: path, Success: false,
			Category: "extraction-error",
			Reason:   fmt.Sprintf("enqueueing envelope: %v", err),
		})
		return
	}

	s.processedThisSession.Add(1)
	s.machine.Complete(ctx, finalize.Outcome{Path: path, Success: true})
}

func extractionFailureCategory(err error) string {
	var extractErr *extract.Error
	if errors.As(err, &extractErr) {
		return string(extractErr.Class)
	}
	return "extraction-error"
}

func (s *Supervisor) buildEnvelope(item finalize.WorkItem, instCfg config.InstrumentConfig, targets []report.TargetMetrics, runMetrics report.RunMetrics, extractionStart time.Time) (spool.Envelope, error) {
	hash, err := hashArtifact(item.Descriptor)
	if err != nil {
		return spool.Envelope{}, fmt.Errorf("hashing artifact: %w", err)
	}

	now := s.clk.Now()
	correlationID, err := spool.NewCorrelationID(s.agentID, now)
	if err != nil {
		return spool.Envelope{}, err
	}

	well := ""
	if item.Classification.Well != nil {
		well = item.Classification.Well.String()
	}

	env := spool.Envelope{
		SchemaVersion: spool.SchemaVersion,
		PayloadID:     spool.NewPayloadID(),
		CorrelationID: correlationID,
		AgentID:       s.agentID,
		AgentVersion:  AgentVersion,
		Timestamp:     now,
		Run: spool.RunInfo{
			RunID:                    filepath.Base(item.Descriptor.Path),
			RawFileName:              filepath.Base(item.Descriptor.Path),
			RawFileHash:              hash,
			InstrumentID:             item.Instrument,
			Vendor:                   item.Descriptor.Vendor,
			ControlType:              item.Classification.ControlType,
			WellPosition:             well,
			PlateID:                  item.Classification.PlateID,
			ClassificationConfidence: item.Classification.Confidence,
			ClassificationSource:     item.Classification.Source,
		},
		Extraction: spool.ExtractionInfo{
			Backend:          "skyline",
			TemplateName:     instCfg.Template,
			ExtractionTimeMS: s.clk.Now().Sub(extractionStart).Milliseconds(),
			Status:           "success",
		},
		TargetMetrics: targets,
		RunMetrics:    runMetrics,
	}

	if item.Classification.ControlType != classify.SSC0 {
		if b, ok := s.baselines.Get(item.Instrument); ok {
			env.BaselineContext = &spool.BaselineContext{
				BaselineID:           b.InstrumentID,
				BaselineEstablished:  b.Established,
				BaselineTemplateHash: b.TemplateHash,
			}
			if comparison, ok := s.baselines.Compare(item.Instrument, targets); ok {
				env.ComparisonMetrics = &comparison
			}
		}
	}

	return env, nil
}

// hashArtifact computes a content digest of an artifact. Files are
// hashed in full; directory bundles (which can run to many gigabytes
// for Bruker/Waters acquisitions) are hashed over their file listing
// metadata (name, size, mtime) one level deep instead of their full
// byte contents, since finalize has already verified the bundle is
// stable and complete by this point.
func hashArtifact(d pathdesc.Descriptor) (string, error) {
	h := sha256.New()

	if d.Kind == pathdesc.KindFile {
		f, err := os.Open(d.Path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}

	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		fmt.Fprintf(h, "%s\x00%d\x00%d\x00", entry.Name(), info.Size(), info.ModTime().UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func deriveAgentID() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", err
	}
	h := sha256.Sum256([]byte(hostname))
	return "agent-" + hex.EncodeToString(h[:6]), nil
}
