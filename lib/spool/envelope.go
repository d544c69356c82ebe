// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package spool

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mdqc/agent/lib/classify"
	"github.com/mdqc/agent/lib/pathdesc"
	"github.com/mdqc/agent/lib/report"
)

// SchemaVersion is the wire format version carried on every envelope.
const SchemaVersion = "1.0"

// Envelope is the complete JSON document written to disk and later
// uploaded as-is. Field names match the wire contract exactly; no raw
// filesystem path ever appears here, only the artifact's filename and
// content hash.
type Envelope struct {
	SchemaVersion     string                 `json:"schema_version"`
	PayloadID         string                 `json:"payload_id"`
	CorrelationID     string                 `json:"correlation_id"`
	AgentID           string                 `json:"agent_id"`
	AgentVersion      string                 `json:"agent_version"`
	Timestamp         time.Time              `json:"timestamp"`
	Run               RunInfo                `json:"run"`
	Extraction        ExtractionInfo         `json:"extraction"`
	BaselineContext   *BaselineContext       `json:"baseline_context"`
	TargetMetrics     []report.TargetMetrics `json:"target_metrics"`
	RunMetrics        report.RunMetrics      `json:"run_metrics"`
	ComparisonMetrics *ComparisonMetrics     `json:"comparison_metrics"`
}

// RunInfo identifies the source run without ever naming its
// filesystem path.
type RunInfo struct {
	RunID                    string               `json:"run_id"`
	RawFileName              string               `json:"raw_file_name"`
	RawFileHash              string               `json:"raw_file_hash"`
	InstrumentID             string               `json:"instrument_id"`
	Vendor                   pathdesc.Vendor      `json:"vendor"`
	ControlType              classify.ControlType `json:"control_type"`
	WellPosition             string               `json:"well_position,omitempty"`
	PlateID                  string               `json:"plate_id,omitempty"`
	ClassificationConfidence classify.Confidence  `json:"classification_confidence"`
	ClassificationSource     classify.Source      `json:"classification_source"`
}

// ExtractionInfo describes how the report was produced.
type ExtractionInfo struct {
	Backend          string `json:"backend"`
	BackendVersion   string `json:"backend_version"`
	TemplateName     string `json:"template_name"`
	TemplateHash     string `json:"template_hash"`
	ExtractionTimeMS int64  `json:"extraction_time_ms"`
	Status           string `json:"status"`
}

// BaselineContext names the server-side reference run this envelope
// should be compared against, plus enough local metadata to judge
// staleness. Populated only for non-SSC0 QC payloads.
type BaselineContext struct {
	BaselineID           string    `json:"baseline_id"`
	BaselineEstablished  time.Time `json:"baseline_established"`
	BaselineTemplateHash string    `json:"baseline_template_hash"`
}

// ComparisonMetrics summarizes this run against its baseline,
// computed locally by the Baseline Tracker.
type ComparisonMetrics struct {
	RTShiftMean     float64  `json:"rt_shift_mean"`
	RTShiftStd      float64  `json:"rt_shift_std"`
	AreaRatioMean   float64  `json:"area_ratio_mean"`
	AreaRatioStd    float64  `json:"area_ratio_std"`
	OutlierTargets  []string `json:"outlier_targets"`
	WithinTolerance bool     `json:"within_tolerance"`
}

// NewCorrelationID mints a human-traceable id independent of
// PayloadID: "{agentID}-{YYYYMMDDHHMMSS}-{8 hex digits}".
func NewCorrelationID(agentID string, now time.Time) (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating correlation id: %w", err)
	}
	return fmt.Sprintf("%s-%s-%s", agentID, now.UTC().Format("20060102150405"), hex.EncodeToString(buf[:])), nil
}

// NewPayloadID mints a fresh idempotency key. Called once per
// extraction success; the same value is reused across every upload
// retry for that envelope.
func NewPayloadID() string {
	return uuid.NewString()
}
