// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package baseline

import (
	"testing"
	"time"

	"github.com/mdqc/agent/lib/report"
)

func TestTrackerCompareNoBaselineReturnsFalse(t *testing.T) {
	tr := New()
	_, ok := tr.Compare("EXPLORIS01", nil)
	if ok {
		t.Fatal("Compare() ok = true with no recorded baseline")
	}
}

func TestTrackerCompareWithinTolerance(t *testing.T) {
	tr := New()
	tr.Record(Baseline{
		InstrumentID: "EXPLORIS01",
		Established:  time.Now(),
		TargetMetrics: []report.TargetMetrics{
			{TargetID: "PEPT1_500.25", RetentionTime: 10.0, PeakArea: 1000},
			{TargetID: "PEPT2_600.30", RetentionTime: 12.0, PeakArea: 2000},
		},
	})

	result, ok := tr.Compare("EXPLORIS01", []report.TargetMetrics{
		{TargetID: "PEPT1_500.25", RetentionTime: 10.05, PeakArea: 1020},
		{TargetID: "PEPT2_600.30", RetentionTime: 11.95, PeakArea: 1980},
	})
	if !ok {
		t.Fatal("Compare() ok = false, want true")
	}
	if len(result.OutlierTargets) != 0 {
		t.Errorf("OutlierTargets = %v, want none", result.OutlierTargets)
	}
	if !result.WithinTolerance {
		t.Errorf("WithinTolerance = false, want true for a close match")
	}
}

func TestTrackerCompareFlagsAreaOutlier(t *testing.T) {
	tr := New()
	tr.Record(Baseline{
		InstrumentID: "EXPLORIS01",
		Established:  time.Now(),
		TargetMetrics: []report.TargetMetrics{
			{TargetID: "PEPT1_500.25", RetentionTime: 10.0, PeakArea: 1000},
		},
	})

	result, ok := tr.Compare("EXPLORIS01", []report.TargetMetrics{
		{TargetID: "PEPT1_500.25", RetentionTime: 10.0, PeakArea: 2500}, // ratio 2.5
	})
	if !ok {
		t.Fatal("Compare() ok = false, want true")
	}
	if len(result.OutlierTargets) != 1 || result.OutlierTargets[0] != "PEPT1_500.25" {
		t.Fatalf("OutlierTargets = %v, want [PEPT1_500.25]", result.OutlierTargets)
	}
	if result.WithinTolerance {
		t.Error("WithinTolerance = true, want false when an outlier is present")
	}
}

func TestTrackerClearRemovesBaseline(t *testing.T) {
	tr := New()
	tr.Record(Baseline{InstrumentID: "EXPLORIS01", Established: time.Now()})
	tr.Clear("EXPLORIS01")

	if _, ok := tr.Get("EXPLORIS01"); ok {
		t.Fatal("Get() ok = true after Clear")
	}
}
