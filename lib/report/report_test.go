// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"strings"
	"testing"
)

func TestParseReaderSynonymColumns(t *testing.T) {
	csv := "Peptide Sequence,Precursor Mz,Retention Time,Total Area,Max Height,Average Mass Error PPM\n" +
		"PEPTIDEK,450.25,12.5,15000,3000,1.2\n" +
		"PEPTIDER,,,#N/A,,\n"

	targets, run, err := ParseReader(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ParseReader: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("len(targets) = %d, want 2", len(targets))
	}

	first := targets[0]
	if first.PeptideSequence != "PEPTIDEK" {
		t.Errorf("PeptideSequence = %q, want PEPTIDEK", first.PeptideSequence)
	}
	if !first.Detected {
		t.Error("first target should be Detected (area > 0)")
	}
	if first.MassErrorPPM == nil || *first.MassErrorPPM != 1.2 {
		t.Errorf("MassErrorPPM = %v, want 1.2", first.MassErrorPPM)
	}

	second := targets[1]
	if second.Detected {
		t.Error("second target should not be Detected (area is #N/A -> 0)")
	}
	if second.MassErrorPPM != nil {
		t.Errorf("MassErrorPPM = %v, want nil for empty cell", second.MassErrorPPM)
	}

	if run.TargetsFound != 1 {
		t.Errorf("TargetsFound = %d, want 1", run.TargetsFound)
	}
	if run.TargetsExpected != 2 {
		t.Errorf("TargetsExpected = %d, want 2", run.TargetsExpected)
	}
	if run.TargetRecoveryPct != 50 {
		t.Errorf("TargetRecoveryPct = %v, want 50", run.TargetRecoveryPct)
	}
}

func TestParseReaderMissingRequiredColumn(t *testing.T) {
	csv := "Total Area,Max Height\n100,200\n"

	_, _, err := ParseReader(strings.NewReader(csv))
	if err == nil {
		t.Fatal("expected a schema-mismatch error")
	}
	var mismatch *SchemaMismatchError
	if e, ok := err.(*SchemaMismatchError); !ok {
		t.Fatalf("error is not *SchemaMismatchError: %v", err)
	} else {
		mismatch = e
	}
	if len(mismatch.Missing) == 0 {
		t.Error("Missing should list at least one column")
	}
}

func TestParseReaderMedianComputation(t *testing.T) {
	csv := "Peptide,Mz,RT Delta,PPM\n" +
		"A,100,1.0,2.0\n" +
		"B,100,2.0,4.0\n" +
		"C,100,3.0,6.0\n"

	_, run, err := ParseReader(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ParseReader: %v", err)
	}
	if run.MedianRTShift == nil || *run.MedianRTShift != 2.0 {
		t.Errorf("MedianRTShift = %v, want 2.0", run.MedianRTShift)
	}
	if run.MedianMassErrorPPM == nil || *run.MedianMassErrorPPM != 4.0 {
		t.Errorf("MedianMassErrorPPM = %v, want 4.0", run.MedianMassErrorPPM)
	}
}
