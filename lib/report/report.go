// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// TargetMetrics are the per-peptide measurements for one extracted
// target row.
type TargetMetrics struct {
	TargetID          string
	PeptideSequence   string
	PrecursorMz       float64
	RetentionTime     float64
	RTExpected        *float64
	RTDelta           *float64
	PeakArea          float64
	PeakHeight        float64
	FWHM              *float64
	PeakSymmetry      *float64
	MassErrorPPM      *float64
	IsotopeDotProduct *float64
	Detected          bool
}

// RunMetrics are the run-level aggregates computed across all target
// rows in one report.
type RunMetrics struct {
	TargetsFound       int
	TargetsExpected    int
	TargetRecoveryPct  float64
	MedianRTShift      *float64
	MedianMassErrorPPM *float64
}

// requiredColumn names a logical column and its accepted header
// synonyms (case-insensitive, spaces and underscores ignored).
type requiredColumn struct {
	field    string
	synonyms []string
}

// columns lists every logical column the normaliser understands.
// Only peptide_sequence and precursor_mz are treated as required; a
// report missing them cannot produce a meaningful target_id or
// mass measurement.
var columns = []requiredColumn{
	{"peptide_sequence", []string{"peptidesequence", "peptide", "modifiedsequence", "sequence", "moleculename", "molecule", "compoundname"}},
	{"precursor_mz", []string{"mz", "precursormz", "precursormass", "mass"}},
	{"retention_time", []string{"retentiontime", "rt", "peptideretentiontime", "bestretentiontime"}},
	{"rt_expected", []string{"predictedretentiontime", "expectedrt", "rtexpected"}},
	{"rt_delta", []string{"rtdelta", "retentiontimedelta", "rtdifference"}},
	{"peak_area", []string{"totalarea", "area", "peakarea", "sumarea"}},
	{"peak_height", []string{"maxheight", "height", "peakheight", "maxintensity"}},
	{"fwhm", []string{"fwhm", "maxfwhm", "peakwidth", "width"}},
	{"peak_symmetry", []string{"peaksymmetry", "symmetry"}},
	{"mass_error_ppm", []string{"masserrorppm", "averagemasserrorppm", "ppm", "deltamass"}},
	{"isotope_dot_product", []string{"isotopedotproduct", "idotp", "dotproduct"}},
}

var requiredFields = []string{"peptide_sequence", "precursor_mz"}

// SchemaMismatchError reports that the report's header is missing a
// required logical column.
type SchemaMismatchError struct {
	Missing []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("extraction-error: schema-mismatch: missing required columns: %s", strings.Join(e.Missing, ", "))
}

// Parse reads a Skyline-style CSV report from path and returns its
// per-target rows plus the computed run-level aggregates.
func Parse(path string) ([]TargetMetrics, RunMetrics, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, RunMetrics{}, fmt.Errorf("opening report %s: %w", path, err)
	}
	defer f.Close()

	return ParseReader(f)
}

// ParseReader is the io.Reader-based core of Parse, exposed
// separately for tests.
func ParseReader(r io.Reader) ([]TargetMetrics, RunMetrics, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, RunMetrics{}, fmt.Errorf("reading report header: %w", err)
	}

	colIndex := buildColumnIndex(header)
	if missing := missingRequired(colIndex); len(missing) > 0 {
		return nil, RunMetrics{}, &SchemaMismatchError{Missing: missing}
	}

	var targets []TargetMetrics
	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, RunMetrics{}, fmt.Errorf("reading report row %d: %w", row, err)
		}
		row++

		targets = append(targets, parseRow(record, colIndex, row))
	}

	return targets, computeRunMetrics(targets), nil
}

// buildColumnIndex maps each logical field name to the header column
// index that satisfies it, matched against the synonym list
// case-insensitively with spaces and underscores ignored.
func buildColumnIndex(header []string) map[string]int {
	index := make(map[string]int)
	for i, raw := range header {
		normalized := normalizeHeader(raw)
		for _, col := range columns {
			if _, already := index[col.field]; already {
				continue
			}
			for _, syn := range col.synonyms {
				if normalized == syn {
					index[col.field] = i
					break
				}
			}
		}
	}
	return index
}

func normalizeHeader(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "_", "")
	return s
}

func missingRequired(index map[string]int) []string {
	var missing []string
	for _, field := range requiredFields {
		if _, ok := index[field]; !ok {
			missing = append(missing, field)
		}
	}
	return missing
}

func parseRow(record []string, colIndex map[string]int, row int) TargetMetrics {
	peptide := cell(record, colIndex, "peptide_sequence")
	mz := floatOrZero(record, colIndex, "precursor_mz")

	targetID := fmt.Sprintf("target_%d", row)
	if peptide != "" {
		targetID = fmt.Sprintf("%s_%.2f", peptide, mz)
	}

	area := floatOrZero(record, colIndex, "peak_area")

	return TargetMetrics{
		TargetID:          targetID,
		PeptideSequence:   peptide,
		PrecursorMz:       mz,
		RetentionTime:     floatOrZero(record, colIndex, "retention_time"),
		RTExpected:        floatPtr(record, colIndex, "rt_expected"),
		RTDelta:           floatPtr(record, colIndex, "rt_delta"),
		PeakArea:          area,
		PeakHeight:        floatOrZero(record, colIndex, "peak_height"),
		FWHM:              floatPtr(record, colIndex, "fwhm"),
		PeakSymmetry:      floatPtr(record, colIndex, "peak_symmetry"),
		MassErrorPPM:      floatPtr(record, colIndex, "mass_error_ppm"),
		IsotopeDotProduct: floatPtr(record, colIndex, "isotope_dot_product"),
		Detected:          area > 0,
	}
}

// cell returns the raw string value for field, or "" if the column is
// absent from this report or the row is short.
func cell(record []string, colIndex map[string]int, field string) string {
	idx, ok := colIndex[field]
	if !ok || idx >= len(record) {
		return ""
	}
	return record[idx]
}

// isMissingValue reports whether a numeric cell should be treated as
// null: empty string or Skyline/Excel's "#N/A" marker.
func isMissingValue(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || strings.EqualFold(s, "#N/A")
}

func floatOrZero(record []string, colIndex map[string]int, field string) float64 {
	raw := cell(record, colIndex, field)
	if isMissingValue(raw) {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return v
}

func floatPtr(record []string, colIndex map[string]int, field string) *float64 {
	raw := cell(record, colIndex, field)
	if isMissingValue(raw) {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return nil
	}
	return &v
}

// computeRunMetrics aggregates targets-found/expected, median RT
// shift, and median mass error across all parsed target rows.
func computeRunMetrics(targets []TargetMetrics) RunMetrics {
	found := 0
	for _, t := range targets {
		if t.Detected {
			found++
		}
	}
	expected := len(targets)

	recovery := 0.0
	if expected > 0 {
		recovery = float64(found) / float64(expected) * 100
	}

	return RunMetrics{
		TargetsFound:       found,
		TargetsExpected:    expected,
		TargetRecoveryPct:  recovery,
		MedianRTShift:      median(collect(targets, func(t TargetMetrics) *float64 { return t.RTDelta })),
		MedianMassErrorPPM: median(collect(targets, func(t TargetMetrics) *float64 { return t.MassErrorPPM })),
	}
}

func collect(targets []TargetMetrics, get func(TargetMetrics) *float64) []float64 {
	var out []float64
	for _, t := range targets {
		if v := get(t); v != nil {
			out = append(out, *v)
		}
	}
	return out
}

func median(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	var result float64
	if len(sorted)%2 == 0 {
		result = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		result = sorted[mid]
	}
	return &result
}
