// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package baseline

import (
	"math"
	"sync"
	"time"

	"github.com/mdqc/agent/lib/report"
	"github.com/mdqc/agent/lib/spool"
)

// outlierThreshold is how far an area ratio may stray from 1.0 before
// its target is flagged.
const outlierThreshold = 0.5

// rtShiftStdTolerance bounds the retention-time shift's standard
// deviation for a comparison to be considered within tolerance.
const rtShiftStdTolerance = 0.5

// Baseline is the reference run an instrument's QC runs are compared
// against.
type Baseline struct {
	InstrumentID  string
	TemplateHash  string
	Established   time.Time
	RunMetrics    report.RunMetrics
	TargetMetrics []report.TargetMetrics
}

// Tracker caches the active baseline per instrument. Reads vastly
// dominate writes, so lookups take a read lock.
type Tracker struct {
	mu        sync.RWMutex
	baselines map[string]Baseline
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{baselines: make(map[string]Baseline)}
}

// Get returns the active baseline for instrumentID, if any.
func (t *Tracker) Get(instrumentID string) (Baseline, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.baselines[instrumentID]
	return b, ok
}

// Record sets or replaces the active baseline for an instrument.
func (t *Tracker) Record(b Baseline) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.baselines[b.InstrumentID] = b
}

// Clear drops the cached baseline for an instrument.
func (t *Tracker) Clear(instrumentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.baselines, instrumentID)
}

// Compare measures a run's target metrics against the instrument's
// active baseline. The bool return is false when no baseline is
// cached, in which case the envelope carries no comparison metrics.
func (t *Tracker) Compare(instrumentID string, targets []report.TargetMetrics) (spool.ComparisonMetrics, bool) {
	b, ok := t.Get(instrumentID)
	if !ok {
		return spool.ComparisonMetrics{}, false
	}

	var rtShifts, areaRatios []float64
	var outliers []string

	for _, target := range targets {
		bt, found := findTarget(b.TargetMetrics, target.TargetID)
		if !found {
			continue
		}

		rtShifts = append(rtShifts, target.RetentionTime-bt.RetentionTime)

		if bt.PeakArea > 0 {
			ratio := target.PeakArea / bt.PeakArea
			areaRatios = append(areaRatios, ratio)
			if math.Abs(ratio-1.0) > outlierThreshold {
				outliers = append(outliers, target.TargetID)
			}
		}
	}

	rtShiftMean, rtShiftStd := mean(rtShifts), stdDev(rtShifts)
	areaRatioMean, areaRatioStd := mean(areaRatios), stdDev(areaRatios)

	return spool.ComparisonMetrics{
		RTShiftMean:     rtShiftMean,
		RTShiftStd:      rtShiftStd,
		AreaRatioMean:   areaRatioMean,
		AreaRatioStd:    areaRatioStd,
		OutlierTargets:  outliers,
		WithinTolerance: len(outliers) == 0 && rtShiftStd < rtShiftStdTolerance,
	}, true
}

func findTarget(targets []report.TargetMetrics, targetID string) (report.TargetMetrics, bool) {
	for _, t := range targets {
		if t.TargetID == targetID {
			return t, true
		}
	}
	return report.TargetMetrics{}, false
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sumSq float64
	for _, v := range values {
		d := v - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}
