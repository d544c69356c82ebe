// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mdqc/agent/lib/classify"
	"github.com/mdqc/agent/lib/pathdesc"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func artifactDescriptor(t *testing.T, dir string) pathdesc.Descriptor {
	t.Helper()
	path := filepath.Join(dir, "EXPLORIS01_SSC0_A1.raw")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	d, err := pathdesc.New(path, pathdesc.Thermo)
	if err != nil {
		t.Fatalf("pathdesc.New: %v", err)
	}
	return d
}

func TestOrchestratorRunSuccess(t *testing.T) {
	dir := t.TempDir()
	template := filepath.Join(dir, "template.sky")
	if err := os.WriteFile(template, []byte("template"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	extractor := writeScript(t, dir, "extractor.sh", `
for arg in "$@"; do
  case "$arg" in
    --report-file=*) report="${arg#--report-file=}" ;;
  esac
done
echo "PeptideSequence,TotalArea" > "$report"
echo "PEPTIDEK,1000" >> "$report"
exit 0
`)

	o := New(nil)
	descriptor := artifactDescriptor(t, dir)
	cls := classify.Classify(descriptor.Path)

	cfg := InstrumentConfig{
		ExtractorPath: extractor,
		TemplateName:  template,
		Timeout:       5 * time.Second,
	}

	result, err := o.Run(context.Background(), descriptor, cls, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer os.Remove(result.ReportPath)

	data, err := os.ReadFile(result.ReportPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("report file is empty")
	}
}

func TestOrchestratorExtractorNotFound(t *testing.T) {
	dir := t.TempDir()
	descriptor := artifactDescriptor(t, dir)
	cls := classify.Classify(descriptor.Path)

	o := New(nil)
	cfg := InstrumentConfig{TemplateName: ""}

	_, err := o.Run(context.Background(), descriptor, cls, cfg)
	var extractErr *Error
	if err == nil {
		t.Fatal("expected an error")
	}
	if !assertAs(err, &extractErr) {
		t.Fatalf("error is not *extract.Error: %v", err)
	}
	if extractErr.Class != FailureExtractorNotFound {
		t.Errorf("Class = %q, want %q", extractErr.Class, FailureExtractorNotFound)
	}
}

func TestOrchestratorTemplateMissing(t *testing.T) {
	dir := t.TempDir()
	descriptor := artifactDescriptor(t, dir)
	cls := classify.Classify(descriptor.Path)

	extractor := writeScript(t, dir, "extractor.sh", "exit 0\n")

	o := New(nil)
	cfg := InstrumentConfig{
		ExtractorPath: extractor,
		TemplateName:  "does-not-exist.sky",
		TemplateDir:   dir,
	}

	_, err := o.Run(context.Background(), descriptor, cls, cfg)
	var extractErr *Error
	if !assertAs(err, &extractErr) {
		t.Fatalf("error is not *extract.Error: %v", err)
	}
	if extractErr.Class != FailureTemplateMissing {
		t.Errorf("Class = %q, want %q", extractErr.Class, FailureTemplateMissing)
	}
}

func TestOrchestratorNonzeroExit(t *testing.T) {
	dir := t.TempDir()
	descriptor := artifactDescriptor(t, dir)
	cls := classify.Classify(descriptor.Path)

	template := filepath.Join(dir, "template.sky")
	if err := os.WriteFile(template, []byte("t"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	extractor := writeScript(t, dir, "extractor.sh", `echo "boom" 1>&2; exit 1`+"\n")

	o := New(nil)
	cfg := InstrumentConfig{ExtractorPath: extractor, TemplateName: template, Timeout: 5 * time.Second}

	_, err := o.Run(context.Background(), descriptor, cls, cfg)
	var extractErr *Error
	if !assertAs(err, &extractErr) {
		t.Fatalf("error is not *extract.Error: %v", err)
	}
	if extractErr.Class != FailureNonzeroExit {
		t.Errorf("Class = %q, want %q", extractErr.Class, FailureNonzeroExit)
	}
}

func TestOrchestratorTimeout(t *testing.T) {
	dir := t.TempDir()
	descriptor := artifactDescriptor(t, dir)
	cls := classify.Classify(descriptor.Path)

	template := filepath.Join(dir, "template.sky")
	if err := os.WriteFile(template, []byte("t"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	extractor := writeScript(t, dir, "extractor.sh", "sleep 5\nexit 0\n")

	o := New(nil)
	cfg := InstrumentConfig{ExtractorPath: extractor, TemplateName: template, Timeout: 50 * time.Millisecond}

	_, err := o.Run(context.Background(), descriptor, cls, cfg)
	var extractErr *Error
	if !assertAs(err, &extractErr) {
		t.Fatalf("error is not *extract.Error: %v", err)
	}
	if extractErr.Class != FailureTimeout {
		t.Errorf("Class = %q, want %q", extractErr.Class, FailureTimeout)
	}
}

func TestOrchestratorParentCancellation(t *testing.T) {
	dir := t.TempDir()
	descriptor := artifactDescriptor(t, dir)
	cls := classify.Classify(descriptor.Path)

	template := filepath.Join(dir, "template.sky")
	if err := os.WriteFile(template, []byte("t"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	extractor := writeScript(t, dir, "extractor.sh", "sleep 5\nexit 0\n")

	o := New(nil)
	cfg := InstrumentConfig{ExtractorPath: extractor, TemplateName: template, Timeout: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := o.Run(ctx, descriptor, cls, cfg)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Run error = %v, want ErrCancelled", err)
	}
	var extractErr *Error
	if assertAs(err, &extractErr) {
		t.Fatalf("parent cancellation should not be classified as *Error, got %v", extractErr)
	}
}

// assertAs is a tiny errors.As wrapper kept local to avoid importing
// errors into every test for a single call site.
func assertAs(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
