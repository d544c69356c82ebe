// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mdqc/agent/lib/classify"
	"github.com/mdqc/agent/lib/pathdesc"
)

// maxCapturedOutput bounds how much of stdout/stderr is retained in an
// error message on non-zero exit.
const maxCapturedOutput = 4 * 1024

// niceness is the below-normal OS priority applied to the extractor
// child. 10 matches the conventional "background batch job" nice
// value on Linux.
const niceness = 10

// FailureClass names why an extraction could not be completed.
type FailureClass string

const (
	FailureExtractorNotFound FailureClass = "extractor-not-found"
	FailureTemplateMissing   FailureClass = "template-missing"
	FailureReportNotDefined  FailureClass = "report-not-defined"
	FailureTimeout           FailureClass = "timeout"
	FailureNonzeroExit       FailureClass = "nonzero-exit"
)

// Error reports a failed extraction attempt, classified so the caller
// can decide whether it is retriable.
type Error struct {
	Class   FailureClass
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Class, e.Message) }

// ErrCancelled is returned instead of an *Error when ctx (not the
// extraction's own timeout) was cancelled before or during the run.
// It is deliberately not an *Error: the artifact was never actually
// attempted to completion, so it is not a classified failure and must
// not be recorded to the Failed Ledger. Callers should leave the
// artifact for rediscovery rather than mark it terminal.
var ErrCancelled = errors.New("extraction cancelled: context done")

// InstrumentConfig names the per-instrument extraction settings.
type InstrumentConfig struct {
	ExtractorPath   string   // explicit configured path, highest priority
	RegistryKey     string   // platform registry key, checked second
	WellKnownPaths  []string // fixed filesystem locations, checked third
	ExtractorBinary string   // name looked up on PATH, checked last
	TemplateName    string   // absolute, or resolved against TemplateDir
	TemplateDir     string
	Timeout         time.Duration
}

// Result is a successful extraction: the path to the produced CSV
// report, ready for the Report Normaliser.
type Result struct {
	ReportPath string
}

// Orchestrator runs extractions one at a time. It holds no state
// between calls; serialization is the caller's responsibility (a
// single goroutine invoking Run for each Ready work item in turn).
type Orchestrator struct {
	lookupRegistry func(key string) (string, bool) // overridable for tests
}

// New constructs an Orchestrator. lookupRegistry resolves a
// platform-specific software registry key to an installed path; pass
// nil in production to use the real OS-specific lookup (a no-op on
// POSIX, since Bureau's Linux deployments have no registry).
func New(lookupRegistry func(key string) (string, bool)) *Orchestrator {
	if lookupRegistry == nil {
		lookupRegistry = func(string) (string, bool) { return "", false }
	}
	return &Orchestrator{lookupRegistry: lookupRegistry}
}

// Run executes one extraction for descriptor against cfg; the
// classification argument is not consulted. The artifact itself is
// untouched regardless of outcome; retrying is always safe.
func (o *Orchestrator) Run(ctx context.Context, descriptor pathdesc.Descriptor, cls classify.Classification, cfg InstrumentConfig) (Result, error) {
	extractorPath, err := o.locateExtractor(cfg)
	if err != nil {
		return Result{}, err
	}

	templatePath, err := resolveTemplate(cfg)
	if err != nil {
		return Result{}, err
	}

	reportPath, err := reportTempPath()
	if err != nil {
		return Result{}, &Error{Class: FailureReportNotDefined, Message: err.Error()}
	}
	defer os.Remove(reportPath)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"--in=" + templatePath,
		"--import-file=" + descriptor.Path,
		"--report-name=MD_QC_Report",
		"--report-file=" + reportPath,
		"--report-format=csv",
		"--report-invariant",
	}

	stdout, stderr, exitCode, runErr := runExtractor(runCtx, extractorPath, args)

	// Check the caller's ctx before runCtx's own deadline: if ctx was
	// cancelled (supervisor shutdown), runCtx cancels right along with
	// it and would otherwise be misread as this extraction's own
	// timeout expiring.
	if ctx.Err() != nil {
		return Result{}, ErrCancelled
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return Result{}, &Error{Class: FailureTimeout, Message: fmt.Sprintf("extraction exceeded %s", timeout)}
	}
	if runErr != nil {
		return Result{}, &Error{Class: FailureNonzeroExit, Message: runErr.Error()}
	}

	if exitCode != 0 {
		if strings.Contains(stderr, "report does not exist") {
			return Result{}, &Error{Class: FailureReportNotDefined, Message: "the configured report definition is not registered with the extractor"}
		}
		return Result{}, &Error{
			Class: FailureNonzeroExit,
			Message: fmt.Sprintf("exit code %d\nstdout: %s\nstderr: %s",
				exitCode, truncate(stdout, maxCapturedOutput), truncate(stderr, maxCapturedOutput)),
		}
	}

	if _, err := os.Stat(reportPath); err != nil {
		return Result{}, &Error{Class: FailureNonzeroExit, Message: fmt.Sprintf("extractor exited 0 but produced no report: %v", err)}
	}

	// The deferred remove targets reportPath; rename the report to a
	// path the caller owns so it outlives that remove.
	finalPath := reportPath + ".out"
	if err := os.Rename(reportPath, finalPath); err != nil {
		return Result{}, &Error{Class: FailureNonzeroExit, Message: fmt.Sprintf("relocating report: %v", err)}
	}
	return Result{ReportPath: finalPath}, nil
}

// locateExtractor searches, in order: the explicit configured path,
// the platform registry, well-known filesystem locations, and PATH.
func (o *Orchestrator) locateExtractor(cfg InstrumentConfig) (string, error) {
	if cfg.ExtractorPath != "" {
		if isExecutable(cfg.ExtractorPath) {
			return cfg.ExtractorPath, nil
		}
	}

	if cfg.RegistryKey != "" {
		if path, ok := o.lookupRegistry(cfg.RegistryKey); ok && isExecutable(path) {
			return path, nil
		}
	}

	for _, candidate := range cfg.WellKnownPaths {
		if isExecutable(candidate) {
			return candidate, nil
		}
	}

	if cfg.ExtractorBinary != "" {
		if path, err := exec.LookPath(cfg.ExtractorBinary); err == nil {
			return path, nil
		}
	}

	return "", &Error{Class: FailureExtractorNotFound, Message: "no extractor binary found via configured path, registry, well-known locations, or PATH"}
}

func isExecutable(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// resolveTemplate returns the template path to pass as --in=. An
// absolute TemplateName is used as-is; otherwise it is joined against
// TemplateDir.
func resolveTemplate(cfg InstrumentConfig) (string, error) {
	if cfg.TemplateName == "" {
		return "", &Error{Class: FailureTemplateMissing, Message: "no template configured for this instrument"}
	}

	path := cfg.TemplateName
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.TemplateDir, path)
	}

	if _, err := os.Stat(path); err != nil {
		return "", &Error{Class: FailureTemplateMissing, Message: fmt.Sprintf("template %s: %v", path, err)}
	}
	return path, nil
}

// reportTempPath allocates a fresh scratch directory for one
// extraction's CSV report, so concurrent (serialized but overlapping
// in cleanup) runs never collide.
func reportTempPath() (string, error) {
	dir, err := os.MkdirTemp("", "mdqc-report-*")
	if err != nil {
		return "", fmt.Errorf("creating report temp dir: %w", err)
	}
	return filepath.Join(dir, "report.csv"), nil
}

// runExtractor launches the extractor at below-normal priority inside
// its own process group, waits up to ctx's deadline, and escalates
// SIGTERM then SIGKILL on cancellation.
func runExtractor(ctx context.Context, path string, args []string) (stdout, stderr string, exitCode int, err error) {
	cmd := exec.CommandContext(ctx, path, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	const gracePeriod = 5 * time.Second
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if termErr := syscall.Kill(pgid, syscall.SIGTERM); termErr != nil {
			return syscall.Kill(pgid, syscall.SIGKILL)
		}
		go func() {
			time.Sleep(gracePeriod)
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}()
		return nil
	}

	if startErr := cmd.Start(); startErr != nil {
		return "", "", -1, startErr
	}

	// Best-effort niceness; extraction correctness does not depend on
	// it, only host responsiveness while it runs.
	_ = unix.Setpriority(unix.PRIO_PROCESS, cmd.Process.Pid, niceness)

	waitErr := cmd.Wait()
	stdout = stdoutBuf.String()
	stderr = stderrBuf.String()

	if waitErr == nil {
		return stdout, stderr, 0, nil
	}

	var exitError *exec.ExitError
	if errors.As(waitErr, &exitError) {
		return stdout, stderr, exitError.ExitCode(), nil
	}

	return stdout, stderr, -1, waitErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
