// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/mdqc/agent/lib/clock"
	"github.com/mdqc/agent/lib/spool"
)

// retryWindow is one (min, max) delay bound, in seconds, for a retry
// attempt. Index 0 is always (0, 0): the first attempt is immediate.
// Grounded on the upload retry table: 30s, 2m, 10m, 1h, each with a
// third of jitter either side of the center.
var retryWindows = [5]struct{ min, max int }{
	{0, 0},
	{20, 40},
	{80, 160},
	{400, 800},
	{2400, 4800},
}

// maxAttempts is the total number of upload attempts per envelope
// (including the immediate first try) before it moves to failed/.
const maxAttempts = len(retryWindows)

// CertSource resolves the mTLS client certificate for a given
// thumbprint. The production implementation looks up a PEM file in a
// configured certificate directory; POSIX hosts have no equivalent of
// the Windows certificate store, so the thumbprint is treated as a
// filename stem.
type CertSource interface {
	Certificate(thumbprint string) (tls.Certificate, error)
}

// FileCertSource loads "<thumbprint>.pem" from Dir, expecting the
// certificate and private key concatenated in one PEM file.
type FileCertSource struct {
	Dir string
}

// Certificate implements CertSource.
func (f FileCertSource) Certificate(thumbprint string) (tls.Certificate, error) {
	path := filepath.Join(f.Dir, thumbprint+".pem")
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("reading client certificate %s: %w", path, err)
	}
	cert, err := tls.X509KeyPair(data, data)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parsing client certificate %s: %w", path, err)
	}
	return cert, nil
}

// Config configures the Uploader.
type Config struct {
	Endpoint              string // URL prefix; "ingest" is appended
	CertificateThumbprint string
	RequestTimeout        time.Duration // per-attempt HTTP timeout, default 60s
}

// FailedRecorder is the subset of *ledger.Ledger the Uploader depends
// on when retries are exhausted.
type FailedRecorder interface {
	Append(path, category, message string) error
}

// Uploader drains spool pending/ in FIFO order to the remote ingest
// endpoint.
type Uploader struct {
	cfg    Config
	spool  *spool.Spool
	client *http.Client
	clk    clock.Clock
	failed FailedRecorder
	logger *slog.Logger
}

// New constructs an Uploader. certs may be nil if CertificateThumbprint
// is empty (no mTLS configured).
func New(cfg Config, sp *spool.Spool, certs CertSource, clk clock.Clock, failed FailedRecorder, logger *slog.Logger) (*Uploader, error) {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	transport := &http.Transport{}
	if cfg.CertificateThumbprint != "" {
		if certs == nil {
			return nil, fmt.Errorf("certificate thumbprint configured but no CertSource provided")
		}
		cert, err := certs.Certificate(cfg.CertificateThumbprint)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	return &Uploader{
		cfg:    cfg,
		spool:  sp,
		client: &http.Client{Transport: transport, Timeout: timeout},
		clk:    clk,
		failed: failed,
		logger: logger,
	}, nil
}

// Run drains pending/ continuously until ctx is cancelled, polling
// every pollInterval when the spool is empty.
func (u *Uploader) Run(ctx context.Context, pollInterval time.Duration) {
	if err := u.spool.Recover(); err != nil {
		u.logger.Error("spool recovery failed", "error", err)
	}

	ticker := u.clk.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.drainOnce(ctx)
		}
	}
}

func (u *Uploader) drainOnce(ctx context.Context) {
	pending, err := u.spool.Pending()
	if err != nil {
		u.logger.Error("listing pending envelopes", "error", err)
		return
	}
	for _, path := range pending {
		if ctx.Err() != nil {
			return
		}
		u.uploadWithRetry(ctx, path)
	}
}

// uploadWithRetry drives one envelope through up to maxAttempts tries,
// immediately on the first and with exponential, jittered backoff on
// subsequent ones, moving it to completed/ on success or failed/ once
// attempts are exhausted or a non-retriable response is seen.
func (u *Uploader) uploadWithRetry(ctx context.Context, path string) {
	uploadingPath, err := u.spool.MarkUploading(path)
	if err != nil {
		u.logger.Error("marking envelope uploading", "path", path, "error", err)
		return
	}

	data, err := os.ReadFile(uploadingPath)
	if err != nil {
		u.logger.Error("reading envelope", "path", uploadingPath, "error", err)
		u.failEnvelope(uploadingPath, "upload-exhausted", err.Error())
		return
	}

	var env spool.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		u.logger.Error("parsing envelope", "path", uploadingPath, "error", err)
		u.failEnvelope(uploadingPath, "upload-exhausted", err.Error())
		return
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if !u.sleepBeforeRetry(ctx, attempt, env.PayloadID) {
				return
			}
		}

		retriable, err := u.attemptUpload(ctx, data)
		if err == nil {
			if completeErr := u.spool.MarkCompleted(uploadingPath); completeErr != nil {
				u.logger.Error("marking envelope completed", "path", uploadingPath, "error", completeErr)
			}
			return
		}

		u.logger.Warn("upload attempt failed", "payload_id", env.PayloadID, "attempt", attempt+1, "error", err)
		if !retriable {
			u.failEnvelope(uploadingPath, "upload-exhausted", err.Error())
			return
		}
	}

	u.failEnvelope(uploadingPath, "upload-exhausted", fmt.Sprintf("exhausted %d attempts", maxAttempts))
}

func (u *Uploader) sleepBeforeRetry(ctx context.Context, attempt int, payloadID string) bool {
	window := retryWindows[attempt]
	delay := time.Duration(window.min) * time.Second
	if window.max > window.min {
		delay = time.Duration(window.min+rand.Intn(window.max-window.min+1)) * time.Second
	}
	u.logger.Info("retrying upload after delay", "payload_id", payloadID, "attempt", attempt+1, "delay", delay)

	select {
	case <-u.clk.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// attemptUpload performs one HTTP POST. The bool return reports
// whether a failure is retriable: network errors and 5xx/408/429 are
// retriable, all other 4xx responses are not.
func (u *Uploader) attemptUpload(ctx context.Context, envelopeJSON []byte) (retriable bool, err error) {
	var body bytes.Buffer
	gz := gzip.NewWriter(&body)
	if _, err := gz.Write(envelopeJSON); err != nil {
		return false, fmt.Errorf("compressing payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return false, fmt.Errorf("compressing payload: %w", err)
	}

	url := u.cfg.Endpoint + "ingest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return true, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := u.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == 408 || resp.StatusCode == 429 || resp.StatusCode >= 500:
		return true, fmt.Errorf("server status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("non-retriable status %d", resp.StatusCode)
	}
}

func (u *Uploader) failEnvelope(path, category, message string) {
	if err := u.spool.MarkFailed(path); err != nil {
		u.logger.Error("marking envelope failed", "path", path, "error", err)
	}
	if err := u.failed.Append(path, category, message); err != nil {
		u.logger.Error("recording failed upload to ledger", "path", path, "error", err)
	}
}
