// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/mdqc/agent/lib/classify"
	"github.com/mdqc/agent/lib/config"
	"github.com/mdqc/agent/lib/ipcproto"
	"github.com/mdqc/agent/lib/ledger"
	"github.com/mdqc/agent/lib/upload"
)

// ServeIPC accepts agentctl connections on socketPath until ctx is
// cancelled. One goroutine per connection; each connection reads
// newline-delimited JSON requests and writes newline-delimited JSON
// responses until the client closes the connection.
func (s *Supervisor) ServeIPC(ctx context.Context, socketPath string) error {
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("ipc accept failed", "error", err)
			continue
		}
		go s.handleIPCConn(ctx, conn)
	}
}

func (s *Supervisor) handleIPCConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		var req ipcproto.Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			encoder.Encode(ipcproto.Response{OK: false, Error: fmt.Sprintf("invalid request: %v", err)})
			continue
		}

		resp := s.dispatchIPC(ctx, req)
		if err := encoder.Encode(resp); err != nil {
			s.logger.Debug("ipc: writing response failed", "error", err)
			return
		}
	}
}

func (s *Supervisor) dispatchIPC(ctx context.Context, req ipcproto.Request) ipcproto.Response {
	switch req.Action {
	case "health-check":
		return ipcproto.Response{OK: true, HealthCheck: s.healthCheck()}

	case "classify":
		if req.Path == "" {
			return ipcproto.Response{OK: false, Error: "classify requires path"}
		}
		cls := classify.Classify(req.Path)
		well := ""
		if cls.Well != nil {
			well = cls.Well.String()
		}
		return ipcproto.Response{OK: true, Classification: &ipcproto.ClassifyResult{
			ControlType:  string(cls.ControlType),
			WellPosition: well,
			InstrumentID: cls.Instrument,
			PlateID:      cls.PlateID,
			Confidence:   string(cls.Confidence),
			Source:       string(cls.Source),
		}}

	case "status":
		return ipcproto.Response{OK: true, Status: s.status(ctx)}

	case "failed-list":
		entries, err := s.ledger.List(ctx)
		if err != nil {
			return ipcproto.Response{OK: false, Error: err.Error()}
		}
		return ipcproto.Response{OK: true, FailedEntries: toWireEntries(entries)}

	case "failed-retry":
		if err := s.failedRetry(ctx, req); err != nil {
			return ipcproto.Response{OK: false, Error: err.Error()}
		}
		return ipcproto.Response{OK: true}

	case "failed-clear":
		if err := s.failedClear(ctx, req); err != nil {
			return ipcproto.Response{OK: false, Error: err.Error()}
		}
		return ipcproto.Response{OK: true}

	default:
		return ipcproto.Response{OK: false, Error: fmt.Sprintf("unknown action %q", req.Action)}
	}
}

// healthCheck runs the checks a human operator cares about before
// trusting the agent to process a run: extractor discoverable, every
// instrument's template present, client certificate present when
// configured, and every instrument's watch path reachable.
func (s *Supervisor) healthCheck() *ipcproto.HealthCheckResult {
	var checks []ipcproto.HealthCheckItem

	checks = append(checks, checkExtractor(s.cfg.Skyline.Path))

	for _, inst := range s.cfg.Instruments {
		checks = append(checks, checkTemplate(s.dataRoot, inst))
		checks = append(checks, checkWatchPath(inst))
	}

	if s.cfg.Cloud.CertificateThumbprint != "" {
		checks = append(checks, checkCertificate(s.dataRoot, s.cfg.Cloud.CertificateThumbprint))
	}

	checks = append(checks, checkCloudReachability(s.cfg.Cloud.Endpoint))

	return &ipcproto.HealthCheckResult{Checks: checks}
}

func checkCloudReachability(endpoint string) ipcproto.HealthCheckItem {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return ipcproto.HealthCheckItem{Name: "cloud-endpoint", Status: "fail", Detail: fmt.Sprintf("invalid endpoint %q", endpoint)}
	}

	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "http" {
			host += ":80"
		} else {
			host += ":443"
		}
	}

	conn, err := net.DialTimeout("tcp", host, 3*time.Second)
	if err != nil {
		return ipcproto.HealthCheckItem{Name: "cloud-endpoint", Status: "warn", Detail: fmt.Sprintf("%s unreachable: %v", host, err)}
	}
	conn.Close()
	return ipcproto.HealthCheckItem{Name: "cloud-endpoint", Status: "pass", Detail: host}
}

func checkExtractor(configuredPath string) ipcproto.HealthCheckItem {
	if configuredPath != "" && configuredPath != "auto" {
		if info, err := os.Stat(configuredPath); err == nil && !info.IsDir() {
			return ipcproto.HealthCheckItem{Name: "extractor", Status: "pass", Detail: configuredPath}
		}
		return ipcproto.HealthCheckItem{Name: "extractor", Status: "fail", Detail: fmt.Sprintf("configured path %s not found", configuredPath)}
	}
	return ipcproto.HealthCheckItem{Name: "extractor", Status: "warn", Detail: "no extractor configured; relying on well-known paths and PATH"}
}

func checkTemplate(dataRoot string, inst config.InstrumentConfig) ipcproto.HealthCheckItem {
	name := fmt.Sprintf("template:%s", inst.ID)
	if inst.Template == "" {
		return ipcproto.HealthCheckItem{Name: name, Status: "fail", Detail: "no template configured"}
	}

	path := inst.Template
	if !filepath.IsAbs(path) {
		path = filepath.Join(dataRoot, "templates", path)
	}
	if _, err := os.Stat(path); err != nil {
		return ipcproto.HealthCheckItem{Name: name, Status: "fail", Detail: fmt.Sprintf("%s: %v", path, err)}
	}
	return ipcproto.HealthCheckItem{Name: name, Status: "pass", Detail: path}
}

func checkWatchPath(inst config.InstrumentConfig) ipcproto.HealthCheckItem {
	name := fmt.Sprintf("watch-path:%s", inst.ID)
	info, err := os.Stat(inst.WatchPath)
	if err != nil {
		return ipcproto.HealthCheckItem{Name: name, Status: "fail", Detail: err.Error()}
	}
	if !info.IsDir() {
		return ipcproto.HealthCheckItem{Name: name, Status: "fail", Detail: fmt.Sprintf("%s is not a directory", inst.WatchPath)}
	}
	return ipcproto.HealthCheckItem{Name: name, Status: "pass", Detail: inst.WatchPath}
}

func checkCertificate(dataRoot, thumbprint string) ipcproto.HealthCheckItem {
	src := upload.FileCertSource{Dir: filepath.Join(dataRoot, "certs")}
	if _, err := src.Certificate(thumbprint); err != nil {
		return ipcproto.HealthCheckItem{Name: "client-certificate", Status: "fail", Detail: err.Error()}
	}
	return ipcproto.HealthCheckItem{Name: "client-certificate", Status: "pass", Detail: thumbprint}
}

func (s *Supervisor) status(ctx context.Context) *ipcproto.StatusResult {
	pending, _ := s.spool.Pending()
	uploading, _ := s.spool.Uploading()

	result := &ipcproto.StatusResult{
		Pending:              len(pending),
		Uploading:            len(uploading),
		ProcessedThisSession: int(s.processedThisSession.Load()),
	}

	if entries, err := s.ledger.List(ctx); err == nil {
		result.Failed = len(entries)
	}

	return result
}

func toWireEntries(entries []ledger.Entry) []ipcproto.FailedEntry {
	out := make([]ipcproto.FailedEntry, len(entries))
	for i, e := range entries {
		out[i] = ipcproto.FailedEntry{
			Path:         e.Path,
			Category:     e.Category,
			Message:      e.Message,
			FirstFailure: e.FirstFailure,
			LastFailure:  e.LastFailure,
			RetryCount:   e.RetryCount,
		}
	}
	return out
}

// failedRetry re-queues one or every failed-ledger entry by removing
// it from the ledger; the artifact was never added to the processed
// set (only successful runs are), so the next scan picks it up fresh.
func (s *Supervisor) failedRetry(ctx context.Context, req ipcproto.Request) error {
	if req.All {
		return s.ledger.RemoveAll(ctx)
	}
	if req.Path == "" {
		return fmt.Errorf("failed-retry requires path or all")
	}
	return s.ledger.RemoveOne(ctx, req.Path)
}

func (s *Supervisor) failedClear(ctx context.Context, req ipcproto.Request) error {
	if req.All {
		return s.ledger.RemoveAll(ctx)
	}
	if req.Path == "" {
		return fmt.Errorf("failed-clear requires path or all")
	}
	return s.ledger.RemoveOne(ctx, req.Path)
}
