// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/muesli/termenv"
	flag "github.com/spf13/pflag"

	"github.com/mdqc/agent/lib/ipcproto"
	"github.com/mdqc/agent/lib/process"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	dataDir := flag.String("data-dir", "", "data root the daemon was started with (used to locate its socket)")
	socketPath := flag.String("socket", "", "explicit daemon socket path, overrides --data-dir")
	pathFlag := flag.String("path", "", "artifact path argument for classify/failed-retry/failed-clear")
	all := flag.Bool("all", false, "apply failed-retry/failed-clear to every ledger entry")
	jsonOutput := flag.Bool("json", false, "print the raw JSON response instead of a formatted summary")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		return fmt.Errorf("usage: agentctl [flags] <health-check|classify|status|failed-list|failed-retry|failed-clear>")
	}
	action := args[0]

	socket := *socketPath
	if socket == "" {
		if *dataDir == "" {
			return fmt.Errorf("either --socket or --data-dir is required")
		}
		socket = filepath.Join(*dataDir, "agentd.sock")
	}

	req := ipcproto.Request{Action: action, Path: *pathFlag, All: *all}
	resp, err := send(socket, req)
	if err != nil {
		return err
	}

	if !resp.OK {
		return fmt.Errorf("%s", resp.Error)
	}

	if *jsonOutput {
		return printJSON(resp)
	}
	return printSummary(action, resp)
}

func send(socketPath string, req ipcproto.Request) (ipcproto.Response, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return ipcproto.Response{}, fmt.Errorf("connecting to agent daemon at %s: %w", socketPath, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return ipcproto.Response{}, fmt.Errorf("sending request: %w", err)
	}

	var resp ipcproto.Response
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return ipcproto.Response{}, fmt.Errorf("reading response: %w", err)
		}
		return ipcproto.Response{}, fmt.Errorf("daemon closed connection without a response")
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return ipcproto.Response{}, fmt.Errorf("parsing response: %w", err)
	}
	return resp, nil
}

func printJSON(resp ipcproto.Response) error {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printSummary(action string, resp ipcproto.Response) error {
	switch action {
	case "health-check":
		printHealthCheck(resp.HealthCheck)
	case "classify":
		c := resp.Classification
		fmt.Printf("control_type=%s confidence=%s source=%s instrument=%s well=%s plate=%s\n",
			c.ControlType, c.Confidence, c.Source, c.InstrumentID, c.WellPosition, c.PlateID)
	case "status":
		s := resp.Status
		fmt.Printf("pending=%d uploading=%d failed=%d processed_this_session=%d\n",
			s.Pending, s.Uploading, s.Failed, s.ProcessedThisSession)
	case "failed-list":
		for _, e := range resp.FailedEntries {
			fmt.Printf("%s (last %s)  %-20s  %s  (retries=%d)\n",
				e.FirstFailure.Format(time.RFC3339), e.LastFailure.Format(time.RFC3339), e.Category, e.Path, e.RetryCount)
		}
	case "failed-retry", "failed-clear":
		fmt.Println("ok")
	}
	return nil
}

func printHealthCheck(result *ipcproto.HealthCheckResult) {
	output := termenv.NewOutput(os.Stdout)
	profile := output.ColorProfile()

	for _, check := range result.Checks {
		var color termenv.Color
		switch check.Status {
		case "pass":
			color = profile.Color("2")
		case "warn":
			color = profile.Color("3")
		default:
			color = profile.Color("1")
		}
		label := termenv.String(fmt.Sprintf("[%-4s]", check.Status)).Foreground(color).Bold()
		fmt.Printf("%s %-24s %s\n", label, check.Name, check.Detail)
	}
}
