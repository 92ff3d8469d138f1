package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/provenplay/matchproof/pkg/verify"
)

// runVerifyCmd submits a canonical match record to a running node and
// renders the verification report. The node supplies chain state, so
// anchor and signature checks run against live data.
//
// Exit codes:
//
//	0 = record verified
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		recordPath string
		server     string
		jsonOutput bool
	)

	cmd.StringVar(&recordPath, "record", "", "Path to canonical match record JSON (REQUIRED)")
	cmd.StringVar(&server, "server", "http://localhost:8080", "Node base URL")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if recordPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --record is required")
		return 2
	}

	raw, err := os.ReadFile(recordPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read record: %v\n", err)
		return 2
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(server+"/api/verify", "application/json", bytes.NewReader(raw))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: contact node: %v\n", err)
		return 2
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_, _ = fmt.Fprintf(stderr, "Error: node returned status %d: %s\n",
			resp.StatusCode, bytes.TrimSpace(body))
		return 2
	}

	var report verify.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: decode report: %v\n", err)
		return 2
	}

	renderReport(stdout, &report, jsonOutput)
	if !report.Verified {
		return 1
	}
	return 0
}

// renderReport writes a verification report as indented JSON or a
// human-readable pass/fail summary.
func renderReport(out io.Writer, report *verify.Report, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(out, string(data))
		return
	}

	if report.Verified {
		_, _ = fmt.Fprintf(out, "✅ Record verification PASSED\n")
	} else {
		_, _ = fmt.Fprintf(out, "❌ Record verification FAILED\n")
	}
	_, _ = fmt.Fprintf(out, "Match: %s\n", report.MatchID)
	for _, check := range report.Checks {
		marker := "✓"
		switch check.Status {
		case verify.StatusFail:
			marker = "✗"
		case verify.StatusNotApplicable:
			marker = "-"
		}
		line := fmt.Sprintf("  %s %-12s %s", marker, check.Name, check.Status)
		if check.Detail != "" {
			line += ": " + check.Detail
		}
		_, _ = fmt.Fprintln(out, line)
	}
	_, _ = fmt.Fprintf(out, "Summary: %s\n", report.Summary)
}
