package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/provenplay/matchproof/pkg/record"
	"github.com/provenplay/matchproof/pkg/rules"
	"github.com/provenplay/matchproof/pkg/verify"
)

// runReplayCmd re-executes a match record against the deterministic rule
// engine and checks the recorded scores and winner. It runs entirely
// offline: no node, no chain.
//
// Exit codes:
//
//	0 = replay matches
//	1 = replay diverged
//	2 = runtime error
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		recordPath string
		jsonOutput bool
	)

	cmd.StringVar(&recordPath, "record", "", "Path to canonical match record JSON (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

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

	rec, err := record.Parse(raw)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid record: %v\n", err)
		return 2
	}

	check := verify.Replay(rules.NewRegistry(), rec)
	if check.Status == verify.StatusNotApplicable {
		_, _ = fmt.Fprintf(stderr, "Error: %s is not replayable: %s\n",
			rec.Game.Name, check.Detail)
		return 2
	}

	result := map[string]any{
		"record":        recordPath,
		"match_id":      rec.MatchID,
		"game":          rec.Game.Name,
		"moves":         len(rec.Moves),
		"replay_status": "MATCHED",
	}
	if check.Status == verify.StatusFail {
		result["replay_status"] = "DIVERGED"
		result["code"] = check.Code
		result["detail"] = check.Detail
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if check.Status == verify.StatusFail {
		_, _ = fmt.Fprintf(stdout, "Replay DIVERGED for %s:\n", rec.MatchID)
		_, _ = fmt.Fprintf(stdout, "  - %s\n", check.Detail)
	} else {
		_, _ = fmt.Fprintf(stdout, "Replay MATCHED: %s\n", check.Detail)
	}

	if check.Status == verify.StatusFail {
		return 1
	}
	return 0
}
