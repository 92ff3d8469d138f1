package main

import (
	"fmt"
	"io"
	"os"
)

// version is stamped into binaries and the usage screen.
const version = "v1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. It is the entrypoint for tests, which pass
// their own argument vectors and writers.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServeCmd(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "anchor":
		return runAnchorCmd(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServeCmd(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI colors for the usage screen.
const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorGreen = "\033[32m"
	colorBlue  = "\033[34m"
	colorCyan  = "\033[36m"
	colorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%smatchproof %s%s\n", colorBold+colorBlue, version, colorReset)
	fmt.Fprintf(w, "%sRecords propose. The chain disposes.%s\n", colorGray, colorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	fmt.Fprintln(w, "  matchproof <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "NODE")
	printCommand(w, "serve", "Run the coordinator node (default)")

	printSection(w, "VERIFICATION")
	printCommand(w, "verify", "Verify a match record against a node (--record, --json)")
	printCommand(w, "replay", "Replay a match record offline (--record, --json)")

	printSection(w, "ANCHORING")
	printCommand(w, "anchor", "Inspect or flush batch anchors (status|flush)")

	printSection(w, "UTILITIES")
	printCommand(w, "keygen", "Generate a signing seed and key (--json)")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-8s%s %s\n", colorGreen, name, colorReset, desc)
}
