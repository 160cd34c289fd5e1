package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

const version = "v0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(stdout, stderr)
	case "migrate":
		return runMigrateCmd(stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "enqueue":
		return runEnqueueCmd(args[2:], stdout, stderr)
	case "task":
		return runTaskCmd(args[2:], stdout, stderr)
	case "cancel":
		return runCancelCmd(args[2:], stdout, stderr)
	case "dlq":
		return runDLQCmd(args[2:], stdout, stderr)
	case "triage":
		return runTriageCmd(args[2:], stdout, stderr)
	case "retry-matching":
		return runRetryMatchingCmd(args[2:], stdout, stderr)
	case "stuck":
		return runStuckCmd(args[2:], stdout, stderr)
	case "resources":
		return runResourcesCmd(args[2:], stdout, stderr)
	case "audit":
		return runAuditCmd(args[2:], stdout, stderr)
	case "archive":
		return runArchiveCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "conveyor %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGreen = "\033[32m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sconveyor %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sDurable task execution engine.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  conveyor <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "ENGINE")
	printCommand(w, "serve", "Run workers, heartbeat monitor and admin API (default)")
	printCommand(w, "migrate", "Create or upgrade the database schema")
	printCommand(w, "archive", "Export terminal tasks to a sink (--before, --sink)")

	printSection(w, "TASKS")
	printCommand(w, "enqueue", "Enqueue a task (--type, --resource, --payload)")
	printCommand(w, "task", "Show a task and its retry schedule")
	printCommand(w, "cancel", "Cancel a pending task")

	printSection(w, "TRIAGE")
	printCommand(w, "dlq list", "List dead-lettered tasks")
	printCommand(w, "triage", "Act on a dead-lettered task: <id> retry|update-payload|skip")
	printCommand(w, "retry-matching", "Retry dead-lettered tasks matching a filter")
	printCommand(w, "stuck", "List stuck tasks, or 'stuck recover <id>'")

	printSection(w, "RESOURCES")
	printCommand(w, "resources", "Show breaker state: [key] [pause|resume|reset]")
	printCommand(w, "audit", "List operator audit events")

	printSection(w, "UTILITIES")
	printCommand(w, "health", "Check admin API health")
	printCommand(w, "token", "Issue an admin API token")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Operator commands read %sCONVEYOR_URL%s and %sCONVEYOR_TOKEN%s or --url/--token.\n",
		ColorBold, ColorReset, ColorBold, ColorReset)
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-15s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// parseArgs parses fs while allowing flags after positional arguments,
// which flag.FlagSet alone stops at.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}
