package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "query":
		return runQueryNoun(args)
	case "session":
		return runSessionNoun(args)
	case "dispatch":
		return runDispatchNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: querygate version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("querygate %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`querygate - query admission and session interrupt service

Usage:
  querygate <noun> <action> [flags]

Core Resources (Nouns):
  system    Service lifecycle and health
  config    Configuration and integrity
  query     Query submission and history
  session   Session enrollment and interrupts
  dispatch  Dispatch queue capacity

System Commands:
  system start      Start the service in foreground
  system status     Show config, database, lock and API health
  system watch      Real-time monitoring TUI

Config Commands:
  config check      Validate syntax, values and integrity
  config lock       Pin the current config (write .checksums)

Query Commands:
  query submit <sql>         Run a query for a session and print the result
  query interrupt <session>  Interrupt every query of a session
  query inspect <id>         Show the history record of a query

Session Commands:
  session show <id>   Show enrollment and entries of a session
  session list        List enrolled sessions
  session current     Show the session of the most recently admitted query

Dispatch Commands:
  dispatch resize <n>  Change the number of concurrently running queries

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'querygate <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

// action is one verb of a noun: the handler and its --help printer.
type action struct {
	run  func([]string) int
	help func()
}

// noun routes `querygate <noun> <action> [flags]`.
type noun struct {
	name    string
	actions map[string]action
	order   []string
}

func (n noun) usage(w *os.File) {
	fmt.Fprintf(w, "Usage: querygate %s <action> [flags]\n", n.name)
	fmt.Fprintf(w, "Actions: %s\n", strings.Join(n.order, ", "))
}

func (n noun) dispatch(args []string) int {
	if len(args) < 1 {
		n.usage(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		n.usage(os.Stdout)
		return 0
	}

	a, ok := n.actions[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", n.name, args[0])
		return 1
	}
	actionArgs := args[1:]
	if hasHelpFlag(actionArgs) {
		a.help()
		return 0
	}
	return a.run(actionArgs)
}

func newNoun(name string, order []string, actions map[string]action) noun {
	return noun{name: name, actions: actions, order: order}
}

func runSystemNoun(args []string) int {
	return newNoun("system", []string{"start", "status", "watch"}, map[string]action{
		"start":  {runStart, printSystemStartHelp},
		"status": {runSystemStatus, printSystemStatusHelp},
		"watch":  {runWatch, printSystemWatchHelp},
	}).dispatch(args)
}

func runConfigNoun(args []string) int {
	return newNoun("config", []string{"check", "lock"}, map[string]action{
		"check": {runConfigCheck, printConfigCheckHelp},
		"lock":  {runConfigLock, printConfigLockHelp},
	}).dispatch(args)
}

func runQueryNoun(args []string) int {
	return newNoun("query", []string{"submit", "interrupt", "inspect"}, map[string]action{
		"submit":    {runQuerySubmit, printQuerySubmitHelp},
		"interrupt": {runQueryInterrupt, printQueryInterruptHelp},
		"inspect":   {runQueryInspect, printQueryInspectHelp},
	}).dispatch(args)
}

func runSessionNoun(args []string) int {
	return newNoun("session", []string{"show", "list", "current"}, map[string]action{
		"show":    {runSessionShow, printSessionShowHelp},
		"list":    {runSessionList, printSessionListHelp},
		"current": {runSessionCurrent, printSessionCurrentHelp},
	}).dispatch(args)
}

func runDispatchNoun(args []string) int {
	return newNoun("dispatch", []string{"resize"}, map[string]action{
		"resize": {runDispatchResize, printDispatchResizeHelp},
	}).dispatch(args)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// --- HELP ---

func printSystemStartHelp() {
	fmt.Println("Usage: querygate system start [--config PATH]")
	fmt.Println("Start the service in the foreground. Only one instance may use a state database.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: querygate system status [--config PATH] [--json]")
	fmt.Println("Show service health (config, database, PID lock and API reachability).")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: querygate system watch [flags]")
	fmt.Println()
	fmt.Println("Real-time monitoring TUI.")
	fmt.Println("Shows service health, enrolled sessions, and the event stream.")
	fmt.Println()
	printAPIFlagsHelp()
}

func printConfigCheckHelp() {
	fmt.Println("Usage: querygate config check [--config PATH] [--json]")
	fmt.Println("Validate config syntax, values and integrity without starting the service.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: querygate config lock [--config PATH]")
	fmt.Println("Write a .checksums manifest pinning the current config file.")
}

func printQuerySubmitHelp() {
	fmt.Println("Usage: querygate query submit --session ID [--device cpu|gpu] [--pending-check-freq K] [--json] <sql>")
	fmt.Println("Run a query and wait for its result.")
	fmt.Println()
	printAPIFlagsHelp()
}

func printQueryInterruptHelp() {
	fmt.Println("Usage: querygate query interrupt [--caller ID] <session>")
	fmt.Println("Interrupt every pending and running query of a session.")
	fmt.Println()
	printAPIFlagsHelp()
}

func printQueryInspectHelp() {
	fmt.Println("Usage: querygate query inspect <query-id>")
	fmt.Println("Show the history record of a query.")
	fmt.Println()
	printAPIFlagsHelp()
}

func printSessionShowHelp() {
	fmt.Println("Usage: querygate session show <session>")
	fmt.Println("Show whether a session is enrolled and its pending and running entries.")
	fmt.Println()
	printAPIFlagsHelp()
}

func printSessionListHelp() {
	fmt.Println("Usage: querygate session list")
	fmt.Println("List enrolled sessions with pending and running counts.")
	fmt.Println()
	printAPIFlagsHelp()
}

func printSessionCurrentHelp() {
	fmt.Println("Usage: querygate session current")
	fmt.Println("Show the session of the most recently admitted query that is still running.")
	fmt.Println()
	printAPIFlagsHelp()
}

func printDispatchResizeHelp() {
	fmt.Println("Usage: querygate dispatch resize <n>")
	fmt.Println("Set dispatch queue capacity. Shrinking never evicts running queries.")
	fmt.Println()
	printAPIFlagsHelp()
}

func printAPIFlagsHelp() {
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Service API URL (default: $QUERYGATE_API_URL or http://localhost:8080)")
	fmt.Println("  --api-key KEY    API bearer token (default: $QUERYGATE_API_KEY)")
}
