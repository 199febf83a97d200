package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"audiopolicyd/internal/eventlog"
)

// Version is stamped by the release process; "dev" covers local builds.
var Version = "dev"

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled, leaving main to fall through to daemon mode otherwise.
func RunCLI(args []string, dbPath, adminAddr string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("audiopolicyd %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "nodes":
		return cliAdminGet(adminAddr, "/nodes")
	case "routes":
		return cliAdminGet(adminAddr, "/routes")
	case "connections":
		return cliAdminGet(adminAddr, "/connections")
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	log, err := eventlog.Open(dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening event log: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := log.Recent(ctx, 10)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading event log: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("audiopolicyd %s\n", Version)
	fmt.Printf("Event log: %s\n", dbPath)
	fmt.Printf("Recent events (%d):\n", len(events))
	for _, e := range events {
		fmt.Printf("  [%s] %-16s %-24s %s\n", e.Timestamp.Format(time.RFC3339), e.Kind, e.Key, e.Detail)
	}
	return true
}

// cliAdminGet fetches path from the running daemon's admin API and
// prints the JSON response.
func cliAdminGet(adminAddr, path string) bool {
	if adminAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --admin-url is required for this subcommand")
		os.Exit(1)
	}

	resp, err := http.Get(adminAddr + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error contacting admin API: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading admin API response: %v\n", err)
		os.Exit(1)
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "admin API returned %s: %s\n", resp.Status, body)
		os.Exit(1)
	}

	var pretty any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return true
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return true
}
