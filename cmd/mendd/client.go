package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon health",
	Long: `Check the health of a running mendd daemon.

Examples:
  # Check the local daemon
  mendd status

  # Check a daemon elsewhere
  mendd status --server http://remediation-host:9340`,
	RunE: runStatus,
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show current loop state",
	Long:  `Print the running loop's iteration state as JSON.`,
	RunE:  runState,
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show the final run report",
	Long:  `Print the finished run's report as JSON. Fails while a run is still in progress.`,
	RunE:  runReport,
}

// healthResponse matches internal/status/server.go.
type healthResponse struct {
	Status string `json:"status"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	body, err := fetch("/healthz")
	if err != nil {
		return err
	}

	var health healthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Daemon Status: %s\n", health.Status)
	fmt.Printf("Server URL:    %s\n", serverURL)
	return nil
}

func runState(cmd *cobra.Command, args []string) error {
	return printJSON("/state")
}

func runReport(cmd *cobra.Command, args []string) error {
	return printJSON("/report")
}

// printJSON fetches a path and pretty-prints the JSON body to stdout.
func printJSON(path string) error {
	body, err := fetch(path)
	if err != nil {
		return err
	}

	var buf any
	if err := json.Unmarshal(body, &buf); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// fetch GETs a status server path and returns the body.
func fetch(path string) ([]byte, error) {
	url := serverURL + path

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect to %s: %v\n", url, err)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
