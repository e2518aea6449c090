package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-stack/pkg/supervisor"
)

type flagOptions struct {
	Address string `long:"address" description:"status API base address" default:"http://127.0.0.1:8900"`
	Unit    string `long:"unit" description:"show one unit in detail"`
	JSON    bool   `long:"json" description:"print the raw JSON response"`
}

type statusPayload struct {
	Units    []supervisor.UnitStatus `json:"units"`
	Batches  [][]string              `json:"batches"`
	Failures []string                `json:"failures,omitempty"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: 10 * time.Second}

	if opts.Unit != "" {
		if err := showUnit(client, opts); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := showStack(client, opts); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func fetch(client *http.Client, url string, out interface{}) ([]byte, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("not found: %s", url)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("unexpected response from %s: %w", url, err)
	}
	return raw, nil
}

func showStack(client *http.Client, opts flagOptions) error {
	var payload statusPayload
	raw, err := fetch(client, opts.Address+"/status", &payload)
	if err != nil {
		return err
	}

	if opts.JSON {
		fmt.Println(string(raw))
		return nil
	}

	fmt.Printf("%-16s %-12s %-8s %s\n", "UNIT", "STATE", "PID", "REASON")
	for _, unit := range payload.Units {
		pid := "-"
		if unit.Pid > 0 {
			pid = fmt.Sprintf("%d", unit.Pid)
		}
		fmt.Printf("%-16s %-12s %-8s %s\n", unit.Name, unit.State, pid, unit.Reason)
	}

	if len(payload.Failures) > 0 {
		fmt.Println()
		fmt.Println("Failures:")
		for _, failure := range payload.Failures {
			fmt.Printf("  - %s\n", failure)
		}
	}
	return nil
}

func showUnit(client *http.Client, opts flagOptions) error {
	var status supervisor.UnitStatus
	raw, err := fetch(client, opts.Address+"/status/"+opts.Unit, &status)
	if err != nil {
		return err
	}

	if opts.JSON {
		fmt.Println(string(raw))
		return nil
	}

	fmt.Printf("Unit:         %s\n", status.Name)
	fmt.Printf("State:        %s (since %s)\n", status.State, status.EnteredAt.Format(time.RFC3339))
	fmt.Printf("Reason:       %s\n", status.Reason)
	fmt.Printf("Restart:      %s\n", status.Restart)
	fmt.Printf("Ever healthy: %v\n", status.EverHealthy)
	if status.Pid > 0 {
		fmt.Printf("PID:          %d\n", status.Pid)
	}
	if len(status.Requires) > 0 {
		fmt.Printf("Requires:     %v\n", status.Requires)
	}
	if status.Health != nil {
		fmt.Printf("Health:       %s, consecutive failures: %d, last check: %s\n",
			status.Health.Status, status.Health.ConsecutiveFailures, status.Health.LastCheck.Format(time.RFC3339))
		if status.Health.Message != "" {
			fmt.Printf("Message:      %s\n", status.Health.Message)
		}
	}
	if len(status.History) > 0 {
		fmt.Println("History:")
		for _, event := range status.History {
			fmt.Printf("  %s  %s -> %s  %s\n", event.At.Format(time.RFC3339), event.From, event.To, event.Reason)
		}
	}
	return nil
}
