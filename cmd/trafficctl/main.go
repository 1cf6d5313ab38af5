// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command trafficctl is the unprivileged client for trafficctld (spec.md
// §6.3, C12): one subcommand per IPC handler, stdlib flag-based dispatch in
// the same style as the teacher's cmd/flywall-sim client mode.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"grimm.is/trafficctl/internal/ipc"
)

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	client := ipc.NewClient("cli")
	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "status", "ping":
		err = runPing(client)
	case "bootstrap":
		err = runSimple(client, "bootstrap", nil)
	case "teardown":
		err = runSimple(client, "teardown", nil)
	case "validate":
		err = runValidate(client, rest)
	case "apply":
		err = runApply(client, rest)
	case "rollback":
		err = runSimple(client, "rollback", nil)
	case "lkg":
		err = runLKG(client, rest)
	case "watch":
		err = runWatch(client, rest)
	case "logs":
		err = runLogs(client, rest)
	case "demo-block":
		err = runDemoBlock(client, rest)
	case "simulate":
		err = runSimulate(client, rest)
	case "block-rules":
		err = runSimple(client, "block-rules", nil)
	case "history":
		err = runHistory(client, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: trafficctl <command> [args]

commands:
  status | ping
  bootstrap
  teardown
  validate <file>
  apply <file>
  rollback
  lkg show|revert
  watch set [<file>]|status
  logs [--tail N | --since M]
  demo-block enable|disable|status
  block-rules
  history [list|get <id>|revert <id>]
  simulate --direction D --protocol P --remote-ip IP --remote-port N [--process PATH]`)
}

func runSimple(c *ipc.Client, reqType string, fields map[string]any) error {
	resp, err := c.Call(reqType, fields)
	if err != nil {
		return err
	}
	printJSON(resp)
	return nil
}

func runPing(c *ipc.Client) error {
	return runSimple(c, "ping", nil)
}

func runValidate(c *ipc.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: trafficctl validate <file>")
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	resp, err := c.Call("validate", map[string]any{"policyJson": string(raw)})
	if err != nil {
		return err
	}
	printJSON(resp)
	if valid, _ := resp["valid"].(bool); !valid {
		return fmt.Errorf("policy failed validation")
	}
	return nil
}

func runApply(c *ipc.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: trafficctl apply <file>")
	}
	abs, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	return runSimple(c, "apply", map[string]any{"policyPath": abs})
}

func runLKG(c *ipc.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: trafficctl lkg show|revert")
	}
	switch args[0] {
	case "show":
		return runSimple(c, "lkg-show", nil)
	case "revert":
		return runSimple(c, "lkg-revert", nil)
	default:
		return fmt.Errorf("usage: trafficctl lkg show|revert")
	}
}

func runWatch(c *ipc.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: trafficctl watch set [<file>]|status")
	}
	switch args[0] {
	case "set":
		var path string
		if len(args) > 1 {
			abs, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			path = abs
		}
		return runSimple(c, "watch-set", map[string]any{"path": path})
	case "status":
		return runSimple(c, "watch-status", nil)
	default:
		return fmt.Errorf("usage: trafficctl watch set [<file>]|status")
	}
}

func runLogs(c *ipc.Client, args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	tail := fs.Int("tail", 0, "return the last N audit entries")
	since := fs.Int("since", 0, "return audit entries from the last N minutes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return runSimple(c, "audit-logs", map[string]any{"tail": *tail, "since": *since})
}

func runDemoBlock(c *ipc.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: trafficctl demo-block enable|disable|status")
	}
	switch args[0] {
	case "enable":
		return runSimple(c, "demo-block-enable", nil)
	case "disable":
		return runSimple(c, "demo-block-disable", nil)
	case "status":
		return runSimple(c, "demo-block-status", nil)
	default:
		return fmt.Errorf("usage: trafficctl demo-block enable|disable|status")
	}
}

func runHistory(c *ipc.Client, args []string) error {
	if len(args) < 1 {
		return runSimple(c, "policy-history", nil)
	}
	switch args[0] {
	case "list":
		return runSimple(c, "policy-history", nil)
	case "get":
		if len(args) < 2 {
			return fmt.Errorf("usage: trafficctl history get <id>")
		}
		return runSimple(c, "policy-history-get", map[string]any{"id": args[1]})
	case "revert":
		if len(args) < 2 {
			return fmt.Errorf("usage: trafficctl history revert <id>")
		}
		return runSimple(c, "policy-history-revert", map[string]any{"id": args[1]})
	default:
		return fmt.Errorf("usage: trafficctl history [list|get <id>|revert <id>]")
	}
}

func runSimulate(c *ipc.Client, args []string) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	direction := fs.String("direction", "outbound", "inbound|outbound|both")
	protocol := fs.String("protocol", "tcp", "tcp|udp|any")
	remoteIP := fs.String("remote-ip", "", "remote IP address")
	remotePort := fs.Int("remote-port", 0, "remote port")
	localIP := fs.String("local-ip", "", "local IP address")
	localPort := fs.Int("local-port", 0, "local port")
	process := fs.String("process", "", "process path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return runSimple(c, "simulate", map[string]any{
		"direction":  *direction,
		"protocol":   *protocol,
		"remoteIp":   *remoteIP,
		"remotePort": *remotePort,
		"localIp":    *localIP,
		"localPort":  *localPort,
		"process":    *process,
	})
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
