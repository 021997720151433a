// Package main is the companion CLI for the subagent tracker daemon.
// It talks to the daemon's HTTP API: listing and deciding approvals and
// querying session summaries.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"
)

// Exit codes are part of the CLI contract: scripts gate on them.
const (
	exitOK        = 0
	exitUsage     = 1
	exitTransport = 2
	exitDenied    = 3
)

const defaultAddr = "http://127.0.0.1:8343"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	addr := os.Getenv("SUBAGENT_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	cli := &client{addr: addr, http: &http.Client{Timeout: 30 * time.Second}}

	switch args[0] {
	case "approvals":
		return runApprovals(cli, args[1:])
	case "status":
		return runStatus(cli, args[1:])
	case "help", "-h", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: subagentctl <command> [args]

Commands:
  approvals list [-status required|granted|denied|expired]
  approvals approve <id> [-actor NAME] [-reason TEXT]
  approvals deny <id> [-actor NAME] [-reason TEXT]
  status [session-id]

The daemon address is taken from SUBAGENT_ADDR (default `+defaultAddr+`).
`)
}

func runApprovals(cli *client, args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}
	switch args[0] {
	case "list":
		return listApprovals(cli, args[1:])
	case "approve":
		return decideApproval(cli, args[1:], "granted")
	case "deny":
		return decideApproval(cli, args[1:], "denied")
	default:
		fmt.Fprintf(os.Stderr, "unknown approvals subcommand %q\n", args[0])
		return exitUsage
	}
}

// approvalRow mirrors the daemon's approval JSON.
type approvalRow struct {
	ApprovalID  string    `json:"approval_id"`
	CreatedAt   time.Time `json:"created_at"`
	Actor       string    `json:"actor"`
	Tool        string    `json:"tool"`
	Operation   string    `json:"operation"`
	Target      string    `json:"target"`
	RiskScore   float64   `json:"risk_score"`
	RiskReasons []string  `json:"risk_reasons"`
	Status      string    `json:"status"`
	DecidedBy   string    `json:"decided_by,omitempty"`
}

func listApprovals(cli *client, args []string) int {
	fs := flag.NewFlagSet("approvals list", flag.ContinueOnError)
	status := fs.String("status", "required", "filter by status, empty for all")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	var resp struct {
		Approvals []approvalRow `json:"approvals"`
	}
	path := "/api/approvals"
	if *status != "" {
		path += "?status=" + *status
	}
	if code := cli.get(path, &resp); code != exitOK {
		return code
	}

	if len(resp.Approvals) == 0 {
		fmt.Println("no approvals")
		return exitOK
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tRISK\tTOOL\tOPERATION\tTARGET\tAGE")
	now := time.Now()
	for _, a := range resp.Approvals {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%s\t%s\t%s\n",
			a.ApprovalID, a.Status, a.RiskScore, a.Tool, a.Operation, a.Target,
			now.Sub(a.CreatedAt).Round(time.Second))
	}
	_ = w.Flush()
	return exitOK
}

func decideApproval(cli *client, args []string, status string) int {
	if len(args) == 0 || args[0] == "" || args[0][0] == '-' {
		fmt.Fprintln(os.Stderr, "approval id is required")
		return exitUsage
	}
	id := args[0]

	fs := flag.NewFlagSet("approvals decide", flag.ContinueOnError)
	actor := fs.String("actor", "operator", "who is deciding")
	reason := fs.String("reason", "", "free-form decision reason")
	if err := fs.Parse(args[1:]); err != nil {
		return exitUsage
	}

	body := map[string]string{"status": status, "actor": *actor, "reason": *reason}
	code := cli.post("/api/approvals/"+id+"/decision", body)
	if code != exitOK {
		return code
	}
	fmt.Printf("%s %s\n", id, status)
	if status == "denied" {
		return exitDenied
	}
	return exitOK
}

func runStatus(cli *client, args []string) int {
	sessionID := "current"
	if len(args) > 0 {
		sessionID = args[0]
	}

	var summary struct {
		SessionID      string     `json:"session_id"`
		StartedAt      time.Time  `json:"started_at"`
		EndedAt        *time.Time `json:"ended_at"`
		TotalTokens    int64      `json:"total_tokens"`
		ExitStatus     string     `json:"exit_status"`
		EventCount     int        `json:"event_count"`
		AgentCount     int        `json:"agent_count"`
		ToolCount      int        `json:"tool_count"`
		ErrorCount     int        `json:"error_count"`
		TasksTotal     int        `json:"tasks_total"`
		TasksCompleted int        `json:"tasks_completed"`
	}
	if code := cli.get("/api/sessions/"+sessionID+"/summary", &summary); code != exitOK {
		return code
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "session\t%s\n", summary.SessionID)
	fmt.Fprintf(w, "started\t%s\n", summary.StartedAt.Format(time.RFC3339))
	if summary.EndedAt != nil {
		fmt.Fprintf(w, "ended\t%s (%s)\n", summary.EndedAt.Format(time.RFC3339), summary.ExitStatus)
	} else {
		fmt.Fprintf(w, "ended\trunning\n")
	}
	fmt.Fprintf(w, "events\t%d\n", summary.EventCount)
	fmt.Fprintf(w, "agents\t%d\n", summary.AgentCount)
	fmt.Fprintf(w, "tools\t%d\n", summary.ToolCount)
	fmt.Fprintf(w, "errors\t%d\n", summary.ErrorCount)
	fmt.Fprintf(w, "tasks\t%d/%d completed\n", summary.TasksCompleted, summary.TasksTotal)
	fmt.Fprintf(w, "tokens\t%d\n", summary.TotalTokens)
	_ = w.Flush()
	return exitOK
}

// client is a thin JSON HTTP client for the daemon API.
type client struct {
	addr string
	http *http.Client
}

func (c *client) get(path string, out any) int {
	resp, err := c.http.Get(c.addr + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		return exitTransport
	}
	defer func() { _ = resp.Body.Close() }()
	return c.decode(resp, out)
}

func (c *client) post(path string, body any) int {
	data, err := json.Marshal(body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode request: %v\n", err)
		return exitUsage
	}
	resp, err := c.http.Post(c.addr+path, "application/json", bytes.NewReader(data))
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		return exitTransport
	}
	defer func() { _ = resp.Body.Close() }()
	return c.decode(resp, nil)
}

func (c *client) decode(resp *http.Response, out any) int {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read response: %v\n", err)
		return exitTransport
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			fmt.Fprintf(os.Stderr, "%s (HTTP %d)\n", apiErr.Error, resp.StatusCode)
		} else {
			fmt.Fprintf(os.Stderr, "HTTP %d\n", resp.StatusCode)
		}
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
			return exitUsage
		}
		return exitTransport
	}
	if out == nil {
		return exitOK
	}
	if err := json.Unmarshal(data, out); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		return exitTransport
	}
	return exitOK
}
