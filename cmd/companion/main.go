// Command companion is the companion CLI client.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GoCodeAlone/companion/internal/version"
	"github.com/GoCodeAlone/companion/server/api"
	"github.com/GoCodeAlone/companion/task"
	"github.com/GoCodeAlone/companion/update"
)

const defaultServer = "http://127.0.0.1:8080"

func main() {
	serverURL := flag.String("server", envOr("COMPANION_SERVER", defaultServer), "companion server URL")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Out:        os.Stdout,
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		err = cmdVersion(rest)
	case "status":
		err = cli.cmdStatus(rest)
	case "tasks":
		err = cli.cmdTasks(rest)
	case "stats":
		err = cli.cmdStats(rest)
	case "task":
		err = cli.cmdTask(rest)
	case "watch":
		err = cli.cmdWatch(rest)
	case "self-update":
		err = cmdSelfUpdate(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `companion - Companion CLI

Usage:
  companion [flags] <command> [args]

Flags:
  --server  <url>    server URL (default: http://127.0.0.1:8080, or $COMPANION_SERVER)

Commands:
  version                                   print version
  status                                    show server status
  tasks                                     list tasks
  stats                                     show task counts by status
  task get <id>                             show one task
  task submit <name> <description> [flags]  submit a task (--type, --src, --dst)
  task cancel <id>                          cancel a task
  task rm <id>                              remove a task
  watch [id]                                stream task updates
  self-update                               download and install the latest release
`)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// --- version ---

func cmdVersion(_ []string) error {
	fmt.Printf("companion %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate)
	return nil
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Out        io.Writer
}

func (c *Client) do(method, path string, body io.Reader, v any) error {
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, serverError(b))
	}
	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// serverError extracts the "error" field of a JSON error body.
func serverError(b []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(b))
}

func (c *Client) get(path string, v any) error {
	return c.do(http.MethodGet, path, nil, v)
}

func (c *Client) post(path string, body io.Reader, v any) error {
	return c.do(http.MethodPost, path, body, v)
}

// --- status ---

func (c *Client) cmdStatus(_ []string) error {
	var result struct {
		Status        string `json:"status"`
		Version       string `json:"version"`
		Running       int    `json:"running"`
		Queued        int    `json:"queued"`
		WSConnections int    `json:"wsConnections"`
	}
	if err := c.get("/api/status", &result); err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "status:   %s\n", result.Status)
	fmt.Fprintf(c.Out, "version:  %s\n", result.Version)
	fmt.Fprintf(c.Out, "running:  %d\n", result.Running)
	fmt.Fprintf(c.Out, "queued:   %d\n", result.Queued)
	fmt.Fprintf(c.Out, "sessions: %d\n", result.WSConnections)
	return nil
}

// --- tasks ---

func (c *Client) cmdTasks(_ []string) error {
	var result struct {
		Tasks []task.View `json:"tasks"`
	}
	if err := c.get("/api/tasks", &result); err != nil {
		return err
	}
	if len(result.Tasks) == 0 {
		fmt.Fprintln(c.Out, "no tasks")
		return nil
	}
	fmt.Fprintf(c.Out, "%-28s %-24s %-10s %6s\n", "ID", "NAME", "STATUS", "PCT")
	fmt.Fprintln(c.Out, strings.Repeat("-", 71))
	for _, t := range result.Tasks {
		fmt.Fprintf(c.Out, "%-28s %-24s %-10s %5.0f%%\n",
			t.ID, truncate(t.Name, 23), t.Status, t.Progress)
	}
	return nil
}

func (c *Client) cmdStats(_ []string) error {
	var s task.Stats
	if err := c.get("/api/tasks/stats", &s); err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "total:     %d\n", s.Total)
	fmt.Fprintf(c.Out, "pending:   %d\n", s.Pending)
	fmt.Fprintf(c.Out, "running:   %d\n", s.Running)
	fmt.Fprintf(c.Out, "completed: %d\n", s.Completed)
	fmt.Fprintf(c.Out, "failed:    %d\n", s.Failed)
	fmt.Fprintf(c.Out, "cancelled: %d\n", s.Cancelled)
	return nil
}

// --- task subcommands ---

func (c *Client) cmdTask(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: companion task <get|submit|cancel|rm> ...")
	}
	sub := args[0]
	switch sub {
	case "get":
		var v task.View
		if err := c.get("/api/tasks/"+args[1], &v); err != nil {
			return err
		}
		printView(c.Out, v)
	case "submit":
		return c.cmdSubmit(args[1:])
	case "cancel":
		var r struct {
			Cancelled bool `json:"cancelled"`
		}
		if err := c.post("/api/tasks/"+args[1]+"/cancel", nil, &r); err != nil {
			return err
		}
		if !r.Cancelled {
			return fmt.Errorf("task %s was not cancelled", args[1])
		}
		fmt.Fprintf(c.Out, "task %s cancelled\n", args[1])
	case "rm":
		var r struct {
			Removed bool `json:"removed"`
		}
		if err := c.do(http.MethodDelete, "/api/tasks/"+args[1], nil, &r); err != nil {
			return err
		}
		if !r.Removed {
			return fmt.Errorf("task %s not found", args[1])
		}
		fmt.Fprintf(c.Out, "task %s removed\n", args[1])
	default:
		return fmt.Errorf("unknown task subcommand: %s", sub)
	}
	return nil
}

func (c *Client) cmdSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	kind := fs.String("type", "", "task type: simple, file-copy, file-move, update-download")
	src := fs.String("src", "", "source path for file tasks")
	dst := fs.String("dst", "", "destination path for file tasks")
	if len(args) < 2 {
		return errors.New("usage: companion task submit <name> <description> [--type t] [--src p] [--dst p]")
	}
	if err := fs.Parse(args[2:]); err != nil {
		return err
	}

	body, err := json.Marshal(api.SubmitRequest{
		Name:        args[0],
		Description: args[1],
		Type:        *kind,
		Source:      *src,
		Destination: *dst,
	})
	if err != nil {
		return err
	}
	var resp api.SubmitResponse
	if err := c.post("/api/tasks/submit", strings.NewReader(string(body)), &resp); err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "submitted task %s\n", resp.TaskID)
	return nil
}

func printView(w io.Writer, v task.View) {
	fmt.Fprintf(w, "id:          %s\n", v.ID)
	fmt.Fprintf(w, "name:        %s\n", v.Name)
	fmt.Fprintf(w, "description: %s\n", v.Description)
	fmt.Fprintf(w, "status:      %s\n", v.Status)
	fmt.Fprintf(w, "progress:    %.0f%%\n", v.Progress)
	if v.Result != "" {
		fmt.Fprintf(w, "result:      %s\n", v.Result)
	}
	if v.Error != "" {
		fmt.Fprintf(w, "error:       %s\n", v.Error)
	}
}

// --- watch ---

// cmdWatch streams task-update frames until interrupted, or until the
// named task reaches a terminal state.
func (c *Client) cmdWatch(args []string) error {
	var only string
	if len(args) > 0 {
		only = args[0]
	}

	url := "ws" + strings.TrimPrefix(c.BaseURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer conn.Close() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		var f task.UpdateFrame
		if err := json.Unmarshal(raw, &f); err != nil || f.Type != task.FrameTypeTaskUpdate {
			continue
		}
		if only != "" && f.Data.ID != only {
			continue
		}
		fmt.Fprintf(c.Out, "%s %-28s %-10s %5.0f%% %s\n",
			time.UnixMilli(f.Timestamp).Format("15:04:05.000"),
			f.Data.ID, f.Data.Status, f.Data.Progress, f.Data.Result+f.Data.Error)
		if only != "" && f.Data.Status.Terminal() {
			return nil
		}
	}
}

// --- self-update ---

func cmdSelfUpdate(_ []string) error {
	u := update.New(update.Options{CurrentVersion: version.Version, MaxRetries: 3})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rel, err := u.Check(ctx)
	if err != nil {
		return err
	}
	if rel == nil {
		fmt.Printf("companion %s is up to date\n", version.Version)
		return nil
	}
	dir, err := os.MkdirTemp("", "companion-update-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	path, err := u.Download(ctx, rel, dir, func(p float64) {
		fmt.Printf("\rdownloading %s: %3.0f%%", rel.Version, p)
	})
	fmt.Println()
	if err != nil {
		return err
	}
	if err := u.Apply(path); err != nil {
		return err
	}
	fmt.Printf("updated to %s\n", rel.Version)
	return nil
}

// --- helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
