package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/admin"
	"github.com/Mindburn-Labs/conveyor/pkg/client"
	"github.com/Mindburn-Labs/conveyor/pkg/store"
	"github.com/Mindburn-Labs/conveyor/pkg/task"
	"github.com/Mindburn-Labs/conveyor/pkg/triage"
)

// remote holds the flags every operator command shares.
type remote struct {
	url     string
	token   string
	timeout time.Duration
	json    bool
}

func remoteFlags(fs *flag.FlagSet) *remote {
	r := &remote{}
	url := os.Getenv("CONVEYOR_URL")
	if url == "" {
		url = "http://localhost:8080"
	}
	fs.StringVar(&r.url, "url", url, "Admin API base URL (CONVEYOR_URL)")
	fs.StringVar(&r.token, "token", os.Getenv("CONVEYOR_TOKEN"), "Bearer token (CONVEYOR_TOKEN)")
	fs.DurationVar(&r.timeout, "timeout", 30*time.Second, "Request timeout")
	fs.BoolVar(&r.json, "json", false, "Output as JSON")
	return r
}

func (r *remote) client() *client.Client {
	return client.New(r.url, client.WithToken(r.token), client.WithTimeout(r.timeout))
}

func (r *remote) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func writeJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}

// fail reports a runtime or API failure. Missing resources get a hint
// since ids are easy to mistype.
func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	if client.IsNotFound(err) {
		_, _ = fmt.Fprintln(stderr, "Check the id with 'conveyor dlq list' or 'conveyor stuck'.")
	}
	return 1
}

func usage(stderr io.Writer, msg string) int {
	_, _ = fmt.Fprintf(stderr, "Usage: %s\n", msg)
	return 2
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("health", stderr)
	r := remoteFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx, cancel := r.context()
	defer cancel()
	if err := r.client().Health(ctx); err != nil {
		return fail(stderr, err)
	}
	_, _ = fmt.Fprintf(stdout, "%s is healthy\n", r.url)
	return 0
}

func runEnqueueCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("enqueue", stderr)
	r := remoteFlags(fs)
	var (
		n              task.NewTask
		payload        string
		delay          time.Duration
		idempotencyKey string
	)
	fs.StringVar(&n.Type, "type", "", "Task type (REQUIRED)")
	fs.StringVar(&n.ResourceKey, "resource", "", "Resource key (REQUIRED)")
	fs.StringVar(&n.Domain, "domain", "", "Domain behind the resource")
	fs.StringVar(&payload, "payload", "{}", "JSON payload, or @file to read it from a file")
	fs.IntVar(&n.MaxAttempts, "max-attempts", 0, "Attempt budget (default 3)")
	fs.DurationVar(&delay, "delay", 0, "Delay before the task becomes due")
	fs.StringVar(&n.DedupeKey, "dedupe", "", "Dedupe key; a live task with the same key is reused")
	fs.StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency-Key header for safe resubmission")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if n.Type == "" || n.ResourceKey == "" {
		return usage(stderr, "conveyor enqueue --type <type> --resource <key> [--payload <json|@file>]")
	}
	raw, err := readPayload(payload)
	if err != nil {
		return fail(stderr, err)
	}
	n.Payload = raw
	if delay > 0 {
		n.ScheduledAt = time.Now().Add(delay)
	}

	ctx, cancel := r.context()
	defer cancel()
	id, err := r.client().Enqueue(ctx, n, idempotencyKey)
	if err != nil {
		return fail(stderr, err)
	}
	if r.json {
		writeJSON(stdout, admin.EnqueueResponse{ID: id})
		return 0
	}
	_, _ = fmt.Fprintln(stdout, id)
	return 0
}

func readPayload(s string) (json.RawMessage, error) {
	if strings.HasPrefix(s, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(s, "@"))
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		s = string(data)
	}
	if !json.Valid([]byte(s)) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(s), nil
}

func runTaskCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("task", stderr)
	r := remoteFlags(fs)
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 2
	}
	if len(pos) != 1 {
		return usage(stderr, "conveyor task <id>")
	}
	ctx, cancel := r.context()
	defer cancel()
	view, err := r.client().GetTask(ctx, pos[0])
	if err != nil {
		return fail(stderr, err)
	}
	writeJSON(stdout, view)
	return 0
}

func runCancelCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("cancel", stderr)
	r := remoteFlags(fs)
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 2
	}
	if len(pos) != 1 {
		return usage(stderr, "conveyor cancel <id>")
	}
	ctx, cancel := r.context()
	defer cancel()
	if err := r.client().Cancel(ctx, pos[0]); err != nil {
		return fail(stderr, err)
	}
	_, _ = fmt.Fprintf(stdout, "Cancelled %s\n", pos[0])
	return 0
}

func runDLQCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "list" {
		return usage(stderr, "conveyor dlq list [--type <type>] [--resource <key>] [--limit n] [--offset n]")
	}
	fs := newFlagSet("dlq list", stderr)
	r := remoteFlags(fs)
	var f store.Filter
	fs.StringVar(&f.Type, "type", "", "Filter by task type")
	fs.StringVar(&f.ResourceKey, "resource", "", "Filter by resource key")
	fs.IntVar(&f.Limit, "limit", store.DefaultListLimit, "Page size")
	fs.IntVar(&f.Offset, "offset", 0, "Page offset")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	ctx, cancel := r.context()
	defer cancel()
	list, err := r.client().ListDeadLetter(ctx, f)
	if err != nil {
		return fail(stderr, err)
	}
	if r.json {
		writeJSON(stdout, list)
		return 0
	}
	printTasks(stdout, list.Tasks)
	return 0
}

func printTasks(w io.Writer, tasks []*task.Task) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTYPE\tRESOURCE\tSTATUS\tATTEMPTS\tUPDATED\tLAST ERROR")
	for _, t := range tasks {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			t.ID, t.Type, t.ResourceKey, t.Status, t.Attempts, t.MaxAttempts,
			t.UpdatedAt.Format(time.RFC3339), oneLine(t.LastError, 60))
	}
	_ = tw.Flush()
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func runTriageCmd(args []string, stdout, stderr io.Writer) int {
	const help = "conveyor triage <id> retry|update-payload|skip [--payload <json|@file>] [--reason <text>]"
	fs := newFlagSet("triage", stderr)
	r := remoteFlags(fs)
	var payload, reason string
	fs.StringVar(&payload, "payload", "", "Replacement payload for update-payload")
	fs.StringVar(&reason, "reason", "", "Reason, required for skip")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 2
	}
	if len(pos) != 2 {
		return usage(stderr, help)
	}

	req := admin.TriageRequest{Reason: reason}
	switch pos[1] {
	case "retry":
		req.Action = admin.TriageRetry
	case "update-payload":
		req.Action = admin.TriageUpdatePayload
		if payload == "" {
			return usage(stderr, help)
		}
		if req.Payload, err = readPayload(payload); err != nil {
			return fail(stderr, err)
		}
	case "skip":
		req.Action = admin.TriageSkip
	default:
		return usage(stderr, help)
	}

	ctx, cancel := r.context()
	defer cancel()
	t, err := r.client().Triage(ctx, pos[0], req)
	if err != nil {
		return fail(stderr, err)
	}
	if r.json {
		writeJSON(stdout, t)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "%s is now %s\n", t.ID, t.Status)
	return 0
}

func runRetryMatchingCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("retry-matching", stderr)
	r := remoteFlags(fs)
	var req triage.MatchRequest
	fs.StringVar(&req.Type, "type", "", "Task type")
	fs.StringVar(&req.ResourceKey, "resource", "", "Resource key")
	fs.StringVar(&req.Expr, "expr", "", `CEL filter over task, e.g. 'task.last_error.contains("timeout")'`)
	fs.IntVar(&req.Limit, "limit", 0, "Maximum tasks to consider")
	fs.BoolVar(&req.DryRun, "dry-run", false, "Report matches without retrying")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := r.context()
	defer cancel()
	res, err := r.client().RetryMatching(ctx, req)
	if err != nil {
		return fail(stderr, err)
	}
	if r.json {
		writeJSON(stdout, res)
		return 0
	}
	verb, n := "retried", len(res.Retried)
	if req.DryRun {
		verb, n = "would retry", len(res.Matched)
	}
	_, _ = fmt.Fprintf(stdout, "Matched %d, %s %d, failed %d\n",
		len(res.Matched), verb, n, len(res.Failed))
	for id, msg := range res.Failed {
		_, _ = fmt.Fprintf(stdout, "  %s: %s\n", id, msg)
	}
	return 0
}

func runStuckCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("stuck", stderr)
	r := remoteFlags(fs)
	var threshold time.Duration
	fs.DurationVar(&threshold, "threshold", 0, "Stuck threshold (server default when zero)")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 2
	}

	ctx, cancel := r.context()
	defer cancel()
	c := r.client()
	switch {
	case len(pos) == 0:
		tasks, err := c.ListStuck(ctx, threshold)
		if err != nil {
			return fail(stderr, err)
		}
		if r.json {
			writeJSON(stdout, tasks)
			return 0
		}
		printTasks(stdout, tasks)
		return 0
	case len(pos) == 2 && pos[0] == "recover":
		res, err := c.RecoverStuck(ctx, pos[1], threshold)
		if err != nil {
			return fail(stderr, err)
		}
		if r.json {
			writeJSON(stdout, res)
			return 0
		}
		_, _ = fmt.Fprintf(stdout, "%s is now %s (attempt %d)\n", pos[1], res.Status, res.Attempts)
		return 0
	default:
		return usage(stderr, "conveyor stuck [recover <id>] [--threshold 5m]")
	}
}

func runResourcesCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("resources", stderr)
	r := remoteFlags(fs)
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 2
	}

	ctx, cancel := r.context()
	defer cancel()
	c := r.client()
	switch len(pos) {
	case 0:
		snaps, err := c.ListResources(ctx)
		if err != nil {
			return fail(stderr, err)
		}
		if r.json {
			writeJSON(stdout, snaps)
			return 0
		}
		tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "RESOURCE\tSTATE\tPAUSED\tFAILURES")
		for _, s := range snaps {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%t\t%d\n", s.Key, s.State, s.Paused, s.Failures)
		}
		_ = tw.Flush()
		return 0
	case 1:
		view, err := c.GetResource(ctx, pos[0])
		if err != nil {
			return fail(stderr, err)
		}
		writeJSON(stdout, view)
		return 0
	case 2:
		switch pos[1] {
		case "pause", "resume", "reset":
		default:
			return usage(stderr, "conveyor resources [key] [pause|resume|reset]")
		}
		view, err := c.ResourceAction(ctx, pos[0], pos[1])
		if err != nil {
			return fail(stderr, err)
		}
		if r.json {
			writeJSON(stdout, view)
			return 0
		}
		_, _ = fmt.Fprintf(stdout, "%s: circuit %s, paused=%t\n", view.Key, view.Circuit.State, view.Circuit.Paused)
		return 0
	default:
		return usage(stderr, "conveyor resources [key] [pause|resume|reset]")
	}
}

func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("audit", stderr)
	r := remoteFlags(fs)
	var (
		resource string
		since    time.Duration
		limit    int
	)
	fs.StringVar(&resource, "resource", "", "Filter by task id or resource key")
	fs.DurationVar(&since, "since", 24*time.Hour, "Look back this far")
	fs.IntVar(&limit, "limit", 100, "Maximum events")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := r.context()
	defer cancel()
	events, err := r.client().ListAudit(ctx, resource, time.Now().Add(-since), limit)
	if err != nil {
		return fail(stderr, err)
	}
	writeJSON(stdout, events)
	return 0
}
