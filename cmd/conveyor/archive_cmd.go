package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/archive"
	"github.com/Mindburn-Labs/conveyor/pkg/audit"
	"github.com/Mindburn-Labs/conveyor/pkg/auth"
	"github.com/Mindburn-Labs/conveyor/pkg/config"
	"github.com/Mindburn-Labs/conveyor/pkg/store"
)

// runArchiveCmd exports terminal tasks straight from the database.
//
// Exit codes:
//
//	0 = export written
//	1 = export failed
//	2 = usage or configuration error
func runArchiveCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("archive", stderr)
	var (
		before    string
		sinkURI   string
		batch     int
		withAudit bool
		jsonOut   bool
	)
	fs.StringVar(&before, "before", "", "Cutoff: RFC 3339 time or an age such as 720h (REQUIRED)")
	fs.StringVar(&sinkURI, "sink", "", "Destination: dir, file://dir, s3://bucket/prefix or gs://bucket/prefix (REQUIRED)")
	fs.IntVar(&batch, "batch", store.DefaultListLimit, "Tasks read per query")
	fs.BoolVar(&withAudit, "audit", true, "Include the audit trail for the archived window")
	fs.BoolVar(&jsonOut, "json", false, "Output the manifest as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if before == "" || sinkURI == "" {
		return usage(stderr, "conveyor archive --before <time|age> --sink <uri>")
	}
	cutoff, err := parseCutoff(before, time.Now())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = st.DB().Close() }()

	sink, err := archive.OpenSink(ctx, sinkURI)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = sink.Close() }()

	var opts []archive.Option
	if withAudit {
		opts = append(opts, archive.WithAudit(audit.NewStoreLogger(st.DB())))
	}
	res, err := archive.NewExporter(st, sink, opts...).Run(ctx, archive.Request{
		Before:    cutoff,
		BatchSize: batch,
		Audit:     withAudit,
	})
	if err != nil {
		return fail(stderr, err)
	}

	if jsonOut {
		writeJSON(stdout, res)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "Archived %d tasks finished before %s to %s/%s\n",
		res.Tasks, res.Before.Format(time.RFC3339), strings.TrimSuffix(sinkURI, "/"), res.RunID)
	for _, obj := range res.Objects {
		_, _ = fmt.Fprintf(stdout, "  %-14s %8d bytes  sha256:%s\n", obj.Name, obj.Bytes, obj.SHA256)
	}
	return 0
}

// parseCutoff accepts an absolute RFC 3339 time or an age relative to now.
func parseCutoff(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid --before %q: want RFC 3339 time or a positive age", s)
	}
	return now.Add(-d).UTC(), nil
}

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	var (
		secret  string
		subject string
		roles   string
		ttl     time.Duration
	)
	fs.StringVar(&secret, "secret", os.Getenv("ADMIN_JWT_SECRET"), "HS256 secret (ADMIN_JWT_SECRET)")
	fs.StringVar(&subject, "subject", "", "Token subject (REQUIRED)")
	fs.StringVar(&roles, "roles", auth.RoleOperator, "Comma-separated roles: admin, operator, viewer")
	fs.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if subject == "" || secret == "" {
		return usage(stderr, "conveyor token --subject <name> [--roles operator] [--ttl 24h] (needs ADMIN_JWT_SECRET or --secret)")
	}

	var roleList []string
	for _, r := range strings.Split(roles, ",") {
		switch r = strings.TrimSpace(r); r {
		case "":
		case auth.RoleAdmin, auth.RoleOperator, auth.RoleViewer:
			roleList = append(roleList, r)
		default:
			_, _ = fmt.Fprintf(stderr, "Error: unknown role %q\n", r)
			return 2
		}
	}
	token, err := auth.IssueToken(secret, subject, roleList, ttl)
	if err != nil {
		return fail(stderr, err)
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
