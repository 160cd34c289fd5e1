// Package archive exports terminal tasks, and optionally the audit trail,
// to a file, S3 or GCS sink. Export never deletes: pruning archived rows
// is left to the operator.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/audit"
	"github.com/Mindburn-Labs/conveyor/pkg/store"
	"github.com/Mindburn-Labs/conveyor/pkg/task"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize is the page size used when reading terminal tasks.
const DefaultBatchSize = 500

// ErrNoCutoff is returned when a run has no Before time.
var ErrNoCutoff = errors.New("archive: before is required")

// TaskSource is the read side of store.Store the exporter needs.
type TaskSource interface {
	ListTerminal(ctx context.Context, f store.ArchiveFilter) ([]*task.Task, error)
}

// Request selects what one run exports.
type Request struct {
	Before    time.Time
	BatchSize int
	// Audit adds an audit pack for events up to Before.
	Audit bool
}

// Object describes one written archive object.
type Object struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
}

// Result is the manifest of one run.
type Result struct {
	RunID       string    `json:"run_id"`
	Before      time.Time `json:"before"`
	GeneratedAt time.Time `json:"generated_at"`
	Tasks       int       `json:"tasks"`
	Objects     []Object  `json:"objects"`
}

// Exporter writes archive runs to a sink.
type Exporter struct {
	tasks TaskSource
	audit *audit.Exporter
	sink  Sink
	now   func() time.Time
	log   *slog.Logger
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithAudit enables audit packs, read through l.
func WithAudit(l audit.Lister) Option {
	return func(e *Exporter) { e.audit = audit.NewExporter(l) }
}

func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) { e.log = l }
}

func NewExporter(tasks TaskSource, sink Sink, opts ...Option) *Exporter {
	e := &Exporter{tasks: tasks, sink: sink, now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "archive")
	return e
}

// Run exports every terminal task last updated before req.Before as JSON
// lines, then writes manifest.json. Objects are written under a run
// directory named after the cutoff, so re-running the same cutoff
// overwrites rather than duplicates.
func (e *Exporter) Run(ctx context.Context, req Request) (Result, error) {
	if req.Before.IsZero() {
		return Result{}, ErrNoCutoff
	}
	if req.BatchSize <= 0 {
		req.BatchSize = DefaultBatchSize
	}
	req.BatchSize = min(req.BatchSize, store.MaxListLimit)
	if req.Audit && e.audit == nil {
		return Result{}, audit.ErrStoreNotConfigured
	}

	before := req.Before.UTC()
	res := Result{
		RunID:       before.Format("20060102T150405Z"),
		Before:      before,
		GeneratedAt: e.now().UTC(),
	}
	dir := res.RunID + "/"

	var (
		tasksBody []byte
		auditBody []byte
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		body, n, err := e.exportTasks(gctx, before, req.BatchSize)
		tasksBody, res.Tasks = body, n
		return err
	})
	if req.Audit {
		g.Go(func() error {
			body, _, err := e.audit.GeneratePack(gctx, audit.ExportRequest{EndTime: before})
			auditBody = body
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	obj, err := e.put(ctx, dir+"tasks.jsonl", tasksBody, "application/x-ndjson")
	if err != nil {
		return Result{}, err
	}
	res.Objects = append(res.Objects, obj)
	if req.Audit {
		obj, err := e.put(ctx, dir+"audit.zip", auditBody, "application/zip")
		if err != nil {
			return Result{}, err
		}
		res.Objects = append(res.Objects, obj)
	}

	manifest, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("archive: failed to marshal manifest: %w", err)
	}
	if _, err := e.put(ctx, dir+"manifest.json", manifest, "application/json"); err != nil {
		return Result{}, err
	}

	e.log.InfoContext(ctx, "archive run complete", "run_id", res.RunID, "tasks", res.Tasks, "objects", len(res.Objects))
	return res, nil
}

func (e *Exporter) exportTasks(ctx context.Context, before time.Time, batch int) ([]byte, int, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	total := 0
	for {
		page, err := e.tasks.ListTerminal(ctx, store.ArchiveFilter{Before: before, Limit: batch, Offset: total})
		if err != nil {
			return nil, 0, fmt.Errorf("archive: list terminal tasks: %w", err)
		}
		for _, t := range page {
			if err := enc.Encode(t); err != nil {
				return nil, 0, fmt.Errorf("archive: encode task %s: %w", t.ID, err)
			}
		}
		total += len(page)
		if len(page) < batch {
			return buf.Bytes(), total, nil
		}
	}
}

func (e *Exporter) put(ctx context.Context, name string, data []byte, contentType string) (Object, error) {
	if err := e.sink.Put(ctx, name, data, contentType); err != nil {
		return Object{}, fmt.Errorf("archive: write %s: %w", name, err)
	}
	sum := sha256.Sum256(data)
	return Object{Name: name, SHA256: hex.EncodeToString(sum[:]), Bytes: len(data)}, nil
}
