package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/audit"
	"github.com/Mindburn-Labs/conveyor/pkg/store"
	"github.com/Mindburn-Labs/conveyor/pkg/task"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// seed creates n completed tasks, one cancelled and one still pending.
func seed(t *testing.T, n int) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore(store.WithClock(func() time.Time { return t0 }))
	for i := 0; i < n; i++ {
		_, err := st.Enqueue(ctx, task.NewTask{Type: "fetch", ResourceKey: "arxiv"})
		require.NoError(t, err)
		claimed, err := st.ClaimNext(ctx, "w1", nil)
		require.NoError(t, err)
		require.NoError(t, st.Complete(ctx, claimed.Lease(), json.RawMessage(`{"ok":true}`)))
	}
	id, err := st.Enqueue(ctx, task.NewTask{Type: "fetch", ResourceKey: "openalex"})
	require.NoError(t, err)
	require.NoError(t, st.Cancel(ctx, id))
	_, err = st.Enqueue(ctx, task.NewTask{Type: "fetch", ResourceKey: "openalex", ScheduledAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	return st
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(b)), "\n")
}

func TestExporter_Run_FileSink(t *testing.T) {
	st := seed(t, 7)
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	exp := NewExporter(st, sink, WithClock(func() time.Time { return t0.Add(2 * time.Hour) }))
	res, err := exp.Run(context.Background(), Request{Before: t0.Add(time.Minute), BatchSize: 3})
	require.NoError(t, err)

	assert.Equal(t, 8, res.Tasks, "7 completed plus 1 cancelled")
	assert.Equal(t, "20260301T120100Z", res.RunID)
	require.Len(t, res.Objects, 1)

	lines := readLines(t, filepath.Join(dir, res.RunID, "tasks.jsonl"))
	require.Len(t, lines, 8)
	seen := map[string]bool{}
	for _, line := range lines {
		var tk task.Task
		require.NoError(t, json.Unmarshal([]byte(line), &tk))
		assert.True(t, tk.Status.Terminal())
		assert.False(t, seen[tk.ID], "task exported twice")
		seen[tk.ID] = true
	}

	var manifest Result
	b, err := os.ReadFile(filepath.Join(dir, res.RunID, "manifest.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &manifest))
	assert.Equal(t, res.Objects, manifest.Objects)
	assert.Equal(t, 8, manifest.Tasks)
}

func TestExporter_Run_NothingBeforeCutoff(t *testing.T) {
	st := seed(t, 2)
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	res, err := NewExporter(st, sink).Run(context.Background(), Request{Before: t0.Add(-time.Hour)})
	require.NoError(t, err)
	assert.Zero(t, res.Tasks)
	assert.Zero(t, res.Objects[0].Bytes)
}

func TestExporter_Run_RequiresCutoff(t *testing.T) {
	_, err := NewExporter(store.NewMemoryStore(), &memSink{}).Run(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoCutoff)
}

type fakeAudit struct{ events []audit.Event }

func (f fakeAudit) List(_ context.Context, q audit.Query) ([]audit.Event, error) {
	var out []audit.Event
	for _, e := range f.events {
		if q.Until.IsZero() || !e.Timestamp.After(q.Until) {
			out = append(out, e)
		}
	}
	return out, nil
}

type memSink struct {
	objects map[string][]byte
	err     error
}

func (m *memSink) Put(_ context.Context, name string, data []byte, _ string) error {
	if m.err != nil {
		return m.err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[name] = append([]byte(nil), data...)
	return nil
}

func (m *memSink) Close() error { return nil }

func TestExporter_Run_WithAudit(t *testing.T) {
	st := seed(t, 1)
	events := fakeAudit{events: []audit.Event{
		{ID: "e1", Action: "retry", Resource: "task:a", Timestamp: t0},
		{ID: "e2", Action: "skip", Resource: "task:b", Timestamp: t0.Add(time.Hour)},
	}}
	sink := &memSink{}

	res, err := NewExporter(st, sink, WithAudit(events)).Run(context.Background(), Request{Before: t0.Add(time.Minute), Audit: true})
	require.NoError(t, err)
	require.Len(t, res.Objects, 2)

	pack := sink.objects[res.RunID+"/audit.zip"]
	zr, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	require.NoError(t, err)
	var got []audit.Event
	for _, f := range zr.File {
		if f.Name != "events.json" {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		require.NoError(t, json.Unmarshal(b, &got))
	}
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].ID)
	assert.Contains(t, sink.objects, res.RunID+"/manifest.json")
}

func TestExporter_Run_AuditNotConfigured(t *testing.T) {
	_, err := NewExporter(store.NewMemoryStore(), &memSink{}).Run(context.Background(), Request{Before: t0, Audit: true})
	assert.ErrorIs(t, err, audit.ErrStoreNotConfigured)
}

func TestExporter_Run_SinkError(t *testing.T) {
	st := seed(t, 1)
	_, err := NewExporter(st, &memSink{err: errors.New("disk full")}).Run(context.Background(), Request{Before: t0.Add(time.Minute)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, b)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink_Put(t *testing.T) {
	api := &fakeS3{}
	sink := &S3Sink{client: api, bucket: "conveyor-archive", prefix: "prod/"}

	require.NoError(t, sink.Put(context.Background(), "run/tasks.jsonl", []byte("{}\n"), "application/x-ndjson"))
	require.Len(t, api.inputs, 1)
	assert.Equal(t, "conveyor-archive", *api.inputs[0].Bucket)
	assert.Equal(t, "prod/run/tasks.jsonl", *api.inputs[0].Key)
	assert.Equal(t, "application/x-ndjson", *api.inputs[0].ContentType)
	assert.Equal(t, "{}\n", string(api.bodies[0]))
}

func TestFileSink_StaysInsideDir(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	require.NoError(t, sink.Put(context.Background(), "../../escape.txt", []byte("x"), ""))
	_, err = os.Stat(filepath.Join(dir, "escape.txt"))
	assert.NoError(t, err)
}

func TestOpenSink(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenSink(context.Background(), dir)
	require.NoError(t, err)
	assert.IsType(t, &FileSink{}, s)

	s, err = OpenSink(context.Background(), "file://"+dir)
	require.NoError(t, err)
	assert.IsType(t, &FileSink{}, s)

	_, err = OpenSink(context.Background(), "ftp://host/dir")
	assert.Error(t, err)
	_, err = OpenSink(context.Background(), "s3:///no-bucket")
	assert.Error(t, err)
	_, err = OpenSink(context.Background(), "")
	assert.Error(t, err)
}
