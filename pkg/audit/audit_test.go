package audit_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/audit"
	"github.com/Mindburn-Labs/conveyor/pkg/auth"
	"github.com/Mindburn-Labs/conveyor/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_Record_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	err := logger.Record(context.Background(), audit.EventResource, "pause", "resource:arxiv", nil)
	require.NoError(t, err)

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(output, "AUDIT: "))), &event))
	assert.Equal(t, audit.EventResource, event.Type)
	assert.Equal(t, "pause", event.Action)
	assert.Equal(t, "resource:arxiv", event.Resource)
	assert.Equal(t, "system", event.ActorID)
	assert.Len(t, event.ID, 36)
}

func TestLogger_Record_ActorFromPrincipal(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)
	ctx := auth.WithPrincipal(context.Background(), &auth.BasePrincipal{ID: "alice", Roles: []string{auth.RoleOperator}})

	meta := map[string]any{"reason": "source retired"}
	require.NoError(t, logger.Record(ctx, audit.EventTriage, "skip", "task:t-1", meta))

	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(buf.String(), "AUDIT: "))), &event))
	assert.Equal(t, "alice", event.ActorID)
	assert.Equal(t, "source retired", event.Metadata["reason"])
}

func newStoreLogger(t *testing.T) *audit.StoreLogger {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	l := audit.NewStoreLogger(db)
	require.NoError(t, l.Migrate(ctx))
	require.NoError(t, l.Migrate(ctx), "migrate is idempotent")
	return l
}

func TestStoreLogger_RecordAndList(t *testing.T) {
	l := newStoreLogger(t)
	ctx := auth.WithPrincipal(context.Background(), &auth.BasePrincipal{ID: "alice"})

	require.NoError(t, l.Record(ctx, audit.EventTriage, "retry", "task:t-1", map[string]any{"attempts": 3}))
	require.NoError(t, l.Record(ctx, audit.EventTriage, "skip", "task:t-2", nil))
	require.NoError(t, l.Record(context.Background(), audit.EventResource, "reset", "resource:arxiv", nil))

	all, err := l.List(context.Background(), audit.Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	one, err := l.List(context.Background(), audit.Query{Resource: "task:t-1"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "alice", one[0].ActorID)
	assert.Equal(t, "retry", one[0].Action)
	assert.EqualValues(t, 3, one[0].Metadata["attempts"])

	limited, err := l.List(context.Background(), audit.Query{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	future, err := l.List(context.Background(), audit.Query{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, future)
}

func TestStoreLogger_FailClosedWithoutDB(t *testing.T) {
	l := audit.NewStoreLogger(nil)
	err := l.Record(context.Background(), audit.EventTriage, "retry", "task:x", nil)
	assert.ErrorIs(t, err, audit.ErrStoreNotConfigured)
}

func TestExporter_GeneratePack(t *testing.T) {
	l := newStoreLogger(t)
	require.NoError(t, l.Record(context.Background(), audit.EventTriage, "retry", "task:t-1", nil))

	pack, checksum, err := audit.NewExporter(l).GeneratePack(context.Background(), audit.ExportRequest{
		StartTime: time.Now().Add(-time.Hour),
		EndTime:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Len(t, checksum, 64)

	zr, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	require.NoError(t, err)
	files := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		files[f.Name] = body
	}
	require.Contains(t, files, "events.json")
	require.Contains(t, files, "manifest.json")

	var events []audit.Event
	require.NoError(t, json.Unmarshal(files["events.json"], &events))
	require.Len(t, events, 1)
	assert.Equal(t, "task:t-1", events[0].Resource)
}

func TestExporter_InvalidTimeRange(t *testing.T) {
	_, _, err := audit.NewExporter(audit.NewStoreLogger(nil)).GeneratePack(context.Background(), audit.ExportRequest{
		StartTime: time.Now(),
		EndTime:   time.Now().Add(-time.Hour),
	})
	assert.ErrorIs(t, err, audit.ErrInvalidTimeRange)
}

func TestExporter_FailClosedWithoutStore(t *testing.T) {
	_, _, err := audit.NewExporter(nil).GeneratePack(context.Background(), audit.ExportRequest{})
	assert.ErrorIs(t, err, audit.ErrStoreNotConfigured)
}
