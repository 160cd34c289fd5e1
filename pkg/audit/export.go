package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTimeRange is returned when start time is after end time.
var ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")

// Lister is the read side of StoreLogger.
type Lister interface {
	List(ctx context.Context, q Query) ([]Event, error)
}

// ExportRequest defines what to export.
type ExportRequest struct {
	Resource  string    `json:"resource,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Exporter bundles audit events into a zip pack for archival.
type Exporter struct {
	events Lister
	now    func() time.Time
}

func NewExporter(events Lister) *Exporter {
	return &Exporter{events: events, now: time.Now}
}

// GeneratePack creates a zip file containing the events and a manifest, and
// returns it with the sha256 of the archive.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.events == nil {
		return nil, "", ErrStoreNotConfigured
	}

	events, err := e.events.List(ctx, Query{Resource: req.Resource, Since: req.StartTime, Until: req.EndTime})
	if err != nil {
		return nil, "", err
	}
	if events == nil {
		events = []Event{}
	}
	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal events: %w", err)
	}
	sum := sha256.Sum256(eventsJSON)
	manifestJSON, err := json.MarshalIndent(map[string]any{
		"generated_at":  e.now().UTC(),
		"event_count":   len(events),
		"events_sha256": hex.EncodeToString(sum[:]),
		"resource":      req.Resource,
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, file := range []struct {
		name string
		body []byte
	}{
		{"events.json", eventsJSON},
		{"manifest.json", manifestJSON},
	} {
		f, err := w.Create(file.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := f.Write(file.body); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(hash[:]), nil
}
