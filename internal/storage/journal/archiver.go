package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/storage/archive"
)

// Archiver writes each event as one JSON object to object storage.
type Archiver struct {
	storage archive.Storage
}

// NewArchiver creates an archiver over storage.
func NewArchiver(storage archive.Storage) *Archiver {
	return &Archiver{storage: storage}
}

// EventPath returns events/YYYY/MM/DD/<id>.json for the event's UTC day.
func EventPath(event core.RiskEvent) string {
	return dayPrefix(event.Timestamp) + "/" + event.ID + ".json"
}

func dayPrefix(t time.Time) string {
	return "events/" + t.UTC().Format("2006/01/02")
}

func (a *Archiver) Record(ctx context.Context, event core.RiskEvent) error {
	if event.ID == "" {
		return fmt.Errorf("archive event: empty id")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	if err := a.storage.Write(ctx, EventPath(event), data); err != nil {
		return core.WrapError(core.ErrPersistence, err)
	}
	return nil
}

// Day loads every archived event for the UTC day containing t, ordered by id.
func (a *Archiver) Day(ctx context.Context, t time.Time) ([]core.RiskEvent, error) {
	paths, err := a.storage.List(ctx, dayPrefix(t))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	events := make([]core.RiskEvent, 0, len(paths))
	for _, p := range paths {
		data, err := a.storage.Read(ctx, p)
		if err != nil {
			return nil, err
		}
		var ev core.RiskEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", p, err)
		}
		events = append(events, ev)
	}
	return events, nil
}
