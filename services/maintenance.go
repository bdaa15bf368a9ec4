// services/maintenance.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/sirupsen/logrus"

	"platform-sync/models"
	"platform-sync/repository"
)

// ObjectUploader stores an archive blob under key.
type ObjectUploader interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
}

type CleanupStats struct {
	ExpiredCodes  int64 `json:"expired_codes"`
	Archived      int   `json:"archived"`
	DeletedEvents int64 `json:"deleted_events"`
}

// Janitor expires stale link codes and prunes old events, archiving them
// first when an uploader is configured.
type Janitor struct {
	events             *repository.EventStore
	links              *LinkService
	uploader           ObjectUploader
	prefix             string
	completedRetention time.Duration
	failedRetention    time.Duration
	batchSize          int
	clock              func() time.Time
	log                *logrus.Entry
}

func NewJanitor(events *repository.EventStore, links *LinkService, uploader ObjectUploader, prefix string, completedRetention, failedRetention time.Duration, log *logrus.Entry) *Janitor {
	if completedRetention <= 0 {
		completedRetention = 30 * 24 * time.Hour
	}
	if failedRetention <= 0 {
		failedRetention = 7 * 24 * time.Hour
	}
	return &Janitor{
		events:             events,
		links:              links,
		uploader:           uploader,
		prefix:             prefix,
		completedRetention: completedRetention,
		failedRetention:    failedRetention,
		batchSize:          500,
		clock:              func() time.Time { return time.Now().UTC() },
		log:                log.WithField("component", "janitor"),
	}
}

func (j *Janitor) WithClock(clock func() time.Time) *Janitor {
	j.clock = clock
	return j
}

func (j *Janitor) Cleanup(ctx context.Context) (CleanupStats, error) {
	var stats CleanupStats
	now := j.clock()

	expired, err := j.links.ExpireOldCodes(ctx)
	if err != nil {
		return stats, fmt.Errorf("expire link codes: %w", err)
	}
	stats.ExpiredCodes = expired

	for batch := 0; ; batch++ {
		if ctx.Err() != nil {
			break
		}
		events, err := j.events.ListExpired(ctx, now.Add(-j.completedRetention), now.Add(-j.failedRetention), models.MaxEventRetries, j.batchSize)
		if err != nil {
			return stats, err
		}
		if len(events) == 0 {
			break
		}
		if j.uploader != nil {
			body, err := EncodeEventsJSONL(events)
			if err != nil {
				return stats, err
			}
			key := path.Join(j.prefix, now.Format("2006/01/02"), fmt.Sprintf("%d-%03d.jsonl", now.Unix(), batch))
			if err := j.uploader.PutObject(ctx, key, body, "application/x-ndjson"); err != nil {
				return stats, fmt.Errorf("archive events: %w", err)
			}
			stats.Archived += len(events)
		}
		ids := make([]string, len(events))
		for i := range events {
			ids[i] = events[i].ID
		}
		n, err := j.events.DeleteByIDs(ctx, ids)
		if err != nil {
			return stats, err
		}
		stats.DeletedEvents += n
		if len(events) < j.batchSize {
			break
		}
	}

	if stats.ExpiredCodes > 0 || stats.DeletedEvents > 0 {
		j.log.WithFields(logrus.Fields{
			"expired_codes":  stats.ExpiredCodes,
			"archived":       stats.Archived,
			"deleted_events": stats.DeletedEvents,
		}).Info("🧹 Cleanup finished")
	}
	return stats, nil
}

// EncodeEventsJSONL writes one JSON object per line.
func EncodeEventsJSONL(events []models.SyncEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return nil, fmt.Errorf("encode event %s: %w", events[i].ID, err)
		}
	}
	return buf.Bytes(), nil
}
