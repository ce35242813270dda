// Package intake pulls submitted texts from the external form export (a
// CSV feed) into the pending queue. The submission timestamp is the
// dedupe key, so re-reading the same export is harmless.
package intake

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/feedline/feedline-backend/internal/config"
	"github.com/feedline/feedline-backend/internal/store"
)

// timestampLayouts covers the formats the form export has been seen to
// produce.
var timestampLayouts = []string{
	time.RFC3339,
	"2006/01/02 3:04:05 PM MST",
	"2006/01/02 15:04:05",
	"01/02/2006 15:04:05",
	"2006-01-02 15:04:05",
}

type Syncer struct {
	store     store.Store
	client    *http.Client
	sourceURL string
	readFrom  time.Time
	logger    *zap.SugaredLogger
}

func New(cfg config.IntakeConfig, st store.Store, logger *zap.SugaredLogger) (*Syncer, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Syncer{
		store:     st,
		client:    &http.Client{Timeout: 30 * time.Second},
		sourceURL: cfg.SourceURL,
		logger:    logger,
	}
	if cfg.ReadFromDate != "" {
		t, err := time.Parse("2006-01-02", cfg.ReadFromDate)
		if err != nil {
			return nil, fmt.Errorf("parsing intake read-from date: %w", err)
		}
		s.readFrom = t
	}
	return s, nil
}

func (s *Syncer) Configured() bool {
	return s.sourceURL != ""
}

// Sync fetches the export and ingests every row newer than the
// read-from mark that has not been seen before. Returns how many
// entries were added.
func (s *Syncer) Sync(ctx context.Context) (int, error) {
	if !s.Configured() {
		return 0, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.sourceURL, nil)
	if err != nil {
		return 0, fmt.Errorf("building intake request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetching intake export: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("intake export returned status %d", resp.StatusCode)
	}

	added, err := s.ingest(ctx, resp.Body)
	if err != nil {
		return added, err
	}
	if added > 0 {
		s.logger.Infow("intake sync added entries", "count", added)
	}
	return added, nil
}

func (s *Syncer) ingest(ctx context.Context, r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	added := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return added, fmt.Errorf("reading intake csv: %w", err)
		}
		if len(record) < 2 {
			continue
		}

		ts, ok := parseTimestamp(record[0])
		if !ok {
			// Header row or malformed line.
			continue
		}
		text := strings.TrimSpace(record[1])
		if text == "" {
			continue
		}
		if !s.readFrom.IsZero() && ts.Before(s.readFrom) {
			continue
		}

		ok, err = s.store.AddSubmission(ctx, ts.UTC().Format(time.RFC3339), text)
		if err != nil {
			return added, fmt.Errorf("ingesting submission: %w", err)
		}
		if ok {
			added++
		}
	}
	return added, nil
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
