package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var historyHeader = []string{"name", "tvl", "chain", "category", "first_seen", "last_seen"}

// CSVHistoryStore keeps the history ledger as a CSV with a header row.
type CSVHistoryStore struct {
	path   string
	logger zerolog.Logger
}

// NewCSVHistoryStore builds a file-backed history store.
func NewCSVHistoryStore(path string, logger zerolog.Logger) *CSVHistoryStore {
	return &CSVHistoryStore{
		path:   path,
		logger: logger.With().Str("component", "history_store").Str("path", path).Logger(),
	}
}

// Path returns the backing file.
func (s *CSVHistoryStore) Path() string { return s.path }

// Load reads the ledger. Malformed rows are skipped with a warning; a missing
// or unreadable file yields an empty ledger.
func (s *CSVHistoryStore) Load() History {
	history := make(History)

	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Info().Msg("no protocol history file found")
		} else {
			s.logger.Error().Err(err).Msg("open history failed; starting empty")
		}
		return history
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Error().Err(err).Msg("read history header failed; starting empty")
		}
		return history
	}
	columns, err := indexColumns(header)
	if err != nil {
		s.logger.Error().Err(err).Msg("unexpected history header; starting empty")
		return history
	}

	skipped := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				skipped++
				s.logger.Warn().Err(err).Msg("skipping malformed history row")
				continue
			}
			s.logger.Error().Err(err).Msg("read history failed; starting empty")
			return make(History)
		}

		entry, err := parseHistoryRow(record, columns)
		if err != nil {
			skipped++
			s.logger.Warn().Err(err).Strs("row", record).Msg("skipping invalid history row")
			continue
		}
		history[entry.Name] = entry
	}

	s.logger.Info().Int("protocols", len(history)).Int("skipped", skipped).Msg("protocol history loaded")
	return history
}

// Save replaces the file with the ledger sorted by name.
func (s *CSVHistoryStore) Save(history History) error {
	err := writeFileAtomic(s.path, func(f *os.File) error {
		writer := csv.NewWriter(f)
		if err := writer.Write(historyHeader); err != nil {
			return err
		}
		for _, entry := range history.Sorted() {
			record := []string{
				entry.Name,
				entry.TVL.String(),
				entry.Chain,
				entry.Category,
				entry.FirstSeen.UTC().Format(time.RFC3339),
				entry.LastSeen.UTC().Format(time.RFC3339),
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
		writer.Flush()
		return writer.Error()
	})
	if err != nil {
		return fmt.Errorf("save history %s: %w", s.path, err)
	}
	s.logger.Info().Int("protocols", len(history)).Msg("protocol history saved")
	return nil
}

func indexColumns(header []string) (map[string]int, error) {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	// category was added after the first files were written
	for _, required := range []string{"name", "tvl", "chain", "first_seen", "last_seen"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}
	return columns, nil
}

func parseHistoryRow(record []string, columns map[string]int) (HistoryEntry, error) {
	field := func(name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	entry := HistoryEntry{
		Name:     field("name"),
		Chain:    field("chain"),
		Category: field("category"),
	}
	if entry.Name == "" {
		return HistoryEntry{}, errors.New("empty name")
	}

	tvl, err := decimal.NewFromString(field("tvl"))
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("parse tvl: %w", err)
	}
	entry.TVL = tvl

	if entry.FirstSeen, err = parseTimestamp(field("first_seen")); err != nil {
		return HistoryEntry{}, fmt.Errorf("parse first_seen: %w", err)
	}
	if entry.LastSeen, err = parseTimestamp(field("last_seen")); err != nil {
		return HistoryEntry{}, fmt.Errorf("parse last_seen: %w", err)
	}
	if entry.LastSeen.Before(entry.FirstSeen) {
		return HistoryEntry{}, errors.New("last_seen before first_seen")
	}
	return entry, nil
}

// parseTimestamp accepts RFC3339 and the zone-less ISO-8601 form written by
// older tooling, which is interpreted as UTC.
func parseTimestamp(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", v, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

var _ HistoryStore = (*CSVHistoryStore)(nil)
