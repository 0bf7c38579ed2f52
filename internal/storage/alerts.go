package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// CSVAlertStore keeps one protocol name per line, sorted, no header.
type CSVAlertStore struct {
	path   string
	logger zerolog.Logger
}

// NewCSVAlertStore builds a file-backed alert store.
func NewCSVAlertStore(path string, logger zerolog.Logger) *CSVAlertStore {
	return &CSVAlertStore{
		path:   path,
		logger: logger.With().Str("component", "alert_store").Str("path", path).Logger(),
	}
}

// Path returns the backing file.
func (s *CSVAlertStore) Path() string { return s.path }

// Load reads the alerted names. A missing or unreadable file yields an
// empty set.
func (s *CSVAlertStore) Load() AlertedSet {
	set := NewAlertedSet()

	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Info().Msg("no existing alert state found")
		} else {
			s.logger.Error().Err(err).Msg("open alert state failed; starting empty")
		}
		return set
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				s.logger.Warn().Err(err).Int("line", line).Msg("skipping malformed alert row")
				continue
			}
			s.logger.Error().Err(err).Msg("read alert state failed; starting empty")
			return NewAlertedSet()
		}
		if len(record) == 0 {
			continue
		}
		name := strings.TrimSpace(record[0])
		if name == "" {
			continue
		}
		set.Add(name)
	}

	s.logger.Debug().Int("alerted", len(set)).Msg("alert state loaded")
	return set
}

// Save replaces the file with the sorted names.
func (s *CSVAlertStore) Save(set AlertedSet) error {
	err := writeFileAtomic(s.path, func(f *os.File) error {
		writer := csv.NewWriter(f)
		for _, name := range set.Sorted() {
			if err := writer.Write([]string{name}); err != nil {
				return err
			}
		}
		writer.Flush()
		return writer.Error()
	})
	if err != nil {
		return fmt.Errorf("save alert state %s: %w", s.path, err)
	}
	s.logger.Info().Int("alerted", len(set)).Msg("alert state saved")
	return nil
}

var _ AlertStore = (*CSVAlertStore)(nil)
