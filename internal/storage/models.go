package storage

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// AlertedSet holds the names of protocols that already triggered a
// notification. Names are never removed.
type AlertedSet map[string]struct{}

// NewAlertedSet builds a set from names.
func NewAlertedSet(names ...string) AlertedSet {
	s := make(AlertedSet, len(names))
	for _, name := range names {
		s.Add(name)
	}
	return s
}

// Has reports membership.
func (s AlertedSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Add inserts name.
func (s AlertedSet) Add(name string) {
	s[name] = struct{}{}
}

// Sorted returns the names in lexicographic order.
func (s AlertedSet) Sorted() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HistoryEntry is the last known state of a protocol seen above threshold.
type HistoryEntry struct {
	Name      string
	TVL       decimal.Decimal
	Chain     string
	Category  string
	FirstSeen time.Time
	LastSeen  time.Time
}

// Observation is a single sighting fed into History.Upsert.
type Observation struct {
	Name     string
	TVL      decimal.Decimal
	Chain    string
	Category string
}

// History maps protocol name to its ledger entry.
type History map[string]HistoryEntry

// Upsert records obs at time now. FirstSeen is kept for known names and
// LastSeen never moves backwards.
func (h History) Upsert(obs Observation, now time.Time) HistoryEntry {
	now = now.UTC()
	entry, ok := h[obs.Name]
	if !ok {
		entry = HistoryEntry{Name: obs.Name, FirstSeen: now, LastSeen: now}
	}
	entry.TVL = obs.TVL
	entry.Chain = obs.Chain
	entry.Category = obs.Category
	if now.After(entry.LastSeen) {
		entry.LastSeen = now
	}
	h[obs.Name] = entry
	return entry
}

// Sorted returns the entries ordered by name.
func (h History) Sorted() []HistoryEntry {
	entries := make([]HistoryEntry, 0, len(h))
	for _, entry := range h {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}
