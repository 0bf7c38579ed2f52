package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tvl-threshold-alerts/internal/alerting"
	"tvl-threshold-alerts/internal/fetcher"
	"tvl-threshold-alerts/internal/storage"
)

type staticFetcher struct {
	protocols []fetcher.Protocol
	err       error
}

func (s *staticFetcher) FetchProtocols(context.Context) ([]fetcher.Protocol, error) {
	return s.protocols, s.err
}

type recordingNotifier struct {
	messages []string
	fail     bool
}

func (r *recordingNotifier) Enabled() bool { return true }

func (r *recordingNotifier) Notify(_ context.Context, text string) alerting.Result {
	r.messages = append(r.messages, text)
	status := alerting.StatusSent
	if r.fail {
		status = alerting.StatusFailed
	}
	return alerting.Result{Deliveries: []alerting.Delivery{{Recipient: "1", Status: status}}}
}

type memAlertStore struct {
	set     storage.AlertedSet
	saves   int
	saveErr error
}

func (m *memAlertStore) Load() storage.AlertedSet {
	out := storage.NewAlertedSet()
	for name := range m.set {
		out.Add(name)
	}
	return out
}

func (m *memAlertStore) Save(set storage.AlertedSet) error {
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.set = set
	return nil
}

func (m *memAlertStore) Path() string { return "alerts.csv" }

type memHistoryStore struct {
	history storage.History
	saves   int
	saveErr error
}

func (m *memHistoryStore) Load() storage.History {
	out := make(storage.History, len(m.history))
	for k, v := range m.history {
		out[k] = v
	}
	return out
}

func (m *memHistoryStore) Save(h storage.History) error {
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.history = h
	return nil
}

func (m *memHistoryStore) Path() string { return "history.csv" }

type fakePublisher struct {
	attempted bool
	err       error
	paths     []string
}

func (f *fakePublisher) Publish(_ context.Context, paths []string) (bool, error) {
	f.paths = paths
	return f.attempted, f.err
}

type harness struct {
	fetcher   *staticFetcher
	notifier  *recordingNotifier
	alerts    *memAlertStore
	history   *memHistoryStore
	publisher *fakePublisher
	clock     time.Time
}

func newHarness(protocols ...fetcher.Protocol) *harness {
	return &harness{
		fetcher:   &staticFetcher{protocols: protocols},
		notifier:  &recordingNotifier{},
		alerts:    &memAlertStore{set: storage.NewAlertedSet()},
		history:   &memHistoryStore{history: make(storage.History)},
		publisher: &fakePublisher{},
		clock:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (h *harness) run(t *testing.T) Outcome {
	t.Helper()
	engine := New(Deps{
		Fetcher:   h.fetcher,
		Notifier:  h.notifier,
		Alerts:    h.alerts,
		History:   h.history,
		Publisher: h.publisher,
	}, Options{Threshold: decimal.NewFromInt(10_000_000), Category: "Derivatives"}, zerolog.Nop())
	now := h.clock
	engine.now = func() time.Time { return now }
	return engine.Run(context.Background())
}

func protocol(name string, tvl int64, category, chain string) fetcher.Protocol {
	return fetcher.Protocol{Name: name, TVL: decimal.NewFromInt(tvl), HasTVL: true, Category: category, Chain: chain}
}

func TestRunNotifiesFirstCrossing(t *testing.T) {
	h := newHarness(protocol("AlphaPerp", 15_000_000, "Derivatives", "Ethereum"))

	out := h.run(t)
	if !out.Success {
		t.Fatalf("run should succeed: %+v", out)
	}
	if len(h.notifier.messages) != 1 {
		t.Fatalf("expected one notification, got %d", len(h.notifier.messages))
	}
	msg := h.notifier.messages[0]
	if !strings.Contains(msg, "AlphaPerp") || !strings.Contains(msg, "$15,000,000") {
		t.Fatalf("unexpected message:\n%s", msg)
	}
	if got := strings.Join(h.alerts.set.Sorted(), ","); got != "AlphaPerp" {
		t.Fatalf("alerted set = %q", got)
	}
	if out.AboveThreshold != 1 || len(out.Notified) != 1 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(protocol("AlphaPerp", 15_000_000, "Derivatives", "Ethereum"))
	h.run(t)

	h.clock = h.clock.Add(time.Hour)
	out := h.run(t)
	if !out.Success {
		t.Fatalf("second run should succeed: %+v", out)
	}
	if len(h.notifier.messages) != 1 || len(out.Notified) != 0 {
		t.Fatalf("second run must not notify again: %d messages, %v", len(h.notifier.messages), out.Notified)
	}
	if out.AboveThreshold != 1 {
		t.Fatalf("above-threshold count is independent of alert state, got %d", out.AboveThreshold)
	}
}

func TestRunAlreadyAlertedUpdatesHistoryOnly(t *testing.T) {
	h := newHarness(protocol("AlphaPerp", 15_000_000, "Derivatives", "Ethereum"))
	h.run(t)
	first := h.history.history["AlphaPerp"]

	h.fetcher.protocols = []fetcher.Protocol{protocol("AlphaPerp", 30_000_000, "Derivatives", "Arbitrum")}
	h.clock = h.clock.Add(24 * time.Hour)
	h.run(t)

	if len(h.notifier.messages) != 1 {
		t.Fatalf("tvl change must not re-notify, got %d messages", len(h.notifier.messages))
	}
	entry := h.history.history["AlphaPerp"]
	if !entry.TVL.Equal(decimal.NewFromInt(30_000_000)) || entry.Chain != "Arbitrum" {
		t.Fatalf("history not updated: %+v", entry)
	}
	if !entry.FirstSeen.Equal(first.FirstSeen) {
		t.Fatalf("first_seen changed: %v -> %v", first.FirstSeen, entry.FirstSeen)
	}
	if !entry.LastSeen.After(first.LastSeen) {
		t.Fatalf("last_seen did not advance: %v -> %v", first.LastSeen, entry.LastSeen)
	}
}

func TestRunExcludesNonQualifyingRecords(t *testing.T) {
	h := newHarness(
		protocol("BetaSwap", 5_000_000, "Derivatives", "Polygon"),
		protocol("DexOne", 50_000_000, "Dexes", "Ethereum"),
		protocol("   ", 50_000_000, "Derivatives", "Ethereum"),
		fetcher.Protocol{Name: "NoTVL", Category: "Derivatives", Chain: "Ethereum"},
		protocol("  Edge  ", 10_000_000, "Derivatives", "Base"),
	)

	out := h.run(t)
	if !out.Success {
		t.Fatalf("run should succeed: %+v", out)
	}
	if got := strings.Join(out.Notified, ","); got != "Edge" {
		t.Fatalf("only the trimmed at-threshold record should notify, got %q", got)
	}
	if len(h.history.history) != 1 {
		t.Fatalf("excluded records leaked into history: %v", h.history.history)
	}
	if _, ok := h.history.history["BetaSwap"]; ok {
		t.Fatal("BetaSwap below threshold must not be recorded")
	}
}

func TestRunFailedDeliveryStillMarksAlerted(t *testing.T) {
	h := newHarness(protocol("AlphaPerp", 15_000_000, "Derivatives", "Ethereum"))
	h.notifier.fail = true

	out := h.run(t)
	if !out.Success {
		t.Fatalf("delivery failure must not fail the run: %+v", out)
	}
	if !h.alerts.set.Has("AlphaPerp") {
		t.Fatal("name must be recorded despite failed delivery")
	}
	h.run(t)
	if len(h.notifier.messages) != 1 {
		t.Fatalf("failed delivery must not be retried, got %d attempts", len(h.notifier.messages))
	}
}

func TestRunFetchFailureLeavesStateUntouched(t *testing.T) {
	for name, f := range map[string]*staticFetcher{
		"error": {err: errors.New("connection refused")},
		"empty": {},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness()
			h.fetcher = f
			out := h.run(t)
			if out.Success || !out.FetchFailed {
				t.Fatalf("fetch failure must fail the run: %+v", out)
			}
			if h.alerts.saves != 0 || h.history.saves != 0 {
				t.Fatalf("state saved after fetch failure: alerts=%d history=%d", h.alerts.saves, h.history.saves)
			}
			if h.publisher.paths != nil {
				t.Fatal("publisher invoked after fetch failure")
			}
		})
	}
}

func TestRunSaveFailureFailsRun(t *testing.T) {
	h := newHarness(protocol("AlphaPerp", 15_000_000, "Derivatives", "Ethereum"))
	h.history.saveErr = errors.New("read-only filesystem")

	out := h.run(t)
	if out.Success || out.HistorySaved || !out.AlertsSaved {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestRunPublishOutcome(t *testing.T) {
	cases := []struct {
		name      string
		attempted bool
		err       error
		success   bool
	}{
		{"not applicable", false, nil, true},
		{"pushed", true, nil, true},
		{"push failed", true, errors.New("rejected"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(protocol("AlphaPerp", 15_000_000, "Derivatives", "Ethereum"))
			h.publisher.attempted = tc.attempted
			h.publisher.err = tc.err

			out := h.run(t)
			if out.Success != tc.success {
				t.Fatalf("success = %v, want %v", out.Success, tc.success)
			}
			if strings.Join(h.publisher.paths, ",") != "alerts.csv,history.csv" {
				t.Fatalf("unexpected publish paths %v", h.publisher.paths)
			}
		})
	}
}

func TestRunWithFileStores(t *testing.T) {
	dir := t.TempDir()
	alertsPath := filepath.Join(dir, "notified_protocols.csv")
	historyPath := filepath.Join(dir, "protocol_history.csv")
	if err := os.WriteFile(alertsPath, []byte("Existing\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	notifier := &recordingNotifier{}
	newEngine := func(f fetcher.ProtocolFetcher) *Engine {
		return New(Deps{
			Fetcher:  f,
			Notifier: notifier,
			Alerts:   storage.NewCSVAlertStore(alertsPath, zerolog.Nop()),
			History:  storage.NewCSVHistoryStore(historyPath, zerolog.Nop()),
		}, Options{Threshold: decimal.NewFromInt(10_000_000), Category: "Derivatives"}, zerolog.Nop())
	}

	out := newEngine(&staticFetcher{err: errors.New("unreachable")}).Run(context.Background())
	if out.Success {
		t.Fatal("unreachable source must fail")
	}
	if _, err := os.Stat(historyPath); !os.IsNotExist(err) {
		t.Fatalf("history file created after failed fetch: %v", err)
	}
	if raw, _ := os.ReadFile(alertsPath); string(raw) != "Existing\n" {
		t.Fatalf("alert file mutated after failed fetch: %q", raw)
	}

	source := &staticFetcher{protocols: []fetcher.Protocol{
		protocol("AlphaPerp", 15_000_000, "Derivatives", "Ethereum"),
		protocol("Existing", 20_000_000, "Derivatives", "Base"),
	}}
	if out := newEngine(source).Run(context.Background()); !out.Success || len(out.Notified) != 1 {
		t.Fatalf("first run: %+v", out)
	}
	if out := newEngine(source).Run(context.Background()); !out.Success || len(out.Notified) != 0 {
		t.Fatalf("second run should be silent: %+v", out)
	}

	raw, err := os.ReadFile(alertsPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "AlphaPerp\nExisting\n" {
		t.Fatalf("unexpected alert file %q", raw)
	}
	if len(notifier.messages) != 1 {
		t.Fatalf("expected exactly one message across runs, got %d", len(notifier.messages))
	}
}
