package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"tvl-threshold-alerts/internal/alerting"
	"tvl-threshold-alerts/internal/storage"
)

var millionUSD = decimal.NewFromInt(1_000_000)

// Export renders the protocol history as CSV and/or a PNG bar chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxBars = a.Config.ResolveMaxBars(opts.MaxBars)

	alertStore, historyStore := a.newStores()
	alerted := alertStore.Load()
	entries := rankByTVL(historyStore.Load())
	if len(entries) == 0 {
		a.Logger.Info().Msg("no protocols recorded; nothing to export")
		return nil
	}

	a.Logger.Info().Int("protocols", len(entries)).Msg("exporting protocol history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, entries, alerted); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		top := entries
		if len(top) > opts.MaxBars {
			top = top[:opts.MaxBars]
		}
		title := fmt.Sprintf("%s protocols above %s", a.Config.Threshold.Category, alerting.FormatUSD(decimal.NewFromFloat(a.Config.Threshold.TVL)))
		if err := writeHistoryPNG(opts.PNGPath, title, top); err != nil {
			return err
		}
	}

	return nil
}

func writeHistoryCSV(path string, entries []storage.HistoryEntry, alerted storage.AlertedSet) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"name", "tvl", "chain", "category", "first_seen", "last_seen", "alerted"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, entry := range entries {
		record := []string{
			entry.Name,
			entry.TVL.StringFixed(0),
			entry.Chain,
			entry.Category,
			entry.FirstSeen.UTC().Format(time.RFC3339),
			entry.LastSeen.UTC().Format(time.RFC3339),
			yesNo(alerted.Has(entry.Name)),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

const (
	barWidth   = 32
	barSpacing = 24
)

func writeHistoryPNG(path, title string, entries []storage.HistoryEntry) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	bars := make([]chart.Value, 0, len(entries))
	for _, entry := range entries {
		bars = append(bars, chart.Value{
			Label: entry.Name,
			Value: entry.TVL.Div(millionUSD).InexactFloat64(),
		})
	}

	width := 1280
	if w := len(bars)*(barWidth+barSpacing) + 160; w > width {
		width = w
	}

	tvlFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.BarChart{
		Title:      title,
		Width:      width,
		Height:     720,
		BarWidth:   barWidth,
		BarSpacing: barSpacing,
		Background: chart.Style{
			Padding: chart.Box{Top: 48, Bottom: 24},
		},
		YAxis: chart.YAxis{
			Name:           "TVL ($M)",
			ValueFormatter: tvlFormatter,
		},
		Bars: bars,
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
