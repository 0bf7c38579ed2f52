package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"tvl-threshold-alerts/internal/alerting"
	"tvl-threshold-alerts/internal/storage"
)

// Show prints the tracked protocols, largest TVL first.
func (a *App) Show(ctx context.Context, opts ShowOptions, out io.Writer) error {
	alertStore, historyStore := a.newStores()
	alerted := alertStore.Load()
	entries := rankByTVL(historyStore.Load())

	if len(entries) == 0 {
		fmt.Fprintln(out, "no protocols recorded")
		return nil
	}
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Name\tTVL\tChain\tCategory\tFirst Seen (UTC)\tLast Seen (UTC)\tAlerted")

	for _, entry := range entries {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			sanitizeInline(entry.Name),
			alerting.FormatUSD(entry.TVL),
			sanitizeInline(entry.Chain),
			sanitizeInline(entry.Category),
			entry.FirstSeen.UTC().Format(time.RFC3339),
			entry.LastSeen.UTC().Format(time.RFC3339),
			yesNo(alerted.Has(entry.Name)),
		)
	}

	return writer.Flush()
}

func rankByTVL(history storage.History) []storage.HistoryEntry {
	entries := history.Sorted()
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].TVL.GreaterThan(entries[j].TVL)
	})
	return entries
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
