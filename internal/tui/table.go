package tui

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/compresr/ai-gateway/internal/audit"
)

// StatsTable prints one row per day followed by a totals row and the model
// breakdown. Days without traffic are kept so gaps stay visible.
func (c *Console) StatsTable(days []audit.DailyStats) error {
	tw := tabwriter.NewWriter(c.W, 0, 0, 2, ' ', tabwriter.AlignRight)
	header := []string{"DATE", "REQUESTS", "ERRORS", "TOKENS IN", "TOKENS OUT", "CACHED", "TOOL CALLS", "AVG MS", "MAX MS"}
	fmt.Fprintln(tw, strings.Join(header, "\t")+"\t")

	var total audit.DailyStats
	var durationSum float64
	models := make(map[string]int)
	for _, d := range days {
		fmt.Fprintln(tw, row(d.Date, d)+"\t")
		total.Requests += d.Requests
		total.Errors += d.Errors
		total.TokensIn += d.TokensIn
		total.TokensOut += d.TokensOut
		total.CachedTokens += d.CachedTokens
		total.ToolCalls += d.ToolCalls
		total.MaxDurationMs = max(total.MaxDurationMs, d.MaxDurationMs)
		durationSum += d.AvgDurationMs * float64(d.Requests)
		for m, n := range d.Models {
			models[m] += n
		}
	}
	if total.Requests > 0 {
		total.AvgDurationMs = durationSum / float64(total.Requests)
	}
	fmt.Fprintln(tw, c.paint(ColorBold, row("TOTAL", total))+"\t")
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(models) == 0 {
		return nil
	}
	names := make([]string, 0, len(models))
	for m := range models {
		names = append(names, m)
	}
	sort.Slice(names, func(i, j int) bool {
		if models[names[i]] != models[names[j]] {
			return models[names[i]] > models[names[j]]
		}
		return names[i] < names[j]
	})

	fmt.Fprintln(c.W)
	tw = tabwriter.NewWriter(c.W, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tREQUESTS")
	for _, m := range names {
		fmt.Fprintf(tw, "%s\t%d\n", m, models[m])
	}
	return tw.Flush()
}

func row(label string, d audit.DailyStats) string {
	cols := []string{
		label,
		strconv.Itoa(d.Requests),
		strconv.Itoa(d.Errors),
		strconv.Itoa(d.TokensIn),
		strconv.Itoa(d.TokensOut),
		strconv.Itoa(d.CachedTokens),
		strconv.Itoa(d.ToolCalls),
		strconv.FormatFloat(d.AvgDurationMs, 'f', 0, 64),
		strconv.FormatInt(d.MaxDurationMs, 10),
	}
	return strings.Join(cols, "\t")
}
