// Package report renders run results and history for the terminal.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"barista/internal/explorer"
	"barista/internal/loadgen"
	"barista/internal/results"
	"barista/internal/stats"
	"barista/internal/storage"
)

const sparkWidth = 40

// Render formats the final report of a run.
func Render(r *results.Results) string {
	s := strings.Builder{}
	s.WriteString(Title.Render(fmt.Sprintf("☕ Barista report for benchmark '%s'", r.Benchmark)))
	s.WriteString("\n")
	if len(r.Command) > 0 {
		s.WriteString(Subtle.Render("Run command: " + strings.Join(r.Command, " ")))
		s.WriteString("\n")
	}
	s.WriteString("\n")

	if u := r.ResourceUsage; len(u.RSS) > 0 || len(u.VMS) > 0 || len(u.CPU) > 0 {
		var b strings.Builder
		if len(u.RSS) > 0 {
			b.WriteString("Resident Set Size:\n")
			writeUsage(&b, u.RSS, "MB")
		}
		if len(u.VMS) > 0 {
			b.WriteString("Virtual Memory Size:\n")
			writeUsage(&b, u.VMS, "MB")
		}
		if len(u.CPU) > 0 {
			b.WriteString("CPU utilization:\n")
			writeUsage(&b, u.CPU, "%")
		}
		if len(u.Raw) > 1 {
			rss := make([]float64, len(u.Raw))
			cpu := make([]float64, len(u.Raw))
			for i, sample := range u.Raw {
				rss[i], cpu[i] = float64(sample.RSS), sample.CPU
			}
			b.WriteString("\n")
			for _, line := range []struct {
				label  string
				values []float64
			}{{"     RSS over time", rss}, {"     CPU over time", cpu}} {
				spark := NewSparkline(sparkWidth, line.label, Value)
				spark.Fill(line.values)
				b.WriteString(spark.View())
				b.WriteString("\n")
			}
		}
		section(&s, "Resource usage", b.String())
	}

	if len(r.Startup.Measurements) > 0 || len(r.Startup.SelfReported) > 0 {
		var b strings.Builder
		for _, m := range r.Startup.Measurements {
			datapoint(&b, fmt.Sprintf("response #%02d", m.Iteration+1), fmt.Sprintf("%.2f", m.ResponseTime), "ms")
		}
		names := make([]string, 0, len(r.Startup.SelfReported))
		for name := range r.Startup.SelfReported {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			datapoint(&b, name, fmt.Sprintf("%.2f", r.Startup.SelfReported[name]), "ms")
		}
		section(&s, "Startup", b.String())
	}

	for _, phase := range []struct {
		name  string
		phase results.ThroughputPhase
	}{{"Warmup", r.Warmup}, {"Throughput", r.Throughput}} {
		if len(phase.phase.Measurements) == 0 {
			continue
		}
		var b strings.Builder
		for i, m := range phase.phase.Measurements {
			datapoint(&b, fmt.Sprintf("iteration %d", i+1), fmt.Sprintf("%.2f", m.Throughput), "ops/s")
		}
		section(&s, phase.name, b.String())
	}

	if latency := r.Latency.Measurements; len(latency.Final) > 0 {
		for _, tag := range latency.Tags() {
			var b strings.Builder
			for _, rec := range latency.Final {
				if rec.Tag == tag {
					writeLatency(&b, rec)
				}
			}
			section(&s, "Latency "+tag, b.String())
		}
	}
	return s.String()
}

func section(s *strings.Builder, name, body string) {
	s.WriteString(Section.Render(name))
	s.WriteString("\n")
	s.WriteString(Box.Render(strings.TrimRight(body, "\n")))
	s.WriteString("\n\n")
}

func datapoint(b *strings.Builder, name, value, unit string) {
	fmt.Fprintf(b, "%20s %s %s\n", name, Value.Render(fmt.Sprintf("%12s", value)), unit)
}

func writeUsage(b *strings.Builder, pvalues map[string]float64, unit string) {
	for _, p := range stats.UsagePercentiles {
		if v, ok := pvalues[stats.Key(p)]; ok {
			datapoint(b, stats.Key(p), fmt.Sprintf("%.2f", v), unit)
		}
	}
}

func writeLatency(b *strings.Builder, rec explorer.Record) {
	name := fmt.Sprintf("iteration %d", rec.Iteration+1)
	if rec.Script != "" {
		name += " (" + rec.Script + ")"
	}
	fmt.Fprintf(b, "%s\n", Subtle.Render(name))
	datapoint(b, "rate", fmt.Sprint(rec.Rate), "ops/s")
	if rec.MeetsSLA != nil {
		met := Success.Render("yes")
		if !*rec.MeetsSLA {
			met = Error.Render("no")
		}
		fmt.Fprintf(b, "%20s %12s\n", "met SLA", met)
	}
	percentiles := make([]float64, 0, len(rec.PValues))
	for p := range rec.PValues {
		percentiles = append(percentiles, p)
	}
	sort.Float64s(percentiles)
	for _, p := range percentiles {
		datapoint(b, loadgen.PercentileLabel(p), fmt.Sprintf("%.2f", rec.PValues[p]), "ms")
	}
}

// History formats stored runs as a table, newest first.
func History(items []storage.HistoryItem) string {
	s := strings.Builder{}
	s.WriteString(Title.Render("📜 Past Runs"))
	s.WriteString("\n\n")
	if len(items) == 0 {
		s.WriteString(Subtle.Render("No history found.\nRun a benchmark to generate data."))
		s.WriteString("\n")
		return s.String()
	}

	rows := make([]table.Row, len(items))
	for i, item := range items {
		rates := make([]string, len(item.Summary.LatencyRates))
		for j, r := range item.Summary.LatencyRates {
			rates[j] = fmt.Sprint(r)
		}
		rows[i] = table.Row{
			item.ID,
			item.Timestamp.Format("2006-01-02 15:04:05"),
			item.Benchmark,
			fmt.Sprintf("%.2f", item.Summary.AvgThroughput),
			fmt.Sprintf("%.2f", item.Summary.P99RSSMB),
			strings.Join(rates, ", "),
		}
	}

	columns := []table.Column{
		{Title: "ID", Width: 36},
		{Title: "Time", Width: 20},
		{Title: "Benchmark", Width: 20},
		{Title: "Throughput", Width: 12},
		{Title: "p99 RSS (MB)", Width: 12},
		{Title: "Latency rates", Width: 24},
	}
	width := 0
	for _, c := range columns {
		// cells are padded by one space on each side
		width += c.Width + 2
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
		table.WithWidth(width),
	)
	st := table.DefaultStyles()
	st.Header = st.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(ColorSubtle).
		BorderBottom(true).
		Bold(false)
	// a static listing has no cursor
	st.Selected = lipgloss.NewStyle()
	t.SetStyles(st)
	// header, its border and one line per run
	t.SetHeight(len(rows) + 2)

	s.WriteString(Box.Render(strings.TrimRight(t.View(), "\n")))
	s.WriteString("\n")
	return s.String()
}

// Item formats one stored run.
func Item(item *storage.HistoryItem) string {
	var b strings.Builder
	datapoint(&b, "benchmark", item.Benchmark, "")
	datapoint(&b, "time", item.Timestamp.Format("2006-01-02 15:04:05"), "")
	datapoint(&b, "endpoint", item.Endpoint, "")
	datapoint(&b, "output", item.OutputDir, "")
	datapoint(&b, "startup", fmt.Sprintf("%.2f", item.Summary.StartupMs), "ms")
	datapoint(&b, "throughput", fmt.Sprintf("%.2f", item.Summary.AvgThroughput), "ops/s")
	datapoint(&b, "p99 RSS", fmt.Sprintf("%.2f", item.Summary.P99RSSMB), "MB")
	for _, r := range item.Summary.LatencyRates {
		datapoint(&b, "latency rate", fmt.Sprint(r), "ops/s")
	}
	return Title.Render("Run "+item.ID) + "\n" + Box.Render(strings.TrimRight(b.String(), "\n")) + "\n"
}

// Progress renders a one line progress bar for a phase.
func Progress(phase string, done, total int) string {
	pct := 0.0
	if total > 0 {
		pct = float64(done) / float64(total)
	}
	return fmt.Sprintf("%s %3.0f%% | %s %d/%d", progressBar(pct, 20), pct*100, phase, done, total)
}

func progressBar(pct float64, width int) string {
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("-", width-filled) + "]"
}
