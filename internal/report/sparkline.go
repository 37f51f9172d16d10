package report

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var levels = []string{" ", "▁", "▂", "▃", "▄", "▅", "▆", "▇", "█"}

// Sparkline draws a series on one line, scaled to its maximum.
type Sparkline struct {
	Data  []float64
	Width int
	Max   float64
	Style lipgloss.Style
	Label string
}

func NewSparkline(width int, label string, style lipgloss.Style) Sparkline {
	return Sparkline{
		Width: width,
		Label: label,
		Style: style,
		Data:  make([]float64, 0, width),
	}
}

// Fill replaces the data with values, averaged into at most Width buckets.
func (s *Sparkline) Fill(values []float64) {
	s.Data = s.Data[:0]
	s.Max = 0
	if s.Width <= 0 || len(values) == 0 {
		return
	}
	buckets := min(s.Width, len(values))
	for i := 0; i < buckets; i++ {
		lo := i * len(values) / buckets
		hi := (i + 1) * len(values) / buckets
		sum := 0.0
		for _, v := range values[lo:hi] {
			sum += v
		}
		avg := sum / float64(hi-lo)
		s.Data = append(s.Data, avg)
		s.Max = max(s.Max, avg)
	}
}

func (s Sparkline) View() string {
	if s.Width <= 0 || len(s.Data) == 0 {
		return ""
	}

	var graph strings.Builder
	for _, v := range s.Data {
		if s.Max <= 0 {
			graph.WriteString(levels[0])
			continue
		}
		idx := int(v / s.Max * float64(len(levels)-1))
		idx = max(0, min(idx, len(levels)-1))
		graph.WriteString(levels[idx])
	}
	return s.Label + " " + s.Style.Render(graph.String())
}
