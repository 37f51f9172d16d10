package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"barista/internal/stats"
)

// Describe summarizes what a run with this configuration will do. The
// expected finish time is computed from now.
func (c *Config) Describe(now time.Time) string {
	var b strings.Builder
	lt := c.LoadTesting
	fmt.Fprintf(&b, "Benchmarking of %s with %s mode\n", c.Endpoint, strings.ToUpper(c.Mode))
	fmt.Fprintf(&b, "Redirecting output to: %s\n", c.Output)
	fmt.Fprintf(&b, "\t - Startup: Repeat %d iterations: recording first %d requests, timeout after %v seconds of no response\n",
		lt.Startup.Iterations, lt.Startup.Requests, lt.Startup.Timeout)
	b.WriteString(describePhase("Warmup", lt.Warmup))
	b.WriteString(describePhase("Throughput", lt.Throughput))
	b.WriteString(describeLatency(lt.Latency))

	total := c.TotalRuntime()
	fmt.Fprintf(&b, "Total runtime: %s. Expected finish time %s\n", total, now.Add(total).Format(time.DateTime))
	return b.String()
}

func describePhase(name string, p Phase) string {
	s := fmt.Sprintf("\t - %s: %d iterations of %d seconds with %d threads and %d connections",
		name, p.Iterations, p.IterationTimeSeconds, p.Threads, p.Connections)
	if len(p.LuaScript) > 0 {
		s += fmt.Sprintf(" (lua script: %s)", strings.Join(p.LuaScript, ", "))
	}
	return s + "\n"
}

func describeLatency(l Latency) string {
	var b strings.Builder
	if l.SearchStrategy == StrategyFixed {
		fmt.Fprintf(&b, "\t - Latency: %d iterations of %d seconds with %d threads and %d connections at ",
			l.Iterations, l.IterationTimeSeconds, l.Threads, l.Connections)
		if len(l.Rates) > 0 {
			fmt.Fprintf(&b, "%v reqs/s ", l.Rates)
			if len(l.Percentages) > 0 {
				b.WriteString("and ")
			}
		}
		if len(l.Percentages) > 0 {
			fmt.Fprintf(&b, "max average throughput percentages: %v", l.Percentages)
		}
	} else {
		fmt.Fprintf(&b, "\t - Latency: will determine optimal rate that meets the SLA %s with %s strategy.\n",
			describeSLA(l.SLA), l.SearchStrategy)
		fmt.Fprintf(&b, "\t\t And then will perform %d iterations of %d seconds at the determined rate",
			l.Iterations, l.IterationTimeSeconds)
	}
	if len(l.LuaScript) > 0 {
		fmt.Fprintf(&b, " (lua script: %s)", strings.Join(l.LuaScript, ", "))
	}
	b.WriteString("\n")
	return b.String()
}

func describeSLA(sla map[float64]float64) string {
	keys := make([]float64, 0, len(sla))
	for p := range sla {
		keys = append(keys, p)
	}
	sort.Float64s(keys)
	parts := make([]string, 0, len(keys))
	for _, p := range keys {
		parts = append(parts, fmt.Sprintf("%s < %vms", stats.Key(p), sla[p]))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
