package monitor

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	FrameworkStartup = "framework-startup"
	ProcessStartup   = "process-startup"
)

const frameworkGroup = `(?P<framework>\d+(?:[\.,]\d+)?)`

type startupPattern struct {
	framework string
	re        *regexp.Regexp
	// scale converts the reported unit into milliseconds
	scale float64
}

// startupPatterns lists the log lines in which frameworks report their own
// startup time. They are tried in order.
var startupPatterns = []startupPattern{
	{"spring", regexp.MustCompile(`(?m)Started [^ ]+ in ` + frameworkGroup + ` seconds \(process running for (?P<process>\d*[.,]?\d*)\)$`), 1000},
	{"quarkus", regexp.MustCompile(`(?m)started in (?:\x1b\[38;2;221;221;221m)?` + frameworkGroup + `(?:\x1b\[39m)?s\.`), 1000},
	{"micronaut", regexp.MustCompile(`(?m)^.*\[main\].*INFO.*io.micronaut.runtime.Micronaut.*- Startup completed in ` + frameworkGroup + `ms.`), 1},
	{"vanilla", regexp.MustCompile(`(?m)Basic Hello-World HttpServer started after ` + frameworkGroup + `ms!`), 1},
	{"vertx", regexp.MustCompile(`(?m)Server listening on http://localhost:\d+/ after ` + frameworkGroup + `ms!`), 1},
	{"helidon", regexp.MustCompile(`(?m)Started all channels in \d* milliseconds. ` + frameworkGroup + ` milliseconds since JVM startup.`), 1},
}

// ExtractStartupTimes looks for a self reported startup time in output. The
// result is keyed by FrameworkStartup and, when the framework reports it,
// ProcessStartup, in milliseconds. It is empty when nothing matched.
func ExtractStartupTimes(output string) map[string]float64 {
	res := map[string]float64{}
	for _, p := range startupPatterns {
		m := p.re.FindStringSubmatch(output)
		if m == nil {
			continue
		}
		if v, ok := parseReported(m[p.re.SubexpIndex("framework")]); ok {
			res[FrameworkStartup] = v * p.scale
		}
		if idx := p.re.SubexpIndex("process"); idx > 0 {
			if v, ok := parseReported(m[idx]); ok {
				res[ProcessStartup] = v * p.scale
			}
		}
	}
	if _, ok := res[FrameworkStartup]; !ok {
		return map[string]float64{}
	}
	return res
}

// parseReported accepts both '.' and ',' as decimal separator.
func parseReported(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	return v, err == nil
}
