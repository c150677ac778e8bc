package logwatch

import (
	"regexp"
	"strings"
	"time"
)

// DefaultPrefix is the engine's log file name prefix.
const DefaultPrefix = "DemandToolsLog"

var (
	commaRun = regexp.MustCompile(`,+`)
	stripper = strings.NewReplacer("\n", "", `"`, "")
)

// Normalize turns one raw engine log line into a display line: the leading
// timestamp field is dropped, comma runs become a single pipe, quotes and
// newlines are removed, and the result is trimmed and cut to max runes
// (max <= 0 disables the cut).
func Normalize(raw string, max int) string {
	line := raw
	if i := strings.IndexByte(line, ','); i >= 0 {
		line = line[i+1:]
	}
	line = commaRun.ReplaceAllString(line, "|")
	line = stripper.Replace(line)
	line = strings.TrimSpace(line)

	if max > 0 {
		if runes := []rune(line); len(runes) > max {
			line = string(runes[:max])
		}
	}
	return line
}

// LogFileName is the engine's log file for the day of t, e.g.
// DemandToolsLog_Mar052026.txt.
func LogFileName(prefix string, t time.Time) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "_" + t.Format("Jan022006") + ".txt"
}
