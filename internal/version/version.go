// Package version хранит сведения о сборке, выставляемые через -ldflags.
package version

import (
	"fmt"
	"runtime/debug"
)

// Значения подменяются линкером: -X .../internal/version.version=v1.2.3.
var (
	version = "dev"
	commit  = ""
	date    = ""
)

// Build — сведения о текущем бинарнике.
type Build struct {
	Version string
	Commit  string
	Date    string
}

// Current собирает сведения о сборке. Если коммит и дата не пришли из -ldflags,
// берутся vcs-метки, которые go build пишет в бинарник сам.
func Current() Build {
	b := Build{Version: version, Commit: commit, Date: date}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch {
			case s.Key == "vcs.revision" && b.Commit == "":
				b.Commit = shortRevision(s.Value)
			case s.Key == "vcs.time" && b.Date == "":
				b.Date = s.Value
			}
		}
	}
	if b.Commit == "" {
		b.Commit = "unknown"
	}
	if b.Date == "" {
		b.Date = "unknown"
	}
	return b
}

// Version возвращает короткую версию для health-ответов и логов.
func Version() string { return version }

func (b Build) String() string {
	return fmt.Sprintf("giftsched %s (commit %s, built %s)", b.Version, b.Commit, b.Date)
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
