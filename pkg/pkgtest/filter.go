package pkgtest

import (
	"regexp"
	"strings"
)

// filterRule removes one category of expected install noise. Rules are
// applied line by line after the leading banner cut; each is independent
// so it can be exercised on its own.
type filterRule struct {
	name string
	drop func(line string) bool
}

var (
	absolutePathLine = regexp.MustCompile(`^/\S+$`)
	byteCompileLine  = regexp.MustCompile(`(?i)byte-?compil`)
)

// lineRules lists the noise categories in the order they are tried.
var lineRules = []filterRule{
	{
		name: "comment",
		drop: func(line string) bool {
			return strings.HasPrefix(strings.TrimSpace(line), "#")
		},
	},
	{
		name: "class banner",
		drop: func(line string) bool {
			return strings.HasPrefix(line, "Installing class ")
		},
	},
	{
		name: "installed file path",
		drop: func(line string) bool {
			return absolutePathLine.MatchString(strings.TrimSpace(line))
		},
	},
	{
		name: "index update",
		drop: func(line string) bool {
			return strings.HasPrefix(line, "Modifying ") || strings.HasPrefix(line, "Registering ")
		},
	},
	{
		name: "deferred registration",
		drop: func(line string) bool {
			return strings.Contains(line, "will be registered")
		},
	},
	{
		name: "bytecode compilation",
		drop: func(line string) bool {
			return byteCompileLine.MatchString(line)
		},
	},
}

// installBanner matches the sub-step banner announcing the install of
// the named package, e.g. "=> Installing pkg-1.0,REV=2020 (1/1)".
func installBanner(pkg string) *regexp.Regexp {
	return regexp.MustCompile(`^=> Installing ` + regexp.QuoteMeta(pkg) + `-.*\(\d+/\d+\)\s*$`)
}

// filterOutput reduces a raw install transcript to the lines that look
// like genuine problem reports. Everything up to and including the last
// banner for this package is preamble (dependency installs included),
// then each remaining line is dropped if any rule claims it.
func filterOutput(pkg, raw string) string {
	lines := strings.Split(strings.TrimRight(raw, "\n"), "\n")

	banner := installBanner(pkg)
	start := 0
	for i, line := range lines {
		if banner.MatchString(line) {
			start = i + 1
		}
	}

	var kept []string
	for _, line := range lines[start:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if dropLine(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func dropLine(line string) bool {
	for _, rule := range lineRules {
		if rule.drop(line) {
			return true
		}
	}
	return false
}
