package pkgtest

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/pkgsmoke/pkgsmoke/pkg/telemetry"
	"github.com/pkgsmoke/pkgsmoke/pkg/transports/ssh"
)

// defaultPkgutil is where the bootstrap stack installs the package tool.
const defaultPkgutil = "/opt/csw/bin/pkgutil"

// Outcome is the classified result of one install attempt.
type Outcome struct {
	Package        string
	ExitStatus     int
	RawOutput      string
	FilteredOutput string
	Success        bool
}

// Tester drives package selection and installation over a remote
// executor.
type Tester struct {
	exec    ssh.Executor
	pkgutil string
	intn    func(n int) int
	metrics *telemetry.Metrics
}

// TesterOption configures a Tester.
type TesterOption func(*Tester)

// WithPkgutilPath overrides the package tool location.
func WithPkgutilPath(path string) TesterOption {
	return func(t *Tester) { t.pkgutil = path }
}

// WithIntn replaces the random source, letting tests pin the selection.
func WithIntn(intn func(n int) int) TesterOption {
	return func(t *Tester) { t.intn = intn }
}

// WithTesterMetrics attaches a metrics collector.
func WithTesterMetrics(metrics *telemetry.Metrics) TesterOption {
	return func(t *Tester) { t.metrics = metrics }
}

// NewTester creates a Tester on top of the given executor.
func NewTester(exec ssh.Executor, opts ...TesterOption) *Tester {
	t := &Tester{
		exec:    exec,
		pkgutil: defaultPkgutil,
		intn:    rand.Intn,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SelectRandom picks a uniformly random package from the remote catalog
// listing. The first listing line is a column header and is never
// selected.
func (t *Tester) SelectRandom(ctx context.Context) (string, error) {
	res, err := t.exec.Run(ctx, t.pkgutil+" -a")
	if err != nil {
		return "", fmt.Errorf("catalog listing failed: %w", err)
	}
	if res.ExitStatus != 0 {
		return "", fmt.Errorf("catalog listing exited %d: %s", res.ExitStatus, firstLine(res.Output))
	}

	lines := strings.Split(strings.TrimRight(res.Output, "\n"), "\n")
	if len(lines) < 2 {
		return "", fmt.Errorf("catalog listing has no packages (%d lines)", len(lines))
	}

	// 1-based line index in [1, count-1], skipping the header at 0.
	idx := 1 + t.intn(len(lines)-1)
	name := packageName(lines[idx])
	if name == "" {
		return "", fmt.Errorf("no package name in listing line %d: %q", idx, lines[idx])
	}

	log.Info().Str("package", name).Int("line", idx).Int("catalog_size", len(lines)-1).Msg("selected package")
	return name, nil
}

// Install installs the named package and classifies the outcome. The
// transcript and exit status are captured even on failure; a failed
// install still carries diagnostics worth surfacing.
func (t *Tester) Install(ctx context.Context, pkg string) (*Outcome, error) {
	log.Info().Str("package", pkg).Msg("installing package")
	res, err := t.exec.Run(ctx, t.pkgutil+" -y -i "+pkg)
	if err != nil {
		return nil, fmt.Errorf("install command failed to run: %w", err)
	}

	out := &Outcome{
		Package:        pkg,
		ExitStatus:     res.ExitStatus,
		RawOutput:      res.Output,
		FilteredOutput: filterOutput(pkg, res.Output),
	}
	out.Success = out.ExitStatus == 0 && out.FilteredOutput == ""
	if t.metrics != nil {
		result := "failure"
		if out.Success {
			result = "success"
		}
		t.metrics.RecordInstallAttempt(result)
	}

	log.Info().
		Str("package", pkg).
		Int("exit_status", out.ExitStatus).
		Bool("success", out.Success).
		Msg("install classified")
	return out, nil
}

// packageName extracts the package name token from a catalog listing
// line (common name, package name, version).
func packageName(line string) string {
	fields := strings.Fields(line)
	switch {
	case len(fields) >= 2:
		return fields[1]
	case len(fields) == 1:
		return fields[0]
	default:
		return ""
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
