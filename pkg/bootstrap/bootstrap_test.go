package bootstrap

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pkgsmoke/pkgsmoke/pkg/lifecycle"
	"github.com/pkgsmoke/pkgsmoke/pkg/transports/ssh"
)

type fakeClock struct {
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	return nil
}

type remoteWrite struct {
	path    string
	content string
	mode    uint32
}

// fakeTransport scripts connection and per-step outcomes.
type fakeTransport struct {
	failConnects int // fail this many Connect calls first
	connects     int
	connected    bool

	probeStatus      int // exit status of the tool presence probe
	installStatus    int
	installOutput    string
	selfUpdateStatus int

	runs   []string
	writes []remoteWrite
}

func (f *fakeTransport) Connect(_ context.Context) error {
	f.connects++
	if f.connects <= f.failConnects {
		return errors.New("connection refused")
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) IsConnected() bool { return f.connected }

func (f *fakeTransport) Run(_ context.Context, cmd string) (ssh.CommandResult, error) {
	f.runs = append(f.runs, cmd)
	switch {
	case strings.HasPrefix(cmd, "test -x "):
		return ssh.CommandResult{ExitStatus: f.probeStatus}, nil
	case strings.Contains(cmd, " && "):
		return ssh.CommandResult{ExitStatus: f.installStatus, Output: f.installOutput}, nil
	case strings.Contains(cmd, " -y -u "):
		return ssh.CommandResult{ExitStatus: f.selfUpdateStatus}, nil
	default:
		return ssh.CommandResult{}, nil
	}
}

func (f *fakeTransport) WriteFile(_ context.Context, path string, content []byte, mode uint32) error {
	f.writes = append(f.writes, remoteWrite{path: path, content: string(content), mode: mode})
	return nil
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = lifecycle.PollPolicy{MaxAttempts: 10, Interval: 30 * time.Millisecond}
	return cfg
}

func TestSetupNoOpWhenToolPresent(t *testing.T) {
	transport := &fakeTransport{connected: true, probeStatus: 0}
	clock := &fakeClock{}
	b := New(transport, fastConfig(), WithBootstrapClock(clock))

	if err := b.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if len(transport.runs) != 1 {
		t.Errorf("commands run = %v, want probe only", transport.runs)
	}
	if len(transport.writes) != 0 {
		t.Error("no files should be written when the tool is present")
	}
	if len(clock.sleeps) != 1 {
		t.Errorf("sleeps = %d, want 1 (wait precedes every attempt)", len(clock.sleeps))
	}
}

func TestSetupInstallsToolchain(t *testing.T) {
	transport := &fakeTransport{connected: true, probeStatus: 1}
	b := New(transport, fastConfig(), WithBootstrapClock(&fakeClock{}))

	if err := b.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if len(transport.runs) != 3 {
		t.Fatalf("commands run = %d, want probe, install sequence, self-update", len(transport.runs))
	}

	seq := transport.runs[1]
	for _, want := range []string{
		"pkg install -q --accept runtime/perl",
		// Both the tool directory and the mirror conf directory must
		// exist before the download and the later sftp upload.
		"mkdir -p /opt/csw/bin /etc/opt/csw",
		"curl -s -o /opt/csw/bin/pkgutil http://get.opencsw.org/now",
		"chmod +x /opt/csw/bin/pkgutil",
		"ln -sf /opt/csw/bin/pkgutil /opt/csw/bin/pkg-get",
		"ln -sf /opt/csw/bin/pkgutil /opt/csw/bin/pkgget",
		"/opt/csw/bin/pkgutil -U",
	} {
		if !strings.Contains(seq, want) {
			t.Errorf("install sequence missing %q:\n%s", want, seq)
		}
	}
	if got := strings.Count(seq, " && "); got != 6 {
		t.Errorf("sequence joins %d steps with &&, want 6 joints", got)
	}

	if len(transport.writes) != 1 {
		t.Fatalf("writes = %d, want mirror configuration only", len(transport.writes))
	}
	w := transport.writes[0]
	if w.path != "/etc/opt/csw/pkgutil.conf" {
		t.Errorf("mirror conf written to %q", w.path)
	}
	if w.content != "mirror=http://mirror.opencsw.org/opencsw/testing\n" {
		t.Errorf("mirror conf content = %q", w.content)
	}

	if !strings.Contains(transport.runs[2], "-y -u pkgutil") {
		t.Errorf("final command %q is not the self-update", transport.runs[2])
	}
}

func TestSetupRetriesUntilShellReady(t *testing.T) {
	transport := &fakeTransport{failConnects: 2, probeStatus: 1}
	clock := &fakeClock{}
	b := New(transport, fastConfig(), WithBootstrapClock(clock))

	if err := b.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if transport.connects != 3 {
		t.Errorf("connect attempts = %d, want 3", transport.connects)
	}
	if len(clock.sleeps) != 3 {
		t.Errorf("sleeps = %d, want one before each attempt", len(clock.sleeps))
	}
}

func TestSetupExhaustionReportsDiagnostics(t *testing.T) {
	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 3

	transport := &fakeTransport{
		connected:     true,
		probeStatus:   1,
		installStatus: 1,
		installOutput: "pkgadd: ERROR: no route to mirror\n",
	}
	b := New(transport, cfg, WithBootstrapClock(&fakeClock{}))

	err := b.Setup(context.Background())
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("err = %v, want StepError in chain", err)
	}
	if !strings.Contains(stepErr.Output, "no route to mirror") {
		t.Errorf("diagnostics lost: %q", stepErr.Output)
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("err = %v, want attempt count", err)
	}
}
