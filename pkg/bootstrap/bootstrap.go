package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pkgsmoke/pkgsmoke/pkg/lifecycle"
	"github.com/pkgsmoke/pkgsmoke/pkg/transports/ssh"
)

// Transport is the remote access the bootstrapper needs: command
// execution plus connection control, so each retry attempt can re-dial
// an instance whose shell service was not up yet.
type Transport interface {
	ssh.Executor
	Connect(ctx context.Context) error
	IsConnected() bool
}

// Config locates the toolchain pieces on the remote side.
type Config struct {
	// PkgutilPath is the installed package tool; its presence makes
	// Setup a no-op.
	PkgutilPath string

	// BootstrapURL is the fixed location of the standalone bootstrap
	// executable.
	BootstrapURL string

	// MirrorURL replaces the default catalog mirror.
	MirrorURL string

	// MirrorConfPath is the tool configuration file receiving the
	// mirror setting.
	MirrorConfPath string

	// RuntimePackage is the scripting runtime the bootstrap executable
	// depends on, installed with the native package tool first.
	RuntimePackage string

	// Aliases are classic package-command names symlinked to the
	// bootstrap executable.
	Aliases []string

	// Retry bounds the whole-setup retry loop. The interval is waited
	// before every attempt, the first included.
	Retry lifecycle.PollPolicy
}

// DefaultConfig returns the stock OpenCSW-style toolchain layout.
func DefaultConfig() Config {
	return Config{
		PkgutilPath:    "/opt/csw/bin/pkgutil",
		BootstrapURL:   "http://get.opencsw.org/now",
		MirrorURL:      "http://mirror.opencsw.org/opencsw/testing",
		MirrorConfPath: "/etc/opt/csw/pkgutil.conf",
		RuntimePackage: "runtime/perl",
		Aliases:        []string{"pkg-get", "pkgget"},
		Retry:          lifecycle.PollPolicy{MaxAttempts: 10, Interval: 30 * time.Second},
	}
}

// StepError reports a failed bootstrap step with its captured remote
// output, which is the only diagnostic an operator gets for a dead
// instance.
type StepError struct {
	Step       string
	ExitStatus int
	Output     string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("bootstrap step %q exited %d: %s", e.Step, e.ExitStatus, strings.TrimSpace(e.Output))
}

// Bootstrapper installs the package toolchain over a transport.
type Bootstrapper struct {
	transport Transport
	cfg       Config
	clock     lifecycle.Clock
}

// BootstrapperOption configures a Bootstrapper.
type BootstrapperOption func(*Bootstrapper)

// WithBootstrapClock replaces the real clock.
func WithBootstrapClock(clock lifecycle.Clock) BootstrapperOption {
	return func(b *Bootstrapper) { b.clock = clock }
}

// New creates a Bootstrapper.
func New(transport Transport, cfg Config, opts ...BootstrapperOption) *Bootstrapper {
	b := &Bootstrapper{
		transport: transport,
		cfg:       cfg,
		clock:     lifecycle.NewClock(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Setup makes the package toolchain available on the instance,
// retrying the entire attempt on any failure. Each attempt waits the
// retry interval first; the remote shell service usually needs the
// head start.
func (b *Bootstrapper) Setup(ctx context.Context) error {
	var lastErr error
	for attempt := 1; b.cfg.Retry.MaxAttempts == 0 || attempt <= b.cfg.Retry.MaxAttempts; attempt++ {
		if err := b.clock.Sleep(ctx, b.cfg.Retry.Interval); err != nil {
			return err
		}

		err := b.attempt(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("bootstrap attempt failed")
	}
	return fmt.Errorf("stack bootstrap failed after %d attempts: %w", b.cfg.Retry.MaxAttempts, lastErr)
}

func (b *Bootstrapper) attempt(ctx context.Context) error {
	if !b.transport.IsConnected() {
		if err := b.transport.Connect(ctx); err != nil {
			return fmt.Errorf("instance not reachable: %w", err)
		}
	}

	present, err := b.toolPresent(ctx)
	if err != nil {
		return err
	}
	if present {
		log.Info().Str("path", b.cfg.PkgutilPath).Msg("package tool already installed")
		return nil
	}

	if err := b.runStep(ctx, "install toolchain", b.installSequence()); err != nil {
		return err
	}
	if err := b.writeMirrorConf(ctx); err != nil {
		return err
	}
	if err := b.runStep(ctx, "self-update", b.cfg.PkgutilPath+" -y -u pkgutil"); err != nil {
		return err
	}

	log.Info().Str("path", b.cfg.PkgutilPath).Msg("package toolchain installed")
	return nil
}

// toolPresent probes for an executable package tool.
func (b *Bootstrapper) toolPresent(ctx context.Context) (bool, error) {
	res, err := b.transport.Run(ctx, "test -x "+b.cfg.PkgutilPath)
	if err != nil {
		return false, fmt.Errorf("tool probe failed: %w", err)
	}
	return res.ExitStatus == 0, nil
}

// installSequence is the short-circuit command chain installing the
// toolchain: any failing step aborts the rest.
func (b *Bootstrapper) installSequence() string {
	dir := dirOf(b.cfg.PkgutilPath)
	steps := []string{
		"pkg install -q --accept " + b.cfg.RuntimePackage,
		// The mirror conf directory is created here too; the later sftp
		// upload cannot create parents.
		"mkdir -p " + dir + " " + dirOf(b.cfg.MirrorConfPath),
		"/usr/bin/curl -s -o " + b.cfg.PkgutilPath + " " + b.cfg.BootstrapURL,
		"chmod +x " + b.cfg.PkgutilPath,
	}
	for _, alias := range b.cfg.Aliases {
		steps = append(steps, "ln -sf "+b.cfg.PkgutilPath+" "+dir+"/"+alias)
	}
	steps = append(steps, b.cfg.PkgutilPath+" -U")
	return strings.Join(steps, " && ")
}

func (b *Bootstrapper) runStep(ctx context.Context, step, cmd string) error {
	res, err := b.transport.Run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("bootstrap step %q: %w", step, err)
	}
	if res.ExitStatus != 0 {
		return &StepError{Step: step, ExitStatus: res.ExitStatus, Output: res.Output}
	}
	return nil
}

// writeMirrorConf points the tool at the configured catalog mirror.
func (b *Bootstrapper) writeMirrorConf(ctx context.Context) error {
	conf := "mirror=" + b.cfg.MirrorURL + "\n"
	if err := b.transport.WriteFile(ctx, b.cfg.MirrorConfPath, []byte(conf), 0o644); err != nil {
		return fmt.Errorf("mirror configuration: %w", err)
	}
	return nil
}

func dirOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i > 0 {
		return path[:i]
	}
	return "/"
}
