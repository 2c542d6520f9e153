package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/pkgsmoke/pkgsmoke/pkg/bootstrap"
	"github.com/pkgsmoke/pkgsmoke/pkg/lifecycle"
	"github.com/pkgsmoke/pkgsmoke/pkg/pkgtest"
	"github.com/pkgsmoke/pkgsmoke/pkg/stores"
	"github.com/pkgsmoke/pkgsmoke/pkg/telemetry"
	"github.com/pkgsmoke/pkgsmoke/pkg/transports/ssh"
)

// InstanceManager is the lifecycle slice the orchestrator drives.
type InstanceManager interface {
	Create(ctx context.Context, imageName, instanceType string) (*lifecycle.Instance, error)
	GetIP(ctx context.Context, id string) (string, error)
	Teardown(ctx context.Context, id string) error
}

// StackBootstrapper installs the package toolchain on an instance.
type StackBootstrapper interface {
	Setup(ctx context.Context) error
}

// PackageTester selects and installs packages.
type PackageTester interface {
	SelectRandom(ctx context.Context) (string, error)
	Install(ctx context.Context, pkg string) (*pkgtest.Outcome, error)
}

// Recorder persists finished runs. Recording failures are logged, never
// fatal.
type Recorder interface {
	SaveRun(ctx context.Context, run stores.Run) error
}

// Gate admits or denies a run before any instance is provisioned.
type Gate interface {
	Admit(ctx context.Context, instanceType, pkg string) error
}

// TransportFactory dials a remote transport for the given address.
type TransportFactory func(ip string) (bootstrap.Transport, error)

// BootstrapperFactory builds a bootstrapper over a dialed transport.
type BootstrapperFactory func(t bootstrap.Transport) StackBootstrapper

// TesterFactory builds a package tester over a dialed transport.
type TesterFactory func(exec ssh.Executor) PackageTester

// Options selects what one run does.
type Options struct {
	// ImageName and InstanceType describe the instance to provision.
	ImageName    string
	InstanceType string

	// Package overrides random selection when set.
	Package string

	// CreateOnly provisions and stops, skipping bootstrap and install.
	CreateOnly bool

	// KeepInstance disarms the guaranteed teardown.
	KeepInstance bool
}

// Result is what a run produced, populated as far as the run got.
type Result struct {
	RunID      string           `json:"run_id" yaml:"run_id"`
	InstanceID string           `json:"instance_id,omitempty" yaml:"instance_id,omitempty"`
	IP         string           `json:"ip,omitempty" yaml:"ip,omitempty"`
	Package    string           `json:"package,omitempty" yaml:"package,omitempty"`
	CreateOnly bool             `json:"create_only,omitempty" yaml:"create_only,omitempty"`
	Outcome    *pkgtest.Outcome `json:"outcome,omitempty" yaml:"outcome,omitempty"`
}

// Orchestrator wires the run pipeline together.
type Orchestrator struct {
	manager         InstanceManager
	newTransport    TransportFactory
	newBootstrapper BootstrapperFactory
	newTester       TesterFactory
	gate            Gate
	recorder        Recorder
	metrics         *telemetry.Metrics
	tracer          *telemetry.Tracer
}

// OrchestratorOption configures optional collaborators.
type OrchestratorOption func(*Orchestrator)

// WithGate installs an admission gate.
func WithGate(gate Gate) OrchestratorOption {
	return func(o *Orchestrator) { o.gate = gate }
}

// WithRecorder installs run-history persistence.
func WithRecorder(recorder Recorder) OrchestratorOption {
	return func(o *Orchestrator) { o.recorder = recorder }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(metrics *telemetry.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = metrics }
}

// WithTracer attaches a tracer.
func WithTracer(tracer *telemetry.Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// New creates an Orchestrator.
func New(manager InstanceManager, newTransport TransportFactory, newBootstrapper BootstrapperFactory, newTester TesterFactory, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		manager:         manager,
		newTransport:    newTransport,
		newBootstrapper: newBootstrapper,
		newTester:       newTester,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one smoke-test run. Whatever step fails, an instance
// whose id was confirmed is torn down before Run returns, unless
// Options.KeepInstance disarms that.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (result *Result, err error) {
	result = &Result{
		RunID:      uuid.NewString(),
		CreateOnly: opts.CreateOnly,
	}
	started := time.Now()

	logger := log.With().Str("run_id", result.RunID).Logger()
	logger.Info().
		Str("image", opts.ImageName).
		Str("instance_type", opts.InstanceType).
		Bool("create_only", opts.CreateOnly).
		Msg("starting run")

	if o.metrics != nil {
		o.metrics.RecordRunStarted(mode(opts))
	}
	defer func() { o.finish(ctx, result, opts, started, err) }()

	if o.tracer != nil {
		var runSpan trace.Span
		ctx, runSpan = o.tracer.StartRunSpan(ctx, result.RunID)
		defer func() { endSpan(runSpan, err) }()
	}

	if o.gate != nil {
		if gateErr := o.gate.Admit(ctx, opts.InstanceType, opts.Package); gateErr != nil {
			return result, newRunError(CodePolicyDenied, "run rejected by admission policy", gateErr)
		}
	}

	createCtx, createSpan := o.startPhase(ctx, "create", "")
	inst, createErr := o.manager.Create(createCtx, opts.ImageName, opts.InstanceType)
	if inst != nil && inst.ID != "" {
		result.InstanceID = inst.ID
		createSpan.SetAttributes(telemetry.AttrInstanceID.String(inst.ID))
		// Teardown is armed the moment an id exists, so every exit path
		// below releases the instance.
		if !opts.KeepInstance {
			defer o.teardown(ctx, inst.ID)
		}
	}
	endSpan(createSpan, createErr)
	if createErr != nil {
		return result, newRunError(CodeProvisioningFailed, "instance creation failed", createErr)
	}
	result.IP = inst.IP

	if opts.CreateOnly {
		logger.Info().Str("instance_id", inst.ID).Msg("create-only run complete")
		return result, nil
	}

	if result.IP == "" {
		ip, ipErr := o.manager.GetIP(ctx, inst.ID)
		if ipErr != nil {
			return result, newRunError(CodeNoAddress, "instance has no reachable address", ipErr)
		}
		result.IP = ip
	}

	transport, dialErr := o.newTransport(result.IP)
	if dialErr != nil {
		return result, newRunError(CodeToolingMissing, "remote transport setup failed", dialErr)
	}

	bootCtx, bootSpan := o.startPhase(ctx, "bootstrap", inst.ID)
	bootErr := o.newBootstrapper(transport).Setup(bootCtx)
	endSpan(bootSpan, bootErr)
	if bootErr != nil {
		return result, &RunError{
			Code:        CodeBootstrapFailed,
			Message:     "stack bootstrap failed",
			Diagnostics: bootstrapDiagnostics(bootErr),
			Err:         bootErr,
		}
	}

	tester := o.newTester(transport)

	pkg := opts.Package
	if pkg == "" {
		selected, selErr := tester.SelectRandom(ctx)
		if selErr != nil {
			return result, newRunError(CodeSelectionFailed, "package selection failed", selErr)
		}
		pkg = selected
	}
	result.Package = pkg

	installCtx, installSpan := o.startPhase(ctx, "install", inst.ID)
	installSpan.SetAttributes(telemetry.AttrPackage.String(pkg))
	outcome, installErr := tester.Install(installCtx, pkg)
	if installErr != nil {
		runErr := newRunError(CodeInstallFailed, "package installation failed", installErr)
		endSpan(installSpan, runErr)
		return result, runErr
	}
	result.Outcome = outcome
	if !outcome.Success {
		runErr := &RunError{
			Code:        CodeInstallFailed,
			Message:     "package " + pkg + " did not install cleanly",
			Diagnostics: outcome.FilteredOutput,
		}
		endSpan(installSpan, runErr)
		return result, runErr
	}
	endSpan(installSpan, nil)

	logger.Info().Str("package", pkg).Msg("run succeeded")
	return result, nil
}

// Destroy tears down an instance by id, for runs that were kept or
// orphaned.
func (o *Orchestrator) Destroy(ctx context.Context, instanceID string) error {
	return o.manager.Teardown(ctx, instanceID)
}

// teardown releases the instance. A teardown error does not change the
// run's outcome; it is logged and the instance left for a later
// destroy.
func (o *Orchestrator) teardown(ctx context.Context, instanceID string) {
	ctx, span := o.startPhase(ctx, "teardown", instanceID)
	err := o.manager.Teardown(ctx, instanceID)
	endSpan(span, err)
	if err != nil {
		log.Error().Err(err).Str("instance_id", instanceID).Msg("teardown did not converge, instance may linger")
	}
}

// startPhase opens a span for one pipeline phase. Without a tracer the
// span from the context is returned, which is non-recording, so End
// and status calls are safe no-ops.
func (o *Orchestrator) startPhase(ctx context.Context, phase, instanceID string) (context.Context, trace.Span) {
	if o.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return o.tracer.StartPhaseSpan(ctx, phase, instanceID)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	span.End()
}

func (o *Orchestrator) finish(ctx context.Context, result *Result, opts Options, started time.Time, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	if o.metrics != nil {
		o.metrics.RecordRunCompleted(status, time.Since(started))
		if err != nil {
			var runErr *RunError
			if errors.As(err, &runErr) {
				o.metrics.RecordError(string(runErr.Code))
			}
		}
	}

	if o.recorder == nil {
		return
	}
	run := stores.Run{
		ID:         result.RunID,
		InstanceID: result.InstanceID,
		Package:    result.Package,
		Mode:       mode(opts),
		Success:    err == nil,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if result.Outcome != nil {
		run.ExitStatus = result.Outcome.ExitStatus
		run.FilteredOutput = result.Outcome.FilteredOutput
	}
	if err != nil {
		run.Error = err.Error()
	}
	if saveErr := o.recorder.SaveRun(ctx, run); saveErr != nil {
		log.Warn().Err(saveErr).Str("run_id", result.RunID).Msg("failed to record run")
	}
}

func mode(opts Options) string {
	if opts.CreateOnly {
		return "create-only"
	}
	return "test"
}

func bootstrapDiagnostics(err error) string {
	var stepErr *bootstrap.StepError
	if errors.As(err, &stepErr) {
		return stepErr.Output
	}
	return ""
}
