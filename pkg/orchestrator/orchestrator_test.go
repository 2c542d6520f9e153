package orchestrator

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pkgsmoke/pkgsmoke/pkg/bootstrap"
	"github.com/pkgsmoke/pkgsmoke/pkg/lifecycle"
	"github.com/pkgsmoke/pkgsmoke/pkg/pkgtest"
	"github.com/pkgsmoke/pkgsmoke/pkg/stores"
	"github.com/pkgsmoke/pkgsmoke/pkg/telemetry"
	"github.com/pkgsmoke/pkgsmoke/pkg/transports/ssh"
)

type fakeManager struct {
	createInst *lifecycle.Instance
	createErr  error
	ip         string
	ipErr      error

	createCalls   int
	teardownCalls []string
}

func (f *fakeManager) Create(_ context.Context, _, _ string) (*lifecycle.Instance, error) {
	f.createCalls++
	return f.createInst, f.createErr
}

func (f *fakeManager) GetIP(_ context.Context, _ string) (string, error) {
	return f.ip, f.ipErr
}

func (f *fakeManager) Teardown(_ context.Context, id string) error {
	f.teardownCalls = append(f.teardownCalls, id)
	return nil
}

type stubTransport struct{}

func (stubTransport) Run(_ context.Context, _ string) (ssh.CommandResult, error) {
	return ssh.CommandResult{}, nil
}
func (stubTransport) WriteFile(_ context.Context, _ string, _ []byte, _ uint32) error { return nil }
func (stubTransport) Connect(_ context.Context) error                                 { return nil }
func (stubTransport) IsConnected() bool                                               { return true }

type fakeBootstrapper struct {
	err   error
	calls int
}

func (f *fakeBootstrapper) Setup(_ context.Context) error {
	f.calls++
	return f.err
}

type fakeTester struct {
	selected  string
	selectErr error
	outcome   *pkgtest.Outcome

	selectCalls  int
	installCalls []string
}

func (f *fakeTester) SelectRandom(_ context.Context) (string, error) {
	f.selectCalls++
	return f.selected, f.selectErr
}

func (f *fakeTester) Install(_ context.Context, pkg string) (*pkgtest.Outcome, error) {
	f.installCalls = append(f.installCalls, pkg)
	return f.outcome, nil
}

type fakeRecorder struct {
	runs []stores.Run
}

func (f *fakeRecorder) SaveRun(_ context.Context, run stores.Run) error {
	f.runs = append(f.runs, run)
	return nil
}

type fakeGate struct {
	err   error
	calls int
}

func (f *fakeGate) Admit(_ context.Context, _, _ string) error {
	f.calls++
	return f.err
}

type harness struct {
	manager      *fakeManager
	bootstrapper *fakeBootstrapper
	tester       *fakeTester
	recorder     *fakeRecorder
	orch         *Orchestrator
}

func newHarness(opts ...OrchestratorOption) *harness {
	h := &harness{
		manager: &fakeManager{
			createInst: &lifecycle.Instance{ID: "abc123", State: lifecycle.StateRunning, IP: "192.0.2.55"},
		},
		bootstrapper: &fakeBootstrapper{},
		tester: &fakeTester{
			selected: "CSWgzip",
			outcome:  &pkgtest.Outcome{Package: "CSWgzip", Success: true},
		},
		recorder: &fakeRecorder{},
	}
	opts = append(opts, WithRecorder(h.recorder))
	h.orch = New(
		h.manager,
		func(string) (bootstrap.Transport, error) { return stubTransport{}, nil },
		func(bootstrap.Transport) StackBootstrapper { return h.bootstrapper },
		func(ssh.Executor) PackageTester { return h.tester },
		opts...,
	)
	return h
}

func runOpts() Options {
	return Options{ImageName: "base-64", InstanceType: "g4-highcpu-1G"}
}

func TestRunHappyPath(t *testing.T) {
	h := newHarness()

	result, err := h.orch.Run(context.Background(), runOpts())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.InstanceID != "abc123" || result.Package != "CSWgzip" || result.IP != "192.0.2.55" {
		t.Errorf("result = %+v", result)
	}
	if result.RunID == "" {
		t.Error("no run id assigned")
	}
	if h.bootstrapper.calls != 1 {
		t.Errorf("bootstrap calls = %d", h.bootstrapper.calls)
	}
	if len(h.manager.teardownCalls) != 1 || h.manager.teardownCalls[0] != "abc123" {
		t.Errorf("teardown calls = %v, want [abc123]", h.manager.teardownCalls)
	}

	if len(h.recorder.runs) != 1 {
		t.Fatalf("recorded runs = %d", len(h.recorder.runs))
	}
	rec := h.recorder.runs[0]
	if !rec.Success || rec.Package != "CSWgzip" || rec.Mode != "test" {
		t.Errorf("recorded run = %+v", rec)
	}
}

func TestRunTearsDownAfterFailedInstall(t *testing.T) {
	h := newHarness()
	h.tester.outcome = &pkgtest.Outcome{
		Package:        "CSWgzip",
		ExitStatus:     1,
		FilteredOutput: "ERROR: bad dependency",
	}

	result, err := h.orch.Run(context.Background(), runOpts())
	if !errors.Is(err, &RunError{Code: CodeInstallFailed}) {
		t.Fatalf("err = %v, want install failure", err)
	}
	if got := Diagnostics(err); got != "ERROR: bad dependency" {
		t.Errorf("diagnostics = %q", got)
	}
	if got := ExitCode(err); got != 8 {
		t.Errorf("exit code = %d, want 8", got)
	}
	if len(h.manager.teardownCalls) != 1 {
		t.Errorf("teardown calls = %v, want exactly one", h.manager.teardownCalls)
	}
	if result.Outcome == nil || result.Outcome.Success {
		t.Errorf("result outcome = %+v", result.Outcome)
	}

	rec := h.recorder.runs[0]
	if rec.Success || rec.FilteredOutput != "ERROR: bad dependency" || rec.ExitStatus != 1 {
		t.Errorf("recorded run = %+v", rec)
	}
}

func TestRunTearsDownPartiallyCreatedInstance(t *testing.T) {
	h := newHarness()
	h.manager.createInst = &lifecycle.Instance{ID: "abc123", State: lifecycle.StateProvisioning}
	h.manager.createErr = lifecycle.ErrProvisioningFailed

	_, err := h.orch.Run(context.Background(), runOpts())
	if !errors.Is(err, &RunError{Code: CodeProvisioningFailed}) {
		t.Fatalf("err = %v, want provisioning failure", err)
	}
	if len(h.manager.teardownCalls) != 1 {
		t.Error("an instance with a confirmed id must be torn down even when creation fails")
	}
}

func TestRunSkipsTeardownWithoutInstanceID(t *testing.T) {
	h := newHarness()
	h.manager.createInst = nil
	h.manager.createErr = lifecycle.ErrCreateFailed

	_, err := h.orch.Run(context.Background(), runOpts())
	if !errors.Is(err, &RunError{Code: CodeProvisioningFailed}) {
		t.Fatalf("err = %v", err)
	}
	if len(h.manager.teardownCalls) != 0 {
		t.Errorf("teardown calls = %v, want none without an id", h.manager.teardownCalls)
	}
}

func TestRunCreateOnly(t *testing.T) {
	h := newHarness()

	opts := runOpts()
	opts.CreateOnly = true

	result, err := h.orch.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.bootstrapper.calls != 0 || h.tester.selectCalls != 0 {
		t.Error("create-only must skip bootstrap and testing")
	}
	if len(h.manager.teardownCalls) != 1 {
		t.Error("create-only still tears down by default")
	}
	if result.Package != "" {
		t.Errorf("package = %q, want none", result.Package)
	}
	if h.recorder.runs[0].Mode != "create-only" {
		t.Errorf("recorded mode = %q", h.recorder.runs[0].Mode)
	}
}

func TestRunKeepInstanceDisarmsTeardown(t *testing.T) {
	h := newHarness()

	opts := runOpts()
	opts.CreateOnly = true
	opts.KeepInstance = true

	if _, err := h.orch.Run(context.Background(), opts); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.manager.teardownCalls) != 0 {
		t.Errorf("teardown calls = %v, want none when keeping the instance", h.manager.teardownCalls)
	}
}

func TestRunDeniedByGate(t *testing.T) {
	gate := &fakeGate{err: errors.New("admission denied: instance-type-allowlist")}
	h := newHarness(WithGate(gate))

	_, err := h.orch.Run(context.Background(), runOpts())
	if !errors.Is(err, &RunError{Code: CodePolicyDenied}) {
		t.Fatalf("err = %v, want policy denial", err)
	}
	if h.manager.createCalls != 0 {
		t.Error("denied runs must not provision instances")
	}
	if got := ExitCode(err); got != 3 {
		t.Errorf("exit code = %d, want 3", got)
	}
}

func TestRunExplicitPackageSkipsSelection(t *testing.T) {
	h := newHarness()

	opts := runOpts()
	opts.Package = "CSWwget"
	h.tester.outcome = &pkgtest.Outcome{Package: "CSWwget", Success: true}

	result, err := h.orch.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.tester.selectCalls != 0 {
		t.Error("explicit package must skip random selection")
	}
	if len(h.tester.installCalls) != 1 || h.tester.installCalls[0] != "CSWwget" {
		t.Errorf("install calls = %v", h.tester.installCalls)
	}
	if result.Package != "CSWwget" {
		t.Errorf("package = %q", result.Package)
	}
}

func TestRunBootstrapFailureCarriesDiagnostics(t *testing.T) {
	h := newHarness()
	h.bootstrapper.err = &bootstrap.StepError{
		Step:       "install toolchain",
		ExitStatus: 1,
		Output:     "pkgadd: ERROR: no route to mirror",
	}

	_, err := h.orch.Run(context.Background(), runOpts())
	if !errors.Is(err, &RunError{Code: CodeBootstrapFailed}) {
		t.Fatalf("err = %v, want bootstrap failure", err)
	}
	if got := Diagnostics(err); got != "pkgadd: ERROR: no route to mirror" {
		t.Errorf("diagnostics = %q", got)
	}
	if len(h.manager.teardownCalls) != 1 {
		t.Error("bootstrap failure still tears down")
	}
}

func newRecordingTracer() (*telemetry.Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return telemetry.NewTracerForProvider(provider, "pkgsmoke-test"), recorder
}

func spanNames(recorder *tracetest.SpanRecorder) []string {
	ended := recorder.Ended()
	names := make([]string, 0, len(ended))
	for _, span := range ended {
		names = append(names, span.Name())
	}
	return names
}

func TestRunEmitsSpansForEachPhase(t *testing.T) {
	tracer, recorder := newRecordingTracer()
	h := newHarness(WithTracer(tracer))

	if _, err := h.orch.Run(context.Background(), runOpts()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := map[string]bool{}
	for _, span := range recorder.Ended() {
		got[span.Name()] = true
	}
	for _, want := range []string{"run.execute", "phase.create", "phase.bootstrap", "phase.install", "phase.teardown"} {
		if !got[want] {
			t.Errorf("no %q span recorded, have %v", want, spanNames(recorder))
		}
	}
}

func TestRunSpansCarryFailureStatus(t *testing.T) {
	tracer, recorder := newRecordingTracer()
	h := newHarness(WithTracer(tracer))
	h.tester.outcome = &pkgtest.Outcome{
		Package:        "CSWgzip",
		ExitStatus:     1,
		FilteredOutput: "ERROR: bad dependency",
	}

	if _, err := h.orch.Run(context.Background(), runOpts()); err == nil {
		t.Fatal("expected install failure")
	}

	statuses := map[string]codes.Code{}
	for _, span := range recorder.Ended() {
		statuses[span.Name()] = span.Status().Code
	}
	if statuses["phase.install"] != codes.Error {
		t.Errorf("install span status = %v, want error", statuses["phase.install"])
	}
	if statuses["run.execute"] != codes.Error {
		t.Errorf("run span status = %v, want error", statuses["run.execute"])
	}
	if statuses["phase.teardown"] != codes.Ok {
		t.Errorf("teardown span status = %v, want ok", statuses["phase.teardown"])
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("unclassified"), 1},
		{&RunError{Code: CodeToolingMissing}, 2},
		{&RunError{Code: CodePolicyDenied}, 3},
		{&RunError{Code: CodeProvisioningFailed}, 4},
		{&RunError{Code: CodeNoAddress}, 5},
		{&RunError{Code: CodeBootstrapFailed}, 6},
		{&RunError{Code: CodeSelectionFailed}, 7},
		{&RunError{Code: CodeInstallFailed}, 8},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
