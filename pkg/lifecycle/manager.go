package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pkgsmoke/pkgsmoke/pkg/cloudapi"
	"github.com/pkgsmoke/pkgsmoke/pkg/telemetry"
)

// CloudAPI is the slice of the control-plane client the lifecycle manager
// needs. Tests substitute a fake.
type CloudAPI interface {
	ListImages(ctx context.Context, name string) ([]cloudapi.Image, error)
	CreateMachine(ctx context.Context, req cloudapi.CreateMachineRequest) (*cloudapi.Machine, error)
	ListMachinesByTag(ctx context.Context, pkg, tagKey, tagValue string) ([]cloudapi.Machine, error)
	GetMachine(ctx context.Context, id string) (*cloudapi.Machine, error)
	StopMachine(ctx context.Context, id string) error
	DeleteMachine(ctx context.Context, id string) error
}

// ErrProvisioningFailed is returned when the provider reports the
// terminal "failed" state for a machine being provisioned.
var ErrProvisioningFailed = errors.New("provider reported provisioning failure")

// ErrCreateFailed is returned when no instance id could be resolved, even
// after tag-based reconciliation.
var ErrCreateFailed = errors.New("instance creation could not be confirmed")

// ErrNoIP is returned when a running instance has no address assigned.
var ErrNoIP = errors.New("no ip address assigned")

// ErrTeardownExhausted is returned when a bounded teardown loop runs out
// of attempts before reaching its terminal state.
var ErrTeardownExhausted = errors.New("teardown attempts exhausted")

// Policies bounds the manager's polling loops.
type Policies struct {
	// Reconcile drives tag-lookup after an ambiguous creation response.
	Reconcile PollPolicy

	// Provision drives the wait for the running state. MaxAttempts 0
	// polls until a terminal state is observed, trading latency for
	// correctness during initial provisioning.
	Provision PollPolicy

	// Stop and Delete drive the teardown loops. MaxAttempts 0 retries
	// forever; whether teardown should hang or fail loudly is a
	// deployment decision, so it is a knob rather than a constant.
	Stop   PollPolicy
	Delete PollPolicy

	// StopRequestEvery re-issues the stop request every Nth iteration of
	// the stop loop (the first iteration always issues it).
	StopRequestEvery int
}

// DefaultPolicies mirrors the historic cadence: 10 reconciliation
// attempts 30s apart, 5s state polls, unbounded provision/teardown.
func DefaultPolicies() Policies {
	return Policies{
		Reconcile:        PollPolicy{MaxAttempts: 10, Interval: 30 * time.Second},
		Provision:        PollPolicy{MaxAttempts: 0, Interval: 5 * time.Second},
		Stop:             PollPolicy{MaxAttempts: 0, Interval: 5 * time.Second},
		Delete:           PollPolicy{MaxAttempts: 0, Interval: 5 * time.Second},
		StopRequestEvery: 10,
	}
}

// Manager owns creation, readiness polling, and teardown of a single
// compute instance.
type Manager struct {
	api      CloudAPI
	clock    Clock
	policies Policies
	metrics  *telemetry.Metrics
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock replaces the real clock, letting tests run without delays.
func WithClock(clock Clock) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

// WithPolicies overrides the default poll policies.
func WithPolicies(p Policies) ManagerOption {
	return func(m *Manager) { m.policies = p }
}

// WithManagerMetrics attaches a metrics collector.
func WithManagerMetrics(metrics *telemetry.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a lifecycle manager on top of the given API client.
func NewManager(api CloudAPI, opts ...ManagerOption) *Manager {
	m := &Manager{
		api:      api,
		clock:    NewClock(),
		policies: DefaultPolicies(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create provisions one instance of the given type from the named image
// and waits until the provider reports it running.
//
// An empty or failed creation response is not treated as failure: the
// machine may exist anyway. The manager reconciles by polling for
// machines carrying this run's creation tag, which prevents both an
// orphaned instance that is never torn down and a spurious duplicate
// creation.
func (m *Manager) Create(ctx context.Context, imageName, instanceType string) (*Instance, error) {
	image, err := m.resolveImage(ctx, imageName)
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		CreationTag: NewCreationTag(),
		State:       StateRequested,
	}

	log.Info().
		Str("image_id", image.ID).
		Str("instance_type", instanceType).
		Str("creation_tag", inst.CreationTag).
		Msg("requesting instance")

	machine, err := m.api.CreateMachine(ctx, cloudapi.CreateMachineRequest{
		Name:    "pkgsmoke-" + inst.CreationTag,
		ImageID: image.ID,
		Package: instanceType,
		Tags:    map[string]string{CreationTagKey: inst.CreationTag},
	})
	if err != nil || machine == nil {
		if err != nil {
			log.Warn().Err(err).Msg("creation response lost, reconciling by tag")
		} else {
			log.Warn().Msg("creation response empty, reconciling by tag")
		}
		machine, err = m.reconcileByTag(ctx, instanceType, inst.CreationTag)
		if err != nil {
			return nil, err
		}
	}
	if machine == nil || machine.ID == "" {
		return nil, ErrCreateFailed
	}

	inst.ID = machine.ID
	inst.State = StateProvisioning
	log.Info().Str("instance_id", inst.ID).Msg("instance id confirmed, waiting for running state")

	if err := m.waitForRunning(ctx, inst); err != nil {
		return inst, err
	}
	return inst, nil
}

// resolveImage picks the most recently published catalog image matching
// the given name.
func (m *Manager) resolveImage(ctx context.Context, name string) (*cloudapi.Image, error) {
	images, err := m.api.ListImages(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("image lookup failed: %w", err)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no image named %q in the catalog", name)
	}

	latest := images[0]
	for _, img := range images[1:] {
		if img.PublishedAt.After(latest.PublishedAt) {
			latest = img
		}
	}

	log.Debug().
		Str("image_id", latest.ID).
		Time("published_at", latest.PublishedAt).
		Int("candidates", len(images)).
		Msg("resolved image")

	return &latest, nil
}

// reconcileByTag polls for machines of the given type carrying the
// creation tag, deciding whether an ambiguous creation call actually
// created a machine.
func (m *Manager) reconcileByTag(ctx context.Context, instanceType, tag string) (*cloudapi.Machine, error) {
	state := pollState{}
	for {
		if err := m.clock.Sleep(ctx, m.policies.Reconcile.Interval); err != nil {
			return nil, err
		}
		m.recordPoll("reconcile")

		machines, err := m.api.ListMachinesByTag(ctx, instanceType, CreationTagKey, tag)
		if err != nil {
			log.Debug().Err(err).Int("attempt", state.iteration+1).Msg("tag lookup failed, retrying")
		}
		for i := range machines {
			if machines[i].Tags[CreationTagKey] == tag {
				log.Info().
					Str("instance_id", machines[i].ID).
					Int("attempt", state.iteration+1).
					Msg("recovered instance by creation tag")
				return &machines[i], nil
			}
		}

		if !state.next(m.policies.Reconcile) {
			return nil, fmt.Errorf("%w: no machine with tag %s after %d attempts",
				ErrCreateFailed, tag, state.iteration)
		}
	}
}

// waitForRunning polls instance state until it reaches running or failed.
func (m *Manager) waitForRunning(ctx context.Context, inst *Instance) error {
	state := pollState{}
	for {
		m.recordPoll("provision")
		machine, err := m.api.GetMachine(ctx, inst.ID)
		if err != nil {
			// Transient unavailability of the state endpoint; the next
			// poll disambiguates.
			log.Debug().Err(err).Msg("state poll failed, retrying")
		} else if machine != nil {
			inst.State = State(machine.State)
			switch machine.State {
			case "running":
				inst.IP = primaryIP(machine)
				log.Info().Str("instance_id", inst.ID).Str("ip", inst.IP).Msg("instance running")
				return nil
			case "failed":
				return fmt.Errorf("%w: instance %s", ErrProvisioningFailed, inst.ID)
			}
		}

		if !state.next(m.policies.Provision) {
			return fmt.Errorf("instance %s not running after %d polls", inst.ID, state.iteration)
		}
		if err := m.clock.Sleep(ctx, m.policies.Provision.Interval); err != nil {
			return err
		}
	}
}

// GetIP returns the instance's first assigned address. An empty result is
// a connectivity failure for the caller to classify.
func (m *Manager) GetIP(ctx context.Context, id string) (string, error) {
	machine, err := m.api.GetMachine(ctx, id)
	if err != nil {
		return "", fmt.Errorf("address lookup failed: %w", err)
	}
	if machine == nil {
		return "", fmt.Errorf("%w: machine %s not found", ErrNoIP, id)
	}
	ip := primaryIP(machine)
	if ip == "" {
		return "", fmt.Errorf("%w: machine %s", ErrNoIP, id)
	}
	return ip, nil
}

// Teardown drives the instance to deleted: a stop loop, then a delete
// loop. Both requests are idempotent on the provider side, so re-issuing
// them against noisy intermediate states is safe. Request failures are
// ignored; only the polled state decides progress.
func (m *Manager) Teardown(ctx context.Context, id string) error {
	log.Info().Str("instance_id", id).Msg("tearing down instance")

	if err := m.stopLoop(ctx, id); err != nil {
		return err
	}
	return m.deleteLoop(ctx, id)
}

// stopLoop polls until the machine reports stopped, re-issuing the stop
// request on a stepped cadence (every Nth iteration including the first).
func (m *Manager) stopLoop(ctx context.Context, id string) error {
	state := pollState{stepEvery: m.policies.StopRequestEvery}
	for {
		if state.step() {
			if err := m.api.StopMachine(ctx, id); err != nil {
				log.Debug().Err(err).Msg("stop request failed, poll decides")
			}
		}
		m.recordPoll("stop")

		machine, err := m.api.GetMachine(ctx, id)
		if err != nil {
			log.Debug().Err(err).Msg("stop poll failed, retrying")
		} else if machine == nil || isGone(machine.State) {
			// Already deleted out from under us; nothing left to stop.
			return nil
		} else if machine.State == "stopped" {
			log.Info().Str("instance_id", id).Msg("instance stopped")
			return nil
		}

		if !state.next(m.policies.Stop) {
			return fmt.Errorf("%w: instance %s never stopped", ErrTeardownExhausted, id)
		}
		if err := m.clock.Sleep(ctx, m.policies.Stop.Interval); err != nil {
			return err
		}
	}
}

// deleteLoop issues the delete request every iteration and polls until
// the machine is gone.
func (m *Manager) deleteLoop(ctx context.Context, id string) error {
	state := pollState{}
	for {
		if err := m.api.DeleteMachine(ctx, id); err != nil {
			log.Debug().Err(err).Msg("delete request failed, poll decides")
		}
		m.recordPoll("delete")

		machine, err := m.api.GetMachine(ctx, id)
		if err != nil {
			var apiErr *cloudapi.APIError
			if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusGone) {
				log.Info().Str("instance_id", id).Msg("instance deleted")
				return nil
			}
			log.Debug().Err(err).Msg("delete poll failed, retrying")
		} else if machine == nil || isGone(machine.State) {
			log.Info().Str("instance_id", id).Msg("instance deleted")
			return nil
		}

		if !state.next(m.policies.Delete) {
			return fmt.Errorf("%w: instance %s never deleted", ErrTeardownExhausted, id)
		}
		if err := m.clock.Sleep(ctx, m.policies.Delete.Interval); err != nil {
			return err
		}
	}
}

func (m *Manager) recordPoll(phase string) {
	if m.metrics != nil {
		m.metrics.RecordPollIteration(phase)
	}
}

// primaryIP returns the machine's first assigned address.
func primaryIP(machine *cloudapi.Machine) string {
	if machine.PrimaryIP != "" {
		return machine.PrimaryIP
	}
	if len(machine.IPs) > 0 {
		return machine.IPs[0]
	}
	return ""
}

// isGone reports whether a polled state means the machine no longer
// exists.
func isGone(state string) bool {
	return state == "deleted"
}
