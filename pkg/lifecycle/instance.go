package lifecycle

import (
	"fmt"
	"os"
	"time"
)

// State is the lifecycle state of the instance. Transitions are driven
// exclusively by polled provider state, never assumed from a prior local
// write.
type State string

const (
	StateRequested    State = "requested"
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateFailed       State = "failed"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateDeleting     State = "deleting"
	StateDeleted      State = "deleted"
)

// Instance is the one cloud compute resource a run manages.
type Instance struct {
	// ID is the provider-assigned identifier, unknown until creation is
	// confirmed.
	ID string

	// CreationTag is the locally generated token attached to the
	// creation request as metadata. If the creation response is lost the
	// instance is re-discovered by this tag.
	CreationTag string

	// State is the last state observed from the provider.
	State State

	// IP is the address assigned once the instance is running.
	IP string
}

// CreationTagKey is the metadata key the tag is stored under.
const CreationTagKey = "pkgsmoke"

// NewCreationTag builds a creation tag from the local hostname, process
// id, and a nanosecond timestamp. The composition is assumed unique
// across concurrent invocations; nanosecond resolution keeps rapid
// repeated runs from colliding.
func NewCreationTag() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), time.Now().UnixNano())
}
