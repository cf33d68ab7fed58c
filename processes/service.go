package processes

import (
	"os/exec"
	"time"

	"github.com/tomyedwab/etes/executables"
	"github.com/tomyedwab/etes/sessions"
)

// State is the lifecycle state of a service.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateError   State = "error"
	StateStopped State = "stopped"
)

// Live reports whether a service in state s still holds its name.
func (s State) Live() bool {
	return s != StateStopped
}

// Service is a snapshot of one ephemeral service.
type Service struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Port       int                    `json:"port"`
	PID        int                    `json:"pid,omitempty"`
	Executable executables.Executable `json:"executable"`
	State      State                  `json:"state"`
	Error      string                 `json:"error,omitempty"`
	Creator    sessions.Identity      `json:"creator"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// Public returns the snapshot as shown to operators other than the creator.
func (s Service) Public() Service {
	s.Creator = s.Creator.Public()
	return s
}

// managedService is the supervisor's private record of a service. All
// fields except logs are guarded by the supervisor's mutex.
type managedService struct {
	Service

	cmd          *exec.Cmd
	stdout       *lineWriter
	stderr       *lineWriter
	logs         *LogBuffer
	spawned      chan struct{}
	exited       chan struct{}
	exitErr      error
	stopping     bool
	portReleased bool
}

func (ms *managedService) hasExited() bool {
	select {
	case <-ms.exited:
		return true
	default:
		return false
	}
}

type eventKind int

const (
	eventReady eventKind = iota
	eventNotReady
	eventExited
)

// supervisorEvent is an asynchronous observation about a process, applied
// to the service table by the Run loop.
type supervisorEvent struct {
	kind      eventKind
	name      string
	serviceID string
	reason    string
}
