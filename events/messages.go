// Package events defines the realtime messages exchanged with control
// panels and the hub that delivers them.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/tomyedwab/etes/executables"
	"github.com/tomyedwab/etes/internal/apperr"
	"github.com/tomyedwab/etes/monitor"
	"github.com/tomyedwab/etes/processes"
	"github.com/tomyedwab/etes/sessions"
	"github.com/tomyedwab/etes/upstream"
)

// Type tags every message on the wire.
type Type string

const (
	TypeInitialState     Type = "initial_state"
	TypeServiceState     Type = "service_state"
	TypeExecutablesState Type = "executables_state"
	TypeGitHubState      Type = "github_state"
	TypeMemoryState      Type = "memory_state"
	TypeError            Type = "error"

	TypeStartService  Type = "start_service"
	TypeStopService   Type = "stop_service"
	TypeGitHubRefresh Type = "github_refresh"
)

type InitialStateMessage struct {
	Type        Type                     `json:"type"`
	Services    []processes.Service      `json:"services"`
	Executables []executables.Executable `json:"executables"`
	GitHub      upstream.State           `json:"github"`
	Memory      monitor.Sample           `json:"memory"`
}

type ServiceStateMessage struct {
	Type     Type                `json:"type"`
	Services []processes.Service `json:"services"`
}

type ExecutablesStateMessage struct {
	Type        Type                     `json:"type"`
	Executables []executables.Executable `json:"executables"`
}

type GitHubStateMessage struct {
	Type    Type           `json:"type"`
	Payload upstream.State `json:"payload"`
}

type MemoryStateMessage struct {
	Type  Type   `json:"type"`
	Used  uint64 `json:"used"`
	Total uint64 `json:"total"`
}

type ErrorMessage struct {
	Type    Type              `json:"type"`
	Message string            `json:"message"`
	User    sessions.Identity `json:"user"`
}

// PublicServices hides anonymous creators' caller ids.
func PublicServices(services []processes.Service) []processes.Service {
	out := make([]processes.Service, len(services))
	for i, svc := range services {
		out[i] = svc.Public()
	}
	return out
}

func InitialState(services []processes.Service, exes []executables.Executable, gh upstream.State, mem monitor.Sample) InitialStateMessage {
	if exes == nil {
		exes = []executables.Executable{}
	}
	return InitialStateMessage{
		Type:        TypeInitialState,
		Services:    PublicServices(services),
		Executables: exes,
		GitHub:      gh,
		Memory:      mem,
	}
}

func ServiceState(services []processes.Service) ServiceStateMessage {
	return ServiceStateMessage{Type: TypeServiceState, Services: PublicServices(services)}
}

func ExecutablesState(exes []executables.Executable) ExecutablesStateMessage {
	if exes == nil {
		exes = []executables.Executable{}
	}
	return ExecutablesStateMessage{Type: TypeExecutablesState, Executables: exes}
}

func GitHubState(state upstream.State) GitHubStateMessage {
	return GitHubStateMessage{Type: TypeGitHubState, Payload: state}
}

func MemoryState(sample monitor.Sample) MemoryStateMessage {
	return MemoryStateMessage{Type: TypeMemoryState, Used: sample.Used, Total: sample.Total}
}

// Error builds an error message addressed to user. A zero user means the
// error concerns everyone.
func Error(message string, user sessions.Identity) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message, User: user}
}

// ExecutableRef names an executable in a start command.
type ExecutableRef struct {
	Hash        string `json:"hash"`
	TriggerHash string `json:"triggerHash,omitempty"`
}

// Command is a request sent by a control panel. The user field clients
// attach is decoded but never trusted. A start command without a name
// gets a generated one.
type Command struct {
	Type       Type            `json:"type"`
	Name       string          `json:"name,omitempty"`
	Executable *ExecutableRef  `json:"executable,omitempty"`
	User       json.RawMessage `json:"user,omitempty"`
}

// ParseCommand decodes and validates an inbound message.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: malformed message: %v", apperr.ErrInvalid, err)
	}
	switch cmd.Type {
	case TypeStartService:
		if cmd.Executable == nil || cmd.Executable.Hash == "" {
			return Command{}, fmt.Errorf("%w: start_service requires an executable", apperr.ErrInvalid)
		}
	case TypeStopService:
		if cmd.Name == "" {
			return Command{}, fmt.Errorf("%w: stop_service requires a name", apperr.ErrInvalid)
		}
	case TypeGitHubRefresh:
	default:
		return Command{}, fmt.Errorf("%w: unsupported message type %q", apperr.ErrInvalid, cmd.Type)
	}
	return cmd, nil
}
