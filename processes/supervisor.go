// Package processes runs and supervises ephemeral services: one child
// process per service, each on its own port and reachable by name.
package processes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/tomyedwab/etes/executables"
	"github.com/tomyedwab/etes/internal/apperr"
	"github.com/tomyedwab/etes/sessions"
)

const (
	defaultReadinessTimeout = 10 * time.Second
	defaultProbeInterval    = time.Second
	defaultGracePeriod      = 10 * time.Second
	defaultReapInterval     = 5 * time.Second
	defaultLogCapacity      = 1000
	killWait                = 5 * time.Second
	eventQueueSize          = 256
)

// ExecutableSource resolves the binary a service runs.
type ExecutableSource interface {
	Lookup(contentHash string) (executables.Executable, bool)
}

// Publisher receives the full service list after every state transition.
// It is called with the supervisor's lock held and must not block or call
// back into the supervisor.
type Publisher interface {
	ServicesChanged(services []Service)
}

// Config holds the supervisor's settings and collaborators.
type Config struct {
	// CommandArgs is passed to every executable after "{port}" substitution.
	CommandArgs []string
	WorkDir     string
	Env         []string

	ReadinessTimeout time.Duration
	ProbeInterval    time.Duration
	GracePeriod      time.Duration
	ReapInterval     time.Duration
	LogCapacity      int

	Executables   ExecutableSource
	PortManager   *PortManager
	Routes        *RouteTable
	HealthChecker HealthChecker
	Publisher     Publisher
	Logger        *slog.Logger
}

// StartRequest asks for a new service.
type StartRequest struct {
	Name        string
	ContentHash string
	Creator     sessions.Identity
}

// Supervisor owns the table of live services. Process observations arrive
// as events and are applied one at a time by Run.
type Supervisor struct {
	mu       sync.Mutex
	services map[string]*managedService
	stopDone map[string]chan struct{}

	config  Config
	ports   *PortManager
	routes  *RouteTable
	checker HealthChecker
	logger  *slog.Logger

	events    chan supervisorEvent
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewSupervisor(config Config) (*Supervisor, error) {
	if config.Executables == nil {
		return nil, errors.New("supervisor requires an executable source")
	}
	if len(config.CommandArgs) == 0 {
		return nil, errors.New("supervisor requires a command template")
	}
	if config.PortManager == nil {
		return nil, errors.New("supervisor requires a port manager")
	}
	if config.ReadinessTimeout <= 0 {
		config.ReadinessTimeout = defaultReadinessTimeout
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = defaultProbeInterval
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = defaultGracePeriod
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = defaultReapInterval
	}
	if config.LogCapacity <= 0 {
		config.LogCapacity = defaultLogCapacity
	}
	if config.Routes == nil {
		config.Routes = NewRouteTable()
	}
	if config.HealthChecker == nil {
		config.HealthChecker = NewTCPHealthChecker(config.ProbeInterval)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Supervisor{
		services: make(map[string]*managedService),
		stopDone: make(map[string]chan struct{}),
		config:   config,
		ports:    config.PortManager,
		routes:   config.Routes,
		checker:  config.HealthChecker,
		logger:   config.Logger.With("component", "supervisor"),
		events:   make(chan supervisorEvent, eventQueueSize),
		closed:   make(chan struct{}),
	}, nil
}

// Routes is the table the subdomain router reads.
func (s *Supervisor) Routes() *RouteTable {
	return s.routes
}

// Run applies process events and periodically reaps vanished processes
// until ctx is cancelled, then stops every service.
func (s *Supervisor) Run(ctx context.Context) {
	s.logger.Info("Supervisor starting", "reap_interval", s.config.ReapInterval)
	ticker := time.NewTicker(s.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Supervisor stopping")
			s.Shutdown(context.Background())
			return
		case <-s.closed:
			return
		case ev := <-s.events:
			s.apply(ev)
		case <-ticker.C:
			s.Reap()
		}
	}
}

// StartService reserves the name and a port, spawns the executable and
// returns the new service in state pending. Readiness is observed
// asynchronously.
func (s *Supervisor) StartService(ctx context.Context, req StartRequest) (Service, error) {
	name, ok := NormalizeName(req.Name)
	if !ok {
		return Service{}, fmt.Errorf("%w: service name %q must be letters, digits and dashes and not a commit hash", apperr.ErrInvalid, req.Name)
	}
	if req.Creator.IsZero() {
		return Service{}, fmt.Errorf("%w: service creator is required", apperr.ErrInvalid)
	}
	exe, ok := s.config.Executables.Lookup(req.ContentHash)
	if !ok {
		return Service{}, fmt.Errorf("%w: no executable for commit %s", apperr.ErrNotFound, req.ContentHash)
	}

	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return Service{}, fmt.Errorf("%w: supervisor is shutting down", apperr.ErrProcessFailure)
	default:
	}
	if _, taken := s.services[name]; taken {
		s.mu.Unlock()
		return Service{}, fmt.Errorf("%w: service %s already exists", apperr.ErrConflict, name)
	}
	port, err := s.ports.AllocatePort()
	if err != nil {
		s.mu.Unlock()
		return Service{}, err
	}
	ms := s.newRecord(name, port, exe, req.Creator)
	s.services[name] = ms
	s.publishLocked()
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		s.rollback(ms)
		return Service{}, err
	}

	cmd, spawnErr := s.spawn(ms)

	s.mu.Lock()
	defer s.mu.Unlock()
	if spawnErr != nil {
		ms.State = StateError
		ms.Error = fmt.Sprintf("failed to start: %v", spawnErr)
		s.releasePortLocked(ms)
		close(ms.exited)
		close(ms.spawned)
		s.publishLocked()
		s.logger.Error("Failed to spawn service", "service", name, "error", spawnErr)
		return ms.Service, fmt.Errorf("%w: starting %s: %v", apperr.ErrProcessFailure, name, spawnErr)
	}
	ms.cmd = cmd
	ms.PID = cmd.Process.Pid
	if !ms.stopping {
		s.routes.Set(name, Route{ServiceID: ms.ID, Port: port})
	}
	close(ms.spawned)

	s.wg.Add(2)
	go s.watch(ms)
	go s.probe(ms)

	s.logger.Info("Service started",
		"service", name,
		"service_id", ms.ID,
		"pid", ms.PID,
		"port", port,
		"executable", exe.ContentHash,
		"creator", req.Creator.String())
	return ms.Service, nil
}

// StartGenerated starts req under a generated name, choosing another name
// when a concurrent start takes the first one.
func (s *Supervisor) StartGenerated(ctx context.Context, names *NameGenerator, req StartRequest) (Service, error) {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		taken := s.Names()
		req.Name = names.GenerateUnused(func(name string) bool { return taken[name] })
		var svc Service
		svc, err = s.StartService(ctx, req)
		if !errors.Is(err, apperr.ErrConflict) {
			return svc, err
		}
	}
	return Service{}, err
}

func (s *Supervisor) newRecord(name string, port int, exe executables.Executable, creator sessions.Identity) *managedService {
	id := uuid.New().String()
	logs := NewLogBuffer(s.config.LogCapacity)
	procLogger := s.logger.With("service", name, "service_id", id)
	return &managedService{
		Service: Service{
			ID:         id,
			Name:       name,
			Port:       port,
			Executable: exe,
			State:      StatePending,
			Creator:    creator,
			CreatedAt:  time.Now().UTC(),
		},
		logs:    logs,
		stdout:  &lineWriter{source: "stdout", buf: logs, logger: procLogger},
		stderr:  &lineWriter{source: "stderr", buf: logs, logger: procLogger},
		spawned: make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// rollback removes a record whose start was abandoned before spawning.
func (s *Supervisor) rollback(ms *managedService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releasePortLocked(ms)
	if cur, ok := s.services[ms.Name]; ok && cur == ms {
		delete(s.services, ms.Name)
	}
	ms.State = StateStopped
	close(ms.exited)
	close(ms.spawned)
	s.publishLocked()
}

func (s *Supervisor) spawn(ms *managedService) (*exec.Cmd, error) {
	port := strconv.Itoa(ms.Port)
	args := make([]string, len(s.config.CommandArgs))
	for i, arg := range s.config.CommandArgs {
		args[i] = strings.ReplaceAll(arg, "{port}", port)
	}

	cmd := exec.Command(ms.Executable.StoragePath, args...)
	cmd.Dir = s.config.WorkDir
	cmd.Env = append(os.Environ(), s.config.Env...)
	cmd.Env = append(cmd.Env, "PORT="+port, "ETES_SERVICE_NAME="+ms.Name)
	cmd.Stdout = ms.stdout
	cmd.Stderr = ms.stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = time.Second

	s.logger.Debug("Spawning service", "service", ms.Name, "command", cmd.String())
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// watch waits for the process to exit and reports it to Run.
func (s *Supervisor) watch(ms *managedService) {
	defer s.wg.Done()
	err := ms.cmd.Wait()
	ms.stdout.Flush()
	ms.stderr.Flush()

	s.mu.Lock()
	ms.exitErr = err
	s.mu.Unlock()
	close(ms.exited)

	s.logger.Info("Service process exited", "service", ms.Name, "service_id", ms.ID, "pid", ms.PID, "error", err)
	s.post(supervisorEvent{kind: eventExited, name: ms.Name, serviceID: ms.ID})
}

// probe polls the service's port until it is ready, the process exits or
// the readiness timeout elapses.
func (s *Supervisor) probe(ms *managedService) {
	defer s.wg.Done()
	deadline := time.NewTimer(s.config.ReadinessTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.config.ProbeInterval)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ProbeInterval)
		err := s.checker.Check(ctx, ms.Port)
		cancel()
		if err == nil {
			if !ms.hasExited() {
				s.post(supervisorEvent{kind: eventReady, name: ms.Name, serviceID: ms.ID})
			}
			return
		}

		select {
		case <-ms.exited:
			return
		case <-s.closed:
			return
		case <-deadline.C:
			s.post(supervisorEvent{
				kind:      eventNotReady,
				name:      ms.Name,
				serviceID: ms.ID,
				reason:    fmt.Sprintf("did not become ready within %s", s.config.ReadinessTimeout),
			})
			return
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) post(ev supervisorEvent) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

func (s *Supervisor) apply(ev supervisorEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.services[ev.name]
	if !ok || ms.ID != ev.serviceID {
		return
	}
	switch ev.kind {
	case eventReady:
		if ms.State != StatePending || ms.stopping {
			return
		}
		ms.State = StateRunning
		s.logger.Info("Service is ready", "service", ms.Name, "port", ms.Port)
		s.publishLocked()
	case eventNotReady:
		if ms.State != StatePending || ms.stopping {
			return
		}
		s.failLocked(ms, ev.reason)
		// The port is released once the exit is observed.
		signalGroup(ms.PID, unix.SIGKILL)
	case eventExited:
		s.handleExitLocked(ms)
	}
}

func (s *Supervisor) handleExitLocked(ms *managedService) {
	if ms.stopping {
		return
	}
	if ms.State == StatePending || ms.State == StateRunning {
		s.failLocked(ms, exitReason(ms.exitErr))
	}
	s.releasePortLocked(ms)
}

// failLocked moves ms to the error state. Its route is removed before
// anything else so no request reaches a port that may be reused.
func (s *Supervisor) failLocked(ms *managedService, reason string) {
	s.routes.Remove(ms.Name, ms.ID)
	ms.State = StateError
	ms.Error = reason
	s.logger.Warn("Service failed", "service", ms.Name, "service_id", ms.ID, "reason", reason)
	s.publishLocked()
}

func (s *Supervisor) releasePortLocked(ms *managedService) {
	if ms.portReleased {
		return
	}
	s.routes.Remove(ms.Name, ms.ID)
	s.ports.ReleasePort(ms.Port)
	ms.portReleased = true
}

func exitReason(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return fmt.Sprintf("exited: killed by signal %s", status.Signal())
		}
		return fmt.Sprintf("exited: exit code %d", exitErr.ExitCode())
	}
	if err != nil {
		return fmt.Sprintf("exited: %v", err)
	}
	return "exited: exit code 0"
}

// StopService stops the named service if requester created it or is an
// admin. Stopping an unknown or already stopped service succeeds; the
// boolean is true only for the call that actually stopped a live service.
func (s *Supervisor) StopService(ctx context.Context, name string, requester sessions.Identity, isAdmin bool) (bool, error) {
	name = strings.ToLower(name)

	s.mu.Lock()
	ms, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	if !isAdmin && !ms.Creator.Equal(requester) {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s is not the owner of service %s", apperr.ErrForbidden, requester, name)
	}
	if ms.stopping {
		done := s.stopDone[ms.ID]
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return false, nil
	}
	ms.stopping = true
	done := make(chan struct{})
	s.stopDone[ms.ID] = done
	s.routes.Remove(ms.Name, ms.ID)
	s.mu.Unlock()

	s.logger.Info("Stopping service", "service", name, "service_id", ms.ID, "requester", requester.String())
	s.terminate(ctx, ms)

	s.mu.Lock()
	s.releasePortLocked(ms)
	ms.State = StateStopped
	if cur, ok := s.services[name]; ok && cur == ms {
		delete(s.services, name)
	}
	delete(s.stopDone, ms.ID)
	s.publishLocked()
	s.mu.Unlock()
	close(done)

	s.logger.Info("Service stopped", "service", name, "service_id", ms.ID)
	return true, nil
}

// terminate sends SIGTERM to the service's process group and escalates to
// SIGKILL after the grace period or when ctx is cancelled.
func (s *Supervisor) terminate(ctx context.Context, ms *managedService) {
	<-ms.spawned
	if ms.cmd == nil || ms.hasExited() {
		return
	}
	pid := ms.PID
	signalGroup(pid, unix.SIGTERM)

	timer := time.NewTimer(s.config.GracePeriod)
	defer timer.Stop()
	select {
	case <-ms.exited:
		return
	case <-timer.C:
		s.logger.Warn("Service did not exit gracefully, sending SIGKILL", "service", ms.Name, "pid", pid)
	case <-ctx.Done():
		s.logger.Warn("Stop cancelled, sending SIGKILL", "service", ms.Name, "pid", pid)
	}
	signalGroup(pid, unix.SIGKILL)

	select {
	case <-ms.exited:
	case <-time.After(killWait):
		s.logger.Error("Service did not exit after SIGKILL", "service", ms.Name, "pid", pid)
	}
}

// signalGroup signals every process in pid's process group, falling back
// to pid alone.
func signalGroup(pid int, sig unix.Signal) {
	if pid <= 0 {
		return
	}
	if err := unix.Kill(-pid, sig); err == nil || errors.Is(err, unix.ESRCH) {
		return
	}
	unix.Kill(pid, sig)
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Reap reconciles services whose process is gone but whose state still
// says pending or running.
func (s *Supervisor) Reap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ms := range s.services {
		if ms.stopping || ms.cmd == nil {
			continue
		}
		if ms.hasExited() {
			s.handleExitLocked(ms)
			continue
		}
		if (ms.State == StatePending || ms.State == StateRunning) && !processAlive(ms.PID) {
			s.failLocked(ms, "exited: process disappeared")
		}
	}
}

// Shutdown stops every service. No service outlives the supervisor.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.closeOnce.Do(func() { close(s.closed) })

	s.mu.Lock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			s.StopService(ctx, name, sessions.Identity{}, true)
		}(name)
	}
	wg.Wait()
	s.wg.Wait()
	s.logger.Info("Supervisor stopped", "stopped_services", len(names))
}

func (s *Supervisor) publishLocked() {
	if s.config.Publisher != nil {
		s.config.Publisher.ServicesChanged(s.snapshotLocked())
	}
}

func (s *Supervisor) snapshotLocked() []Service {
	out := make([]Service, 0, len(s.services))
	for _, ms := range s.services {
		out = append(out, ms.Service)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Services returns every live service, newest first.
func (s *Supervisor) Services() []Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Get returns the named service.
func (s *Supervisor) Get(name string) (Service, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.services[strings.ToLower(name)]
	if !ok {
		return Service{}, false
	}
	return ms.Service, true
}

// FindByCommit returns a healthy or starting service running a binary
// built from or for commit.
func (s *Supervisor) FindByCommit(commit string) (Service, bool) {
	commit = strings.ToLower(commit)
	for _, svc := range s.Services() {
		if svc.State != StatePending && svc.State != StateRunning {
			continue
		}
		if svc.Executable.ContentHash == commit || svc.Executable.TriggerHash == commit {
			return svc, true
		}
	}
	return Service{}, false
}

// Names returns the names currently taken.
func (s *Supervisor) Names() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make(map[string]bool, len(s.services))
	for name := range s.services {
		names[name] = true
	}
	return names
}

// LogsFor returns captured output of the named service newer than fromID.
func (s *Supervisor) LogsFor(name string, fromID int64) ([]LogEntry, error) {
	s.mu.Lock()
	ms, ok := s.services[strings.ToLower(name)]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: service %s", apperr.ErrNotFound, name)
	}
	return ms.logs.EntriesAfter(fromID), nil
}

// PortsInUse is the number of ports held by services.
func (s *Supervisor) PortsInUse() int {
	return s.ports.Allocated()
}
