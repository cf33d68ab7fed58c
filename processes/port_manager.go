package processes

import (
	"fmt"
	"net"
	"sync"

	"github.com/tomyedwab/etes/internal/apperr"
)

// PortManager hands out TCP ports from a fixed range to services.
type PortManager struct {
	mu            sync.Mutex
	minPort       int
	maxPort       int
	allocated     map[int]bool
	nextCandidate int
	probeFree     func(port int) bool
}

// NewPortManager creates a PortManager for the inclusive range [minPort, maxPort].
func NewPortManager(minPort, maxPort int) (*PortManager, error) {
	if minPort <= 0 || maxPort <= 0 || minPort > maxPort || maxPort > 65535 {
		return nil, fmt.Errorf("invalid port range: min %d, max %d", minPort, maxPort)
	}
	return &PortManager{
		minPort:       minPort,
		maxPort:       maxPort,
		allocated:     make(map[int]bool),
		nextCandidate: minPort,
		probeFree:     portIsFree,
	}, nil
}

func portIsFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// AllocatePort returns the next port after the previous allocation that is
// neither assigned to a live service nor bound by another program.
func (pm *PortManager) AllocatePort() (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	size := pm.maxPort - pm.minPort + 1
	for i := 0; i < size; i++ {
		port := pm.nextCandidate
		pm.nextCandidate++
		if pm.nextCandidate > pm.maxPort {
			pm.nextCandidate = pm.minPort
		}
		if pm.allocated[port] {
			continue
		}
		if !pm.probeFree(port) {
			continue
		}
		pm.allocated[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("%w: no available ports in range [%d-%d]", apperr.ErrResourceExhausted, pm.minPort, pm.maxPort)
}

// ReleasePort returns port to the pool.
func (pm *PortManager) ReleasePort(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.allocated, port)
}

// Allocated is the number of ports currently handed out.
func (pm *PortManager) Allocated() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.allocated)
}

// Capacity is the size of the port range.
func (pm *PortManager) Capacity() int {
	return pm.maxPort - pm.minPort + 1
}
