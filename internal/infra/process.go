// Package infra implements infrastructure concerns (process inventory,
// privilege gate, registries, settings, journal).
package infra

import (
	"context"
	"os"

	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/appfence/appfence/internal/domain"
)

// ProcessInventoryImpl implements domain.ProcessInventory using gopsutil.
type ProcessInventoryImpl struct{}

// NewProcessInventory creates a new process inventory.
func NewProcessInventory() domain.ProcessInventory {
	return &ProcessInventoryImpl{}
}

// Enumerate returns one handle per process with a readable, still-existing
// executable path. Processes that exit or deny access mid-scan are skipped.
func (pi *ProcessInventoryImpl) Enumerate(ctx context.Context) ([]domain.ProcessHandle, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	handles := make([]domain.ProcessHandle, 0, len(procs))
	for _, p := range procs {
		exe, err := p.ExeWithContext(ctx)
		if err != nil || exe == "" {
			continue // Process may have exited, or exe is unreadable
		}
		if _, err := os.Stat(exe); err != nil {
			continue // Executable deleted since the process started
		}
		handles = append(handles, domain.ProcessHandle{PID: p.Pid, Exe: exe})
	}

	return handles, nil
}

// FindByPath filters Enumerate by exact canonical-path match.
func (pi *ProcessInventoryImpl) FindByPath(ctx context.Context, path string) ([]domain.ProcessHandle, error) {
	all, err := pi.Enumerate(ctx)
	if err != nil {
		return nil, err
	}

	found := make([]domain.ProcessHandle, 0)
	for _, h := range all {
		if h.Exe == path {
			found = append(found, h)
		}
	}
	return found, nil
}

// HasNetworkActivity reports whether the process holds at least one
// inet-family socket in any state. Lookup failures count as false.
func (pi *ProcessInventoryImpl) HasNetworkActivity(ctx context.Context, handle domain.ProcessHandle) bool {
	conns, err := gopsnet.ConnectionsPidWithContext(ctx, "inet", handle.PID)
	if err != nil {
		return false
	}
	return len(conns) > 0
}

// Ensure ProcessInventoryImpl implements domain.ProcessInventory.
var _ domain.ProcessInventory = (*ProcessInventoryImpl)(nil)
