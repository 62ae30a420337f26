package infra

import (
	"errors"
	"os"
	"runtime"

	"github.com/appfence/appfence/internal/domain"
)

// PrivilegeGateImpl implements domain.PrivilegeGate.
// Unix: effective uid zero. Windows: probe a device handle only
// administrators can open.
type PrivilegeGateImpl struct{}

// NewPrivilegeGate creates a privilege gate for the current platform.
func NewPrivilegeGate() domain.PrivilegeGate {
	return &PrivilegeGateImpl{}
}

// RequireElevated fails with *PrivilegeError when the process lacks the
// rights needed for firewall mutation.
func (g *PrivilegeGateImpl) RequireElevated() error {
	if runtime.GOOS == "windows" {
		f, err := os.Open(`\\.\PHYSICALDRIVE0`)
		if err != nil {
			return &domain.PrivilegeError{Op: "privilege check", Cause: errors.New("run from an elevated prompt")}
		}
		f.Close()
		return nil
	}

	if os.Geteuid() != 0 {
		return &domain.PrivilegeError{Op: "privilege check", Cause: errors.New("run as root")}
	}
	return nil
}

// Ensure PrivilegeGateImpl implements domain.PrivilegeGate.
var _ domain.PrivilegeGate = (*PrivilegeGateImpl)(nil)
