package firewall

import (
	"errors"
	"runtime"

	"go.uber.org/zap"

	"github.com/appfence/appfence/internal/domain"
)

// NewDriver selects the firewall driver for the current platform. Selection
// happens once at process start and is immutable thereafter.
func NewDriver(runner domain.CommandRunner, gate domain.PrivilegeGate, logger *zap.Logger) (domain.FirewallDriver, error) {
	return newDriverForOS(runtime.GOOS, runner, gate, logger)
}

// newDriverForOS is the GOOS-keyed selection, split out for tests.
func newDriverForOS(goos string, runner domain.CommandRunner, gate domain.PrivilegeGate, logger *zap.Logger) (domain.FirewallDriver, error) {
	switch goos {
	case "linux":
		return NewIPTablesDriver(runner, gate, logger), nil
	case "windows":
		return NewNetshDriver(runner, gate, logger), nil
	default:
		return nil, &domain.InitializationError{
			Driver: goos,
			Cause:  errors.New("no firewall driver for this platform"),
		}
	}
}
