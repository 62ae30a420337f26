package firewall

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/appfence/appfence/internal/domain"
)

// rulePrefix tags every managed rule name in the Windows rule table.
const rulePrefix = "AppFence-"

// inboundSuffix distinguishes the paired inbound rule's name.
const inboundSuffix = "-In"

// noMatchText is what netsh prints when a delete finds nothing. Deleting an
// absent rule is convergence, not failure.
const noMatchText = "No rules match the specified criteria"

// NetshDriver manages named rules directly in the Windows firewall rule
// table via netsh. Rules bind to the program path, so they cover future
// process instances without re-invocation and no live process is required.
type NetshDriver struct {
	runner domain.CommandRunner
	gate   domain.PrivilegeGate
	logger *zap.Logger

	// mu serializes mutations; reads may run concurrently with reads.
	mu sync.RWMutex
}

// NewNetshDriver creates the Windows table-based firewall driver.
func NewNetshDriver(runner domain.CommandRunner, gate domain.PrivilegeGate, logger *zap.Logger) *NetshDriver {
	return &NetshDriver{
		runner: runner,
		gate:   gate,
		logger: logger,
	}
}

// Name identifies the driver.
func (d *NetshDriver) Name() string { return "netsh" }

// RequiresLiveProcess is false: rules bind to the program path.
func (d *NetshDriver) RequiresLiveProcess() bool { return false }

// EnsureInitialized checks elevation and probes the firewall service. There
// is no chain to create; the rule table always exists.
func (d *NetshDriver) EnsureInitialized(ctx context.Context) error {
	if err := d.gate.RequireElevated(); err != nil {
		return &domain.PrivilegeError{Op: "initialize firewall rule table", Cause: err}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.runner.Run(ctx, "netsh", "advfirewall", "show", "currentprofile"); err != nil {
		return &domain.InitializationError{Driver: d.Name(), Cause: err}
	}
	return nil
}

// ListManagedRules returns the prefixed rules in the rule table. Listing
// shells to a query command, so no elevation is needed.
func (d *NetshDriver) ListManagedRules(ctx context.Context) ([]domain.ManagedRule, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.listLocked(ctx)
}

// listLocked lists and parses the rule table. Callers hold d.mu.
func (d *NetshDriver) listLocked(ctx context.Context) ([]domain.ManagedRule, error) {
	out, err := d.runner.Output(ctx, "netsh", "advfirewall", "firewall", "show", "rule", "name=all", "verbose")
	if err != nil {
		return nil, &domain.RuleCreationError{
			Target:  "rule table",
			Detail:  "list rules",
			Timeout: isTimeout(err),
			Cause:   err,
		}
	}
	return parseRuleTable(out), nil
}

// parseRuleTable extracts managed rules from `netsh advfirewall firewall
// show rule` output. Rules without the management prefix are invisible;
// prefixed rules missing a program field are malformed and dropped.
func parseRuleTable(out string) []domain.ManagedRule {
	var rules []domain.ManagedRule

	var (
		name      string
		program   string
		direction domain.RuleDirection
		action    domain.RuleAction
		pending   bool
	)
	flush := func() {
		if pending && program != "" && action == domain.ActionBlock {
			rules = append(rules, domain.ManagedRule{
				Target:    program,
				Name:      strings.TrimSuffix(name, inboundSuffix),
				Direction: direction,
				Action:    action,
			})
		}
		name, program, direction, action = "", "", "", ""
		pending = false
	}

	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "Rule Name":
			flush()
			if strings.HasPrefix(value, rulePrefix) {
				name = strings.TrimPrefix(value, rulePrefix)
				pending = true
			}
		case "Direction":
			if strings.EqualFold(value, "In") {
				direction = domain.DirectionInbound
			} else if strings.EqualFold(value, "Out") {
				direction = domain.DirectionOutbound
			}
		case "Program":
			program = value
		case "Action":
			if strings.EqualFold(value, "Block") {
				action = domain.ActionBlock
			}
		}
	}
	flush()

	return rules
}

// ruleName builds the table rule name for one direction of a target.
func ruleName(target domain.ApplicationTarget, direction domain.RuleDirection) string {
	name := rulePrefix + target.Name
	if direction == domain.DirectionInbound {
		name += inboundSuffix
	}
	return name
}

// AddBlockRule installs one outbound and one inbound rule bound to the
// program path. Idempotence keys on the program path, not the rule name:
// two different binaries can share a basename.
func (d *NetshDriver) AddBlockRule(ctx context.Context, target domain.ApplicationTarget, procs []domain.ProcessHandle) error {
	if err := d.gate.RequireElevated(); err != nil {
		return &domain.PrivilegeError{Op: "block " + target.Name, Cause: err}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := d.listLocked(ctx)
	if err != nil {
		return err
	}
	covered := make(map[domain.RuleDirection]bool, 2)
	for _, r := range existing {
		if r.Target == target.Path {
			covered[r.Direction] = true
		}
	}

	for _, direction := range []domain.RuleDirection{domain.DirectionOutbound, domain.DirectionInbound} {
		if covered[direction] {
			continue
		}

		err := d.runner.Run(ctx, "netsh", "advfirewall", "firewall", "add", "rule",
			"name="+ruleName(target, direction),
			"dir="+string(direction),
			"action=block",
			"program="+target.Path,
			"enable=yes",
			"profile=any")
		if err != nil {
			return &domain.RuleCreationError{
				Target:  target.Path,
				Detail:  string(direction) + "bound rule",
				Timeout: isTimeout(err),
				Cause:   err,
			}
		}
	}

	d.logger.Info("blocked application",
		zap.String("app", target.Name),
		zap.String("program", target.Path))
	return nil
}

// RemoveBlockRule deletes both managed rules for target, filtering by name
// and program so an unrelated rule sharing the basename is never touched.
// No matching rule is success: the desired state already holds.
func (d *NetshDriver) RemoveBlockRule(ctx context.Context, target domain.ApplicationTarget, procs []domain.ProcessHandle) error {
	if err := d.gate.RequireElevated(); err != nil {
		return &domain.PrivilegeError{Op: "unblock " + target.Name, Cause: err}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, direction := range []domain.RuleDirection{domain.DirectionOutbound, domain.DirectionInbound} {
		err := d.runner.Run(ctx, "netsh", "advfirewall", "firewall", "delete", "rule",
			"name="+ruleName(target, direction),
			"program="+target.Path)
		if err != nil {
			if strings.Contains(err.Error(), noMatchText) {
				continue
			}
			return &domain.RuleCreationError{
				Target:  target.Path,
				Detail:  "delete " + string(direction) + "bound rule",
				Timeout: isTimeout(err),
				Cause:   err,
			}
		}
	}

	d.logger.Info("unblocked application", zap.String("app", target.Name))
	return nil
}

// IsBlocked reports whether a managed block rule exists for target's program
// path. A read, so no elevation is needed.
func (d *NetshDriver) IsBlocked(ctx context.Context, target domain.ApplicationTarget) (bool, error) {
	rules, err := d.ListManagedRules(ctx)
	if err != nil {
		return false, err
	}
	for _, rule := range rules {
		if rule.Target == target.Path && rule.Action == domain.ActionBlock {
			return true, nil
		}
	}
	return false, nil
}

// Ensure NetshDriver implements domain.FirewallDriver.
var _ domain.FirewallDriver = (*NetshDriver)(nil)
