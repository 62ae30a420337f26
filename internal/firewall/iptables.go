package firewall

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/appfence/appfence/internal/domain"
)

const (
	// chainName is the dedicated filter-table chain all managed rules live in.
	chainName = "APPFENCE"

	// commentPrefix tags every managed rule with the canonical path it was
	// created for, so rules stay attributable after the process exits.
	commentPrefix = "appfence:"
)

// IPTablesDriver manages block rules inside a dedicated iptables chain.
// Rules bind to live process ids via the owner match, so blocking needs at
// least one running instance of the target.
//
// Known gap: the kernel recycles pids, so a rule left behind for an exited
// process can later match an unrelated process assigned the same pid. The
// netsh driver's program-path binding does not have this problem.
type IPTablesDriver struct {
	runner domain.CommandRunner
	gate   domain.PrivilegeGate
	logger *zap.Logger

	// mu serializes mutations against each other and against reads. The
	// fallback sweep's read-then-delete-by-index sequence is invalidated
	// by any interleaved chain mutation, so it runs under the write lock.
	mu sync.RWMutex
}

// NewIPTablesDriver creates the Linux chain-based firewall driver.
func NewIPTablesDriver(runner domain.CommandRunner, gate domain.PrivilegeGate, logger *zap.Logger) *IPTablesDriver {
	return &IPTablesDriver{
		runner: runner,
		gate:   gate,
		logger: logger,
	}
}

// Name identifies the driver.
func (d *IPTablesDriver) Name() string { return "iptables" }

// RequiresLiveProcess is true: owner-match rules bind to process ids.
func (d *IPTablesDriver) RequiresLiveProcess() bool { return true }

// EnsureInitialized verifies the managed chain exists, creating it and
// splicing jump rules from INPUT and OUTPUT when absent. Presence is checked
// by name lookup on every call, so it self-heals if the chain was deleted
// externally.
func (d *IPTablesDriver) EnsureInitialized(ctx context.Context) error {
	if err := d.gate.RequireElevated(); err != nil {
		return &domain.PrivilegeError{Op: "initialize " + chainName + " chain", Cause: err}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.runner.Run(ctx, "iptables", "-n", "-L", chainName); err != nil {
		if err := d.runner.Run(ctx, "iptables", "-N", chainName); err != nil {
			return &domain.InitializationError{Driver: d.Name(), Cause: err}
		}
		d.logger.Info("created managed chain", zap.String("chain", chainName))
	}

	for _, base := range []string{"INPUT", "OUTPUT"} {
		if err := d.runner.Run(ctx, "iptables", "-C", base, "-j", chainName); err == nil {
			continue // Jump already spliced
		}
		if err := d.runner.Run(ctx, "iptables", "-I", base, "-j", chainName); err != nil {
			return &domain.InitializationError{Driver: d.Name(), Cause: fmt.Errorf("jump from %s: %w", base, err)}
		}
		d.logger.Info("spliced jump rule", zap.String("from", base), zap.String("to", chainName))
	}

	return nil
}

// ListManagedRules returns the tagged rules in the managed chain. Reads go
// through the same privileged table handle as writes, so elevation is
// required even to list.
func (d *IPTablesDriver) ListManagedRules(ctx context.Context) ([]domain.ManagedRule, error) {
	if err := d.gate.RequireElevated(); err != nil {
		return nil, &domain.PrivilegeError{Op: "list " + chainName + " rules", Cause: err}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.listLocked(ctx)
}

// listLocked lists and parses the chain. Callers hold d.mu.
func (d *IPTablesDriver) listLocked(ctx context.Context) ([]domain.ManagedRule, error) {
	out, err := d.runner.Output(ctx, "iptables", "-S", chainName)
	if err != nil {
		return nil, &domain.RuleCreationError{
			Target:  chainName,
			Detail:  "list rules",
			Timeout: isTimeout(err),
			Cause:   err,
		}
	}
	return parseChainRules(out), nil
}

// parseChainRules extracts managed rules from `iptables -S <chain>` output.
// Lines without the management tag are invisible; tagged lines missing a pid
// or a DROP target are malformed and dropped.
func parseChainRules(out string) []domain.ManagedRule {
	var rules []domain.ManagedRule

	for _, line := range strings.Split(out, "\n") {
		tokens := splitRuleTokens(strings.TrimSpace(line))
		if len(tokens) < 2 || tokens[0] != "-A" || tokens[1] != chainName {
			continue
		}

		var (
			pid         int32
			pidSeen     bool
			target      string
			jump        string
			established bool
		)
		for i := 0; i < len(tokens); i++ {
			switch tokens[i] {
			case "--pid-owner":
				if i+1 < len(tokens) {
					n, err := strconv.ParseInt(tokens[i+1], 10, 32)
					if err == nil {
						pid = int32(n)
						pidSeen = true
					}
					i++
				}
			case "--state":
				established = true
				i++
			case "--comment":
				if i+1 < len(tokens) {
					target = tokens[i+1]
					i++
				}
			case "-j":
				if i+1 < len(tokens) {
					jump = tokens[i+1]
					i++
				}
			}
		}

		if !strings.HasPrefix(target, commentPrefix) || !pidSeen || jump != "DROP" {
			continue
		}
		path := strings.TrimPrefix(target, commentPrefix)

		direction := domain.DirectionOutbound
		if established {
			direction = domain.DirectionInbound
		}

		rules = append(rules, domain.ManagedRule{
			Target:    path,
			Name:      filepath.Base(path),
			PID:       pid,
			Direction: direction,
			Action:    domain.ActionBlock,
		})
	}

	return rules
}

// splitRuleTokens splits an iptables rule line, honoring double quotes so
// quoted comments come back as a single token.
func splitRuleTokens(line string) []string {
	var tokens []string
	var current strings.Builder
	inQuote := false

	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// pidRuleSpec builds the rule specification for one pid binding. The
// established variant is the paired inbound rule.
func pidRuleSpec(pid int32, path string, established bool) []string {
	spec := []string{"-m", "owner", "--pid-owner", strconv.Itoa(int(pid))}
	if established {
		spec = append(spec, "-m", "state", "--state", "ESTABLISHED,RELATED")
	}
	return append(spec, "-m", "comment", "--comment", commentPrefix+path, "-j", "DROP")
}

// AddBlockRule installs one outbound and one paired inbound-established rule
// per live process id. Idempotent: pids already covered for this target are
// skipped.
func (d *IPTablesDriver) AddBlockRule(ctx context.Context, target domain.ApplicationTarget, procs []domain.ProcessHandle) error {
	if err := d.gate.RequireElevated(); err != nil {
		return &domain.PrivilegeError{Op: "block " + target.Name, Cause: err}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := d.listLocked(ctx)
	if err != nil {
		return err
	}
	covered := make(map[string]bool, len(existing))
	for _, r := range existing {
		if r.Target == target.Path {
			covered[fmt.Sprintf("%d/%s", r.PID, r.Direction)] = true
		}
	}

	for _, proc := range procs {
		for _, direction := range []domain.RuleDirection{domain.DirectionOutbound, domain.DirectionInbound} {
			if covered[fmt.Sprintf("%d/%s", proc.PID, direction)] {
				continue
			}

			spec := pidRuleSpec(proc.PID, target.Path, direction == domain.DirectionInbound)
			args := append([]string{"-A", chainName}, spec...)
			if err := d.runner.Run(ctx, "iptables", args...); err != nil {
				return &domain.RuleCreationError{
					Target:  target.Path,
					Detail:  fmt.Sprintf("%sbound rule for pid %d", direction, proc.PID),
					Timeout: isTimeout(err),
					Cause:   err,
				}
			}
		}
		d.logger.Info("blocked process",
			zap.String("app", target.Name),
			zap.Int32("pid", proc.PID))
	}

	return nil
}

// RemoveBlockRule deletes every managed rule attributable to target. Tagged
// rules are deleted by exact specification, which covers pids that already
// exited. When nothing is tagged and no process is live, it falls back to a
// positional sweep of the human-readable listing.
func (d *IPTablesDriver) RemoveBlockRule(ctx context.Context, target domain.ApplicationTarget, procs []domain.ProcessHandle) error {
	if err := d.gate.RequireElevated(); err != nil {
		return &domain.PrivilegeError{Op: "unblock " + target.Name, Cause: err}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := d.listLocked(ctx)
	if err != nil {
		return err
	}

	var matched bool
	for _, rule := range existing {
		if rule.Target != target.Path {
			continue
		}
		matched = true

		spec := pidRuleSpec(rule.PID, target.Path, rule.Direction == domain.DirectionInbound)
		args := append([]string{"-D", chainName}, spec...)
		if err := d.runner.Run(ctx, "iptables", args...); err != nil {
			return &domain.RuleCreationError{
				Target:  target.Path,
				Detail:  fmt.Sprintf("delete %sbound rule for pid %d", rule.Direction, rule.PID),
				Timeout: isTimeout(err),
				Cause:   err,
			}
		}
	}

	if matched {
		d.logger.Info("unblocked application", zap.String("app", target.Name))
		return nil
	}

	if len(procs) > 0 {
		return nil // Nothing tagged for a live target: already converged
	}

	return d.sweepByName(ctx, target)
}

// sweepByName removes rules for a target with no live process by matching
// rows of the chain listing against the target's file name and deleting by
// positional index, descending. Ascending deletion shifts subsequent indices
// and deletes the wrong rule or fails out of range.
func (d *IPTablesDriver) sweepByName(ctx context.Context, target domain.ApplicationTarget) error {
	out, err := d.runner.Output(ctx, "iptables", "-L", chainName, "--line-numbers", "-v")
	if err != nil {
		return &domain.RuleCreationError{
			Target:  target.Path,
			Detail:  "list rule indices",
			Timeout: isTimeout(err),
			Cause:   err,
		}
	}

	var indices []int
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, target.Name) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		indices = append(indices, n)
	}

	sort.Sort(sort.Reverse(sort.IntSlice(indices)))
	for _, n := range indices {
		if err := d.runner.Run(ctx, "iptables", "-D", chainName, strconv.Itoa(n)); err != nil {
			return &domain.RuleCreationError{
				Target:  target.Path,
				Detail:  fmt.Sprintf("delete rule at index %d", n),
				Timeout: isTimeout(err),
				Cause:   err,
			}
		}
	}

	if len(indices) > 0 {
		d.logger.Info("swept stale rules",
			zap.String("app", target.Name),
			zap.Int("rules", len(indices)))
	}
	return nil
}

// IsBlocked reports whether any managed rule is attributable to target.
// Requires elevation, same as every read on this driver.
func (d *IPTablesDriver) IsBlocked(ctx context.Context, target domain.ApplicationTarget) (bool, error) {
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

// Ensure IPTablesDriver implements domain.FirewallDriver.
var _ domain.FirewallDriver = (*IPTablesDriver)(nil)
