package domain

import "context"

// ProcessInventory enumerates running processes with a resolvable executable.
// Best-effort by nature: it races against a live process table, so entries
// that vanish or deny access mid-scan are skipped, never surfaced as errors.
// Implementation: uses gopsutil for cross-platform support.
type ProcessInventory interface {
	// Enumerate returns one handle per process whose executable path is
	// resolvable and still present on disk.
	Enumerate(ctx context.Context) ([]ProcessHandle, error)

	// FindByPath filters Enumerate by exact canonical-path match.
	// Returns an empty slice, not an error, when nothing matches.
	FindByPath(ctx context.Context, path string) ([]ProcessHandle, error)

	// HasNetworkActivity reports whether the process holds at least one
	// inet-family socket in any state. Lookup failures count as false.
	HasNetworkActivity(ctx context.Context, handle ProcessHandle) bool
}

// FirewallDriver mutates and queries the platform firewall's managed rules.
// Exactly one driver is selected at process start and used thereafter.
// Implementations: iptables chain (Linux), netsh rule table (Windows).
type FirewallDriver interface {
	// Name identifies the driver ("iptables", "netsh") for logs and status.
	Name() string

	// RequiresLiveProcess reports whether block rules bind to process ids
	// and therefore need at least one running instance of the target.
	RequiresLiveProcess() bool

	// EnsureInitialized prepares the managed chain/table. Idempotent and
	// self-healing: presence is checked by lookup on every call, never by
	// a "did I already run" flag.
	EnsureInitialized(ctx context.Context) error

	// ListManagedRules returns only rules bearing this system's tag.
	// Untagged rules are invisible; tagged-but-malformed rules are dropped.
	ListManagedRules(ctx context.Context) ([]ManagedRule, error)

	// AddBlockRule installs block rules covering target. Idempotent: an
	// existing rule for the same binding (pid or program path) is never
	// duplicated.
	AddBlockRule(ctx context.Context, target ApplicationTarget, procs []ProcessHandle) error

	// RemoveBlockRule removes every managed rule attributable to target.
	// Must succeed when no process for target is running.
	RemoveBlockRule(ctx context.Context, target ApplicationTarget, procs []ProcessHandle) error

	// IsBlocked reports whether at least one managed block rule is
	// attributable to target.
	IsBlocked(ctx context.Context, target ApplicationTarget) (bool, error)
}

// PrivilegeGate checks that the process may mutate the platform firewall.
// A capability check, not a stateful component.
type PrivilegeGate interface {
	// RequireElevated fails with *PrivilegeError when the process lacks
	// the rights needed for firewall mutation.
	RequireElevated() error
}

// CommandRunner invokes an external platform command with a bounded wait.
// Implementation: os/exec with a per-invocation timeout.
type CommandRunner interface {
	// Run executes the command, discarding stdout.
	Run(ctx context.Context, name string, args ...string) error

	// Output executes the command and returns its stdout.
	Output(ctx context.Context, name string, args ...string) (string, error)
}

// BlockedSetRegistry persists the set of paths the user wants blocked.
// Advisory cache for restart-time re-application; the firewall itself is
// authoritative. Implementation: JSON file with atomic write and file lock.
type BlockedSetRegistry interface {
	// Load reads the persisted set. A missing file is an empty set.
	Load() (*BlockedSet, error)

	// Save persists the set. Fails with *PersistenceError.
	Save(set *BlockedSet) error

	// Update applies mutate to the persisted set and saves the result when
	// mutate reports a change, holding the registry's cross-process lock
	// across the whole read-modify-write. Fails with *PersistenceError.
	Update(mutate func(set *BlockedSet) bool) error
}

// SettingsStore persists user configuration.
// Implementation: plain JSON file under the user config directory.
type SettingsStore interface {
	// Load reads settings, returning defaults when no file exists.
	Load() (Settings, error)

	// Save persists settings. Fails with *PersistenceError.
	Save(settings Settings) error
}

// MutationJournal records rule mutation outcomes for the history command.
// Advisory: journal failures never fail the mutation that triggered them.
// Implementation: SQLCipher encrypted SQLite database.
type MutationJournal interface {
	// Record appends one entry.
	Record(entry JournalEntry) error

	// Recent returns up to limit entries, newest first.
	Recent(limit int) ([]JournalEntry, error)

	// Close releases the database connection.
	Close() error
}

// Reconciler converges actual firewall rules to the desired blocked state.
type Reconciler interface {
	// EnsureInitialized prepares the selected firewall driver.
	EnsureInitialized(ctx context.Context) error

	// SetBlocked resolves path and drives the firewall toward desired,
	// updating the blocked-set registry on success.
	SetBlocked(ctx context.Context, path string, desired bool) error

	// ListNetworkApplications returns every running network-capable
	// process with its enforcement state read from the firewall.
	ListNetworkApplications(ctx context.Context) ([]ApplicationRecord, error)

	// ReapplyBlockedSet re-issues block rules for every persisted path,
	// best-effort. Targets with no live process are skipped on drivers
	// that bind rules to process ids.
	ReapplyBlockedSet(ctx context.Context) error
}
