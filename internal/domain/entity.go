// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// RuleDirection is the traffic direction a firewall rule applies to.
type RuleDirection string

const (
	DirectionInbound  RuleDirection = "in"
	DirectionOutbound RuleDirection = "out"
)

// RuleAction is what a managed rule does to matching traffic.
// Only blocking rules are created by this system.
type RuleAction string

const (
	ActionBlock RuleAction = "block"
)

// ApplicationTarget identifies an application by its canonical on-disk path.
// Immutable once constructed; Path is absolute and symlink-resolved and is
// the stable identity key for blocking intent.
type ApplicationTarget struct {
	Path string
	Name string
}

// ResolveTarget resolves a user-supplied path into an ApplicationTarget.
// Fails with *TargetNotFoundError if the path does not reference an
// existing file at resolution time.
func ResolveTarget(path string) (ApplicationTarget, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ApplicationTarget{}, &TargetNotFoundError{Path: path, Reason: err.Error()}
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return ApplicationTarget{}, &TargetNotFoundError{Path: path, Reason: "application not found"}
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return ApplicationTarget{}, &TargetNotFoundError{Path: path, Reason: "application not found"}
	}
	if info.IsDir() {
		return ApplicationTarget{}, &TargetNotFoundError{Path: path, Reason: "path is a directory, not an executable"}
	}

	return ApplicationTarget{
		Path: resolved,
		Name: filepath.Base(resolved),
	}, nil
}

// ProcessHandle names one live OS process running from an executable path.
// Transient: valid only while the process it names exists, re-resolved on
// every inventory pass and never cached across calls.
type ProcessHandle struct {
	PID int32
	Exe string
}

// ManagedRule is one firewall rule created by this system, attributable to
// exactly one application by its tag (comment on the chain driver, program
// field on the table driver). PID is zero for path-bound rules.
type ManagedRule struct {
	Target    string
	Name      string
	PID       int32
	Direction RuleDirection
	Action    RuleAction
}

// ApplicationRecord is one row of the network-application inventory.
// Blocked reflects actual firewall rule state, not persisted intent.
type ApplicationRecord struct {
	Name    string
	Path    string
	PID     int32
	Blocked bool
}

// BlockedSet is the set of canonical paths the user wants kept blocked,
// independent of whether any process for a path is currently running.
type BlockedSet struct {
	paths map[string]struct{}
}

// NewBlockedSet creates a BlockedSet containing the given paths.
func NewBlockedSet(paths ...string) *BlockedSet {
	s := &BlockedSet{paths: make(map[string]struct{}, len(paths))}
	for _, p := range paths {
		s.paths[p] = struct{}{}
	}
	return s
}

// Add inserts a path. Returns true if the set changed.
func (s *BlockedSet) Add(path string) bool {
	if _, ok := s.paths[path]; ok {
		return false
	}
	s.paths[path] = struct{}{}
	return true
}

// Remove deletes a path. Returns true if the set changed.
func (s *BlockedSet) Remove(path string) bool {
	if _, ok := s.paths[path]; !ok {
		return false
	}
	delete(s.paths, path)
	return true
}

// Has reports whether path is in the set.
func (s *BlockedSet) Has(path string) bool {
	_, ok := s.paths[path]
	return ok
}

// Len returns the number of paths in the set.
func (s *BlockedSet) Len() int {
	return len(s.paths)
}

// Paths returns the member paths in sorted order.
func (s *BlockedSet) Paths() []string {
	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Settings holds user configuration persisted as plain JSON.
type Settings struct {
	RefreshInterval  int  `json:"refresh_interval"` // seconds
	AutoBlockNewApps bool `json:"auto_block_new_apps"`
}

// DefaultSettings returns the configuration used when no settings file exists.
func DefaultSettings() Settings {
	return Settings{
		RefreshInterval:  60,
		AutoBlockNewApps: false,
	}
}

// RefreshPeriod returns the refresh interval as a duration, with a floor of
// one second so a zero or garbage value can never produce a busy loop.
func (s Settings) RefreshPeriod() time.Duration {
	if s.RefreshInterval < 1 {
		return time.Second
	}
	return time.Duration(s.RefreshInterval) * time.Second
}

// JournalEntry records the outcome of one rule mutation.
type JournalEntry struct {
	At      time.Time
	Action  string // "block" or "unblock"
	Path    string
	Outcome string // "ok" or "error"
	Detail  string
}

// String renders the entry for the history listing.
func (e JournalEntry) String() string {
	line := fmt.Sprintf("%s  %-7s %-5s %s", e.At.Format(time.RFC3339), e.Action, e.Outcome, e.Path)
	if e.Detail != "" {
		line += "  (" + e.Detail + ")"
	}
	return line
}
