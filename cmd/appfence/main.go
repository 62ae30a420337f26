// Package main is the CLI entry point for appfence.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/appfence/appfence/internal/daemon"
	"github.com/appfence/appfence/internal/domain"
	"github.com/appfence/appfence/internal/firewall"
	"github.com/appfence/appfence/internal/infra"
	"github.com/appfence/appfence/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "appfence",
	Short: "Block or allow an application's network access",
	Long: `appfence blocks a specific application's network access on this host.
It translates block/unblock intent into platform firewall rules (an
iptables chain on Linux, named Windows Firewall rules on Windows) and
keeps them converged with the running process table.

Blocking requires elevated privileges (root / administrator).`,
	Version: Version,
}

var blockCmd = &cobra.Command{
	Use:   "block <path>",
	Short: "Block an application's network access",
	Long: `Blocks the application at the given executable path. On Linux the rules
bind to the application's running processes, so at least one instance
must be running.`,
	Args: cobra.ExactArgs(1),
	RunE: runBlock,
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <path>",
	Short: "Unblock a previously blocked application",
	Long: `Removes every firewall rule appfence created for the application.
Succeeds even when no instance of the application is running.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnblock,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List running applications with network access",
	Long: `Shows every running process holding an internet socket, with its
enforcement state read from the firewall itself.`,
	RunE: runList,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show driver, privileges, and the persisted blocked set",
	RunE:  runStatus,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the convergence loop in the foreground",
	Long: `Re-applies the persisted blocked set on an interval so new processes of
blocked applications stay covered. With auto_block_new_apps enabled in
config.json, applications first seen after startup are blocked too.`,
	RunE: runWatch,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent rule mutations",
	RunE:  runHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	historyLimit int
	jsonOutput   bool
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of entries to show")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(unblockCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

// components is the explicitly constructed context object passed down to
// every command. No ambient globals.
type components struct {
	logger     *zap.Logger
	gate       domain.PrivilegeGate
	driver     domain.FirewallDriver
	inventory  domain.ProcessInventory
	registry   domain.BlockedSetRegistry
	settings   domain.SettingsStore
	journal    domain.MutationJournal // May be nil when the journal can't open
	reconciler domain.Reconciler
	configDir  string
}

func buildComponents(logger *zap.Logger) (*components, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to locate config directory: %w", err)
	}
	configDir := filepath.Join(base, "appfence")

	gate := infra.NewPrivilegeGate()
	runner := firewall.NewExecRunner(firewall.DefaultCommandTimeout, logger)

	driver, err := firewall.NewDriver(runner, gate, logger)
	if err != nil {
		return nil, err
	}

	inventory := infra.NewProcessInventory()
	registry := infra.NewBlockedSetRegistry(configDir)
	settings := infra.NewSettingsStore(configDir)

	// The journal is advisory: if it can't open, commands still work.
	journal := openJournal(configDir, logger)

	reconciler := usecase.NewReconciler(inventory, driver, registry, journal, logger)

	return &components{
		logger:     logger,
		gate:       gate,
		driver:     driver,
		inventory:  inventory,
		registry:   registry,
		settings:   settings,
		journal:    journal,
		reconciler: reconciler,
		configDir:  configDir,
	}, nil
}

func openJournal(configDir string, logger *zap.Logger) domain.MutationJournal {
	key, err := infra.EnsureKey(infra.NewFileKeyProvider(configDir))
	if err != nil {
		logger.Warn("journal disabled: no encryption key", zap.Error(err))
		return nil
	}
	journal, err := infra.NewJournal(configDir, key)
	if err != nil {
		logger.Warn("journal disabled", zap.Error(err))
		return nil
	}
	return journal
}

func closeComponents(c *components) {
	if c.journal != nil {
		_ = c.journal.Close()
	}
	_ = c.logger.Sync()
}

func newCommandLogger() *zap.Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

func runBlock(cmd *cobra.Command, args []string) error {
	c, err := buildComponents(newCommandLogger())
	if err != nil {
		return err
	}
	defer closeComponents(c)

	ctx := context.Background()
	if err := c.reconciler.EnsureInitialized(ctx); err != nil {
		return err
	}
	if err := c.reconciler.SetBlocked(ctx, args[0], true); err != nil {
		return err
	}

	fmt.Printf("Blocked network access for %s\n", args[0])
	return nil
}

func runUnblock(cmd *cobra.Command, args []string) error {
	c, err := buildComponents(newCommandLogger())
	if err != nil {
		return err
	}
	defer closeComponents(c)

	ctx := context.Background()
	if err := c.reconciler.EnsureInitialized(ctx); err != nil {
		return err
	}
	if err := c.reconciler.SetBlocked(ctx, args[0], false); err != nil {
		return err
	}

	fmt.Printf("Unblocked network access for %s\n", args[0])
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	c, err := buildComponents(newCommandLogger())
	if err != nil {
		return err
	}
	defer closeComponents(c)

	records, err := c.reconciler.ListNetworkApplications(context.Background())
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No running applications with network access found.")
		return nil
	}

	fmt.Printf("%-8s %-9s %-20s %s\n", "PID", "STATE", "NAME", "PATH")
	for _, rec := range records {
		state := "allowed"
		if rec.Blocked {
			state = "BLOCKED"
		}
		fmt.Printf("%-8d %-9s %-20s %s\n", rec.PID, state, rec.Name, rec.Path)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := buildComponents(newCommandLogger())
	if err != nil {
		return err
	}
	defer closeComponents(c)

	fmt.Println("\n=== appfence Status ===")
	fmt.Printf("Firewall driver: %s\n", c.driver.Name())

	if err := c.gate.RequireElevated(); err != nil {
		fmt.Println("Privileges: NOT elevated (block/unblock will fail)")
	} else {
		fmt.Println("Privileges: elevated")
	}

	settings, err := c.settings.Load()
	if err != nil {
		fmt.Printf("Settings: failed to load (%v)\n", err)
	} else {
		fmt.Printf("Refresh interval: %s\n", settings.RefreshPeriod())
		fmt.Printf("Auto-block new apps: %v\n", settings.AutoBlockNewApps)
	}

	set, err := c.registry.Load()
	if err != nil {
		fmt.Printf("Blocked set: failed to load (%v)\n", err)
	} else if set.Len() == 0 {
		fmt.Println("Blocked set: empty")
	} else {
		fmt.Println("Blocked applications:")
		for _, path := range set.Paths() {
			fmt.Printf("  - %s\n", path)
		}
	}

	fmt.Printf("Config dir: %s\n", c.configDir)
	fmt.Println("=======================")
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger := newWatchLogger()
	c, err := buildComponents(logger)
	if err != nil {
		return err
	}
	defer closeComponents(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := c.reconciler.EnsureInitialized(ctx); err != nil {
		return err
	}

	settings, err := c.settings.Load()
	if err != nil {
		logger.Warn("failed to load settings, using defaults", zap.Error(err))
		settings = domain.DefaultSettings()
	}

	watcher := daemon.NewWatcher(daemon.ConfigFromSettings(settings), c.reconciler, logger)
	if err := watcher.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func newWatchLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runHistory(cmd *cobra.Command, args []string) error {
	c, err := buildComponents(newCommandLogger())
	if err != nil {
		return err
	}
	defer closeComponents(c)

	if c.journal == nil {
		return fmt.Errorf("journal is unavailable")
	}

	entries, err := c.journal.Recent(historyLimit)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No rule mutations recorded yet.")
		return nil
	}
	for _, e := range entries {
		fmt.Println(e.String())
	}
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("appfence %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
