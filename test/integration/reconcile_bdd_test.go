//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/appfence/appfence/internal/domain"
	"github.com/appfence/appfence/internal/firewall"
	"github.com/appfence/appfence/internal/infra"
	"github.com/appfence/appfence/internal/usecase"
)

var _ = Describe("Reconciler", func() {
	var (
		ctx          context.Context
		tmpDir       string
		binaryPath   string
		registryPath string
		iptables     *fakeIPTables
		reconciler   domain.Reconciler
	)

	// newReconciler wires a reconciler over the given chain state, reusing
	// the registry file so persisted intent survives "restarts".
	newReconciler := func(fw *fakeIPTables) domain.Reconciler {
		driver := firewall.NewIPTablesDriver(fw, openGate{}, zap.NewNop())
		registry := infra.NewBlockedSetRegistryWithPath(registryPath)
		inventory := &fixedInventory{handles: []domain.ProcessHandle{{PID: 4821, Exe: binaryPath}}}
		return usecase.NewReconciler(inventory, driver, registry, nil, zap.NewNop())
	}

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		tmpDir, err = os.MkdirTemp("", "appfence-integration-*")
		Expect(err).NotTo(HaveOccurred())

		binaryPath = filepath.Join(tmpDir, "curl")
		Expect(os.WriteFile(binaryPath, []byte("fake binary"), 0755)).To(Succeed())
		binaryPath, err = filepath.EvalSymlinks(binaryPath)
		Expect(err).NotTo(HaveOccurred())

		registryPath = filepath.Join(tmpDir, "blocked_apps.json")

		iptables = newFakeIPTables()
		reconciler = newReconciler(iptables)
		Expect(reconciler.EnsureInitialized(ctx)).To(Succeed())
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	Describe("Blocking an application", func() {
		It("should install rules and persist the intent", func() {
			Expect(reconciler.SetBlocked(ctx, binaryPath, true)).To(Succeed())

			Expect(iptables.ruleCount("APPFENCE")).To(Equal(2))

			set, err := infra.NewBlockedSetRegistryWithPath(registryPath).Load()
			Expect(err).NotTo(HaveOccurred())
			Expect(set.Has(binaryPath)).To(BeTrue())
		})

		It("should surface the enforcement state in the application listing", func() {
			Expect(reconciler.SetBlocked(ctx, binaryPath, true)).To(Succeed())

			records, err := reconciler.ListNetworkApplications(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(1))
			Expect(records[0].Path).To(Equal(binaryPath))
			Expect(records[0].Blocked).To(BeTrue())
		})
	})

	Describe("Unblocking an application", func() {
		It("should remove the rules and the persisted intent", func() {
			Expect(reconciler.SetBlocked(ctx, binaryPath, true)).To(Succeed())
			Expect(reconciler.SetBlocked(ctx, binaryPath, false)).To(Succeed())

			Expect(iptables.ruleCount("APPFENCE")).To(Equal(0))

			set, err := infra.NewBlockedSetRegistryWithPath(registryPath).Load()
			Expect(err).NotTo(HaveOccurred())
			Expect(set.Has(binaryPath)).To(BeFalse())
		})
	})

	Describe("Re-applying after a restart", func() {
		It("should restore rules from the persisted blocked set", func() {
			Expect(reconciler.SetBlocked(ctx, binaryPath, true)).To(Succeed())

			// A reboot wipes the filter table but not the registry file.
			fresh := newFakeIPTables()
			restarted := newReconciler(fresh)
			Expect(restarted.EnsureInitialized(ctx)).To(Succeed())
			Expect(fresh.ruleCount("APPFENCE")).To(Equal(0))

			Expect(restarted.ReapplyBlockedSet(ctx)).To(Succeed())

			Expect(fresh.ruleCount("APPFENCE")).To(Equal(2))
		})
	})
})
