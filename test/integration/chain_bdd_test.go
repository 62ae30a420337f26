//go:build integration

package integration

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/appfence/appfence/internal/domain"
	"github.com/appfence/appfence/internal/firewall"
)

var _ = Describe("Chain Driver", func() {
	var (
		ctx      context.Context
		iptables *fakeIPTables
		driver   *firewall.IPTablesDriver
		curl     domain.ApplicationTarget
		wget     domain.ApplicationTarget
	)

	BeforeEach(func() {
		ctx = context.Background()
		iptables = newFakeIPTables()
		driver = firewall.NewIPTablesDriver(iptables, openGate{}, zap.NewNop())

		curl = domain.ApplicationTarget{Path: "/usr/bin/curl", Name: "curl"}
		wget = domain.ApplicationTarget{Path: "/usr/bin/wget", Name: "wget"}
	})

	Describe("EnsureInitialized", func() {
		It("should create the managed chain and splice jumps from INPUT and OUTPUT", func() {
			Expect(driver.EnsureInitialized(ctx)).To(Succeed())

			Expect(iptables.chains).To(HaveKey("APPFENCE"))
			Expect(iptables.ruleCount("INPUT")).To(Equal(1))
			Expect(iptables.ruleCount("OUTPUT")).To(Equal(1))
		})

		It("should be idempotent across calls", func() {
			Expect(driver.EnsureInitialized(ctx)).To(Succeed())
			Expect(driver.EnsureInitialized(ctx)).To(Succeed())

			Expect(iptables.ruleCount("INPUT")).To(Equal(1))
			Expect(iptables.ruleCount("OUTPUT")).To(Equal(1))
		})

		It("should recreate the chain after external deletion", func() {
			Expect(driver.EnsureInitialized(ctx)).To(Succeed())
			delete(iptables.chains, "APPFENCE")

			Expect(driver.EnsureInitialized(ctx)).To(Succeed())
			Expect(iptables.chains).To(HaveKey("APPFENCE"))
		})
	})

	Describe("Blocking a running application", func() {
		procs := []domain.ProcessHandle{{PID: 4821, Exe: "/usr/bin/curl"}}

		BeforeEach(func() {
			Expect(driver.EnsureInitialized(ctx)).To(Succeed())
		})

		It("should install an outbound and a paired inbound rule per process", func() {
			Expect(driver.AddBlockRule(ctx, curl, procs)).To(Succeed())

			Expect(iptables.ruleCount("APPFENCE")).To(Equal(2))

			rules, err := driver.ListManagedRules(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(rules).To(HaveLen(2))

			directions := map[domain.RuleDirection]bool{}
			for _, rule := range rules {
				Expect(rule.Target).To(Equal("/usr/bin/curl"))
				Expect(rule.PID).To(Equal(int32(4821)))
				Expect(rule.Action).To(Equal(domain.ActionBlock))
				directions[rule.Direction] = true
			}
			Expect(directions).To(HaveKey(domain.DirectionOutbound))
			Expect(directions).To(HaveKey(domain.DirectionInbound))
		})

		It("should not duplicate rules when blocked twice", func() {
			Expect(driver.AddBlockRule(ctx, curl, procs)).To(Succeed())
			Expect(driver.AddBlockRule(ctx, curl, procs)).To(Succeed())

			Expect(iptables.ruleCount("APPFENCE")).To(Equal(2))
		})

		It("should cover every running instance with its own rule pair", func() {
			both := []domain.ProcessHandle{
				{PID: 4821, Exe: "/usr/bin/curl"},
				{PID: 4900, Exe: "/usr/bin/curl"},
			}
			Expect(driver.AddBlockRule(ctx, curl, both)).To(Succeed())

			Expect(iptables.ruleCount("APPFENCE")).To(Equal(4))
		})

		It("should report the target as blocked", func() {
			Expect(driver.AddBlockRule(ctx, curl, procs)).To(Succeed())

			blocked, err := driver.IsBlocked(ctx, curl)
			Expect(err).NotTo(HaveOccurred())
			Expect(blocked).To(BeTrue())

			blocked, err = driver.IsBlocked(ctx, wget)
			Expect(err).NotTo(HaveOccurred())
			Expect(blocked).To(BeFalse())
		})
	})

	Describe("Unblocking", func() {
		procs := []domain.ProcessHandle{{PID: 4821, Exe: "/usr/bin/curl"}}

		BeforeEach(func() {
			Expect(driver.EnsureInitialized(ctx)).To(Succeed())
			Expect(driver.AddBlockRule(ctx, curl, procs)).To(Succeed())
		})

		It("should remove both rules and round-trip to unblocked", func() {
			Expect(driver.RemoveBlockRule(ctx, curl, procs)).To(Succeed())

			Expect(iptables.ruleCount("APPFENCE")).To(Equal(0))

			blocked, err := driver.IsBlocked(ctx, curl)
			Expect(err).NotTo(HaveOccurred())
			Expect(blocked).To(BeFalse())
		})

		It("should remove tagged rules even after the process exited", func() {
			Expect(driver.RemoveBlockRule(ctx, curl, nil)).To(Succeed())

			Expect(iptables.ruleCount("APPFENCE")).To(Equal(0))
		})

		It("should leave rules for other applications untouched", func() {
			Expect(driver.AddBlockRule(ctx, wget, []domain.ProcessHandle{{PID: 77, Exe: "/usr/bin/wget"}})).To(Succeed())

			Expect(driver.RemoveBlockRule(ctx, curl, procs)).To(Succeed())

			rules, err := driver.ListManagedRules(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(rules).To(HaveLen(2))
			for _, rule := range rules {
				Expect(rule.Target).To(Equal("/usr/bin/wget"))
			}
		})

		It("should succeed when nothing is blocked and nothing is running", func() {
			Expect(driver.RemoveBlockRule(ctx, curl, procs)).To(Succeed())

			Expect(driver.RemoveBlockRule(ctx, curl, nil)).To(Succeed())
		})
	})

	Describe("Sweeping untagged leftovers", func() {
		BeforeEach(func() {
			Expect(driver.EnsureInitialized(ctx)).To(Succeed())
		})

		It("should delete rows matching the target name by descending index", func() {
			// Leftovers from an older rule format: no management comment, so
			// deletion by specification cannot find them.
			iptables.chains["APPFENCE"] = append(iptables.chains["APPFENCE"],
				[]string{"-m", "owner", "--pid-owner", "100", "-m", "comment", "--comment", "legacy:/usr/bin/curl", "-j", "DROP"},
				[]string{"-m", "owner", "--pid-owner", "200", "-m", "comment", "--comment", "legacy:/usr/bin/wget", "-j", "DROP"},
				[]string{"-m", "owner", "--pid-owner", "300", "-m", "comment", "--comment", "legacy:/usr/bin/curl", "-j", "DROP"},
			)

			Expect(driver.RemoveBlockRule(ctx, curl, nil)).To(Succeed())

			Expect(iptables.ruleCount("APPFENCE")).To(Equal(1))
			Expect(iptables.chains["APPFENCE"][0]).To(ContainElement("legacy:/usr/bin/wget"))
		})
	})
})
