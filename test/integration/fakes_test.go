//go:build integration

package integration

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/appfence/appfence/internal/domain"
)

// openGate allows every mutation.
type openGate struct{}

func (openGate) RequireElevated() error { return nil }

// fakeIPTables is a stateful in-memory stand-in for the iptables binary.
// It keeps real chain state so idempotence, deletion by specification, and
// positional sweeps behave exactly as they would against a live filter table.
type fakeIPTables struct {
	chains map[string][][]string // chain name -> ordered rule specs
}

func newFakeIPTables() *fakeIPTables {
	return &fakeIPTables{chains: map[string][][]string{
		"INPUT":  {},
		"OUTPUT": {},
	}}
}

func (f *fakeIPTables) Run(ctx context.Context, name string, args ...string) error {
	_, err := f.exec(args)
	return err
}

func (f *fakeIPTables) Output(ctx context.Context, name string, args ...string) (string, error) {
	return f.exec(args)
}

func (f *fakeIPTables) exec(args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("iptables: no command specified")
	}

	switch args[0] {
	case "-n":
		// -n -L <chain>
		chain := args[len(args)-1]
		if _, ok := f.chains[chain]; !ok {
			return "", fmt.Errorf("iptables: No chain/target/match by that name.")
		}
		return "", nil

	case "-N":
		chain := args[1]
		if _, ok := f.chains[chain]; ok {
			return "", fmt.Errorf("iptables: Chain already exists.")
		}
		f.chains[chain] = [][]string{}
		return "", nil

	case "-C":
		chain := args[1]
		spec := args[2:]
		for _, rule := range f.chains[chain] {
			if equalSpec(rule, spec) {
				return "", nil
			}
		}
		return "", fmt.Errorf("iptables: Bad rule (does a matching rule exist in that chain?).")

	case "-I":
		chain := args[1]
		f.chains[chain] = append([][]string{args[2:]}, f.chains[chain]...)
		return "", nil

	case "-A":
		chain := args[1]
		if _, ok := f.chains[chain]; !ok {
			return "", fmt.Errorf("iptables: No chain/target/match by that name.")
		}
		f.chains[chain] = append(f.chains[chain], args[2:])
		return "", nil

	case "-D":
		chain := args[1]
		if len(args) == 3 {
			if n, err := strconv.Atoi(args[2]); err == nil {
				return "", f.deleteByIndex(chain, n)
			}
		}
		return "", f.deleteBySpec(chain, args[2:])

	case "-S":
		chain := args[1]
		rules, ok := f.chains[chain]
		if !ok {
			return "", fmt.Errorf("iptables: No chain/target/match by that name.")
		}
		var b strings.Builder
		fmt.Fprintf(&b, "-N %s\n", chain)
		for _, rule := range rules {
			fmt.Fprintf(&b, "-A %s %s\n", chain, renderSpec(rule))
		}
		return b.String(), nil

	case "-L":
		// -L <chain> --line-numbers -v
		chain := args[1]
		rules, ok := f.chains[chain]
		if !ok {
			return "", fmt.Errorf("iptables: No chain/target/match by that name.")
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Chain %s (2 references)\n", chain)
		b.WriteString("num   pkts bytes target     prot opt in     out     source               destination\n")
		for i, rule := range rules {
			fmt.Fprintf(&b, "%-4d     0     0 DROP       all  --  any    any     anywhere             anywhere             %s\n",
				i+1, describeSpec(rule))
		}
		return b.String(), nil
	}

	return "", fmt.Errorf("iptables: unsupported command %q", args[0])
}

func (f *fakeIPTables) deleteByIndex(chain string, n int) error {
	rules := f.chains[chain]
	if n < 1 || n > len(rules) {
		return fmt.Errorf("iptables: Index of deletion too big.")
	}
	f.chains[chain] = append(rules[:n-1], rules[n:]...)
	return nil
}

func (f *fakeIPTables) deleteBySpec(chain string, spec []string) error {
	rules := f.chains[chain]
	for i, rule := range rules {
		if equalSpec(rule, spec) {
			f.chains[chain] = append(rules[:i], rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("iptables: Bad rule (does a matching rule exist in that chain?).")
}

func (f *fakeIPTables) ruleCount(chain string) int {
	return len(f.chains[chain])
}

func equalSpec(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// renderSpec reproduces `iptables -S` formatting: the comment value comes
// back double-quoted.
func renderSpec(spec []string) string {
	out := make([]string, len(spec))
	for i, tok := range spec {
		out[i] = tok
		if i > 0 && spec[i-1] == "--comment" {
			out[i] = `"` + tok + `"`
		}
	}
	return strings.Join(out, " ")
}

// describeSpec reproduces the trailing match columns of `iptables -L -v`,
// enough for a by-name sweep to find its rows.
func describeSpec(spec []string) string {
	var pid, comment, state string
	for i, tok := range spec {
		switch tok {
		case "--pid-owner":
			pid = spec[i+1]
		case "--comment":
			comment = spec[i+1]
		case "--state":
			state = "state " + spec[i+1] + " "
		}
	}
	return fmt.Sprintf("%sowner PID match %s /* %s */", state, pid, comment)
}

// fakeNetsh is a stateful in-memory stand-in for the Windows netsh binary,
// keeping a real rule table keyed the way advfirewall keys it.
type fakeNetsh struct {
	rules []netshRule
}

type netshRule struct {
	name    string
	dir     string
	program string
	action  string
}

func (f *fakeNetsh) Run(ctx context.Context, name string, args ...string) error {
	_, err := f.exec(args)
	return err
}

func (f *fakeNetsh) Output(ctx context.Context, name string, args ...string) (string, error) {
	return f.exec(args)
}

func (f *fakeNetsh) exec(args []string) (string, error) {
	line := strings.Join(args, " ")

	switch {
	case line == "advfirewall show currentprofile":
		return "Domain Profile Settings:\nState ON\n", nil

	case strings.HasPrefix(line, "advfirewall firewall show rule"):
		var b strings.Builder
		for _, r := range f.rules {
			fmt.Fprintf(&b, "Rule Name: %s\n", r.name)
			fmt.Fprintf(&b, "Enabled: Yes\n")
			fmt.Fprintf(&b, "Direction: %s\n", r.dir)
			if r.program != "" {
				fmt.Fprintf(&b, "Program: %s\n", r.program)
			}
			fmt.Fprintf(&b, "Action: %s\n\n", r.action)
		}
		return b.String(), nil

	case strings.HasPrefix(line, "advfirewall firewall add rule"):
		rule := netshRule{action: "Block"}
		for _, arg := range args {
			key, value, ok := strings.Cut(arg, "=")
			if !ok {
				continue
			}
			switch key {
			case "name":
				rule.name = value
			case "dir":
				rule.dir = capitalize(value)
			case "program":
				rule.program = value
			case "action":
				rule.action = capitalize(value)
			}
		}
		f.rules = append(f.rules, rule)
		return "Ok.\n", nil

	case strings.HasPrefix(line, "advfirewall firewall delete rule"):
		var name, program string
		for _, arg := range args {
			key, value, ok := strings.Cut(arg, "=")
			if !ok {
				continue
			}
			switch key {
			case "name":
				name = value
			case "program":
				program = value
			}
		}

		kept := f.rules[:0]
		deleted := 0
		for _, r := range f.rules {
			if r.name == name && (program == "" || r.program == program) {
				deleted++
				continue
			}
			kept = append(kept, r)
		}
		f.rules = kept
		if deleted == 0 {
			// The real binary prints this to stdout and exits 1; the runner
			// folds stdout into the error when stderr is empty, so the
			// CommandRunner seam surfaces it as error text.
			return "", fmt.Errorf("advfirewall firewall delete rule: No rules match the specified criteria.")
		}
		return fmt.Sprintf("Deleted %d rule(s).\nOk.\n", deleted), nil
	}

	return "", fmt.Errorf("netsh: unsupported command %q", line)
}

// capitalize renders netsh's display casing ("block" -> "Block").
func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// fixedInventory implements domain.ProcessInventory with a static table.
type fixedInventory struct {
	handles []domain.ProcessHandle
}

func (f *fixedInventory) Enumerate(ctx context.Context) ([]domain.ProcessHandle, error) {
	return f.handles, nil
}

func (f *fixedInventory) FindByPath(ctx context.Context, path string) ([]domain.ProcessHandle, error) {
	found := make([]domain.ProcessHandle, 0)
	for _, h := range f.handles {
		if h.Exe == path {
			found = append(found, h)
		}
	}
	return found, nil
}

func (f *fixedInventory) HasNetworkActivity(ctx context.Context, handle domain.ProcessHandle) bool {
	return true
}
