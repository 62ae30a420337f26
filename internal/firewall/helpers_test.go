package firewall

import (
	"context"
	"strings"
)

// fakeRunner implements domain.CommandRunner with scripted outputs and
// errors keyed by the full command line. Unscripted commands succeed with
// empty output. Every invocation is recorded for assertions.
type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs: make(map[string]string),
		errs:    make(map[string]error),
	}
}

func commandKey(name string, args []string) string {
	return strings.Join(append([]string{name}, args...), " ")
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) error {
	_, err := f.Output(ctx, name, args...)
	return err
}

func (f *fakeRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	key := commandKey(name, args)
	f.calls = append(f.calls, key)
	if err, ok := f.errs[key]; ok {
		return "", err
	}
	return f.outputs[key], nil
}

// called reports whether a command line was invoked.
func (f *fakeRunner) called(key string) bool {
	for _, c := range f.calls {
		if c == key {
			return true
		}
	}
	return false
}

// callIndex returns the position of the first invocation of key, or -1.
func (f *fakeRunner) callIndex(key string) int {
	for i, c := range f.calls {
		if c == key {
			return i
		}
	}
	return -1
}

// fakeGate implements domain.PrivilegeGate with a fixed answer.
type fakeGate struct {
	err error
}

func (g *fakeGate) RequireElevated() error {
	return g.err
}
