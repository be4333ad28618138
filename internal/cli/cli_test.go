package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), "pipeline dev") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestCommandTreeIsRegistered(t *testing.T) {
	cmd := newRootCmd()

	want := map[string][]string{
		"extract": {"run"},
		"process": {"run", "status"},
		"load":    {"run", "setup"},
	}
	for name, subs := range want {
		parent, _, err := cmd.Find([]string{name})
		if err != nil || parent.Name() != name {
			t.Fatalf("command %s not registered: %v", name, err)
		}
		for _, sub := range subs {
			c, _, err := cmd.Find([]string{name, sub})
			if err != nil || c.Name() != sub {
				t.Fatalf("command %s %s not registered: %v", name, sub, err)
			}
		}
	}
	for _, name := range []string{"run", "schedule", "version"} {
		c, _, err := cmd.Find([]string{name})
		if err != nil || c.Name() != name {
			t.Fatalf("command %s not registered: %v", name, err)
		}
	}
}

type ctxMarkerKey struct{}

// Commands must observe the context Execute installs, or an interrupt
// mid-run can never reach the orchestrator's cancellation path.
func TestExecutePropagatesContextToCommands(t *testing.T) {
	ctx := context.WithValue(context.Background(), ctxMarkerKey{}, "marker")

	var got context.Context
	root := newRootCmd()
	root.AddCommand(&cobra.Command{
		Use: "capture",
		RunE: func(cmd *cobra.Command, _ []string) error {
			got = cmd.Context()
			return nil
		},
	})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"capture"})

	if code := execute(ctx, root); code != 0 {
		t.Fatalf("exit code %d: %s", code, out.String())
	}
	if got == nil || got.Value(ctxMarkerKey{}) != "marker" {
		t.Fatal("command did not receive the root context")
	}
}

func TestProcessRunFlags(t *testing.T) {
	cmd := newRootCmd()
	c, _, err := cmd.Find([]string{"process", "run"})
	if err != nil {
		t.Fatalf("find process run: %v", err)
	}
	for _, name := range []string{"run-id", "input-uri", "no-wait", "timeout", "dry-run"} {
		if c.Flags().Lookup(name) == nil {
			t.Fatalf("process run missing --%s", name)
		}
	}
}

func TestRunRequiresDomainOrResume(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"run"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "--domain") {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestExtractRunRequiresFlags(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"extract", "run"})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected required-flag error")
	}
}
