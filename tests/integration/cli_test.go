// CLI integration tests for funnel. These cover the command surface that
// works without a live staging database: version reporting, configuration
// scaffolding, status listing, and argument validation exit codes.
package integration

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	env := newTestEnv(t)

	res := env.MustRun("version")
	if !strings.Contains(res.Stdout, "funnel v") {
		t.Errorf("expected version output, got %q", res.Stdout)
	}
}

func TestFirstRunScaffoldsConfig(t *testing.T) {
	env := newTestEnv(t)

	env.MustRun("version")

	data, err := os.ReadFile(filepath.Join(env.ConfigDir, "config.yaml"))
	if err != nil {
		t.Fatalf("default config.yaml not created: %v", err)
	}
	if !strings.Contains(string(data), "staging_dsn") {
		t.Errorf("default config.yaml missing expected keys:\n%s", data)
	}
}

func TestStatusEmptyTenant(t *testing.T) {
	env := newTestEnv(t)

	res := env.MustRun("status", "--tenant", "acme")
	if !strings.Contains(res.Stdout, "no runs") {
		t.Errorf("expected empty listing, got %q", res.Stdout)
	}
}

func TestStatusJSONOutput(t *testing.T) {
	env := newTestEnv(t)

	res := env.MustRun("status", "--tenant", "acme", "--json")
	var runs []any
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &runs); err != nil {
		t.Fatalf("status --json did not produce valid JSON: %v\n%s", err, res.Stdout)
	}
	if len(runs) != 0 {
		t.Errorf("expected no runs, got %d", len(runs))
	}
}

func TestStatusUnknownRunIsUserError(t *testing.T) {
	env := newTestEnv(t)

	res := env.Run("status", "--tenant", "acme", "--run", "nope")
	if res.ExitCode != 1 {
		t.Errorf("expected exit 1 for unknown run, got %d (stderr: %s)", res.ExitCode, res.Stderr)
	}
}

func TestIngestWithoutArgumentsIsUserError(t *testing.T) {
	env := newTestEnv(t)

	res := env.Run("ingest", "--tenant", "acme")
	if res.ExitCode != 1 {
		t.Errorf("expected exit 1 with nothing to ingest, got %d", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "nothing to ingest") {
		t.Errorf("expected usage message, got %q", res.Stderr)
	}
}

func TestIngestWithoutDSNIsUserError(t *testing.T) {
	env := newTestEnv(t)

	export := filepath.Join(t.TempDir(), "export.jsonl")
	if err := os.WriteFile(export, []byte(`{"id":"p1","__typename":"Product"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := env.Run("ingest", "--tenant", "acme", "--file", export)
	if res.ExitCode != 1 {
		t.Errorf("expected exit 1 without staging_dsn, got %d (stderr: %s)", res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stderr, "staging_dsn") {
		t.Errorf("error should name the missing setting, got %q", res.Stderr)
	}
}

func TestIngestMutuallyExclusiveSources(t *testing.T) {
	env := newTestEnv(t)

	res := env.Run("ingest", "--tenant", "acme", "--file", "x.jsonl", "http://example.com/export")
	if res.ExitCode != 1 {
		t.Errorf("expected exit 1 for --file plus URL, got %d", res.ExitCode)
	}
}

func TestMissingTenantFlag(t *testing.T) {
	env := newTestEnv(t)

	res := env.Run("status")
	if res.ExitCode == 0 {
		t.Error("status without --tenant must fail")
	}
}
