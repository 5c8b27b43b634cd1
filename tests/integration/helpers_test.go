// Shared harness for funnel CLI integration tests: builds the binary once,
// then runs it against isolated temp config and artifact directories.
package integration

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

var (
	funnelBin string
	buildErr  error
)

// TestMain builds the funnel binary once before running tests.
func TestMain(m *testing.M) {
	projectRoot, err := findProjectRoot()
	if err != nil {
		buildErr = err
		os.Exit(m.Run())
	}

	tmpDir, err := os.MkdirTemp("", "funnel-test-*")
	if err != nil {
		buildErr = err
		os.Exit(m.Run())
	}
	funnelBin = filepath.Join(tmpDir, "funnel")

	cmd := exec.Command("go", "build", "-o", funnelBin, "./cmd/funnel")
	cmd.Dir = projectRoot
	if output, err := cmd.CombinedOutput(); err != nil {
		buildErr = errors.New("build failed: " + err.Error() + "\n" + string(output))
	}

	code := m.Run()
	os.RemoveAll(tmpDir)
	os.Exit(code)
}

// findProjectRoot walks up from the working directory to the go.mod.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("go.mod not found above working directory")
		}
		dir = parent
	}
}

// runResult captures one CLI invocation.
type runResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// testEnv is an isolated config plus artifacts home for one test.
type testEnv struct {
	t            *testing.T
	ConfigDir    string
	ArtifactsDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	if buildErr != nil {
		t.Fatalf("funnel binary unavailable: %v", buildErr)
	}
	base := t.TempDir()
	return &testEnv{
		t:            t,
		ConfigDir:    filepath.Join(base, "config"),
		ArtifactsDir: filepath.Join(base, "artifacts"),
	}
}

// Run invokes the funnel binary with the environment's directories.
func (e *testEnv) Run(args ...string) runResult {
	e.t.Helper()

	cmd := exec.Command(funnelBin, args...)
	cmd.Env = append(os.Environ(),
		"FUNNEL_CONFIG_DIR="+e.ConfigDir,
		"FUNNEL_ARTIFACTS_DIR="+e.ArtifactsDir,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := runResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	} else if err != nil {
		e.t.Fatalf("running funnel %v: %v", args, err)
	}
	return res
}

// MustRun invokes the binary and fails the test on a nonzero exit.
func (e *testEnv) MustRun(args ...string) runResult {
	e.t.Helper()
	res := e.Run(args...)
	if res.ExitCode != 0 {
		e.t.Fatalf("funnel %v exited %d\nstdout: %s\nstderr: %s",
			args, res.ExitCode, res.Stdout, res.Stderr)
	}
	return res
}
