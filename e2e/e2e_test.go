//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	binaryPath string
	bucket     string
)

func TestMain(m *testing.M) {
	bucket = os.Getenv("CLOUDLINK_E2E_BUCKET")
	if bucket == "" || os.Getenv("CLOUDLINK_CREDENTIALS") == "" {
		fmt.Fprintln(os.Stderr, "CLOUDLINK_E2E_BUCKET and CLOUDLINK_CREDENTIALS must be set; skipping e2e tests")
		os.Exit(0)
	}

	tmpDir, err := os.MkdirTemp("", "cloudlink-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "cloudlink")

	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	cmd.Dir = findModuleRoot()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "building binary: %v\n", err)
		os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()

	os.RemoveAll(tmpDir)
	os.Exit(code)
}

// findModuleRoot walks up from the current dir to find go.mod.
func findModuleRoot() string {
	dir, _ := os.Getwd()
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ".."
		}

		dir = parent
	}
}

func execCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	cmd := exec.Command(binaryPath, args...)

	// Session ledger and token cache stay inside the test.
	home := t.TempDir()
	cmd.Env = append(os.Environ(),
		"XDG_DATA_HOME="+filepath.Join(home, "data"),
		"XDG_CACHE_HOME="+filepath.Join(home, "cache"),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.String(), stderr.String(), err
}

func runCLI(t *testing.T, args ...string) (string, string) {
	t.Helper()

	stdout, stderr, err := execCLI(t, args...)
	if err != nil {
		t.Fatalf("CLI command %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout, stderr)
	}

	return stdout, stderr
}

func writeOps(t *testing.T, ops []map[string]any) string {
	t.Helper()

	data, err := json.Marshal(ops)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ops.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

func TestE2E_RoundTrip(t *testing.T) {
	name := fmt.Sprintf("cloudlink-e2e-%d.txt", time.Now().UnixNano())
	objectPath := "/b/" + bucket + "/o/" + name
	content := []byte("Hello from cloudlink E2E test!\n")

	t.Cleanup(func() {
		ops := writeOps(t, []map[string]any{{"id": "rm", "method": "DELETE", "path": objectPath}})
		_, _, _ = execCLI(t, "batch", ops)
	})

	t.Run("token", func(t *testing.T) {
		stdout, _ := runCLI(t, "token", "--json", "--info")

		var out map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &out))
		assert.NotContains(t, out, "access_token")
		assert.Equal(t, "Bearer", out["token_type"])
	})

	t.Run("upload", func(t *testing.T) {
		local := filepath.Join(t.TempDir(), "upload.txt")
		require.NoError(t, os.WriteFile(local, content, 0o600))

		stdout, _ := runCLI(t, "upload", "--json", "--collection", "/b/"+bucket+"/o", local, name)

		var obj map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &obj))
		assert.Equal(t, name, obj["name"])
		assert.Equal(t, fmt.Sprint(len(content)), obj["size"])
	})

	t.Run("poll", func(t *testing.T) {
		stdout, _ := runCLI(t, "poll", objectPath, "--field", "name", "--equals", name, "--timeout", "30s")
		assert.Contains(t, stdout, name)
	})

	t.Run("stream_raw", func(t *testing.T) {
		stdout, _ := runCLI(t, "stream", "raw", objectPath+"?alt=media")
		assert.Equal(t, string(content), stdout)
	})

	t.Run("fetch_many", func(t *testing.T) {
		stdout, _ := runCLI(t, "fetch-many", "--json", objectPath, objectPath+"?fields=name")

		var outcomes []map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &outcomes))
		assert.Len(t, outcomes, 2)
	})

	t.Run("batch_partial_failure", func(t *testing.T) {
		ops := writeOps(t, []map[string]any{
			{"id": "present", "path": objectPath},
			{"id": "absent", "path": objectPath + "-missing"},
		})

		stdout, _, err := execCLI(t, "batch", "--json", ops)
		require.Error(t, err)

		var outcomes []map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &outcomes))
		require.Len(t, outcomes, 2)
		assert.Equal(t, "absent", outcomes[0]["id"])
		assert.EqualValues(t, 404, outcomes[0]["status"])
		assert.Equal(t, "present", outcomes[1]["id"])
		assert.EqualValues(t, 200, outcomes[1]["status"])
	})
}
