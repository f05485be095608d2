package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/srxops/srxops/pkg/engine"
	"github.com/srxops/srxops/pkg/stores"
)

// testConfig writes a config that keeps the database and artifacts inside a
// temporary directory and turns off the network-facing telemetry.
func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := "database:\n" +
		"  path: " + filepath.Join(dir, "srxops.db") + "\n" +
		"artifacts:\n" +
		"  root: " + filepath.Join(dir, "storage") + "\n" +
		"telemetry:\n" +
		"  metrics:\n" +
		"    enabled: false\n" +
		"  events:\n" +
		"    enabled: false\n"
	path := filepath.Join(dir, "srxops.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func execute(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfgPath, "--actor", "tester"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustExecute(t *testing.T, cfgPath string, args ...string) string {
	t.Helper()
	out, err := execute(t, cfgPath, args...)
	if err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
	return out
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("failed to decode output: %v\n%s", err, out)
	}
	return v
}

func TestMigrate(t *testing.T) {
	cfg := testConfig(t)
	out := mustExecute(t, cfg, "migrate")
	if !strings.Contains(out, "schema version") {
		t.Errorf("output = %q", out)
	}
}

func TestDeviceLifecycle(t *testing.T) {
	cfg := testConfig(t)

	added := decode[engine.Device](t, mustExecute(t, cfg, "--json", "device", "add",
		"--hostname", "srx-branch-01", "--ip", "192.0.2.10", "--region", "west", "--tag", "pilot"))
	if added.ID == "" || !added.Enabled {
		t.Fatalf("added = %+v", added)
	}

	mustExecute(t, cfg, "device", "add", "--hostname", "srx-branch-02", "--ip", "192.0.2.11", "--region", "east", "--disabled")

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"all", []string{"device", "list"}, 2},
		{"enabled only", []string{"device", "list", "--enabled"}, 1},
		{"by region", []string{"device", "list", "--region", "east"}, 1},
		{"by tag", []string{"device", "list", "--tag", "pilot"}, 1},
		{"no match", []string{"device", "list", "--tag", "core"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devices := decode[[]engine.Device](t, mustExecute(t, cfg, append([]string{"--json"}, tt.args...)...))
			if len(devices) != tt.want {
				t.Errorf("got %d devices, want %d", len(devices), tt.want)
			}
		})
	}

	out := mustExecute(t, cfg, "device", "show", "192.0.2.10")
	if !strings.Contains(out, "srx-branch-01") {
		t.Errorf("show output = %q", out)
	}

	if _, err := execute(t, cfg, "device", "add", "--hostname", "srx-branch-03", "--ip", "192.0.2.10"); err == nil {
		t.Error("duplicate management IP accepted")
	}
	if _, err := execute(t, cfg, "device", "add", "--hostname", "srx-branch-04", "--ip", "not-an-ip"); err == nil {
		t.Error("invalid management IP accepted")
	}

	mustExecute(t, cfg, "device", "remove", "srx-branch-01")
	if _, err := execute(t, cfg, "device", "show", "srx-branch-01"); err == nil {
		t.Error("removed device still resolvable")
	}
}

func TestBackupEnqueueAndCancel(t *testing.T) {
	cfg := testConfig(t)
	mustExecute(t, cfg, "device", "add", "--hostname", "srx-branch-01", "--ip", "192.0.2.10")

	if _, err := execute(t, cfg, "backup"); err == nil {
		t.Error("backup without --device or --all accepted")
	}

	job := decode[engine.Job](t, mustExecute(t, cfg, "--json", "backup", "--device", "srx-branch-01"))
	if job.Type != engine.JobTypeBackup || job.Status != engine.JobStatusPending {
		t.Fatalf("job = %+v", job)
	}
	if job.RequestedBy.Label() != "tester" {
		t.Errorf("requested by = %q", job.RequestedBy.Label())
	}

	jobs := decode[[]engine.Job](t, mustExecute(t, cfg, "--json", "job", "list"))
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Fatalf("jobs = %+v", jobs)
	}

	cancelled := decode[engine.Job](t, mustExecute(t, cfg, "--json", "job", "cancel", job.ID))
	if cancelled.Status != engine.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}

	entries := decode[[]stores.AuditEntry](t, mustExecute(t, cfg, "--json", "audit", "--by", "tester"))
	actions := map[string]bool{}
	for _, e := range entries {
		actions[e.Action] = true
	}
	for _, want := range []string{"device.created", "job.enqueued", "job.cancelled"} {
		if !actions[want] {
			t.Errorf("audit trail missing %s: %+v", want, entries)
		}
	}
}

func TestUpgradeRequiresKnownFirmware(t *testing.T) {
	cfg := testConfig(t)
	mustExecute(t, cfg, "device", "add", "--hostname", "srx-branch-01", "--ip", "192.0.2.10")

	if _, err := execute(t, cfg, "upgrade", "--device", "srx-branch-01", "--version", "21.4R3-S5"); err == nil {
		t.Error("upgrade to a missing image accepted")
	}

	out := mustExecute(t, cfg, "firmware", "list")
	if !strings.Contains(out, "no images") {
		t.Errorf("firmware list = %q", out)
	}
}

func TestDeviceImportDryRun(t *testing.T) {
	cfg := testConfig(t)
	inv := filepath.Join(t.TempDir(), "devices.yaml")
	content := `devices:
  - hostname: srx-branch-01
    mgmt_ip: 192.0.2.10
  - hostname: srx-branch-02
    mgmt_ip: 192.0.2.11
`
	if err := os.WriteFile(inv, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	out := mustExecute(t, cfg, "device", "import", "--dry-run", inv)
	if !strings.Contains(out, "2 devices valid") {
		t.Errorf("output = %q", out)
	}

	devices := decode[[]engine.Device](t, mustExecute(t, cfg, "--json", "device", "list"))
	if len(devices) != 0 {
		t.Errorf("dry run stored %d devices", len(devices))
	}

	mustExecute(t, cfg, "device", "import", inv)
	devices = decode[[]engine.Device](t, mustExecute(t, cfg, "--json", "device", "list"))
	if len(devices) != 2 {
		t.Errorf("imported %d devices, want 2", len(devices))
	}
}

func TestPolicyCheck(t *testing.T) {
	cfg := testConfig(t)

	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"allowed", []string{"--command", "set system host-name srx-lab", "--description", "rename"}, false},
		{"denied", []string{"--command", "delete system root-authentication", "--description", "cleanup"}, true},
		{"no commands", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, cfg, append([]string{"policy", "check"}, tt.args...)...)
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v\n%s", err, tt.wantErr, out)
			}
		})
	}

	out := mustExecute(t, cfg, "policy", "list")
	if !strings.Contains(out, "change-description") {
		t.Errorf("policy list = %q", out)
	}
}
