package config

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/srxops/srxops/pkg/engine"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name    string
		script  string
		input   map[string]interface{}
		check   func(*testing.T, map[string]interface{})
		wantErr bool
	}{
		{
			name:   "arithmetic",
			script: "result = 2 + 2\n",
			check: func(t *testing.T, out map[string]interface{}) {
				if out["result"] != int64(4) {
					t.Errorf("result = %v, want 4", out["result"])
				}
			},
		},
		{
			name:   "input variables",
			script: "doubled = count * 2\n",
			input:  map[string]interface{}{"count": 5},
			check: func(t *testing.T, out map[string]interface{}) {
				if out["doubled"] != int64(10) {
					t.Errorf("doubled = %v, want 10", out["doubled"])
				}
			},
		},
		{
			name:   "integral floats arrive as ints",
			script: "same = tunnels == 3\n",
			input:  map[string]interface{}{"tunnels": float64(3)},
			check: func(t *testing.T, out map[string]interface{}) {
				if out["same"] != true {
					t.Errorf("same = %v", out["same"])
				}
			},
		},
		{
			name: "functions and private names are not exported",
			script: `
def double(x):
    return x * 2

_hidden = 1
values = [double(i) for i in range(3)]
pair = (1, "a")
`,
			check: func(t *testing.T, out map[string]interface{}) {
				if _, ok := out["double"]; ok {
					t.Error("function exported")
				}
				if _, ok := out["_hidden"]; ok {
					t.Error("private global exported")
				}
				if !reflect.DeepEqual(out["values"], []interface{}{int64(0), int64(2), int64(4)}) {
					t.Errorf("values = %v", out["values"])
				}
				if !reflect.DeepEqual(out["pair"], []interface{}{int64(1), "a"}) {
					t.Errorf("pair = %v", out["pair"])
				}
			},
		},
		{
			name:   "nested dicts",
			script: "alarm = state[\"alarms\"][0][\"class\"]\n",
			input: map[string]interface{}{
				"state": map[string]interface{}{
					"alarms": []interface{}{map[string]interface{}{"class": "Major"}},
				},
			},
			check: func(t *testing.T, out map[string]interface{}) {
				if out["alarm"] != "Major" {
					t.Errorf("alarm = %v", out["alarm"])
				}
			},
		},
		{
			name:   "struct builtin",
			script: "s = struct(name = \"srx\", port = 22)\n",
			check: func(t *testing.T, out map[string]interface{}) {
				m, ok := out["s"].(map[string]interface{})
				if !ok || m["name"] != "srx" || m["port"] != int64(22) {
					t.Errorf("s = %v", out["s"])
				}
			},
		},
		{
			name:    "syntax error",
			script:  "result = (\n",
			wantErr: true,
		},
		{
			name:    "runtime failure",
			script:  "fail(\"bad state\")\n",
			wantErr: true,
		},
		{
			name:    "unsupported input",
			script:  "x = 1\n",
			input:   map[string]interface{}{"ch": make(chan int)},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, "test.star", tt.script, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if result != nil && result.Error == "" {
					t.Error("result.Error not set")
				}
				return
			}
			if tt.check != nil {
				tt.check(t, result.Output)
			}
		})
	}
}

func TestStarlarkEvaluator_StopsLongScripts(t *testing.T) {
	evaluator := NewStarlarkEvaluator(50 * time.Millisecond)

	start := time.Now()
	_, err := evaluator.Evaluate(context.Background(), "loop.star", `
def spin():
    total = 0
    for i in range(1000000000):
        total += i
    return total

x = spin()
`, nil)
	if err == nil {
		t.Fatal("expected the script to be stopped")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("script ran for %v", elapsed)
	}
}

func upgradeInput() *engine.UpgradeCheckInput {
	return &engine.UpgradeCheckInput{
		Hostname:      "srx-branch-01",
		TargetVersion: "21.4R3-S5",
		Pre:           map[string]any{"version": "20.4R3", "tunnels": float64(4), "interfaces_up": float64(6)},
		Post:          map[string]any{"version": "21.4R3-S5", "tunnels": float64(2), "interfaces_up": float64(6)},
	}
}

const tunnelCheck = `
issues = []
if post["tunnels"] < pre["tunnels"]:
    issues.append("%s lost %d tunnels" % (hostname, pre["tunnels"] - post["tunnels"]))
if post["version"] != target_version:
    issues.append("version mismatch")
`

func TestScriptCheck_Check(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		script  string
		want    []string
		wantErr bool
	}{
		{"reports issues", tunnelCheck, []string{"srx-branch-01 lost 2 tunnels"}, false},
		{"no issues variable", "ok = True\n", nil, false},
		{"non-string issues are formatted", "issues = [1, None]\n", []string{"1", "<nil>"}, false},
		{"issues must be a list", "issues = \"broken\"\n", nil, true},
		{"script error", "issues = [undefined_name]\n", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := NewInlineScriptCheck("check.star", tt.script, time.Second)
			got, err := check.Check(ctx, upgradeInput())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Check() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewScriptCheck(t *testing.T) {
	if _, err := NewScriptCheck(filepath.Join(t.TempDir(), "missing.star"), time.Second); err == nil {
		t.Error("expected error for a missing script")
	}

	path := writeFile(t, "upgrade_check.star", tunnelCheck)
	check, err := NewScriptCheck(path, time.Second)
	if err != nil {
		t.Fatalf("NewScriptCheck() error = %v", err)
	}
	issues, err := check.Check(context.Background(), upgradeInput())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(issues) != 1 {
		t.Errorf("issues = %v", issues)
	}
}
