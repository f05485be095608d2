package oracle

import (
	"errors"
	"testing"
)

func TestParseReadiness(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		expectErr   bool
		expectReady bool
		expectRisk  Level
	}{
		{
			name:        "plain object",
			raw:         `{"ready": true, "overall_risk": "low", "confidence": "high", "summary": "ok"}`,
			expectReady: true,
			expectRisk:  LevelLow,
		},
		{
			name:        "markdown fenced",
			raw:         "```json\n{\"ready\": true, \"overall_risk\": \"Medium\"}\n```",
			expectReady: true,
			expectRisk:  LevelMedium,
		},
		{
			name:        "envelope",
			raw:         `{"success": true, "analysis": {"ready": false, "overall_risk": "critical", "summary": "no space"}}`,
			expectReady: false,
			expectRisk:  LevelCritical,
		},
		{
			name:        "unknown risk treated as high",
			raw:         `{"ready": true, "overall_risk": "spicy"}`,
			expectReady: true,
			expectRisk:  LevelHigh,
		},
		{
			name:      "missing ready",
			raw:       `{"overall_risk": "low"}`,
			expectErr: true,
		},
		{
			name:      "failed envelope",
			raw:       `{"success": false, "error": "quota exceeded"}`,
			expectErr: true,
		},
		{
			name:      "not json",
			raw:       "I think the device is ready.",
			expectErr: true,
		},
		{
			name:      "empty",
			raw:       "  ",
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseReadiness([]byte(tt.raw))
			if tt.expectErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", r)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if r.Ready != tt.expectReady {
				t.Errorf("expected ready=%v, got %v", tt.expectReady, r.Ready)
			}
			if r.Risk != tt.expectRisk {
				t.Errorf("expected risk %s, got %s", tt.expectRisk, r.Risk)
			}
			if r.Fallback {
				t.Error("parsed readiness must not be marked as fallback")
			}
		})
	}
}

func TestParseReadiness_FailedEnvelopeMessage(t *testing.T) {
	_, err := ParseReadiness([]byte(`{"success": false, "error": "quota exceeded"}`))
	if err == nil || err.Error() != "quota exceeded" {
		t.Errorf("expected service error message, got %v", err)
	}
}

func TestParsePlan(t *testing.T) {
	t.Run("string steps", func(t *testing.T) {
		plan, err := ParsePlan([]byte(`{"success": true, "plan": {"summary": "s", "steps": ["backup", "upload", "reboot"]}}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(plan.Steps) != 3 {
			t.Fatalf("expected 3 steps, got %d", len(plan.Steps))
		}
		if plan.Steps[2].Step != 3 || plan.Steps[2].Description != "reboot" {
			t.Errorf("unexpected step %+v", plan.Steps[2])
		}
	})

	t.Run("object steps", func(t *testing.T) {
		plan, err := ParsePlan([]byte(`{"steps": [{"action": "upload", "description": "copy image"}], "estimated_downtime": "20"}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if plan.Steps[0].Step != 1 || plan.Steps[0].Action != "upload" {
			t.Errorf("unexpected step %+v", plan.Steps[0])
		}
		if plan.EstimatedDowntime != "20" {
			t.Errorf("unexpected downtime %q", plan.EstimatedDowntime)
		}
	})

	t.Run("no steps", func(t *testing.T) {
		if _, err := ParsePlan([]byte(`{"summary": "nothing"}`)); !errors.Is(err, ErrMalformed) {
			t.Errorf("expected ErrMalformed, got %v", err)
		}
	})

	t.Run("bad step", func(t *testing.T) {
		if _, err := ParsePlan([]byte(`{"steps": [42]}`)); !errors.Is(err, ErrMalformed) {
			t.Errorf("expected ErrMalformed, got %v", err)
		}
	})
}

func TestParseAssessment(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		expectErr bool
		expectRec Recommendation
	}{
		{name: "proceed", raw: `{"recommendation": "proceed", "success": true}`, expectRec: RecommendProceed},
		{name: "case and space", raw: `{"recommendation": " Rollback "}`, expectRec: RecommendRollback},
		{name: "fenced envelope", raw: "```\n{\"success\": true, \"analysis\": {\"recommendation\": \"investigate\"}}\n```", expectRec: RecommendInvestigate},
		{name: "unknown recommendation", raw: `{"recommendation": "ship it"}`, expectErr: true},
		{name: "missing recommendation", raw: `{"success": true, "summary": "fine"}`, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseAssessment([]byte(tt.raw))
			if tt.expectErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("expected ErrMalformed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if a.Recommendation != tt.expectRec {
				t.Errorf("expected %s, got %s", tt.expectRec, a.Recommendation)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	r := NotReady("timeout")
	if r.Ready || !r.Fallback {
		t.Errorf("NotReady must be not ready and marked fallback: %+v", r)
	}
	if r.Summary != "advisory analysis unavailable: timeout" {
		t.Errorf("unexpected summary %q", r.Summary)
	}

	a := Investigate()
	if a.Recommendation != RecommendInvestigate || a.Summary != UnavailableSummary || !a.Fallback {
		t.Errorf("unexpected default assessment %+v", a)
	}

	plan := DefaultPlan(&PlanRequest{Device: DeviceInfo{Hostname: "srx-01"}, TargetVersion: "21.4R3", FirmwareFile: "junos.tgz"})
	if len(plan.Steps) != 10 {
		t.Errorf("expected 10 steps, got %d", len(plan.Steps))
	}
	if plan.Steps[9].Step != 10 {
		t.Errorf("steps must be numbered from 1, got %+v", plan.Steps[9])
	}
}
