package doctor

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Nativu5/gpu-tnr-client/pkg/config"
	"github.com/Nativu5/gpu-tnr-client/pkg/types"
)

// helpers

func healthyNode(t *testing.T) *types.RenderNode {
	t.Helper()
	devPath := filepath.Join(t.TempDir(), "renderD128")
	if err := os.WriteFile(devPath, nil, 0666); err != nil {
		t.Fatal(err)
	}
	return &types.RenderNode{
		Name:       "renderD128",
		DevPath:    devPath,
		PciAddress: "0000:00:02.0",
		Driver:     "i915",
	}
}

func findResult(report *Report, check string) (CheckResult, bool) {
	for _, r := range report.Results {
		if r.Check == check {
			return r, true
		}
	}
	return CheckResult{}, false
}

// DiagnoseNode tests

func TestDiagnoseNode_FullyHealthy(t *testing.T) {
	report := DiagnoseNode(healthyNode(t))

	if report.HasFail || report.HasWarn {
		for _, r := range report.Results {
			t.Logf("  %s: %s - %s", r.Severity, r.Check, r.Message)
		}
		t.Fatal("healthy node should only PASS")
	}
	if len(report.Results) != 2 {
		t.Errorf("expected 2 results, got %d", len(report.Results))
	}
}

func TestDiagnoseNode_MissingDevice(t *testing.T) {
	node := healthyNode(t)
	node.DevPath = filepath.Join(t.TempDir(), "renderD200")
	report := DiagnoseNode(node)

	r, ok := findResult(report, "render_node")
	if !ok || r.Severity != Fail {
		t.Errorf("expected FAIL for render_node, got %+v", r)
	}
	if r.Device != "renderD128" {
		t.Errorf("result device = %q, want renderD128", r.Device)
	}
}

func TestDiagnoseNode_NoDevPath(t *testing.T) {
	node := healthyNode(t)
	node.DevPath = ""
	if !DiagnoseNode(node).HasFail {
		t.Error("node without device path should FAIL")
	}
}

func TestDiagnoseNode_Driver(t *testing.T) {
	tests := []struct {
		driver string
		want   Severity
	}{
		{"i915", Pass},
		{"amdgpu", Pass},
		{"nouveau", Warn},
		{"", Warn},
	}
	for _, tc := range tests {
		node := healthyNode(t)
		node.Driver = tc.driver
		r, ok := findResult(DiagnoseNode(node), "gpu_driver")
		if !ok || r.Severity != tc.want {
			t.Errorf("driver %q: severity = %s, want %s", tc.driver, r.Severity, tc.want)
		}
	}
}

func TestDiagnoseNoNodes(t *testing.T) {
	report := DiagnoseNoNodes(os.ErrNotExist)
	if !report.HasFail {
		t.Error("missing render nodes should FAIL")
	}
}

func TestDiagnoseConfigLoad(t *testing.T) {
	report := DiagnoseConfigLoad(os.ErrPermission)
	r, ok := findResult(report, "config")
	if !ok || r.Severity != Fail {
		t.Errorf("expected FAIL for config, got %+v", r)
	}
}

// DiagnoseHost tests

func fakeModules(t *testing.T, mods ...string) {
	t.Helper()
	orig := sysModule
	t.Cleanup(func() { sysModule = orig })
	sysModule = t.TempDir()
	for _, m := range mods {
		os.MkdirAll(filepath.Join(sysModule, m), 0755)
	}
}

func TestDiagnoseHost_Healthy(t *testing.T) {
	fakeModules(t, "drm")
	report := DiagnoseHost(HostOptions{ShmDir: t.TempDir(), Prefix: "gpu_algo_", Config: config.Default()})

	if report.HasFail || report.HasWarn {
		for _, r := range report.Results {
			t.Logf("  %s: %s - %s", r.Severity, r.Check, r.Message)
		}
		t.Fatal("healthy host should only PASS")
	}
	for _, check := range []string{"kernel_modules", "shm_dir", "stale_segments", "gpu_tnr_enabled"} {
		if _, ok := findResult(report, check); !ok {
			t.Errorf("expected %s check in report", check)
		}
	}
}

func TestDiagnoseHost_KernelModulesMissing(t *testing.T) {
	fakeModules(t)
	report := DiagnoseHost(HostOptions{ShmDir: t.TempDir()})

	r, _ := findResult(report, "kernel_modules")
	if r.Severity != Fail || !strings.Contains(r.Message, "drm") {
		t.Errorf("expected FAIL naming drm, got %+v", r)
	}
	if _, ok := findResult(report, "gpu_tnr_enabled"); ok {
		t.Error("config checks should be skipped without a config")
	}
}

func TestDiagnoseHost_ShmDirMissing(t *testing.T) {
	fakeModules(t, "drm")
	report := DiagnoseHost(HostOptions{ShmDir: filepath.Join(t.TempDir(), "nope")})

	r, _ := findResult(report, "shm_dir")
	if r.Severity != Fail {
		t.Errorf("expected FAIL for missing shm dir, got %+v", r)
	}
}

func TestDiagnoseHost_ShmDirProbeRemoved(t *testing.T) {
	fakeModules(t, "drm")
	dir := t.TempDir()
	DiagnoseHost(HostOptions{ShmDir: dir})

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("probe file left behind: %v", entries)
	}
}

func TestDiagnoseHost_StaleSegments(t *testing.T) {
	fakeModules(t, "drm")
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "gpu_algo_tnr-run-x"), make([]byte, 48), 0600)
	os.WriteFile(filepath.Join(dir, "gpu_algo_tnr-param-x"), make([]byte, 16), 0600)
	os.WriteFile(filepath.Join(dir, "unrelated"), nil, 0600)

	report := DiagnoseHost(HostOptions{ShmDir: dir, Prefix: "gpu_algo_"})
	r, _ := findResult(report, "stale_segments")
	if r.Severity != Warn {
		t.Fatalf("expected WARN for leftover segments, got %+v", r)
	}
	if !strings.Contains(r.Message, "2 segment file(s) (64 bytes)") {
		t.Errorf("unexpected message: %s", r.Message)
	}
}

func TestDiagnoseHost_Config(t *testing.T) {
	fakeModules(t, "drm")
	cfg := config.Default()
	cfg.GpuTnrEnabled = false
	cfg.ParamBlobSize = 0

	report := DiagnoseHost(HostOptions{ShmDir: t.TempDir(), Config: cfg})
	if r, _ := findResult(report, "gpu_tnr_enabled"); r.Severity != Warn {
		t.Errorf("expected WARN when GPU TNR disabled, got %+v", r)
	}
	if r, _ := findResult(report, "config"); r.Severity != Fail {
		t.Errorf("expected FAIL for invalid config, got %+v", r)
	}
}

// MergeReports tests

func TestMergeReports(t *testing.T) {
	r1 := &Report{}
	r1.add(CheckResult{Check: "a", Severity: Pass, Message: "ok"})

	r2 := &Report{}
	r2.add(CheckResult{Check: "b", Severity: Warn, Message: "warn"})

	merged := MergeReports(r1, r2)

	if len(merged.Results) != 2 {
		t.Errorf("expected 2 results, got %d", len(merged.Results))
	}
	if !merged.HasWarn {
		t.Error("merged should have HasWarn=true")
	}
	if merged.HasFail {
		t.Error("merged should not have HasFail")
	}
}

func TestMergeReports_WithFail(t *testing.T) {
	r1 := &Report{}
	r1.add(CheckResult{Check: "a", Severity: Pass})
	r2 := &Report{}
	r2.add(CheckResult{Check: "b", Severity: Fail})

	merged := MergeReports(r1, r2)
	if !merged.HasFail {
		t.Error("merged should have HasFail=true")
	}
}

// Strict exit code logic

func TestStrictExitCodeLogic(t *testing.T) {
	tests := []struct {
		name        string
		hasWarn     bool
		hasFail     bool
		strict      bool
		wantNonZero bool
	}{
		{"all_pass_no_strict", false, false, false, false},
		{"all_pass_strict", false, false, true, false},
		{"warn_no_strict", true, false, false, false},
		{"warn_strict", true, false, true, true},
		{"fail_no_strict", false, true, false, true},
		{"fail_strict", false, true, true, true},
		{"warn_and_fail_strict", true, true, true, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			report := &Report{HasWarn: tc.hasWarn, HasFail: tc.hasFail}
			shouldExitNonZero := report.HasFail || (tc.strict && report.HasWarn)
			if shouldExitNonZero != tc.wantNonZero {
				t.Errorf("strict=%v, hasWarn=%v, hasFail=%v: shouldExit=%v, want %v",
					tc.strict, tc.hasWarn, tc.hasFail, shouldExitNonZero, tc.wantNonZero)
			}
		})
	}
}

// Output tests

func TestPrintTable_Output(t *testing.T) {
	report := &Report{}
	report.add(CheckResult{Check: "test_check", Severity: Pass, Message: "all good", Device: "renderD128"})
	report.add(CheckResult{Check: "test_warn", Severity: Warn, Message: "heads up", Device: "renderD128"})

	// With showPass=true, both entries visible
	var buf bytes.Buffer
	PrintTable(&buf, report, true)
	output := buf.String()
	if !strings.Contains(output, "PASS") {
		t.Error("table with showPass=true should contain PASS")
	}
	if !strings.Contains(output, "WARN") {
		t.Error("table with showPass=true should contain WARN")
	}

	// With showPass=false, only WARN visible
	buf.Reset()
	PrintTable(&buf, report, false)
	output = buf.String()
	if strings.Contains(output, "PASS") {
		t.Error("table with showPass=false should not contain PASS")
	}
	if !strings.Contains(output, "WARN") {
		t.Error("table with showPass=false should still contain WARN")
	}
}

func TestPrintTable_AllPass_NoShowPass(t *testing.T) {
	report := &Report{}
	report.add(CheckResult{Check: "ok", Severity: Pass, Message: "fine"})

	var buf bytes.Buffer
	PrintTable(&buf, report, false)
	output := buf.String()
	if !strings.Contains(output, "All checks passed.") {
		t.Errorf("expected 'All checks passed.' message, got: %q", output)
	}
}

func TestPrintJSON_Output(t *testing.T) {
	report := &Report{}
	report.add(CheckResult{Check: "test", Severity: Pass, Message: "ok", Device: "renderD128"})

	var buf bytes.Buffer
	if err := PrintJSON(&buf, report, true); err != nil {
		t.Fatalf("PrintJSON failed: %v", err)
	}

	var results []CheckResult
	if err := json.Unmarshal(buf.Bytes(), &results); err != nil {
		t.Fatalf("JSON output is not valid: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 result, got %d", len(results))
	}

	// With showPass=false, PASS should be excluded
	buf.Reset()
	if err := PrintJSON(&buf, report, false); err != nil {
		t.Fatalf("PrintJSON failed: %v", err)
	}
	var filtered []CheckResult
	if err := json.Unmarshal(buf.Bytes(), &filtered); err != nil {
		t.Fatalf("JSON output is not valid: %v", err)
	}
	if len(filtered) != 0 {
		t.Errorf("expected 0 results with showPass=false, got %d", len(filtered))
	}
}

// Severity values

func TestSeverityValues(t *testing.T) {
	if string(Pass) != "PASS" {
		t.Errorf("Pass = %q, want PASS", Pass)
	}
	if string(Warn) != "WARN" {
		t.Errorf("Warn = %q, want WARN", Warn)
	}
	if string(Fail) != "FAIL" {
		t.Errorf("Fail = %q, want FAIL", Fail)
	}
}
