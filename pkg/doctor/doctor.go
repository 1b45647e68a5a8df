// Package doctor provides GPU TNR environment diagnostics.
// It checks render node presence and access, the DRM kernel modules, the
// shared-memory directory, leaked segments and the platform TNR switches.
package doctor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/Nativu5/gpu-tnr-client/pkg/config"
	"github.com/Nativu5/gpu-tnr-client/pkg/shm"
	"github.com/Nativu5/gpu-tnr-client/pkg/types"
)

// Severity levels for diagnostic checks.
type Severity string

const (
	Pass Severity = "PASS"
	Warn Severity = "WARN"
	Fail Severity = "FAIL"
)

var sysModule = "/sys/module"

// requiredKernelModules lists the kernel modules that must be loaded
// for the GPU TNR unit to be reachable.
var requiredKernelModules = []string{"drm"}

// knownDrivers lists GPU drivers the TNR service is known to run on.
var knownDrivers = map[string]bool{
	"i915":     true,
	"xe":       true,
	"amdgpu":   true,
	"msm":      true,
	"panfrost": true,
}

// CheckResult represents one diagnostic check outcome.
type CheckResult struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Device   string   `json:"device,omitempty"`
}

// Report holds all diagnostic results for a node or the whole host.
type Report struct {
	Results []CheckResult `json:"results"`
	HasWarn bool          `json:"-"`
	HasFail bool          `json:"-"`
}

// add appends a result and updates summary flags.
func (r *Report) add(cr CheckResult) {
	r.Results = append(r.Results, cr)
	switch cr.Severity {
	case Warn:
		r.HasWarn = true
	case Fail:
		r.HasFail = true
	}
}

// filtered returns results, optionally excluding PASS entries.
func (r *Report) filtered(showPass bool) []CheckResult {
	if showPass {
		return r.Results
	}
	var out []CheckResult
	for _, cr := range r.Results {
		if cr.Severity != Pass {
			out = append(out, cr)
		}
	}
	return out
}

// ───────────────────────────────────────────
//  render node checks
// ───────────────────────────────────────────

// DiagnoseNode runs all checks on a single render node.
func DiagnoseNode(node *types.RenderNode) *Report {
	report := &Report{}

	// 1. Device file presence and access
	if node.DevPath == "" {
		report.add(CheckResult{
			Check:    "render_node",
			Severity: Fail,
			Message:  "No device path for render node",
			Device:   node.Name,
		})
	} else if _, err := os.Stat(node.DevPath); err != nil {
		report.add(CheckResult{
			Check:    "render_node",
			Severity: Fail,
			Message:  fmt.Sprintf("Device %s not present: %v", node.DevPath, err),
			Device:   node.Name,
		})
	} else if err := canReadWrite(node.DevPath); err != nil {
		report.add(CheckResult{
			Check:    "render_node",
			Severity: Fail,
			Message:  fmt.Sprintf("Device %s not accessible for read/write: %v", node.DevPath, err),
			Device:   node.Name,
		})
	} else {
		report.add(CheckResult{
			Check:    "render_node",
			Severity: Pass,
			Message:  fmt.Sprintf("Device %s present and accessible", node.DevPath),
			Device:   node.Name,
		})
	}

	// 2. Bound driver
	switch {
	case node.Driver == "":
		report.add(CheckResult{
			Check:    "gpu_driver",
			Severity: Warn,
			Message:  "No kernel driver bound",
			Device:   node.Name,
		})
	case knownDrivers[node.Driver]:
		report.add(CheckResult{
			Check:    "gpu_driver",
			Severity: Pass,
			Message:  fmt.Sprintf("Driver: %s", node.Driver),
			Device:   node.Name,
		})
	default:
		report.add(CheckResult{
			Check:    "gpu_driver",
			Severity: Warn,
			Message:  fmt.Sprintf("Driver %s is not a known TNR target", node.Driver),
			Device:   node.Name,
		})
	}

	return report
}

// DiagnoseNoNodes reports the absence of render nodes on the host.
func DiagnoseNoNodes(err error) *Report {
	report := &Report{}
	report.add(CheckResult{
		Check:    "render_node",
		Severity: Fail,
		Message:  fmt.Sprintf("No GPU render nodes: %v", err),
	})
	return report
}

// DiagnoseConfigLoad reports a config file that failed to load.
func DiagnoseConfigLoad(err error) *Report {
	report := &Report{}
	report.add(CheckResult{
		Check:    "config",
		Severity: Fail,
		Message:  fmt.Sprintf("Cannot load config: %v", err),
	})
	return report
}

// ───────────────────────────────────────────
//  host checks
// ───────────────────────────────────────────

// HostOptions selects what DiagnoseHost looks at.
type HostOptions struct {
	ShmDir string
	Prefix string
	Config *config.Config // nil skips the platform switch checks
}

// DiagnoseHost runs the host-wide checks.
func DiagnoseHost(opts HostOptions) *Report {
	report := &Report{}
	checkKernelModules(report)
	checkShmDir(report, opts.ShmDir)
	checkStaleSegments(report, opts.ShmDir, opts.Prefix)
	if opts.Config != nil {
		checkConfig(report, opts.Config)
	}
	return report
}

// checkKernelModules verifies that essential DRM kernel modules are loaded.
func checkKernelModules(report *Report) {
	var missing []string
	for _, mod := range requiredKernelModules {
		if _, err := os.Stat(filepath.Join(sysModule, mod)); os.IsNotExist(err) {
			missing = append(missing, mod)
		}
	}
	if len(missing) > 0 {
		report.add(CheckResult{
			Check:    "kernel_modules",
			Severity: Fail,
			Message:  fmt.Sprintf("Missing kernel modules: %s", strings.Join(missing, ", ")),
		})
	} else {
		report.add(CheckResult{
			Check:    "kernel_modules",
			Severity: Pass,
			Message:  fmt.Sprintf("All required kernel modules loaded: %s", strings.Join(requiredKernelModules, ", ")),
		})
	}
}

// checkShmDir verifies that segments can be created under dir.
func checkShmDir(report *Report, dir string) {
	info, err := os.Stat(dir)
	if err != nil {
		report.add(CheckResult{
			Check:    "shm_dir",
			Severity: Fail,
			Message:  fmt.Sprintf("Shared-memory directory %s not available: %v", dir, err),
		})
		return
	}
	if !info.IsDir() {
		report.add(CheckResult{
			Check:    "shm_dir",
			Severity: Fail,
			Message:  fmt.Sprintf("%s is not a directory", dir),
		})
		return
	}

	probe, err := os.CreateTemp(dir, ".tnr-doctor-*")
	if err != nil {
		report.add(CheckResult{
			Check:    "shm_dir",
			Severity: Fail,
			Message:  fmt.Sprintf("Shared-memory directory %s not writable: %v", dir, err),
		})
		return
	}
	probe.Close()
	os.Remove(probe.Name())

	report.add(CheckResult{
		Check:    "shm_dir",
		Severity: Pass,
		Message:  fmt.Sprintf("Shared-memory directory %s is writable", dir),
	})
}

// checkStaleSegments flags segment files left in dir. A running client
// owns its files too, so leftovers are a warning, not a failure.
func checkStaleSegments(report *Report, dir, prefix string) {
	files, err := shm.ListSegments(dir, prefix)
	if err != nil {
		report.add(CheckResult{
			Check:    "stale_segments",
			Severity: Warn,
			Message:  fmt.Sprintf("Cannot list segments: %v", err),
		})
		return
	}
	if len(files) == 0 {
		report.add(CheckResult{
			Check:    "stale_segments",
			Severity: Pass,
			Message:  "No leftover segments",
		})
		return
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}
	report.add(CheckResult{
		Check:    "stale_segments",
		Severity: Warn,
		Message:  fmt.Sprintf("%d segment file(s) (%d bytes) present; run 'cleanup' if no client is running", len(files), total),
	})
}

// checkConfig reports the platform TNR switches.
func checkConfig(report *Report, cfg *config.Config) {
	if !cfg.IsGpuTnrEnabled() {
		report.add(CheckResult{
			Check:    "gpu_tnr_enabled",
			Severity: Warn,
			Message:  "GPU TNR is disabled by configuration",
		})
	} else {
		report.add(CheckResult{
			Check:    "gpu_tnr_enabled",
			Severity: Pass,
			Message:  "GPU TNR enabled",
		})
	}

	if err := cfg.Validate(); err != nil {
		report.add(CheckResult{
			Check:    "config",
			Severity: Fail,
			Message:  err.Error(),
		})
	}
}

// ───────────────────────────────────────────
//  output
// ───────────────────────────────────────────

// PrintTable renders the diagnostic report as a table.
// When showPass is false, only WARN/FAIL results are shown.
func PrintTable(w io.Writer, report *Report, showPass bool) {
	results := report.filtered(showPass)
	if len(results) == 0 {
		fmt.Fprintln(w, "All checks passed.")
		return
	}
	table := tablewriter.NewTable(w)
	table.Header("STATUS", "CHECK", "DEVICE", "MESSAGE")
	for _, r := range results {
		marker := "✓"
		switch r.Severity {
		case Warn:
			marker = "!"
		case Fail:
			marker = "✗"
		}
		dev := r.Device
		if dev == "" {
			dev = "(host)"
		}
		status := fmt.Sprintf("%s %s", marker, r.Severity)
		table.Append(status, r.Check, dev, r.Message)
	}
	table.Render()
}

// PrintJSON renders the diagnostic report as JSON.
// When showPass is false, only WARN/FAIL results are included.
func PrintJSON(w io.Writer, report *Report, showPass bool) error {
	results := report.filtered(showPass)
	if results == nil {
		results = []CheckResult{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// MergeReports combines multiple per-node and host reports into one.
func MergeReports(reports ...*Report) *Report {
	merged := &Report{}
	for _, r := range reports {
		for _, cr := range r.Results {
			merged.add(cr)
		}
	}
	return merged
}
