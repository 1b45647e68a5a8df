// Package gpu provides DRM render node discovery helpers.
// It walks /sys/class/drm to find the renderD* nodes of the GPUs the
// remote TNR unit runs on, and resolves their PCI metadata.
package gpu

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Nativu5/gpu-tnr-client/pkg/types"
)

var (
	sysClassDrm = "/sys/class/drm"
	devDri      = "/dev/dri"
)

// RenderNodePrefix is the name prefix of DRM render nodes.
const RenderNodePrefix = "renderD"

// Discoverer implements types.RenderNodeDiscoverer using sysfs.
type Discoverer struct{}

// NewDiscoverer returns a real render node discoverer.
func NewDiscoverer() *Discoverer {
	return &Discoverer{}
}

// ───────────────────────────────────────────
//  sysfs helpers
// ───────────────────────────────────────────

// IsRenderNode reports whether name looks like a DRM render node.
func IsRenderNode(name string) bool {
	return strings.HasPrefix(name, RenderNodePrefix) && len(name) > len(RenderNodePrefix)
}

// GetPciAddress returns the PCI address of the GPU behind a render node
// by reading the /sys/class/drm/<node>/device symlink.
func GetPciAddress(node string) (string, error) {
	devLink := path.Join(sysClassDrm, node, "device")
	info, err := os.Lstat(devLink)
	if err != nil {
		return "", fmt.Errorf("cannot stat device symlink for render node %q: %w", node, err)
	}

	if (info.Mode() & os.ModeSymlink) == 0 {
		return "", fmt.Errorf("no symbolic link for render node %q", node)
	}

	target, err := os.Readlink(devLink)
	if err != nil {
		return "", fmt.Errorf("cannot read device symlink for render node %q: %w", node, err)
	}

	// The symlink target looks like ../../../0000:00:02.0
	return path.Base(target), nil
}

// GetDriver returns the kernel driver bound to the GPU behind a render node.
func GetDriver(node string) (string, error) {
	driverLink := filepath.Join(sysClassDrm, node, "device", "driver")
	target, err := os.Readlink(driverLink)
	if err != nil {
		return "", fmt.Errorf("cannot read driver symlink for render node %s: %w", node, err)
	}
	return filepath.Base(target), nil
}

// GetVendor returns the PCI vendor ID of a render node (e.g. "0x8086" → "8086").
func GetVendor(node string) string {
	return readSysfsAttr(filepath.Join(sysClassDrm, node, "device", "vendor"))
}

// GetDeviceID returns the PCI device/product ID of a render node.
func GetDeviceID(node string) string {
	return readSysfsAttr(filepath.Join(sysClassDrm, node, "device", "device"))
}

// readSysfsAttr reads a single sysfs attribute file, strips the "0x" prefix and whitespace.
func readSysfsAttr(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	val := strings.TrimSpace(string(data))
	val = strings.TrimPrefix(val, "0x")
	return val
}

// ───────────────────────────────────────────
//  device building
// ───────────────────────────────────────────

// buildDeviceSpecs converts device paths to DeviceSpec entries.
func buildDeviceSpecs(devPaths []string) []types.DeviceSpec {
	specs := make([]types.DeviceSpec, 0, len(devPaths))
	for _, dev := range devPaths {
		specs = append(specs, types.DeviceSpec{
			HostPath:      dev,
			ContainerPath: dev,
			Permissions:   "rw",
		})
	}
	return specs
}

// buildRenderNode populates a RenderNode with metadata from sysfs.
func buildRenderNode(name string) *types.RenderNode {
	devPath := filepath.Join(devDri, name)
	node := &types.RenderNode{
		Name:        name,
		DevPath:     devPath,
		DeviceSpecs: buildDeviceSpecs([]string{devPath}),
		Vendor:      GetVendor(name),
		DeviceID:    GetDeviceID(name),
	}

	// Platform GPUs have no PCI address; enrichment errors are non-fatal.
	if addr, err := GetPciAddress(name); err == nil {
		node.PciAddress = addr
	}
	if driver, err := GetDriver(name); err == nil {
		node.Driver = driver
	}
	return node
}

// ───────────────────────────────────────────
//  Discoverer methods
// ───────────────────────────────────────────

// DiscoverByNode discovers a RenderNode by name (e.g. "renderD128").
// A full device path such as "/dev/dri/renderD128" is also accepted.
func (d *Discoverer) DiscoverByNode(name string) (*types.RenderNode, error) {
	name = filepath.Base(name)
	if !IsRenderNode(name) {
		return nil, fmt.Errorf("%q is not a render node name", name)
	}
	if _, err := os.Stat(filepath.Join(sysClassDrm, name)); err != nil {
		return nil, fmt.Errorf("render node %s not found: %w", name, err)
	}
	return buildRenderNode(name), nil
}

// DiscoverAll enumerates /sys/class/drm and returns every render node,
// sorted by name. Card and connector entries are skipped.
func (d *Discoverer) DiscoverAll() ([]*types.RenderNode, error) {
	entries, err := os.ReadDir(sysClassDrm)
	if err != nil {
		return nil, fmt.Errorf("cannot read DRM class directory %s: %w", sysClassDrm, err)
	}

	var nodes []*types.RenderNode
	for _, entry := range entries {
		if !IsRenderNode(entry.Name()) {
			continue
		}
		nodes = append(nodes, buildRenderNode(entry.Name()))
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("no GPU render nodes found on the host")
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, nil
}
