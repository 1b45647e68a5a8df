// Package cdi generates CDI (Container Device Interface) spec files that
// expose GPU render nodes and the shared-memory directory to the sandboxed
// TNR service container.
package cdi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	cdiparser "tags.cncf.io/container-device-interface/pkg/parser"
	cdiSpecs "tags.cncf.io/container-device-interface/specs-go"

	"github.com/Nativu5/gpu-tnr-client/pkg/types"

	"sigs.k8s.io/yaml"
)

const (
	// FilePrefix is prepended to all spec files written by this tool
	// to enable safe cleanup without affecting specs from other sources.
	FilePrefix = "tnr-cdi"

	// DefaultOutputDir is the standard CDI spec directory.
	DefaultOutputDir = "/etc/cdi"

	// DefaultPrefix is used when no --prefix is provided.
	DefaultPrefix = "tnr"

	// ShmDirEnv tells the sandboxed service where segments are mounted.
	ShmDirEnv = "TNR_SHM_DIR"
)

// SpecFileName returns the deterministic file name for a given prefix, name, and format.
// Format: tnr-cdi_<prefix>_<name>.<ext>
func SpecFileName(prefix, name, format string) string {
	safePrefix := strings.ReplaceAll(prefix, "/", "_")
	return fmt.Sprintf("%s_%s_%s.%s", FilePrefix, safePrefix, name, format)
}

// BuildSpec assembles the CDI spec for the given render nodes. Every device
// gets its render node; the shm directory is bind-mounted once at spec
// level so all devices share it. An empty shmDir skips the mount.
func BuildSpec(resourcePrefix, resourceName string, nodes []types.RenderNode, shmDir string) *cdiSpecs.Spec {
	cdiDevices := make([]cdiSpecs.Device, 0, len(nodes))

	for _, node := range nodes {
		containerEdit := cdiSpecs.ContainerEdits{
			DeviceNodes: make([]*cdiSpecs.DeviceNode, 0, len(node.DeviceSpecs)),
		}

		for _, spec := range node.DeviceSpecs {
			deviceNode := cdiSpecs.DeviceNode{
				Path:        spec.ContainerPath,
				HostPath:    spec.HostPath,
				Permissions: spec.Permissions,
			}
			containerEdit.DeviceNodes = append(containerEdit.DeviceNodes, &deviceNode)
		}

		cdiDevices = append(cdiDevices, cdiSpecs.Device{
			Name:           node.Name,
			ContainerEdits: containerEdit,
		})
	}

	spec := &cdiSpecs.Spec{
		Version: cdiSpecs.CurrentVersion,
		Kind:    resourcePrefix + "/" + resourceName,
		Devices: cdiDevices,
	}
	if shmDir != "" {
		spec.ContainerEdits = cdiSpecs.ContainerEdits{
			Env: []string{ShmDirEnv + "=" + shmDir},
			Mounts: []*cdiSpecs.Mount{{
				HostPath:      shmDir,
				ContainerPath: shmDir,
				Type:          "bind",
				Options:       []string{"rbind", "rw"},
			}},
		}
	}
	return spec
}

// CreateCDISpec generates a CDI spec file for the given render nodes and
// writes it to outputDir. The file is named according to SpecFileName().
func CreateCDISpec(resourcePrefix, resourceName string, nodes []types.RenderNode, shmDir, outputDir, format string) error {
	log.Infof("creating CDI spec for resource %q (prefix=%s)", resourceName, resourcePrefix)

	spec := BuildSpec(resourcePrefix, resourceName, nodes, shmDir)

	fileName := SpecFileName(resourcePrefix, resourceName, format)
	filePath := filepath.Join(outputDir, fileName)

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("cannot create output directory %s: %w", outputDir, err)
	}

	// Validate the spec before writing
	if err := validateSpec(spec); err != nil {
		return fmt.Errorf("generated CDI spec is invalid: %w", err)
	}

	data, err := marshalSpec(spec, format)
	if err != nil {
		return fmt.Errorf("cannot marshal CDI spec: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("cannot write CDI spec file %s: %w", filePath, err)
	}

	log.Infof("CDI spec written to %s", filePath)
	return nil
}

// CreateContainerAnnotations generates CDI container annotations for the
// given render nodes. The returned map can be passed directly to a container
// runtime. Keys are CDI qualified names (vendor/class=deviceName).
func CreateContainerAnnotations(nodes []types.RenderNode, resourcePrefix, resourceKind string) (map[string]string, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("render node list is empty")
	}

	annotations := make(map[string]string)
	for _, node := range nodes {
		qn := cdiparser.QualifiedName(resourcePrefix, resourceKind, node.Name)
		annotations[qn] = qn
	}

	log.Debugf("created CDI annotations: %v", annotations)
	return annotations, nil
}

// CleanupSpecs removes CDI spec files created by this tool from dir.
// If name is empty, all specs matching the given prefix are removed.
// If name is non-empty, only the exact match is removed.
func CleanupSpecs(dir, prefix, name string, dryRun bool) ([]string, error) {
	if dir == "" {
		dir = DefaultOutputDir
	}

	safePrefix := strings.ReplaceAll(prefix, "/", "_")
	if name != "" {
		exactJSON := filepath.Join(dir, fmt.Sprintf("%s_%s_%s.json", FilePrefix, safePrefix, name))
		exactYAML := filepath.Join(dir, fmt.Sprintf("%s_%s_%s.yaml", FilePrefix, safePrefix, name))
		return cleanupFiles([]string{exactJSON, exactYAML}, dryRun)
	}

	// Restrict to known extensions only
	var matches []string
	for _, ext := range []string{"json", "yaml"} {
		pattern := filepath.Join(dir, fmt.Sprintf("%s_%s_*.%s", FilePrefix, safePrefix, ext))
		m, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob error for pattern %s: %w", pattern, err)
		}
		matches = append(matches, m...)
	}
	return cleanupFiles(matches, dryRun)
}

func cleanupFiles(paths []string, dryRun bool) ([]string, error) {
	removed := make([]string, 0)
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if dryRun {
			log.Infof("[dry-run] would remove: %s", p)
			removed = append(removed, p)
			continue
		}
		log.Infof("removing CDI spec file: %s", p)
		if err := os.Remove(p); err != nil {
			return removed, fmt.Errorf("cannot remove %s: %w", p, err)
		}
		removed = append(removed, p)
	}
	return removed, nil
}

// validateSpec checks the kind and device names against the CDI grammar.
func validateSpec(spec *cdiSpecs.Spec) error {
	if spec.Kind == "" {
		return fmt.Errorf("spec kind must not be empty")
	}
	vendor, class := cdiparser.ParseQualifier(spec.Kind)
	// The parser validators index into name[1:len-1] and panic below 2 chars.
	if len(vendor) < 2 {
		return fmt.Errorf("invalid kind %q: vendor %q must be at least 2 characters", spec.Kind, vendor)
	}
	if len(class) < 2 {
		return fmt.Errorf("invalid kind %q: class %q must be at least 2 characters", spec.Kind, class)
	}
	if err := cdiparser.ValidateVendorName(vendor); err != nil {
		return fmt.Errorf("invalid kind %q: %w", spec.Kind, err)
	}
	if err := cdiparser.ValidateClassName(class); err != nil {
		return fmt.Errorf("invalid kind %q: %w", spec.Kind, err)
	}
	if len(spec.Devices) == 0 {
		return fmt.Errorf("spec must contain at least one device")
	}
	for _, dev := range spec.Devices {
		if err := cdiparser.ValidateDeviceName(dev.Name); err != nil {
			return fmt.Errorf("invalid device %q: %w", dev.Name, err)
		}
	}
	return nil
}

// marshalSpec serializes a CDI spec to JSON or YAML bytes.
func marshalSpec(spec *cdiSpecs.Spec, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "json":
		return json.MarshalIndent(spec, "", "  ")
	case "yaml":
		jsonData, err := json.Marshal(spec)
		if err != nil {
			return nil, err
		}
		return yaml.JSONToYAML(jsonData)
	default:
		return nil, fmt.Errorf("unsupported format %q: use json or yaml", format)
	}
}
