// Package discover provides output formatting for the discover and
// segments subcommands.
package discover

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/Nativu5/gpu-tnr-client/pkg/shm"
	"github.com/Nativu5/gpu-tnr-client/pkg/types"
	"github.com/Nativu5/gpu-tnr-client/pkg/utils"
)

// ───────────────────────────────────────────
//  render nodes
// ───────────────────────────────────────────

// PrintTable renders discovered render nodes as a human-readable table.
func PrintTable(w io.Writer, nodes []*types.RenderNode) {
	table := tablewriter.NewTable(w)
	table.Header("NODE", "PCI ADDRESS", "VENDOR:DEVICE", "DRIVER", "DEVICE PATH")
	for _, node := range nodes {
		pciAddr := node.PciAddress
		if pciAddr == "" {
			pciAddr = "(platform)"
		}
		driver := node.Driver
		if driver == "" {
			driver = "(unknown)"
		}
		ids := "(unknown)"
		if node.Vendor != "" {
			ids = node.Vendor + ":" + node.DeviceID
		}
		table.Append(node.Name, pciAddr, ids, driver, node.DevPath)
	}
	table.Render()
}

// NodeJSON is the JSON representation of a discovered render node.
type NodeJSON struct {
	Name       string `json:"name"`
	DevPath    string `json:"dev_path"`
	PciAddress string `json:"pci_address,omitempty"`
	Vendor     string `json:"vendor,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	Driver     string `json:"driver,omitempty"`
}

// PrintJSON renders discovered render nodes as JSON.
func PrintJSON(w io.Writer, nodes []*types.RenderNode) error {
	out := make([]NodeJSON, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, NodeJSON{
			Name:       node.Name,
			DevPath:    node.DevPath,
			PciAddress: node.PciAddress,
			Vendor:     node.Vendor,
			DeviceID:   node.DeviceID,
			Driver:     node.Driver,
		})
	}
	return writeJSON(w, out)
}

// ───────────────────────────────────────────
//  segments
// ───────────────────────────────────────────

// PrintSegments renders segment files found on disk.
func PrintSegments(w io.Writer, files []shm.FileInfo) {
	table := tablewriter.NewTable(w)
	table.Header("NAME", "SIZE", "MODIFIED", "PATH")
	for _, f := range files {
		table.Append(f.Name, utils.FormatBytes(f.Size), f.ModTime, f.Path)
	}
	table.Render()
}

// PrintSegmentsJSON renders segment files found on disk as JSON.
func PrintSegmentsJSON(w io.Writer, files []shm.FileInfo) error {
	if files == nil {
		files = []shm.FileInfo{}
	}
	return writeJSON(w, files)
}

// PrintLive renders the registry of a running allocator. External
// buffers have no backing file and show "(imported)".
func PrintLive(w io.Writer, segs []shm.SegmentInfo) {
	table := tablewriter.NewTable(w)
	table.Header("HANDLE", "NAME", "SIZE", "PATH")
	for _, s := range segs {
		path := s.Path
		if s.External {
			path = "(imported)"
		}
		table.Append(fmt.Sprintf("%d", s.Handle), s.Name, utils.FormatBytes(int64(s.Size)), path)
	}
	table.Render()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
