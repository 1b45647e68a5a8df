package metrics

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/Nativu5/gpu-tnr-client/pkg/types"
)

func TestCollector_Requests(t *testing.T) {
	c := New()

	c.RequestSent(types.CmdRunFrame, nil)
	c.RequestSent(types.CmdRunFrame, errors.New("rejected"))
	c.RequestSent(types.CmdInit, nil)

	if got := c.Requests(types.CmdRunFrame); got != 2 {
		t.Errorf("run requests = %d, want 2", got)
	}
	if got := c.Failures(types.CmdRunFrame); got != 1 {
		t.Errorf("run failures = %d, want 1", got)
	}
	if got := c.Failures(types.CmdInit); got != 0 {
		t.Errorf("init failures = %d, want 0", got)
	}
}

func TestCollector_Segments(t *testing.T) {
	c := New()

	c.SegmentAllocated(48)
	c.SegmentAllocated(4096)
	c.SegmentReleased(48)

	if c.LiveSegments() != 1 {
		t.Errorf("live = %d, want 1", c.LiveSegments())
	}
	s := c.Snapshot()
	if s.BytesLive != 4096 {
		t.Errorf("bytes live = %d, want 4096", s.BytesLive)
	}
}

func TestCollector_SnapshotOmitsUnusedCommands(t *testing.T) {
	c := New()
	c.RequestSent(types.CmdGetSurfaceInfo, errors.New("boom"))

	s := c.Snapshot()
	if len(s.Commands) != 1 {
		t.Fatalf("commands = %d, want 1", len(s.Commands))
	}
	if s.Commands[0].Command != "GET_SURFACE_INFO" {
		t.Errorf("command = %q", s.Commands[0].Command)
	}
	if s.LastError != "boom" {
		t.Errorf("last error = %q, want boom", s.LastError)
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["segments_allocated"]; !ok {
		t.Error("snapshot JSON missing segments_allocated")
	}
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector

	c.RequestSent(types.CmdInit, errors.New("x"))
	c.SegmentAllocated(1)
	c.SegmentReleased(1)
	c.RecordError(errors.New("x"))

	if c.Requests(types.CmdInit) != 0 || c.LiveSegments() != 0 {
		t.Error("nil collector should report zeros")
	}
	if s := c.Snapshot(); len(s.Commands) != 0 {
		t.Error("nil collector snapshot should be empty")
	}
}
