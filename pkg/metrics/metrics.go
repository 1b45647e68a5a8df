// Package metrics provides lock-free counters for TNR client sessions:
// requests and failures per remote command plus shared segment
// allocation and release counts.
//
// All methods are safe for concurrent use. A nil *Collector is a valid
// no-op receiver, so callers never need to nil-check.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Nativu5/gpu-tnr-client/pkg/types"
)

// Collector tracks runtime metrics for one or more TNR instances.
type Collector struct {
	requests sync.Map // types.Command -> *commandCounters

	segmentsAllocated atomic.Int64
	segmentsReleased  atomic.Int64
	bytesAllocated    atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

type commandCounters struct {
	total  atomic.Int64
	failed atomic.Int64
}

// New creates a collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

func (c *Collector) counters(cmd types.Command) *commandCounters {
	v, _ := c.requests.LoadOrStore(cmd, &commandCounters{})
	return v.(*commandCounters)
}

// ── Request metrics ──────────────────────────────────────────────────

// RequestSent records one request, failed or not.
func (c *Collector) RequestSent(cmd types.Command, err error) {
	if c == nil {
		return
	}
	cc := c.counters(cmd)
	cc.total.Add(1)
	if err != nil {
		cc.failed.Add(1)
		c.RecordError(err)
	}
}

// Requests returns the total number of requests sent for cmd.
func (c *Collector) Requests(cmd types.Command) int64 {
	if c == nil {
		return 0
	}
	return c.counters(cmd).total.Load()
}

// Failures returns the number of failed requests for cmd.
func (c *Collector) Failures(cmd types.Command) int64 {
	if c == nil {
		return 0
	}
	return c.counters(cmd).failed.Load()
}

// ── Segment metrics ──────────────────────────────────────────────────

// SegmentAllocated records a successful segment allocation of size bytes.
func (c *Collector) SegmentAllocated(size int) {
	if c == nil {
		return
	}
	c.segmentsAllocated.Add(1)
	c.bytesAllocated.Add(int64(size))
}

// SegmentReleased records a segment release of size bytes.
func (c *Collector) SegmentReleased(size int) {
	if c == nil {
		return
	}
	c.segmentsReleased.Add(1)
	c.bytesAllocated.Add(-int64(size))
}

// LiveSegments returns allocated minus released segments.
func (c *Collector) LiveSegments() int64 {
	if c == nil {
		return 0
	}
	return c.segmentsAllocated.Load() - c.segmentsReleased.Load()
}

// ── Errors ───────────────────────────────────────────────────────────

// RecordError stores the most recent error message and time.
func (c *Collector) RecordError(err error) {
	if c == nil || err == nil {
		return
	}
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = err.Error()
	c.mu.Unlock()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// CommandStats is the per-command part of a Snapshot.
type CommandStats struct {
	Command  string `json:"command"`
	Requests int64  `json:"requests"`
	Failures int64  `json:"failures"`
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Commands          []CommandStats `json:"commands"`
	SegmentsAllocated int64          `json:"segments_allocated"`
	SegmentsReleased  int64          `json:"segments_released"`
	BytesLive         int64          `json:"bytes_live"`
	Uptime            string         `json:"uptime"`
	LastError         string         `json:"last_error,omitempty"`
	LastErrorAt       string         `json:"last_error_at,omitempty"`
}

// Snapshot returns a copy of the current metrics. Commands that were never
// sent are omitted.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	s := Snapshot{
		SegmentsAllocated: c.segmentsAllocated.Load(),
		SegmentsReleased:  c.segmentsReleased.Load(),
		BytesLive:         c.bytesAllocated.Load(),
	}
	for _, cmd := range types.Commands() {
		v, ok := c.requests.Load(cmd)
		if !ok {
			continue
		}
		cc := v.(*commandCounters)
		s.Commands = append(s.Commands, CommandStats{
			Command:  cmd.String(),
			Requests: cc.total.Load(),
			Failures: cc.failed.Load(),
		})
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	s.Uptime = time.Since(c.startTime).Truncate(time.Millisecond).String()
	if c.lastErrorMsg != "" {
		s.LastError = c.lastErrorMsg
		s.LastErrorAt = c.lastError.Format(time.RFC3339)
	}
	return s
}
