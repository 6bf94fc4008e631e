// Package hostmetrics collects host resource utilization for heartbeat
// reporting (spec.md §6 HeartbeatMetrics). This finishes the TODO the
// teacher's own internal/metrics package left behind ("implement with
// gopsutil when adding monitoring") by wiring github.com/shirou/gopsutil/v4.
package hostmetrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is a point-in-time view of host resource usage.
type Snapshot struct {
	CPU   float64 // fraction in [0,1]
	MemMB int64
}

// sampleWindow is how long cpu.PercentWithContext averages over. Kept
// short so a heartbeat tick never blocks noticeably on metrics
// collection.
const sampleWindow = 200 * time.Millisecond

// Collect samples current CPU and memory usage. On any collection error
// it returns a zero Snapshot rather than failing the heartbeat — metrics
// are informational, never load-bearing for the protocol.
func Collect(ctx context.Context) Snapshot {
	var snap Snapshot

	if pcts, err := cpu.PercentWithContext(ctx, sampleWindow, false); err == nil && len(pcts) > 0 {
		snap.CPU = pcts[0] / 100.0
		if snap.CPU < 0 {
			snap.CPU = 0
		}
		if snap.CPU > 1 {
			snap.CPU = 1
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemMB = int64(vm.Used / (1024 * 1024))
	}

	return snap
}
