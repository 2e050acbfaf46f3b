package main

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// hostSample reads real host utilization for heartbeats. A read failure
// reports zero for that metric; the monitor treats zeros as a quiet host,
// which is the safer bias for alerting.
func hostSample(ctx context.Context) (cpuPct, memPct float64) {
	// Interval zero compares against the previous call, so successive
	// heartbeats see utilization over the heartbeat window.
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPct = vm.UsedPercent
	}
	return cpuPct, memPct
}
