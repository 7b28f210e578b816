// Package hostinfo reads process, socket, session and filesystem state from
// the local host and hands it to the collectors.
package hostinfo

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/bilal/edr-agent/internal/telemetry"
)

// Processes enumerates the process table through gopsutil.
type Processes struct{}

func (Processes) Processes(ctx context.Context) ([]telemetry.ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	out := make([]telemetry.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// exited between enumeration and inspection
			continue
		}
		info := telemetry.ProcessInfo{PID: p.Pid, Name: name}
		if cmd, err := p.CmdlineWithContext(ctx); err == nil {
			info.Cmd = cmd
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			info.Memory = mem.RSS
		}
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			info.CPUUsage = cpu
		}
		if st, err := p.StatusWithContext(ctx); err == nil {
			info.Status = strings.Join(st, ",")
		}
		out = append(out, info)
	}
	return out, nil
}
