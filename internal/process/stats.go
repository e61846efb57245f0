package process

import (
	"context"
	"fmt"
	"time"

	gops "github.com/shirou/gopsutil/v3/process"
)

// Stats is a resource snapshot of a running process.
type Stats struct {
	PID        int
	RSSBytes   uint64
	CPUPercent float64
	CreateTime time.Time
}

// Alive reports whether the OS still knows a process with this pid.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gops.PidExists(int32(pid))
	return err == nil && ok
}

// Stats samples memory and CPU usage of the process.
func (h *Handle) Stats(ctx context.Context) (Stats, error) {
	if h.Exited() {
		return Stats{}, fmt.Errorf("pid %d has exited", h.PID())
	}

	p, err := gops.NewProcessWithContext(ctx, int32(h.PID()))
	if err != nil {
		return Stats{}, fmt.Errorf("inspect pid %d: %w", h.PID(), err)
	}

	st := Stats{PID: h.PID()}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
		st.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil {
		st.CreateTime = time.UnixMilli(ms)
	}
	return st, nil
}
