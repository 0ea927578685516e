package lock

import (
	"math"

	"github.com/shirou/gopsutil/process"
)

// Liveness answers whether a process id refers to a running process. The
// lock manager only depends on this capability so each platform can plug in
// its own check.
type Liveness interface {
	IsAlive(pid int) bool
}

// LivenessFunc adapts a function to Liveness.
type LivenessFunc func(pid int) bool

func (f LivenessFunc) IsAlive(pid int) bool {
	return f(pid)
}

// ProcessTable checks liveness against the operating system process table.
// gopsutil resolves this per platform (procfs, sysctl, Win32 snapshots).
type ProcessTable struct{}

func (ProcessTable) IsAlive(pid int) bool {
	// PIDs are int32 on every platform gopsutil supports.
	if pid <= 0 || int64(pid) > math.MaxInt32 {
		return false
	}

	exists, err := process.PidExists(int32(pid))
	if err != nil {
		// Unknown means we cannot prove the owner is gone.
		return true
	}

	return exists
}
