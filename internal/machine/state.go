// Package machine composes the micro VM: guest memory, vCPUs, the device
// bus and the lifecycle state machine the control channel drives.
package machine

import "fmt"

// VmState is the global machine state.
type VmState int

const (
	VmCreated VmState = iota
	VmRunning
	VmPaused
	VmShutdown
)

func (s VmState) String() string {
	switch s {
	case VmCreated:
		return "Created"
	case VmRunning:
		return "Running"
	case VmPaused:
		return "Paused"
	case VmShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("VmState(%d)", int(s))
	}
}

// CpuState is the per-vCPU state.
type CpuState int

const (
	CpuCreated CpuState = iota
	CpuRunning
	CpuPaused
	CpuDestroyed
)

func (s CpuState) String() string {
	switch s {
	case CpuCreated:
		return "Created"
	case CpuRunning:
		return "Running"
	case CpuPaused:
		return "Paused"
	case CpuDestroyed:
		return "Destroyed"
	default:
		return fmt.Sprintf("CpuState(%d)", int(s))
	}
}
