package machine

import (
	"log/slog"
	"sync"

	"github.com/tinyrange/microvm/internal/qmp"
)

// lifecycleCPU is what the machine lifecycle needs from a vCPU. The concrete
// CPU implements it; tests substitute fakes.
type lifecycleCPU interface {
	ID() uint8
	Start(b *Barrier, paused bool) error
	Pause() error
	Resume() error
	Destroy() error
	TID() int
}

// powerSignal is the power-button edge raised on the Shutdown transition;
// the main loop watches the other end.
type powerSignal interface {
	Signal() error
}

// vmController is the machine lifecycle state machine. The state cell is
// guarded by mu; transition actions run outside the lock so they can take
// per-vCPU locks without inversion.
type vmController struct {
	mu    sync.Mutex
	state VmState

	cpus  []lifecycleCPU
	power powerSignal
}

// State returns the current machine state.
func (c *vmController) State() VmState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// notifyLifecycle is the sole state mutator: it verifies the old state,
// performs the transition action, then verifies the action committed the
// new state. Contradictory concurrent requests fail the first or the second
// check and report false.
func (c *vmController) notifyLifecycle(old, new VmState) bool {
	c.mu.Lock()
	if c.state != old {
		c.mu.Unlock()
		slog.Error("vm lifecycle error: state check failed", "want", old, "have", c.state)
		return false
	}
	c.mu.Unlock()

	switch {
	case old == VmCreated && new == VmRunning:
		if err := c.vmStart(false); err != nil {
			slog.Error("vm lifecycle error", "error", err)
		}
	case old == VmCreated && new == VmPaused:
		if err := c.vmStart(true); err != nil {
			slog.Error("vm lifecycle error", "error", err)
		}
	case old == VmRunning && new == VmPaused:
		if err := c.vmPause(); err != nil {
			slog.Error("vm lifecycle error", "error", err)
		}
	case old == VmPaused && new == VmRunning:
		if err := c.vmResume(); err != nil {
			slog.Error("vm lifecycle error", "error", err)
		}
	case new == VmShutdown && old != VmShutdown:
		if err := c.vmDestroy(); err != nil {
			slog.Error("vm lifecycle error", "error", err)
		}
		if c.power != nil {
			if err := c.power.Signal(); err != nil {
				slog.Error("vm lifecycle error: signal power button", "error", err)
			}
		}
	default:
		slog.Error("vm lifecycle error: illegal transition", "from", old, "to", new)
		return false
	}

	c.mu.Lock()
	committed := c.state == new
	c.mu.Unlock()
	if !committed {
		slog.Error("vm lifecycle error: state transition failed", "want", new)
	}
	return committed
}

// vmStart spawns all vCPU threads behind a shared barrier, commits the
// state, then releases the barrier. No vCPU executes a guest instruction
// before the state is visible.
func (c *vmController) vmStart(paused bool) error {
	barrier := NewBarrier(len(c.cpus) + 1)

	for _, cpu := range c.cpus {
		if err := cpu.Start(barrier, paused); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if paused {
		c.state = VmPaused
	} else {
		c.state = VmRunning
	}
	c.mu.Unlock()

	barrier.Wait()
	return nil
}

func (c *vmController) vmPause() error {
	for _, cpu := range c.cpus {
		if err := cpu.Pause(); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.state = VmPaused
	c.mu.Unlock()
	return nil
}

func (c *vmController) vmResume() error {
	for _, cpu := range c.cpus {
		if err := cpu.Resume(); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.state = VmRunning
	c.mu.Unlock()
	return nil
}

func (c *vmController) vmDestroy() error {
	c.mu.Lock()
	c.state = VmShutdown
	c.mu.Unlock()

	for _, cpu := range c.cpus {
		if err := cpu.Destroy(); err != nil {
			return err
		}
	}
	return nil
}

// Start drives the initial Created transition, optionally leaving every
// vCPU parked for a later cont.
func (c *vmController) Start(paused bool) bool {
	if paused {
		return c.notifyLifecycle(VmCreated, VmPaused)
	}
	return c.notifyLifecycle(VmCreated, VmRunning)
}

// Pause implements qmp.MachineLifecycle.
func (c *vmController) Pause() bool {
	if !c.notifyLifecycle(VmRunning, VmPaused) {
		return false
	}
	qmp.EventStop()
	return true
}

// Resume implements qmp.MachineLifecycle. On a freshly created machine it
// performs the initial start; afterwards it resumes from Paused.
func (c *vmController) Resume() bool {
	old := c.State()
	if old != VmCreated {
		old = VmPaused
	}
	if !c.notifyLifecycle(old, VmRunning) {
		return false
	}
	qmp.EventResume()
	return true
}

// Destroy implements qmp.MachineLifecycle. Shutdown is reachable from every
// non-terminal state.
func (c *vmController) Destroy() bool {
	return c.notifyLifecycle(c.State(), VmShutdown)
}

// GuestShutdown handles a guest-initiated power-off exit; it is the only
// transition initiated from inside the machine.
func (c *vmController) GuestShutdown() {
	if c.notifyLifecycle(c.State(), VmShutdown) {
		qmp.EventShutdown(true, "guest-shutdown")
	}
}

// GuestError handles a fatal per-vCPU virtualization error.
func (c *vmController) GuestError(id uint8, err error) {
	slog.Error("vcpu fatal error", "vcpu", id, "error", err)
	c.notifyLifecycle(c.State(), VmShutdown)
}

// ShouldExit implements mainloop.Manager.
func (c *vmController) ShouldExit() bool {
	return c.State() == VmShutdown
}

// QueryStatus implements part of qmp.DeviceInterface.
func (c *vmController) QueryStatus() qmp.StatusInfo {
	switch c.State() {
	case VmRunning:
		return qmp.StatusInfo{Running: true, Status: qmp.RunStateRunning}
	case VmPaused:
		return qmp.StatusInfo{Running: true, Status: qmp.RunStatePaused}
	case VmShutdown:
		return qmp.StatusInfo{Running: false, Status: qmp.RunStateShutdown}
	default:
		return qmp.StatusInfo{Running: false, Status: qmp.RunStateCreated}
	}
}
