//go:build linux

package machine

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/tinyrange/microvm/internal/kvm"
	"golang.org/x/sys/unix"
)

// AddressOps is the narrow capability handed to each vCPU for exit
// dispatch; it breaks the Machine/vCPU ownership cycle at the type level.
type AddressOps interface {
	PioIn(port uint64, data []byte) bool
	PioOut(port uint64, data []byte) bool
	MmioRead(addr uint64, data []byte) bool
	MmioWrite(addr uint64, data []byte) bool
}

// guestControl receives the transitions a vCPU may trigger on the machine.
type guestControl interface {
	GuestShutdown()
	GuestError(id uint8, err error)
}

// destroyDrainTimeout bounds how long Destroy waits for the vCPU thread;
// threads observe the Destroyed flag on their next exit.
const destroyDrainTimeout = 2 * time.Second

// CPU is one virtual CPU: the kernel context, the host thread running it,
// and the per-vCPU state machine.
type CPU struct {
	id   uint8
	vcpu *kvm.VCpu
	ops  AddressOps
	ctl  guestControl

	boot *CPUBootConfig

	mu    sync.Mutex
	cond  *sync.Cond
	state CpuState
	tid   int
	tasks []func(vcpu *kvm.VCpu) error

	started bool
	done    chan struct{}
}

// NewCPU wraps a created kernel vCPU context.
func NewCPU(id uint8, vcpu *kvm.VCpu, ops AddressOps, ctl guestControl) *CPU {
	c := &CPU{
		id:    id,
		vcpu:  vcpu,
		ops:   ops,
		ctl:   ctl,
		state: CpuCreated,
		done:  make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ID implements lifecycleCPU.
func (c *CPU) ID() uint8 { return c.id }

// TID returns the OS thread id of the run loop, or zero before start.
func (c *CPU) TID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tid
}

// State returns the vCPU lifecycle state.
func (c *CPU) State() CpuState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Realize writes the boot-derived architectural state into the vCPU.
func (c *CPU) Realize(boot *CPUBootConfig) error {
	if boot == nil {
		return fmt.Errorf("machine: vCPU %d realize without boot config", c.id)
	}
	c.boot = boot
	if err := c.applyBootConfig(); err != nil {
		return fmt.Errorf("machine: realize vCPU %d: %w", c.id, err)
	}
	return nil
}

// PushTask queues work for the vCPU thread; it runs after the next exit.
// The running guest is kicked so a blocked vCPU picks the task up promptly.
func (c *CPU) PushTask(task func(vcpu *kvm.VCpu) error) {
	c.mu.Lock()
	c.tasks = append(c.tasks, task)
	tid := c.tid
	c.mu.Unlock()

	if tid != 0 {
		if err := c.vcpu.Kick(tid); err != nil {
			slog.Warn("machine: kick vCPU for task", "vcpu", c.id, "error", err)
		}
	}
}

// Start spawns the vCPU thread. The thread parks on the barrier before its
// first run so all siblings enter the guest together.
func (c *CPU) Start(barrier *Barrier, paused bool) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("machine: vCPU %d already started", c.id)
	}
	c.started = true
	c.mu.Unlock()

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		c.mu.Lock()
		c.tid = unix.Gettid()
		if c.state == CpuCreated {
			if paused {
				c.state = CpuPaused
			} else {
				c.state = CpuRunning
			}
		}
		c.mu.Unlock()

		barrier.Wait()
		c.workingLoop()
		close(c.done)
	}()

	return nil
}

// Pause asks the run loop to park. The immediate-exit kick interrupts the
// run primitive, so the request completes within one guest exit.
func (c *CPU) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CpuRunning:
		c.state = CpuPaused
		if c.tid != 0 {
			if err := c.vcpu.Kick(c.tid); err != nil {
				return err
			}
		}
		return nil
	case CpuPaused:
		return nil
	default:
		return fmt.Errorf("machine: cannot pause vCPU %d in state %s", c.id, c.state)
	}
}

// Resume releases a parked run loop.
func (c *CPU) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CpuPaused:
		c.state = CpuRunning
		c.cond.Broadcast()
		return nil
	case CpuRunning:
		return nil
	default:
		return fmt.Errorf("machine: cannot resume vCPU %d in state %s", c.id, c.state)
	}
}

// Destroy marks the vCPU terminal and waits for the thread to drain.
func (c *CPU) Destroy() error {
	c.mu.Lock()
	c.state = CpuDestroyed
	c.cond.Broadcast()
	tid := c.tid
	started := c.started
	c.mu.Unlock()

	if tid != 0 {
		if err := c.vcpu.Kick(tid); err != nil {
			slog.Warn("machine: kick vCPU for destroy", "vcpu", c.id, "error", err)
		}
	}

	if started {
		select {
		case <-c.done:
		case <-time.After(destroyDrainTimeout):
			slog.Warn("machine: vCPU thread did not drain", "vcpu", c.id)
		}
	}

	return c.vcpu.Close()
}

// readyForRunning parks while paused and reports whether the loop should
// enter the guest again.
func (c *CPU) readyForRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.state == CpuPaused {
		c.cond.Wait()
	}
	return c.state == CpuRunning
}

func (c *CPU) workingLoop() {
	for {
		if !c.readyForRunning() {
			return
		}

		exit, err := c.vcpu.Run()
		if err != nil {
			c.fail(err)
			return
		}

		switch exit.Kind {
		case kvm.ExitIntr:
			// A pause or destroy kick; re-check the state at the loop head.
			c.vcpu.SetImmediateExit(false)

		case kvm.ExitIO:
			c.handleIO(exit)

		case kvm.ExitMMIO:
			if exit.IsWrite {
				c.ops.MmioWrite(exit.Addr, exit.Data)
			} else {
				if !c.ops.MmioRead(exit.Addr, exit.Data) {
					clear(exit.Data)
				}
			}

		case kvm.ExitHlt:
			slog.Debug("machine: vCPU halted", "vcpu", c.id)

		case kvm.ExitShutdown, kvm.ExitReset:
			slog.Info("machine: guest requested power off", "vcpu", c.id)
			c.setDestroyed()
			// The shutdown transition destroys every vCPU including this
			// one; run it off-thread so the drain of this thread can
			// complete.
			go c.ctl.GuestShutdown()
			return

		case kvm.ExitInternalError:
			c.fail(fmt.Errorf("machine: vCPU %d internal error: %s", c.id, exit.Desc))
			return
		}

		c.runTasks()
	}
}

func (c *CPU) handleIO(exit kvm.Exit) {
	size := exit.IOSize
	for i := 0; i < exit.IOCount; i++ {
		chunk := exit.Data[i*size : (i+1)*size]
		if exit.IsWrite {
			c.ops.PioOut(uint64(exit.Port), chunk)
		} else {
			if !c.ops.PioIn(uint64(exit.Port), chunk) {
				clear(chunk)
			}
		}
	}
}

func (c *CPU) runTasks() {
	c.mu.Lock()
	tasks := c.tasks
	c.tasks = nil
	c.mu.Unlock()

	for _, task := range tasks {
		if err := task(c.vcpu); err != nil {
			slog.Error("machine: vCPU task", "vcpu", c.id, "error", err)
		}
	}
}

func (c *CPU) setDestroyed() {
	c.mu.Lock()
	c.state = CpuDestroyed
	c.mu.Unlock()
}

func (c *CPU) fail(err error) {
	c.setDestroyed()
	go c.ctl.GuestError(c.id, err)
}

var (
	_ lifecycleCPU = &CPU{}
)
