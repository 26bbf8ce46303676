// Package config defines the machine and device configuration accepted from
// the caller, plus a YAML file loader for the command line front end.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	// MinMemSize is the smallest guest a Linux kernel will realistically
	// boot in; anything below is a configuration mistake.
	MinMemSize uint64 = 128 << 20
	// MaxCPUs matches the interrupt controller's addressing limit.
	MaxCPUs = 254

	pageSize = 0x1000
)

// MachineConfig sizes the virtual machine itself.
type MachineConfig struct {
	NrCPUs  uint8  `yaml:"cpus"`
	MemSize uint64 `yaml:"memory"`
	// OmitVMMemory maps guest RAM without reserving backing up front.
	OmitVMMemory bool `yaml:"omit-vm-memory"`
}

// InitrdConfig names an initial ramdisk. The load address is produced by the
// boot layout builder and reported back here for the device tree and for
// status queries.
type InitrdConfig struct {
	Path string `yaml:"path"`
	Size uint64 `yaml:"-"`

	mu   sync.Mutex
	addr uint64
}

// SetAddress records where the builder placed the initrd.
func (c *InitrdConfig) SetAddress(addr uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addr = addr
}

// Address returns the recorded initrd load address.
func (c *InitrdConfig) Address() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// BootSource names the kernel, the optional initrd and the command line.
type BootSource struct {
	KernelPath    string        `yaml:"kernel"`
	KernelCmdline string        `yaml:"cmdline"`
	Initrd        *InitrdConfig `yaml:"initrd,omitempty"`
}

// DriveConfig registers a block backend for a replaceable slot.
type DriveConfig struct {
	DriveID    string `yaml:"id"`
	PathOnHost string `yaml:"path"`
	ReadOnly   bool   `yaml:"readonly"`
	Direct     bool   `yaml:"direct"`
	SerialNum  string `yaml:"serial,omitempty"`
}

// NetworkInterfaceConfig registers a network backend. TapFd wins over
// HostDevName when both are present; with neither, the user-mode stack
// serves the device.
type NetworkInterfaceConfig struct {
	IfaceID     string `yaml:"id"`
	HostDevName string `yaml:"ifname,omitempty"`
	MAC         string `yaml:"mac,omitempty"`
	TapFd       *int   `yaml:"-"`
}

// ConsoleConfig attaches a paravirtualized console.
type ConsoleConfig struct {
	ConsoleID string `yaml:"id"`
	Path      string `yaml:"path"`
}

// VsockConfig attaches a vsock device.
type VsockConfig struct {
	VsockID  string `yaml:"id"`
	GuestCID uint64 `yaml:"guest-cid"`
}

// SerialConfig attaches the legacy serial console.
type SerialConfig struct {
	Stdio bool `yaml:"stdio"`
}

// VmConfig is the complete machine description.
type VmConfig struct {
	Machine    MachineConfig            `yaml:"machine"`
	BootSource BootSource               `yaml:"boot-source"`
	Drives     []DriveConfig            `yaml:"drives,omitempty"`
	Nets       []NetworkInterfaceConfig `yaml:"net,omitempty"`
	Consoles   []ConsoleConfig          `yaml:"consoles,omitempty"`
	Vsock      *VsockConfig             `yaml:"vsock,omitempty"`
	Serial     *SerialConfig            `yaml:"serial,omitempty"`
}

// Load reads a machine description from a YAML file and validates it.
func Load(path string) (*VmConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg VmConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration before any hypervisor resource is
// created.
func (c *VmConfig) Validate() error {
	if c.Machine.NrCPUs == 0 {
		return fmt.Errorf("config: vCPU count must be at least 1")
	}
	if int(c.Machine.NrCPUs) > MaxCPUs {
		return fmt.Errorf("config: vCPU count %d exceeds limit %d", c.Machine.NrCPUs, MaxCPUs)
	}
	if c.Machine.MemSize < MinMemSize {
		return fmt.Errorf("config: memory size %#x below minimum %#x", c.Machine.MemSize, MinMemSize)
	}
	if c.Machine.MemSize%pageSize != 0 {
		return fmt.Errorf("config: memory size %#x is not page aligned", c.Machine.MemSize)
	}
	if c.BootSource.KernelPath == "" {
		return fmt.Errorf("config: boot source needs a kernel path")
	}

	if c.BootSource.Initrd != nil {
		info, err := os.Stat(c.BootSource.Initrd.Path)
		if err != nil {
			return fmt.Errorf("config: initrd: %w", err)
		}
		c.BootSource.Initrd.Size = uint64(info.Size())
		if c.BootSource.Initrd.Size == 0 {
			return fmt.Errorf("config: initrd %s is empty", c.BootSource.Initrd.Path)
		}
	}

	seen := make(map[string]bool)
	for _, d := range c.Drives {
		if d.DriveID == "" {
			return fmt.Errorf("config: drive without an id")
		}
		if seen[d.DriveID] {
			return fmt.Errorf("config: duplicate device id %q", d.DriveID)
		}
		seen[d.DriveID] = true
	}
	for _, n := range c.Nets {
		if n.IfaceID == "" {
			return fmt.Errorf("config: net device without an id")
		}
		if seen[n.IfaceID] {
			return fmt.Errorf("config: duplicate device id %q", n.IfaceID)
		}
		seen[n.IfaceID] = true
	}

	return nil
}
