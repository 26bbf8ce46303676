package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *VmConfig {
	return &VmConfig{
		Machine:    MachineConfig{NrCPUs: 2, MemSize: 256 << 20},
		BootSource: BootSource{KernelPath: "/boot/vmlinux", KernelCmdline: "console=ttyS0"},
	}
}

func TestValidateRejectsZeroCPUs(t *testing.T) {
	cfg := validConfig()
	cfg.Machine.NrCPUs = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("zero vCPUs accepted")
	}
}

func TestValidateRejectsSmallMemory(t *testing.T) {
	cfg := validConfig()
	cfg.Machine.MemSize = 64 << 20
	if err := cfg.Validate(); err == nil {
		t.Fatalf("64 MiB accepted")
	}
}

func TestValidateRejectsUnalignedMemory(t *testing.T) {
	cfg := validConfig()
	cfg.Machine.MemSize = (256 << 20) + 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("unaligned memory size accepted")
	}
}

func TestValidateRejectsMissingKernel(t *testing.T) {
	cfg := validConfig()
	cfg.BootSource.KernelPath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("empty kernel path accepted")
	}
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	cfg := validConfig()
	cfg.Drives = []DriveConfig{{DriveID: "disk0", PathOnHost: "/tmp/a"}}
	cfg.Nets = []NetworkInterfaceConfig{{IfaceID: "disk0"}}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("duplicate ids: got %v", err)
	}
}

func TestValidateMeasuresInitrd(t *testing.T) {
	initrd := filepath.Join(t.TempDir(), "initrd")
	if err := os.WriteFile(initrd, make([]byte, 0x2000), 0o644); err != nil {
		t.Fatalf("write initrd: %v", err)
	}

	cfg := validConfig()
	cfg.BootSource.Initrd = &InitrdConfig{Path: initrd}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.BootSource.Initrd.Size != 0x2000 {
		t.Fatalf("initrd size = %#x, want 0x2000", cfg.BootSource.Initrd.Size)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.yaml")
	doc := `
machine:
  cpus: 4
  memory: 268435456
boot-source:
  kernel: /boot/vmlinux
  cmdline: "console=ttyS0 reboot=k"
drives:
  - id: disk0
    path: /tmp/rootfs.img
    readonly: true
net:
  - id: net0
    ifname: tap0
serial:
  stdio: true
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Machine.NrCPUs != 4 || cfg.Machine.MemSize != 268435456 {
		t.Fatalf("machine = %+v", cfg.Machine)
	}
	if len(cfg.Drives) != 1 || !cfg.Drives[0].ReadOnly {
		t.Fatalf("drives = %+v", cfg.Drives)
	}
	if len(cfg.Nets) != 1 || cfg.Nets[0].HostDevName != "tap0" {
		t.Fatalf("nets = %+v", cfg.Nets)
	}
	if cfg.Serial == nil || !cfg.Serial.Stdio {
		t.Fatalf("serial = %+v", cfg.Serial)
	}
}

func TestLoadRejectsInvalidDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.yaml")
	if err := os.WriteFile(path, []byte("machine: [not, a, map]"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("invalid document accepted")
	}
}
