// Package config loads the YAML VM manifest spec.md §3's ad hoc CLI
// flags are replaced with: memory size, BIOS/VGA BIOS/disk image
// paths, and the host keyboard device to mirror into the guest.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// VM is one guest's complete manifest.
type VM struct {
	MemSizeMB int    `yaml:"mem_size_mb"`
	BIOSPath  string `yaml:"bios_path"`
	VGABIOS   string `yaml:"vga_bios_path"`
	DiskPath  string `yaml:"disk_path"`

	// HostKeyboard is an evdev device node (e.g. /dev/input/event3)
	// drained into the guest's i8042 controller. Empty disables it.
	HostKeyboard string `yaml:"host_keyboard,omitempty"`
}

const defaultMemSizeMB = 256

// Load reads and validates a VM manifest from path.
func Load(path string) (*VM, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	vm := &VM{MemSizeMB: defaultMemSizeMB}

	if err := yaml.Unmarshal(data, vm); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := vm.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return vm, nil
}

// MemSize returns the manifest's memory size in bytes.
func (v *VM) MemSize() uint64 { return uint64(v.MemSizeMB) << 20 }

func (v *VM) validate() error {
	if v.MemSizeMB <= 0 {
		return fmt.Errorf("mem_size_mb must be positive, got %d", v.MemSizeMB)
	}

	if v.BIOSPath == "" {
		return fmt.Errorf("bios_path is required")
	}

	if v.DiskPath == "" {
		return fmt.Errorf("disk_path is required")
	}

	return nil
}
