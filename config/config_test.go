package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcertikos/hvm/config"
)

func writeManifest(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "vm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	return path
}

func TestLoadAppliesDefaultsAndParsesFields(t *testing.T) {
	path := writeManifest(t, `
bios_path: /opt/hvm/bios.bin
vga_bios_path: /opt/hvm/vgabios.bin
disk_path: /var/lib/hvm/disk.img
host_keyboard: /dev/input/event3
`)

	vm, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(256<<20), vm.MemSize())
	assert.Equal(t, "/opt/hvm/bios.bin", vm.BIOSPath)
	assert.Equal(t, "/dev/input/event3", vm.HostKeyboard)
}

func TestLoadRejectsMissingDiskPath(t *testing.T) {
	path := writeManifest(t, `
bios_path: /opt/hvm/bios.bin
`)

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsZeroMemSize(t *testing.T) {
	path := writeManifest(t, `
mem_size_mb: 0
bios_path: /opt/hvm/bios.bin
disk_path: /var/lib/hvm/disk.img
`)

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadReportsMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
