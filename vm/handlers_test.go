package vm

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcertikos/hvm/virtioblk"
	"github.com/mcertikos/hvm/vmm"
)

func needKVMInternal(t *testing.T) {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("skipping: requires root")
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skip("skipping: /dev/kvm not available")
	}
}

func newTestVm(t *testing.T) *Vm {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "handlers-disk-*")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(2048*virtioblk.SectorSize))
	require.NoError(t, f.Close())

	disk, err := virtioblk.OpenFileDisk(f.Name())
	require.NoError(t, err)

	v, err := New(DefaultMemSize, disk)
	require.NoError(t, err)

	return v
}

// TestDispatchCpuidHypervisorLeaf matches spec.md §8 scenario 3 at the
// dispatcher level: a Cpuid exit for leaf 0x40000000 answers with the
// synthesized vendor string in RBX/RCX/RDX.
func TestDispatchCpuidHypervisorLeaf(t *testing.T) {
	needKVMInternal(t)

	v := newTestVm(t)

	require.NoError(t, v.Driver.SetReg(vmm.RAX, 0x40000000))
	require.NoError(t, v.Driver.SetReg(vmm.RCX, 0))
	require.NoError(t, v.dispatchCpuid())

	ebx, err := v.Driver.GetReg(vmm.RBX)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x69747265), ebx)
}

func TestDispatchHypercallMemSize(t *testing.T) {
	needKVMInternal(t)

	v := newTestVm(t)

	require.NoError(t, v.Driver.SetReg(vmm.RAX, hcallMemSize))
	require.NoError(t, v.dispatchHypercall())

	rax, err := v.Driver.GetReg(vmm.RAX)
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultMemSize), rax)
}

func TestDispatchHypercallUnknownReturnsAllOnes(t *testing.T) {
	needKVMInternal(t)

	v := newTestVm(t)

	require.NoError(t, v.Driver.SetReg(vmm.RAX, 0xFF))
	require.NoError(t, v.dispatchHypercall())

	rax, err := v.Driver.GetReg(vmm.RAX)
	require.NoError(t, err)
	assert.Equal(t, ^uint64(0), rax)
}
