package vmm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mcertikos/hvm/kvm"
	"github.com/mcertikos/hvm/vmm"
)

// TestRegisterRoundTrip matches spec.md §8: for every logical
// register, set_reg followed by get_reg returns the same value.
func TestRegisterRoundTrip(t *testing.T) {
	gprs := []vmm.Register{
		vmm.RAX, vmm.RBX, vmm.RCX, vmm.RDX, vmm.RSI, vmm.RDI, vmm.RBP, vmm.RSP,
		vmm.R8, vmm.R9, vmm.R10, vmm.R11, vmm.R12, vmm.R13, vmm.R14, vmm.R15,
		vmm.RIP, vmm.RFLAGS,
	}

	var regs kvm.Regs

	for _, r := range gprs {
		vmm.ApplyReg(&regs, nil, r, 0x1122334455667788)
		assert.Equal(t, uint64(0x1122334455667788), vmm.ReadReg(&regs, nil, r), "register %v", r)
	}

	crs := []vmm.Register{vmm.CR0, vmm.CR2, vmm.CR3, vmm.CR4, vmm.CR8, vmm.EFER}

	var sregs kvm.Sregs

	for _, r := range crs {
		vmm.ApplyReg(nil, &sregs, r, 0xdeadbeef)
		assert.Equal(t, uint64(0xdeadbeef), vmm.ReadReg(nil, &sregs, r), "register %v", r)
	}
}

// TestSegmentRoundTrip matches spec.md §8: set_desc followed by
// get_desc returns the same (sel, base, limit, ar) tuple modulo
// ar's unused bits.
func TestSegmentRoundTrip(t *testing.T) {
	segs := []vmm.Segment{
		vmm.SegCS, vmm.SegDS, vmm.SegES, vmm.SegFS, vmm.SegGS, vmm.SegSS,
		vmm.SegLDTR, vmm.SegTR,
	}

	want := vmm.SegDesc{Selector: 0x18, Base: 0xF0000, Limit: 0xFFFF, AR: 0x9b}

	var sregs kvm.Sregs

	for _, s := range segs {
		vmm.ApplyDesc(&sregs, s, want)
		got := vmm.ReadDesc(&sregs, s)

		assert.Equal(t, want.Selector, got.Selector, "segment %v", s)
		assert.Equal(t, want.Base, got.Base, "segment %v", s)
		assert.Equal(t, want.Limit, got.Limit, "segment %v", s)
		assert.Equal(t, want.AR, got.AR, "segment %v", s)
	}
}

func TestDescriptorTableRoundTrip(t *testing.T) {
	want := vmm.SegDesc{Base: 0x1000, Limit: 0x37}

	var sregs kvm.Sregs

	vmm.ApplyDesc(&sregs, vmm.SegGDTR, want)
	got := vmm.ReadDesc(&sregs, vmm.SegGDTR)
	assert.Equal(t, want.Base, got.Base)
	assert.Equal(t, want.Limit, got.Limit)

	vmm.ApplyDesc(&sregs, vmm.SegIDTR, want)
	got = vmm.ReadDesc(&sregs, vmm.SegIDTR)
	assert.Equal(t, want.Base, got.Base)
	assert.Equal(t, want.Limit, got.Limit)
}

// TestCPUIDMaskingHidesFeatures matches spec.md §8: leaf 0x80000001's
// RDTSCP and NX bits are cleared.
func TestCPUIDMaskingHidesFeatures(t *testing.T) {
	const (
		rdtscpBit = 1 << 27
		nxBit     = 1 << 20
	)

	e := kvm.CPUIDEntry2{Function: 0x80000001, Edx: rdtscpBit | nxBit | 0x1}
	vmm.MaskCPUID(&e)

	assert.Zero(t, e.Edx&rdtscpBit)
	assert.Zero(t, e.Edx&nxBit)
	assert.Equal(t, uint32(0x1), e.Edx&0x1, "unrelated bits survive")
}

// TestCPUIDHypervisorLeaf matches spec.md §8 scenario 3: leaf
// 0x40000000 returns the synthesized EAX/EBX/ECX/EDX values.
func TestCPUIDHypervisorLeaf(t *testing.T) {
	e := kvm.CPUIDEntry2{Function: 0x40000000}
	vmm.MaskCPUID(&e)

	assert.Equal(t, uint32(0x40000000), e.Eax)
	assert.Equal(t, uint32(0x69747265), e.Ebx)
	assert.Equal(t, uint32(0x694B4F53), e.Ecx)
	assert.Equal(t, uint32(0), e.Edx)
}

func TestCPUIDForcesSingleLogicalProcessor(t *testing.T) {
	e := kvm.CPUIDEntry2{Function: 0x1, Ebx: 0xFF << 16}
	vmm.MaskCPUID(&e)

	assert.Equal(t, uint32(1), (e.Ebx>>16)&0xff)
}

// TestGetCPUIDFallsBackToSynthesizedHypervisorLeaf ensures the leaf is
// always available even if the host table never reported it.
func TestGetCPUIDFallsBackToSynthesizedHypervisorLeaf(t *testing.T) {
	table := &kvm.CPUID{}

	e := vmm.GetCPUID(table, 0x40000000, 0)
	assert.Equal(t, uint32(0x69747265), e.Ebx)
}

// TestEventInjectionExclusion matches spec.md §8: injecting a second
// event without an intervening Run (Consume) fails.
func TestEventInjectionExclusion(t *testing.T) {
	var gate vmm.EventGate

	assert.NoError(t, gate.Arm())
	assert.ErrorIs(t, gate.Arm(), vmm.ErrEventPending)

	gate.Consume()
	assert.NoError(t, gate.Arm())
}
