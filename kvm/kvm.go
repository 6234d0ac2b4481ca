// Package kvm wraps the /dev/kvm ioctl surface used to drive the
// hardware-assisted entry/exit cycle. It is the leaf of the dependency
// order for the packages that drive the guest: vmm builds on top of it,
// and vm through vmm. The device models (vpic, vpci, virtio, virtioblk,
// vkbd) and npt do not depend on it.
package kvm

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request numbers, from <linux/kvm.h>.
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmCreateVCPU          = 0xAE41
	kvmRun                 = 0xAE80
	kvmGetVCPUMMapSize     = 0xAE04
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmSetTSSAddr          = 0xae47
	kvmSetIdentityMapAddr  = 0x4008ae48
	kvmCreateIRQChip       = 0xae60
	kvmIRQLine             = 0x4008ae61
	kvmGetSupportedCPUID   = 0xc008ae05
	kvmSetCPUID2           = 0x4008ae90
	kvmGetMSRIndexList     = 0xc004ae02
	kvmGetMSRs             = 0xc008ae88
	kvmSetMSRs             = 0x4008ae89
	kvmGetDebugRegs        = 0x8080ae8e
	kvmSetDebugRegs        = 0x4080ae8f
	kvmTranslate           = 0xc018ae85
	kvmInterrupt           = 0x4004ae86
	kvmNMI                 = 0xae9a

	// ExitReason values as normalized by KVM_RUN.
	ExitUnknown       = 0
	ExitException     = 1
	ExitIO            = 2
	ExitHypercall     = 3
	ExitDebug         = 4
	ExitHLT           = 5
	ExitMMIO          = 6
	ExitIRQWindowOpen = 7
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitIntr          = 10
	ExitSetTPR        = 11
	ExitTPRAccess     = 12
	ExitInternalError = 17

	ExitIOIn  = 0
	ExitIOOut = 1

	numInterrupts = 0x100
)

// ErrUnexpectedExitReason is returned by OpenDevice when /dev/kvm
// reports an API version other than 12.
var ErrUnexpectedExitReason = errors.New("kvm: unexpected exit reason")

// Regs mirrors struct kvm_regs: the general-purpose registers KVM
// saves/restores automatically around each entry.
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor mirrors struct kvm_dtable (GDTR/IDTR).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs: segment registers, control registers,
// and the interrupt bitmap used when no in-kernel irqchip is present.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Descriptor
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(numInterrupts + 63) / 64]uint64
}

// DebugRegs mirrors struct kvm_debugregs (DR0..DR3, DR6, DR7).
type DebugRegs struct {
	DB              [4]uint64
	DR6             uint64
	DR7             uint64
	Flags           uint64
	_               [9]uint64
}

// RunData mirrors the portion of struct kvm_run this package needs.
// It is placed at the start of the mmap'd vcpu region by the kernel.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the io_in/io_out member of kvm_run's exit union: direction,
// operand size in bytes, port number, repeat count, and the offset into
// RunData where the data buffer for this access begins.
func (r *RunData) IO() (direction, size, port, count, dataOffset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	dataOffset = r.Data[1]

	return direction, size, port, count, dataOffset
}

// MMIO decodes the mmio member of kvm_run's exit union.
func (r *RunData) MMIO() (phys uint64, data []byte, length uint32, isWrite bool) {
	phys = r.Data[0]
	length = uint32(r.Data[2] & 0xFFFFFFFF)
	isWrite = (r.Data[2]>>32)&1 == 1
	raw := (*[8]byte)(unsafe.Pointer(&r.Data[1]))

	return phys, raw[:], length, isWrite
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region, the
// unit KVM_SET_USER_MEMORY_REGION installs a guest-physical mapping with.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages arms dirty-page logging on this slot.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() { r.Flags |= 1 << 0 }

// SetMemReadonly marks this slot read-only from the guest's view.
func (r *UserspaceMemoryRegion) SetMemReadonly() { r.Flags |= 1 << 1 }

// IRQLevel mirrors struct kvm_irq_level, the argument to KVM_IRQ_LINE.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// CPUID mirrors struct kvm_cpuid2.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

// MSREntry mirrors struct kvm_msr_entry.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// MSRs mirrors struct kvm_msrs for a small, fixed number of entries.
type MSRs struct {
	NMSRs   uint32
	Pad     uint32
	Entries [64]MSREntry
}

func ioctl(fd, op uintptr, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// GetAPIVersion returns the KVM API version; callers should refuse to
// proceed unless it equals 12.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, kvmGetAPIVersion, 0)
}

// CreateVM allocates a new KVM virtual machine and returns its fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, kvmCreateVM, 0)
}

// CreateVCPU allocates vcpu number vcpuID inside vmFd's VM.
func CreateVCPU(vmFd uintptr, vcpuID int) (uintptr, error) {
	return ioctl(vmFd, kvmCreateVCPU, uintptr(vcpuID))
}

// Run enters the guest. It returns once KVM_RUN exits, populating the
// RunData mmap'd at vcpuFd. EAGAIN/EINTR are swallowed: the caller
// should simply re-inspect RunData.ExitReason, since KVM retries those
// transparently.
func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, kvmRun, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil
		}

		return err
	}

	return nil
}

// GetVCPUMMapSize returns the size of the kvm_run mmap region.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, kvmGetVCPUMMapSize, 0)
}

// GetSregs reads the segment/control-register block.
func GetSregs(vcpuFd uintptr) (Sregs, error) {
	sregs := Sregs{}
	_, err := ioctl(vcpuFd, kvmGetSregs, uintptr(unsafe.Pointer(&sregs)))

	return sregs, err
}

// SetSregs writes the segment/control-register block.
func SetSregs(vcpuFd uintptr, sregs Sregs) error {
	_, err := ioctl(vcpuFd, kvmSetSregs, uintptr(unsafe.Pointer(&sregs)))

	return err
}

// GetRegs reads the general-purpose register block.
func GetRegs(vcpuFd uintptr) (Regs, error) {
	regs := Regs{}
	_, err := ioctl(vcpuFd, kvmGetRegs, uintptr(unsafe.Pointer(&regs)))

	return regs, err
}

// SetRegs writes the general-purpose register block.
func SetRegs(vcpuFd uintptr, regs Regs) error {
	_, err := ioctl(vcpuFd, kvmSetRegs, uintptr(unsafe.Pointer(&regs)))

	return err
}

// GetDebugRegs reads DR0..DR3, DR6, DR7.
func GetDebugRegs(vcpuFd uintptr) (DebugRegs, error) {
	d := DebugRegs{}
	_, err := ioctl(vcpuFd, kvmGetDebugRegs, uintptr(unsafe.Pointer(&d)))

	return d, err
}

// SetDebugRegs writes DR0..DR3, DR6, DR7.
func SetDebugRegs(vcpuFd uintptr, d DebugRegs) error {
	_, err := ioctl(vcpuFd, kvmSetDebugRegs, uintptr(unsafe.Pointer(&d)))

	return err
}

// SetUserMemoryRegion installs or updates a guest-physical memory slot.
// This is the mechanism the nested page table manager (package npt)
// drives its set_mmap/invalidate semantics through.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vmFd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr reserves the 3-page task-state-segment region Intel's VMX
// requires in guest-physical space.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := ioctl(vmFd, kvmSetTSSAddr, uintptr(addr))

	return err
}

// SetIdentityMapAddr reserves the one-page identity-map region Intel's
// VMX requires in guest-physical space.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	a := addr
	_, err := ioctl(vmFd, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&a)))

	return err
}

// CreateIRQChip creates the in-kernel APIC/PIC/IOAPIC model. This
// repository still drives its own vPIC state machine (package vpic) on
// top of it and only uses the in-kernel chip to deliver the vPIC's
// resulting vector, matching the spec's "event injection" contract.
func CreateIRQChip(vmFd uintptr) error {
	_, err := ioctl(vmFd, kvmCreateIRQChip, 0)

	return err
}

// IRQLine asserts or deasserts GSI irq. Edge-triggered interrupts must
// be raised then immediately lowered by the caller.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	l := IRQLevel{IRQ: irq, Level: level}
	_, err := ioctl(vmFd, kvmIRQLine, uintptr(unsafe.Pointer(&l)))

	return err
}

// Interrupt injects a soft/external interrupt vector directly into a
// vcpu that is not using the in-kernel irqchip to receive it.
func Interrupt(vcpuFd uintptr, vector uint32) error {
	v := vector
	_, err := ioctl(vcpuFd, kvmInterrupt, uintptr(unsafe.Pointer(&v)))

	return err
}

// NMI delivers a non-maskable interrupt to the vcpu.
func NMI(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, kvmNMI, 0)

	return err
}

// GetSupportedCPUID fills kvmCPUID with the set of CPUID leaves this
// host and KVM build support; vmm.BuildGuestCPUID masks it per
// the spec's §4.1.1 hidden-feature rules before SetCPUID2 installs it.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	_, err := ioctl(kvmFd, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// SetCPUID2 installs the per-vcpu CPUID leaf table.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := ioctl(vcpuFd, kvmSetCPUID2, uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// GetMSRs reads the MSR values named in msrs.Entries[i].Index.
func GetMSRs(vcpuFd uintptr, msrs *MSRs) error {
	_, err := ioctl(vcpuFd, kvmGetMSRs, uintptr(unsafe.Pointer(msrs)))

	return err
}

// SetMSRs writes the MSR values named in msrs.Entries[i].Index.
func SetMSRs(vcpuFd uintptr, msrs *MSRs) error {
	_, err := ioctl(vcpuFd, kvmSetMSRs, uintptr(unsafe.Pointer(msrs)))

	return err
}
