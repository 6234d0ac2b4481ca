// Package vmm implements the VmmOps capability set described in
// spec.md §4.1: hardware-assisted VM entry/exit, uniform guest
// register access, segment descriptor access, CPUID masking, and
// event injection. spec.md describes this as two vendor drivers (SVM,
// VMX) behind one interface; this repository realizes that interface
// directly on top of KVM's own SVM/VMX abstraction (package kvm), so
// "vendor polymorphism" collapses to whichever backend the host kernel
// picked — the uniform operation table spec.md asks for is still here,
// just with one concrete implementation instead of two.
package vmm

import (
	"errors"
	"unsafe"

	"github.com/klauspost/cpuid/v2"

	"github.com/mcertikos/hvm/kvm"
	"github.com/mcertikos/hvm/npt"
)

// Register is one of the 16 general-purpose registers, RIP, RFLAGS,
// the control registers CR0/CR2/CR3/CR4/CR8, or EFER.
type Register int

const (
	RAX Register = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RBP
	RSP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	RIP
	RFLAGS
	CR0
	CR2
	CR3
	CR4
	CR8
	EFER
)

// Segment identifies one of the ten segment/descriptor-table registers.
type Segment int

const (
	SegCS Segment = iota
	SegDS
	SegES
	SegFS
	SegGS
	SegSS
	SegLDTR
	SegTR
	SegGDTR
	SegIDTR
)

// SegDesc is the uniform (selector, base, limit, access-rights) tuple
// spec.md §4.1 describes get_desc/set_desc as exchanging, independent
// of whether the underlying vendor block packs it as a VMCB segment
// or a VMX access-rights field.
type SegDesc struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	AR       uint16 // 12-bit hardware access-rights field
}

// EventKind enumerates the four injectable event classes.
type EventKind int

const (
	EventExtInt EventKind = iota
	EventNMI
	EventException
	EventSoftInt
)

// ExitReason is the normalized exit code the dispatcher switches on.
type ExitReason int

const (
	ExitUnknown ExitReason = iota
	ExitExtInt
	ExitIntWin
	ExitIoPort
	ExitNptFault
	ExitCpuid
	ExitRdtsc
	ExitRdmsr
	ExitWrmsr
	ExitInvalInstr
	ExitExceptionReason
	ExitSwint
	ExitHypercall
	ExitHalt
)

// ExitInfo is the tagged union of per-reason exit detail spec.md §3
// attaches to Vm.exit_info.
type ExitInfo struct {
	Port      uint16
	Width     uint8
	Write     bool
	Rep       bool
	Str       bool
	FaultAddr uint64
	Vector    uint8
	ErrCode   uint32
	HasErr    bool
	InstrLen  uint8
	MSR       uint32
}

var (
	// ErrNotSupported is returned by Init when the host CPU reports
	// neither SVM nor VMX support.
	ErrNotSupported = errors.New("vmm: hardware virtualization not supported")
	// ErrEventPending is returned by InjectEvent when a previous event
	// has not yet been consumed by an intervening Run.
	ErrEventPending = errors.New("vmm: an event is already pending injection")
)

// Init probes the host CPU for virtualization support. KVM performs
// the actual SVM/VMX enablement in-kernel; this call mirrors spec.md
// §4.1's init() contract by checking the feature bits up front so
// callers get NotSupported before ever opening /dev/kvm.
func Init() error {
	if !cpuid.CPU.Supports(cpuid.SVM) && !cpuid.CPU.Supports(cpuid.VMX) {
		return ErrNotSupported
	}

	return nil
}

// Driver is one VM's VmmOps implementation: the KVM fds, the mmap'd
// kvm_run page, the guest memory slab, and the nested page table that
// backs set_mmap/gpa_to_hpa.
type Driver struct {
	kvmFd  uintptr
	vmFd   uintptr
	vcpuFd uintptr

	run    *kvm.RunData
	runRaw []byte

	Mem     []byte
	MemSize uint64
	NPT     *npt.Table

	TSC uint64

	// Supported is the host/KVM CPUID table New queried to build the
	// masked guest table; kept so a Cpuid exit (vestigial under the
	// in-kernel CPUID emulation KVM performs, but still named by
	// spec.md's dispatcher table) can answer get_cpuid identically to
	// what was installed via SetCPUID2.
	Supported *kvm.CPUID

	gate       EventGate
	lastReason ExitReason
	lastInfo   ExitInfo
}

// EventGate enforces spec.md §8's event-injection exclusion property
// in isolation from any live vcpu: Arm fails once an event is pending
// until Consume clears it (the next Run does that automatically).
type EventGate struct {
	pending bool
}

// Arm records a new pending event, failing if one is already pending.
func (g *EventGate) Arm() error {
	if g.pending {
		return ErrEventPending
	}

	g.pending = true

	return nil
}

// Consume clears the pending flag, as Run does on every entry.
func (g *EventGate) Consume() { g.pending = false }

// Pending reports whether an event is currently armed.
func (g *EventGate) Pending() bool { return g.pending }

// New opens /dev/kvm, creates a VM and a single vcpu, reserves the
// VMX-required TSS/identity-map regions (harmless no-ops under the
// SVM backend), creates the in-kernel irqchip, and allocates memsize
// bytes of guest-physical memory, per spec.md §4.1's new_vm contract.
func New(memsize uint64) (*Driver, error) {
	kvmFd, err := kvm.OpenDevice("/dev/kvm")
	if err != nil {
		return nil, err
	}

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		return nil, err
	}

	if err := kvm.SetTSSAddr(vmFd, 0xfffbd000); err != nil {
		return nil, err
	}

	if err := kvm.SetIdentityMapAddr(vmFd, 0xfffbc000); err != nil {
		return nil, err
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		return nil, err
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		return nil, err
	}

	mmapSize, err := kvm.GetVCPUMMapSize(kvmFd)
	if err != nil {
		return nil, err
	}

	run, raw, err := kvm.MmapRun(vcpuFd, int(mmapSize))
	if err != nil {
		return nil, err
	}

	mem, err := kvm.MmapGuestMemory(int(memsize))
	if err != nil {
		return nil, err
	}

	supported := &kvm.CPUID{Nent: uint32(len(kvm.CPUID{}.Entries))}
	if err := kvm.GetSupportedCPUID(kvmFd, supported); err != nil {
		return nil, err
	}

	if err := kvm.SetCPUID2(vcpuFd, BuildGuestCPUID(supported)); err != nil {
		return nil, err
	}

	table := npt.New()

	region := &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    memsize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	if err := kvm.SetUserMemoryRegion(vmFd, region); err != nil {
		return nil, err
	}

	return &Driver{
		kvmFd:     kvmFd,
		vmFd:      vmFd,
		vcpuFd:    vcpuFd,
		run:       run,
		runRaw:    raw,
		Mem:       mem,
		MemSize:   memsize,
		NPT:       table,
		Supported: supported,
	}, nil
}

// GpaToHpa implements virtio.Memory, delegating to the nested page
// table.
func (d *Driver) GpaToHpa(gpa uint64) (uint64, error) { return d.NPT.GpaToHpa(gpa) }

// Bytes implements virtio.Memory: the flat guest-memory slab.
func (d *Driver) Bytes() []byte { return d.Mem }

// SetMmap installs a leaf mapping in the nested page table, per spec.md
// §4.1's set_mmap and §3's TLB-invalidation ordering guarantee (issued
// by NPT.SetMmap before this call returns). KVM's memory-slot table is
// not touched: New registers all of guest memory as slot 0 up front.
func (d *Driver) SetMmap(gpa, hpa uint64, memType npt.MemType) error {
	return d.NPT.SetMmap(gpa, hpa, npt.PageSize, memType)
}

// Run reloads guest state implicitly (KVM_RUN restores everything the
// vendor block owns) and executes one entry/exit cycle, then
// normalizes the exit into lastReason/lastInfo. Per spec.md §5, any
// event injected since the previous Run is considered consumed by
// this entry.
func (d *Driver) Run() error {
	d.gate.Consume()

	if err := kvm.Run(d.vcpuFd); err != nil {
		return err
	}

	d.lastReason, d.lastInfo = normalizeExit(d.run)

	return nil
}

// ExitReason reports the most recent Run's normalized exit reason.
func (d *Driver) ExitReason() ExitReason { return d.lastReason }

// ExitInfo reports the most recent Run's exit detail.
func (d *Driver) ExitInfo() ExitInfo { return d.lastInfo }

// IOBuffer returns the in/out data buffer for the most recent
// ExitIoPort exit, sized to ExitInfo().Width bytes. The dispatcher
// reads a guest OUT's value from it or writes an IN's value into it
// before the next Run resumes the guest past the IO instruction.
func (d *Driver) IOBuffer() []byte {
	_, size, _, _, dataOffset := d.run.IO()

	return d.runRaw[dataOffset : dataOffset+size]
}

// normalizeExit translates the raw KVM exit reason into spec.md §7's
// generic taxonomy, decoding the IO/MMIO exit-union fields KVM's
// kvm_run carries inline.
func normalizeExit(run *kvm.RunData) (ExitReason, ExitInfo) {
	switch run.ExitReason {
	case kvm.ExitIO:
		dir, size, port, _, _ := run.IO()

		return ExitIoPort, ExitInfo{
			Port:  uint16(port),
			Width: uint8(size),
			Write: dir == kvm.ExitIOOut,
		}

	case kvm.ExitMMIO:
		phys, _, length, isWrite := run.MMIO()

		return ExitNptFault, ExitInfo{FaultAddr: phys, Width: uint8(length), Write: isWrite}

	case kvm.ExitHLT:
		return ExitHalt, ExitInfo{}

	case kvm.ExitIntr:
		return ExitExtInt, ExitInfo{}

	case kvm.ExitIRQWindowOpen:
		return ExitIntWin, ExitInfo{}

	case kvm.ExitShutdown, kvm.ExitFailEntry, kvm.ExitInternalError:
		return ExitExceptionReason, ExitInfo{}

	default:
		return ExitUnknown, ExitInfo{}
	}
}

// InjectEvent arms the next Run to deliver kind/vector/errcode to the
// guest. It fails with ErrEventPending if a previously injected event
// has not yet been consumed by an intervening Run, per spec.md §8's
// "event injection exclusion" property.
func (d *Driver) InjectEvent(kind EventKind, vector uint8, errcode uint32, hasErr bool) error {
	if err := d.gate.Arm(); err != nil {
		return err
	}

	switch kind {
	case EventNMI:
		return kvm.NMI(d.vcpuFd)
	default:
		return kvm.Interrupt(d.vcpuFd, uint32(vector))
	}
}

// PendingEvent reports whether an injected event has not yet been
// consumed by a Run.
func (d *Driver) PendingEvent() bool { return d.gate.Pending() }

// ReadMSR and WriteMSR implement spec.md §4.1's Rdmsr/Wrmsr passthrough:
// most MSR indices are forwarded straight to the host vcpu via
// KVM_GET_MSRS/KVM_SET_MSRS.
func (d *Driver) ReadMSR(index uint32) (uint64, error) {
	msrs := &kvm.MSRs{NMSRs: 1}
	msrs.Entries[0].Index = index

	if err := kvm.GetMSRs(d.vcpuFd, msrs); err != nil {
		return 0, err
	}

	return msrs.Entries[0].Data, nil
}

func (d *Driver) WriteMSR(index uint32, val uint64) error {
	msrs := &kvm.MSRs{NMSRs: 1}
	msrs.Entries[0].Index = index
	msrs.Entries[0].Data = val

	return kvm.SetMSRs(d.vcpuFd, msrs)
}
