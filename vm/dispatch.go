package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/mcertikos/hvm/npt"
	"github.com/mcertikos/hvm/vmm"
)

// RunInfiniteLoop drives the vcpu until RunOnce reports the guest
// halted or an unrecoverable error occurs, per spec.md §4.1's run/exit
// loop. Grounded on machine.go's RunInfiniteLoop/RunOnce split.
func (v *Vm) RunInfiniteLoop() error {
	for {
		cont, err := v.RunOnce()
		if err != nil {
			return err
		}

		if !cont {
			return nil
		}
	}
}

// RunOnce executes one KVM entry/exit cycle and dispatches the
// normalized exit reason per spec.md §4.1's table. It returns false
// when the guest has halted and the loop should stop.
func (v *Vm) RunOnce() (bool, error) {
	v.deliverPendingIRQ()

	if err := v.Driver.Run(); err != nil {
		return false, err
	}

	info := v.Driver.ExitInfo()

	switch v.Driver.ExitReason() {
	case vmm.ExitHalt:
		return false, nil

	case vmm.ExitExtInt, vmm.ExitIntWin:
		// Nothing further to do here: deliverPendingIRQ already
		// injected a vector if one was owed, and the window exit
		// itself just gave KVM the chance to ask for it.
		return true, nil

	case vmm.ExitIoPort:
		return true, v.dispatchIoPort(info)

	case vmm.ExitNptFault:
		return true, v.dispatchNptFault(info)

	case vmm.ExitCpuid:
		return true, v.dispatchCpuid()

	case vmm.ExitRdtsc:
		return true, v.dispatchRdtsc()

	case vmm.ExitRdmsr, vmm.ExitWrmsr:
		return true, v.dispatchMSR(v.Driver.ExitReason() == vmm.ExitWrmsr)

	case vmm.ExitInvalInstr:
		return true, v.Driver.InjectEvent(vmm.EventException, vectorUD, 0, false)

	case vmm.ExitExceptionReason:
		return true, v.dispatchException(info)

	case vmm.ExitSwint:
		return true, v.dispatchSwint()

	case vmm.ExitHypercall:
		return true, v.dispatchHypercall()

	case vmm.ExitUnknown:
		return true, nil

	default:
		return false, fmt.Errorf("vm: unhandled exit reason %v", v.Driver.ExitReason())
	}
}

// deliverPendingIRQ runs each registered extIntrHook in IRQ-number
// order on every entry. If any hook reports that it handled the
// interrupt, nothing is injected on this entry and the vPIC is not
// consulted; hooks are not matched against the lines the vPIC has
// pending. Otherwise, unless an event is already pending, it asks the
// vPIC whether it has a vector ready and injects it. spec.md §4.1's CPUID/RDTSC/RDMSR/WRMSR/invalid
// instruction/software-interrupt/hypercall exit reasons are KVM's own
// in-kernel-emulation territory under this realization (KVM answers
// CPUID from the table installed by vmm.BuildGuestCPUID and never
// raises an exit for it); they stay in vmm.ExitReason for structural
// completeness but are not reachable branches here.
func (v *Vm) deliverPendingIRQ() {
	for _, hook := range v.extIntrHook {
		if hook == nil {
			continue
		}

		if hook() {
			return
		}
	}

	if v.Driver.PendingEvent() || !v.VPIC.HasIRQ() {
		return
	}

	vector := v.VPIC.ReadIRQ()
	_ = v.Driver.InjectEvent(vmm.EventExtInt, uint8(vector), 0, false)
}

// dispatchIoPort routes one ExitIoPort exit to the claiming IODev, or
// applies PC convention (reads as all-ones, writes ignored) when no
// device claims the port.
func (v *Vm) dispatchIoPort(info vmm.ExitInfo) error {
	buf := v.Driver.IOBuffer()
	dev := v.iodev[info.Port]

	if dev == nil {
		var val uint32
		if info.Write {
			val = decodeLE(buf)
		}

		if v.PortPassthrough != nil {
			val = v.PortPassthrough(info.Port, info.Write, int(info.Width), val)
		} else if !info.Write {
			val = 0xFFFFFFFF
		}

		if !info.Write {
			encodeLE(buf, val)
		}

		return nil
	}

	if info.Write {
		dev.Out(info.Port, int(info.Width), decodeLE(buf))
		return nil
	}

	encodeLE(buf, dev.In(info.Port, int(info.Width)))

	return nil
}

// dispatchNptFault handles a nested-page-table fault. The reset-boot
// case (spec.md §8 scenario 1) is special: a guest just starting at
// the x86 reset vector 0xFFFFFFF0 cannot have a mapped page there, so
// CS.base is rewritten to 0x000F0000 to make the very next fetch land
// in the BIOS image installed by InstallBIOS, mirroring how real
// firmware is located by the processor's reset microcode. Any other
// fault within guest memory is handled by installing an identity
// mapping for the faulting page (the flat-memory model means hpa==gpa
// for RAM, so this is always safe within MemSize).
func (v *Vm) dispatchNptFault(info vmm.ExitInfo) error {
	if info.FaultAddr == biosResetVector {
		desc, err := v.Driver.GetDesc(vmm.SegCS)
		if err != nil {
			return err
		}

		desc.Base = biosRemapBase

		return v.Driver.SetDesc(vmm.SegCS, desc)
	}

	gpa := info.FaultAddr &^ (npt.PageSize - 1)
	if gpa >= v.Driver.MemSize {
		return fmt.Errorf("vm: nested page fault outside guest memory at %#x", info.FaultAddr)
	}

	return v.Driver.SetMmap(gpa, gpa, npt.MemWriteBack)
}

func decodeLE(buf []byte) uint32 {
	switch len(buf) {
	case 1:
		return uint32(buf[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(buf))
	default:
		return binary.LittleEndian.Uint32(buf)
	}
}

func encodeLE(buf []byte, val uint32) {
	switch len(buf) {
	case 1:
		buf[0] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(val))
	default:
		binary.LittleEndian.PutUint32(buf, val)
	}
}
