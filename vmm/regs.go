package vmm

import "github.com/mcertikos/hvm/kvm"

// ApplyReg writes val into the field of regs/sregs that Register
// names. Separated from Driver so the round-trip property spec.md §8
// describes can be exercised against plain structs, without an open
// vcpu fd.
func ApplyReg(regs *kvm.Regs, sregs *kvm.Sregs, reg Register, val uint64) {
	switch reg {
	case RAX:
		regs.RAX = val
	case RBX:
		regs.RBX = val
	case RCX:
		regs.RCX = val
	case RDX:
		regs.RDX = val
	case RSI:
		regs.RSI = val
	case RDI:
		regs.RDI = val
	case RBP:
		regs.RBP = val
	case RSP:
		regs.RSP = val
	case R8:
		regs.R8 = val
	case R9:
		regs.R9 = val
	case R10:
		regs.R10 = val
	case R11:
		regs.R11 = val
	case R12:
		regs.R12 = val
	case R13:
		regs.R13 = val
	case R14:
		regs.R14 = val
	case R15:
		regs.R15 = val
	case RIP:
		regs.RIP = val
	case RFLAGS:
		regs.RFLAGS = val
	case CR0:
		sregs.CR0 = val
	case CR2:
		sregs.CR2 = val
	case CR3:
		sregs.CR3 = val
	case CR4:
		sregs.CR4 = val
	case CR8:
		sregs.CR8 = val
	case EFER:
		sregs.EFER = val
	}
}

// ReadReg is ApplyReg's inverse.
func ReadReg(regs *kvm.Regs, sregs *kvm.Sregs, reg Register) uint64 {
	switch reg {
	case RAX:
		return regs.RAX
	case RBX:
		return regs.RBX
	case RCX:
		return regs.RCX
	case RDX:
		return regs.RDX
	case RSI:
		return regs.RSI
	case RDI:
		return regs.RDI
	case RBP:
		return regs.RBP
	case RSP:
		return regs.RSP
	case R8:
		return regs.R8
	case R9:
		return regs.R9
	case R10:
		return regs.R10
	case R11:
		return regs.R11
	case R12:
		return regs.R12
	case R13:
		return regs.R13
	case R14:
		return regs.R14
	case R15:
		return regs.R15
	case RIP:
		return regs.RIP
	case RFLAGS:
		return regs.RFLAGS
	case CR0:
		return sregs.CR0
	case CR2:
		return sregs.CR2
	case CR3:
		return sregs.CR3
	case CR4:
		return sregs.CR4
	case CR8:
		return sregs.CR8
	case EFER:
		return sregs.EFER
	default:
		return 0
	}
}

// GetReg implements spec.md §4.1's get_reg against the live vcpu.
func (d *Driver) GetReg(reg Register) (uint64, error) {
	regs, err := kvm.GetRegs(d.vcpuFd)
	if err != nil {
		return 0, err
	}

	if reg < CR0 {
		return ReadReg(&regs, nil, reg), nil
	}

	sregs, err := kvm.GetSregs(d.vcpuFd)
	if err != nil {
		return 0, err
	}

	return ReadReg(&regs, &sregs, reg), nil
}

// SetReg implements spec.md §4.1's set_reg against the live vcpu.
func (d *Driver) SetReg(reg Register, val uint64) error {
	if reg < CR0 {
		regs, err := kvm.GetRegs(d.vcpuFd)
		if err != nil {
			return err
		}

		ApplyReg(&regs, nil, reg, val)

		return kvm.SetRegs(d.vcpuFd, regs)
	}

	sregs, err := kvm.GetSregs(d.vcpuFd)
	if err != nil {
		return err
	}

	ApplyReg(nil, &sregs, reg, val)

	return kvm.SetSregs(d.vcpuFd, sregs)
}

func segRef(sregs *kvm.Sregs, seg Segment) *kvm.Segment {
	switch seg {
	case SegCS:
		return &sregs.CS
	case SegDS:
		return &sregs.DS
	case SegES:
		return &sregs.ES
	case SegFS:
		return &sregs.FS
	case SegGS:
		return &sregs.GS
	case SegSS:
		return &sregs.SS
	case SegLDTR:
		return &sregs.LDT
	case SegTR:
		return &sregs.TR
	default:
		return nil
	}
}

// arToSegment unpacks a 12-bit hardware access-rights word into the
// per-field form kvm.Segment (and the VMX VMCS access-rights encoding
// it mirrors) uses.
func arToSegment(sel uint16, base uint64, limit uint32, ar uint16) kvm.Segment {
	return kvm.Segment{
		Base:     base,
		Limit:    limit,
		Selector: sel,
		Typ:      uint8(ar & 0xf),
		S:        uint8((ar >> 4) & 0x1),
		DPL:      uint8((ar >> 5) & 0x3),
		Present:  uint8((ar >> 7) & 0x1),
		AVL:      uint8((ar >> 12) & 0x1),
		L:        uint8((ar >> 13) & 0x1),
		DB:       uint8((ar >> 14) & 0x1),
		G:        uint8((ar >> 15) & 0x1),
		Unusable: uint8((ar >> 16) & 0x1),
	}
}

// segmentToAR is arToSegment's inverse, repacking a kvm.Segment back
// into the access-rights word (bits 0-7 and 12-15). The unusable bit
// VMX keeps at bit 16 does not fit the 16-bit word and is not packed.
func segmentToAR(s kvm.Segment) uint16 {
	var ar uint16

	ar |= uint16(s.Typ) & 0xf
	ar |= uint16(s.S&0x1) << 4
	ar |= uint16(s.DPL&0x3) << 5
	ar |= uint16(s.Present&0x1) << 7
	ar |= uint16(s.AVL&0x1) << 12
	ar |= uint16(s.L&0x1) << 13
	ar |= uint16(s.DB&0x1) << 14
	ar |= uint16(s.G&0x1) << 15

	return ar
}

// ApplyDesc writes desc into sregs's field for seg. GDTR/IDTR carry no
// selector/access-rights, only base/limit.
func ApplyDesc(sregs *kvm.Sregs, seg Segment, desc SegDesc) {
	switch seg {
	case SegGDTR:
		sregs.GDT.Base = desc.Base
		sregs.GDT.Limit = uint16(desc.Limit)
	case SegIDTR:
		sregs.IDT.Base = desc.Base
		sregs.IDT.Limit = uint16(desc.Limit)
	default:
		if ref := segRef(sregs, seg); ref != nil {
			*ref = arToSegment(desc.Selector, desc.Base, desc.Limit, desc.AR)
		}
	}
}

// ReadDesc is ApplyDesc's inverse.
func ReadDesc(sregs *kvm.Sregs, seg Segment) SegDesc {
	switch seg {
	case SegGDTR:
		return SegDesc{Base: sregs.GDT.Base, Limit: uint32(sregs.GDT.Limit)}
	case SegIDTR:
		return SegDesc{Base: sregs.IDT.Base, Limit: uint32(sregs.IDT.Limit)}
	default:
		if ref := segRef(sregs, seg); ref != nil {
			return SegDesc{
				Selector: ref.Selector,
				Base:     ref.Base,
				Limit:    ref.Limit,
				AR:       segmentToAR(*ref),
			}
		}

		return SegDesc{}
	}
}

// GetDesc implements spec.md §4.1's get_desc against the live vcpu.
func (d *Driver) GetDesc(seg Segment) (SegDesc, error) {
	sregs, err := kvm.GetSregs(d.vcpuFd)
	if err != nil {
		return SegDesc{}, err
	}

	return ReadDesc(&sregs, seg), nil
}

// SetDesc implements spec.md §4.1's set_desc against the live vcpu.
func (d *Driver) SetDesc(seg Segment, desc SegDesc) error {
	sregs, err := kvm.GetSregs(d.vcpuFd)
	if err != nil {
		return err
	}

	ApplyDesc(&sregs, seg, desc)

	return kvm.SetSregs(d.vcpuFd, sregs)
}
