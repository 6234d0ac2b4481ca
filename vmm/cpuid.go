package vmm

import "github.com/mcertikos/hvm/kvm"

// Feature-bit masks named in spec.md §4.1.1.
const (
	// AVX, AES, MONITOR, TM2, EIST, XSAVE, OSXSAVE, x2APIC,
	// TSC-DEADLINE, PCID.
	leaf1ECXMask = 1<<28 | 1<<25 | 1<<3 | 1<<8 | 1<<7 | 1<<26 | 1<<27 | 1<<21 | 1<<24 | 1<<17

	// HTT, MCA, MTRR, APIC, MCE, MSR, DE, ACPI, TM.
	leaf1EDXMask = 1<<28 | 1<<14 | 1<<12 | 1<<9 | 1<<7 | 1<<5 | 1<<2 | 1<<22 | 1<<29

	// SVM, SKINIT, WDT, XAPIC.
	leaf80000001ECXMask = 1<<2 | 1<<12 | 1<<13 | 1<<17

	// RDTSCP, NX, MCA, MTRR, APIC, MCE, MSR, DE.
	leaf80000001EDXMask = 1<<27 | 1<<20 | 1<<14 | 1<<12 | 1<<9 | 1<<7 | 1<<5 | 1<<2
)

const (
	leafHypervisor  = 0x40000000
	leafStandard    = 0x00000001
	leafExtended1   = 0x80000001
	logicalProcMask = 0xff << 16
)

// MaskCPUID applies spec.md §4.1.1's hidden-feature rules to one CPUID
// leaf entry in place. Leaf 0x40000000 is fully synthesized rather
// than masked: EAX names the highest supported hypervisor leaf
// (0x40000000), and EBX/ECX/EDX are set to the fixed values
// 0x69747265, 0x694B4F53 and 0.
func MaskCPUID(e *kvm.CPUIDEntry2) {
	switch e.Function {
	case leafStandard:
		e.Ecx &^= leaf1ECXMask
		e.Edx &^= leaf1EDXMask
		e.Ebx &^= logicalProcMask
		e.Ebx |= 1 << 16 // force logical-processor count to 1

	case leafExtended1:
		e.Ecx &^= leaf80000001ECXMask
		e.Edx &^= leaf80000001EDXMask

	case leafHypervisor:
		e.Eax = leafHypervisor
		e.Ebx = 0x69747265 // "itre"
		e.Ecx = 0x694B4F53 // "iKOS"
		e.Edx = 0x00000000
	}
}

// GetCPUID looks up leaf/subleaf in the host-supported CPUID table
// supplied by kvm.GetSupportedCPUID, applying the masking rules, per
// spec.md §4.1's get_cpuid. It returns the zero entry if the leaf was
// never reported by the host/KVM, except for leaf 0x40000000, which is
// synthesized in that case.
func GetCPUID(supported *kvm.CPUID, leaf, subleaf uint32) kvm.CPUIDEntry2 {
	for i := uint32(0); i < supported.Nent; i++ {
		e := supported.Entries[i]
		if e.Function != leaf || e.Index != subleaf {
			continue
		}

		MaskCPUID(&e)

		return e
	}

	if leaf == leafHypervisor {
		entry := kvm.CPUIDEntry2{Function: leafHypervisor}
		MaskCPUID(&entry)

		return entry
	}

	return kvm.CPUIDEntry2{}
}

// BuildGuestCPUID returns the masked CPUID table to install via
// kvm.SetCPUID2, appending the synthesized hypervisor leaf if the
// host table does not already carry one.
func BuildGuestCPUID(supported *kvm.CPUID) *kvm.CPUID {
	out := &kvm.CPUID{}

	haveHypervisorLeaf := false

	for i := uint32(0); i < supported.Nent; i++ {
		e := supported.Entries[i]
		MaskCPUID(&e)
		out.Entries[out.Nent] = e
		out.Nent++

		if e.Function == leafHypervisor {
			haveHypervisorLeaf = true
		}
	}

	if !haveHypervisorLeaf && out.Nent < uint32(len(out.Entries)) {
		e := kvm.CPUIDEntry2{Function: leafHypervisor}
		MaskCPUID(&e)
		out.Entries[out.Nent] = e
		out.Nent++
	}

	return out
}
