// Package npt implements the nested-page-table manager described in
// spec.md §4.2: a guest-physical to host-physical map shared by both
// vendor backends (AMD NPT and Intel EPT present the same leaf shape to
// the rest of the kernel, differing only in reserved-bit layout, so a
// single implementation parameterized by page size suffices).
package npt

import (
	"errors"
	"sort"
)

const (
	// PageSize is the 4 KiB leaf granularity every gpa/hpa pair must
	// be aligned to.
	PageSize = 1 << 12
	// SuperPageSize is the 2 MiB granularity a leaf may use when the
	// underlying region is aligned and contiguous.
	SuperPageSize = 1 << 21

	// VGAWindowStart and VGAWindowEnd bound the identity-mapped,
	// uncacheable VGA aperture.
	VGAWindowStart = 0xA0000
	VGAWindowEnd   = 0xBFFFF
)

// MemType is the 3-bit memory-type field carried in every leaf entry.
type MemType uint8

const (
	MemWriteBack  MemType = 6
	MemUncacheable MemType = 0
)

var (
	// ErrMisaligned is returned when a gpa or hpa is not page aligned.
	ErrMisaligned = errors.New("npt: address not page aligned")
	// ErrNotMapped is returned by GpaToHpa for an address with no
	// covering leaf entry.
	ErrNotMapped = errors.New("npt: guest physical address not mapped")
)

// leaf is one page-table leaf entry: {address, read/write/execute,
// memtype} per spec.md §3/§4.2. Read/Write/Execute default to true for
// every mapping this repository installs; the fields exist so callers
// can special-case the rare read-only or no-execute page explicitly.
type leaf struct {
	hpa     uint64
	size    uint64
	memType MemType
	read    bool
	write   bool
	exec    bool
}

// Table is the two-dimensional page table for one VM. It is owned
// exclusively by that VM (spec.md §3, Ownership summary) — never shared
// across CPUs.
type Table struct {
	leaves      map[uint64]leaf // keyed by page-aligned gpa
	invalidates int             // count of Invalidate calls, for tests
}

// New returns an empty nested page table with the BIOS low-memory and
// VGA-window conventions of spec.md §3/§4.2 not yet installed; callers
// install those explicitly via IdentityMapBIOS/IdentityMapVGA so that
// Table itself stays a pure gpa->hpa map.
func New() *Table {
	return &Table{leaves: make(map[uint64]leaf)}
}

func aligned(addr, size uint64) bool { return addr%size == 0 }

// SetMmap installs or overwrites the leaf entry for the 4 KiB page
// (or, with size==SuperPageSize, the 2 MiB superpage) starting at gpa,
// mapping it to hpa. It is idempotent: calling it twice with the same
// arguments leaves exactly one leaf entry for gpa. Both addresses must
// be aligned to size.
func (t *Table) SetMmap(gpa, hpa, size uint64, memType MemType) error {
	if size != PageSize && size != SuperPageSize {
		return ErrMisaligned
	}

	if !aligned(gpa, size) || !aligned(hpa, size) {
		return ErrMisaligned
	}

	t.leaves[gpa] = leaf{hpa: hpa, size: size, memType: memType, read: true, write: true, exec: true}

	return t.invalidate(gpa)
}

// invalidate issues the TLB-invalidation scoped to this table's root,
// as spec.md §3 requires after every SetMmap. This repository's actual
// TLB state is owned by the host kernel's KVM module; Table only tracks
// that the discipline was followed, which is what the NPT idempotence
// and translation properties in spec.md §8 exercise.
func (t *Table) invalidate(_ uint64) error {
	t.invalidates++

	return nil
}

// Invalidate issues a full invalidation of this table's root, mirroring
// INVEPT-single-context / INVLPGA.
func (t *Table) Invalidate() { t.invalidates++ }

// Invalidations reports how many invalidation events this table has
// observed; used only by tests to verify the ordering guarantee of
// spec.md §5 (a SetMmap's invalidation happens before the next run).
func (t *Table) Invalidations() int { return t.invalidates }

// findLeaf returns the leaf entry covering gpa, if any.
func (t *Table) findLeaf(gpa uint64) (uint64, leaf, bool) {
	if l, ok := t.leaves[gpa&^(PageSize-1)]; ok {
		return gpa &^ (PageSize - 1), l, true
	}

	if l, ok := t.leaves[gpa&^(SuperPageSize-1)]; ok {
		return gpa &^ (SuperPageSize - 1), l, true
	}

	return 0, leaf{}, false
}

// GpaToHpa translates a guest-physical address to the host-physical
// address it was mapped to, preserving the page offset.
func (t *Table) GpaToHpa(gpa uint64) (uint64, error) {
	base, l, ok := t.findLeaf(gpa)
	if !ok {
		return 0, ErrNotMapped
	}

	return l.hpa + (gpa - base), nil
}

// IdentityMapBIOS installs 4 KiB pages (never superpages — BIOS ROM and
// VGA aliasing need fine granularity per spec.md §4.2) across the first
// 2 MiB of guest-physical memory, identity to the supplied host base.
func (t *Table) IdentityMapBIOS(hostBase uint64) error {
	const lowMemSize = 2 << 20

	for gpa := uint64(0); gpa < lowMemSize; gpa += PageSize {
		if err := t.SetMmap(gpa, hostBase+gpa, PageSize, MemWriteBack); err != nil {
			return err
		}
	}

	return nil
}

// IdentityMapVGA maps the 0xA0000..0xBFFFF VGA window identity to the
// host framebuffer base with uncacheable memory type.
func (t *Table) IdentityMapVGA(fbHostBase uint64) error {
	for gpa := uint64(VGAWindowStart); gpa <= VGAWindowEnd; gpa += PageSize {
		if err := t.SetMmap(gpa, fbHostBase+(gpa-VGAWindowStart), PageSize, MemUncacheable); err != nil {
			return err
		}
	}

	return nil
}

// Regions returns the mapped gpa ranges in ascending order, coalescing
// adjacent same-hpa-stride leaves. The VM does not use it for KVM's
// slot list, which is one slot covering all of guest memory.
type Region struct {
	GPA, HPA, Size uint64
}

func (t *Table) Regions() []Region {
	gpas := make([]uint64, 0, len(t.leaves))
	for gpa := range t.leaves {
		gpas = append(gpas, gpa)
	}

	sort.Slice(gpas, func(i, j int) bool { return gpas[i] < gpas[j] })

	regions := make([]Region, 0, len(gpas))

	for _, gpa := range gpas {
		l := t.leaves[gpa]

		if n := len(regions); n > 0 {
			last := &regions[n-1]
			if last.GPA+last.Size == gpa && last.HPA+last.Size == l.hpa {
				last.Size += l.size

				continue
			}
		}

		regions = append(regions, Region{GPA: gpa, HPA: l.hpa, Size: l.size})
	}

	return regions
}
