// Package vm wires the nested page table, vendor driver, virtual PIC,
// PCI host bridge, virtio block device, and i8042 keyboard controller
// into the single Vm container spec.md §3 describes, and implements
// the exit dispatcher of spec.md §4.1 that drives the run/exit loop.
// Grounded on the teacher corpus's machine.go, generalized from its
// single-purpose Linux-boot machine into the spec's generic reset-boot
// VM.
package vm

import (
	"errors"
	"fmt"

	"github.com/mcertikos/hvm/virtio"
	"github.com/mcertikos/hvm/virtioblk"
	"github.com/mcertikos/hvm/vkbd"
	"github.com/mcertikos/hvm/vmm"
	"github.com/mcertikos/hvm/vpci"
	"github.com/mcertikos/hvm/vpic"
)

const (
	// DefaultMemSize is spec.md §3's default guest-physical memory size.
	DefaultMemSize = 256 << 20
	// MinMemSize is the smallest memsize new_vm accepts.
	MinMemSize = 16 << 20

	biosResetVector  = 0xFFFFFFF0
	biosRemapBase    = 0x000F0000
	virtioBlkIRQ     = 9
	virtioBlkPIOBase = 0xC000
	virtioBlkPIOSize = 0x40
)

var (
	// ErrMemTooSmall is returned by New when memsize is below MinMemSize.
	ErrMemTooSmall = errors.New("vm: memsize below minimum")
	// ErrNoIODevice names an I/O exit on a port with no registered
	// device. dispatchIoPort does not return it: an unclaimed port goes
	// to PortPassthrough, or reads as all-ones and discards writes.
	ErrNoIODevice = fmt.Errorf("vm: no device registered for port")
)

// IODev is any virtual device claiming a fixed range of I/O ports.
type IODev interface {
	In(port uint16, width int) uint32
	Out(port uint16, width int, val uint32)
}

// Vm is the top-level container: exactly one guest running at a time,
// per spec.md §3.
type Vm struct {
	Driver *vmm.Driver

	VPIC *vpic.Vpic
	VPCI *vpci.Host
	Kbd  *vkbd.Controller
	Blk  *virtioblk.Device

	iodev       [0x10000]IODev
	extIntrHook [16]func() bool

	// PortPassthrough is consulted for any IoPort exit whose port has
	// no registered IODev, per spec.md §8 scenario 2's "no handler
	// registered -> passthrough -> host outb" path. A real outb/inb to
	// the host's own port space needs ioperm()/iopl() privileges this
	// module does not assume the caller has, and is meaningless on a
	// non-x86 host kernel, so the default (nil) passthrough just
	// discards writes and reads back all-ones, matching what an
	// absent ISA device would leave on the bus. Callers that do hold
	// raw port-I/O privilege can install their own function here.
	PortPassthrough func(port uint16, write bool, width int, val uint32) uint32

	blkBARBase     uint16
	singleStepping bool
}

// New allocates and wires a complete VM: the driver and its nested page
// table, the vPIC pair, the PCI host bridge with one virtio block device
// attached, and the keyboard controller. The BIOS/VGA identity maps are
// not installed here; InstallBIOS installs them.
func New(memsize uint64, disk virtioblk.Disk) (*Vm, error) {
	if memsize < MinMemSize {
		return nil, ErrMemTooSmall
	}

	driver, err := vmm.New(memsize)
	if err != nil {
		return nil, err
	}

	v := &Vm{Driver: driver}

	v.VPIC = vpic.New()
	v.VPCI = vpci.New(0)
	v.Kbd = vkbd.New(func(line uint8, level bool) { v.VPIC.SetIRQ(int(line), level) })

	v.Blk = virtioblk.New(disk, virtioBlkIRQ, func() {
		v.VPIC.SetIRQ(virtioBlkIRQ, true)
		v.VPIC.SetIRQ(virtioBlkIRQ, false)
	})

	if _, ok := v.VPCI.Attach(v.Blk); !ok {
		return nil, errors.New("vm: pci bus full")
	}

	v.blkBARBase = virtioBlkPIOBase
	v.registerFixedDevices()

	return v, nil
}

// registerFixedDevices installs the iodev table entries for every
// device whose port range is static; the virtio block BAR is likewise
// fixed here for simplicity (spec.md §4.4 allows the guest to probe
// and relocate it, which a fuller PCI BIOS would honor).
func (v *Vm) registerFixedDevices() {
	for _, port := range vpic.IOPorts() {
		v.iodev[port] = vpicDev{v.VPIC}
	}

	for _, port := range vkbd.IOPorts() {
		v.iodev[port] = kbdDev{v.Kbd}
	}

	v.iodev[vpci.ConfigAddr] = pciDev{v.VPCI}
	for p := uint16(vpci.ConfigData); p < vpci.ConfigData+4; p++ {
		v.iodev[p] = pciDev{v.VPCI}
	}

	for p := uint16(0); p < virtioBlkPIOSize; p++ {
		v.iodev[v.blkBARBase+p] = blkDev{v.Blk, v.Driver}
	}
}

type vpicDev struct{ p *vpic.Vpic }

func (d vpicDev) In(port uint16, width int) uint32  { return uint32(d.p.In(port)) }
func (d vpicDev) Out(port uint16, width int, val uint32) { d.p.Out(port, uint8(val)) }

type kbdDev struct{ k *vkbd.Controller }

func (d kbdDev) In(port uint16, width int) uint32  { return uint32(d.k.In(port)) }
func (d kbdDev) Out(port uint16, width int, val uint32) { d.k.Out(port, uint8(val)) }

type pciDev struct{ h *vpci.Host }

func (d pciDev) In(port uint16, width int) uint32  { return d.h.In(port, width) }
func (d pciDev) Out(port uint16, width int, val uint32) { d.h.Out(port, width, val) }

type blkDev struct {
	b   *virtioblk.Device
	mem virtio.Memory
}

func (d blkDev) In(port uint16, width int) uint32 {
	return d.b.PortRead(int(port-virtioBlkPIOBase), width)
}

func (d blkDev) Out(port uint16, width int, val uint32) {
	_ = d.b.PortWrite(d.mem, int(port-virtioBlkPIOBase), val, width)
}

// GpaToHpa implements virtio.Memory by delegating to the driver's
// nested page table.
func (v *Vm) GpaToHpa(gpa uint64) (uint64, error) { return v.Driver.GpaToHpa(gpa) }

// Bytes implements virtio.Memory.
func (v *Vm) Bytes() []byte { return v.Driver.Bytes() }

// SetExtIntrHook installs a routine the dispatcher runs before the
// vPIC sees a raised line on irq, per spec.md §3's extintr_hook. The
// hook returns true if it fully handled the interrupt (the vPIC should
// not also be asked to raise the line).
func (v *Vm) SetExtIntrHook(irq int, hook func() bool) {
	if irq >= 0 && irq < len(v.extIntrHook) {
		v.extIntrHook[irq] = hook
	}
}

// InstallBIOS installs the BIOS and VGA BIOS images at their
// spec.md §6 fixed addresses and sets up the identity maps spec.md
// §4.2 requires (low-memory BIOS region, VGA window).
func (v *Vm) InstallBIOS(bios, vgaBIOS []byte) error {
	const (
		biosTop = 0x100000
		vgaBase = 0xC0000
	)

	mem := v.Driver.Bytes()
	copy(mem[biosTop-len(bios):biosTop], bios)
	copy(mem[vgaBase:], vgaBIOS)

	// Guest RAM is one contiguous host-backed slab starting at gpa 0,
	// so the identity map's "host base" is 0: hpa offsets and gpa
	// offsets coincide everywhere virtio/device emulation indexes
	// through Bytes().
	if err := v.Driver.NPT.IdentityMapBIOS(0); err != nil {
		return err
	}

	return v.Driver.NPT.IdentityMapVGA(0)
}
