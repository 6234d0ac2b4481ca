// Package virtio implements the legacy (pre-1.0) virtio-over-PCI
// transport described in spec.md §4.5: a common configuration header
// plus a single flavor of virtqueue (descriptor table, available ring,
// used ring), both laid out in guest memory and walked through the
// owning VM's nested page table. Ported from the teacher corpus's
// reference implementation (original_source/sys/virt/dev/virtio.c and
// sys/sys/virt/dev/virtio.h).
package virtio

import (
	"encoding/binary"
	"errors"
)

// PCI identifiers shared by every virtio device flavor.
const (
	PCIVendorID  = 0x1AF4
	PCIRevision  = 0x0
	SubdevNIC    = 0x1
	SubdevBlk    = 0x2
)

// Device status bits (BAR0 device_status register).
const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusDriverOK    = 1 << 2
	StatusFailed      = 1 << 7
)

// Descriptor flags.
const (
	DescFNext     = 1 << 0
	DescFWrite    = 1 << 1
	DescFIndirect = 1 << 2
)

// Ring flags.
const (
	AvailFNoInterrupt = 1 << 0
	UsedFNoNotify     = 1 << 0
)

var (
	// ErrQueueNotUsable is returned when a device-specific vring lookup
	// fails (wrong queue index).
	ErrQueueNotUsable = errors.New("virtio: queue not usable")
	// ErrBadGuestAddress is returned when a guest-supplied address does
	// not resolve through the nested page table.
	ErrBadGuestAddress = errors.New("virtio: guest address not mapped")
)

// CommonHeader is the device-independent portion of BAR0, per spec.md
// §4.5: device/guest feature bits, queue address/size/select/notify,
// device status, and the ISR status byte. Field order matches the wire
// layout; the byte-addressable register window over it (the Reg*
// offsets below) is implemented by the concrete device's port handlers,
// e.g. virtioblk.Device.PortRead/PortWrite.
type CommonHeader struct {
	DeviceFeatures uint32
	GuestFeatures  uint32
	QueueAddr      uint32
	QueueSize      uint16
	QueueSelect    uint16
	QueueNotify    uint16
	DeviceStatus   uint8
	ISRStatus      uint8
}

// Register byte offsets within CommonHeader, for iodev port dispatch.
const (
	RegDeviceFeatures = 0
	RegGuestFeatures  = 4
	RegQueueAddr      = 8
	RegQueueSize      = 12
	RegQueueSelect    = 14
	RegQueueNotify    = 16
	RegDeviceStatus   = 18
	RegISRStatus      = 19
	HeaderSize        = 20
)

// Memory is the guest-physical address space a vring is walked through.
// Implementations translate through the owning VM's nested page table
// and expose the backing host bytes for direct reads/writes.
type Memory interface {
	GpaToHpa(gpa uint64) (uint64, error)
	Bytes() []byte
}

func resolve(mem Memory, gpa uint64, n int) ([]byte, error) {
	hpa, err := mem.GpaToHpa(gpa)
	if err != nil {
		return nil, ErrBadGuestAddress
	}

	b := mem.Bytes()
	if int(hpa)+n > len(b) {
		return nil, ErrBadGuestAddress
	}

	return b[hpa : int(hpa)+n], nil
}

// Desc is one descriptor-table entry.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

const descSize = 16

// Vring is one virtqueue's state: the three guest-memory regions and
// the host-side consumption cursor, per spec.md §3/§4.5.
type Vring struct {
	QueueSize      uint16
	DescGuestAddr  uint64
	AvailGuestAddr uint64
	UsedGuestAddr  uint64
	LastAvailIdx   uint16
	NeedNotify     bool
}

// roundUp4K rounds n up to the next 4 KiB boundary.
func roundUp4K(n uint64) uint64 { return (n + 4095) &^ 4095 }

// Init lays out the descriptor table, available ring, and used ring
// starting at guestAddr, exactly as spec.md §4.5 describes: the avail
// ring follows the descriptor table immediately, and the used ring is
// 4 KiB aligned after that.
func (v *Vring) Init(guestAddr uint64) {
	v.DescGuestAddr = guestAddr
	v.AvailGuestAddr = guestAddr + uint64(descSize)*uint64(v.QueueSize)
	// avail: flags(2) + idx(2) + ring[queueSize](2 each)
	availSize := 4 + 2*uint64(v.QueueSize)
	v.UsedGuestAddr = roundUp4K(v.AvailGuestAddr + availSize)
	v.LastAvailIdx = 0
	v.NeedNotify = false
}

// Desc returns the idx'th descriptor-table entry.
func (v *Vring) Desc(mem Memory, idx uint16) (Desc, error) {
	b, err := resolve(mem, v.DescGuestAddr+uint64(descSize)*uint64(idx), descSize)
	if err != nil {
		return Desc{}, err
	}

	return Desc{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}

func (v *Vring) availIdx(mem Memory) (uint16, error) {
	b, err := resolve(mem, v.AvailGuestAddr+2, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

// AvailFlags returns the guest-visible avail.flags field.
func (v *Vring) AvailFlags(mem Memory) (uint16, error) {
	b, err := resolve(mem, v.AvailGuestAddr, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

func (v *Vring) availRingEntry(mem Memory, idx uint16) (uint16, error) {
	off := v.AvailGuestAddr + 4 + 2*uint64(idx%v.QueueSize)

	b, err := resolve(mem, off, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

// DequeueReq pops the next descriptor chain head off the available
// ring, advancing last_avail_idx. ok is false when the ring is empty,
// ported from vring_dequeue_req.
func (v *Vring) DequeueReq(mem Memory) (descIdx uint16, ok bool, err error) {
	idx, err := v.availIdx(mem)
	if err != nil {
		return 0, false, err
	}

	if v.LastAvailIdx == idx {
		return 0, false, nil
	}

	slot := v.LastAvailIdx
	v.LastAvailIdx++

	descIdx, err = v.availRingEntry(mem, slot)
	if err != nil {
		return 0, false, err
	}

	return descIdx, true, nil
}

// UsedIdx returns the guest-visible used.idx field.
func (v *Vring) UsedIdx(mem Memory) (uint16, error) {
	b, err := resolve(mem, v.UsedGuestAddr+2, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

// AppendUsed writes a used-ring element {id, len} at the current
// used.idx slot and advances used.idx, per spec.md §4.6's end-of-request
// bookkeeping.
func (v *Vring) AppendUsed(mem Memory, id uint32, length uint32) error {
	idx, err := v.UsedIdx(mem)
	if err != nil {
		return err
	}

	slot := idx % v.QueueSize
	// used ring element: id(4) + len(4), at offset flags(2)+idx(2)+slot*8
	off := v.UsedGuestAddr + 4 + uint64(slot)*8

	b, err := resolve(mem, off, 8)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(b[0:4], id)
	binary.LittleEndian.PutUint32(b[4:8], length)

	idxBytes, err := resolve(mem, v.UsedGuestAddr+2, 2)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint16(idxBytes, idx+1)

	return nil
}

// ReadBuf returns the host-backed bytes for a data descriptor.
func ReadBuf(mem Memory, d Desc) ([]byte, error) {
	return resolve(mem, d.Addr, int(d.Len))
}

// Ops is implemented by a concrete virtio device (e.g. virtioblk.Device)
// to supply its vring(s) and process one request.
type Ops interface {
	GetVring(vqIdx int) (*Vring, bool)
	HandleReq(mem Memory, vqIdx int, descIdx uint16) error
}

// IRQRaiser asserts a PCI interrupt line edge-triggered (lower then
// raise), wired to the owning VM's vPIC.
type IRQRaiser func()

// Device is the transport-level state shared by every virtio device:
// the common header plus the IRQ line it notifies on.
type Device struct {
	Header  CommonHeader
	IRQLine uint8

	raiseIRQ IRQRaiser
	ops      Ops
}

// NewDevice wires a transport Device to its device-specific Ops and IRQ
// callback.
func NewDevice(irqLine uint8, raiseIRQ IRQRaiser, ops Ops) *Device {
	return &Device{IRQLine: irqLine, raiseIRQ: raiseIRQ, ops: ops}
}

func (d *Device) notifyGuest() {
	d.Header.ISRStatus |= 1
	if d.raiseIRQ != nil {
		d.raiseIRQ()
	}
}

// handleOne pops and processes a single request, reporting whether one
// was found.
func (d *Device) handleOne(mem Memory, vqIdx int) (bool, error) {
	vr, ok := d.ops.GetVring(vqIdx)
	if !ok {
		return false, ErrQueueNotUsable
	}

	descIdx, ok, err := vr.DequeueReq(mem)
	if err != nil {
		return false, err
	}

	if !ok {
		return false, nil
	}

	if err := d.ops.HandleReq(mem, vqIdx, descIdx); err != nil {
		return true, err
	}

	flags, err := vr.AvailFlags(mem)
	if err != nil {
		return true, err
	}

	vr.NeedNotify = flags&AvailFNoInterrupt == 0

	if vr.NeedNotify {
		d.notifyGuest()
	}

	return true, nil
}

// Notify drains vqIdx's available ring until empty, processing every
// request in the order the guest posted it (spec.md §5's virtqueue
// ordering guarantee), mirroring virtio_set_queue_notify's do/while loop.
func (d *Device) Notify(mem Memory, vqIdx int) error {
	for {
		had, err := d.handleOne(mem, vqIdx)
		if err != nil {
			return err
		}

		if !had {
			return nil
		}
	}
}

// SelectQueue updates Header.QueueSelect and refreshes the
// queue_addr/queue_size fields to reflect the newly selected queue, per
// spec.md §4.5's "writing queue_select shifts the current queue".
func (d *Device) SelectQueue(sel uint16) {
	d.Header.QueueSelect = sel

	vr, ok := d.ops.GetVring(int(sel))
	if !ok {
		d.Header.QueueAddr = 0
		d.Header.QueueSize = 0

		return
	}

	d.Header.QueueAddr = uint32(vr.DescGuestAddr / 4096)
	d.Header.QueueSize = vr.QueueSize
}

// SetQueueAddr initializes the currently selected vring at guest
// physical page pfn<<12, per spec.md §4.5.
func (d *Device) SetQueueAddr(pfn uint32) {
	vr, ok := d.ops.GetVring(int(d.Header.QueueSelect))
	if !ok {
		return
	}

	vr.Init(uint64(pfn) << 12)
}
