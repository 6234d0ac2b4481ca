// Package virtioblk implements the virtio block device described in
// spec.md §4.6: one 8-descriptor virtqueue, three-descriptor chained
// requests, and a host file standing in for the AHCI backend. Ported
// from the teacher corpus's reference implementation
// (original_source/sys/virt/dev/virtio_blk.c and
// sys/sys/virt/dev/virtio_blk.h).
package virtioblk

import (
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/mcertikos/hvm/virtio"
	"github.com/mcertikos/hvm/vpci"
)

// PCI configuration-space offsets this device cares about.
const (
	confVendorID     = 0x00
	confDeviceID     = 0x02
	confClass        = 0x0b
	confSubclass     = 0x0a
	confHeaderType   = 0x0e
	confBAR0         = 0x10
	confSubsysVendor = 0x2c
	confSubsysID     = 0x2e
	confIntrLine     = 0x3c
	confIntrPin      = 0x3d

	barSize = virtio.HeaderSize + 24 // common header + virtio_blk_config, rounded by caller
)

// Request types, per virtio_blk_outhdr.type.
const (
	ReqIn      = 0x00000000
	ReqOut     = 0x00000001
	ReqFlush   = 0x00000004
	ReqGetID   = 0x00000008
	ReqBarrier = 0x80000000
)

// Status byte values, written to the request's third descriptor.
const (
	StatusOK     = 0
	StatusIOErr  = 1
	StatusUnsupp = 2
)

// Device feature bits this implementation advertises.
const (
	FeatureSizeMax = 1 << 1
	FeatureSegMax  = 1 << 2
	FeatureBlkSize = 1 << 6
)

const (
	// SectorSize is the fixed sector size spec.md §4.6 assumes.
	SectorSize = 512
	// QueueSize is the single virtqueue's descriptor count.
	QueueSize = 8
	// MaxSectorsPerRequest bounds a single IN/OUT request.
	MaxSectorsPerRequest = 16

	deviceName = "hvm-virtio-blk-0000"
)

var (
	// ErrMalformedChain is a guest protocol error: the 3-descriptor
	// chain did not have the shape spec.md §4.6 requires.
	ErrMalformedChain = errors.New("virtioblk: malformed descriptor chain")
)

// Disk is the host-side backing store, standing in for spec.md §6's
// disk_read/disk_write/disk_capacity interface.
type Disk interface {
	io.ReaderAt
	io.WriterAt
	// Sectors returns the disk's capacity in 512-byte sectors.
	Sectors() uint64
}

// FileDisk adapts an *os.File to Disk.
type FileDisk struct{ f *os.File }

// OpenFileDisk opens path as a block-device-backing file.
func OpenFileDisk(path string) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	return &FileDisk{f: f}, nil
}

func (d *FileDisk) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *FileDisk) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }

func (d *FileDisk) Sectors() uint64 {
	st, err := d.f.Stat()
	if err != nil {
		return 0
	}

	return uint64(st.Size()) / SectorSize
}

// Config is virtio_blk_config: the device-specific BAR0 tail.
type Config struct {
	Capacity  uint64
	SizeMax   uint32
	SegMax    uint32
	Cylinders uint16
	Heads     uint8
	Sectors   uint8
	BlkSize   uint32
}

// Device is the virtio block device: transport state, its config
// block, the single vring, and the disk it fronts.
type Device struct {
	Transport *virtio.Device
	Config    Config
	vring     virtio.Vring

	disk Disk
	conf [256]byte
}

var _ vpci.Device = (*Device)(nil)

// New attaches a virtio block device in front of disk, notifying on
// irqLine via raiseIRQ whenever a request batch completes.
func New(disk Disk, irqLine uint8, raiseIRQ virtio.IRQRaiser) *Device {
	d := &Device{disk: disk}
	d.vring.QueueSize = QueueSize

	d.Config = Config{
		Capacity: disk.Sectors(),
		SizeMax:  4096,
		SegMax:   1,
		BlkSize:  SectorSize,
	}

	d.Transport = virtio.NewDevice(irqLine, raiseIRQ, d)
	d.Transport.Header.DeviceFeatures = FeatureSizeMax | FeatureSegMax | FeatureBlkSize

	binary.LittleEndian.PutUint16(d.conf[confVendorID:], virtio.PCIVendorID)
	binary.LittleEndian.PutUint16(d.conf[confDeviceID:], 0x1000+virtio.SubdevBlk)
	d.conf[confClass] = 0x01    // mass storage
	d.conf[confSubclass] = 0x00 // SCSI, treated generically
	d.conf[confHeaderType] = 0x00
	binary.LittleEndian.PutUint16(d.conf[confSubsysVendor:], virtio.PCIVendorID)
	binary.LittleEndian.PutUint16(d.conf[confSubsysID:], virtio.SubdevBlk)
	d.conf[confIntrLine] = irqLine
	d.conf[confIntrPin] = 1

	return d
}

// ConfRead implements vpci.Device: a 32-bit-windowed read of the
// device's 256-byte configuration space.
func (d *Device) ConfRead(addr uint32, width int) uint32 {
	reg := int(addr & 0xfc)

	var v uint32
	for i := 0; i < width && reg+i < len(d.conf); i++ {
		v |= uint32(d.conf[reg+i]) << (8 * i)
	}

	return v
}

// ConfWrite implements vpci.Device. Writes to BAR0 get the size-probe
// special case spec.md §4.4 describes: a write of all-ones reports the
// region's size (rounded to a power of two) instead of latching an
// address, matching virtio_blk_pci_conf_write.
func (d *Device) ConfWrite(addr uint32, val uint32, width int) {
	reg := int(addr & 0xfc)

	if reg == confBAR0 && width == 4 {
		if vpci.ProbeBAR0Size(val) {
			size := nextPow2(barSize)
			binary.LittleEndian.PutUint32(d.conf[confBAR0:], ^(size - 1)|1)

			return
		}

		binary.LittleEndian.PutUint32(d.conf[confBAR0:], val&^0x3|1)

		return
	}

	for i := 0; i < width && reg+i < len(d.conf); i++ {
		d.conf[reg+i] = byte(val >> (8 * i))
	}
}

func nextPow2(n uint32) uint32 {
	p := uint32(1)
	for p < n {
		p <<= 1
	}

	return p
}

// GetVring implements virtio.Ops; there is exactly one queue.
func (d *Device) GetVring(vqIdx int) (*virtio.Vring, bool) {
	if vqIdx != 0 {
		return nil, false
	}

	return &d.vring, true
}

// HandleReq implements virtio.Ops: it decodes the 3-descriptor chain
// headed by descIdx, dispatches on the request type, and appends the
// used-ring element, ported from virtio_blk_handle_req.
func (d *Device) HandleReq(mem virtio.Memory, vqIdx int, descIdx uint16) error {
	if vqIdx != 0 {
		return nil
	}

	reqDesc, err := d.vring.Desc(mem, descIdx)
	if err != nil {
		return err
	}

	if reqDesc.Flags&virtio.DescFNext == 0 {
		return ErrMalformedChain
	}

	hdrBuf, err := virtio.ReadBuf(mem, reqDesc)
	if err != nil {
		return err
	}

	if len(hdrBuf) < 16 {
		return ErrMalformedChain
	}

	reqType := binary.LittleEndian.Uint32(hdrBuf[0:4])
	sector := binary.LittleEndian.Uint64(hdrBuf[8:16])

	bufDesc, err := d.vring.Desc(mem, reqDesc.Next)
	if err != nil {
		return err
	}

	if bufDesc.Flags&virtio.DescFNext == 0 {
		return ErrMalformedChain
	}

	buf, err := virtio.ReadBuf(mem, bufDesc)
	if err != nil {
		return err
	}

	statusDesc, err := d.vring.Desc(mem, bufDesc.Next)
	if err != nil {
		return err
	}

	statusBuf, err := virtio.ReadBuf(mem, statusDesc)
	if err != nil || len(statusBuf) < 1 {
		return ErrMalformedChain
	}

	nsectors := uint32(bufDesc.Len) / SectorSize
	bytesWritten := uint32(0)

	switch reqType {
	case ReqIn:
		if nsectors > MaxSectorsPerRequest {
			nsectors = MaxSectorsPerRequest
		}

		if _, err := d.disk.ReadAt(buf[:nsectors*SectorSize], int64(sector)*SectorSize); err != nil {
			statusBuf[0] = StatusIOErr
		} else {
			statusBuf[0] = StatusOK
			bytesWritten = nsectors * SectorSize
		}

	case ReqOut:
		if nsectors > MaxSectorsPerRequest {
			nsectors = MaxSectorsPerRequest
		}

		if _, err := d.disk.WriteAt(buf[:nsectors*SectorSize], int64(sector)*SectorSize); err != nil {
			statusBuf[0] = StatusIOErr
		} else {
			statusBuf[0] = StatusOK
		}

	case ReqFlush, ReqBarrier:
		statusBuf[0] = StatusOK

	case ReqGetID:
		n := copy(buf, deviceName)
		if n < len(buf) {
			buf[n] = 0
		}

		statusBuf[0] = StatusOK
		bytesWritten = uint32(len(deviceName))

	default:
		statusBuf[0] = StatusUnsupp
	}

	return d.vring.AppendUsed(mem, uint32(descIdx), bytesWritten)
}

// PortRead reads width bytes at offset within the BAR0 register window:
// the common virtio header followed immediately by the block config
// block, per spec.md §4.6.
func (d *Device) PortRead(offset int, width int) uint32 {
	if offset < virtio.HeaderSize {
		return readHeaderField(&d.Transport.Header, offset, width)
	}

	return readBlkConfig(&d.Config, offset-virtio.HeaderSize, width)
}

// PortWrite writes width bytes at offset within the BAR0 register
// window. Writes into the queue_notify register drain the named
// virtqueue immediately, matching virtio_set_queue_notify's
// write-triggers-processing semantics.
func (d *Device) PortWrite(mem virtio.Memory, offset int, val uint32, width int) error {
	if offset >= virtio.HeaderSize {
		// Device-specific config block is read-only to the guest.
		return nil
	}

	switch offset {
	case virtio.RegDeviceFeatures:
		d.Transport.Header.DeviceFeatures = val
	case virtio.RegGuestFeatures:
		d.Transport.Header.GuestFeatures = val
	case virtio.RegQueueAddr:
		d.Transport.Header.QueueAddr = val
		d.Transport.SetQueueAddr(val)
	case virtio.RegQueueSize:
		d.Transport.Header.QueueSize = uint16(val)
	case virtio.RegQueueSelect:
		d.Transport.SelectQueue(uint16(val))
	case virtio.RegQueueNotify:
		d.Transport.Header.QueueNotify = uint16(val)

		return d.Transport.Notify(mem, int(val))
	case virtio.RegDeviceStatus:
		d.Transport.Header.DeviceStatus = uint8(val)
	case virtio.RegISRStatus:
		d.Transport.Header.ISRStatus = uint8(val)
	}

	return nil
}

func readHeaderField(h *virtio.CommonHeader, offset int, width int) uint32 {
	var buf [virtio.HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[virtio.RegDeviceFeatures:], h.DeviceFeatures)
	binary.LittleEndian.PutUint32(buf[virtio.RegGuestFeatures:], h.GuestFeatures)
	binary.LittleEndian.PutUint32(buf[virtio.RegQueueAddr:], h.QueueAddr)
	binary.LittleEndian.PutUint16(buf[virtio.RegQueueSize:], h.QueueSize)
	binary.LittleEndian.PutUint16(buf[virtio.RegQueueSelect:], h.QueueSelect)
	binary.LittleEndian.PutUint16(buf[virtio.RegQueueNotify:], h.QueueNotify)
	buf[virtio.RegDeviceStatus] = h.DeviceStatus
	buf[virtio.RegISRStatus] = h.ISRStatus

	return readLE(buf[offset:], width)
}

func readBlkConfig(c *Config, offset int, width int) uint32 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:], c.Capacity)
	binary.LittleEndian.PutUint32(buf[8:], c.SizeMax)
	binary.LittleEndian.PutUint32(buf[12:], c.SegMax)
	binary.LittleEndian.PutUint16(buf[16:], c.Cylinders)
	buf[18] = c.Heads
	buf[19] = c.Sectors
	binary.LittleEndian.PutUint32(buf[20:], c.BlkSize)

	if offset >= len(buf) {
		return 0
	}

	return readLE(buf[offset:], width)
}

func readLE(b []byte, width int) uint32 {
	var v uint32
	for i := 0; i < width && i < len(b); i++ {
		v |= uint32(b[i]) << (8 * i)
	}

	return v
}

// MBR is the 512-byte shim the device presents at sector 0: two
// partition entries, the second marked bootable, per spec.md §6's
// bit-exact layout requirement.
func MBR() [SectorSize]byte {
	var mbr [SectorSize]byte

	const (
		part1Off = 446
		part2Off = 462
		sigOff   = 510
	)

	// Partition 1: non-bootable, spans nothing (placeholder).
	mbr[part1Off] = 0x00

	// Partition 2: bootable, type 0x83 (Linux), starting at sector 1 so
	// the hypervised image can be written directly after it. Its sector
	// count field is left at zero.
	mbr[part2Off] = 0x80
	mbr[part2Off+4] = 0x83
	binary.LittleEndian.PutUint32(mbr[part2Off+8:], 1)

	mbr[sigOff] = 0x55
	mbr[sigOff+1] = 0xAA

	return mbr
}
