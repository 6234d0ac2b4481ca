// Package vkbd implements the i8042 keyboard controller and its two
// PS/2 channels (keyboard, auxiliary/mouse) described in spec.md §4.7,
// ported from the teacher corpus's reference implementation
// (original_source/sys/virt/dev/kbd.c). The ps2.c FIFO that file calls
// into is not present anywhere in the retrieval pack, so the channel
// implementation here (ps2.go) is a from-scratch reconstruction of the
// interface kbd.c assumes rather than a direct port.
package vkbd

// I/O ports the controller claims.
const (
	DataPort   = 0x60
	StatusPort = 0x64
	CmdPort    = 0x64

	IRQKbd = 1
	IRQAux = 12
)

// Status register bits (read from StatusPort).
const (
	StatusOBF     = 1 << 0 // output buffer full: a byte is waiting at 0x60
	StatusIBF     = 1 << 1 // input buffer full: controller busy with cmd/data
	StatusSysFlag = 1 << 2
	StatusCmdData = 1 << 3 // last byte written to 0x60/0x64 was a command
	StatusAuxOBF  = 1 << 5 // the waiting output byte is from the aux channel
	StatusTimeout = 1 << 6
	StatusParity  = 1 << 7
)

// Mode (command byte) bits.
const (
	ModeKBDInt     = 1 << 0
	ModeAuxInt     = 1 << 1
	ModeSysFlag    = 1 << 2
	ModeDisableKBD = 1 << 4
	ModeDisableAux = 1 << 5
	ModeTranslate  = 1 << 6
)

// Controller commands, written to CmdPort.
const (
	cmdReadMode     = 0x20
	cmdWriteMode    = 0x60
	cmdAuxDisable   = 0xA7
	cmdAuxEnable    = 0xA8
	cmdAuxTest      = 0xA9
	cmdSelfTest     = 0xAA
	cmdKBDTest      = 0xAB
	cmdKBDDisable   = 0xAD
	cmdKBDEnable    = 0xAE
	cmdReadInport   = 0xC0
	cmdReadOutport  = 0xD0
	cmdWriteOutport = 0xD1
	cmdWriteObuf    = 0xD2
	cmdWriteAuxObuf = 0xD3
	cmdWriteAux     = 0xD4
)

// Well-known controller response bytes.
const (
	selfTestOK = 0x55
	kbdTestOK  = 0x00
	ack        = 0xFA
)

// IRQRaiser asserts a guest IR line.
type IRQRaiser func(line uint8, level bool)

// Controller is the i8042 state machine: status/mode registers, the
// pending-command latch, and the keyboard/aux PS2 channels.
type Controller struct {
	mode      uint8
	outport   uint8
	pendingFn uint8 // non-zero while a WRITE_* command awaits its data byte
	kbd       *ps2Channel
	aux       *ps2Channel

	raiseIRQ IRQRaiser
}

// New returns a freshly reset controller.
func New(raiseIRQ IRQRaiser) *Controller {
	c := &Controller{
		mode:     ModeKBDInt | ModeAuxInt,
		outport:  0x01 | 0x02, // A20 gate + reset line, both deasserted-active-high
		kbd:      newPS2Channel(),
		aux:      newPS2Channel(),
		raiseIRQ: raiseIRQ,
	}

	return c
}

// IOPorts reports the fixed ports this device claims.
func IOPorts() []uint16 { return []uint16{DataPort, StatusPort} }

func (c *Controller) status() uint8 {
	s := uint8(0)

	if !c.kbd.empty() || !c.aux.empty() {
		s |= StatusOBF
	}

	if !c.aux.empty() {
		s |= StatusAuxOBF
	}

	s |= c.mode & ModeSysFlag

	return s
}

// updateIRQ mirrors vkbd_update_irq: raise KBD_IRQ while the keyboard
// channel has data and interrupts are enabled for it, likewise for AUX.
func (c *Controller) updateIRQ() {
	if c.raiseIRQ == nil {
		return
	}

	if !c.kbd.empty() && c.mode&ModeKBDInt != 0 {
		c.raiseIRQ(IRQKbd, true)
		c.raiseIRQ(IRQKbd, false)
	}

	if !c.aux.empty() && c.mode&ModeAuxInt != 0 {
		c.raiseIRQ(IRQAux, true)
		c.raiseIRQ(IRQAux, false)
	}
}

// In handles a guest IN from DataPort or StatusPort.
func (c *Controller) In(port uint16) uint8 {
	switch port {
	case StatusPort:
		return c.status()
	case DataPort:
		return c.readData()
	default:
		return 0xFF
	}
}

// readData drains the keyboard channel preferentially, mirroring
// vkbd_read_data, which always favors the keyboard channel unless the
// aux channel's byte is the only one pending.
func (c *Controller) readData() uint8 {
	if b, ok := c.kbd.read(); ok {
		return b
	}

	if b, ok := c.aux.read(); ok {
		return b
	}

	return 0
}

// Out handles a guest OUT to DataPort or CmdPort.
func (c *Controller) Out(port uint16, val uint8) {
	switch port {
	case CmdPort:
		c.writeCommand(val)
	case DataPort:
		c.writeData(val)
	}
}

// writeCommand implements vkbd_write_command's full command switch.
func (c *Controller) writeCommand(cmd uint8) {
	switch cmd {
	case cmdReadMode:
		c.kbd.queue(c.mode)

	case cmdWriteMode, cmdWriteObuf, cmdWriteAuxObuf, cmdWriteOutport, cmdWriteAux:
		c.pendingFn = cmd

	case cmdAuxDisable:
		c.mode |= ModeDisableAux
	case cmdAuxEnable:
		c.mode &^= ModeDisableAux
	case cmdAuxTest:
		c.aux.queue(0x00)

	case cmdSelfTest:
		c.kbd.queue(selfTestOK)
	case cmdKBDTest:
		c.kbd.queue(kbdTestOK)

	case cmdKBDDisable:
		c.mode |= ModeDisableKBD
	case cmdKBDEnable:
		c.mode &^= ModeDisableKBD

	case cmdReadInport:
		c.kbd.queue(0x00)
	case cmdReadOutport:
		c.kbd.queue(c.outport)

	default:
		// PULSE_BITS_3_0 (0xF0..0xFF): bit 0 clear means "pulse the
		// reset line", which this emulation does not implement; any
		// other pulse command is a no-op, matching kbd.c's behavior.
	}

	c.updateIRQ()
}

// writeData implements vkbd_write_data: dispatch on whatever command
// left pendingFn set, or inject straight into the keyboard channel.
func (c *Controller) writeData(val uint8) {
	switch c.pendingFn {
	case cmdWriteMode:
		c.mode = val
	case cmdWriteObuf:
		c.kbd.queue(val)
	case cmdWriteAuxObuf:
		c.aux.queue(val)
	case cmdWriteOutport:
		c.outport = val
	case cmdWriteAux:
		c.aux.queue(ack)
	default:
		c.kbd.queue(ack)
	}

	c.pendingFn = 0
	c.updateIRQ()
}

// InjectKey pushes a host-observed scancode byte into the guest's
// keyboard channel, as the evdev drain loop does for each translated
// key event.
func (c *Controller) InjectKey(scancode byte) {
	c.kbd.queue(scancode)
	c.updateIRQ()
}

// InjectMouse pushes a byte into the guest's aux channel.
func (c *Controller) InjectMouse(b byte) {
	c.aux.queue(b)
	c.updateIRQ()
}
