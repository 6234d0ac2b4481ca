package vpic

// Standard i8259 port assignments (IBM PC/AT).
const (
	Pic1Cmd  = 0x20
	Pic1Data = 0x21
	Pic2Cmd  = 0xA0
	Pic2Data = 0xA1
	Elcr1    = 0x4D0
	Elcr2    = 0x4D1

	// SlaveCascadeIRQ is the master's IR line the slave's INT pin is
	// wired to.
	SlaveCascadeIRQ = 2
)

// Vpic is the cascaded master/slave 8259A pair, per spec.md §4.3.
type Vpic struct {
	master i8259
	slave  i8259
}

// New returns a freshly reset PIC pair; neither chip is Ready until its
// ICW sequence completes.
func New() *Vpic {
	v := &Vpic{}
	v.master.master = true
	v.slave.master = false
	v.master.reset(false)
	v.slave.reset(false)

	return v
}

func (v *Vpic) chipFor(port uint16) (*i8259, bool) {
	switch port {
	case Pic1Cmd, Pic1Data:
		return &v.master, true
	case Pic2Cmd, Pic2Data:
		return &v.slave, true
	default:
		return nil, false
	}
}

// IOPorts is every port this device claims, for registration with the
// VM's iodev table.
func IOPorts() []uint16 {
	return []uint16{Pic1Cmd, Pic1Data, Pic2Cmd, Pic2Data, Elcr1, Elcr2}
}

// Out handles a guest OUT to one of the PIC's six I/O ports.
func (v *Vpic) Out(port uint16, data uint8) {
	switch port {
	case Elcr1:
		v.master.elcr = data
	case Elcr2:
		v.slave.elcr = data
	default:
		chip, ok := v.chipFor(port)
		if !ok {
			return
		}

		if port == Pic1Cmd || port == Pic2Cmd {
			chip.writeCommand(data)
		} else {
			chip.writeData(data)
		}
	}
}

// In handles a guest IN from one of the PIC's six I/O ports.
func (v *Vpic) In(port uint16) uint8 {
	switch port {
	case Elcr1:
		return v.master.elcr
	case Elcr2:
		return v.slave.elcr
	default:
		chip, ok := v.chipFor(port)
		if !ok {
			return 0xFF
		}

		if port == Pic1Cmd || port == Pic2Cmd {
			return chip.readCommandPort()
		}

		return chip.readDataPort()
	}
}

// SetIRQ raises or lowers IR line irq (0..15). Lines 8..15 belong to the
// slave and, when asserted, also raise the master's cascade line 2.
func (v *Vpic) SetIRQ(irq int, level bool) {
	if irq < 8 {
		v.master.setIRQ(irq, level)

		return
	}

	v.slave.setIRQ(irq-8, level)
	if v.slave.intOut {
		v.master.setIRQ(SlaveCascadeIRQ, true)
	}
}

// HasIRQ reports whether the master chip's INT output line is asserted.
func (v *Vpic) HasIRQ() bool { return v.master.intOut }

// ReadIRQ performs the INTA cycle: it resolves the highest-priority
// pending IR, walking into the slave when the master's winner is the
// cascade line, and returns the absolute interrupt vector
// (irq_base + irq). It mutates ISR/IRR via intack, mirroring hardware.
func (v *Vpic) ReadIRQ() int {
	irq := v.master.getIRQ()
	if irq < 0 {
		irq = 7 // spurious IRQ on master

		return int(v.master.irqBase) + irq
	}

	var intno int

	if irq == SlaveCascadeIRQ {
		irq2 := v.slave.getIRQ()
		if irq2 < 0 {
			irq2 = 7 // spurious IRQ on slave
		} else {
			v.slave.intack(irq2)
		}

		intno = int(v.slave.irqBase) + irq2
	} else {
		intno = int(v.master.irqBase) + irq
	}

	v.master.intack(irq)

	return intno
}

// IsReady reports whether both chips have completed their ICW sequence.
func (v *Vpic) IsReady() bool { return v.master.ready && v.slave.ready }

// IRQBase exposes the configured vector base of the chip that owns irq
// (the master for 0..7, the slave for 8..15).
func (v *Vpic) IRQBase(irq int) uint8 {
	if irq < 8 {
		return v.master.irqBase
	}

	return v.slave.irqBase
}
