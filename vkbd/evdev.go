package vkbd

import (
	"github.com/gvalkov/golang-evdev"
)

// scancodeSet1 maps a subset of Linux evdev key codes to their PC/AT
// scan code set 1 "make" byte; the high bit set on the same byte is
// the corresponding "break" (key release) code, as i8042 hardware
// delivers it.
var scancodeSet1 = map[uint16]byte{
	evdev.KEY_ESC:        0x01,
	evdev.KEY_1:          0x02,
	evdev.KEY_2:          0x03,
	evdev.KEY_3:          0x04,
	evdev.KEY_4:          0x05,
	evdev.KEY_5:          0x06,
	evdev.KEY_6:          0x07,
	evdev.KEY_7:          0x08,
	evdev.KEY_8:          0x09,
	evdev.KEY_9:          0x0a,
	evdev.KEY_0:          0x0b,
	evdev.KEY_MINUS:      0x0c,
	evdev.KEY_EQUAL:      0x0d,
	evdev.KEY_BACKSPACE:  0x0e,
	evdev.KEY_TAB:        0x0f,
	evdev.KEY_Q:          0x10,
	evdev.KEY_W:          0x11,
	evdev.KEY_E:          0x12,
	evdev.KEY_R:          0x13,
	evdev.KEY_T:          0x14,
	evdev.KEY_Y:          0x15,
	evdev.KEY_U:          0x16,
	evdev.KEY_I:          0x17,
	evdev.KEY_O:          0x18,
	evdev.KEY_P:          0x19,
	evdev.KEY_ENTER:      0x1c,
	evdev.KEY_LEFTCTRL:   0x1d,
	evdev.KEY_A:          0x1e,
	evdev.KEY_S:          0x1f,
	evdev.KEY_D:          0x20,
	evdev.KEY_F:          0x21,
	evdev.KEY_G:          0x22,
	evdev.KEY_H:          0x23,
	evdev.KEY_J:          0x24,
	evdev.KEY_K:          0x25,
	evdev.KEY_L:          0x26,
	evdev.KEY_LEFTSHIFT:  0x2a,
	evdev.KEY_Z:          0x2c,
	evdev.KEY_X:          0x2d,
	evdev.KEY_C:          0x2e,
	evdev.KEY_V:          0x2f,
	evdev.KEY_B:          0x30,
	evdev.KEY_N:          0x31,
	evdev.KEY_M:          0x32,
	evdev.KEY_RIGHTSHIFT: 0x36,
	evdev.KEY_LEFTALT:    0x38,
	evdev.KEY_SPACE:      0x39,
}

// Scancode translates a host evdev key code to its set-1 make byte,
// reporting false for codes outside the table (extended/media keys
// this emulation does not model).
func Scancode(code uint16) (byte, bool) {
	sc, ok := scancodeSet1[code]

	return sc, ok
}

// EvdevSource drains a host keyboard device and injects translated
// scan codes into a Controller, mirroring vkbd_sync_kbd's drain of the
// host's own port 0x60 in the original source, adapted here to read
// through the Linux evdev interface instead of a raw host i8042.
type EvdevSource struct {
	dev  *evdev.InputDevice
	ctrl *Controller
}

// OpenEvdevSource opens the host input device at path and wires it to
// ctrl.
func OpenEvdevSource(path string, ctrl *Controller) (*EvdevSource, error) {
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, err
	}

	return &EvdevSource{dev: dev, ctrl: ctrl}, nil
}

// Run drains events until the device is closed or an error occurs. It
// is meant to run in its own goroutine, one per host input device.
func (s *EvdevSource) Run() error {
	for {
		ev, err := s.dev.ReadOne()
		if err != nil {
			return err
		}

		if ev.Type != evdev.EV_KEY {
			continue
		}

		sc, ok := Scancode(ev.Code)
		if !ok {
			continue
		}

		const (
			keyUp   = 0
			keyDown = 1
			// keyRepeat (value 2) is delivered as another "down"
			// make code, matching typematic behavior.
		)

		if ev.Value == keyUp {
			s.ctrl.InjectKey(sc | 0x80)
		} else {
			s.ctrl.InjectKey(sc)
		}
	}
}

// Close releases the underlying device handle.
func (s *EvdevSource) Close() error { return s.dev.File.Close() }
