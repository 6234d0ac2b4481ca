package vkbd_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mcertikos/hvm/vkbd"
)

type irqEvent struct {
	line  uint8
	level bool
}

func newTestController() (*vkbd.Controller, *[]irqEvent) {
	var events []irqEvent

	c := vkbd.New(func(line uint8, level bool) {
		events = append(events, irqEvent{line, level})
	})

	return c, &events
}

// TestKeyPressDeliversScancodeAndIRQ matches spec.md §8 scenario 5: a
// key press injects its scan code into the keyboard channel, the
// status register reports OBF, and IRQ1 is raised edge-triggered.
func TestKeyPressDeliversScancodeAndIRQ(t *testing.T) {
	c, events := newTestController()

	c.InjectKey(0x1e) // 'A' make code

	assert.Equal(t, byte(vkbd.StatusOBF), c.In(vkbd.StatusPort)&vkbd.StatusOBF)
	assert.Equal(t, byte(0x1e), c.In(vkbd.DataPort))
	assert.Equal(t, byte(0), c.In(vkbd.StatusPort)&vkbd.StatusOBF)

	if assert.NotEmpty(t, *events) {
		last := (*events)[len(*events)-1]
		assert.Equal(t, uint8(vkbd.IRQKbd), last.line)
	}
}

func TestSelfTestCommand(t *testing.T) {
	c, _ := newTestController()

	c.Out(vkbd.CmdPort, 0xAA)
	assert.Equal(t, byte(0x55), c.In(vkbd.DataPort))
}

func TestReadWriteModeRoundTrip(t *testing.T) {
	c, _ := newTestController()

	c.Out(vkbd.CmdPort, 0x60) // WRITE_MODE
	c.Out(vkbd.DataPort, vkbd.ModeKBDInt|vkbd.ModeSysFlag)

	c.Out(vkbd.CmdPort, 0x20) // READ_MODE
	assert.Equal(t, byte(vkbd.ModeKBDInt|vkbd.ModeSysFlag), c.In(vkbd.DataPort))
}

func TestAuxChannelIndependentOfKBD(t *testing.T) {
	c, _ := newTestController()

	c.InjectMouse(0x01)

	status := c.In(vkbd.StatusPort)
	assert.NotZero(t, status&vkbd.StatusAuxOBF)
	assert.Equal(t, byte(0x01), c.In(vkbd.DataPort))
}

func TestScancodeTranslationKnownKeys(t *testing.T) {
	sc, ok := vkbd.Scancode(30) // evdev.KEY_A == 30
	assert.True(t, ok)
	assert.Equal(t, byte(0x1e), sc)

	_, ok = vkbd.Scancode(0xffff)
	assert.False(t, ok)
}
