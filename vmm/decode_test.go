package vmm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mcertikos/hvm/vmm"
)

func TestDecodeSwintINTImm8(t *testing.T) {
	// int 0x21
	code := []byte{0xCD, 0x21, 0x90}

	vector, length, ok := vmm.DecodeSwint(code, 16)
	assert.True(t, ok)
	assert.Equal(t, uint8(0x21), vector)
	assert.Equal(t, 2, length)
}

func TestDecodeSwintINT3(t *testing.T) {
	code := []byte{0xCC, 0x90}

	vector, length, ok := vmm.DecodeSwint(code, 32)
	assert.True(t, ok)
	assert.Equal(t, uint8(3), vector)
	assert.Equal(t, 1, length)
}

func TestDecodeSwintRejectsOtherInstructions(t *testing.T) {
	// hlt
	code := []byte{0xF4}

	_, _, ok := vmm.DecodeSwint(code, 32)
	assert.False(t, ok)
}
