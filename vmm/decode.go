package vmm

import "golang.org/x/arch/x86/x86asm"

// DecodeSwint disassembles the bytes at the guest's faulting CS:RIP and,
// if they are a software-interrupt instruction (INT imm8 or INT3),
// returns the interrupt vector and the instruction's length so the
// dispatcher can both identify the vector to re-inject and skip past
// it. code must start exactly at the faulting byte; real-mode and
// 32-bit protected-mode guests are both 16/32-bit decodes, selected by
// mode (16 or 32).
func DecodeSwint(code []byte, mode int) (vector uint8, length int, ok bool) {
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return 0, 0, false
	}

	switch inst.Op {
	case x86asm.INT3:
		return 3, inst.Len, true

	case x86asm.INT:
		imm, isImm := inst.Args[0].(x86asm.Imm)
		if !isImm {
			return 0, 0, false
		}

		return uint8(imm), inst.Len, true

	default:
		return 0, 0, false
	}
}
