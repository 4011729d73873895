package riscv32

// RV32 opcode groups (bits [6:2] including the mandatory 0b11 in [1:0]).
const (
	opLoad     = 0b0000011
	opMiscMem  = 0b0001111
	opOpImm    = 0b0010011
	opAuipc    = 0b0010111
	opStore    = 0b0100011
	opAmo      = 0b0101111
	opOp       = 0b0110011
	opLui      = 0b0110111
	opBranch   = 0b1100011
	opJalr     = 0b1100111
	opJal      = 0b1101111
	opSystem   = 0b1110011
)

func decodeOpcode(insn uint32) uint32 { return insn & 0x7f }
func decodeRd(insn uint32) uint32     { return (insn >> 7) & 0x1f }
func decodeFunct3(insn uint32) uint32 { return (insn >> 12) & 0x7 }
func decodeRs1(insn uint32) uint32    { return (insn >> 15) & 0x1f }
func decodeRs2(insn uint32) uint32    { return (insn >> 20) & 0x1f }
func decodeFunct7(insn uint32) uint32 { return (insn >> 25) & 0x7f }

func immI(insn uint32) uint32 { return signExtend(insn>>20, 12) }

func immS(insn uint32) uint32 {
	v := ((insn >> 25) << 5) | ((insn >> 7) & 0x1f)
	return signExtend(v, 12)
}

func immB(insn uint32) uint32 {
	v := ((insn >> 31) << 12) |
		(((insn >> 7) & 0x1) << 11) |
		(((insn >> 25) & 0x3f) << 5) |
		(((insn >> 8) & 0xf) << 1)
	return signExtend(v, 13)
}

func immU(insn uint32) uint32 { return insn &^ 0xfff }

func immJ(insn uint32) uint32 {
	v := ((insn >> 31) << 20) |
		(((insn >> 12) & 0xff) << 12) |
		(((insn >> 20) & 0x1) << 11) |
		(((insn >> 21) & 0x3ff) << 1)
	return signExtend(v, 21)
}
