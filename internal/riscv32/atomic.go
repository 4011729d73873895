package riscv32

// execAMO implements the AMO opcode group (spec §4.11). paddr is the
// already MMU-translated physical address; funct5 is bits [31:27] of the
// instruction. aq/rl are accepted but ignored (single hart).
func (c *CPU) execAMO(insn, paddr uint32) error {
	if paddr&0x3 != 0 {
		return Exception(CauseStoreAddrMisaligned, paddr)
	}

	funct5 := decodeFunct7(insn) >> 2
	rd := decodeRd(insn)
	rs2 := c.ReadReg(decodeRs2(insn))

	switch funct5 {
	case 0b00010: // LR.W
		old, err := c.Bus.Read(paddr, 4, &c.CSR)
		if err != nil {
			return err
		}
		c.ReservationValid = true
		c.Reservation = paddr
		c.WriteReg(rd, old)
		return nil
	case 0b00011: // SC.W
		if c.ReservationValid && c.Reservation == paddr {
			if err := c.Bus.Write(paddr, 4, rs2, &c.CSR); err != nil {
				return err
			}
			c.WriteReg(rd, 0)
		} else {
			c.WriteReg(rd, 1)
		}
		c.ReservationValid = false
		return nil
	}

	old, err := c.Bus.Read(paddr, 4, &c.CSR)
	if err != nil {
		return err
	}

	var result uint32
	switch funct5 {
	case 0b00001: // AMOSWAP
		result = rs2
	case 0b00000: // AMOADD
		result = old + rs2
	case 0b00100: // AMOXOR
		result = old ^ rs2
	case 0b01100: // AMOAND
		result = old & rs2
	case 0b01000: // AMOOR
		result = old | rs2
	case 0b10000: // AMOMIN
		if int32(old) < int32(rs2) {
			result = old
		} else {
			result = rs2
		}
	case 0b10100: // AMOMAX
		if int32(old) > int32(rs2) {
			result = old
		} else {
			result = rs2
		}
	case 0b11000: // AMOMINU
		if old < rs2 {
			result = old
		} else {
			result = rs2
		}
	case 0b11100: // AMOMAXU
		if old > rs2 {
			result = old
		} else {
			result = rs2
		}
	default:
		return unimplementedInsn(c.PC, insn)
	}

	if err := c.Bus.Write(paddr, 4, result, &c.CSR); err != nil {
		return err
	}
	c.ReservationValid = false
	c.WriteReg(rd, old)
	return nil
}
