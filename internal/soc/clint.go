// Package soc implements the minimal SoC peripherals: CLINT, PLIC, and a
// 16550-subset UART, each as a bus.Device.
package soc

import (
	"github.com/krns06/tiny-rv32ima-sim/internal/bus"
	"github.com/krns06/tiny-rv32ima-sim/internal/riscv32"
)

// CLINT is the MMIO window onto msip and the CSR file's mtimecmp (spec
// §4.4). msip/mtimecmp live on the CSR: writes here forward into it and
// reads answer from it. The msip field only keeps a copy of the last
// value written.
type CLINT struct {
	msip bool
}

var _ bus.Device = (*CLINT)(nil)

func (c *CLINT) Size() uint32         { return 0x10000 }
func (c *CLINT) IRQ() uint32          { return 0 } // CLINT never raises through the PLIC
func (c *CLINT) TakeInterrupt()       {}
func (c *CLINT) Tick(*riscv32.CSR) (bus.Response, error) { return bus.Response{}, nil }

func (c *CLINT) Read(offset uint32, size int, csr *riscv32.CSR) (uint32, error) {
	if size != 4 {
		return 0, riscv32.Exception(riscv32.CauseLoadAccessFault, offset)
	}
	switch offset {
	case 0x0000:
		return boolToU32(csr.MSIP()), nil
	case 0x4000:
		return uint32(csr.Mtimecmp), nil
	case 0x4004:
		return uint32(csr.Mtimecmp >> 32), nil
	default:
		return 0, riscv32.Exception(riscv32.CauseLoadAccessFault, offset)
	}
}

func (c *CLINT) Write(offset uint32, size int, value uint32, csr *riscv32.CSR) (bus.Response, error) {
	if size != 4 {
		return bus.Response{}, riscv32.Exception(riscv32.CauseStoreAccessFault, offset)
	}
	switch offset {
	case 0x0000:
		c.msip = value&0x1 != 0
		csr.SetMSIP(c.msip)
	case 0x4000:
		csr.SetMtimecmpLo(value)
	case 0x4004:
		csr.SetMtimecmpHi(value)
	default:
		return bus.Response{}, riscv32.Exception(riscv32.CauseStoreAccessFault, offset)
	}
	return bus.Response{}, nil
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
