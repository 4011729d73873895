// Package riscv32 implements the RV32IMA instruction decoder/executor, the
// privileged CSR file, and the Sv32 MMU for a single-hart simulator.
package riscv32

import "encoding/binary"

var endian = binary.LittleEndian

// RAMBase is the guest-physical base of main RAM. Program loaders place
// images relative to this address.
const RAMBase = 0x8000_0000

// DTBPointer is the fixed device-tree-blob address the boot convention
// latches into x11 at reset; a loader that places a DTB image belongs here.
const DTBPointer = 0x8010_0000

// Bus is the interface the CPU/MMU use to reach the rest of the system.
// It is defined here (the consumer) rather than in package bus, so that
// riscv32 never imports bus — avoiding the cyclic dependency a bus that
// mutates CSR state would otherwise create. A *CSR is threaded through
// every call per the "pass the CSR as an explicit context argument"
// design note: neither the CPU nor the bus owns the other permanently.
type Bus interface {
	Read(pa uint32, size int, csr *CSR) (uint32, error)
	Write(pa uint32, size int, value uint32, csr *CSR) error
}

// CPU holds all hart-architectural state: the integer register file, PC,
// current privilege, the CSR file, the TLB, and the LR/SC reservation.
type CPU struct {
	X  [32]uint32
	PC uint32

	Priv Privilege
	CSR  CSR
	TLB  TLB

	ReservationValid bool
	Reservation      uint32

	Bus Bus
}

// NewCPU constructs a hart in its architectural reset state: privilege
// Machine, PC at RAMBase, x11 carrying the device-tree-blob convention
// pointer, all other GPRs zero.
func NewCPU(bus Bus) *CPU {
	c := &CPU{Bus: bus}
	c.Reset()
	return c
}

// Reset returns the hart to its architectural defaults (§3 "Lifecycles").
func (c *CPU) Reset() {
	c.X = [32]uint32{}
	c.PC = RAMBase
	c.Priv = PrivMachine
	c.CSR = CSR{}
	c.CSR.reset()
	c.TLB.Flush()
	c.ReservationValid = false
	c.Reservation = 0
	c.X[11] = DTBPointer
}

// ReadReg returns the value of integer register i; x0 is hard-wired to 0.
func (c *CPU) ReadReg(i uint32) uint32 {
	if i == 0 {
		return 0
	}
	return c.X[i]
}

// WriteReg sets integer register i; writes to x0 are silently dropped.
func (c *CPU) WriteReg(i uint32, v uint32) {
	if i == 0 {
		return
	}
	c.X[i] = v
}

func signExtend(v uint32, bits int) uint32 {
	shift := uint(32 - bits)
	return uint32(int32(v<<shift) >> shift)
}
