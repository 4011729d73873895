package soc

import (
	"github.com/krns06/tiny-rv32ima-sim/internal/bus"
	"github.com/krns06/tiny-rv32ima-sim/internal/riscv32"
)

// 16550 register offsets (mod 0x100, spec §4.6).
const (
	uartRBRTHR = 0
	uartIERDLM = 1
	uartIIR    = 2
	uartLCR    = 3
	uartLSR    = 5
)

// IER bits.
const (
	ierERBFI = 1 << 0 // enable receiver-data-available interrupt
	ierETBEI = 1 << 1 // enable transmitter-holding-register-empty interrupt
)

// IIR cause codes.
const (
	iirNoInterrupt = 0x01
	iirTHRE        = 0x02
	iirRDA         = 0x04
)

// LSR bits.
const (
	lsrDR   = 1 << 0
	lsrTHRE = 1 << 5
	lsrTEMT = 1 << 6
)

const lcrDLAB = 1 << 7

// rxFIFODepth is a supplemented detail not specified exactly by the spec
// (which only says "a small FIFO"); 16 bytes matches a real 16550A.
const rxFIFODepth = 16

// HostChannel is the UART's connection to the outside world: bytes
// written by the guest go out via Output, and Input is drained for
// bytes typed by the host, one per Tick (spec §4.6 "per-tick").
type HostChannel interface {
	Output(b byte)
	// Input returns the next host-typed byte and true, or false if none
	// is waiting.
	Input() (byte, bool)
}

// UART is a 16550-subset serial port (spec §4.6).
type UART struct {
	host HostChannel

	ier byte
	iir byte
	lcr byte
	lsr byte

	dll, dlm byte

	isInterrupting bool
	isTaken        bool

	rx    [rxFIFODepth]byte
	rxLen int
}

var _ bus.Device = (*UART)(nil)

// NewUART constructs a UART wired to host.
func NewUART(host HostChannel) *UART {
	u := &UART{host: host}
	u.lsr = lsrTHRE | lsrTEMT
	u.iir = iirNoInterrupt
	return u
}

func (u *UART) Size() uint32   { return bus.UartEnd - bus.UartBase }
func (u *UART) IRQ() uint32    { return 0xa }
func (u *UART) TakeInterrupt() { u.isTaken = true }

func (u *UART) dlab() bool { return u.lcr&lcrDLAB != 0 }

// IsTaken reports whether TakeInterrupt has been called since the last
// interrupt was raised (spec §4.10's claim-before-trap-entry protocol).
func (u *UART) IsTaken() bool { return u.isTaken }

func (u *UART) Read(offset uint32, size int, csr *riscv32.CSR) (uint32, error) {
	if size != 1 {
		return 0, riscv32.Exception(riscv32.CauseLoadAccessFault, offset)
	}
	switch offset % 0x100 {
	case uartRBRTHR:
		if u.dlab() {
			return uint32(u.dll), nil
		}
		return uint32(u.consumeRBR()), nil
	case uartIERDLM:
		if u.dlab() {
			return uint32(u.dlm), nil
		}
		return uint32(u.ier), nil
	case uartIIR:
		iir := u.iir
		if u.isTaken && iir == iirTHRE {
			u.lower()
		}
		return uint32(iir), nil
	case uartLCR:
		return uint32(u.lcr), nil
	case uartLSR:
		return uint32(u.lsr), nil
	default:
		return 0, nil
	}
}

func (u *UART) consumeRBR() byte {
	if u.rxLen == 0 {
		return 0
	}
	b := u.rx[0]
	copy(u.rx[:], u.rx[1:u.rxLen])
	u.rxLen--
	if u.rxLen == 0 {
		u.lsr &^= lsrDR
	}
	if u.isInterrupting && u.iir == iirRDA {
		u.lower()
	}
	return b
}

func (u *UART) Write(offset uint32, size int, value uint32, csr *riscv32.CSR) (bus.Response, error) {
	if size != 1 {
		return bus.Response{}, riscv32.Exception(riscv32.CauseStoreAccessFault, offset)
	}
	b := byte(value)
	switch offset % 0x100 {
	case uartRBRTHR:
		if u.dlab() {
			u.dll = b
			return bus.Response{}, nil
		}
		u.host.Output(b)
		if u.ier&ierETBEI != 0 {
			return u.raise(iirTHRE), nil
		}
	case uartIERDLM:
		if u.dlab() {
			u.dlm = b
			return bus.Response{}, nil
		}
		prev := u.ier
		u.ier = b
		if u.ier&ierETBEI != 0 && prev&ierETBEI == 0 {
			return u.raise(iirTHRE), nil
		}
		if u.ier&ierETBEI == 0 && prev&ierETBEI != 0 && u.iir == iirTHRE {
			u.lower()
		}
	case uartLCR:
		u.lcr = b
	default:
	}
	return bus.Response{}, nil
}

// raise implements the interrupt-lifecycle entry point (spec §4.6): sets
// is_interrupting, clears is_taken, latches the cause into IIR, and
// reports the assertion to the bus.
func (u *UART) raise(cause byte) bus.Response {
	u.isInterrupting = true
	u.isTaken = false
	u.iir = cause
	return bus.Response{Interrupting: true}
}

// lower clears the interrupt and resets IIR/LSR to the idle pattern.
func (u *UART) lower() {
	u.isInterrupting = false
	u.isTaken = false
	u.iir = iirNoInterrupt
	u.lsr = lsrTHRE | lsrTEMT
}

// Tick drains at most one byte from the host input channel into the RX
// FIFO and, if not already interrupting and ERBFI is enabled, surfaces
// it as a received-data-available interrupt (spec §4.6).
func (u *UART) Tick(csr *riscv32.CSR) (bus.Response, error) {
	if b, ok := u.host.Input(); ok && u.rxLen < rxFIFODepth {
		u.rx[u.rxLen] = b
		u.rxLen++
	}
	if u.isInterrupting || u.rxLen == 0 || u.ier&ierERBFI == 0 {
		return bus.Response{}, nil
	}
	u.lsr |= lsrDR
	return u.raise(iirRDA), nil
}
