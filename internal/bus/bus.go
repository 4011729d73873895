package bus

import (
	"github.com/krns06/tiny-rv32ima-sim/internal/riscv32"
)

// Fixed memory map (spec §4.10 / §6). These addresses are baked into the
// guest firmware/device tree and must not drift.
const (
	ClintBase = 0x0200_0000
	ClintEnd  = 0x0201_0000
	PlicBase  = 0x0c00_0000
	PlicEnd   = 0x1000_0000
	UartBase  = 0x1000_0000
	UartEnd   = 0x1000_0100
	NetBase   = 0x1000_8000
	NetEnd    = 0x1000_9000
	GPUBase   = 0x1000_9000
	GPUEnd    = 0x1080_a000
	RAMBase   = 0x8000_0000
)

// plicInterrupter is the extra capability the PLIC exposes to the bus
// beyond the plain Device interface, so Tick/PrepareInterrupt can drive
// its claim/complete/raise_interrupt protocol directly (spec §4.5/§4.10).
// Defined locally (not imported from package soc) to keep bus from
// depending on its own device implementations.
type plicInterrupter interface {
	SetPending(irq uint32)
	RaiseInterrupt(csr *riscv32.CSR) (riscv32.Privilege, bool)
	DeviceForIRQ(irq uint32) (Device, bool)
	ClaimCandidate() uint32
}

type mapping struct {
	base, end uint32
	dev       Device
}

// Bus dispatches physical address ranges to RAM or a registered device,
// and aggregates device IRQ assertions into a FIFO deferred queue from
// which at most one IRQ is drained per Tick (spec §9 "Deferred IRQ raising").
type Bus struct {
	RAM      *RAM
	mappings []mapping
	plic     plicInterrupter

	pendingIRQs []uint32
}

// NewBus constructs a bus with size bytes of RAM at RAMBase.
func NewBus(ramSize int) *Bus {
	return &Bus{RAM: NewRAM(ramSize)}
}

// AddDevice registers a device over [base, end).
func (b *Bus) AddDevice(base, end uint32, dev Device) {
	b.mappings = append(b.mappings, mapping{base: base, end: end, dev: dev})
}

// AddPLIC registers the PLIC both as a normal MMIO device and as the
// bus's IRQ-aggregation target.
func (b *Bus) AddPLIC(base, end uint32, plic interface {
	Device
	plicInterrupter
}) {
	b.AddDevice(base, end, plic)
	b.plic = plic
}

func (b *Bus) find(pa uint32) (mapping, bool) {
	for _, m := range b.mappings {
		if pa >= m.base && pa < m.end {
			return m, true
		}
	}
	return mapping{}, false
}

// Read implements riscv32.Bus.
func (b *Bus) Read(pa uint32, size int, csr *riscv32.CSR) (uint32, error) {
	if pa >= RAMBase && uint64(pa)+uint64(size) <= RAMBase+uint64(len(b.RAM.Data)) {
		return b.RAM.read(pa-RAMBase, size)
	}
	if m, ok := b.find(pa); ok {
		return m.dev.Read(pa-m.base, size, csr)
	}
	return 0, riscv32.Exception(riscv32.CauseLoadAccessFault, pa)
}

// Write implements riscv32.Bus.
func (b *Bus) Write(pa uint32, size int, value uint32, csr *riscv32.CSR) error {
	if pa >= RAMBase && uint64(pa)+uint64(size) <= RAMBase+uint64(len(b.RAM.Data)) {
		return b.RAM.write(pa-RAMBase, size, value)
	}
	m, ok := b.find(pa)
	if !ok {
		return riscv32.Exception(riscv32.CauseStoreAccessFault, pa)
	}
	resp, err := m.dev.Write(pa-m.base, size, value, csr)
	if err != nil {
		return err
	}
	if resp.Interrupting {
		b.enqueueIRQ(m.dev.IRQ())
	}
	return nil
}

func (b *Bus) enqueueIRQ(irq uint32) {
	if irq == 0 {
		return
	}
	b.pendingIRQs = append(b.pendingIRQs, irq)
}

// Tick advances every device by one simulated tick, drains at most one
// deferred IRQ into the PLIC, and asserts the resulting mip bit.
//
// Per spec §9's documented open question: whenever the PLIC has no
// qualifying IRQ to raise, this clears mip.SEIP, even if software had
// just written SEIP directly via the SIP CSR/MMIO path. That is preserved
// faithfully rather than "fixed" — see DESIGN.md.
func (b *Bus) Tick(prv riscv32.Privilege, csr *riscv32.CSR) error {
	if !csr.CanExternalInterrupt(prv) {
		return nil
	}

	for _, m := range b.mappings {
		resp, err := m.dev.Tick(csr)
		if err != nil {
			return err
		}
		if resp.Interrupting {
			b.enqueueIRQ(m.dev.IRQ())
		}
	}

	if len(b.pendingIRQs) > 0 {
		irq := b.pendingIRQs[0]
		b.pendingIRQs = b.pendingIRQs[1:]
		if b.plic != nil {
			b.plic.SetPending(irq)
		}
	}

	if b.plic == nil {
		return nil
	}
	if raisedPrv, ok := b.plic.RaiseInterrupt(csr); ok {
		csr.SetExternalIRQ(raisedPrv, true)
		return nil
	}
	csr.SetExternalIRQ(riscv32.PrivSupervisor, false)
	return nil
}

// PrepareInterrupt locates the device behind the PLIC's outstanding
// supervisor-context claim candidate and calls its TakeInterrupt, per
// spec §4.10. It is invoked by the trap machinery just before entering a
// supervisor-external-interrupt handler, ahead of the guest's own CLAIM
// register read.
func (b *Bus) PrepareInterrupt() {
	if b.plic == nil {
		return
	}
	irq := b.plic.ClaimCandidate()
	if irq == 0 {
		return
	}
	if dev, ok := b.plic.DeviceForIRQ(irq); ok {
		dev.TakeInterrupt()
	}
}
