// Package bus implements the address-range-dispatching memory bus: RAM,
// CLINT, PLIC, UART, and the virtio-MMIO devices all sit behind the same
// Device interface, and the bus aggregates their IRQ assertions into a
// small per-tick deferred queue rather than letting them touch CSR state
// synchronously mid-instruction.
package bus

import "github.com/krns06/tiny-rv32ima-sim/internal/riscv32"

// Response is returned by a device's Write/Tick to report whether it
// wants to assert its IRQ line. The bus defers the actual mip update to
// the next Tick (see spec §4.10/§9 "Deferred IRQ raising").
type Response struct {
	Interrupting bool
}

// Device is the capability set every bus-mapped peripheral implements
// (spec §9 "Polymorphic device bus"). csr is passed explicitly on every
// call instead of being held by the device, so neither the bus nor its
// devices need a back-pointer to the hart.
type Device interface {
	Read(offset uint32, size int, csr *riscv32.CSR) (uint32, error)
	Write(offset uint32, size int, value uint32, csr *riscv32.CSR) (Response, error)
	// Tick is invoked once per bus.Tick to let a device make background
	// progress (e.g. draining a host input channel) and possibly assert
	// its IRQ. A returned error is always an *riscv32.AbortError: Tick
	// never produces an architectural trap, only a fatal simulator bug.
	Tick(csr *riscv32.CSR) (Response, error)
	Size() uint32
	// IRQ returns the device's fixed PLIC source number, or 0 if the
	// device never raises an IRQ (e.g. the CLINT, or the PLIC itself).
	IRQ() uint32
	// TakeInterrupt is called once the PLIC hands this device's IRQ to
	// software, per spec §4.10's prepare_interrupt.
	TakeInterrupt()
}
