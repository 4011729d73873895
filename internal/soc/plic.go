package soc

import (
	"github.com/krns06/tiny-rv32ima-sim/internal/bus"
	"github.com/krns06/tiny-rv32ima-sim/internal/riscv32"
)

// IRQCount is the fixed number of external IRQ sources the PLIC tracks
// (spec §4.5: "IRQ_COUNT fixed small; the source uses 32").
const IRQCount = 32

// contextCount is fixed at 2: Machine (ctx 0) and Supervisor (ctx 1).
// Per spec §9 REDESIGN FLAGS this is a deliberate simplification —
// hypervisor-style extra contexts are out of scope.
const contextCount = 2

const (
	plicPriorityEnd   = IRQCount * 4      // 0x0000..0x0080
	plicEnableBase    = 0x2000
	plicEnableStride  = 0x80
	plicThresholdBase = 0x200000
	plicContextStride = 0x1000
	plicClaimOffset   = 4 // offset within a context's 0x1000 region
)

// irqSource is the registration the bus records for each device so the
// PLIC can hand TakeInterrupt back to the right device on claim.
type irqSource struct {
	irq uint32
	dev bus.Device
}

// PLIC is the platform-level interrupt controller (spec §4.5): per-IRQ
// priority/pending, per-context enable/threshold, and a single
// outstanding claim.
type PLIC struct {
	priority [IRQCount]uint32
	pending  [IRQCount]bool
	enable   [contextCount][IRQCount]bool
	threshold [contextCount]uint32

	claimValid bool
	claimIRQ   uint32
	claimCtx   int

	sources []irqSource
}

var _ bus.Device = (*PLIC)(nil)

// NewPLIC constructs an empty PLIC.
func NewPLIC() *PLIC { return &PLIC{} }

// RegisterSource associates an IRQ number with the device that owns it,
// so DeviceForIRQ can route TakeInterrupt on claim. Called once per
// device during machine wiring.
func (p *PLIC) RegisterSource(irq uint32, dev bus.Device) {
	p.sources = append(p.sources, irqSource{irq: irq, dev: dev})
}

func (p *PLIC) Size() uint32   { return bus.PlicEnd - bus.PlicBase }
func (p *PLIC) IRQ() uint32    { return 0 } // the PLIC itself never raises through itself
func (p *PLIC) TakeInterrupt() {}
func (p *PLIC) Tick(*riscv32.CSR) (bus.Response, error) { return bus.Response{}, nil }

// SetPending marks irq pending; called by the bus when a device asserts.
func (p *PLIC) SetPending(irq uint32) {
	if irq == 0 || irq >= IRQCount {
		return
	}
	p.pending[irq] = true
}

// DeviceForIRQ returns the device registered for irq, if any.
func (p *PLIC) DeviceForIRQ(irq uint32) (bus.Device, bool) {
	for _, s := range p.sources {
		if s.irq == irq {
			return s.dev, true
		}
	}
	return nil, false
}

// best selects, among pending IRQs enabled for ctx and above its
// threshold, the highest-priority one (ties broken by lowest IRQ
// number). Returns 0 if none qualifies.
func (p *PLIC) best(ctx int) uint32 {
	var bestIRQ uint32
	var bestPrio uint32
	for i := uint32(1); i < IRQCount; i++ {
		if !p.pending[i] || !p.enable[ctx][i] {
			continue
		}
		prio := p.priority[i]
		if prio <= p.threshold[ctx] {
			continue
		}
		if bestIRQ == 0 || prio > bestPrio {
			bestIRQ = i
			bestPrio = prio
		}
	}
	return bestIRQ
}

// RaiseInterrupt implements spec §4.5's raise_interrupt: re-run selection
// for both contexts; if a candidate exists, record it as the outstanding
// claim and report the privilege whose mip bit should be asserted.
func (p *PLIC) RaiseInterrupt(csr *riscv32.CSR) (riscv32.Privilege, bool) {
	for ctx := 0; ctx < contextCount; ctx++ {
		if irq := p.best(ctx); irq != 0 {
			p.claimValid = true
			p.claimIRQ = irq
			p.claimCtx = ctx
			return contextPrivilege(ctx), true
		}
	}
	return 0, false
}

// ClaimCandidate returns the IRQ RaiseInterrupt most recently recorded
// for the supervisor context, or 0 if none is outstanding. The trap
// machinery uses this to call TakeInterrupt on the right device just
// before entering a supervisor-external-interrupt handler (spec §4.10),
// without pre-empting the guest's own CLAIM register read.
func (p *PLIC) ClaimCandidate() uint32 {
	if !p.claimValid || p.claimCtx != 1 {
		return 0
	}
	return p.claimIRQ
}

func contextPrivilege(ctx int) riscv32.Privilege {
	if ctx == 0 {
		return riscv32.PrivMachine
	}
	return riscv32.PrivSupervisor
}

func (p *PLIC) claim(ctx int) uint32 {
	irq := p.best(ctx)
	if irq == 0 {
		return 0
	}
	p.claimValid = true
	p.claimIRQ = irq
	p.claimCtx = ctx
	return irq
}

// complete clears the outstanding claim and the context's external
// mip bit if irq matches.
func (p *PLIC) complete(ctx int, irq uint32, csr *riscv32.CSR) {
	if !p.claimValid || p.claimIRQ != irq || p.claimCtx != ctx {
		return
	}
	p.pending[irq] = false
	p.claimValid = false
	csr.SetExternalIRQ(contextPrivilege(ctx), false)
}

func (p *PLIC) Read(offset uint32, size int, csr *riscv32.CSR) (uint32, error) {
	if size != 4 {
		return 0, riscv32.Exception(riscv32.CauseLoadAccessFault, offset)
	}
	switch {
	case offset < plicPriorityEnd:
		return p.priority[offset/4], nil
	case offset >= plicEnableBase && offset < plicThresholdBase:
		ctx, word, ok := decodeEnableOffset(offset)
		if !ok || word != 0 {
			return 0, nil
		}
		return p.enableWord(ctx), nil
	case offset >= plicThresholdBase:
		ctx, reg, ok := decodeContextOffset(offset)
		if !ok {
			return 0, &riscv32.AbortError{Reason: "PLIC: invalid context"}
		}
		if reg == 0 {
			return p.threshold[ctx], nil
		}
		return p.claim(ctx), nil
	default:
		return 0, nil
	}
}

func (p *PLIC) Write(offset uint32, size int, value uint32, csr *riscv32.CSR) (bus.Response, error) {
	if size != 4 {
		return bus.Response{}, riscv32.Exception(riscv32.CauseStoreAccessFault, offset)
	}
	switch {
	case offset < plicPriorityEnd:
		p.priority[offset/4] = value
	case offset >= plicEnableBase && offset < plicThresholdBase:
		ctx, word, ok := decodeEnableOffset(offset)
		if !ok || word != 0 {
			return bus.Response{}, nil
		}
		p.setEnableWord(ctx, value)
	case offset >= plicThresholdBase:
		ctx, reg, ok := decodeContextOffset(offset)
		if !ok {
			return bus.Response{}, &riscv32.AbortError{Reason: "PLIC: invalid context"}
		}
		if reg == 0 {
			p.threshold[ctx] = value
		} else {
			p.complete(ctx, value, csr)
		}
	}
	return bus.Response{}, nil
}

func decodeEnableOffset(offset uint32) (ctx int, word uint32, ok bool) {
	rel := offset - plicEnableBase
	ctxU := rel / plicEnableStride
	if int(ctxU) >= contextCount {
		return 0, 0, false
	}
	return int(ctxU), (rel % plicEnableStride) / 4, true
}

func (p *PLIC) enableWord(ctx int) uint32 {
	var w uint32
	for i := uint32(0); i < IRQCount; i++ {
		if p.enable[ctx][i] {
			w |= 1 << i
		}
	}
	return w
}

func (p *PLIC) setEnableWord(ctx int, value uint32) {
	for i := uint32(0); i < IRQCount; i++ {
		p.enable[ctx][i] = value&(1<<i) != 0
	}
}

// decodeContextOffset splits a threshold/claim-region offset into its
// context index and register selector (0 = threshold, 1 = claim).
func decodeContextOffset(offset uint32) (ctx int, reg int, ok bool) {
	rel := offset - plicThresholdBase
	ctxU := rel / plicContextStride
	if int(ctxU) >= contextCount {
		return 0, 0, false
	}
	within := rel % plicContextStride
	if within == 0 {
		return int(ctxU), 0, true
	}
	if within == plicClaimOffset {
		return int(ctxU), 1, true
	}
	return int(ctxU), 0, true
}
