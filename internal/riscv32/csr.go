package riscv32

// CSR addresses used by this subset of the privileged architecture.
const (
	csrCycle    = 0xc00
	csrTime     = 0xc01
	csrInstret  = 0xc02
	csrCycleH   = 0xc80
	csrTimeH    = 0xc81
	csrInstretH = 0xc82

	csrSstatus    = 0x100
	csrSie        = 0x104
	csrStvec      = 0x105
	csrScounteren = 0x106
	csrStimecmp   = 0x14d
	csrStimecmpH  = 0x15d
	csrSscratch   = 0x140
	csrSepc       = 0x141
	csrScause     = 0x142
	csrStval      = 0x143
	csrSip        = 0x144
	csrSatp       = 0x180

	csrMstatus       = 0x300
	csrMisa          = 0x301
	csrMedeleg       = 0x302
	csrMideleg       = 0x303
	csrMie           = 0x304
	csrMtvec         = 0x305
	csrMcounteren    = 0x306
	csrMenvcfg       = 0x30a
	csrMenvcfgH      = 0x31a
	csrMcountinhibit = 0x320
	csrMscratch      = 0x340
	csrMepc          = 0x341
	csrMcause        = 0x342
	csrMtval         = 0x343
	csrMip           = 0x344

	csrMvendorid = 0xf11
	csrMarchid   = 0xf12
	csrMimpid    = 0xf13
	csrMhartid   = 0xf14
)

// mstatus/sstatus bit positions.
const (
	mstatusSIE  = 1 << 1
	mstatusMIE  = 1 << 3
	mstatusSPIE = 1 << 5
	mstatusMPIE = 1 << 7
	mstatusSPP  = 1 << 8
	mstatusMPRV = 1 << 17
	mstatusSUM  = 1 << 18
	mstatusMXR  = 1 << 19
	mstatusTVM  = 1 << 20
	mstatusTW   = 1 << 21
	mstatusTSR  = 1 << 22

	mstatusMPPShift = 11
)

// mip/mie bit positions.
const (
	mipSSIP = 1 << 1
	mipMSIP = 1 << 3
	mipSTIP = 1 << 5
	mipMTIP = 1 << 7
	mipSEIP = 1 << 9
	mipMEIP = 1 << 11
)

const (
	mstatusMPPMask = 0x3 << mstatusMPPShift // MPP is a 2-bit field at [12:11]

	mstatusSupportedMask = mstatusSIE | mstatusMIE | mstatusSPIE | mstatusMPIE |
		mstatusSPP | mstatusMPPMask |
		mstatusTVM | mstatusTSR | mstatusMPRV | mstatusSUM
	sstatusSupportedMask = mstatusSIE | mstatusSPIE | mstatusSPP | mstatusMXR | mstatusSUM

	mieSupportedMask = mipSSIP | mipMSIP | mipSTIP | mipMTIP | mipSEIP | mipMEIP
	// mip is mostly read-only from software: only SEIP/SSIP are directly
	// writable. MEIP/MTIP/STIP/MSIP reflect hardware sources.
	mipSoftwareWritableMask = mipSEIP | mipSSIP

	midelegSupportedMask = mipSSIP | mipMSIP | mipSTIP | mipMTIP | mipSEIP | mipMEIP
	medelegSupportedMask = 0xcbbff

	mcounterenSupportedMask = 0x7 // CY, TM, IR

	satpModeBit  = 1 << 31
	satpPPNMask  = 0x3fffff
)

// menvcfg bit positions (64-bit register split across menvcfg/menvcfgh).
const (
	menvcfgFIOM = 1 << 0 // low word
	menvcfgADUE = 1 << 29 // high word (bit 61 overall)
)

// misa: MXL=1 (32-bit), extensions A, I, M, S, U.
const misaConst = (1 << 30) | // MXL = 1 (32-bit)
	(1 << 0) | // A
	(1 << 8) | // I
	(1 << 12) | // M
	(1 << 18) | // S
	(1 << 20) // U

// CSR holds all privileged state. Field names mirror the architectural
// register names; counters and mtimecmp/stimecmp are kept as native
// 64-bit values even though guest accesses are split into low/high halves.
type CSR struct {
	Mstatus       uint32
	Medeleg       uint32
	Mideleg       uint32
	Mie           uint32
	Mip           uint32
	Mtvec         uint32
	Mscratch      uint32
	Mepc          uint32
	Mcause        uint32
	Mtval         uint32
	Mcounteren    uint32
	Mcountinhibit uint32
	MenvcfgLo     uint32
	MenvcfgHi     uint32
	Mtimecmp      uint64 // owned here per §3, mutated through the CLINT MMIO window

	Stvec      uint32
	Sscratch   uint32
	Sepc       uint32
	Scause     uint32
	Stval      uint32
	Scounteren uint32
	Satp       uint32
	Stimecmp   uint64

	Cycle   uint64
	Time    uint64
	Instret uint64

	suppressInstret bool
}

func (c *CSR) reset() {
	*c = CSR{}
}

func (c *CSR) mstatusBit(bit uint32) bool { return c.Mstatus&bit != 0 }

// csrPrivRequired extracts the minimum privilege a CSR address requires
// (bits 9:8).
func csrPrivRequired(addr uint32) Privilege { return Privilege((addr >> 8) & 0x3) }

// Read implements the CSR file's read contract (spec §4.2).
func (c *CSR) Read(addr uint32, prv Privilege) (uint32, error) {
	if err := c.checkAccess(addr, prv, false); err != nil {
		return 0, err
	}
	switch addr {
	case csrCycle, csrCycleH:
		return split64(c.Cycle, addr == csrCycleH), nil
	case csrTime, csrTimeH:
		return split64(c.Time, addr == csrTimeH), nil
	case csrInstret, csrInstretH:
		return split64(c.Instret, addr == csrInstretH), nil
	case csrSstatus:
		return c.Mstatus & sstatusSupportedMask, nil
	case csrSie:
		return c.Mie & midelegVisibleMask(), nil
	case csrSip:
		return c.Mip & midelegVisibleMask(), nil
	case csrStvec:
		return c.Stvec, nil
	case csrScounteren:
		return c.Scounteren, nil
	case csrSscratch:
		return c.Sscratch, nil
	case csrSepc:
		return c.Sepc, nil
	case csrScause:
		return c.Scause, nil
	case csrStval:
		return c.Stval, nil
	case csrStimecmp:
		return split64(c.Stimecmp, false), nil
	case csrStimecmpH:
		return split64(c.Stimecmp, true), nil
	case csrSatp:
		return c.Satp, nil
	case csrMstatus:
		return c.Mstatus & mstatusSupportedMask, nil
	case csrMisa:
		return misaConst, nil
	case csrMedeleg:
		return c.Medeleg, nil
	case csrMideleg:
		return c.Mideleg, nil
	case csrMie:
		return c.Mie, nil
	case csrMip:
		return c.Mip, nil
	case csrMtvec:
		return c.Mtvec, nil
	case csrMcounteren:
		return c.Mcounteren, nil
	case csrMenvcfg:
		return c.MenvcfgLo, nil
	case csrMenvcfgH:
		return c.MenvcfgHi, nil
	case csrMcountinhibit:
		return c.Mcountinhibit, nil
	case csrMscratch:
		return c.Mscratch, nil
	case csrMepc:
		return c.Mepc, nil
	case csrMcause:
		return c.Mcause, nil
	case csrMtval:
		return c.Mtval, nil
	case csrMvendorid:
		return 0, nil
	case csrMarchid:
		return 1, nil
	case csrMimpid:
		return 1, nil
	case csrMhartid:
		return 0, nil
	default:
		return 0, &AbortError{Reason: unimplementedCSRReason(addr)}
	}
}

// midelegVisibleMask returns the bits of mie/mip visible through
// sie/sip: the fixed supervisor-level set SSIP, STIP, SEIP. The current
// mideleg value is not consulted.
func midelegVisibleMask() uint32 { return mipSSIP | mipSTIP | mipSEIP }

// Write implements the CSR file's write contract (spec §4.2).
func (c *CSR) Write(addr uint32, value uint32, prv Privilege) error {
	if err := c.checkAccess(addr, prv, true); err != nil {
		return err
	}
	switch addr {
	case csrCycle, csrCycleH, csrTime, csrTimeH:
		// Not reached through Write: these unprivileged counter addresses
		// lie in the read-only range (addr[11:10] = 0b11), so checkAccess
		// has already rejected the write as an illegal instruction.
		return nil
	case csrInstret:
		c.Instret = (c.Instret &^ 0xffffffff) | uint64(value)
		c.suppressInstret = true
		return nil
	case csrInstretH:
		c.Instret = (c.Instret & 0xffffffff) | (uint64(value) << 32)
		c.suppressInstret = true
		return nil
	case csrSstatus:
		c.Mstatus = (c.Mstatus &^ sstatusSupportedMask) | (value & sstatusSupportedMask)
		return nil
	case csrSie:
		mask := midelegVisibleMask()
		c.Mie = (c.Mie &^ mask) | (value & mask)
		return nil
	case csrSip:
		mask := mipSoftwareWritableMask & midelegVisibleMask()
		c.Mip = (c.Mip &^ mask) | (value & mask)
		return nil
	case csrStvec:
		c.Stvec = value &^ 0x2
		return nil
	case csrScounteren:
		c.Scounteren = value & mcounterenSupportedMask
		return nil
	case csrSscratch:
		c.Sscratch = value
		return nil
	case csrSepc:
		c.Sepc = value &^ 0x3
		return nil
	case csrScause:
		c.Scause = value
		return nil
	case csrStval:
		c.Stval = value
		return nil
	case csrStimecmp:
		c.Stimecmp = (c.Stimecmp &^ 0xffffffff) | uint64(value)
		c.updateTimerInterrupts()
		return nil
	case csrStimecmpH:
		c.Stimecmp = (c.Stimecmp & 0xffffffff) | (uint64(value) << 32)
		c.updateTimerInterrupts()
		return nil
	case csrSatp:
		c.Satp = (value & satpModeBit) | (value & satpPPNMask)
		return nil
	case csrMstatus:
		c.Mstatus = (c.Mstatus &^ mstatusSupportedMask) | (value & mstatusSupportedMask)
		return nil
	case csrMisa:
		return nil // writes ignored
	case csrMedeleg:
		c.Medeleg = value & medelegSupportedMask
		return nil
	case csrMideleg:
		c.Mideleg = value & midelegSupportedMask
		return nil
	case csrMie:
		c.Mie = value & mieSupportedMask
		return nil
	case csrMip:
		c.Mip = (c.Mip &^ mipSoftwareWritableMask) | (value & mipSoftwareWritableMask)
		return nil
	case csrMtvec:
		c.Mtvec = value &^ 0x2
		return nil
	case csrMcounteren:
		c.Mcounteren = value & mcounterenSupportedMask
		return nil
	case csrMenvcfg:
		c.MenvcfgLo = value & menvcfgFIOM
		return nil
	case csrMenvcfgH:
		c.MenvcfgHi = value & menvcfgADUE
		return nil
	case csrMcountinhibit:
		c.Mcountinhibit = value
		return nil
	case csrMscratch:
		c.Mscratch = value
		return nil
	case csrMepc:
		c.Mepc = value &^ 0x3
		return nil
	case csrMcause:
		c.Mcause = value
		return nil
	case csrMtval:
		c.Mtval = value
		return nil
	case csrMvendorid, csrMarchid, csrMimpid, csrMhartid:
		return nil // read-only identity registers; writes are no-ops
	default:
		return &AbortError{Reason: unimplementedCSRReason(addr)}
	}
}

func unimplementedCSRReason(addr uint32) string {
	return "unimplemented CSR " + hex3(addr)
}

func hex3(v uint32) string {
	const digits = "0123456789abcdef"
	return "0x" + string([]byte{
		digits[(v>>8)&0xf],
		digits[(v>>4)&0xf],
		digits[v&0xf],
	})
}

func split64(v uint64, high bool) uint32 {
	if high {
		return uint32(v >> 32)
	}
	return uint32(v)
}

// checkAccess implements spec §4.2's access check: reject when (write AND
// addr[11:10] = 0b11) OR addr[9:8] = 0b10 (reserved) OR addr[9:8] > prv.
// satp additionally traps at Supervisor when mstatus.TVM is set.
func (c *CSR) checkAccess(addr uint32, prv Privilege, write bool) error {
	if write && (addr>>10)&0x3 == 0x3 {
		return Exception(CauseIllegalInsn, addr)
	}
	required := csrPrivRequired(addr)
	if required == 2 {
		return Exception(CauseIllegalInsn, addr)
	}
	if uint32(prv) < uint32(required) {
		return Exception(CauseIllegalInsn, addr)
	}
	if addr == csrSatp && prv == PrivSupervisor && c.mstatusBit(mstatusTVM) {
		return Exception(CauseIllegalInsn, addr)
	}
	if isCounterCSR(addr) {
		if err := c.checkCounterAccess(addr, prv); err != nil {
			return err
		}
	}
	return nil
}

func isCounterCSR(addr uint32) bool {
	switch addr {
	case csrCycle, csrCycleH, csrTime, csrTimeH, csrInstret, csrInstretH:
		return true
	default:
		return false
	}
}

func counterBit(addr uint32) uint32 {
	switch addr {
	case csrCycle, csrCycleH:
		return 1 << 0
	case csrTime, csrTimeH:
		return 1 << 1
	default:
		return 1 << 2
	}
}

func (c *CSR) checkCounterAccess(addr uint32, prv Privilege) error {
	if prv == PrivMachine {
		return nil
	}
	bit := counterBit(addr)
	if c.Mcounteren&bit == 0 {
		return Exception(CauseIllegalInsn, addr)
	}
	if prv == PrivUser && c.Scounteren&bit == 0 {
		return Exception(CauseIllegalInsn, addr)
	}
	return nil
}

// ProgressCycle advances the cycle counter (spec §4.2).
func (c *CSR) ProgressCycle() {
	if c.Mcountinhibit&0x1 == 0 {
		c.Cycle++
	}
}

// ProgressTime advances the time counter unconditionally and re-evaluates
// timer interrupts.
func (c *CSR) ProgressTime() {
	c.Time++
	c.updateTimerInterrupts()
}

// ProgressInstret advances the retired-instruction counter unless
// inhibited by mcountinhibit.IR or suppressed by suppressInstret. That
// flag is set only by Write's instret/instreth cases, which checkAccess
// never lets a write reach (0xc02/0xc82 are in the read-only range); no
// machine-level minstret CSR is implemented, so the flag stays clear.
func (c *CSR) ProgressInstret() {
	if c.suppressInstret {
		c.suppressInstret = false
		return
	}
	if c.Mcountinhibit&0x4 == 0 {
		c.Instret++
	}
}

func (c *CSR) updateTimerInterrupts() {
	if c.Time >= c.Stimecmp {
		c.Mip |= mipSTIP
	} else {
		c.Mip &^= mipSTIP
	}
	if c.Time >= c.Mtimecmp {
		c.Mip |= mipMTIP
	} else {
		c.Mip &^= mipMTIP
	}
}

// SetMSIP sets or clears mip.MSIP; called by the CLINT device.
func (c *CSR) SetMSIP(v bool) { c.setMipBit(mipMSIP, v) }

// MSIP reports the current value of mip.MSIP; used by the CLINT device
// to answer reads of its own msip register.
func (c *CSR) MSIP() bool { return c.Mip&mipMSIP != 0 }

// SetMtimecmpLo/SetMtimecmpHi update the 64-bit mtimecmp compare register
// (assembled from the two 4-byte CLINT MMIO registers) and immediately
// re-evaluate mip.MTIP.
func (c *CSR) SetMtimecmpLo(v uint32) {
	c.Mtimecmp = (c.Mtimecmp &^ 0xffffffff) | uint64(v)
	c.updateTimerInterrupts()
}

func (c *CSR) SetMtimecmpHi(v uint32) {
	c.Mtimecmp = (c.Mtimecmp & 0xffffffff) | (uint64(v) << 32)
	c.updateTimerInterrupts()
}

// SetExternalIRQ sets or clears the external-interrupt-pending bit for
// the given context privilege (Machine→MEIP, Supervisor→SEIP); called by
// the bus after consulting the PLIC.
func (c *CSR) SetExternalIRQ(prv Privilege, v bool) {
	if prv == PrivMachine {
		c.setMipBit(mipMEIP, v)
	} else {
		c.setMipBit(mipSEIP, v)
	}
}

func (c *CSR) setMipBit(bit uint32, v bool) {
	if v {
		c.Mip |= bit
	} else {
		c.Mip &^= bit
	}
}

// CanExternalInterrupt reports whether the bus should even bother
// computing a new external interrupt for privilege prv this tick — a
// short-circuit so devices aren't ticked pointlessly while masked off.
func (c *CSR) CanExternalInterrupt(prv Privilege) bool {
	switch prv {
	case PrivMachine:
		return c.mstatusBit(mstatusMIE)
	default:
		return true
	}
}

// ResolvePending implements spec §4.2's resolve_pending: computes the
// highest-priority deliverable interrupt for the current privilege, or
// nil if none is deliverable right now.
func (c *CSR) ResolvePending(prv Privilege) error {
	active := c.Mip & c.Mie
	if active == 0 {
		return nil
	}

	delegatedActive := active & c.Mideleg
	switch prv {
	case PrivMachine:
		if !c.mstatusBit(mstatusMIE) {
			return nil
		}
	case PrivSupervisor:
		if delegatedActive != 0 && !c.mstatusBit(mstatusSIE) {
			return nil
		}
	default: // User
	}

	// Priority: Supervisor-External > Supervisor-Software > Supervisor-Timer.
	switch {
	case active&mipSEIP != 0:
		return Interrupt(CauseSupervisorExternalInterrupt)
	case active&mipSSIP != 0:
		return Interrupt(CauseSupervisorSoftwareInterrupt)
	case active&mipSTIP != 0:
		return Interrupt(CauseSupervisorTimerInterrupt)
	case active&mipMEIP != 0:
		return Interrupt(CauseMachineExternalInterrupt)
	case active&mipMSIP != 0:
		return Interrupt(CauseMachineSoftwareInterrupt)
	case active&mipMTIP != 0:
		return Interrupt(CauseMachineTimerInterrupt)
	}
	return nil
}

// HandleTrap implements spec §4.2's handle_trap: delegation, CSR updates,
// and computing the next PC/privilege. fromPrv is the privilege the trap
// was taken from; faultPC is the PC to latch into mepc/sepc.
func (c *CSR) HandleTrap(fromPrv Privilege, exc *ExceptionError, faultPC uint32) (nextPC uint32, nextPrv Privilege) {
	cause := exc.Cause
	isEcall := cause == CauseEcallFromU || cause == CauseEcallFromS || cause == CauseEcallFromM

	delegated := false
	if fromPrv != PrivMachine {
		if exc.IsInterrupt {
			delegated = c.Mideleg&causeBit(cause) != 0
		} else {
			delegated = c.Medeleg&causeBit(cause) != 0
		}
	}

	causeVal := cause
	if exc.IsInterrupt {
		causeVal |= interruptBit
	}

	if !delegated {
		c.Mcause = causeVal
		if !isEcall {
			c.Mtval = exc.Tval
		}
		if c.mstatusBit(mstatusMIE) {
			c.Mstatus |= mstatusMPIE
		} else {
			c.Mstatus &^= mstatusMPIE
		}
		c.Mstatus &^= mstatusMIE
		c.Mstatus = (c.Mstatus &^ (0x3 << mstatusMPPShift)) | (uint32(fromPrv) << mstatusMPPShift)
		c.Mepc = faultPC &^ 0x3
		return trapTarget(c.Mtvec, cause, exc.IsInterrupt), PrivMachine
	}

	c.Scause = causeVal
	if !isEcall {
		c.Stval = exc.Tval
	}
	if c.mstatusBit(mstatusSIE) {
		c.Mstatus |= mstatusSPIE
	} else {
		c.Mstatus &^= mstatusSPIE
	}
	c.Mstatus &^= mstatusSIE
	if fromPrv == PrivSupervisor {
		c.Mstatus |= mstatusSPP
	} else {
		c.Mstatus &^= mstatusSPP
	}
	c.Sepc = faultPC &^ 0x3
	return trapTarget(c.Stvec, cause, exc.IsInterrupt), PrivSupervisor
}

func causeBit(cause uint32) uint32 { return 1 << cause }

func trapTarget(tvec uint32, cause uint32, isInterrupt bool) uint32 {
	base := tvec &^ 0x3
	mode := tvec & 0x3
	if isInterrupt && mode == 1 {
		return base + cause*4
	}
	return base
}

// Mret implements the mret privileged-return semantics (spec §4.2):
// MIE <- MPIE, MPIE <- 1, MPP <- User, privilege <- previous MPP, and
// MPRV is cleared if the restored privilege is not Machine.
func (c *CSR) Mret() Privilege {
	mpp := Privilege((c.Mstatus >> mstatusMPPShift) & 0x3)
	if c.mstatusBit(mstatusMPIE) {
		c.Mstatus |= mstatusMIE
	} else {
		c.Mstatus &^= mstatusMIE
	}
	c.Mstatus |= mstatusMPIE
	c.Mstatus &^= 0x3 << mstatusMPPShift // MPP <- User (0)
	if mpp != PrivMachine {
		c.Mstatus &^= mstatusMPRV
	}
	return mpp
}

// Sret implements the sret privileged-return semantics (spec §4.2):
// SIE <- SPIE, SPIE <- 1, SPP <- User, privilege <- previous SPP, and
// MPRV is cleared if the restored privilege is not Machine.
func (c *CSR) Sret() Privilege {
	var spp Privilege
	if c.Mstatus&mstatusSPP != 0 {
		spp = PrivSupervisor
	} else {
		spp = PrivUser
	}
	if c.mstatusBit(mstatusSPIE) {
		c.Mstatus |= mstatusSIE
	} else {
		c.Mstatus &^= mstatusSIE
	}
	c.Mstatus |= mstatusSPIE
	c.Mstatus &^= mstatusSPP // SPP <- User
	if spp != PrivMachine {
		c.Mstatus &^= mstatusMPRV
	}
	return spp
}
