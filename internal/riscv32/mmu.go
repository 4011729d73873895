package riscv32

// tlbSize is the number of direct-mapped TLB entries. Entries are indexed
// by the low bits of the virtual page number (vpn).
const tlbSize = 64

// tlbEntry caches one Sv32 translation. An entry is only consumable if
// both vpn and privilege match the current lookup — under MPRV the
// effective privilege can differ from the architectural one, and without
// the privilege key a supervisor-access translation could be incorrectly
// reused by a later user-mode access (see DESIGN.md).
type tlbEntry struct {
	valid bool
	vpn   uint32
	ppn   uint32
	priv  Privilege
}

// TLB is a small direct-mapped cache of recent Sv32 translations.
type TLB struct {
	entries [tlbSize]tlbEntry
}

// Flush clears every entry; called by sfence.vma.
func (t *TLB) Flush() {
	for i := range t.entries {
		t.entries[i] = tlbEntry{}
	}
}

func (t *TLB) lookup(vpn uint32, priv Privilege) (uint32, bool) {
	e := &t.entries[vpn%tlbSize]
	if e.valid && e.vpn == vpn && e.priv == priv {
		return e.ppn, true
	}
	return 0, false
}

func (t *TLB) insert(vpn, ppn uint32, priv Privilege) {
	t.entries[vpn%tlbSize] = tlbEntry{valid: true, vpn: vpn, ppn: ppn, priv: priv}
}

// Sv32 PTE bit positions.
const (
	pteV = 1 << 0
	pteR = 1 << 1
	pteW = 1 << 2
	pteX = 1 << 3
	pteU = 1 << 4
	pteG = 1 << 5
	pteA = 1 << 6
	pteD = 1 << 7
)

// Translate implements the Sv32 page walk described in spec §4.3. va is a
// virtual address; the returned value is the corresponding physical
// address. Any fault returns an *ExceptionError carrying va as Tval and
// the access type's page-fault cause.
func (c *CPU) Translate(va uint32, access Access) (uint32, error) {
	if c.CSR.Satp&satpModeBit == 0 {
		// Paging disabled (satp.MODE = Bare).
		return va, nil
	}

	effPriv := c.Priv
	if c.CSR.mstatusBit(mstatusMPRV) && access != AccessFetch {
		effPriv = Privilege((c.CSR.Mstatus >> mstatusMPPShift) & 0x3)
	}
	if effPriv == PrivMachine {
		return va, nil
	}

	vpn := va >> 12
	if ppn, ok := c.TLB.lookup(vpn, effPriv); ok {
		return ppn | (va & 0xfff), nil
	}

	pa, ok := c.walk(va, access, effPriv)
	if !ok {
		return 0, Exception(causeToPageFault(access), va)
	}
	return pa, nil
}

func (c *CPU) walk(va uint32, access Access, effPriv Privilege) (uint32, bool) {
	base := (c.CSR.Satp & satpPPNMask) << 12

	var pte uint32
	var level int
	for level = 1; level >= 0; level-- {
		vpnI := (va >> uint(12+10*level)) & 0x3ff
		ptAddr := base + vpnI*4
		word, err := c.Bus.Read(ptAddr, 4, &c.CSR)
		if err != nil {
			return 0, false
		}
		pte = word

		if pte&pteV == 0 || (pte&pteR == 0 && pte&pteW != 0) {
			return 0, false
		}

		if pte&(pteR|pteX) != 0 {
			// Leaf PTE.
			if !permissionOK(pte, access) {
				return 0, false
			}
			if pte&pteU == 0 {
				if effPriv == PrivUser {
					return 0, false
				}
			} else if effPriv == PrivSupervisor && access != AccessFetch {
				if !c.CSR.mstatusBit(mstatusSUM) {
					return 0, false
				}
			}
			if level == 1 && (pte>>10)&0x3ff != 0 {
				// Misaligned superpage: PTE[19:10] must be zero.
				return 0, false
			}
			if pte&pteA == 0 || (access == AccessWrite && pte&pteD == 0) {
				// Svadu-off policy: fault instead of an implicit A/D update.
				return 0, false
			}
			break
		}

		base = ((pte >> 10) & 0x3fffff) << 12
		if level == 0 {
			return 0, false
		}
	}

	var pa uint32
	if level == 1 {
		pa = (pte<<2)&0xffc00000 | (va & 0x3ff000) | (va & 0xfff)
	} else {
		pa = (pte<<2)&0xfffff000 | (va & 0xfff)
	}

	c.TLB.insert(va>>12, pa&^uint32(0xfff), effPriv)
	return pa, true
}

func permissionOK(pte uint32, access Access) bool {
	switch access {
	case AccessFetch:
		return pte&pteX != 0
	case AccessWrite:
		return pte&pteW != 0
	default:
		return pte&pteR != 0
	}
}
