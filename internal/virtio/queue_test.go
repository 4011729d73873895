package virtio

import (
	"encoding/binary"
	"testing"
)

// layoutQueue places a descriptor table, avail ring, and used ring at
// fixed offsets within mem and binds a ready Queue over them.
func layoutQueue(mem *fakeMemory) *Queue {
	const (
		descAddr   = 0x1000
		driverAddr = 0x2000
		deviceAddr = 0x3000
	)
	q := NewQueue(mem)
	q.DescAddr, q.DriverAddr, q.DeviceAddr = descAddr, driverAddr, deviceAddr
	q.Ready = true
	return q
}

func putDescriptor(mem *fakeMemory, descBase uint32, idx uint16, d Descriptor) {
	off := int64(descBase) + int64(idx)*16
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:4], d.Addr)
	binary.LittleEndian.PutUint32(buf[8:12], d.Length)
	binary.LittleEndian.PutUint16(buf[12:14], d.Flags)
	binary.LittleEndian.PutUint16(buf[14:16], d.Next)
	mem.WriteAt(buf[:], off)
}

func TestQueueDescriptorAvailUsedRoundTrip(t *testing.T) {
	mem := newFakeMemory(1 << 16)
	q := layoutQueue(mem)

	putDescriptor(mem, q.DescAddr, 0, Descriptor{Addr: 0x5000, Length: 64, Flags: virtqDescFWrite})

	// avail ring: idx at +2, ring[0] at +4.
	var availIdx [2]byte
	binary.LittleEndian.PutUint16(availIdx[:], 1)
	mem.WriteAt(availIdx[:], int64(q.DriverAddr+2))
	var ringHead [2]byte
	binary.LittleEndian.PutUint16(ringHead[:], 0)
	mem.WriteAt(ringHead[:], int64(q.DriverAddr+4))

	head, ok, err := q.NextAvailable()
	if err != nil {
		t.Fatalf("NextAvailable: %v", err)
	}
	if !ok || head != 0 {
		t.Fatalf("NextAvailable = (%d, %v), want (0, true)", head, ok)
	}

	// A second call with no new avail entries reports nothing.
	if _, ok, err := q.NextAvailable(); err != nil || ok {
		t.Fatalf("second NextAvailable = (ok=%v, err=%v), want (false, nil)", ok, err)
	}

	chain, err := q.ReadChain(head)
	if err != nil {
		t.Fatalf("ReadChain: %v", err)
	}
	if len(chain) != 1 || chain[0].Addr != 0x5000 || chain[0].Length != 64 || !chain[0].IsWrite {
		t.Fatalf("chain = %+v, want one writable payload at 0x5000 len 64", chain)
	}

	if err := q.PutUsed(head, 32); err != nil {
		t.Fatalf("PutUsed: %v", err)
	}
	var usedIdxBuf [2]byte
	mem.ReadAt(usedIdxBuf[:], int64(q.DeviceAddr+2))
	if binary.LittleEndian.Uint16(usedIdxBuf[:]) != 1 {
		t.Errorf("used idx = %d, want 1", binary.LittleEndian.Uint16(usedIdxBuf[:]))
	}
	var usedElem [8]byte
	mem.ReadAt(usedElem[:], int64(q.DeviceAddr+4))
	if binary.LittleEndian.Uint32(usedElem[0:4]) != 0 || binary.LittleEndian.Uint32(usedElem[4:8]) != 32 {
		t.Errorf("used element = %+v, want {id:0, len:32}", usedElem)
	}
}

func TestQueueChainFollowsNextFlag(t *testing.T) {
	mem := newFakeMemory(1 << 16)
	q := layoutQueue(mem)

	putDescriptor(mem, q.DescAddr, 0, Descriptor{Addr: 0x100, Length: 8, Flags: virtqDescFNext, Next: 1})
	putDescriptor(mem, q.DescAddr, 1, Descriptor{Addr: 0x200, Length: 16, Flags: 0})

	chain, err := q.ReadChain(0)
	if err != nil {
		t.Fatalf("ReadChain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chain))
	}
	if chain[0].Addr != 0x100 || chain[1].Addr != 0x200 {
		t.Errorf("chain = %+v, want addrs [0x100, 0x200]", chain)
	}
}

func TestQueueNotReadyRejectsAccess(t *testing.T) {
	mem := newFakeMemory(1 << 12)
	q := NewQueue(mem)

	if _, _, err := q.NextAvailable(); err == nil {
		t.Errorf("NextAvailable on a not-ready queue succeeded, want error")
	}
	if err := q.PutUsed(0, 0); err == nil {
		t.Errorf("PutUsed on a not-ready queue succeeded, want error")
	}
}

func TestQueueResetClearsState(t *testing.T) {
	mem := newFakeMemory(1 << 16)
	q := layoutQueue(mem)
	q.lastAvailIdx = 5
	q.usedIdx = 3

	q.Reset()

	if q.DescAddr != 0 || q.DriverAddr != 0 || q.DeviceAddr != 0 {
		t.Errorf("addresses not cleared by Reset: %+v", q)
	}
	if q.Ready {
		t.Errorf("Ready still true after Reset")
	}
	if q.lastAvailIdx != 0 || q.usedIdx != 0 {
		t.Errorf("ring indices not cleared by Reset")
	}
}
