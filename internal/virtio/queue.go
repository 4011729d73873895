// Package virtio implements the virtio-MMIO transport and the Net/GPU
// device models (spec §4.7-4.9).
package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// QSIZE is the fixed split-virtqueue depth used throughout this subset
// (spec §4.8/§4.9: "two queues of size 256").
const QSIZE = 256

const (
	virtqDescFNext  = 1
	virtqDescFWrite = 2
)

// GuestMemory is the guest-physical-address aperture a queue reads
// descriptor/ring data from and writes buffers into; satisfied by
// bus.RAM.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// Descriptor is a single split-virtqueue descriptor-table entry.
type Descriptor struct {
	Addr   uint32
	Length uint32
	Flags  uint16
	Next   uint16
}

// Payload is one buffer segment within a walked descriptor chain.
type Payload struct {
	Addr    uint32
	Length  uint32
	IsWrite bool
}

// Queue is a split virtqueue view over 32-bit guest memory (spec §4.7's
// "driver_view"/"device_view"/desc()). Unlike a 64-bit hypervisor
// virtqueue, every address here is a 32-bit guest-physical address —
// the high halves of the MMIO desc/driver/device registers must be 0.
type Queue struct {
	DescAddr   uint32
	DriverAddr uint32
	DeviceAddr uint32
	Size       uint16
	Ready      bool

	lastAvailIdx uint16
	usedIdx      uint16

	mem GuestMemory
}

// NewQueue constructs a queue of QSIZE depth bound to mem.
func NewQueue(mem GuestMemory) *Queue {
	return &Queue{Size: QSIZE, mem: mem}
}

// Reset restores the queue to its post-status-reset state, per spec
// §4.7's "a status write of 0 fully resets the device".
func (q *Queue) Reset() {
	q.DescAddr, q.DriverAddr, q.DeviceAddr = 0, 0, 0
	q.Ready = false
	q.lastAvailIdx, q.usedIdx = 0, 0
}

func (q *Queue) ensureReady() error {
	if !q.Ready {
		return fmt.Errorf("virtio: queue not ready")
	}
	return nil
}

// ReadDescriptor fetches desc(idx) = desc_base + idx*16 (spec §4.7).
func (q *Queue) ReadDescriptor(idx uint16) (Descriptor, error) {
	if err := q.ensureReady(); err != nil {
		return Descriptor{}, err
	}
	var buf [16]byte
	off := uint32(q.DescAddr) + uint32(idx)*16
	if err := q.readInto(off, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint32(buf[0:4]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// NextAvailable returns the next unconsumed descriptor-chain head from
// the avail ring, or ok=false if the driver has nothing new queued.
func (q *Queue) NextAvailable() (head uint16, ok bool, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}
	var idxBuf [2]byte
	if err := q.readInto(q.DriverAddr+2, idxBuf[:]); err != nil {
		return 0, false, err
	}
	availIdx := binary.LittleEndian.Uint16(idxBuf[:])
	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}
	ring := q.lastAvailIdx % q.Size
	var headBuf [2]byte
	off := q.DriverAddr + 4 + uint32(ring)*2
	if err := q.readInto(off, headBuf[:]); err != nil {
		return 0, false, err
	}
	q.lastAvailIdx++
	return binary.LittleEndian.Uint16(headBuf[:]), true, nil
}

// ReadChain walks the descriptor chain starting at head, following NEXT
// flags for at most Size descriptors. The Net handlers use only the
// first descriptor; the GPU handlers also use the later ones.
func (q *Queue) ReadChain(head uint16) ([]Payload, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	var chain []Payload
	idx := head
	for i := uint16(0); i < q.Size; i++ {
		d, err := q.ReadDescriptor(idx)
		if err != nil {
			return chain, err
		}
		chain = append(chain, Payload{Addr: d.Addr, Length: d.Length, IsWrite: d.Flags&virtqDescFWrite != 0})
		if d.Flags&virtqDescFNext == 0 {
			break
		}
		idx = d.Next
	}
	return chain, nil
}

// PutUsed appends {id: head, len} to the used ring and bumps its idx,
// per spec §4.8/§4.9's "advance the device ring index".
func (q *Queue) PutUsed(head uint16, length uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	slot := q.usedIdx % q.Size
	base := q.DeviceAddr + 4 + uint32(slot)*8
	if err := q.writeU32(base, uint32(head)); err != nil {
		return err
	}
	if err := q.writeU32(base+4, length); err != nil {
		return err
	}
	q.usedIdx++
	return q.writeU16(q.DeviceAddr+2, q.usedIdx)
}

// Read copies length bytes from guest address addr.
func (q *Queue) Read(addr, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := q.readInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Write copies data into guest address addr.
func (q *Queue) Write(addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	n, err := q.mem.WriteAt(data, int64(addr))
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest write (want %d, got %d)", len(data), n)
	}
	return nil
}

func (q *Queue) readInto(addr uint32, buf []byte) error {
	n, err := q.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func (q *Queue) writeU16(addr uint32, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return q.Write(addr, buf[:])
}

func (q *Queue) writeU32(addr uint32, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return q.Write(addr, buf[:])
}
