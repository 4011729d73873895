package virtio

import (
	"encoding/binary"
	"testing"

	"github.com/krns06/tiny-rv32ima-sim/internal/riscv32"
)

// fakeDisplay is a HostDisplay recording the Copy/Flush/Disable calls
// the GPU command dispatch makes.
type fakeDisplay struct {
	copies  []uint32
	flushes []uint32
	pixels  []uint32
	disable int
}

func (d *fakeDisplay) Copy(resourceID uint32, r Rect, pixels []uint32) {
	d.copies = append(d.copies, resourceID)
	d.pixels = pixels
}
func (d *fakeDisplay) Flush(resourceID uint32, r Rect) { d.flushes = append(d.flushes, resourceID) }
func (d *fakeDisplay) Disable()                        { d.disable++ }

func newGPUQueues(mem *fakeMemory) []*Queue {
	qs := make([]*Queue, gpuQueues)
	for i := range qs {
		qs[i] = NewQueue(mem)
		qs[i].DescAddr = uint32(0x1000 + i*0x1000)
		qs[i].DriverAddr = uint32(0x4000 + i*0x1000)
		qs[i].DeviceAddr = uint32(0x7000 + i*0x1000)
		qs[i].Ready = true
	}
	return qs
}

// submitCommand lays out a two-descriptor chain (command, response) on
// the control queue and marks it available.
func submitCommand(mem *fakeMemory, q *Queue, cmdAddr uint32, cmd []byte, respAddr uint32, respCap uint32) {
	mem.WriteAt(cmd, int64(cmdAddr))
	putDescriptor(mem, q.DescAddr, 0, Descriptor{Addr: cmdAddr, Length: uint32(len(cmd)), Flags: virtqDescFNext, Next: 1})
	putDescriptor(mem, q.DescAddr, 1, Descriptor{Addr: respAddr, Length: respCap, Flags: virtqDescFWrite})
	availOne(mem, q, 0)
}

// encodeCommand allocates a size-byte command buffer (at least
// ctrlHdrSize) with its header pre-filled.
func encodeCommand(cmdType uint32, size int) []byte {
	if size < ctrlHdrSize {
		size = ctrlHdrSize
	}
	buf := make([]byte, size)
	ctrlHdr{Type: cmdType}.encode(buf)
	return buf
}

func TestGPUGetDisplayInfo(t *testing.T) {
	mem := newFakeMemory(1 << 16)
	qs := newGPUQueues(mem)
	g := NewGPU(&fakeDisplay{})

	cmd := encodeCommand(gpuCmdGetDisplayInfo, ctrlHdrSize)
	submitCommand(mem, qs[gpuQueueControl], 0x9000, cmd, 0x9100, respDisplayInfoSize)

	var csr riscv32.CSR
	interrupting, err := g.Notify(gpuQueueControl, qs, &csr)
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if !interrupting {
		t.Errorf("GET_DISPLAY_INFO did not request an interrupt")
	}

	resp, err := qs[gpuQueueControl].Read(0x9100, respDisplayInfoSize)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	hdr := parseCtrlHdr(resp)
	if hdr.Type != gpuRespOKDisplayInfo {
		t.Errorf("response type = %#x, want gpuRespOKDisplayInfo", hdr.Type)
	}
	r := parseRect(resp[ctrlHdrSize : ctrlHdrSize+16])
	if r != supportedRect {
		t.Errorf("display rect = %+v, want %+v", r, supportedRect)
	}
}

func TestGPUResourceLifecycleAndCopy(t *testing.T) {
	mem := newFakeMemory(1 << 21) // room for the 800x600x4 backing buffer at 0xc000
	qs := newGPUQueues(mem)
	display := &fakeDisplay{}
	g := NewGPU(display)
	var csr riscv32.CSR

	const resID = 7
	create := encodeCommand(gpuCmdResourceCreate2D, ctrlHdrSize+16)
	binary.LittleEndian.PutUint32(create[ctrlHdrSize:], resID)
	binary.LittleEndian.PutUint32(create[ctrlHdrSize+4:], formatBGRX)
	binary.LittleEndian.PutUint32(create[ctrlHdrSize+8:], supportedRect.W)
	binary.LittleEndian.PutUint32(create[ctrlHdrSize+12:], supportedRect.H)
	submitCommand(mem, qs[gpuQueueControl], 0x9000, create, 0x9100, ctrlHdrSize)
	if _, err := g.Notify(gpuQueueControl, qs, &csr); err != nil {
		t.Fatalf("RESOURCE_CREATE_2D: %v", err)
	}

	// Attach a single backing entry covering the whole framebuffer.
	backingLen := supportedRect.W * supportedRect.H * 4
	attach := make([]byte, ctrlHdrSize+8)
	ctrlHdr{Type: gpuCmdResourceAttachBack}.encode(attach)
	binary.LittleEndian.PutUint32(attach[ctrlHdrSize:], resID)
	binary.LittleEndian.PutUint32(attach[ctrlHdrSize+4:], 1)
	mem.WriteAt(attach, 0xa000)
	entry := make([]byte, memEntrySize)
	binary.LittleEndian.PutUint32(entry[0:4], 0xc000)
	binary.LittleEndian.PutUint32(entry[8:12], backingLen)
	mem.WriteAt(entry, 0xb000)
	putDescriptor(mem, qs[gpuQueueControl].DescAddr, 0, Descriptor{Addr: 0xa000, Length: uint32(len(attach)), Flags: virtqDescFNext, Next: 1})
	putDescriptor(mem, qs[gpuQueueControl].DescAddr, 1, Descriptor{Addr: 0xb000, Length: memEntrySize, Flags: virtqDescFNext, Next: 2})
	putDescriptor(mem, qs[gpuQueueControl].DescAddr, 2, Descriptor{Addr: 0x9200, Length: ctrlHdrSize, Flags: virtqDescFWrite})
	availOne(mem, qs[gpuQueueControl], 0)
	if _, err := g.Notify(gpuQueueControl, qs, &csr); err != nil {
		t.Fatalf("RESOURCE_ATTACH_BACKING: %v", err)
	}

	pixel := make([]byte, backingLen)
	pixel[0], pixel[1], pixel[2] = 0x10, 0x20, 0x30 // B, G, R of pixel 0
	mem.WriteAt(pixel, 0xc000)

	transfer := encodeCommand(gpuCmdTransferToHost2D, ctrlHdrSize+28)
	supportedRect.encode(transfer[ctrlHdrSize : ctrlHdrSize+16])
	binary.LittleEndian.PutUint32(transfer[ctrlHdrSize+24:], resID)
	submitCommand(mem, qs[gpuQueueControl], 0x9300, transfer, 0x9400, ctrlHdrSize)
	if _, err := g.Notify(gpuQueueControl, qs, &csr); err != nil {
		t.Fatalf("TRANSFER_TO_HOST_2D: %v", err)
	}

	if len(display.copies) != 1 || display.copies[0] != resID {
		t.Fatalf("Copy calls = %v, want [%d]", display.copies, resID)
	}
	if display.pixels[0] != 0x00302010 {
		t.Errorf("pixel[0] = %#x, want XRGB 0x00302010", display.pixels[0])
	}
}

func TestGPUSetScanoutDisable(t *testing.T) {
	mem := newFakeMemory(1 << 16)
	qs := newGPUQueues(mem)
	display := &fakeDisplay{}
	g := NewGPU(display)
	var csr riscv32.CSR

	cmd := encodeCommand(gpuCmdSetScanout, ctrlHdrSize+24)
	// ResourceID = 0 disables the scanout.
	submitCommand(mem, qs[gpuQueueControl], 0x9000, cmd, 0x9100, ctrlHdrSize)
	if _, err := g.Notify(gpuQueueControl, qs, &csr); err != nil {
		t.Fatalf("SET_SCANOUT: %v", err)
	}
	if display.disable != 1 {
		t.Errorf("Disable called %d times, want 1", display.disable)
	}
}

func TestGPUCursorNotifyIsDrained(t *testing.T) {
	mem := newFakeMemory(1 << 16)
	qs := newGPUQueues(mem)
	g := NewGPU(&fakeDisplay{})
	var csr riscv32.CSR

	putDescriptor(mem, qs[gpuQueueCursor].DescAddr, 0, Descriptor{})
	availOne(mem, qs[gpuQueueCursor], 0)

	interrupting, err := g.Notify(gpuQueueCursor, qs, &csr)
	if err != nil {
		t.Fatalf("cursor notify: %v", err)
	}
	if interrupting {
		t.Errorf("cursor notify requested an interrupt, want none")
	}
	if _, ok, err := qs[gpuQueueCursor].NextAvailable(); err != nil || ok {
		t.Errorf("cursor queue after notify: NextAvailable = (ok=%v, err=%v), want drained", ok, err)
	}
}
