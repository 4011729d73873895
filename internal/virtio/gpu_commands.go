package virtio

import "encoding/binary"

// virtio-gpu command/response types (spec §4.9). Grounded on the
// teacher's gpu_commands.go constant block, trimmed to the handlers
// the spec actually names.
const (
	gpuCmdGetDisplayInfo     = 0x0100
	gpuCmdResourceCreate2D   = 0x0101
	gpuCmdSetScanout         = 0x0103
	gpuCmdResourceFlush      = 0x0104
	gpuCmdTransferToHost2D   = 0x0105
	gpuCmdResourceAttachBack = 0x0106

	gpuRespOKNoData      = 0x1100
	gpuRespOKDisplayInfo = 0x1101
)

// formatBGRX is the only resource format this subset supports (spec
// §4.9: "only format 2 (BGRX) is supported — other formats abort").
const formatBGRX = 2

const ctrlHdrSize = 24

// ctrlHdr is the 24-byte header prefixing every GPU command/response.
type ctrlHdr struct {
	Type    uint32
	Flags   uint32
	FenceID uint64
	CtxID   uint32
	RingIdx uint8
}

func parseCtrlHdr(b []byte) ctrlHdr {
	return ctrlHdr{
		Type:    binary.LittleEndian.Uint32(b[0:4]),
		Flags:   binary.LittleEndian.Uint32(b[4:8]),
		FenceID: binary.LittleEndian.Uint64(b[8:16]),
		CtxID:   binary.LittleEndian.Uint32(b[16:20]),
		RingIdx: b[20],
	}
}

func (h ctrlHdr) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.Type)
	binary.LittleEndian.PutUint32(b[4:8], h.Flags)
	binary.LittleEndian.PutUint64(b[8:16], h.FenceID)
	binary.LittleEndian.PutUint32(b[16:20], h.CtxID)
	b[20] = h.RingIdx
	b[21], b[22], b[23] = 0, 0, 0
}

// Rect is a GPU rectangle (x, y, width, height).
type Rect struct {
	X, Y, W, H uint32
}

func parseRect(b []byte) Rect {
	return Rect{
		X: binary.LittleEndian.Uint32(b[0:4]),
		Y: binary.LittleEndian.Uint32(b[4:8]),
		W: binary.LittleEndian.Uint32(b[8:12]),
		H: binary.LittleEndian.Uint32(b[12:16]),
	}
}

func (r Rect) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], r.X)
	binary.LittleEndian.PutUint32(b[4:8], r.Y)
	binary.LittleEndian.PutUint32(b[8:12], r.W)
	binary.LittleEndian.PutUint32(b[12:16], r.H)
}

const displayOneSize = 24

// displayOne is one pmode entry of a GET_DISPLAY_INFO response.
type displayOne struct {
	R       Rect
	Enabled uint32
	Flags   uint32
}

func (d displayOne) encode(b []byte) {
	d.R.encode(b[0:16])
	binary.LittleEndian.PutUint32(b[16:20], d.Enabled)
	binary.LittleEndian.PutUint32(b[20:24], d.Flags)
}

// respDisplayInfoSize covers the header plus a single pmode slot —
// MAX_SCANOUTS is fixed at 1 by spec §4.9, unlike the teacher's
// 16-entry array.
const respDisplayInfoSize = ctrlHdrSize + displayOneSize

type resourceCreate2D struct {
	ResourceID uint32
	Format     uint32
	Width      uint32
	Height     uint32
}

func parseResourceCreate2D(b []byte) resourceCreate2D {
	return resourceCreate2D{
		ResourceID: binary.LittleEndian.Uint32(b[ctrlHdrSize : ctrlHdrSize+4]),
		Format:     binary.LittleEndian.Uint32(b[ctrlHdrSize+4 : ctrlHdrSize+8]),
		Width:      binary.LittleEndian.Uint32(b[ctrlHdrSize+8 : ctrlHdrSize+12]),
		Height:     binary.LittleEndian.Uint32(b[ctrlHdrSize+12 : ctrlHdrSize+16]),
	}
}

type setScanout struct {
	R          Rect
	ResourceID uint32
}

func parseSetScanout(b []byte) setScanout {
	return setScanout{
		R:          parseRect(b[ctrlHdrSize : ctrlHdrSize+16]),
		ResourceID: binary.LittleEndian.Uint32(b[ctrlHdrSize+20 : ctrlHdrSize+24]),
	}
}

type resourceFlush struct {
	R          Rect
	ResourceID uint32
}

func parseResourceFlush(b []byte) resourceFlush {
	return resourceFlush{
		R:          parseRect(b[ctrlHdrSize : ctrlHdrSize+16]),
		ResourceID: binary.LittleEndian.Uint32(b[ctrlHdrSize+16 : ctrlHdrSize+20]),
	}
}

type transferToHost2D struct {
	R          Rect
	ResourceID uint32
}

func parseTransferToHost2D(b []byte) transferToHost2D {
	return transferToHost2D{
		R:          parseRect(b[ctrlHdrSize : ctrlHdrSize+16]),
		ResourceID: binary.LittleEndian.Uint32(b[ctrlHdrSize+24 : ctrlHdrSize+28]),
	}
}

const memEntrySize = 16

type memEntry struct {
	Addr   uint32
	Length uint32
}

func parseMemEntry(b []byte) memEntry {
	return memEntry{
		Addr:   binary.LittleEndian.Uint32(b[0:4]),
		Length: binary.LittleEndian.Uint32(b[8:12]),
	}
}

type resourceAttachBacking struct {
	ResourceID uint32
	NrEntries  uint32
}

func parseResourceAttachBacking(b []byte) resourceAttachBacking {
	return resourceAttachBacking{
		ResourceID: binary.LittleEndian.Uint32(b[ctrlHdrSize : ctrlHdrSize+4]),
		NrEntries:  binary.LittleEndian.Uint32(b[ctrlHdrSize+4 : ctrlHdrSize+8]),
	}
}

// okNoData writes an OK_NODATA response (spec §4.9) and returns its length.
func okNoData(b []byte) int {
	h := ctrlHdr{Type: gpuRespOKNoData}
	h.encode(b)
	return ctrlHdrSize
}
