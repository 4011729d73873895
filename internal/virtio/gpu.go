package virtio

import (
	"github.com/krns06/tiny-rv32ima-sim/internal/riscv32"
)

// virtio-gpu constants (spec §4.9). Grounded on the teacher's Gpu
// device (devices/virtio/gpu.go) for the overall control-queue
// ring-walk/dispatch shape; MAX_SCANOUTS shrunk from the teacher's 16
// to the spec's 1, and the host callback surface replaced with the
// spec's tagged {Copy,Flush,Disable} messages instead of the teacher's
// single OnFlush hook.
const (
	GPUDeviceType = 16

	gpuQueueControl = 0
	gpuQueueCursor  = 1
	gpuQueues       = 2

	maxScanouts = 1
	maxCapsets  = 0
)

// supportedRect is the single fixed display mode this subset advertises
// (spec §4.9: "A fixed supported display Rect 0,0 × 800×600").
var supportedRect = Rect{X: 0, Y: 0, W: 800, H: 600}

// HostDisplay receives the tagged host-visible side effects of the GPU
// command protocol (spec §4.9's Copy/Flush/Disable messages).
type HostDisplay interface {
	Copy(resourceID uint32, r Rect, pixels []uint32)
	Flush(resourceID uint32, r Rect)
	Disable()
}

type gpuResource struct {
	format  uint32
	width   uint32
	height  uint32
	backing []memEntry
}

type gpuScanout struct {
	r          Rect
	resourceID uint32
	valid      bool
}

// GPU is the virtio-gpu 2D device model (spec §4.9).
type GPU struct {
	host HostDisplay

	resources map[uint32]*gpuResource
	scanout   gpuScanout
}

var _ Device = (*GPU)(nil)

// NewGPU constructs a GPU device whose command side effects are
// reported to host.
func NewGPU(host HostDisplay) *GPU {
	return &GPU{host: host, resources: make(map[uint32]*gpuResource)}
}

func (g *GPU) DeviceType() uint32 { return GPUDeviceType }

func (g *GPU) FeatureWord(uint32) uint32 { return 0 } // no VIRGL/EDID/BLOB/CONTEXT_INIT

func (g *GPU) QueueSizeMax(int) uint16 { return QSIZE }

func (g *GPU) ReadConfig(offset uint32) uint32 {
	switch offset {
	case 8:
		return maxScanouts
	case 0xc:
		return maxCapsets
	default:
		return 0
	}
}

func (g *GPU) WriteConfig(uint32, uint32) {}

func (g *GPU) Reset() {
	g.resources = make(map[uint32]*gpuResource)
	g.scanout = gpuScanout{}
}

// SHMRegister implements the Transport's optional SHM-register hook
// (spec §4.9: fixed lengths {0x200000, 0x200000} and bases
// {0x10010000, 0x10030000} for shm_sel ∈ {0, 1}, unused but observable).
func (g *GPU) SHMRegister(sel, offset uint32) uint32 {
	lens := [2]uint32{0x200000, 0x200000}
	bases := [2]uint32{0x10010000, 0x10030000}
	if sel >= 2 {
		return 0
	}
	switch offset {
	case regSHMLenLow:
		return lens[sel]
	case regSHMLenHigh:
		return 0
	case regSHMBaseLow:
		return bases[sel]
	case regSHMBaseHigh:
		return 0
	default:
		return 0
	}
}

// Notify dispatches a CONTROL-queue command chain. CURSOR-queue
// notifications are accepted and dropped, per spec §4.9: "NOTIFY on
// CURSOR is not implemented."
func (g *GPU) Notify(idx int, queues []*Queue, csr *riscv32.CSR) (bool, error) {
	if idx == gpuQueueCursor {
		q := queues[gpuQueueCursor]
		for {
			_, ok, err := q.NextAvailable()
			if err != nil || !ok {
				return false, err
			}
		}
	}
	if idx != gpuQueueControl {
		return false, nil
	}
	q := queues[gpuQueueControl]
	interrupted := false
	for {
		head, ok, err := q.NextAvailable()
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		n, err := g.dispatch(q, head)
		if err != nil {
			return false, err
		}
		if err := q.PutUsed(head, uint32(n)); err != nil {
			return false, err
		}
		interrupted = true
	}
	return interrupted, nil
}

func (g *GPU) Tick([]*Queue, *riscv32.CSR) (bool, error) { return false, nil }

// dispatch implements spec §4.9's command protocol: the first
// descriptor is the command header selecting the handler; the
// response is written into the next device-writeable descriptor.
func (g *GPU) dispatch(q *Queue, head uint16) (int, error) {
	chain, err := q.ReadChain(head)
	if err != nil {
		return 0, err
	}
	if len(chain) == 0 {
		return 0, &riscv32.AbortError{Reason: "virtio-gpu: empty command chain"}
	}
	cmd, err := q.Read(chain[0].Addr, chain[0].Length)
	if err != nil {
		return 0, err
	}
	if len(cmd) < ctrlHdrSize {
		return 0, &riscv32.AbortError{Reason: "virtio-gpu: command shorter than header"}
	}
	hdr := parseCtrlHdr(cmd)

	switch hdr.Type {
	case gpuCmdGetDisplayInfo:
		return g.handleGetDisplayInfo(q, chain)
	case gpuCmdResourceCreate2D:
		return g.handleResourceCreate2D(q, chain, cmd)
	case gpuCmdSetScanout:
		return g.handleSetScanout(q, chain, cmd)
	case gpuCmdResourceFlush:
		return g.handleResourceFlush(q, chain, cmd)
	case gpuCmdTransferToHost2D:
		return g.handleTransferToHost2D(q, chain, cmd)
	case gpuCmdResourceAttachBack:
		return g.handleResourceAttachBacking(q, chain, cmd)
	default:
		return 0, &riscv32.AbortError{Reason: "virtio-gpu: unhandled command type"}
	}
}

func (g *GPU) writeResponse(q *Queue, desc Payload, n int, buf []byte) (int, error) {
	if err := q.Write(desc.Addr, buf[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

func (g *GPU) handleGetDisplayInfo(q *Queue, chain []Payload) (int, error) {
	if len(chain) < 2 {
		return 0, &riscv32.AbortError{Reason: "virtio-gpu: GET_DISPLAY_INFO missing response descriptor"}
	}
	buf := make([]byte, respDisplayInfoSize)
	h := ctrlHdr{Type: gpuRespOKDisplayInfo}
	h.encode(buf[:ctrlHdrSize])
	pmode := displayOne{R: supportedRect, Enabled: 1}
	pmode.encode(buf[ctrlHdrSize : ctrlHdrSize+displayOneSize])
	return g.writeResponse(q, chain[1], len(buf), buf)
}

func (g *GPU) handleResourceCreate2D(q *Queue, chain []Payload, cmd []byte) (int, error) {
	if len(chain) < 2 {
		return 0, &riscv32.AbortError{Reason: "virtio-gpu: RESOURCE_CREATE_2D missing response descriptor"}
	}
	req := parseResourceCreate2D(cmd)
	if req.Format != formatBGRX {
		return 0, &riscv32.AbortError{Reason: "virtio-gpu: unsupported resource format"}
	}
	g.resources[req.ResourceID] = &gpuResource{format: req.Format, width: req.Width, height: req.Height}
	buf := make([]byte, ctrlHdrSize)
	n := okNoData(buf)
	return g.writeResponse(q, chain[1], n, buf)
}

func (g *GPU) handleSetScanout(q *Queue, chain []Payload, cmd []byte) (int, error) {
	if len(chain) < 2 {
		return 0, &riscv32.AbortError{Reason: "virtio-gpu: SET_SCANOUT missing response descriptor"}
	}
	req := parseSetScanout(cmd)
	if req.ResourceID == 0 {
		g.host.Disable()
		g.scanout = gpuScanout{}
	} else {
		g.scanout = gpuScanout{r: req.R, resourceID: req.ResourceID, valid: true}
	}
	buf := make([]byte, ctrlHdrSize)
	n := okNoData(buf)
	return g.writeResponse(q, chain[1], n, buf)
}

func (g *GPU) handleResourceFlush(q *Queue, chain []Payload, cmd []byte) (int, error) {
	if len(chain) < 2 {
		return 0, &riscv32.AbortError{Reason: "virtio-gpu: RESOURCE_FLUSH missing response descriptor"}
	}
	req := parseResourceFlush(cmd)
	if req.R != supportedRect {
		return 0, &riscv32.AbortError{Reason: "virtio-gpu: RESOURCE_FLUSH Rect mismatch"}
	}
	g.host.Flush(req.ResourceID, req.R)
	buf := make([]byte, ctrlHdrSize)
	n := okNoData(buf)
	return g.writeResponse(q, chain[1], n, buf)
}

func (g *GPU) handleTransferToHost2D(q *Queue, chain []Payload, cmd []byte) (int, error) {
	if len(chain) < 2 {
		return 0, &riscv32.AbortError{Reason: "virtio-gpu: TRANSFER_TO_HOST_2D missing response descriptor"}
	}
	req := parseTransferToHost2D(cmd)
	if req.R != supportedRect {
		return 0, &riscv32.AbortError{Reason: "virtio-gpu: TRANSFER_TO_HOST_2D Rect mismatch"}
	}
	res, ok := g.resources[req.ResourceID]
	if !ok {
		return 0, &riscv32.AbortError{Reason: "virtio-gpu: unknown resource in TRANSFER_TO_HOST_2D"}
	}
	linear := make([]byte, res.width*res.height*4)
	var off uint32
	for _, e := range res.backing {
		if off >= uint32(len(linear)) {
			break
		}
		chunk, err := q.Read(e.Addr, e.Length)
		if err != nil {
			return 0, err
		}
		off += uint32(copy(linear[off:], chunk))
	}
	pixels := bgrxToXRGB(linear)
	g.host.Copy(req.ResourceID, req.R, pixels)
	buf := make([]byte, ctrlHdrSize)
	n := okNoData(buf)
	return g.writeResponse(q, chain[1], n, buf)
}

func (g *GPU) handleResourceAttachBacking(q *Queue, chain []Payload, cmd []byte) (int, error) {
	if len(chain) < 3 {
		return 0, &riscv32.AbortError{Reason: "virtio-gpu: RESOURCE_ATTACH_BACKING needs a three-descriptor chain"}
	}
	req := parseResourceAttachBacking(cmd)
	res, ok := g.resources[req.ResourceID]
	if !ok {
		return 0, &riscv32.AbortError{Reason: "virtio-gpu: unknown resource in RESOURCE_ATTACH_BACKING"}
	}
	entriesBuf, err := q.Read(chain[1].Addr, uint32(req.NrEntries)*memEntrySize)
	if err != nil {
		return 0, err
	}
	res.backing = res.backing[:0]
	for i := uint32(0); i < req.NrEntries; i++ {
		res.backing = append(res.backing, parseMemEntry(entriesBuf[i*memEntrySize:(i+1)*memEntrySize]))
	}
	buf := make([]byte, ctrlHdrSize)
	n := okNoData(buf)
	return g.writeResponse(q, chain[2], n, buf)
}

// bgrxToXRGB converts a BGRX8888 linear buffer into packed XRGB8888
// words (spec §4.9's TRANSFER_TO_HOST_2D byte-reorder).
func bgrxToXRGB(linear []byte) []uint32 {
	out := make([]uint32, len(linear)/4)
	for i := range out {
		b := linear[i*4+0]
		g := linear[i*4+1]
		r := linear[i*4+2]
		out[i] = uint32(r)<<16 | uint32(g)<<8 | uint32(b)
	}
	return out
}
