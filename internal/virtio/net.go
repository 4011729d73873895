package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/krns06/tiny-rv32ima-sim/internal/riscv32"
)

// virtio-net constants (spec §4.8). Grounded on the teacher's Net
// device (devices/virtio/net.go) for the header layout and queue
// indices; feature bits and queue count trimmed to exactly what the
// spec names (no GSO/checksum offload, no event-idx).
const (
	NetDeviceType = 1

	netQueueRX = 0
	netQueueTX = 1
	netQueues  = 2

	netHeaderSize = 12

	netFeatureMacBit = 5
	netFeatureWord1  = 1 // VIRTIO_F_VERSION_1
)

// netHeader mirrors the 12-byte virtio-net packet header (spec §4.8:
// "a zeroed virtio-net header (num_buffers = 1)").
type netHeader struct {
	flags      uint8
	gsoType    uint8
	hdrLen     uint16
	gsoSize    uint16
	csumStart  uint16
	csumOffset uint16
	numBuffers uint16
}

func (h netHeader) marshal() []byte {
	var buf [netHeaderSize]byte
	buf[0] = h.flags
	buf[1] = h.gsoType
	binary.LittleEndian.PutUint16(buf[2:4], h.hdrLen)
	binary.LittleEndian.PutUint16(buf[4:6], h.gsoSize)
	binary.LittleEndian.PutUint16(buf[6:8], h.csumStart)
	binary.LittleEndian.PutUint16(buf[8:10], h.csumOffset)
	binary.LittleEndian.PutUint16(buf[10:12], h.numBuffers)
	return buf[:]
}

// NetBackend is the host side of the network device: Receive is
// polled once per tick for an inbound frame, Send hands an outbound
// frame to the host.
type NetBackend interface {
	Receive() ([]byte, bool)
	Send(frame []byte)
}

// Net is the virtio-net device model (spec §4.8).
type Net struct {
	mac     [6]byte
	backend NetBackend
}

var _ Device = (*Net)(nil)

// NewNet constructs a virtio-net device with the given MAC, backed by
// backend for frame I/O.
func NewNet(mac [6]byte, backend NetBackend) *Net {
	return &Net{mac: mac, backend: backend}
}

func (n *Net) DeviceType() uint32 { return NetDeviceType }

func (n *Net) FeatureWord(sel uint32) uint32 {
	switch sel {
	case 0:
		return 1 << netFeatureMacBit
	case 1:
		return netFeatureWord1
	default:
		return 0
	}
}

func (n *Net) QueueSizeMax(int) uint16 { return QSIZE }

func (n *Net) ReadConfig(offset uint32) uint32 {
	if offset < 6 {
		return uint32(n.mac[offset])
	}
	return 0
}

func (n *Net) WriteConfig(uint32, uint32) {} // MAC is read-only from the guest

func (n *Net) Reset() {}

// Notify handles a TX notification: walk newly available descriptor
// chains, strip the virtio-net header, and forward the remainder to
// the host (spec §4.8).
func (n *Net) Notify(idx int, queues []*Queue, csr *riscv32.CSR) (bool, error) {
	if idx != netQueueTX {
		return false, nil
	}
	q := queues[netQueueTX]
	interrupted := false
	for {
		head, ok, err := q.NextAvailable()
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		chain, err := q.ReadChain(head)
		if err != nil {
			return false, err
		}
		if len(chain) == 0 {
			continue
		}
		buf, err := q.Read(chain[0].Addr, chain[0].Length)
		if err != nil {
			return false, err
		}
		if len(buf) < netHeaderSize {
			return false, &riscv32.AbortError{Reason: "virtio-net: TX descriptor shorter than header"}
		}
		numBuffers := binary.LittleEndian.Uint16(buf[10:12])
		if numBuffers != 0 {
			// advisory only, per spec §4.8.
		}
		frame := append([]byte(nil), buf[netHeaderSize:]...)
		n.backend.Send(frame)
		if err := q.PutUsed(head, 0); err != nil {
			return false, err
		}
		interrupted = true
	}
	return interrupted, nil
}

// Tick implements spec §4.8's per-tick RX polling: if a frame is
// available from the host and a driver descriptor is unseen, deliver
// it with a zeroed header.
func (n *Net) Tick(queues []*Queue, csr *riscv32.CSR) (bool, error) {
	q := queues[netQueueRX]
	if !q.Ready {
		return false, nil
	}
	frame, ok := n.backend.Receive()
	if !ok {
		return false, nil
	}
	head, ok, err := q.NextAvailable()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	chain, err := q.ReadChain(head)
	if err != nil {
		return false, err
	}
	if len(chain) == 0 {
		return false, fmt.Errorf("virtio-net: empty RX descriptor chain")
	}
	total := netHeaderSize + len(frame)
	if uint32(total) > chain[0].Length {
		return false, &riscv32.AbortError{Reason: "virtio-net: RX packet exceeds descriptor length"}
	}
	hdr := netHeader{numBuffers: 1}
	payload := append(hdr.marshal(), frame...)
	if err := q.Write(chain[0].Addr, payload); err != nil {
		return false, err
	}
	if err := q.PutUsed(head, uint32(total)); err != nil {
		return false, err
	}
	return true, nil
}
