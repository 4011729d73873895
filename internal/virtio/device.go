package virtio

import "github.com/krns06/tiny-rv32ima-sim/internal/riscv32"

// Device is the device-specific capability set a virtio-MMIO transport
// drives (spec §4.7's common frame around §4.8/§4.9's Net/GPU
// specifics). Grounded on the teacher's VirtioDevice interface
// (devices/virtio/device.go), trimmed of the hv.ExitContext parameter
// and MaxQueues (queue count here is a compile-time constant per
// device, exposed via len(QueueSizes())).
type Device interface {
	// DeviceType is the virtio device-type tag returned at MMIO 0x008.
	DeviceType() uint32
	// FeatureWord returns the supported-features word for the given
	// 32-bit feature select index (spec §4.7's features_supported[sel]).
	FeatureWord(sel uint32) uint32
	// QueueSizeMax returns the maximum size for queue idx.
	QueueSizeMax(idx int) uint16
	// ReadConfig/WriteConfig access the device-specific config space at
	// offsets ≥ 0x100 (relative to 0x100).
	ReadConfig(offset uint32) uint32
	WriteConfig(offset uint32, value uint32)
	// Reset restores device-private state on a status write of 0,
	// preserving host-side channels (spec §3 "Lifecycles").
	Reset()
	// Notify handles a NOTIFY write for queue idx, given the queues
	// array (already carrying negotiated addresses/ready state) and the
	// negotiated feature set. Returns whether this should raise the
	// device's IRQ.
	Notify(idx int, queues []*Queue, csr *riscv32.CSR) (interrupting bool, err error)
	// Tick lets the device make per-bus-tick background progress (e.g.
	// virtio-net RX polling). Returns whether this asserts the IRQ.
	Tick(queues []*Queue, csr *riscv32.CSR) (interrupting bool, err error)
}
