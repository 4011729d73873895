package virtio

import (
	"github.com/krns06/tiny-rv32ima-sim/internal/bus"
	"github.com/krns06/tiny-rv32ima-sim/internal/riscv32"
)

// MMIO register offsets common to every virtio-MMIO device (spec §4.7).
// Grounded on the teacher's VIRTIO_MMIO_* constant block
// (devices/virtio/mmio.go), trimmed to the registers this 32-bit-only,
// single-feature-word-in-practice subset actually implements.
const (
	regMagic           = 0x000
	regVersion         = 0x004
	regDeviceID        = 0x008
	regVendorID        = 0x00c
	regDeviceFeatures  = 0x010
	regDeviceFeatSel   = 0x014
	regDriverFeatures  = 0x020
	regDriverFeatSel   = 0x024
	regQueueSel        = 0x030
	regQueueNumMax     = 0x034
	regQueueNum        = 0x038
	regQueueReady      = 0x044
	regQueueNotify     = 0x050
	regInterruptStatus = 0x060
	regInterruptAck    = 0x064
	regStatus          = 0x070
	regQueueDescLow    = 0x080
	regQueueDescHigh   = 0x084
	regQueueDriverLow  = 0x090
	regQueueDriverHigh = 0x094
	regQueueDeviceLow  = 0x0a0
	regQueueDeviceHigh = 0x0a4
	regSHMSel          = 0x0ac
	regSHMLenLow       = 0x0b0
	regSHMLenHigh      = 0x0b4
	regSHMBaseLow      = 0x0b8
	regSHMBaseHigh     = 0x0bc
	regConfigGen       = 0x0fc
	regConfigBase      = 0x100

	virtioMagic   = 0x74726976
	virtioVersion = 2
)

// Status bits and the permitted write values (spec §4.7).
const (
	statusACK        = 1
	statusDriver     = 2
	statusFailed     = 128
	statusFeaturesOK = 8
	statusDriverOK   = 4
)

var permittedStatusWrites = map[uint32]bool{
	0:    true,
	1:    true,
	3:    true,
	0xb:  true,
	0xf:  true,
}

// Transport implements the virtio-MMIO register frame (spec §4.7) on
// top of a device-specific Device, and satisfies bus.Device so it can
// be mapped directly onto the bus. Grounded on the teacher's mmioDevice
// (devices/virtio/mmio.go), stripped of PCI/ACPI/device-tree/snapshot
// scaffolding the spec's fixed, pre-negotiated memory map has no use for.
type Transport struct {
	dev  Device
	irq  uint32
	size uint32
	mem  GuestMemory

	deviceFeatSel uint32
	driverFeatSel uint32
	driverFeat    [2]uint32

	queueSel uint32
	queues   []*Queue

	status          uint32
	interruptStatus uint32
	shmSel          uint32
	configGen       uint32
}

var _ bus.Device = (*Transport)(nil)

// NewTransport builds the MMIO frame around dev, wiring numQueues
// Queue instances of QSIZE depth each over mem. size is the device's
// MMIO aperture (used to answer the bus.Device contract's Size()).
func NewTransport(dev Device, irq, size uint32, mem GuestMemory, numQueues int) *Transport {
	t := &Transport{dev: dev, irq: irq, size: size, mem: mem}
	t.queues = make([]*Queue, numQueues)
	for i := range t.queues {
		t.queues[i] = NewQueue(mem)
	}
	return t
}

func (t *Transport) Size() uint32   { return t.size }
func (t *Transport) IRQ() uint32    { return t.irq }
func (t *Transport) TakeInterrupt() {}

func (t *Transport) currentQueue() *Queue {
	if int(t.queueSel) >= len(t.queues) {
		return nil
	}
	return t.queues[t.queueSel]
}

func (t *Transport) Read(offset uint32, size int, csr *riscv32.CSR) (uint32, error) {
	if size != 4 {
		return 0, riscv32.Exception(riscv32.CauseLoadAccessFault, offset)
	}
	switch offset {
	case regMagic:
		return virtioMagic, nil
	case regVersion:
		return virtioVersion, nil
	case regDeviceID:
		return t.dev.DeviceType(), nil
	case regVendorID:
		return 0, nil
	case regDeviceFeatures:
		return t.dev.FeatureWord(t.deviceFeatSel), nil
	case regQueueNumMax:
		q := t.currentQueue()
		if q == nil {
			return 0, nil
		}
		return uint32(t.dev.QueueSizeMax(int(t.queueSel))), nil
	case regQueueNum:
		q := t.currentQueue()
		if q == nil {
			return 0, nil
		}
		return uint32(q.Size), nil
	case regQueueReady:
		q := t.currentQueue()
		if q != nil && q.Ready {
			return 1, nil
		}
		return 0, nil
	case regQueueDescLow:
		return t.queueField(func(q *Queue) uint32 { return q.DescAddr }), nil
	case regQueueDriverLow:
		return t.queueField(func(q *Queue) uint32 { return q.DriverAddr }), nil
	case regQueueDeviceLow:
		return t.queueField(func(q *Queue) uint32 { return q.DeviceAddr }), nil
	case regQueueDescHigh, regQueueDriverHigh, regQueueDeviceHigh:
		return 0, nil
	case regInterruptStatus:
		// Always 1 regardless of which interrupt bits are actually
		// latched (spec §4.7; matches the original's bus/virtio_mmio.rs
		// resolution of this register).
		return 1, nil
	case regStatus:
		return t.status, nil
	case regSHMSel:
		return t.shmSel, nil
	case regSHMLenLow, regSHMLenHigh, regSHMBaseLow, regSHMBaseHigh:
		return t.shmRegister(offset), nil
	case regConfigGen:
		return t.configGen, nil
	default:
		if offset >= regConfigBase {
			return t.dev.ReadConfig(offset - regConfigBase), nil
		}
		return 0, nil
	}
}

func (t *Transport) queueField(get func(*Queue) uint32) uint32 {
	q := t.currentQueue()
	if q == nil {
		return 0
	}
	return get(q)
}

// shmRegister implements spec §4.9's fixed SHM length/base registers,
// exposed generically here since only the GPU device actually uses
// them (Net reports all-zero via the same path, which is harmless).
func (t *Transport) shmRegister(offset uint32) uint32 {
	if g, ok := t.dev.(interface{ SHMRegister(sel, offset uint32) uint32 }); ok {
		return g.SHMRegister(t.shmSel, offset)
	}
	return 0
}

func (t *Transport) Write(offset uint32, size int, value uint32, csr *riscv32.CSR) (bus.Response, error) {
	if size != 4 {
		return bus.Response{}, riscv32.Exception(riscv32.CauseStoreAccessFault, offset)
	}
	switch offset {
	case regDeviceFeatSel:
		t.deviceFeatSel = value
	case regDriverFeatures:
		if t.driverFeatSel < uint32(len(t.driverFeat)) {
			if value != t.dev.FeatureWord(t.driverFeatSel) {
				t.status |= statusFailed
			}
			t.driverFeat[t.driverFeatSel] = value
		}
	case regDriverFeatSel:
		t.driverFeatSel = value
	case regQueueSel:
		t.queueSel = value
	case regQueueNum:
		if q := t.currentQueue(); q != nil {
			if value > uint32(t.dev.QueueSizeMax(int(t.queueSel))) {
				// "a write exceeding queue_size_max is a warning but
				// otherwise honoured" (spec §4.7).
			}
			q.Size = uint16(value)
		}
	case regQueueReady:
		if q := t.currentQueue(); q != nil {
			q.Ready = value&1 != 0
		}
	case regQueueDescLow:
		t.setQueueField(func(q *Queue, v uint32) { q.DescAddr = v }, value)
	case regQueueDriverLow:
		t.setQueueField(func(q *Queue, v uint32) { q.DriverAddr = v }, value)
	case regQueueDeviceLow:
		t.setQueueField(func(q *Queue, v uint32) { q.DeviceAddr = v }, value)
	case regQueueDescHigh, regQueueDriverHigh, regQueueDeviceHigh:
		// must be written as 0 in this 32-bit-only simulator (spec §4.7).
	case regQueueNotify:
		idx := int(value)
		if idx < 0 || idx >= len(t.queues) {
			return bus.Response{}, nil
		}
		interrupting, err := t.dev.Notify(idx, t.queues, csr)
		if err != nil {
			return bus.Response{}, err
		}
		if interrupting {
			t.raiseVring()
		}
		return bus.Response{Interrupting: interrupting}, nil
	case regInterruptAck:
		if value == 1 {
			t.interruptStatus = 0
		}
	case regStatus:
		if !permittedStatusWrites[value] {
			return bus.Response{}, nil
		}
		if value == 0 {
			t.reset()
			return bus.Response{}, nil
		}
		t.status = value
	case regSHMSel:
		t.shmSel = value
	default:
		if offset >= regConfigBase {
			t.dev.WriteConfig(offset-regConfigBase, value)
			t.configGen++
		}
	}
	return bus.Response{}, nil
}

func (t *Transport) setQueueField(set func(*Queue, uint32), value uint32) {
	if q := t.currentQueue(); q != nil {
		set(q, value)
	}
}

func (t *Transport) raiseVring() { t.interruptStatus |= 1 }

func (t *Transport) reset() {
	t.deviceFeatSel, t.driverFeatSel = 0, 0
	t.driverFeat = [2]uint32{}
	t.queueSel = 0
	t.status = 0
	t.interruptStatus = 0
	t.configGen = 0
	for _, q := range t.queues {
		q.Reset()
	}
	t.dev.Reset()
}

// Tick drives the device's per-tick background work (spec §4.8's
// RX polling).
func (t *Transport) Tick(csr *riscv32.CSR) (bus.Response, error) {
	if t.status&statusDriverOK == 0 {
		return bus.Response{}, nil
	}
	interrupting, err := t.dev.Tick(t.queues, csr)
	if err != nil {
		return bus.Response{}, err
	}
	if interrupting {
		t.raiseVring()
	}
	return bus.Response{Interrupting: interrupting}, nil
}
