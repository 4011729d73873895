package main

import (
	"bufio"
	"log/slog"
	"os"

	"github.com/krns06/tiny-rv32ima-sim/internal/virtio"
)

// termUART is the UART's HostChannel, backed by the simulator's own
// stdin/stdout. A background goroutine drains stdin into a buffered
// channel so Input never blocks the run loop (spec §5: "the UART input
// channel (non-blocking try_recv)"); the host-side reader is the one
// thread permitted to touch the channel's producer end.
type termUART struct {
	in  chan byte
	out *bufio.Writer
}

func newTermUART() *termUART {
	u := &termUART{in: make(chan byte, 256), out: bufio.NewWriter(os.Stdout)}
	go u.readLoop()
	return u
}

func (u *termUART) readLoop() {
	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			u.in <- buf[0]
		}
		if err != nil {
			close(u.in)
			return
		}
	}
}

// Output writes a guest-transmitted byte to the controlling terminal.
func (u *termUART) Output(b byte) {
	u.out.WriteByte(b)
	u.out.Flush()
}

// Input implements the non-blocking try_recv side of the channel.
func (u *termUART) Input() (byte, bool) {
	select {
	case b, ok := <-u.in:
		return b, ok
	default:
		return 0, false
	}
}

// nullNetBackend is the virtio-net device's host collaborator. Spec
// §1/§9 place the host tap-device network backend itself out of scope
// ("external collaborator reached only through a byte-stream
// channel"); this stub satisfies virtio.NetBackend without a real
// network stack, logging what a tap device would otherwise carry.
type nullNetBackend struct{}

var _ virtio.NetBackend = nullNetBackend{}

func (nullNetBackend) Receive() ([]byte, bool) { return nil, false }

func (nullNetBackend) Send(frame []byte) {
	slog.Debug("virtio-net: frame dropped, no tap device attached", "bytes", len(frame))
}

// logDisplay is the virtio-GPU device's HostDisplay. Spec §1 places the
// host framebuffer window out of scope; this stub logs the tagged
// Copy/Flush/Disable messages the GPU model emits instead of rendering
// them to a window.
type logDisplay struct{}

var _ virtio.HostDisplay = logDisplay{}

func (logDisplay) Copy(resourceID uint32, r virtio.Rect, pixels []uint32) {
	slog.Debug("virtio-gpu: copy", "resource", resourceID, "rect", r, "pixels", len(pixels))
}

func (logDisplay) Flush(resourceID uint32, r virtio.Rect) {
	slog.Debug("virtio-gpu: flush", "resource", resourceID, "rect", r)
}

func (logDisplay) Disable() {
	slog.Debug("virtio-gpu: scanout disabled")
}
