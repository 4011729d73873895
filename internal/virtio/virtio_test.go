package virtio

// fakeMemory is a flat byte-slice GuestMemory for package tests, mirroring
// bus.RAM's ReaderAt/WriterAt contract without pulling in the bus package.
type fakeMemory struct {
	data []byte
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{data: make([]byte, size)}
}

func (m *fakeMemory) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *fakeMemory) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m.data[off:], p)
	return n, nil
}
