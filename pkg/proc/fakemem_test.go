package proc

import (
	"encoding/binary"
	"errors"
)

var errFakeFault = errors.New("fault")

// fakeMemory is a sparse memory image.
type fakeMemory struct {
	data       map[uint64]byte
	readOnly   map[uint64]bool
	writeCount int
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{data: map[uint64]byte{}, readOnly: map[uint64]bool{}}
}

func (m *fakeMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	for i := range buf {
		b, ok := m.data[addr+uint64(i)]
		if !ok {
			return i, errFakeFault
		}
		buf[i] = b
	}
	return len(buf), nil
}

func (m *fakeMemory) WriteMemory(addr uint64, data []byte) (int, error) {
	for i := range data {
		if m.readOnly[addr+uint64(i)] {
			return 0, errFakeFault
		}
	}
	for i, b := range data {
		m.data[addr+uint64(i)] = b
	}
	m.writeCount++
	return len(data), nil
}

func (m *fakeMemory) store(addr uint64, data ...byte) {
	for i, b := range data {
		m.data[addr+uint64(i)] = b
	}
}

func (m *fakeMemory) storeUint64(addr, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	m.store(addr, buf[:]...)
}

type fakeRegs struct {
	pc, sp, bp uint64
}

func (r *fakeRegs) PC() uint64      { return r.pc }
func (r *fakeRegs) SP() uint64      { return r.sp }
func (r *fakeRegs) BP() uint64      { return r.bp }
func (r *fakeRegs) SetPC(pc uint64) { r.pc = pc }
