package sx127x

import (
	"sync"
	"time"
)

type regWrite struct {
	addr, value uint8
}

// fakeRadio emulates the register map of an SX1276 closely enough for the
// driver: FIFO pointer auto-increment, write-one-to-clear IRQ flags and a
// transmitter that finishes after a number of op-mode reads.
type fakeRadio struct {
	mu     sync.Mutex
	regs   [0x80]uint8
	fifo   [256]uint8
	writes []regWrite

	// txReads is how many RegOpMode reads Tx lasts; negative never finishes.
	txReads   int
	modeReads int
	onTx      func()
}

func newFakeRadio() *fakeRadio {
	f := &fakeRadio{txReads: 2}
	f.regs[RegVersion] = ExpectedVersion
	f.regs[RegInvertIQ] = invertIQNormal
	return f
}

func (f *fakeRadio) ReadRegister(addr uint8) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch addr {
	case RegFifo:
		ptr := f.regs[RegFifoAddrPtr]
		f.regs[RegFifoAddrPtr] = ptr + 1
		return f.fifo[ptr], nil
	case RegOpMode:
		if f.regs[RegOpMode]&opModeMask == modeTx && f.txReads >= 0 {
			f.modeReads++
			if f.modeReads >= f.txReads {
				f.finishTx()
			}
		}
	}
	return f.regs[addr&0x7f], nil
}

func (f *fakeRadio) WriteRegister(addr, value uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes = append(f.writes, regWrite{addr, value})
	switch addr {
	case RegFifo:
		ptr := f.regs[RegFifoAddrPtr]
		f.fifo[ptr] = value
		f.regs[RegFifoAddrPtr] = ptr + 1
	case RegIrqFlags:
		f.regs[RegIrqFlags] &^= value
	case RegOpMode:
		f.regs[RegOpMode] = value
		if value&opModeMask == modeTx {
			f.modeReads = 0
			if f.onTx != nil {
				f.onTx()
			}
		}
	default:
		f.regs[addr&0x7f] = value
	}
	return nil
}

func (f *fakeRadio) finishTx() {
	f.regs[RegOpMode] = opModeLoRa | modeStandby
	f.regs[RegIrqFlags] |= IrqTxDone
}

// deliver places packet in the receive FIFO and raises the IRQ flags.
func (f *fakeRadio) deliver(packet []byte, flags uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()

	const at = 0x10
	copy(f.fifo[at:], packet)
	f.regs[RegFifoRxCurrentAddr] = at
	f.regs[RegRxNbBytes] = uint8(len(packet))
	f.regs[RegPktSnrValue] = 0x20 // +8 dB
	f.regs[RegPktRssiValue] = 60
	f.regs[RegIrqFlags] |= flags
}

func (f *fakeRadio) reg(addr uint8) uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[addr]
}

func (f *fakeRadio) writesTo(addr uint8) []uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []uint8
	for _, w := range f.writes {
		if w.addr == addr {
			out = append(out, w.value)
		}
	}
	return out
}

func (f *fakeRadio) resetWrites() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = nil
}

// fakeClock advances only when the driver sleeps.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
