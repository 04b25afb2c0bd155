package serial

const fifoSize = 16

// fifo is the 16 byte ring a 16550 uses for each direction.
type fifo struct {
	buf   [fifoSize]byte
	head  int
	count int
}

func (f *fifo) full() bool  { return f.count == fifoSize }
func (f *fifo) empty() bool { return f.count == 0 }
func (f *fifo) free() int   { return fifoSize - f.count }

func (f *fifo) push(b byte) bool {
	if f.full() {
		return false
	}
	f.buf[(f.head+f.count)%fifoSize] = b
	f.count++
	return true
}

func (f *fifo) pop() (byte, bool) {
	if f.empty() {
		return 0, false
	}
	b := f.buf[f.head]
	f.head = (f.head + 1) % fifoSize
	f.count--
	return b, true
}

func (f *fifo) reset() {
	f.head, f.count = 0, 0
}
