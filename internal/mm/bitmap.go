package mm

// Bitmap tracks frame usage, one bit per frame. A set bit is a used frame.
type Bitmap struct {
	words []uint64
	n     int
	used  int
}

func NewBitmap(n int) *Bitmap {
	return &Bitmap{words: make([]uint64, (n+63)/64), n: n}
}

func (b *Bitmap) Len() int  { return b.n }
func (b *Bitmap) Used() int { return b.used }
func (b *Bitmap) Free() int { return b.n - b.used }

func (b *Bitmap) Test(i int) bool {
	return b.words[i/64]&(1<<(uint(i)%64)) != 0
}

// AnySet reports whether any frame in [start, start+count) is used.
func (b *Bitmap) AnySet(start, count int) bool {
	for i := start; i < start+count; i++ {
		if b.Test(i) {
			return true
		}
	}
	return false
}

// SetRange marks [start, start+count) as used.
func (b *Bitmap) SetRange(start, count int) {
	for i := start; i < start+count; i++ {
		if !b.Test(i) {
			b.words[i/64] |= 1 << (uint(i) % 64)
			b.used++
		}
	}
}

// ClearRange marks [start, start+count) as free.
func (b *Bitmap) ClearRange(start, count int) {
	for i := start; i < start+count; i++ {
		if b.Test(i) {
			b.words[i/64] &^= 1 << (uint(i) % 64)
			b.used--
		}
	}
}

// FindRun returns the first index of count consecutive free frames, or -1.
func (b *Bitmap) FindRun(count int) int {
	if count <= 0 || count > b.Free() {
		return -1
	}
	run := 0
	for i := 0; i < b.n; i++ {
		w := b.words[i/64]
		// Skip fully used words quickly.
		if i%64 == 0 && w == ^uint64(0) {
			run = 0
			i += 63
			continue
		}
		if i%64 == 0 && w == 0 && i+64 <= b.n {
			run += 64
			if run >= count {
				return i + 64 - run
			}
			i += 63
			continue
		}
		if w&(1<<(uint(i)%64)) != 0 {
			run = 0
			continue
		}
		run++
		if run == count {
			return i - count + 1
		}
	}
	return -1
}
