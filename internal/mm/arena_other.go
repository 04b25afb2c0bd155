//go:build !unix

package mm

func newArena(size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func freeArena([]byte) error { return nil }

func protect([]byte, uint64, bool) error { return nil }
