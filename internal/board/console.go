package board

import (
	"io"
	"os"
	"sync"
)

// stdinPump turns the host's blocking stdin into a reader that returns
// whatever has arrived so far, which is what a polled UART needs.
type stdinPump struct {
	mu  sync.Mutex
	buf []byte
	err error
}

var (
	stdinOnce sync.Once
	stdin     *stdinPump
)

func nonBlockingStdin() io.Reader {
	stdinOnce.Do(func() {
		stdin = &stdinPump{}
		go stdin.run(os.Stdin)
	})
	return stdin
}

func (p *stdinPump) run(r io.Reader) {
	chunk := make([]byte, 256)
	for {
		n, err := r.Read(chunk)
		p.mu.Lock()
		p.buf = append(p.buf, chunk[:n]...)
		if err != nil {
			p.err = err
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}

func (p *stdinPump) Read(out []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(out, p.buf)
	p.buf = p.buf[n:]
	if n == 0 && p.err != nil {
		return 0, p.err
	}
	return n, nil
}
