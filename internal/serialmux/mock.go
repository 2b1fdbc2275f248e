package serialmux

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
)

// ResponderPort is an in-memory serial device. Every complete line written
// to it is passed to a respond function, and the lines it returns become
// readable. The dev-mode stage simulator and the tests run on it.
type ResponderPort struct {
	respond func(line string) []string

	mu       sync.Mutex
	cond     *sync.Cond
	partial  bytes.Buffer
	out      bytes.Buffer
	written  []string
	closed   bool
	done     chan struct{}
	writeErr error
}

// NewResponderPort returns a port answering with respond. A nil respond
// never answers.
func NewResponderPort(respond func(line string) []string) *ResponderPort {
	if respond == nil {
		respond = func(string) []string { return nil }
	}
	p := &ResponderPort{respond: respond, done: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Read blocks until a reply is available or the port is closed.
func (p *ResponderPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.out.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.out.Len() == 0 {
		return 0, io.EOF
	}
	return p.out.Read(b)
}

// Write records b and answers every line it completes.
func (p *ResponderPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("serial port closed")
	}
	if err := p.writeErr; err != nil {
		p.writeErr = nil
		p.mu.Unlock()
		return 0, err
	}
	p.partial.Write(b)
	var lines []string
	for {
		buf := p.partial.Bytes()
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(buf[:i]), "\r")
		p.partial.Next(i + 1)
		lines = append(lines, line)
		p.written = append(p.written, line)
	}
	p.mu.Unlock()

	for _, line := range lines {
		p.Inject(p.respond(line)...)
	}
	return len(b), nil
}

// Inject makes lines readable as if the device had sent them unprompted.
func (p *ResponderPort) Inject(lines ...string) {
	if len(lines) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for _, l := range lines {
		p.out.WriteString(l)
		p.out.WriteByte('\n')
	}
	p.cond.Broadcast()
}

// FailNextWrite makes the next Write return err.
func (p *ResponderPort) FailNextWrite(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// Written returns every complete line written so far.
func (p *ResponderPort) Written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

// Done is closed when the port is closed.
func (p *ResponderPort) Done() <-chan struct{} {
	return p.done
}

// Close unblocks readers; later reads return io.EOF once drained.
func (p *ResponderPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.cond.Broadcast()
	return nil
}
