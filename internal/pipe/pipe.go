// Package pipe provides the in-process byte pipes that connect player
// sessions and bots to a running game instance. A pipe is duplex and
// buffered: writes block only once the peer's buffer holds Capacity
// unread bytes, so both ends may write concurrently without deadlock.
// Reads honor net.Conn-style deadlines, which is how games bound the
// time they wait for a player move.
package pipe

import (
	"bytes"
	"io"
	"os"
	"sync"
	"time"
)

// Duplex is one end of a buffered in-process byte pipe.
type Duplex struct {
	rd *half // peer writes here, we read
	wr *half // we write here, peer reads
}

// New returns the two ends of a duplex pipe. Each direction buffers up
// to capacity bytes.
func New(capacity int) (*Duplex, *Duplex) {
	a := newHalf(capacity)
	b := newHalf(capacity)
	return &Duplex{rd: a, wr: b}, &Duplex{rd: b, wr: a}
}

// Read returns buffered bytes, blocking until data arrives, the read
// deadline expires (os.ErrDeadlineExceeded), or the peer closes
// (io.EOF once the buffer is drained).
func (d *Duplex) Read(p []byte) (int, error) { return d.rd.read(p) }

// Write queues bytes for the peer, blocking while the buffer is full.
// Writing to a closed pipe returns io.ErrClosedPipe.
func (d *Duplex) Write(p []byte) (int, error) { return d.wr.write(p) }

// Close closes both directions. The peer observes io.EOF on read
// (after draining) and io.ErrClosedPipe on write.
func (d *Duplex) Close() error {
	d.rd.closeRead()
	d.wr.closeWrite()
	return nil
}

// SetReadDeadline bounds current and future Read calls. The zero time
// clears the deadline.
func (d *Duplex) SetReadDeadline(t time.Time) error {
	d.rd.setReadDeadline(t)
	return nil
}

// half is a single direction: one writer end, one reader end.
type half struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	capacity int
	wclosed  bool
	rclosed  bool
	rwait    chan struct{} // closed and replaced when data or EOF arrives
	wwait    chan struct{} // closed and replaced when space frees up

	deadline pipeDeadline
}

func newHalf(capacity int) *half {
	return &half{
		capacity: capacity,
		rwait:    make(chan struct{}),
		wwait:    make(chan struct{}),
	}
}

func (h *half) wakeReaders() {
	close(h.rwait)
	h.rwait = make(chan struct{})
}

func (h *half) wakeWriters() {
	close(h.wwait)
	h.wwait = make(chan struct{})
}

func (h *half) read(p []byte) (int, error) {
	for {
		h.mu.Lock()
		switch {
		case h.rclosed:
			h.mu.Unlock()
			return 0, io.ErrClosedPipe
		case h.deadline.expired():
			h.mu.Unlock()
			return 0, os.ErrDeadlineExceeded
		case h.buf.Len() > 0:
			n, _ := h.buf.Read(p)
			h.wakeWriters()
			h.mu.Unlock()
			return n, nil
		case h.wclosed:
			h.mu.Unlock()
			return 0, io.EOF
		}
		wait := h.rwait
		expired := h.deadline.done()
		h.mu.Unlock()
		select {
		case <-wait:
		case <-expired:
		}
	}
}

func (h *half) write(p []byte) (int, error) {
	total := 0
	for {
		h.mu.Lock()
		if h.wclosed || h.rclosed {
			h.mu.Unlock()
			return total, io.ErrClosedPipe
		}
		if space := h.capacity - h.buf.Len(); space > 0 {
			n := len(p)
			if n > space {
				n = space
			}
			h.buf.Write(p[:n])
			p = p[n:]
			total += n
			h.wakeReaders()
			if len(p) == 0 {
				h.mu.Unlock()
				return total, nil
			}
			h.mu.Unlock()
			continue
		}
		wait := h.wwait
		h.mu.Unlock()
		<-wait
	}
}

func (h *half) closeWrite() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.wclosed {
		return
	}
	h.wclosed = true
	h.wakeReaders()
	h.wakeWriters()
}

func (h *half) closeRead() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rclosed {
		return
	}
	h.rclosed = true
	h.wakeReaders()
	h.wakeWriters()
}

func (h *half) setReadDeadline(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deadline.set(t)
}

// pipeDeadline mirrors the deadline bookkeeping of net.Pipe: a timer
// that closes a channel when the deadline passes.
type pipeDeadline struct {
	timer  *time.Timer
	cancel chan struct{}
}

// set arms the deadline; caller holds the owning half's lock.
func (d *pipeDeadline) set(t time.Time) {
	if d.timer != nil && !d.timer.Stop() {
		<-d.cancel // wait for the in-flight close
	}
	d.timer = nil
	closed := d.cancel != nil && isClosed(d.cancel)
	if t.IsZero() {
		if closed {
			d.cancel = nil
		}
		return
	}
	if dur := time.Until(t); dur > 0 {
		if d.cancel == nil || closed {
			d.cancel = make(chan struct{})
		}
		cancel := d.cancel
		d.timer = time.AfterFunc(dur, func() { close(cancel) })
		return
	}
	// Deadline already passed.
	if d.cancel == nil || closed {
		d.cancel = make(chan struct{})
	}
	close(d.cancel)
}

func (d *pipeDeadline) done() chan struct{} { return d.cancel }

func (d *pipeDeadline) expired() bool { return d.cancel != nil && isClosed(d.cancel) }

func isClosed(c chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
