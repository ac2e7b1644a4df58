// Package endpoint wraps non-blocking byte streams (std-stream pairs,
// subprocess pipes and unix sockets) with a write queue and a frame parser.
package endpoint

import (
	"github.com/jpillora/sizestr"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.trai.ch/langserv-mux/internal/config"
	"go.trai.ch/langserv-mux/internal/diag"
	"go.trai.ch/langserv-mux/internal/eventloop"
	"go.trai.ch/langserv-mux/internal/framing"
)

const componentName = "Endpoint"

// ErrPeerGone is the close cause when the other side hung up.
var ErrPeerGone = errors.New("peer gone")

// Kind tells the endpoint variants apart.
type Kind int

const (
	// KindEditor is the proxy's own stdin/stdout pair.
	KindEditor Kind = iota
	// KindServer is the language server's stdout/stdin pipes.
	KindServer
	// KindPeer is a side-channel socket, accepted or dialed.
	KindPeer
)

func (k Kind) String() string {
	switch k {
	case KindEditor:
		return "editor"
	case KindServer:
		return "server"
	case KindPeer:
		return "peer"
	default:
		return "unknown"
	}
}

// Registrar is the part of the event loop an endpoint needs.
type Registrar interface {
	Register(fd int, interest eventloop.Interest, h eventloop.Handler) error
	Modify(fd int, interest eventloop.Interest) error
	Unregister(fd int)
}

// Options configures a new Endpoint.
type Options struct {
	Kind Kind
	// Name labels the endpoint in logs.
	Name string

	// ReadFD and WriteFD may be the same descriptor (sockets) or differ
	// (std streams, subprocess pipes).
	ReadFD  int
	WriteFD int

	ChunkSize int

	// Handler receives every complete frame read from the stream. An error
	// closes the endpoint with that error as the cause.
	Handler framing.Handler

	// OnClose runs synchronously inside Close. cause is nil for a graceful
	// close.
	OnClose func(cause error)

	// OnQueueChange observes the write queue length after it changes.
	OnQueueChange func(queued int)

	Logger logrus.FieldLogger
}

// Endpoint is one buffered, framed, non-blocking stream.
type Endpoint struct {
	name   string
	rfd    int
	wfd    int
	reg    Registrar
	log    *logrus.Entry
	parser *framing.Parser
	rbuf   []byte

	queue         []byte
	wfdWatched    bool
	readPaused    bool
	draining      bool
	closed        bool
	sent          int64
	received      int64
	onClose       func(error)
	onQueueChange func(int)
}

var _ eventloop.Handler = (*Endpoint)(nil)

// New puts the descriptors into non-blocking mode and registers them for
// reading.
func New(reg Registrar, opts Options) (*Endpoint, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = config.DefaultReadChunkSize
	}
	if opts.Name == "" {
		opts.Name = opts.Kind.String()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	for _, fd := range []int{opts.ReadFD, opts.WriteFD} {
		if err := unix.SetNonblock(fd, true); err != nil {
			return nil, errors.Wrapf(err, "set fd %d non-blocking", fd)
		}
	}

	e := &Endpoint{
		name:          opts.Name,
		rfd:           opts.ReadFD,
		wfd:           opts.WriteFD,
		reg:           reg,
		rbuf:          make([]byte, opts.ChunkSize),
		onClose:       opts.OnClose,
		onQueueChange: opts.OnQueueChange,
	}
	e.log = diag.Component(opts.Logger, componentName).WithFields(logrus.Fields{
		diag.FieldChannel: opts.Kind.String(),
		diag.FieldConn:    opts.Name,
	})

	handler := opts.Handler
	if handler == nil {
		handler = func(framing.Message) error { return nil }
	}
	e.parser = framing.NewParser(handler)

	if err := reg.Register(e.rfd, eventloop.Readable, e); err != nil {
		return nil, errors.Wrapf(err, "register %s", e.name)
	}
	return e, nil
}

// Closed reports whether Close has run.
func (e *Endpoint) Closed() bool { return e.closed }

// QueueLen returns the number of bytes waiting to be sent.
func (e *Endpoint) QueueLen() int { return len(e.queue) }

// Stats returns the bytes sent and received so far.
func (e *Endpoint) Stats() (sent, received int64) { return e.sent, e.received }

// Write queues b for sending. Writes to a closed endpoint are dropped.
func (e *Endpoint) Write(b []byte) {
	if e.closed || len(b) == 0 {
		return
	}

	wasEmpty := len(e.queue) == 0
	e.queue = append(e.queue, b...)

	// Writable interest is only held while data is outstanding; a
	// non-empty queue means it is already held.
	if wasEmpty {
		e.updateInterest()
	}
	e.queueChanged()
}

// SetReadPaused stops or resumes reading from the stream.
func (e *Endpoint) SetReadPaused(paused bool) {
	if e.closed || e.readPaused == paused {
		return
	}
	e.readPaused = paused
	e.updateInterest()
}

// CloseWhenDrained stops reading and closes once the write queue is empty.
func (e *Endpoint) CloseWhenDrained() {
	if e.closed {
		return
	}
	if len(e.queue) == 0 {
		e.Close(nil)
		return
	}
	e.draining = true
	e.readPaused = true
	e.updateInterest()
}

// Close unregisters and closes the descriptors, then notifies the owner.
// Only the first call has any effect.
func (e *Endpoint) Close(cause error) {
	if e.closed {
		return
	}
	e.closed = true

	e.reg.Unregister(e.rfd)
	if e.wfd != e.rfd {
		e.reg.Unregister(e.wfd)
		_ = unix.Close(e.wfd)
	}
	_ = unix.Close(e.rfd)

	dropped := len(e.queue)
	e.queue = nil

	e.log.WithFields(logrus.Fields{
		"dropped": dropped,
		"partial": e.parser.Buffered(),
	}).Debugf("Closed (sent %s received %s)", sizestr.ToString(e.sent), sizestr.ToString(e.received))

	if e.onClose != nil {
		e.onClose(cause)
	}
}

// OnReady implements eventloop.Handler.
func (e *Endpoint) OnReady(fd int, readable, writable bool) {
	if readable && fd == e.rfd {
		e.handleRead()
	}
	if e.closed {
		return
	}
	if writable && fd == e.wfd {
		e.handleWrite()
	}
}

func (e *Endpoint) handleRead() {
	n, err := unix.Read(e.rfd, e.rbuf)
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EINTR:
			return
		case unix.ECONNRESET, unix.EPIPE:
			e.Close(errors.Wrapf(ErrPeerGone, "read %s: %v", e.name, err))
		default:
			e.Close(errors.Wrapf(err, "read %s", e.name))
		}
		return
	}
	if n == 0 {
		e.Close(errors.Wrapf(ErrPeerGone, "read %s: end of stream", e.name))
		return
	}

	e.received += int64(n)
	if err := e.parser.Feed(e.rbuf[:n]); err != nil && !e.closed {
		e.Close(errors.Wrapf(err, "frame from %s", e.name))
	}
}

func (e *Endpoint) handleWrite() {
	if len(e.queue) == 0 {
		e.updateInterest()
		return
	}

	n, err := unix.Write(e.wfd, e.queue)
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EINTR:
			return
		case unix.ECONNRESET, unix.EPIPE:
			e.Close(errors.Wrapf(ErrPeerGone, "write %s: %v", e.name, err))
		default:
			e.Close(errors.Wrapf(err, "write %s", e.name))
		}
		return
	}
	if n == 0 {
		e.Close(errors.Wrapf(ErrPeerGone, "write %s: zero-byte send", e.name))
		return
	}

	e.sent += int64(n)
	e.queue = e.queue[n:]
	if len(e.queue) == 0 {
		e.queue = nil
		e.updateInterest()
	}
	e.queueChanged()

	if e.draining && len(e.queue) == 0 {
		e.Close(nil)
	}
}

func (e *Endpoint) queueChanged() {
	if e.onQueueChange != nil && !e.closed {
		e.onQueueChange(len(e.queue))
	}
}

// updateInterest derives the registrations from the queue and pause state.
func (e *Endpoint) updateInterest() {
	if e.closed {
		return
	}

	var read eventloop.Interest
	if !e.readPaused {
		read = eventloop.Readable
	}
	wantWrite := len(e.queue) > 0

	if e.wfd == e.rfd {
		interest := read
		if wantWrite {
			interest |= eventloop.Writable
		}
		e.modify(e.rfd, interest)
		return
	}

	e.modify(e.rfd, read)

	switch {
	case wantWrite && !e.wfdWatched:
		if err := e.reg.Register(e.wfd, eventloop.Writable, e); err != nil {
			e.Close(errors.Wrapf(err, "watch %s for writing", e.name))
			return
		}
		e.wfdWatched = true
	case !wantWrite && e.wfdWatched:
		e.reg.Unregister(e.wfd)
		e.wfdWatched = false
	}
}

func (e *Endpoint) modify(fd int, interest eventloop.Interest) {
	if err := e.reg.Modify(fd, interest); err != nil {
		e.Close(errors.Wrapf(err, "update interest of %s", e.name))
	}
}
