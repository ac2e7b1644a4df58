package endpoint

import (
	"bytes"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.trai.ch/langserv-mux/internal/config"
	"go.trai.ch/langserv-mux/internal/diag"
	"go.trai.ch/langserv-mux/internal/eventloop"
)

// ChannelServerStderr tags diagnostics copied from the server's stderr.
const ChannelServerStderr = "server-stderr"

// Stderr drains the language server's stderr into the diagnostic sink. The
// bytes are never parsed as protocol.
type Stderr struct {
	fd      int
	reg     Registrar
	log     *logrus.Entry
	buf     []byte
	partial []byte
	closed  bool
}

var _ eventloop.Handler = (*Stderr)(nil)

// NewStderr registers fd for reading.
func NewStderr(reg Registrar, fd int, logger logrus.FieldLogger) (*Stderr, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	s := &Stderr{
		fd:  fd,
		reg: reg,
		log: diag.Component(logger, componentName).WithField(diag.FieldChannel, ChannelServerStderr),
		buf: make([]byte, config.DefaultReadChunkSize),
	}
	if err := reg.Register(fd, eventloop.Readable, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Closed reports whether the stream has ended.
func (s *Stderr) Closed() bool { return s.closed }

// OnReady implements eventloop.Handler.
func (s *Stderr) OnReady(_ int, readable, _ bool) {
	if !readable {
		return
	}

	n, err := unix.Read(s.fd, s.buf)
	if err == unix.EAGAIN || err == unix.EINTR {
		return
	}
	if err != nil || n <= 0 {
		s.Close()
		return
	}

	s.partial = append(s.partial, s.buf[:n]...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		s.emit(s.partial[:i])
		s.partial = s.partial[i+1:]
	}
	if len(s.partial) > config.MaxHeaderBytes {
		s.emit(s.partial)
		s.partial = nil
	}
}

// Close flushes a trailing partial line and releases the descriptor.
func (s *Stderr) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if len(s.partial) > 0 {
		s.emit(s.partial)
		s.partial = nil
	}
	s.reg.Unregister(s.fd)
	_ = unix.Close(s.fd)
}

func (s *Stderr) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	s.log.Warn(string(line))
}
