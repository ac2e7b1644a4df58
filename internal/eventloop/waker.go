package eventloop

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Waker is a self-pipe. Wake is the only method that may be called from
// outside the loop goroutine.
type Waker struct {
	r, w   int
	onWake func()
}

// NewWaker creates the pipe. onWake runs on the loop goroutine.
func NewWaker(onWake func()) (*Waker, error) {
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return nil, errors.Wrap(err, "create wake pipe")
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, errors.Wrap(err, "set wake pipe non-blocking")
		}
	}
	return &Waker{r: fds[0], w: fds[1], onWake: onWake}, nil
}

// FD returns the descriptor the loop watches.
func (w *Waker) FD() int {
	return w.r
}

// Wake makes the next wait return. A full pipe already guarantees that.
func (w *Waker) Wake() {
	_, _ = unix.Write(w.w, []byte{1})
}

// OnReady drains the pipe and reports the wakeup.
func (w *Waker) OnReady(_ int, readable, _ bool) {
	if !readable {
		return
	}
	var buf [64]byte
	for {
		n, err := unix.Read(w.r, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	if w.onWake != nil {
		w.onWake()
	}
}

// Close releases both ends of the pipe.
func (w *Waker) Close() error {
	errR := unix.Close(w.r)
	errW := unix.Close(w.w)
	if errR != nil {
		return errors.Wrap(errR, "close wake pipe")
	}
	return errors.Wrap(errW, "close wake pipe")
}
