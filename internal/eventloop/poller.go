package eventloop

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Interest is the set of readiness conditions a descriptor is watched for.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Handler is implemented by every kind of pollable endpoint.
type Handler interface {
	OnReady(fd int, readable, writable bool)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(fd int, readable, writable bool)

// OnReady calls f.
func (f HandlerFunc) OnReady(fd int, readable, writable bool) {
	f(fd, readable, writable)
}

// Event is one descriptor reported ready by Wait.
type Event struct {
	FD       int
	Readable bool
	Writable bool

	// reg is the registration fd had when the wait returned.
	reg *registration
}

type registration struct {
	interest Interest
	handler  Handler
}

// Poller keeps the readiness registrations and waits on them with poll(2).
type Poller struct {
	regs map[int]*registration
}

// NewPoller returns an empty Poller.
func NewPoller() *Poller {
	return &Poller{regs: make(map[int]*registration)}
}

// Register starts watching fd.
func (p *Poller) Register(fd int, interest Interest, h Handler) error {
	if _, ok := p.regs[fd]; ok {
		return errors.Errorf("fd %d already registered", fd)
	}
	p.regs[fd] = &registration{interest: interest, handler: h}
	return nil
}

// Modify changes the interest set of a registered fd. A zero interest keeps
// the registration but leaves fd out of the wait.
func (p *Poller) Modify(fd int, interest Interest) error {
	reg, ok := p.regs[fd]
	if !ok {
		return errors.Errorf("fd %d not registered", fd)
	}
	reg.interest = interest
	return nil
}

// Unregister stops watching fd. Unknown descriptors are ignored.
func (p *Poller) Unregister(fd int) {
	delete(p.regs, fd)
}

// Registered reports the interest set of fd.
func (p *Poller) Registered(fd int) (Interest, bool) {
	reg, ok := p.regs[fd]
	if !ok {
		return 0, false
	}
	return reg.interest, true
}

// Len returns the number of registered descriptors.
func (p *Poller) Len() int {
	return len(p.regs)
}

// Wait blocks until at least one descriptor is ready or timeout passes.
// An interrupted wait returns no events and no error.
func (p *Poller) Wait(timeout time.Duration) ([]Event, error) {
	fds := make([]int, 0, len(p.regs))
	for fd, reg := range p.regs {
		if reg.interest != 0 {
			fds = append(fds, fd)
		}
	}
	sort.Ints(fds)

	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i].Fd = int32(fd)
		if p.regs[fd].interest&Readable != 0 {
			pfds[i].Events |= unix.POLLIN
		}
		if p.regs[fd].interest&Writable != 0 {
			pfds[i].Events |= unix.POLLOUT
		}
	}

	n, err := unix.Poll(pfds, int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, errors.Wrap(err, "poll")
	}
	if n == 0 {
		return nil, nil
	}

	events := make([]Event, 0, n)
	for _, pfd := range pfds {
		if pfd.Revents == 0 {
			continue
		}
		reg := p.regs[int(pfd.Fd)]
		interest := reg.interest
		// Hangups and errors are surfaced as whichever direction is being
		// watched, so the following read or write observes the failure.
		failed := pfd.Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0
		events = append(events, Event{
			FD:       int(pfd.Fd),
			Readable: interest&Readable != 0 && (pfd.Revents&unix.POLLIN != 0 || failed),
			Writable: interest&Writable != 0 && (pfd.Revents&unix.POLLOUT != 0 || failed),
			reg:      reg,
		})
	}

	return events, nil
}
