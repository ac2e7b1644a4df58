// Package eventloop is the single-threaded readiness loop that drives every
// stream of the proxy. All registration, dispatch and ticking happens on the
// goroutine calling Run; only Wake may be called from elsewhere.
package eventloop

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"go.trai.ch/langserv-mux/internal/diag"
)

const componentName = "Loop"

// Loop multiplexes readiness events onto handlers and runs periodic work.
type Loop struct {
	log     *logrus.Entry
	poller  *Poller
	waker   *Waker
	timeout time.Duration

	tickEvery time.Duration
	tickers   []func(now time.Time)
	lastTick  time.Time

	fatal    error
	stopping bool

	now func() time.Time
}

// New creates a loop waiting at most timeout per iteration and ticking every
// tickEvery.
func New(logger logrus.FieldLogger, timeout, tickEvery time.Duration) (*Loop, error) {
	l := &Loop{
		log:       diag.Component(logger, componentName),
		poller:    NewPoller(),
		timeout:   timeout,
		tickEvery: tickEvery,
		now:       time.Now,
	}

	waker, err := NewWaker(func() { l.stopping = true })
	if err != nil {
		return nil, err
	}
	l.waker = waker

	if err := l.poller.Register(waker.FD(), Readable, waker); err != nil {
		_ = waker.Close()
		return nil, err
	}

	return l, nil
}

// Register starts dispatching readiness of fd to h.
func (l *Loop) Register(fd int, interest Interest, h Handler) error {
	return l.poller.Register(fd, interest, h)
}

// Modify changes what fd is watched for.
func (l *Loop) Modify(fd int, interest Interest) error {
	return l.poller.Modify(fd, interest)
}

// Unregister stops dispatching for fd.
func (l *Loop) Unregister(fd int) {
	l.poller.Unregister(fd)
}

// Registered reports the current interest of fd.
func (l *Loop) Registered(fd int) (Interest, bool) {
	return l.poller.Registered(fd)
}

// OnTick adds periodic work. Tickers run after dispatch once tickEvery has
// passed since the previous tick; the first iteration always ticks.
func (l *Loop) OnTick(f func(now time.Time)) {
	l.tickers = append(l.tickers, f)
}

// Fail records a fault that ends Run. The first fault wins.
func (l *Loop) Fail(err error) {
	if l.fatal == nil {
		l.fatal = err
	}
}

// Wake asks a running loop to stop. Safe to call from any goroutine.
func (l *Loop) Wake() {
	l.waker.Wake()
}

// Run iterates until a fault is recorded or Wake is called. A stop via Wake
// returns nil. A panic inside a handler is returned as an error.
func (l *Loop) Run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in event loop: %v", r)
		}
	}()

	l.log.Debug("Event loop started")
	for {
		if err := l.RunOnce(); err != nil {
			return err
		}
		if l.stopping {
			l.log.Info("Event loop stopped")
			return nil
		}
	}
}

// RunOnce performs a single wait, dispatch and tick.
func (l *Loop) RunOnce() error {
	if l.fatal != nil {
		return l.fatal
	}

	events, err := l.poller.Wait(l.timeout)
	if err != nil {
		return err
	}

	for _, ev := range events {
		// An earlier handler in this batch may have unregistered the fd, or
		// closed it and had the number reused by a new registration.
		reg, ok := l.poller.regs[ev.FD]
		if !ok || reg != ev.reg {
			continue
		}
		readable := ev.Readable && reg.interest&Readable != 0
		writable := ev.Writable && reg.interest&Writable != 0
		if !readable && !writable {
			continue
		}

		reg.handler.OnReady(ev.FD, readable, writable)

		if l.fatal != nil {
			return l.fatal
		}
	}

	now := l.now()
	if l.lastTick.IsZero() || now.Sub(l.lastTick) >= l.tickEvery {
		l.lastTick = now
		for _, tick := range l.tickers {
			tick(now)
			if l.fatal != nil {
				return l.fatal
			}
		}
	}

	return nil
}

// Close releases the loop's own descriptors. Registered handlers are left
// to their owners.
func (l *Loop) Close() error {
	l.poller.Unregister(l.waker.FD())
	return l.waker.Close()
}
