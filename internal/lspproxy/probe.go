package lspproxy

import (
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"go.trai.ch/langserv-mux/internal/diag"
	"go.trai.ch/langserv-mux/internal/endpoint"
)

const componentProbe = "PeerProbe"

// Dialer makes one non-blocking connection attempt and returns the descriptor.
type Dialer func(path string) (int, error)

// AttachFunc turns a connected descriptor into a registered peer whose close
// is reported through onClose.
type AttachFunc func(fd int, onClose func(cause error)) (Conn, error)

// PeerProbe keeps the privileged peer connected. While disconnected every
// tick makes one connection attempt; a missing or refusing socket just means
// "try again later".
type PeerProbe struct {
	log     *logrus.Entry
	path    string
	dial    Dialer
	attach  AttachFunc
	router  *Router
	backoff *backoff.Backoff

	interval    time.Duration
	nextAttempt time.Time
	current     Conn
}

// NewPeerProbe returns a disconnected probe. Misses back off from interval up
// to maxInterval; with both equal every tick dials.
func NewPeerProbe(
	logger logrus.FieldLogger,
	path string,
	interval, maxInterval time.Duration,
	dial Dialer,
	attach AttachFunc,
	router *Router,
) *PeerProbe {
	return &PeerProbe{
		log:    diag.Component(logger, componentProbe).WithField(diag.FieldChannel, "privileged"),
		path:   path,
		dial:   dial,
		attach: attach,
		router: router,
		backoff: &backoff.Backoff{
			Min:    interval,
			Max:    maxInterval,
			Factor: 2,
		},
		interval: interval,
	}
}

// Connected reports whether a privileged peer is attached.
func (p *PeerProbe) Connected() bool {
	return p.current != nil
}

// Tick makes a connection attempt if one is due.
func (p *PeerProbe) Tick(now time.Time) {
	if p.current != nil || now.Before(p.nextAttempt) {
		return
	}

	fd, err := p.dial(p.path)
	if err != nil {
		// Ticks already come every interval; only wait out the excess.
		p.nextAttempt = now.Add(p.backoff.Duration() - p.interval)
		if errors.Cause(err) == endpoint.ErrUnavailable {
			p.log.WithError(err).Debug("Privileged peer not available")
		} else {
			p.log.WithError(err).Warn("Dialing privileged peer failed")
		}
		return
	}

	var conn Conn
	conn, err = p.attach(fd, func(cause error) { p.closed(conn, cause) })
	if err != nil {
		p.log.WithError(err).Warn("Cannot attach privileged peer")
		return
	}

	p.backoff.Reset()
	p.nextAttempt = time.Time{}
	p.current = conn
	p.log.Infof("Connected to privileged peer at %s", p.path)
	p.router.SetPrivileged(conn)
}

func (p *PeerProbe) closed(conn Conn, cause error) {
	if p.current == nil || p.current != conn {
		return
	}
	p.current = nil
	p.router.SetPrivileged(nil)
	p.log.WithError(cause).Info("Privileged peer disconnected")
}
