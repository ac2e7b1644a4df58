// Package lspproxy implements a transparent proxy that multiplexes one
// language server between the editor and any number of side-channel peers.
package lspproxy

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.trai.ch/langserv-mux/internal/config"
	"go.trai.ch/langserv-mux/internal/diag"
	"go.trai.ch/langserv-mux/internal/endpoint"
	"go.trai.ch/langserv-mux/internal/eventloop"
	"go.trai.ch/langserv-mux/internal/framing"
)

const componentName = "Proxy"

// Proxy owns the language server subprocess and every endpoint, and runs
// them all on one event loop.
type Proxy struct {
	cfg    *config.Config
	logger logrus.FieldLogger
	log    *logrus.Entry

	editorIn  int
	editorOut int

	loop     *eventloop.Loop
	router   *Router
	peers    *PeerTable
	probe    *PeerProbe
	listener *endpoint.Listener
	server   *endpoint.Endpoint
	editor   *endpoint.Endpoint
	stderr   *endpoint.Stderr

	serverCmd  *exec.Cmd
	readPaused bool
	draining   bool
}

// NewProxy prepares a proxy speaking to the editor over the process's own
// stdin and stdout.
func NewProxy(cfg *config.Config, logger logrus.FieldLogger) *Proxy {
	return &Proxy{
		cfg:       cfg,
		logger:    logger,
		log:       diag.Component(logger, componentName),
		editorIn:  int(os.Stdin.Fd()),
		editorOut: int(os.Stdout.Fd()),
		peers:     NewPeerTable(),
	}
}

// Start launches the language server and proxies traffic until the server or
// editor stream ends, a fatal fault occurs, or ctx is cancelled. Cancellation
// returns nil.
func (p *Proxy) Start(ctx context.Context) error {
	loop, err := eventloop.New(p.logger, p.cfg.PollTimeoutDuration(), p.cfg.ProbeIntervalDuration())
	if err != nil {
		return err
	}
	p.loop = loop
	defer p.shutdown()

	p.router = NewRouter(p.logger, NewIDGen(p.cfg.IDPrefix))

	if err := p.startServer(); err != nil {
		return err
	}
	if err := p.startEditor(); err != nil {
		return err
	}
	p.router.Attach(p.server, p.editor)

	listener, err := endpoint.Listen(p.cfg.SideChannelSocket, p.logger)
	if err != nil {
		return errors.Wrap(err, "failed to open side-channel socket")
	}
	p.listener = listener
	if err := listener.Start(loop, p.acceptPeer); err != nil {
		return errors.Wrap(err, "failed to register side-channel socket")
	}

	p.probe = NewPeerProbe(
		p.logger,
		p.cfg.PrivilegedSocket,
		p.cfg.ProbeIntervalDuration(),
		p.cfg.ProbeMaxIntervalDuration(),
		endpoint.DialUnix,
		func(fd int, onClose func(error)) (Conn, error) {
			return p.attachPeer(fd, "privileged", onClose)
		},
		p.router,
	)
	loop.OnTick(p.probe.Tick)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		select {
		case <-ctx.Done():
			p.log.Info("Context canceled, stopping event loop...")
			loop.Wake()
		case <-stop:
		}
	})
	defer wg.Wait()
	defer close(stop)

	if err := loop.Run(); err != nil {
		return err
	}

	p.drainServer()
	return nil
}

func (p *Proxy) startServer() error {
	argv := p.cfg.ServerCommand

	stdinChild, stdinFD, err := endpoint.ChildStdin()
	if err != nil {
		return err
	}
	stdoutFD, stdoutChild, err := endpoint.ChildOutput("child-stdout")
	if err != nil {
		closeAll(stdinChild)
		closeFDs(stdinFD)
		return err
	}
	stderrFD, stderrChild, err := endpoint.ChildOutput("child-stderr")
	if err != nil {
		closeAll(stdinChild, stdoutChild)
		closeFDs(stdinFD, stdoutFD)
		return err
	}

	//nolint:gosec // the server command is provided via trusted flags or config
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = stdinChild
	cmd.Stdout = stdoutChild
	cmd.Stderr = stderrChild

	startErr := cmd.Start()
	closeAll(stdinChild, stdoutChild, stderrChild)
	if startErr != nil {
		closeFDs(stdinFD, stdoutFD, stderrFD)
		return errors.Wrapf(startErr, "failed to start language server (%s)", argv[0])
	}
	p.serverCmd = cmd
	p.log.Infof("Language server started (PID: %d)", cmd.Process.Pid)

	p.server, err = endpoint.New(p.loop, endpoint.Options{
		Kind:          endpoint.KindServer,
		Name:          "server",
		ReadFD:        stdoutFD,
		WriteFD:       stdinFD,
		ChunkSize:     p.cfg.ReadChunkSize,
		Handler:       p.router.HandleServerMessage,
		OnClose:       p.serverClosed,
		OnQueueChange: p.serverQueueChanged,
		Logger:        p.logger,
	})
	if err != nil {
		closeFDs(stdinFD, stdoutFD, stderrFD)
		return err
	}

	p.stderr, err = endpoint.NewStderr(p.loop, stderrFD, p.logger)
	if err != nil {
		closeFDs(stderrFD)
		return errors.Wrap(err, "failed to watch server stderr")
	}

	return nil
}

func (p *Proxy) startEditor() error {
	editor, err := endpoint.New(p.loop, endpoint.Options{
		Kind:      endpoint.KindEditor,
		Name:      "editor",
		ReadFD:    p.editorIn,
		WriteFD:   p.editorOut,
		ChunkSize: p.cfg.ReadChunkSize,
		Handler:   p.router.HandleEditorMessage,
		OnClose:   p.editorClosed,
		Logger:    p.logger,
	})
	if err != nil {
		return errors.Wrap(err, "failed to attach editor streams")
	}
	p.editor = editor
	return nil
}

func (p *Proxy) acceptPeer(fd int) {
	label := "peer-" + uuid.New().String()[:8]
	if _, err := p.attachPeer(fd, label, nil); err != nil {
		p.log.WithError(err).Warn("Dropping side-channel connection")
	}
}

// attachPeer wraps a connected socket in a peer endpoint and records it.
func (p *Proxy) attachPeer(fd int, label string, onClose func(error)) (Conn, error) {
	log := p.log.WithFields(logrus.Fields{diag.FieldChannel: "peer", diag.FieldConn: label})

	var peer *endpoint.Endpoint
	peer, err := endpoint.New(p.loop, endpoint.Options{
		Kind:      endpoint.KindPeer,
		Name:      label,
		ReadFD:    fd,
		WriteFD:   fd,
		ChunkSize: p.cfg.ReadChunkSize,
		Handler: func(msg framing.Message) error {
			return p.router.HandleConnectionMessage(peer, msg)
		},
		OnClose: func(cause error) {
			p.peers.Remove(fd)
			switch {
			case cause == nil, errors.Cause(cause) == endpoint.ErrPeerGone:
				log.WithField("peers", p.peers.Len()).Info("Peer disconnected")
			default:
				log.WithError(cause).Warn("Peer dropped after fault")
			}
			if onClose != nil {
				onClose(cause)
			}
		},
		Logger: p.logger,
	})
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	p.peers.Add(fd, peer)
	if p.readPaused {
		peer.SetReadPaused(true)
	}
	log.WithField("peers", p.peers.Len()).Info("Peer connected")

	return peer, nil
}

func (p *Proxy) serverClosed(cause error) {
	if cause == nil {
		return
	}
	if n := p.router.Pending(); n > 0 {
		p.log.Warnf("Abandoning %d injected requests without a reply", n)
	}
	p.loop.Fail(errors.Wrapf(ErrServerGone, "%v", cause))
}

func (p *Proxy) editorClosed(cause error) {
	if cause == nil {
		return
	}
	if errors.Cause(cause) == endpoint.ErrPeerGone {
		p.loop.Fail(errors.Wrapf(ErrEditorGone, "%v", cause))
		return
	}
	p.loop.Fail(errors.Wrap(cause, "editor stream fault"))
}

// serverQueueChanged applies backpressure: with a high-water mark set, input
// from the editor and peers is paused while the server is behind. Input stays
// paused while the server is draining for shutdown.
func (p *Proxy) serverQueueChanged(queued int) {
	mark := p.cfg.WriteHighWaterMark
	if mark <= 0 || p.draining {
		return
	}
	switch {
	case !p.readPaused && queued > mark:
		p.log.Warnf("Server write queue at %d bytes, pausing input", queued)
		p.setReadPaused(true)
	case p.readPaused && queued <= mark/2:
		p.log.Infof("Server write queue at %d bytes, resuming input", queued)
		p.setReadPaused(false)
	}
}

func (p *Proxy) setReadPaused(paused bool) {
	p.readPaused = paused
	if p.editor != nil {
		p.editor.SetReadPaused(paused)
	}
	p.peers.Each(func(_ int, e *endpoint.Endpoint) {
		e.SetReadPaused(paused)
	})
}

// drainServer gives frames already queued for the server up to one poll
// timeout to go out before shutdown.
func (p *Proxy) drainServer() {
	if p.server == nil || p.server.Closed() {
		return
	}
	p.draining = true
	p.setReadPaused(true)
	p.server.CloseWhenDrained()

	deadline := time.Now().Add(p.cfg.PollTimeoutDuration())
	for !p.server.Closed() && time.Now().Before(deadline) {
		if err := p.loop.RunOnce(); err != nil {
			return
		}
	}
}

func (p *Proxy) shutdown() {
	if p.listener != nil {
		if err := p.listener.Close(); err != nil {
			p.log.WithError(err).Warn("Closing side-channel socket")
		}
	}
	p.peers.Each(func(_ int, e *endpoint.Endpoint) {
		e.Close(nil)
	})
	if p.editor != nil {
		p.editor.Close(nil)
	}
	if p.server != nil {
		p.server.Close(nil)
	}
	if p.stderr != nil {
		p.stderr.Close()
	}

	// Kill the child process so we don't leave orphans.
	if p.serverCmd != nil && p.serverCmd.Process != nil {
		_ = p.serverCmd.Process.Kill()
		if err := p.serverCmd.Wait(); err != nil {
			p.log.WithError(err).Debug("Language server exited")
		}
	}

	if err := p.loop.Close(); err != nil {
		p.log.WithError(err).Warn("Closing event loop")
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func closeFDs(fds ...int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}
