package endpoint

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.trai.ch/langserv-mux/internal/config"
	"go.trai.ch/langserv-mux/internal/diag"
	"go.trai.ch/langserv-mux/internal/eventloop"
)

// ErrUnavailable is the cause returned by DialUnix when nobody is listening
// yet. It is an expected condition, not a fault.
var ErrUnavailable = errors.New("socket not available")

// DialUnix makes one non-blocking connection attempt to a unix socket and
// returns the connected descriptor.
func DialUnix(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrap(err, "set socket non-blocking")
	}

	err = unix.Connect(fd, &unix.SockaddrUnix{Name: path})
	if err == nil {
		return fd, nil
	}
	_ = unix.Close(fd)

	switch err {
	case unix.ENOENT, unix.ECONNREFUSED, unix.EAGAIN, unix.EINPROGRESS, unix.ENOTDIR:
		return -1, errors.WithMessagef(ErrUnavailable, "connect %s: %v", path, err)
	default:
		return -1, errors.Wrapf(err, "connect %s", path)
	}
}

// Listener is the side-channel listening socket. The socket file is guarded
// by an exclusive flock on a sibling ".lock" file so a stale socket left by a
// dead process can be removed while a live one is never clobbered.
type Listener struct {
	fd       int
	path     string
	lockPath string
	lockFile *os.File
	reg      Registrar
	log      *logrus.Entry
	onAccept func(fd int)
	closed   bool
}

var _ eventloop.Handler = (*Listener)(nil)

// Listen creates, binds and listens on a unix socket at path.
func Listen(path string, logger logrus.FieldLogger) (*Listener, error) {
	abspath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid socket path %q", path)
	}
	if err := os.MkdirAll(filepath.Dir(abspath), config.DefaultDirPerm); err != nil {
		return nil, errors.Wrap(err, "create socket dir")
	}

	l := &Listener{
		fd:       -1,
		path:     abspath,
		lockPath: abspath + ".lock",
		log:      diag.Component(logger, "Listener").WithField(diag.FieldChannel, "side-channel"),
	}

	info, err := os.Stat(abspath)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "stat %s", abspath)
	}
	if info != nil && info.Mode()&os.ModeSocket == 0 {
		return nil, errors.Errorf("path %s exists and is not a unix domain socket", abspath)
	}

	lockFile, err := os.OpenFile(l.lockPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, config.DefaultLockFilePerm)
	if err != nil {
		return nil, errors.Wrapf(err, "open lockfile %s", l.lockPath)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lockFile.Close()
		return nil, errors.Wrapf(err, "socket %s in use (lockfile is locked)", abspath)
	}
	l.lockFile = lockFile

	if info != nil {
		if err := os.Remove(abspath); err != nil {
			_ = l.Close()
			return nil, errors.Wrapf(err, "remove orphaned socket %s", abspath)
		}
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		_ = l.Close()
		return nil, errors.Wrap(err, "socket")
	}
	l.fd = fd
	unix.CloseOnExec(fd)

	if err := unix.SetNonblock(fd, true); err != nil {
		_ = l.Close()
		return nil, errors.Wrap(err, "set listener non-blocking")
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: abspath}); err != nil {
		_ = l.Close()
		return nil, errors.Wrapf(err, "bind %s", abspath)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = l.Close()
		return nil, errors.Wrapf(err, "listen %s", abspath)
	}

	l.log.Infof("Listening on %s", abspath)
	return l, nil
}

// Start registers the listener; onAccept receives each accepted descriptor,
// already non-blocking.
func (l *Listener) Start(reg Registrar, onAccept func(fd int)) error {
	l.reg = reg
	l.onAccept = onAccept
	return reg.Register(l.fd, eventloop.Readable, l)
}

// OnReady accepts every pending connection.
func (l *Listener) OnReady(_ int, readable, _ bool) {
	if !readable {
		return
	}
	for {
		nfd, _, err := unix.Accept(l.fd)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				l.log.WithError(err).Warn("Accept failed")
				return
			}
		}
		unix.CloseOnExec(nfd)
		if err := unix.SetNonblock(nfd, true); err != nil {
			l.log.WithError(err).Warn("Dropping accepted connection")
			_ = unix.Close(nfd)
			continue
		}
		l.onAccept(nfd)
	}
}

// Close stops listening and removes the socket and lock files.
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true

	var firstErr error
	if l.fd >= 0 {
		if l.reg != nil {
			l.reg.Unregister(l.fd)
		}
		_ = os.Remove(l.path)
		firstErr = unix.Close(l.fd)
	}
	if l.lockFile != nil {
		// Removing before unlocking lets the next owner create a fresh lockfile.
		_ = os.Remove(l.lockPath)
		if err := unix.Flock(int(l.lockFile.Fd()), unix.LOCK_UN); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := l.lockFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return errors.Wrap(firstErr, "close listener")
}

// ChildStdin returns a pipe whose read end is handed to a child process and
// whose write end stays with the proxy.
func ChildStdin() (child *os.File, parentFD int, err error) {
	r, w, err := pipe()
	if err != nil {
		return nil, -1, err
	}
	return os.NewFile(uintptr(r), "child-stdin"), w, nil
}

// ChildOutput returns a pipe whose write end is handed to a child process
// (as stdout or stderr) and whose read end stays with the proxy.
func ChildOutput(name string) (parentFD int, child *os.File, err error) {
	r, w, err := pipe()
	if err != nil {
		return -1, nil, err
	}
	return r, os.NewFile(uintptr(w), name), nil
}

func pipe() (r, w int, err error) {
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return -1, -1, errors.Wrap(err, "pipe")
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	return fds[0], fds[1], nil
}
