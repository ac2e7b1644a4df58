package lspproxy

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"go.trai.ch/langserv-mux/internal/diag"
)

const componentRouter = "Router"

var (
	// ErrMissingID rejects a peer frame that is not a request.
	ErrMissingID = errors.New("injected message has no id")

	// ErrServerGone ends the proxy when the language server's stream closes.
	ErrServerGone = errors.New("language server stream closed")

	// ErrEditorGone ends the proxy when the editor's stream closes.
	ErrEditorGone = errors.New("editor stream closed")
)

// DocSymCache holds the most recent documentSymbol push.
type DocSymCache struct {
	URI   string
	Frame []byte
}

// Empty reports whether nothing has been cached yet.
func (c DocSymCache) Empty() bool {
	return len(c.Frame) == 0
}

// Router decides where every frame goes. It owns the table of injected
// requests waiting for the server's reply. All methods run on the event loop
// goroutine.
type Router struct {
	log *logrus.Entry

	server     Conn
	editor     Conn
	privileged Conn

	ids     *IDGen
	pending map[string]Completion
	docSym  DocSymCache
}

// NewRouter returns a router that names its own requests with ids.
func NewRouter(logger logrus.FieldLogger, ids *IDGen) *Router {
	return &Router{
		log:     diag.Component(logger, componentRouter),
		ids:     ids,
		pending: make(map[string]Completion),
	}
}

// Attach sets the two endpoints every proxy has.
func (r *Router) Attach(server, editor Conn) {
	r.server = server
	r.editor = editor
}

// SetPrivileged designates the peer that receives documentSymbol pushes, or
// clears it with nil. A newly set peer immediately gets the cached push.
func (r *Router) SetPrivileged(c Conn) {
	r.privileged = c
	if c == nil || r.docSym.Empty() {
		return
	}
	r.log.WithField(HeaderURI, r.docSym.URI).Debug("Replaying cached documentSymbol push")
	c.Write(r.docSym.Frame)
}

// Privileged returns the current privileged peer, if any.
func (r *Router) Privileged() Conn {
	return r.privileged
}

// Pending returns the number of injected requests still waiting for a reply.
func (r *Router) Pending() int {
	return len(r.pending)
}

// DocSym returns the cached documentSymbol push.
func (r *Router) DocSym() DocSymCache {
	return r.docSym
}
