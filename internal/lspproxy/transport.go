package lspproxy

import (
	"github.com/pkg/errors"
	"github.com/tidwall/sjson"

	"go.trai.ch/langserv-mux/internal/diag"
	"go.trai.ch/langserv-mux/internal/framing"
)

// Inject records done under key and sends frame to the server. key must not
// already be pending.
func (r *Router) Inject(key string, frame []byte, done Completion) {
	r.pending[key] = done
	r.server.Write(frame)
}

// HandleConnectionMessage injects a side-channel peer's request. The peer's
// id is swapped for one from the proxy's namespace on the way in and restored
// on the way out, so ids chosen by different peers can never collide. A frame
// without an id is a fault for that peer only.
func (r *Router) HandleConnectionMessage(peer Conn, msg framing.Message) error {
	env := peek(msg.Body)
	if _, ok := idKey(env.id); !ok {
		return errors.Wrapf(ErrMissingID, "method %q", env.method.String())
	}
	originalID := env.id.Raw

	proxyID := r.ids.Next()
	body, err := sjson.SetBytes(msg.Body, "id", proxyID)
	if err != nil {
		return errors.Wrap(err, "rewrite request id")
	}

	log := r.log.WithField(diag.FieldChannel, "peer")
	log.Debugf("Injecting %s as %s (peer id %s)", env.method.String(), proxyID, originalID)

	r.Inject(stringIDKey(proxyID), framing.Encode(body, msg.Headers), func(reply framing.Message) {
		if peer.Closed() {
			log.Debugf("Dropping reply %s: peer is gone", proxyID)
			return
		}
		restored, err := sjson.SetRawBytes(reply.Body, "id", []byte(originalID))
		if err != nil {
			log.WithError(err).Warnf("Dropping reply %s: cannot restore peer id", proxyID)
			return
		}
		peer.Write(framing.Encode(restored, reply.Headers))
	})

	return nil
}
