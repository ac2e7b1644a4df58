package lspproxy

import (
	"github.com/tidwall/gjson"

	"go.trai.ch/langserv-mux/internal/framing"
)

// interceptDocumentSymbol turns the server's reply to a synthesized
// documentSymbol request into a side-channel push: the body is kept as is and
// tagged with Uri and Type headers. The push is cached for peers that connect
// later and sent to the privileged peer if one is connected.
func (r *Router) interceptDocumentSymbol(uri string, reply framing.Message) {
	log := r.log.WithField(HeaderURI, uri)

	if rpcErr := gjson.GetBytes(reply.Body, "error"); rpcErr.Exists() && rpcErr.Type != gjson.Null {
		log.Warnf("documentSymbol failed: %s", rpcErr.Raw)
		return
	}

	push := framing.Encode(reply.Body, framing.Headers{
		{Name: HeaderURI, Value: uri},
		{Name: HeaderType, Value: TypeDocumentSymbol},
	})
	r.docSym = DocSymCache{URI: uri, Frame: push}

	if r.privileged == nil || r.privileged.Closed() {
		log.Debug("Cached documentSymbol push; no privileged peer connected")
		return
	}

	log.Debug("Pushing documentSymbol to privileged peer")
	r.privileged.Write(push)
}
