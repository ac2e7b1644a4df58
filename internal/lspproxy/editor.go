package lspproxy

import (
	"github.com/tidwall/gjson"

	"go.trai.ch/langserv-mux/internal/diag"
	"go.trai.ch/langserv-mux/internal/framing"
)

// HandleEditorMessage forwards the editor's frame to the server untouched.
// Opening or changing a document additionally asks the server for that
// document's symbols on the proxy's behalf.
func (r *Router) HandleEditorMessage(msg framing.Message) error {
	r.server.Write(msg.Raw)

	method := gjson.GetBytes(msg.Body, "method").String()
	switch method {
	case MethodDidOpen, MethodDidChange:
		uri := gjson.GetBytes(msg.Body, "params.textDocument.uri").String()
		if uri == "" {
			r.log.WithField(diag.FieldChannel, "editor").Warnf("%s without a document uri", method)
			return nil
		}
		r.requestDocumentSymbols(uri)
	}

	return nil
}

func (r *Router) requestDocumentSymbols(uri string) {
	id := r.ids.Next()
	frame, err := framing.MakeContent(DocumentSymbolRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  MethodDocumentSymbol,
		Params: DocumentSymbolParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
		},
	}, nil)
	if err != nil {
		r.log.WithError(err).Error("Cannot build documentSymbol request")
		return
	}

	r.log.WithField(HeaderURI, uri).Debugf("Requesting document symbols as %s", id)
	r.Inject(stringIDKey(id), frame, func(reply framing.Message) {
		r.interceptDocumentSymbol(uri, reply)
	})
}
