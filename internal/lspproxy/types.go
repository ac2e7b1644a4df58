package lspproxy

import (
	"github.com/tidwall/gjson"

	"go.trai.ch/langserv-mux/internal/framing"
)

// LSP methods the router looks at.
const (
	MethodDidOpen        = "textDocument/didOpen"
	MethodDidChange      = "textDocument/didChange"
	MethodDocumentSymbol = "textDocument/documentSymbol"
)

// Side-channel push headers.
const (
	HeaderURI          = "Uri"
	HeaderType         = "Type"
	TypeDocumentSymbol = "documentSymbol"
)

// Conn is the router's view of an endpoint.
type Conn interface {
	Write(b []byte)
	Closed() bool
}

// Completion receives the server's reply to an injected request.
type Completion func(reply framing.Message)

// DocumentSymbolRequest is the request synthesized for every opened or
// changed document.
type DocumentSymbolRequest struct {
	JSONRPC string               `json:"jsonrpc"`
	ID      string               `json:"id"`
	Method  string               `json:"method"`
	Params  DocumentSymbolParams `json:"params"`
}

// DocumentSymbolParams holds the parameters of a documentSymbol request.
type DocumentSymbolParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// TextDocumentIdentifier identifies a document by its URI.
type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

// envelope is the part of a JSON-RPC message the router needs: id and method.
type envelope struct {
	id     gjson.Result
	method gjson.Result
}

func peek(body []byte) envelope {
	res := gjson.GetManyBytes(body, "id", "method")
	return envelope{id: res[0], method: res[1]}
}

// idKey maps a JSON-RPC id onto a correlation key. Strings and numbers live
// in separate key spaces so "1" and 1 never match. Absent and null ids have
// no key.
func idKey(id gjson.Result) (string, bool) {
	switch id.Type {
	case gjson.String:
		return "s:" + id.Str, true
	case gjson.Number:
		return "n:" + id.Raw, true
	default:
		return "", false
	}
}

// stringIDKey is the key of an id the proxy generated itself.
func stringIDKey(id string) string {
	return "s:" + id
}
