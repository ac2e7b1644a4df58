package lspproxy

import (
	"go.trai.ch/langserv-mux/internal/framing"
)

// HandleServerMessage delivers a server frame. A reply whose id is pending
// goes to that injection's completion, which is removed before it runs;
// everything else is forwarded to the editor untouched. Only frames without a
// method are replies, so a server request reusing a pending id still reaches
// the editor.
func (r *Router) HandleServerMessage(msg framing.Message) error {
	env := peek(msg.Body)

	if !env.method.Exists() {
		if key, ok := idKey(env.id); ok {
			if done, found := r.pending[key]; found {
				delete(r.pending, key)
				done(msg)
				return nil
			}
		}
	}

	r.editor.Write(msg.Raw)
	return nil
}
