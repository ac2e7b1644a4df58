package lspproxy

import "strconv"

// IDGen hands out request ids in a namespace reserved for the proxy:
// "<prefix>-1", "<prefix>-2", ... Editors and peers use their own ids, which
// never carry this prefix in practice; peer ids are replaced by ids from
// here before they reach the server anyway.
type IDGen struct {
	prefix string
	count  uint64
}

// NewIDGen returns a generator whose first id is "<prefix>-1".
func NewIDGen(prefix string) *IDGen {
	return &IDGen{prefix: prefix}
}

// Next returns a fresh id.
func (g *IDGen) Next() string {
	g.count++
	return g.prefix + "-" + strconv.FormatUint(g.count, 10)
}
