package lspproxy

import (
	"sort"

	"go.trai.ch/langserv-mux/internal/endpoint"
)

// PeerTable maps each live peer's descriptor to its endpoint.
type PeerTable struct {
	peers map[int]*endpoint.Endpoint
}

// NewPeerTable returns an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[int]*endpoint.Endpoint)}
}

// Add records the endpoint for fd.
func (t *PeerTable) Add(fd int, e *endpoint.Endpoint) {
	t.peers[fd] = e
}

// Remove forgets fd.
func (t *PeerTable) Remove(fd int) {
	delete(t.peers, fd)
}

// Len returns the number of live peers.
func (t *PeerTable) Len() int {
	return len(t.peers)
}

// Each calls f for every peer in descriptor order. f may remove peers.
func (t *PeerTable) Each(f func(fd int, e *endpoint.Endpoint)) {
	fds := make([]int, 0, len(t.peers))
	for fd := range t.peers {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	for _, fd := range fds {
		if e, ok := t.peers[fd]; ok {
			f(fd, e)
		}
	}
}
