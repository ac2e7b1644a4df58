package lspproxy

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.trai.ch/langserv-mux/internal/endpoint"
)

type fakeDialer struct {
	up    bool
	dials int
}

func (d *fakeDialer) dial(path string) (int, error) {
	d.dials++
	if !d.up {
		return -1, errors.WithMessagef(endpoint.ErrUnavailable, "connect %s", path)
	}
	return 42, nil
}

type fakeAttacher struct {
	conns   []*fakeConn
	onClose func(error)
	err     error
}

func (a *fakeAttacher) attach(fd int, onClose func(error)) (Conn, error) {
	if a.err != nil {
		return nil, a.err
	}
	c := &fakeConn{}
	a.conns = append(a.conns, c)
	a.onClose = onClose
	return c, nil
}

func newTestProbe(interval, maxInterval time.Duration) (*PeerProbe, *Router, *fakeDialer, *fakeAttacher) {
	r, _, _ := newTestRouter()
	d, a := &fakeDialer{}, &fakeAttacher{}
	p := NewPeerProbe(quietLogger(), "/run/priv.sock", interval, maxInterval, d.dial, a.attach, r)
	return p, r, d, a
}

func TestPeerProbe_MissesNeverAttach(t *testing.T) {
	p, r, d, a := newTestProbe(time.Second, time.Second)
	now := time.Unix(1000, 0)

	for i := range 5 {
		p.Tick(now.Add(time.Duration(i) * time.Second))
	}

	assert.Equal(t, 5, d.dials)
	assert.Empty(t, a.conns)
	assert.False(t, p.Connected())
	assert.Nil(t, r.Privileged())
}

func TestPeerProbe_ConnectsOnce(t *testing.T) {
	p, r, d, a := newTestProbe(time.Second, time.Second)
	now := time.Unix(1000, 0)
	d.up = true

	for i := range 3 {
		p.Tick(now.Add(time.Duration(i) * time.Second))
	}

	assert.Equal(t, 1, d.dials)
	require.Len(t, a.conns, 1)
	assert.True(t, p.Connected())
	assert.Same(t, a.conns[0], r.Privileged())
}

func TestPeerProbe_ReconnectsAfterClose(t *testing.T) {
	p, r, d, a := newTestProbe(time.Second, time.Second)
	now := time.Unix(1000, 0)
	d.up = true

	p.Tick(now)
	require.True(t, p.Connected())

	a.onClose(endpoint.ErrPeerGone)
	assert.False(t, p.Connected())
	assert.Nil(t, r.Privileged())

	p.Tick(now.Add(time.Second))
	assert.Equal(t, 2, d.dials)
	require.Len(t, a.conns, 2)
	assert.Same(t, a.conns[1], r.Privileged())
}

func TestPeerProbe_StaleCloseIgnored(t *testing.T) {
	p, r, d, a := newTestProbe(time.Second, time.Second)
	now := time.Unix(1000, 0)
	d.up = true

	p.Tick(now)
	first := a.onClose
	first(nil)
	p.Tick(now.Add(time.Second))
	require.Len(t, a.conns, 2)

	first(nil)

	assert.True(t, p.Connected())
	assert.Same(t, a.conns[1], r.Privileged())
}

func TestPeerProbe_AttachFailureRetries(t *testing.T) {
	p, _, d, a := newTestProbe(time.Second, time.Second)
	now := time.Unix(1000, 0)
	d.up = true
	a.err = errors.New("register failed")

	p.Tick(now)
	assert.False(t, p.Connected())

	a.err = nil
	p.Tick(now.Add(time.Second))
	assert.True(t, p.Connected())
	assert.Equal(t, 2, d.dials)
}

func TestPeerProbe_BacksOffBetweenMisses(t *testing.T) {
	p, _, d, _ := newTestProbe(time.Second, 4*time.Second)
	now := time.Unix(1000, 0)

	var dialedAt []int
	for i := range 6 {
		before := d.dials
		p.Tick(now.Add(time.Duration(i) * time.Second))
		if d.dials > before {
			dialedAt = append(dialedAt, i)
		}
	}

	assert.Equal(t, []int{0, 1, 2, 5}, dialedAt)
}

func TestPeerProbe_ReplaysCachedPushOnConnect(t *testing.T) {
	p, r, d, a := newTestProbe(time.Second, time.Second)
	require.NoError(t, r.HandleEditorMessage(frame(t, didOpen)))
	require.NoError(t, r.HandleServerMessage(frame(t, `{"jsonrpc":"2.0","id":"inj-1","result":[]}`)))

	d.up = true
	p.Tick(time.Unix(1000, 0))

	require.Len(t, a.conns, 1)
	require.Len(t, a.conns[0].frames, 1)
	assert.Equal(t, r.DocSym().Frame, a.conns[0].frames[0])
}
