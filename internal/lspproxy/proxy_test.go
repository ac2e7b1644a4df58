package lspproxy

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/sys/unix"

	"go.trai.ch/langserv-mux/internal/config"
	"go.trai.ch/langserv-mux/internal/framing"
)

const helperEnv = "LANGSERV_MUX_HELPER_SERVER"

// TestHelperLanguageServer is not a real test. It runs as the language
// server subprocess: every request is answered with a result naming its
// method, documentSymbol with one symbol.
func TestHelperLanguageServer(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("helper process")
	}
	_, _ = os.Stderr.WriteString("fake server ready\n")

	p := framing.NewParser(func(m framing.Message) error {
		env := peek(m.Body)
		if !env.id.Exists() || !env.method.Exists() {
			return nil
		}
		result := `{"method":` + strconv.Quote(env.method.String()) + `}`
		if env.method.String() == MethodDocumentSymbol {
			result = `[{"name":"main","kind":12}]`
		}
		body := `{"jsonrpc":"2.0","id":` + env.id.Raw + `,"result":` + result + `}`
		_, err := os.Stdout.Write(framing.Encode([]byte(body), nil))
		return err
	})

	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if err := p.Feed(buf[:n]); err != nil {
				os.Exit(2)
			}
		}
		if err != nil {
			os.Exit(0)
		}
	}
}

type frameReader struct {
	conn net.Conn
	p    *framing.Parser
	msgs []framing.Message
}

func newFrameReader(conn net.Conn) *frameReader {
	r := &frameReader{conn: conn}
	r.p = framing.NewParser(func(m framing.Message) error {
		r.msgs = append(r.msgs, m)
		return nil
	})
	return r
}

func (r *frameReader) next(t *testing.T) framing.Message {
	t.Helper()
	require.NoError(t, r.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 4096)
	for len(r.msgs) == 0 {
		n, err := r.conn.Read(buf)
		require.NoError(t, err)
		require.NoError(t, r.p.Feed(buf[:n]))
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m
}

func send(t *testing.T, conn net.Conn, body string) {
	t.Helper()
	_, err := conn.Write(framing.Encode([]byte(body), nil))
	require.NoError(t, err)
}

// newTestProxy returns a proxy whose editor side is the returned conn.
func newTestProxy(t *testing.T, serverCommand ...string) (*Proxy, *config.Config, net.Conn) {
	t.Helper()
	dir := t.TempDir()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	f := os.NewFile(uintptr(fds[1]), "editor")
	editor, err := net.FileConn(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	t.Cleanup(func() { _ = editor.Close() })

	cfg := config.Default()
	cfg.ServerCommand = serverCommand
	cfg.SideChannelSocket = filepath.Join(dir, "side.sock")
	cfg.PrivilegedSocket = filepath.Join(dir, "priv.sock")
	cfg.PollTimeout = "20ms"
	cfg.ProbeInterval = "20ms"
	cfg.ProbeMaxInterval = "20ms"
	require.NoError(t, cfg.Validate())

	p := NewProxy(cfg, quietLogger())
	p.editorIn, p.editorOut = fds[0], fds[0]

	return p, cfg, editor
}

func start(ctx context.Context, p *Proxy) <-chan error {
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("proxy did not stop")
		return nil
	}
}

func TestProxy_EndToEnd(t *testing.T) {
	t.Setenv(helperEnv, "1")
	p, cfg, editor := newTestProxy(t, os.Args[0], "-test.run=^TestHelperLanguageServer$")

	privLn, err := net.Listen("unix", cfg.PrivilegedSocket)
	require.NoError(t, err)
	defer privLn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := start(ctx, p)

	fromEditor := newFrameReader(editor)
	send(t, editor, didOpen)
	send(t, editor, `{"jsonrpc":"2.0","id":1,"method":"textDocument/hover","params":{}}`)

	reply := fromEditor.next(t)
	assert.Equal(t, int64(1), gjson.GetBytes(reply.Body, "id").Int())
	assert.Equal(t, "textDocument/hover", gjson.GetBytes(reply.Body, "result.method").String())

	require.NoError(t, privLn.(*net.UnixListener).SetDeadline(time.Now().Add(5*time.Second)))
	priv, err := privLn.Accept()
	require.NoError(t, err)
	defer priv.Close()

	push := newFrameReader(priv).next(t)
	uri, _ := push.Headers.Get(HeaderURI)
	typ, _ := push.Headers.Get(HeaderType)
	assert.Equal(t, "file:///src/a.go", uri)
	assert.Equal(t, TypeDocumentSymbol, typ)
	assert.Equal(t, "main", gjson.GetBytes(push.Body, "result.0.name").String())

	peer, err := net.Dial("unix", cfg.SideChannelSocket)
	require.NoError(t, err)
	defer peer.Close()

	send(t, peer, `{"jsonrpc":"2.0","id":"mine","method":"workspace/symbol","params":{"query":""}}`)
	got := newFrameReader(peer).next(t)
	assert.Equal(t, "mine", gjson.GetBytes(got.Body, "id").String())
	assert.Equal(t, "workspace/symbol", gjson.GetBytes(got.Body, "result.method").String())

	cancel()
	require.NoError(t, wait(t, done))

	_, err = os.Stat(cfg.SideChannelSocket)
	assert.True(t, os.IsNotExist(err), "side-channel socket is removed on shutdown")
}

func TestProxy_EditorEOFEndsProxy(t *testing.T) {
	t.Setenv(helperEnv, "1")
	p, _, editor := newTestProxy(t, os.Args[0], "-test.run=^TestHelperLanguageServer$")
	done := start(context.Background(), p)

	require.NoError(t, editor.Close())

	err := wait(t, done)
	require.Error(t, err)
	assert.Equal(t, ErrEditorGone, errors.Cause(err))
}

func TestProxy_ServerExitIsFatal(t *testing.T) {
	p, _, _ := newTestProxy(t, "/bin/sh", "-c", "exit 0")
	done := start(context.Background(), p)

	err := wait(t, done)
	require.Error(t, err)
	assert.Equal(t, ErrServerGone, errors.Cause(err))
}

func TestProxy_ServerStartFailure(t *testing.T) {
	p, _, _ := newTestProxy(t, filepath.Join(t.TempDir(), "no-such-server"))

	err := p.Start(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start language server")
}
