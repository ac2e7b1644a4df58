// Package framing implements the header-block-plus-JSON-body framing shared by
// the editor, the language server and side-channel peers.
package framing

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"go.trai.ch/langserv-mux/internal/config"
)

var (
	// ErrMissingContentLength is returned for a header block without Content-Length.
	ErrMissingContentLength = errors.New("missing Content-Length header")

	// ErrBadHeader is returned for header lines that cannot be parsed.
	ErrBadHeader = errors.New("malformed header")

	// ErrHeaderTooLarge is returned when no header terminator shows up in time.
	ErrHeaderTooLarge = errors.New("header block too large")
)

var (
	crlfTerminator = []byte("\r\n\r\n")
	lfTerminator   = []byte("\n\n")
)

// Message is one complete frame.
type Message struct {
	// Raw is the whole frame exactly as it was read, headers included.
	Raw []byte
	// Body is the JSON payload, a subslice of Raw.
	Body    []byte
	Headers Headers
}

// Handler receives every complete frame. A returned error poisons the parser.
type Handler func(Message) error

// Parser is a push parser: bytes go in through Feed in arbitrary chunks and
// complete frames come out through the handler.
type Parser struct {
	handler   Handler
	maxHeader int

	buf       []byte
	headerLen int // -1 until the current header block is parsed
	bodyLen   int
	headers   Headers

	err error
}

// NewParser returns a Parser delivering frames to h.
func NewParser(h Handler) *Parser {
	return &Parser{
		handler:   h,
		maxHeader: config.MaxHeaderBytes,
		headerLen: -1,
	}
}

// Feed appends chunk to the buffered input and emits every frame it completes,
// in order. After the first error every later call returns that same error.
func (p *Parser) Feed(chunk []byte) error {
	if p.err != nil {
		return p.err
	}
	p.buf = append(p.buf, chunk...)

	for {
		if p.headerLen < 0 {
			found, err := p.parseHeaders()
			if err != nil {
				p.err = err
				return err
			}
			if !found {
				return nil
			}
		}

		full := p.headerLen + p.bodyLen
		if len(p.buf) < full {
			return nil
		}

		raw := bytes.Clone(p.buf[:full])
		msg := Message{
			Raw:     raw,
			Body:    raw[p.headerLen:],
			Headers: p.headers,
		}

		p.buf = p.buf[full:]
		p.headerLen = -1
		p.bodyLen = 0
		p.headers = nil

		if err := p.handler(msg); err != nil {
			p.err = err
			return err
		}
	}
}

// Buffered reports how many bytes are held waiting for a frame to complete.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

func (p *Parser) parseHeaders() (bool, error) {
	end, sep := findTerminator(p.buf)
	if end < 0 {
		if len(p.buf) > p.maxHeader {
			return false, errors.Wrapf(ErrHeaderTooLarge, "%d bytes without terminator", len(p.buf))
		}
		return false, nil
	}
	if end > p.maxHeader {
		return false, errors.Wrapf(ErrHeaderTooLarge, "%d bytes", end)
	}

	block := p.buf[:end]
	if !utf8.Valid(block) {
		return false, errors.Wrap(ErrBadHeader, "header block is not valid UTF-8")
	}

	var (
		headers       Headers
		contentLength = -1
	)
	for _, line := range strings.Split(string(block), sep) {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return false, errors.Wrapf(ErrBadHeader, "line %q", line)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)

		if strings.EqualFold(name, ContentLength) {
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return false, errors.Wrapf(ErrBadHeader, "invalid Content-Length value '%s'", value)
			}
			contentLength = n
		}
		headers = append(headers, Header{Name: name, Value: value})
	}

	if contentLength < 0 {
		return false, ErrMissingContentLength
	}

	p.headers = headers
	p.headerLen = end + 2*len(sep)
	p.bodyLen = contentLength
	return true, nil
}

// findTerminator returns the offset of the earliest blank-line terminator and
// the line separator it implies, or -1.
func findTerminator(buf []byte) (int, string) {
	crlf := bytes.Index(buf, crlfTerminator)
	lf := bytes.Index(buf, lfTerminator)

	switch {
	case crlf < 0 && lf < 0:
		return -1, ""
	case lf < 0 || (crlf >= 0 && crlf < lf):
		return crlf, "\r\n"
	default:
		return lf, "\n"
	}
}

// MakeContent serializes v as JSON and frames it with Content-Length followed
// by the extra headers in their given order.
func MakeContent(v any, extra Headers) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal frame body")
	}
	return Encode(body, extra), nil
}

// Encode frames an already serialized body. Any Content-Length in extra is
// replaced by the computed one.
func Encode(body []byte, extra Headers) []byte {
	var b bytes.Buffer
	b.Grow(len(body) + 64)

	b.WriteString(ContentLength)
	b.WriteString(": ")
	b.WriteString(strconv.Itoa(len(body)))
	b.WriteString("\r\n")
	for _, hdr := range extra.Without(ContentLength) {
		b.WriteString(hdr.Name)
		b.WriteString(": ")
		b.WriteString(hdr.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(body)

	return b.Bytes()
}
