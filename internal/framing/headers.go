package framing

import "strings"

// ContentLength is the one mandatory header of every frame.
const ContentLength = "Content-Length"

// Header is a single `Name: value` line of a frame's header block.
type Header struct {
	Name  string
	Value string
}

// Headers keeps header lines in the order they were read or set.
type Headers []Header

// Get returns the value of the first header named exactly name.
func (h Headers) Get(name string) (string, bool) {
	for _, hdr := range h {
		if hdr.Name == name {
			return hdr.Value, true
		}
	}
	return "", false
}

// Without returns a copy of h minus every header matching name, ignoring case.
func (h Headers) Without(name string) Headers {
	out := make(Headers, 0, len(h))
	for _, hdr := range h {
		if !strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr)
		}
	}
	return out
}
