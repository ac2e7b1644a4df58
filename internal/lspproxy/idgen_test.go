package lspproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDGen_Sequence(t *testing.T) {
	g := NewIDGen("inj")
	assert.Equal(t, "inj-1", g.Next())
	assert.Equal(t, "inj-2", g.Next())

	other := NewIDGen("mux")
	assert.Equal(t, "mux-1", other.Next())
	assert.Equal(t, "inj-3", g.Next())
}
