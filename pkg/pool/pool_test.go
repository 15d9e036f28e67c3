package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scratch struct {
	used bool
}

func (s *scratch) Reset() { s.used = false }

func TestPool_RejectsBadConstructors(t *testing.T) {
	_, err := New[*scratch](nil)
	assert.Error(t, err)

	_, err = New(func() *scratch { return nil })
	assert.Error(t, err)
}

func TestPool_ResetsOnPut(t *testing.T) {
	p, err := New(func() *scratch { return &scratch{} })
	require.NoError(t, err)

	s := p.Get()
	s.used = true
	p.Put(s)

	assert.False(t, p.Get().used)
}

func TestNewBuffer_ReturnsSizedSlices(t *testing.T) {
	p := NewBuffer(32 * 1024)
	buf := p.Get()
	require.NotNil(t, buf)
	assert.Len(t, *buf, 32*1024)
	p.Put(buf)
}
