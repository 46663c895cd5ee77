package tools

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudioBuffer(t *testing.T) {
	t.Run("reads in order", func(t *testing.T) {
		ab := NewAudioBuffer(8)
		assert.Zero(t, ab.Write([]byte{1, 2, 3}))
		p := make([]byte, 2)
		n, err := ab.Read(p)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, []byte{1, 2}, p)
		assert.Equal(t, 1, ab.Len())
	})
	t.Run("overflow drops oldest", func(t *testing.T) {
		ab := NewAudioBuffer(4)
		ab.Write([]byte{1, 2, 3})
		assert.Equal(t, 2, ab.Write([]byte{4, 5, 6}))
		p := make([]byte, 4)
		n, _ := ab.Read(p)
		assert.Equal(t, []byte{3, 4, 5, 6}, p[:n])
	})
	t.Run("oversized write keeps the tail", func(t *testing.T) {
		ab := NewAudioBuffer(2)
		assert.Equal(t, 3, ab.Write([]byte{1, 2, 3, 4, 5}))
		p := make([]byte, 4)
		n, _ := ab.Read(p)
		assert.Equal(t, []byte{4, 5}, p[:n])
	})
	t.Run("underrun reads silence", func(t *testing.T) {
		ab := NewAudioBuffer(4)
		p := []byte{9, 9, 9}
		n, err := ab.Read(p)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, []byte{0, 0, 0}, p)
	})
	t.Run("closed and drained is EOF", func(t *testing.T) {
		ab := NewAudioBuffer(4)
		ab.Write([]byte{7})
		require.NoError(t, ab.Close())
		assert.Equal(t, 1, ab.Write([]byte{8}))
		p := make([]byte, 4)
		n, err := ab.Read(p)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = ab.Read(p)
		assert.ErrorIs(t, err, io.EOF)
	})
}

func TestNewPlayerDefaults(t *testing.T) {
	p := NewPlayer(nil, PlayerOptions{Channels: 1})
	assert.Equal(t, 48000, p.opts.SampleRate)
	assert.Equal(t, 1, p.opts.Channels)
	assert.Equal(t, 100, p.opts.BufferMs)
	assert.Equal(t, 2, p.opts.RingSeconds)
}
