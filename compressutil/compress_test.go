package compressutil

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLZ4RoundTrip(t *testing.T) {
	compress, decompress := LZ4()

	original := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 64)

	compressed, err := compress(original)
	require.NoError(t, err)
	assert.NotEmpty(t, compressed)

	restored, err := decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestLZ4EmptyInput(t *testing.T) {
	compress, decompress := LZ4()

	compressed, err := compress(nil)
	require.NoError(t, err)

	restored, err := decompress(compressed)
	require.NoError(t, err)
	assert.Empty(t, restored)
}

func TestBzip2RoundTrip(t *testing.T) {
	compress, decompress := Bzip2()

	original := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 64)

	compressed, err := compress(original)
	require.NoError(t, err)
	assert.NotEmpty(t, compressed)

	restored, err := decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestBzip2EmptyInput(t *testing.T) {
	compress, decompress := Bzip2()

	compressed, err := compress(nil)
	require.NoError(t, err)

	restored, err := decompress(compressed)
	require.NoError(t, err)
	assert.Empty(t, restored)
}
