package memcached

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueCodecSerializeRawBytes(t *testing.T) {
	vc := defaultValueCodec()
	flags, data, err := vc.serialize([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), flags)
	assert.Equal(t, []byte("hello"), data)
}

func TestValueCodecSerializeString(t *testing.T) {
	vc := defaultValueCodec()
	flags, data, err := vc.serialize("hello")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), flags)
	assert.Equal(t, []byte("hello"), data)
}

func TestValueCodecSerializeSmallInt(t *testing.T) {
	vc := defaultValueCodec()
	flags, data, err := vc.serialize(42)
	require.NoError(t, err)
	assert.Equal(t, FlagInt, flags)
	assert.Equal(t, []byte("42"), data)
}

func TestValueCodecSerializeBigInt(t *testing.T) {
	vc := defaultValueCodec()
	flags, data, err := vc.serialize(int64(1) << 40)
	require.NoError(t, err)
	assert.Equal(t, FlagLong, flags)
	assert.Equal(t, "1099511627776", string(data))
}

func TestValueCodecSerializePickledDefault(t *testing.T) {
	vc := defaultValueCodec()

	type point struct {
		X, Y int
	}
	flags, data, err := vc.serialize(point{X: 1, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, FlagPickled, flags)

	back, err := vc.deserialize(data, flags)
	require.NoError(t, err)
	assert.NotNil(t, back)
}

func TestValueCodecRoundTripInt(t *testing.T) {
	vc := defaultValueCodec()
	flags, data, err := vc.serialize(7)
	require.NoError(t, err)

	back, err := vc.deserialize(data, flags)
	require.NoError(t, err)
	assert.Equal(t, 7, back)
}

func TestValueCodecCompressionSetsFlag(t *testing.T) {
	vc := defaultValueCodec()
	vc.compress = func(b []byte) ([]byte, error) { return append([]byte("z:"), b...), nil }
	vc.decompress = func(b []byte) ([]byte, error) { return b[2:], nil }

	flags, data, err := vc.serialize([]byte("payload"))
	require.NoError(t, err)
	assert.NotZero(t, flags&FlagCompressed)

	back, err := vc.deserialize(data, flags)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), back)
}

func TestValueCodecNumericNeverCompressed(t *testing.T) {
	vc := defaultValueCodec()
	vc.compress = func(b []byte) ([]byte, error) { return append([]byte("z:"), b...), nil }

	flags, _, err := vc.serialize(42)
	require.NoError(t, err)
	assert.Zero(t, flags&FlagCompressed, "numeric encodings must never be compressed")
}

func TestValueCodecDeserializeCompressedWithoutDecompressor(t *testing.T) {
	vc := defaultValueCodec()
	_, err := vc.deserialize([]byte("x"), FlagCompressed)
	require.Error(t, err)
}
