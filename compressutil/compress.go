// Package compressutil provides ready-made compress/decompress pairs for
// memcached.WithCompression, wrapping the two compressors the teacher's
// archive tooling switches over for non-gzip payloads.
package compressutil

import (
	"bytes"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/pierrec/lz4/v4"
)

// LZ4 returns a fast block compressor/decompressor pair, suited to
// latency-sensitive cache values where ratio matters less than speed.
func LZ4() (compress func([]byte) ([]byte, error), decompress func([]byte) ([]byte, error)) {
	return lz4Compress, lz4Decompress
}

func lz4Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	return io.ReadAll(r)
}

// Bzip2 returns a compressor/decompressor pair trading speed for a
// higher ratio than LZ4, for values that sit cold in cache longer.
func Bzip2() (compress func([]byte) ([]byte, error), decompress func([]byte) ([]byte, error)) {
	return bzip2Compress, bzip2Decompress
}

func bzip2Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, nil)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func bzip2Decompress(data []byte) ([]byte, error) {
	r, err := bzip2.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
