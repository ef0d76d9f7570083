package fbb

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/ke4ahr/PyFBB/pkg/lzhuf"
)

// compressor is the payload codec negotiated for FC transfers: LZHUF by
// default, gzip when both peers advertise it and the session asks for it
type compressor interface {
	Compress([]byte) []byte
	Decompress([]byte) ([]byte, error)
	Name() string
}

type lzhufCompressor struct{}

func (lzhufCompressor) Compress(data []byte) []byte            { return lzhuf.Compress(data) }
func (lzhufCompressor) Decompress(data []byte) ([]byte, error) { return lzhuf.Decompress(data) }
func (lzhufCompressor) Name() string                           { return "lzhuf" }

type gzipCompressor struct{}

func (gzipCompressor) Compress(data []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(data)
	zw.Close()
	return buf.Bytes()
}

func (gzipCompressor) Decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func (gzipCompressor) Name() string { return "gzip" }
