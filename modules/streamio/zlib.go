package streamio

import (
	"compress/zlib"
	"io"
	"sync"
)

var (
	zlibReader = sync.Pool{
		New: func() any {
			return &ZlibReader{}
		},
	}
	zlibWriter = sync.Pool{
		New: func() any {
			w, _ := zlib.NewWriterLevel(nil, zlib.BestSpeed)
			return &ZlibWriter{Writer: w}
		},
	}
)

type ZlibReader struct {
	io.ReadCloser
}

// GetZlibReader returns a ZlibReader that is managed by a sync.Pool.
//
// After use, the ZlibReader should be put back into the sync.Pool by
// calling PutZlibReader.
func GetZlibReader(r io.Reader) (*ZlibReader, error) {
	zr := zlibReader.Get().(*ZlibReader)
	rc, err := zlib.NewReader(r)
	if err != nil {
		zlibReader.Put(zr)
		return nil, err
	}
	zr.ReadCloser = rc
	return zr, nil
}

// PutZlibReader puts z back into its sync.Pool, first closing the reader.
func PutZlibReader(z *ZlibReader) {
	if z == nil {
		return
	}
	if z.ReadCloser != nil {
		_ = z.ReadCloser.Close()
	}
	z.ReadCloser = nil
	zlibReader.Put(z)
}

type ZlibWriter struct {
	*zlib.Writer
}

// GetZlibWriter returns a ZlibWriter that is managed by a sync.Pool.
// Returns a writer that is reset with w and ready for use.
//
// After use, the ZlibWriter should be put back into the sync.Pool by
// calling PutZlibWriter.
func GetZlibWriter(w io.Writer) *ZlibWriter {
	z := zlibWriter.Get().(*ZlibWriter)
	z.Writer.Reset(w)
	return z
}

// PutZlibWriter flushes and closes w, then puts it back into its sync.Pool.
func PutZlibWriter(w *ZlibWriter) {
	_ = w.Writer.Close()
	zlibWriter.Put(w)
}
