package sendpipe

import (
	"bytes"
	"compress/gzip"
	"io"
)

// GzipCompress is the default Compressor: it reports ok=false whenever
// gzip's framing overhead makes the result no smaller than the input,
// which the pipeline's shorten-only rule then skips.
func GzipCompress(payload []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(payload) {
		return nil, false
	}
	return buf.Bytes(), true
}

// GzipDecompress reverses GzipCompress.
func GzipDecompress(compressed []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
