package writer

import (
	"bytes"
	"compress/flate"
)

// FlateCompress is the bundled inplace_compress_fnc implementation: it
// deflates data and declines (ok=false) whenever the compressed form would
// not actually come out smaller, so the writer sends the original bytes
// rather than pay a decompression cost for nothing.
func FlateCompress(data []byte) (compressed []byte, ok bool) {
	var buf bytes.Buffer
	zw, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, false
	}
	if _, err := zw.Write(data); err != nil {
		return nil, false
	}
	if err := zw.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(data) {
		return nil, false
	}
	return buf.Bytes(), true
}
