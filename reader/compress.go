package reader

import (
	"bytes"
	"compress/flate"
	"io"
)

// FlateDecompress is the bundled decompress_fnc implementation, pairing with
// writer.FlateCompress.
func FlateDecompress(data []byte) ([]byte, error) {
	zr := flate.NewReader(bytes.NewReader(data))
	defer zr.Close()
	return io.ReadAll(zr)
}
