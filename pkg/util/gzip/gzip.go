package gzip

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
)

// ReadFileMaybeGZIP reads a file and transparently decompresses it when it
// carries a gzip header (http://www.zlib.org/rfc-gzip.html), so config files
// may be stored either way.
func ReadFileMaybeGZIP(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(b, []byte("\x1F\x8B")) {
		return b, nil
	}
	gzipReader, err := gzip.NewReader(bytes.NewBuffer(b))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(gzipReader)
}
