package fetch

import (
	"io"

	"github.com/opencontainers/go-digest"
)

// Wraps an [io.Reader], hashing and counting bytes as they stream
// through. The digest and size are valid once the reader is drained.
type digestReader struct {
	r        io.Reader
	digester digest.Digester
	n        int64
}

// Creates a new [digestReader] wrapping the given reader.
func newDigestReader(r io.Reader) *digestReader {
	return &digestReader{r: r, digester: digest.Canonical.Digester()}
}

// Delegates to the underlying reader, feeding every byte read into the
// digest state.
func (d *digestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.digester.Hash().Write(p[:n])
		d.n += int64(n)
	}
	return n, err
}

// Returns the digest of everything read so far.
func (d *digestReader) Sum() digest.Digest {
	return d.digester.Digest()
}

// Returns the byte count read so far.
func (d *digestReader) Size() int64 {
	return d.n
}
