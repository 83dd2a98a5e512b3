package serialize

import (
	"fmt"
)

// Reader consumes a byte buffer front to back.
type Reader struct {
	bytes []byte
	rpos  int
}

func NewReader(data []byte) *Reader {
	return &Reader{
		bytes: data,
	}
}

// Read returns the next n bytes as a sub-slice of the underlying buffer.
func (r *Reader) Read(n int) ([]byte, error) {
	if r.rpos+n > len(r.bytes) {
		return nil, fmt.Errorf("reader does not contain enough data, num bytes available: %d, num bytes needed: %d", len(r.bytes)-r.rpos, n)
	}
	bs := r.bytes[r.rpos : r.rpos+n]
	r.rpos += n
	return bs, nil
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.bytes) - r.rpos
}
