// Package memcache implements the memcache text and binary protocols as a
// wire.Codec. The dialect is chosen per connection from the first byte the
// client sends: 0x80 selects binary, anything else selects text.
package memcache

import (
	"bufio"

	"github.com/pior/cacheproxy/internal/wire"
)

const (
	// maxLineLength bounds a text command line. memcached uses 2048 too.
	maxLineLength = 2048

	// DefaultMaxValueSize matches the largest request the proxy accepts by
	// default.
	DefaultMaxValueSize = 100 << 20
)

type mode uint8

const (
	modeUnknown mode = iota
	modeText
	modeBinary
)

// Codec is a per-connection memcache codec.
type Codec struct {
	maxValueSize int
	mode         mode
}

var _ wire.Codec = (*Codec)(nil)

// NewCodec returns a codec that rejects values larger than maxValueSize.
// A non-positive size selects DefaultMaxValueSize.
func NewCodec(maxValueSize int) *Codec {
	if maxValueSize <= 0 {
		maxValueSize = DefaultMaxValueSize
	}
	return &Codec{maxValueSize: maxValueSize}
}

func (c *Codec) Name() string {
	switch c.mode {
	case modeBinary:
		return "memcache-binary"
	case modeText:
		return "memcache-text"
	}
	return "memcache"
}

// Binary reports whether the connection was detected as binary protocol.
func (c *Codec) Binary() bool {
	return c.mode == modeBinary
}

func (c *Codec) Decode(buf []byte) (*wire.Request, int, error) {
	if len(buf) == 0 {
		return nil, 0, nil
	}

	if c.mode == modeUnknown {
		if buf[0] == magicRequest {
			c.mode = modeBinary
		} else {
			c.mode = modeText
		}
	}

	if c.mode == modeBinary {
		return c.decodeBinary(buf)
	}
	return c.decodeText(buf)
}

func (c *Codec) Encode(w *bufio.Writer, req *wire.Request, resp *wire.Response) error {
	if c.mode == modeBinary {
		return encodeBinary(w, req, resp)
	}
	return encodeText(w, req, resp)
}
