// Package cursor implements a bounded little-endian reader over a region of an image.
// Every read is checked against the region length and fails with a
// types.TruncatedStream *types.DecodeError instead of reading past it.
package cursor

import (
	"encoding/binary"

	"github.com/appsworld/go-dyldinfo/types"
)

type Cursor struct {
	data []byte
	pos  int
	base uint64 // file offset of data[0]
	bo   binary.ByteOrder
}

// New returns a Cursor positioned at the start of data
func New(data []byte, fileOffset uint64) *Cursor {
	return &Cursor{data: data, base: fileOffset, bo: binary.LittleEndian}
}

// WithByteOrder sets the byte order used by the fixed width reads
func (c *Cursor) WithByteOrder(bo binary.ByteOrder) *Cursor {
	if bo != nil {
		c.bo = bo
	}
	return c
}

// Pos returns the current position relative to the start of the region
func (c *Cursor) Pos() int { return c.pos }

// Offset returns the current absolute file offset
func (c *Cursor) Offset() uint64 { return c.base + uint64(c.pos) }

// FileOffset returns the absolute file offset of region position pos
func (c *Cursor) FileOffset(pos int) uint64 { return c.base + uint64(pos) }

// Len returns the region length
func (c *Cursor) Len() int { return len(c.data) }

// Remaining returns the number of unread bytes
func (c *Cursor) Remaining() int { return len(c.data) - c.pos }

// EOF reports whether the whole region has been consumed
func (c *Cursor) EOF() bool { return c.pos >= len(c.data) }

// Seek moves to region position pos; pos == Len() is allowed
func (c *Cursor) Seek(pos int) error {
	if pos < 0 || pos > len(c.data) {
		return c.short(pos, "seek outside region")
	}
	c.pos = pos
	return nil
}

// Sub returns a cursor over the next n bytes and advances past them
func (c *Cursor) Sub(n int) (*Cursor, error) {
	if n < 0 || n > c.Remaining() {
		return nil, c.short(c.pos, "sub-region exceeds region")
	}
	sub := &Cursor{data: c.data[c.pos : c.pos+n], base: c.Offset(), bo: c.bo}
	c.pos += n
	return sub, nil
}

func (c *Cursor) short(pos int, msg string) error {
	return types.NewDecodeError(types.TruncatedStream, c.base+uint64(pos), msg, nil)
}

func (c *Cursor) ReadByte() (byte, error) {
	if c.pos >= len(c.data) {
		return 0, c.short(c.pos, "read past end of region")
	}
	b := c.data[c.pos]
	c.pos++
	return b, nil
}

// Uleb128 reads an unsigned LEB128 value. Bits beyond 64 are discarded.
func (c *Cursor) Uleb128() (uint64, error) {
	var result uint64
	var shift uint

	start := c.pos
	for {
		if c.pos >= len(c.data) {
			c.pos = start
			return 0, c.short(start, "unterminated ULEB128")
		}
		b := c.data[c.pos]
		c.pos++

		if shift < 64 {
			result |= uint64(b&0x7f) << shift
		}
		// If high order bit is 1.
		if (b & 0x80) == 0 {
			break
		}
		shift += 7
	}

	return result, nil
}

// Sleb128 reads a signed LEB128 value
func (c *Cursor) Sleb128() (int64, error) {
	var result int64
	var shift uint
	var b byte

	start := c.pos
	for {
		if c.pos >= len(c.data) {
			c.pos = start
			return 0, c.short(start, "unterminated SLEB128")
		}
		b = c.data[c.pos]
		c.pos++

		if shift < 64 {
			result |= int64(b&0x7f) << shift
		}
		shift += 7
		if (b & 0x80) == 0 {
			break
		}
	}
	// sign extend
	if shift < 64 && (b&0x40) != 0 {
		result |= -1 << shift
	}

	return result, nil
}

// CString reads a NUL terminated string; the terminator is consumed
func (c *Cursor) CString() (string, error) {
	for i := c.pos; i < len(c.data); i++ {
		if c.data[i] == 0 {
			s := string(c.data[c.pos:i])
			c.pos = i + 1
			return s, nil
		}
	}
	return "", c.short(c.pos, "unterminated string")
}

func (c *Cursor) Bytes(n int) ([]byte, error) {
	if n < 0 || n > c.Remaining() {
		return nil, c.short(c.pos, "read past end of region")
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *Cursor) Uint16() (uint16, error) {
	b, err := c.Bytes(2)
	if err != nil {
		return 0, err
	}
	return c.bo.Uint16(b), nil
}

func (c *Cursor) Uint32() (uint32, error) {
	b, err := c.Bytes(4)
	if err != nil {
		return 0, err
	}
	return c.bo.Uint32(b), nil
}

func (c *Cursor) Uint64() (uint64, error) {
	b, err := c.Bytes(8)
	if err != nil {
		return 0, err
	}
	return c.bo.Uint64(b), nil
}
