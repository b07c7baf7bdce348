package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
)

// szReader walks a decoded 7z header buffer.
type szReader struct {
	buf []byte
	off int
}

func (h *szReader) remaining() int {
	return len(h.buf) - h.off
}

func (h *szReader) byte() (byte, error) {
	if h.off >= len(h.buf) {
		return 0, szFormatError("unexpected end of header")
	}

	b := h.buf[h.off]
	h.off++

	return b, nil
}

func (h *szReader) expect(id byte) error {
	got, err := h.byte()
	if err != nil {
		return err
	}

	if got != id {
		return szFormatError(fmt.Sprintf("expected property 0x%02x, found 0x%02x", id, got))
	}

	return nil
}

func (h *szReader) bytes(n uint64) ([]byte, error) {
	if n > uint64(h.remaining()) {
		return nil, szFormatError("unexpected end of header")
	}

	b := h.buf[h.off : h.off+int(n)]
	h.off += int(n)

	return b, nil
}

// number decodes the variable length integer encoding used throughout the
// header: the count of leading one bits in the first byte gives the number
// of extra little-endian bytes that follow.
func (h *szReader) number() (uint64, error) {
	first, err := h.byte()
	if err != nil {
		return 0, err
	}

	var value uint64

	mask := byte(0x80)

	for i := 0; i < 8; i++ {
		if first&mask == 0 {
			high := uint64(first & (mask - 1))

			return value | high<<(8*i), nil
		}

		b, err := h.byte()
		if err != nil {
			return 0, err
		}

		value |= uint64(b) << (8 * i)
		mask >>= 1
	}

	return value, nil
}

// count is a number used as an item count; every item occupies at least one
// header byte, which bounds allocations driven by corrupt input.
func (h *szReader) count() (uint64, error) {
	n, err := h.number()
	if err != nil {
		return 0, err
	}

	if n > uint64(h.remaining()) {
		return 0, szFormatError(fmt.Sprintf("count %d exceeds the remaining header", n))
	}

	return n, nil
}

func (h *szReader) uint32() (uint32, error) {
	b, err := h.bytes(4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

// bitVector reads n bits, most significant bit first.
func (h *szReader) bitVector(n int) ([]bool, error) {
	bits := make([]bool, n)

	var cur byte

	for i := 0; i < n; i++ {
		if i%8 == 0 {
			b, err := h.byte()
			if err != nil {
				return nil, err
			}

			cur = b
		}

		bits[i] = cur&(0x80>>(i%8)) != 0
	}

	return bits, nil
}

// digests reads an optional-defined vector of n CRC32 values.
func (h *szReader) digests(n int) ([]szDigest, error) {
	allDefined, err := h.byte()
	if err != nil {
		return nil, err
	}

	var defined []bool

	if allDefined != 0 {
		defined = make([]bool, n)
		for i := range defined {
			defined[i] = true
		}
	} else if defined, err = h.bitVector(n); err != nil {
		return nil, err
	}

	out := make([]szDigest, n)

	for i := range out {
		if !defined[i] {
			continue
		}

		crc, err := h.uint32()
		if err != nil {
			return nil, err
		}

		out[i] = szDigest{defined: true, crc: crc}
	}

	return out, nil
}

func decodeUTF16(units []uint16) string {
	return string(utf16.Decode(units))
}

func asIOError(err error) (*IOError, bool) {
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return ioErr, true
	}

	return nil, false
}
