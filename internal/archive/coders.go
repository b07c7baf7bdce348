package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/ulikunitz/xz/lzma"
)

// decoder turns the packed bytes of a 7z folder into its unpacked output.
type decoder func(props []byte, packed io.Reader, size uint64) (io.Reader, error)

var (
	coderCopy  = []byte{0x00}
	coderLZMA  = []byte{0x03, 0x01, 0x01}
	coderLZMA2 = []byte{0x21}
)

func coderFor(id []byte) (decoder, error) {
	switch {
	case bytes.Equal(id, coderCopy):
		return decodeCopy, nil
	case bytes.Equal(id, coderLZMA):
		return decodeLZMA, nil
	case bytes.Equal(id, coderLZMA2):
		return decodeLZMA2, nil
	}

	return nil, szFormatError(fmt.Sprintf("unsupported coder %x", id))
}

func decodeCopy(_ []byte, packed io.Reader, _ uint64) (io.Reader, error) {
	return packed, nil
}

// decodeLZMA rebuilds the classic .lzma header from the coder properties so
// the raw 7z stream can be read with a stock LZMA reader.
func decodeLZMA(props []byte, packed io.Reader, size uint64) (io.Reader, error) {
	if len(props) != 5 {
		return nil, szFormatError(fmt.Sprintf("LZMA coder has %d property bytes, expected 5", len(props)))
	}

	hdr := make([]byte, 13)
	hdr[0] = props[0]
	binary.LittleEndian.PutUint32(hdr[1:], uint32(dictCap(uint64(binary.LittleEndian.Uint32(props[1:])), size)))
	binary.LittleEndian.PutUint64(hdr[5:], size)

	r, err := lzma.NewReader(io.MultiReader(bytes.NewReader(hdr), packed))
	if err != nil {
		return nil, fmt.Errorf("open LZMA stream: %w", err)
	}

	return r, nil
}

func decodeLZMA2(props []byte, packed io.Reader, size uint64) (io.Reader, error) {
	if len(props) != 1 {
		return nil, szFormatError(fmt.Sprintf("LZMA2 coder has %d property bytes, expected 1", len(props)))
	}

	p := props[0]
	if p > 40 {
		return nil, szFormatError(fmt.Sprintf("invalid LZMA2 dictionary property %d", p))
	}

	dict := uint64(math.MaxUint32)
	if p < 40 {
		dict = uint64(2|(p&1)) << (p/2 + 11)
	}

	r, err := lzma.Reader2Config{DictCap: dictCap(dict, size)}.NewReader2(packed)
	if err != nil {
		return nil, fmt.Errorf("open LZMA2 stream: %w", err)
	}

	return r, nil
}

// dictCap bounds the dictionary to the output size; a dictionary larger than
// the data it decodes is never used.
func dictCap(dict, size uint64) int {
	if size < dict {
		dict = size
	}

	if dict < lzma.MinDictCap {
		dict = lzma.MinDictCap
	}

	if dict > math.MaxInt32 {
		dict = math.MaxInt32
	}

	return int(dict)
}
