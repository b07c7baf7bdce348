// Package testutil builds archive fixtures for tests.
package testutil

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz/lzma"
)

// Fixture is a generated archive together with the byte range holding the
// stored payload, so tests can corrupt it without touching any header.
type Fixture struct {
	Bytes        []byte
	PayloadStart int
	PayloadEnd   int
	CRC          uint32
}

// ZipEntry describes one file of a generated zip archive.
type ZipEntry struct {
	Name   string
	Data   []byte
	Method uint16
}

// Zip writes entries with the standard library writer. The payload range
// refers to the first entry.
func Zip(t testing.TB, entries ...ZipEntry) Fixture {
	t.Helper()

	var buf bytes.Buffer

	w := zip.NewWriter(&buf)

	for _, e := range entries {
		fw, err := w.CreateHeader(&zip.FileHeader{Name: e.Name, Method: e.Method})
		require.NoError(t, err)

		_, err = fw.Write(e.Data)
		require.NoError(t, err)
	}

	require.NoError(t, w.Close())

	out := buf.Bytes()
	f := Fixture{Bytes: out}

	if len(entries) > 0 {
		nameLen := int(binary.LittleEndian.Uint16(out[26:]))
		extraLen := int(binary.LittleEndian.Uint16(out[28:]))
		f.PayloadStart = 30 + nameLen + extraLen

		zr, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
		require.NoError(t, err)

		f.PayloadEnd = f.PayloadStart + int(zr.File[0].CompressedSize64)
		f.CRC = crc32.ChecksumIEEE(entries[0].Data)
	}

	return f
}

// StoredZip is a single uncompressed entry.
func StoredZip(t testing.TB, name string, data []byte) Fixture {
	t.Helper()

	return Zip(t, ZipEntry{Name: name, Data: data, Method: zip.Store})
}

// Zip64 hand-writes a single stored entry whose central directory uses the
// ZIP64 extra field and end records.
func Zip64(t testing.TB, name string, data []byte) Fixture {
	t.Helper()

	crc := crc32.ChecksumIEEE(data)

	var b bytes.Buffer

	le := func(v any) { require.NoError(t, binary.Write(&b, binary.LittleEndian, v)) }

	b.WriteString("PK\x03\x04")
	le(uint16(45))
	le(uint16(0))
	le(uint16(0))
	le(uint32(0))
	le(crc)
	le(uint32(len(data)))
	le(uint32(len(data)))
	le(uint16(len(name)))
	le(uint16(0))
	b.WriteString(name)

	start := b.Len()
	b.Write(data)
	end := b.Len()

	cdOffset := b.Len()

	b.WriteString("PK\x01\x02")
	le(uint16(45))
	le(uint16(45))
	le(uint16(0))
	le(uint16(0))
	le(uint32(0))
	le(crc)
	le(uint32(0xFFFFFFFF))
	le(uint32(0xFFFFFFFF))
	le(uint16(len(name)))
	le(uint16(28))
	le(uint16(0))
	le(uint16(0))
	le(uint16(0))
	le(uint32(0))
	le(uint32(0xFFFFFFFF))
	b.WriteString(name)
	le(uint16(0x0001))
	le(uint16(24))
	le(uint64(len(data)))
	le(uint64(len(data)))
	le(uint64(0))

	cdSize := b.Len() - cdOffset
	end64Offset := b.Len()

	b.WriteString("PK\x06\x06")
	le(uint64(44))
	le(uint16(45))
	le(uint16(45))
	le(uint32(0))
	le(uint32(0))
	le(uint64(1))
	le(uint64(1))
	le(uint64(cdSize))
	le(uint64(cdOffset))

	b.WriteString("PK\x06\x07")
	le(uint32(0))
	le(uint64(end64Offset))
	le(uint32(1))

	b.WriteString("PK\x05\x06")
	le(uint16(0))
	le(uint16(0))
	le(uint16(0xFFFF))
	le(uint16(0xFFFF))
	le(uint32(0xFFFFFFFF))
	le(uint32(0xFFFFFFFF))
	le(uint16(0))

	return Fixture{Bytes: b.Bytes(), PayloadStart: start, PayloadEnd: end, CRC: crc}
}

// SevenZipCoder selects how the payload folder is packed.
type SevenZipCoder int

const (
	SevenZipCopy SevenZipCoder = iota
	SevenZipLZMA
)

// SevenZipEntry is one file of a generated 7z archive.
type SevenZipEntry struct {
	Name string
	Data []byte
}

// SevenZipOptions controls the layout of a generated 7z archive.
type SevenZipOptions struct {
	Entries []SevenZipEntry
	Coder   SevenZipCoder

	// Directory adds an empty-stream entry ahead of the payload.
	Directory string
	// SubStreamCRC stores the digest in SubStreamsInfo instead of on the folder.
	SubStreamCRC bool
	// OmitCRC writes no digest at all.
	OmitCRC bool
	// EncodeHeader stores the header as a Copy-coded encoded header.
	EncodeHeader bool
	// CRC overrides the digest written for a single entry.
	CRC *uint32
}

// SevenZip assembles a 7z archive: a signature header, the packed payload
// folder, and a (possibly encoded) header describing it.
func SevenZip(t testing.TB, opts SevenZipOptions) Fixture {
	t.Helper()

	var data []byte

	crcs := make([]uint32, len(opts.Entries))

	for i, e := range opts.Entries {
		data = append(data, e.Data...)
		crcs[i] = crc32.ChecksumIEEE(e.Data)
	}

	if opts.CRC != nil && len(crcs) == 1 {
		crcs[0] = *opts.CRC
	}

	coderID, props, packed := []byte{0x00}, []byte(nil), data
	if opts.Coder == SevenZipLZMA {
		coderID = []byte{0x03, 0x01, 0x01}
		props, packed = lzmaPack(t, data)
	}

	var hdr bytes.Buffer

	hdr.WriteByte(0x01)

	if len(opts.Entries) > 0 {
		hdr.WriteByte(0x04)

		single := len(opts.Entries) == 1
		folderCRC := single && !opts.SubStreamCRC && !opts.OmitCRC

		var folderDigest *uint32
		if folderCRC {
			folderDigest = &crcs[0]
		}

		writeFolderStreams(&hdr, 0, len(packed), coderID, props, len(data), folderDigest)

		hdr.WriteByte(0x08)

		if !single {
			hdr.WriteByte(0x0D)
			writeNumber(&hdr, uint64(len(opts.Entries)))
			hdr.WriteByte(0x09)

			for _, e := range opts.Entries[:len(opts.Entries)-1] {
				writeNumber(&hdr, uint64(len(e.Data)))
			}
		}

		if !folderCRC && !opts.OmitCRC {
			hdr.WriteByte(0x0A)
			hdr.WriteByte(0x01)

			for _, c := range crcs {
				writeUint32(&hdr, c)
			}
		}

		hdr.WriteByte(0x00)
		hdr.WriteByte(0x00)
	}

	names := make([]string, 0, len(opts.Entries)+1)
	if opts.Directory != "" {
		names = append(names, opts.Directory)
	}

	for _, e := range opts.Entries {
		names = append(names, e.Name)
	}

	if len(names) > 0 {
		hdr.WriteByte(0x05)
		writeNumber(&hdr, uint64(len(names)))

		if opts.Directory != "" {
			bits := make([]byte, (len(names)+7)/8)
			bits[0] = 0x80

			hdr.WriteByte(0x0E)
			writeNumber(&hdr, uint64(len(bits)))
			hdr.Write(bits)
		}

		var nameBuf bytes.Buffer

		nameBuf.WriteByte(0x00)

		for _, n := range names {
			for _, u := range utf16.Encode([]rune(n)) {
				_ = binary.Write(&nameBuf, binary.LittleEndian, u)
			}

			nameBuf.Write([]byte{0, 0})
		}

		hdr.WriteByte(0x11)
		writeNumber(&hdr, uint64(nameBuf.Len()))
		hdr.Write(nameBuf.Bytes())
		hdr.WriteByte(0x00)
	}

	hdr.WriteByte(0x00)

	body := append([]byte(nil), packed...)
	next := hdr.Bytes()

	if opts.EncodeHeader {
		plain := next
		plainCRC := crc32.ChecksumIEEE(plain)

		var enc bytes.Buffer

		enc.WriteByte(0x17)
		writeFolderStreams(&enc, len(body), len(plain), []byte{0x00}, nil, len(plain), &plainCRC)
		enc.WriteByte(0x00)

		body = append(body, plain...)
		next = enc.Bytes()
	}

	f := Fixture{Bytes: sevenZipFile(body, next), PayloadStart: 32, PayloadEnd: 32 + len(packed)}
	if len(crcs) > 0 {
		f.CRC = crcs[0]
	}

	return f
}

// SevenZipRawHeader wraps a hand-written plain header in a 7z file with valid
// start header and header digests and no packed streams.
func SevenZipRawHeader(header []byte) []byte {
	return sevenZipFile(nil, header)
}

func sevenZipFile(body, next []byte) []byte {
	var out bytes.Buffer

	out.Write([]byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C, 0x00, 0x04})

	start := make([]byte, 20)
	binary.LittleEndian.PutUint64(start[0:], uint64(len(body)))
	binary.LittleEndian.PutUint64(start[8:], uint64(len(next)))
	binary.LittleEndian.PutUint32(start[16:], crc32.ChecksumIEEE(next))

	writeUint32(&out, crc32.ChecksumIEEE(start))
	out.Write(start)
	out.Write(body)
	out.Write(next)

	return out.Bytes()
}

// SevenZipCoderStreams returns a header whose single folder has numCoders
// complex Copy coders, each declaring the given input and output stream
// counts.
func SevenZipCoderStreams(numCoders int, numIn, numOut uint64) []byte {
	var b bytes.Buffer

	b.Write([]byte{0x01, 0x04, 0x07, 0x0B})
	writeNumber(&b, 1)
	b.WriteByte(0x00)
	writeNumber(&b, uint64(numCoders))

	for i := 0; i < numCoders; i++ {
		b.Write([]byte{0x11, 0x00})
		writeNumber(&b, numIn)
		writeNumber(&b, numOut)
	}

	// Padding keeps the per-coder counts within the remaining header.
	b.Write(make([]byte, 64))

	return b.Bytes()
}

// writeFolderStreams writes PackInfo and UnpackInfo for a single packed
// stream decoded by a single coder, without the closing kEnd.
func writeFolderStreams(b *bytes.Buffer, packPos, packSize int, coderID, props []byte, unpackSize int, crc *uint32) {
	b.WriteByte(0x06)
	writeNumber(b, uint64(packPos))
	writeNumber(b, 1)
	b.WriteByte(0x09)
	writeNumber(b, uint64(packSize))
	b.WriteByte(0x00)

	b.WriteByte(0x07)
	b.WriteByte(0x0B)
	writeNumber(b, 1)
	b.WriteByte(0x00)
	writeNumber(b, 1)

	flag := byte(len(coderID))
	if len(props) > 0 {
		flag |= 0x20
	}

	b.WriteByte(flag)
	b.Write(coderID)

	if len(props) > 0 {
		writeNumber(b, uint64(len(props)))
		b.Write(props)
	}

	b.WriteByte(0x0C)
	writeNumber(b, uint64(unpackSize))

	if crc != nil {
		b.WriteByte(0x0A)
		b.WriteByte(0x01)
		writeUint32(b, *crc)
	}

	b.WriteByte(0x00)
}

// writeNumber encodes v in the 7z variable length integer format.
func writeNumber(b *bytes.Buffer, v uint64) {
	for n := 0; n < 8; n++ {
		if v < uint64(1)<<(8*n+7-n) {
			first := byte(0xFF<<(8-n)) | byte(v>>(8*n))
			b.WriteByte(first)

			for i := 0; i < n; i++ {
				b.WriteByte(byte(v >> (8 * i)))
			}

			return
		}
	}

	b.WriteByte(0xFF)

	for i := 0; i < 8; i++ {
		b.WriteByte(byte(v >> (8 * i)))
	}
}

func writeUint32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte

	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

// lzmaPack returns the 5 property bytes and the raw stream of an LZMA
// encoding of data, the layout 7z stores.
func lzmaPack(t testing.TB, data []byte) ([]byte, []byte) {
	t.Helper()

	var buf bytes.Buffer

	w, err := lzma.WriterConfig{SizeInHeader: true, Size: int64(len(data))}.NewWriter(&buf)
	require.NoError(t, err)

	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw := buf.Bytes()

	return append([]byte(nil), raw[:5]...), append([]byte(nil), raw[13:]...)
}
