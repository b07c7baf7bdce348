package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
)

const (
	zipEndLen         = 22
	zipEnd64LocLen    = 20
	zipEnd64Len       = 56
	zipDirHeaderLen   = 46
	zipLocalHeaderLen = 30
	zipMaxCommentLen  = 0xFFFF

	zipMethodStore   = 0
	zipMethodDeflate = 8

	zipFlagEncrypted = 0x1

	zip64ExtraID = 0x0001
	uint16Max    = 0xFFFF
	uint32Max    = 0xFFFFFFFF
)

var (
	zipDirSignature      = []byte("PK\x01\x02")
	zipEnd64LocSignature = []byte("PK\x06\x07")
	zipEnd64Signature    = []byte("PK\x06\x06")
)

type zipEntry struct {
	name           string
	flags          uint16
	method         uint16
	crc32          uint32
	compressedSize uint64
	size           uint64
	headerOffset   uint64
}

type zipDirectory struct {
	entries uint64
	size    uint64
	offset  uint64
}

type zipContainer struct {
	r    io.ReaderAt
	size int64

	once  sync.Once
	entry zipEntry
	data  int64 // offset of the entry's stored bytes
	err   error
}

func (z *zipContainer) Format() Format { return FormatZip }

func (z *zipContainer) Checksum() (Record, error) {
	if err := z.load(); err != nil {
		return Record{}, err
	}

	return Record{
		Format:    FormatZip,
		Algorithm: AlgorithmCRC32,
		Expected:  z.entry.crc32,
		Entry:     z.entry.name,
		Size:      z.entry.size,
	}, nil
}

func (z *zipContainer) Payload() (io.ReadCloser, error) {
	if err := z.load(); err != nil {
		return nil, err
	}

	stored := &ioErrReader{
		r:  io.NewSectionReader(z.r, z.data, int64(z.entry.compressedSize)),
		op: "read zip payload",
	}

	if z.entry.method == zipMethodDeflate {
		fr := flate.NewReader(stored)

		return newPayloadReader(fr, z.entry.size, fr), nil
	}

	return newPayloadReader(stored, z.entry.size, nil), nil
}

func (z *zipContainer) load() error {
	z.once.Do(func() {
		z.err = z.parse()
	})

	return z.err
}

func (z *zipContainer) parse() error {
	dir, err := z.findDirectory()
	if err != nil {
		return err
	}

	if dir.entries == 0 {
		return &NotFoundError{Format: FormatZip, Reason: "archive has no entries"}
	}

	var files []zipEntry

	off := int64(dir.offset)
	for i := uint64(0); i < dir.entries; i++ {
		entry, next, err := z.readDirEntry(off)
		if err != nil {
			return err
		}

		off = next

		if strings.HasSuffix(entry.name, "/") && entry.size == 0 {
			continue
		}

		files = append(files, entry)
	}

	switch {
	case len(files) == 0:
		return &NotFoundError{Format: FormatZip, Reason: "archive holds only directories"}
	case len(files) > 1:
		return &FormatError{
			Format: FormatZip,
			Reason: fmt.Sprintf("archive holds %d entries, expected a single payload", len(files)),
		}
	}

	entry := files[0]

	if entry.flags&zipFlagEncrypted != 0 {
		return &FormatError{Format: FormatZip, Reason: fmt.Sprintf("entry %q is encrypted", entry.name)}
	}

	if entry.method != zipMethodStore && entry.method != zipMethodDeflate {
		return &FormatError{
			Format: FormatZip,
			Reason: fmt.Sprintf("entry %q uses unsupported compression method %d", entry.name, entry.method),
		}
	}

	if entry.method == zipMethodStore && entry.compressedSize != entry.size {
		return &FormatError{Format: FormatZip, Reason: fmt.Sprintf("stored entry %q has mismatching sizes", entry.name)}
	}

	local, err := readAt(z.r, z.size, FormatZip, int64(entry.headerOffset), zipLocalHeaderLen, "local file header")
	if err != nil {
		return err
	}

	if !bytes.HasPrefix(local, zipLocalSignature) {
		return &FormatError{Format: FormatZip, Reason: "bad local file header signature"}
	}

	nameLen := int64(binary.LittleEndian.Uint16(local[26:]))
	extraLen := int64(binary.LittleEndian.Uint16(local[28:]))
	data := int64(entry.headerOffset) + zipLocalHeaderLen + nameLen + extraLen

	if data > z.size || int64(entry.compressedSize) > z.size-data {
		return &FormatError{Format: FormatZip, Reason: fmt.Sprintf("entry %q extends past the end of the archive", entry.name)}
	}

	z.entry = entry
	z.data = data

	return nil
}

// findDirectory locates the end of central directory record by scanning
// backwards from the end of the file, following the ZIP64 locator if any.
func (z *zipContainer) findDirectory() (zipDirectory, error) {
	if z.size < zipEndLen {
		return zipDirectory{}, &FormatError{Format: FormatZip, Reason: "file too small to hold an end of central directory record"}
	}

	tail := int64(zipEndLen + zipMaxCommentLen)
	if tail > z.size {
		tail = z.size
	}

	buf, err := readAt(z.r, z.size, FormatZip, z.size-tail, tail, "end of central directory")
	if err != nil {
		return zipDirectory{}, err
	}

	pos := -1

	for i := len(buf) - zipEndLen; i >= 0; i-- {
		if !bytes.Equal(buf[i:i+4], zipEndSignature) {
			continue
		}

		commentLen := int(binary.LittleEndian.Uint16(buf[i+20:]))
		if i+zipEndLen+commentLen <= len(buf) {
			pos = i

			break
		}
	}

	if pos < 0 {
		return zipDirectory{}, &FormatError{Format: FormatZip, Reason: "end of central directory record not found (truncated archive?)"}
	}

	end := buf[pos:]
	endOffset := z.size - tail + int64(pos)

	if binary.LittleEndian.Uint16(end[4:]) != 0 || binary.LittleEndian.Uint16(end[6:]) != 0 {
		return zipDirectory{}, &FormatError{Format: FormatZip, Reason: "multi-volume archives are not supported"}
	}

	dir := zipDirectory{
		entries: uint64(binary.LittleEndian.Uint16(end[10:])),
		size:    uint64(binary.LittleEndian.Uint32(end[12:])),
		offset:  uint64(binary.LittleEndian.Uint32(end[16:])),
	}

	if endOffset >= zipEnd64LocLen {
		loc, err := readAt(z.r, z.size, FormatZip, endOffset-zipEnd64LocLen, zipEnd64LocLen, "zip64 locator")
		if err != nil {
			return zipDirectory{}, err
		}

		if bytes.HasPrefix(loc, zipEnd64LocSignature) {
			return z.readEnd64(int64(binary.LittleEndian.Uint64(loc[8:])))
		}
	}

	if dir.entries == uint16Max || dir.size == uint32Max || dir.offset == uint32Max {
		return zipDirectory{}, &FormatError{Format: FormatZip, Reason: "zip64 fields set without a zip64 locator"}
	}

	if dir.offset+dir.size > uint64(endOffset) {
		return zipDirectory{}, &FormatError{Format: FormatZip, Reason: "central directory overlaps its end record"}
	}

	return dir, nil
}

func (z *zipContainer) readEnd64(off int64) (zipDirectory, error) {
	rec, err := readAt(z.r, z.size, FormatZip, off, zipEnd64Len, "zip64 end of central directory")
	if err != nil {
		return zipDirectory{}, err
	}

	if !bytes.HasPrefix(rec, zipEnd64Signature) {
		return zipDirectory{}, &FormatError{Format: FormatZip, Reason: "bad zip64 end of central directory signature"}
	}

	if binary.LittleEndian.Uint32(rec[16:]) != 0 || binary.LittleEndian.Uint32(rec[20:]) != 0 {
		return zipDirectory{}, &FormatError{Format: FormatZip, Reason: "multi-volume archives are not supported"}
	}

	dir := zipDirectory{
		entries: binary.LittleEndian.Uint64(rec[32:]),
		size:    binary.LittleEndian.Uint64(rec[40:]),
		offset:  binary.LittleEndian.Uint64(rec[48:]),
	}

	if dir.offset > uint64(off) || dir.size > uint64(off)-dir.offset {
		return zipDirectory{}, &FormatError{Format: FormatZip, Reason: "central directory overlaps its end record"}
	}

	return dir, nil
}

// readDirEntry parses the central directory header at off and returns the
// offset of the header that follows it.
func (z *zipContainer) readDirEntry(off int64) (zipEntry, int64, error) {
	hdr, err := readAt(z.r, z.size, FormatZip, off, zipDirHeaderLen, "central directory header")
	if err != nil {
		return zipEntry{}, 0, err
	}

	if !bytes.HasPrefix(hdr, zipDirSignature) {
		return zipEntry{}, 0, &FormatError{Format: FormatZip, Reason: fmt.Sprintf("bad central directory signature at offset %d", off)}
	}

	nameLen := int64(binary.LittleEndian.Uint16(hdr[28:]))
	extraLen := int64(binary.LittleEndian.Uint16(hdr[30:]))
	commentLen := int64(binary.LittleEndian.Uint16(hdr[32:]))

	varLen, err := readAt(z.r, z.size, FormatZip, off+zipDirHeaderLen, nameLen+extraLen, "central directory name")
	if err != nil {
		return zipEntry{}, 0, err
	}

	entry := zipEntry{
		name:           string(varLen[:nameLen]),
		flags:          binary.LittleEndian.Uint16(hdr[8:]),
		method:         binary.LittleEndian.Uint16(hdr[10:]),
		crc32:          binary.LittleEndian.Uint32(hdr[16:]),
		compressedSize: uint64(binary.LittleEndian.Uint32(hdr[20:])),
		size:           uint64(binary.LittleEndian.Uint32(hdr[24:])),
		headerOffset:   uint64(binary.LittleEndian.Uint32(hdr[42:])),
	}

	if err := entry.applyZip64(varLen[nameLen:]); err != nil {
		return zipEntry{}, 0, err
	}

	return entry, off + zipDirHeaderLen + nameLen + extraLen + commentLen, nil
}

// applyZip64 replaces saturated 32-bit fields with their values from the
// ZIP64 extended information extra field.
func (e *zipEntry) applyZip64(extra []byte) error {
	needSize := e.size == uint32Max
	needCompressed := e.compressedSize == uint32Max
	needOffset := e.headerOffset == uint32Max

	if !needSize && !needCompressed && !needOffset {
		return nil
	}

	for len(extra) >= 4 {
		tag := binary.LittleEndian.Uint16(extra)
		size := int(binary.LittleEndian.Uint16(extra[2:]))
		extra = extra[4:]

		if size > len(extra) {
			break
		}

		field := extra[:size]
		extra = extra[size:]

		if tag != zip64ExtraID {
			continue
		}

		next := func() (uint64, bool) {
			if len(field) < 8 {
				return 0, false
			}

			v := binary.LittleEndian.Uint64(field)
			field = field[8:]

			return v, true
		}

		var ok bool

		if needSize {
			if e.size, ok = next(); !ok {
				break
			}
		}

		if needCompressed {
			if e.compressedSize, ok = next(); !ok {
				break
			}
		}

		if needOffset {
			if e.headerOffset, ok = next(); !ok {
				break
			}
		}

		return nil
	}

	return &FormatError{Format: FormatZip, Reason: fmt.Sprintf("entry %q lacks its zip64 extra field", e.name)}
}
