package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
)

const (
	szSignatureHeaderLen = 32
	szMaxHeaderSize      = 64 << 20
	szMaxEncodedDepth    = 4
)

// Property IDs of the 7z header.
const (
	szEnd                   = 0x00
	szHeader                = 0x01
	szArchiveProperties     = 0x02
	szAdditionalStreamsInfo = 0x03
	szMainStreamsInfo       = 0x04
	szFilesInfo             = 0x05
	szPackInfo              = 0x06
	szUnpackInfo            = 0x07
	szSubStreamsInfo        = 0x08
	szSize                  = 0x09
	szCRC                   = 0x0A
	szFolderID              = 0x0B
	szCodersUnpackSize      = 0x0C
	szNumUnpackStream       = 0x0D
	szEmptyStream           = 0x0E
	szName                  = 0x11
	szEncodedHeader         = 0x17
)

type szDigest struct {
	defined bool
	crc     uint32
}

type szCoder struct {
	id     []byte
	numIn  uint64
	numOut uint64
	props  []byte
}

type szBindPair struct {
	in  uint64
	out uint64
}

type szFolder struct {
	coders      []szCoder
	bindPairs   []szBindPair
	packed      []uint64
	unpackSizes []uint64
	crc         szDigest
}

// unpackSize is the size of the folder's final output stream, the one no
// bind pair consumes.
func (f *szFolder) unpackSize() uint64 {
	for i := len(f.unpackSizes) - 1; i >= 0; i-- {
		bound := false

		for _, bp := range f.bindPairs {
			if bp.out == uint64(i) {
				bound = true

				break
			}
		}

		if !bound {
			return f.unpackSizes[i]
		}
	}

	return 0
}

type szStreams struct {
	packPos   uint64
	packSizes []uint64
	folders   []szFolder

	// per folder, filled from SubStreamsInfo or defaulted to one stream
	numUnpackStreams []uint64
	subSizes         []uint64
	subCRCs          []szDigest
}

type szFile struct {
	name      string
	hasStream bool
}

type sevenZipContainer struct {
	r    io.ReaderAt
	size int64

	once    sync.Once
	streams *szStreams
	files   []szFile
	err     error
}

func (s *sevenZipContainer) Format() Format { return FormatSevenZip }

func (s *sevenZipContainer) Checksum() (Record, error) {
	if err := s.load(); err != nil {
		return Record{}, err
	}

	rec := Record{
		Format:    FormatSevenZip,
		Algorithm: AlgorithmCRC32,
		Expected:  s.streams.subCRCs[0].crc,
		Size:      s.streams.subSizes[0],
	}

	for _, f := range s.files {
		if f.hasStream {
			rec.Entry = f.name

			break
		}
	}

	return rec, nil
}

func (s *sevenZipContainer) Payload() (io.ReadCloser, error) {
	if err := s.load(); err != nil {
		return nil, err
	}

	return s.openFolder(s.streams, 0, "read 7z payload")
}

func (s *sevenZipContainer) load() error {
	s.once.Do(func() {
		s.err = s.parse()
	})

	return s.err
}

func (s *sevenZipContainer) parse() error {
	sig, err := readAt(s.r, s.size, FormatSevenZip, 0, szSignatureHeaderLen, "signature header")
	if err != nil {
		return err
	}

	if !bytes.HasPrefix(sig, sevenZipSignature) {
		return szFormatError("bad signature")
	}

	if sig[6] != 0 {
		return szFormatError(fmt.Sprintf("unsupported format version %d.%d", sig[6], sig[7]))
	}

	if crc32.ChecksumIEEE(sig[12:32]) != binary.LittleEndian.Uint32(sig[8:]) {
		return szFormatError("start header CRC mismatch")
	}

	nextOffset := binary.LittleEndian.Uint64(sig[12:])
	nextSize := binary.LittleEndian.Uint64(sig[20:])
	nextCRC := binary.LittleEndian.Uint32(sig[28:])

	if nextSize == 0 {
		return &NotFoundError{Format: FormatSevenZip, Reason: "archive is empty"}
	}

	if nextSize > szMaxHeaderSize {
		return szFormatError(fmt.Sprintf("header of %d bytes is too large", nextSize))
	}

	if nextOffset > uint64(s.size) {
		return szFormatError("header lies past the end of the file (truncated archive?)")
	}

	raw, err := readAt(s.r, s.size, FormatSevenZip, szSignatureHeaderLen+int64(nextOffset), int64(nextSize), "header")
	if err != nil {
		return err
	}

	if crc32.ChecksumIEEE(raw) != nextCRC {
		return szFormatError("header CRC mismatch")
	}

	h := &szReader{buf: raw}

	id, err := h.byte()
	if err != nil {
		return err
	}

	for depth := 0; id == szEncodedHeader; depth++ {
		if depth >= szMaxEncodedDepth {
			return szFormatError("too many nested encoded headers")
		}

		if raw, err = s.decodeHeader(h); err != nil {
			return err
		}

		h = &szReader{buf: raw}
		if id, err = h.byte(); err != nil {
			return err
		}
	}

	if id != szHeader {
		return szFormatError(fmt.Sprintf("unexpected header property 0x%02x", id))
	}

	if err := s.readHeader(h); err != nil {
		return err
	}

	return s.checkPayload()
}

// checkPayload enforces the single payload policy and that the payload
// carries a digest the verifier can check.
func (s *sevenZipContainer) checkPayload() error {
	st := s.streams
	if st == nil || len(st.folders) == 0 {
		return &NotFoundError{Format: FormatSevenZip, Reason: "archive has no data streams"}
	}

	if len(st.folders) > 1 {
		return szFormatError(fmt.Sprintf("archive holds %d folders, expected a single payload", len(st.folders)))
	}

	var total uint64
	for _, n := range st.numUnpackStreams {
		total += n
	}

	switch {
	case total == 0:
		return &NotFoundError{Format: FormatSevenZip, Reason: "archive has no entries"}
	case total > 1:
		return szFormatError(fmt.Sprintf("archive holds %d entries, expected a single payload", total))
	}

	withStream := 0
	for _, f := range s.files {
		if f.hasStream {
			withStream++
		}
	}

	if withStream > 1 {
		return szFormatError(fmt.Sprintf("archive lists %d files with data, expected a single payload", withStream))
	}

	if !st.subCRCs[0].defined {
		return &NotFoundError{Format: FormatSevenZip, Reason: "entry has no CRC"}
	}

	return checkFolder(st, 0)
}

// checkFolder verifies that folder i can be decoded and that its packed
// stream is addressable.
func checkFolder(st *szStreams, i int) error {
	f := &st.folders[i]

	if len(f.coders) != 1 || len(f.packed) != 1 {
		return szFormatError(fmt.Sprintf("folders with %d coders are not supported", len(f.coders)))
	}

	c := f.coders[0]
	if c.numIn != 1 || c.numOut != 1 {
		return szFormatError("complex coders are not supported")
	}

	if _, err := coderFor(c.id); err != nil {
		return err
	}

	if packIndex(st, i) >= len(st.packSizes) {
		return szFormatError("folder refers to a missing packed stream")
	}

	return nil
}

// packIndex returns the index of the first packed stream used by folder i.
func packIndex(st *szStreams, i int) int {
	idx := 0
	for j := 0; j < i; j++ {
		idx += len(st.folders[j].packed)
	}

	return idx
}

// openFolder returns the decoded output of folder i.
func (s *sevenZipContainer) openFolder(st *szStreams, i int, op string) (io.ReadCloser, error) {
	idx := packIndex(st, i)

	off := int64(szSignatureHeaderLen) + int64(st.packPos)
	for j := 0; j < idx; j++ {
		off += int64(st.packSizes[j])
	}

	packSize := int64(st.packSizes[idx])
	if off < 0 || off > s.size || packSize > s.size-off {
		return nil, szFormatError("packed stream lies past the end of the file (truncated archive?)")
	}

	folder := &st.folders[i]
	packed := &ioErrReader{r: io.NewSectionReader(s.r, off, packSize), op: op}

	decode, err := coderFor(folder.coders[0].id)
	if err != nil {
		return nil, err
	}

	size := folder.unpackSize()

	out, err := decode(folder.coders[0].props, packed, size)
	if err != nil {
		return nil, err
	}

	return newPayloadReader(out, size, nil), nil
}

// decodeHeader unpacks an encoded header whose streams info starts at h.
func (s *sevenZipContainer) decodeHeader(h *szReader) ([]byte, error) {
	st, err := readStreamsInfo(h)
	if err != nil {
		return nil, err
	}

	if len(st.folders) == 0 {
		return nil, szFormatError("encoded header without folders")
	}

	if err := checkFolder(st, 0); err != nil {
		return nil, err
	}

	folder := &st.folders[0]

	size := folder.unpackSize()
	if size > szMaxHeaderSize {
		return nil, szFormatError(fmt.Sprintf("decoded header of %d bytes is too large", size))
	}

	rc, err := s.openFolder(st, 0, "read 7z encoded header")
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	buf := make([]byte, size)
	if _, err := io.ReadFull(rc, buf); err != nil {
		if ioErr, ok := asIOError(err); ok {
			return nil, ioErr
		}

		return nil, &FormatError{Format: FormatSevenZip, Reason: "cannot decode encoded header", Err: err}
	}

	if folder.crc.defined && crc32.ChecksumIEEE(buf) != folder.crc.crc {
		return nil, szFormatError("encoded header CRC mismatch")
	}

	return buf, nil
}

func (s *sevenZipContainer) readHeader(h *szReader) error {
	for {
		id, err := h.byte()
		if err != nil {
			return err
		}

		switch id {
		case szEnd:
			return nil
		case szArchiveProperties:
			if err := skipArchiveProperties(h); err != nil {
				return err
			}
		case szAdditionalStreamsInfo:
			if _, err := readStreamsInfo(h); err != nil {
				return err
			}
		case szMainStreamsInfo:
			if s.streams, err = readStreamsInfo(h); err != nil {
				return err
			}
		case szFilesInfo:
			if s.files, err = readFilesInfo(h); err != nil {
				return err
			}
		default:
			return szFormatError(fmt.Sprintf("unexpected header property 0x%02x", id))
		}
	}
}

func skipArchiveProperties(h *szReader) error {
	for {
		t, err := h.byte()
		if err != nil {
			return err
		}

		if t == szEnd {
			return nil
		}

		n, err := h.count()
		if err != nil {
			return err
		}

		if _, err := h.bytes(n); err != nil {
			return err
		}
	}
}

func readStreamsInfo(h *szReader) (*szStreams, error) {
	st := &szStreams{}
	seenSubStreams := false

	for {
		id, err := h.byte()
		if err != nil {
			return nil, err
		}

		switch id {
		case szEnd:
			if !seenSubStreams {
				st.defaultSubStreams()
			}

			return st, nil
		case szPackInfo:
			if err := readPackInfo(h, st); err != nil {
				return nil, err
			}
		case szUnpackInfo:
			if err := readUnpackInfo(h, st); err != nil {
				return nil, err
			}
		case szSubStreamsInfo:
			if err := readSubStreamsInfo(h, st); err != nil {
				return nil, err
			}

			seenSubStreams = true
		default:
			return nil, szFormatError(fmt.Sprintf("unexpected streams property 0x%02x", id))
		}
	}
}

func readPackInfo(h *szReader, st *szStreams) error {
	var err error

	if st.packPos, err = h.number(); err != nil {
		return err
	}

	n, err := h.count()
	if err != nil {
		return err
	}

	for {
		id, err := h.byte()
		if err != nil {
			return err
		}

		switch id {
		case szEnd:
			if uint64(len(st.packSizes)) != n {
				return szFormatError("pack info without stream sizes")
			}

			return nil
		case szSize:
			st.packSizes = make([]uint64, n)
			for i := range st.packSizes {
				if st.packSizes[i], err = h.number(); err != nil {
					return err
				}
			}
		case szCRC:
			if _, err := h.digests(int(n)); err != nil {
				return err
			}
		default:
			return szFormatError(fmt.Sprintf("unexpected pack info property 0x%02x", id))
		}
	}
}

func readUnpackInfo(h *szReader, st *szStreams) error {
	if err := h.expect(szFolderID); err != nil {
		return err
	}

	n, err := h.count()
	if err != nil {
		return err
	}

	external, err := h.byte()
	if err != nil {
		return err
	}

	if external != 0 {
		return szFormatError("external folder definitions are not supported")
	}

	st.folders = make([]szFolder, n)
	for i := range st.folders {
		if err := readFolder(h, &st.folders[i]); err != nil {
			return err
		}
	}

	if err := h.expect(szCodersUnpackSize); err != nil {
		return err
	}

	for i := range st.folders {
		f := &st.folders[i]
		for j := range f.unpackSizes {
			if f.unpackSizes[j], err = h.number(); err != nil {
				return err
			}
		}
	}

	for {
		id, err := h.byte()
		if err != nil {
			return err
		}

		switch id {
		case szEnd:
			return nil
		case szCRC:
			digests, err := h.digests(len(st.folders))
			if err != nil {
				return err
			}

			for i := range st.folders {
				st.folders[i].crc = digests[i]
			}
		default:
			return szFormatError(fmt.Sprintf("unexpected unpack info property 0x%02x", id))
		}
	}
}

func readFolder(h *szReader, f *szFolder) error {
	n, err := h.count()
	if err != nil {
		return err
	}

	if n == 0 {
		return szFormatError("folder without coders")
	}

	var totalIn, totalOut uint64

	// Every stream of the folder costs at least one header byte, so the
	// totals can never exceed what was left when the folder started.
	limit := uint64(h.remaining())

	f.coders = make([]szCoder, n)
	for i := range f.coders {
		c := &f.coders[i]

		flag, err := h.byte()
		if err != nil {
			return err
		}

		if flag&0x80 != 0 {
			return szFormatError("alternative coder methods are not supported")
		}

		if c.id, err = h.bytes(uint64(flag & 0x0F)); err != nil {
			return err
		}

		c.numIn, c.numOut = 1, 1

		if flag&0x10 != 0 {
			if c.numIn, err = h.count(); err != nil {
				return err
			}

			if c.numOut, err = h.count(); err != nil {
				return err
			}
		}

		if flag&0x20 != 0 {
			size, err := h.count()
			if err != nil {
				return err
			}

			if c.props, err = h.bytes(size); err != nil {
				return err
			}
		}

		if c.numIn > limit-totalIn || c.numOut > limit-totalOut {
			return szFormatError("too many coder streams")
		}

		totalIn += c.numIn
		totalOut += c.numOut
	}

	if totalOut == 0 || totalIn < totalOut-1 {
		return szFormatError("inconsistent coder stream counts")
	}

	if totalOut-1 > uint64(h.remaining()) {
		return szFormatError("too many bind pairs")
	}

	f.bindPairs = make([]szBindPair, totalOut-1)
	for i := range f.bindPairs {
		if f.bindPairs[i].in, err = h.number(); err != nil {
			return err
		}

		if f.bindPairs[i].out, err = h.number(); err != nil {
			return err
		}
	}

	numPacked := totalIn - uint64(len(f.bindPairs))
	if numPacked == 1 {
		for i := uint64(0); i < totalIn; i++ {
			bound := false

			for _, bp := range f.bindPairs {
				if bp.in == i {
					bound = true

					break
				}
			}

			if !bound {
				f.packed = []uint64{i}

				break
			}
		}
	} else {
		if numPacked > uint64(h.remaining()) {
			return szFormatError("too many packed streams")
		}

		f.packed = make([]uint64, numPacked)
		for i := range f.packed {
			if f.packed[i], err = h.number(); err != nil {
				return err
			}
		}
	}

	if totalOut > uint64(h.remaining()) {
		return szFormatError("too many coder outputs")
	}

	f.unpackSizes = make([]uint64, totalOut)

	return nil
}

func readSubStreamsInfo(h *szReader, st *szStreams) error {
	st.numUnpackStreams = make([]uint64, len(st.folders))
	for i := range st.numUnpackStreams {
		st.numUnpackStreams[i] = 1
	}

	id, err := h.byte()
	if err != nil {
		return err
	}

	if id == szNumUnpackStream {
		for i := range st.numUnpackStreams {
			if st.numUnpackStreams[i], err = h.count(); err != nil {
				return err
			}
		}

		if id, err = h.byte(); err != nil {
			return err
		}
	}

	st.subSizes = st.subSizes[:0]

	for i := range st.folders {
		num := st.numUnpackStreams[i]
		if num == 0 {
			continue
		}

		folderSize := st.folders[i].unpackSize()

		var sum uint64

		if id == szSize {
			for j := uint64(1); j < num; j++ {
				size, err := h.number()
				if err != nil {
					return err
				}

				sum += size
				st.subSizes = append(st.subSizes, size)
			}
		}

		if sum > folderSize {
			return szFormatError("substream sizes exceed their folder")
		}

		st.subSizes = append(st.subSizes, folderSize-sum)
	}

	if id == szSize {
		if id, err = h.byte(); err != nil {
			return err
		}
	}

	numDigests := 0

	for i, f := range st.folders {
		num := st.numUnpackStreams[i]
		if num != 1 || !f.crc.defined {
			numDigests += int(num)
		}
	}

	var digests []szDigest

	for id != szEnd {
		if id != szCRC {
			return szFormatError(fmt.Sprintf("unexpected substreams property 0x%02x", id))
		}

		if digests, err = h.digests(numDigests); err != nil {
			return err
		}

		if id, err = h.byte(); err != nil {
			return err
		}
	}

	st.subCRCs = st.subCRCs[:0]
	next := 0

	for i, f := range st.folders {
		num := st.numUnpackStreams[i]
		if num == 1 && f.crc.defined {
			st.subCRCs = append(st.subCRCs, f.crc)

			continue
		}

		for j := uint64(0); j < num; j++ {
			d := szDigest{}
			if digests != nil {
				d = digests[next]
			}

			next++
			st.subCRCs = append(st.subCRCs, d)
		}
	}

	return nil
}

// defaultSubStreams fills the substream view of a streams info that carried
// no SubStreamsInfo block: one stream per folder with the folder's digest.
func (st *szStreams) defaultSubStreams() {
	st.numUnpackStreams = make([]uint64, len(st.folders))
	st.subSizes = make([]uint64, len(st.folders))
	st.subCRCs = make([]szDigest, len(st.folders))

	for i := range st.folders {
		st.numUnpackStreams[i] = 1
		st.subSizes[i] = st.folders[i].unpackSize()
		st.subCRCs[i] = st.folders[i].crc
	}
}

func readFilesInfo(h *szReader) ([]szFile, error) {
	n, err := h.count()
	if err != nil {
		return nil, err
	}

	files := make([]szFile, n)
	for i := range files {
		files[i].hasStream = true
	}

	for {
		prop, err := h.number()
		if err != nil {
			return nil, err
		}

		if prop == szEnd {
			return files, nil
		}

		size, err := h.count()
		if err != nil {
			return nil, err
		}

		data, err := h.bytes(size)
		if err != nil {
			return nil, err
		}

		switch prop {
		case szEmptyStream:
			empty, err := (&szReader{buf: data}).bitVector(len(files))
			if err != nil {
				return nil, err
			}

			for i := range files {
				files[i].hasStream = !empty[i]
			}
		case szName:
			if err := readNames(data, files); err != nil {
				return nil, err
			}
		}
	}
}

func readNames(data []byte, files []szFile) error {
	if len(data) == 0 || data[0] != 0 {
		// External names live in another stream; the entry stays unnamed.
		return nil
	}

	data = data[1:]

	for i := range files {
		var units []uint16

		for {
			if len(data) < 2 {
				return szFormatError("truncated file names")
			}

			u := binary.LittleEndian.Uint16(data)
			data = data[2:]

			if u == 0 {
				break
			}

			units = append(units, u)
		}

		files[i].name = decodeUTF16(units)
	}

	return nil
}

func szFormatError(reason string) *FormatError {
	return &FormatError{Format: FormatSevenZip, Reason: reason}
}
