package dlq

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/szibis/telemetry-governor/internal/compression"
)

const (
	segmentMagic   = "TGDLQSEG"
	segmentVersion = 1
	headerSize     = 128
	blockLenSize   = 4
	maxBlockBytes  = 256 << 20

	flagSealed = 0x0001
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// header is the fixed-size segment header at offset 0.
//
//	0:8     magic
//	8:10    version
//	10:12   flags
//	12:20   segment id
//	20:28   created (unix nano)
//	28:36   sealed (unix nano)
//	36:44   entry count
//	44:52   payload bytes (compressed, as written)
//	52:60   uncompressed record bytes
//	60:92   SHA-256 of the payload
//	124:128 CRC-32C of bytes 0:124
type header struct {
	Version           uint16
	Flags             uint16
	ID                uint64
	Created           int64
	SealedAt          int64
	Entries           uint64
	PayloadBytes      uint64
	UncompressedBytes uint64
	Digest            [sha256.Size]byte
}

func (h *header) sealed() bool { return h.Flags&flagSealed != 0 }

func (h *header) marshal() []byte {
	b := make([]byte, headerSize)
	copy(b[0:8], segmentMagic)
	binary.LittleEndian.PutUint16(b[8:10], h.Version)
	binary.LittleEndian.PutUint16(b[10:12], h.Flags)
	binary.LittleEndian.PutUint64(b[12:20], h.ID)
	binary.LittleEndian.PutUint64(b[20:28], uint64(h.Created))
	binary.LittleEndian.PutUint64(b[28:36], uint64(h.SealedAt))
	binary.LittleEndian.PutUint64(b[36:44], h.Entries)
	binary.LittleEndian.PutUint64(b[44:52], h.PayloadBytes)
	binary.LittleEndian.PutUint64(b[52:60], h.UncompressedBytes)
	copy(b[60:92], h.Digest[:])
	binary.LittleEndian.PutUint32(b[124:128], crc32.Checksum(b[:124], crcTable))
	return b
}

func unmarshalHeader(b []byte) (header, error) {
	var h header
	if len(b) < headerSize {
		return h, fmt.Errorf("%w: short header (%d bytes)", ErrCorrupted, len(b))
	}
	if string(b[0:8]) != segmentMagic {
		return h, fmt.Errorf("%w: bad magic", ErrCorrupted)
	}
	if crc32.Checksum(b[:124], crcTable) != binary.LittleEndian.Uint32(b[124:128]) {
		return h, fmt.Errorf("%w: header checksum mismatch", ErrCorrupted)
	}
	h.Version = binary.LittleEndian.Uint16(b[8:10])
	if h.Version != segmentVersion {
		return h, fmt.Errorf("%w: unsupported version %d", ErrCorrupted, h.Version)
	}
	h.Flags = binary.LittleEndian.Uint16(b[10:12])
	h.ID = binary.LittleEndian.Uint64(b[12:20])
	h.Created = int64(binary.LittleEndian.Uint64(b[20:28]))
	h.SealedAt = int64(binary.LittleEndian.Uint64(b[28:36]))
	h.Entries = binary.LittleEndian.Uint64(b[36:44])
	h.PayloadBytes = binary.LittleEndian.Uint64(b[44:52])
	h.UncompressedBytes = binary.LittleEndian.Uint64(b[52:60])
	copy(h.Digest[:], b[60:92])
	return h, nil
}

func readHeader(f *os.File) (header, error) {
	buf := make([]byte, headerSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return header{}, fmt.Errorf("%w: truncated header", ErrCorrupted)
		}
		return header{}, err
	}
	return unmarshalHeader(buf)
}

// SegmentInfo describes a sealed segment on disk.
type SegmentInfo struct {
	ID                uint64
	Path              string
	Created           time.Time
	Sealed            time.Time
	Entries           uint64
	PayloadBytes      uint64
	UncompressedBytes uint64
	Digest            [sha256.Size]byte
}

// FileBytes is the on-disk size of the segment.
func (s SegmentInfo) FileBytes() int64 { return headerSize + int64(s.PayloadBytes) }

func infoFromHeader(path string, h header) SegmentInfo {
	return SegmentInfo{
		ID:                h.ID,
		Path:              path,
		Created:           time.Unix(0, h.Created),
		Sealed:            time.Unix(0, h.SealedAt),
		Entries:           h.Entries,
		PayloadBytes:      h.PayloadBytes,
		UncompressedBytes: h.UncompressedBytes,
		Digest:            h.Digest,
	}
}

func segmentName(prefix string, id uint64) string {
	return fmt.Sprintf("%s-%020d.seg", prefix, id)
}

func parseSegmentName(prefix, name string) (uint64, bool) {
	if !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, ".seg") {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, prefix+"-"), ".seg"), 10, 64)
	return id, err == nil
}

// appendBlock frames one zstd-compressed group of encoded records.
func appendBlock(dst, records []byte) []byte {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	dst = compression.ZstdEncode(dst, records)
	binary.LittleEndian.PutUint32(dst[start:start+blockLenSize], uint32(len(dst)-start-blockLenSize))
	return dst
}

// segmentReader reads a sealed segment block by block.
type segmentReader struct {
	f   *os.File
	hdr header
	end int64
}

func openSegment(path string) (*segmentReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	h, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if !h.sealed() {
		f.Close()
		return nil, fmt.Errorf("segment %d is not sealed", h.ID)
	}
	return &segmentReader{f: f, hdr: h, end: headerSize + int64(h.PayloadBytes)}, nil
}

func (r *segmentReader) Close() error { return r.f.Close() }

// Verify streams the payload through SHA-256 and compares it with the header.
func (r *segmentReader) Verify() error {
	st, err := r.f.Stat()
	if err != nil {
		return err
	}
	if st.Size() != r.end {
		return fmt.Errorf("%w: segment %d is %d bytes, header says %d", ErrCorrupted, r.hdr.ID, st.Size(), r.end)
	}
	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(r.f, headerSize, int64(r.hdr.PayloadBytes))); err != nil {
		return err
	}
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	if sum != r.hdr.Digest {
		return fmt.Errorf("%w: segment %d digest mismatch", ErrCorrupted, r.hdr.ID)
	}
	return nil
}

// ReadBlock decodes the block at off and returns its raw records and the
// offset of the next block.
func (r *segmentReader) ReadBlock(off int64) ([][]byte, int64, error) {
	return readBlockAt(r.f, off, r.end)
}

func readBlockAt(f io.ReaderAt, off, end int64) ([][]byte, int64, error) {
	if off+blockLenSize > end {
		return nil, off, fmt.Errorf("%w: block header past end at offset %d", ErrCorrupted, off)
	}
	var lenBuf [blockLenSize]byte
	if _, err := f.ReadAt(lenBuf[:], off); err != nil {
		return nil, off, fmt.Errorf("%w: read block length: %v", ErrCorrupted, err)
	}
	n := int64(binary.LittleEndian.Uint32(lenBuf[:]))
	if n == 0 || n > maxBlockBytes || off+blockLenSize+n > end {
		return nil, off, fmt.Errorf("%w: invalid block length %d at offset %d", ErrCorrupted, n, off)
	}
	frame := make([]byte, n)
	if _, err := f.ReadAt(frame, off+blockLenSize); err != nil {
		return nil, off, fmt.Errorf("%w: read block: %v", ErrCorrupted, err)
	}
	raw, err := compression.ZstdDecode(nil, frame)
	if err != nil {
		return nil, off, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	recs, err := splitRecords(raw)
	if err != nil {
		return nil, off, err
	}
	return recs, off + blockLenSize + n, nil
}

// splitRecords cuts a decompressed block into length-prefixed records.
func splitRecords(raw []byte) ([][]byte, error) {
	var out [][]byte
	for len(raw) > 0 {
		if len(raw) < 4 {
			return nil, fmt.Errorf("%w: trailing bytes in block", ErrCorrupted)
		}
		n := int(binary.LittleEndian.Uint32(raw[:4]))
		raw = raw[4:]
		if n > len(raw) {
			return nil, fmt.Errorf("%w: record length %d exceeds block", ErrCorrupted, n)
		}
		out = append(out, raw[:n:n])
		raw = raw[n:]
	}
	return out, nil
}

// recoverSegment seals an unsealed segment left by a crash. Blocks are kept
// up to the first one that fails to decode; the file is truncated there.
// It returns ok=false when nothing was recoverable and the file was removed.
func recoverSegment(path string, h header) (SegmentInfo, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return SegmentInfo{}, false, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return SegmentInfo{}, false, err
	}

	digest := sha256.New()
	off := int64(headerSize)
	var entries, uncompressed uint64
	for {
		recs, next, err := readBlockAt(f, off, st.Size())
		if err != nil {
			break
		}
		for _, r := range recs {
			uncompressed += uint64(len(r))
		}
		entries += uint64(len(recs))
		off = next
	}

	if entries == 0 {
		f.Close()
		return SegmentInfo{}, false, os.Remove(path)
	}
	if off < st.Size() {
		if err := f.Truncate(off); err != nil {
			return SegmentInfo{}, false, fmt.Errorf("truncate torn tail: %w", err)
		}
	}
	if _, err := io.Copy(digest, io.NewSectionReader(f, headerSize, off-headerSize)); err != nil {
		return SegmentInfo{}, false, err
	}
	h.Flags |= flagSealed
	h.SealedAt = time.Now().UnixNano()
	h.Entries = entries
	h.PayloadBytes = uint64(off - headerSize)
	h.UncompressedBytes = uncompressed
	copy(h.Digest[:], digest.Sum(nil))
	if _, err := f.WriteAt(h.marshal(), 0); err != nil {
		return SegmentInfo{}, false, err
	}
	if err := f.Sync(); err != nil {
		return SegmentInfo{}, false, err
	}
	return infoFromHeader(path, h), true, nil
}

// syncDir fsyncs a directory so renames and creations are durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// listSegments returns the ids of segment files in dir, ascending.
func listSegments(dir, prefix string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := parseSegmentName(prefix, e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
