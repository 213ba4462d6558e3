// Package compression provides the codecs used for OTLP HTTP bodies and DLQ
// segment frames.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type represents a compression algorithm.
type Type string

const (
	TypeNone    Type = "none"
	TypeGzip    Type = "gzip"
	TypeZstd    Type = "zstd"
	TypeSnappy  Type = "snappy"
	TypeZlib    Type = "zlib"
	TypeDeflate Type = "deflate"
	TypeLZ4     Type = "lz4"
)

// Level is an algorithm-specific compression level. Zero selects the default.
type Level int

const (
	LevelDefault Level = 0
	LevelFastest Level = 1
	LevelBest    Level = 9
)

// Config holds compression configuration.
type Config struct {
	Type  Type
	Level Level
}

// ErrTooLarge is returned when decompressed output exceeds the caller's limit.
var ErrTooLarge = errors.New("decompressed payload exceeds limit")

// ParseType parses a compression type string.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TypeNone, nil
	case "gzip":
		return TypeGzip, nil
	case "zstd":
		return TypeZstd, nil
	case "snappy":
		return TypeSnappy, nil
	case "zlib":
		return TypeZlib, nil
	case "deflate":
		return TypeDeflate, nil
	case "lz4":
		return TypeLZ4, nil
	default:
		return TypeNone, fmt.Errorf("unsupported compression type: %s", s)
	}
}

// ContentEncoding returns the HTTP Content-Encoding header value.
func (t Type) ContentEncoding() string {
	if t == TypeNone || t == "" {
		return ""
	}
	return string(t)
}

// ParseContentEncoding maps an HTTP Content-Encoding header value to a type.
// Unknown encodings map to TypeNone.
func ParseContentEncoding(encoding string) Type {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		return TypeGzip
	case "zstd":
		return TypeZstd
	case "snappy", "x-snappy-framed":
		return TypeSnappy
	case "zlib":
		return TypeZlib
	case "deflate":
		return TypeDeflate
	case "lz4":
		return TypeLZ4
	default:
		return TypeNone
	}
}

var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
)

// sharedZstdEncoder returns a process-wide encoder for EncodeAll, which is
// safe for concurrent use.
func sharedZstdEncoder() *zstd.Encoder {
	zstdEncOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	})
	return zstdEnc
}

func sharedZstdDecoder() *zstd.Decoder {
	zstdDecOnce.Do(func() {
		zstdDec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdDec
}

// ZstdEncode appends the zstd frame of src to dst.
func ZstdEncode(dst, src []byte) []byte {
	out := sharedZstdEncoder().EncodeAll(src, dst)
	observe(TypeZstd, len(src), len(out)-len(dst))
	return out
}

// ZstdDecode appends the decoded content of a zstd frame to dst.
func ZstdDecode(dst, src []byte) ([]byte, error) {
	out, err := sharedZstdDecoder().DecodeAll(src, dst)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

// Compress compresses data using the configured algorithm.
func Compress(data []byte, cfg Config) ([]byte, error) {
	switch cfg.Type {
	case TypeNone, "":
		return data, nil
	case TypeZstd:
		if cfg.Level == LevelDefault {
			return ZstdEncode(nil, data), nil
		}
	case TypeSnappy:
		out := snappy.Encode(nil, data)
		observe(cfg.Type, len(data), len(out))
		return out, nil
	}

	var buf bytes.Buffer
	w, err := newWriter(&buf, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("%s write: %w", cfg.Type, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s close: %w", cfg.Type, err)
	}
	observe(cfg.Type, len(data), buf.Len())
	return buf.Bytes(), nil
}

func newWriter(w io.Writer, cfg Config) (io.WriteCloser, error) {
	switch cfg.Type {
	case TypeGzip:
		level := gzip.DefaultCompression
		if cfg.Level != LevelDefault {
			level = int(cfg.Level)
		}
		return gzip.NewWriterLevel(w, level)
	case TypeZlib:
		level := zlib.DefaultCompression
		if cfg.Level != LevelDefault {
			level = int(cfg.Level)
		}
		return zlib.NewWriterLevel(w, level)
	case TypeDeflate:
		level := flate.DefaultCompression
		if cfg.Level != LevelDefault {
			level = int(cfg.Level)
		}
		return flate.NewWriter(w, level)
	case TypeZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(cfg.Level))))
	case TypeLZ4:
		lw := lz4.NewWriter(w)
		if cfg.Level != LevelDefault {
			if err := lw.Apply(lz4.CompressionLevelOption(lz4Level(cfg.Level))); err != nil {
				return nil, fmt.Errorf("lz4 level: %w", err)
			}
		}
		return lw, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", cfg.Type)
	}
}

// lz4Level maps 1..9 onto the lz4 HC levels.
func lz4Level(l Level) lz4.CompressionLevel {
	switch {
	case l <= 1:
		return lz4.Fast
	case l >= 9:
		return lz4.Level9
	default:
		return lz4.CompressionLevel(1 << (8 + int(l)))
	}
}

// Decompress decompresses data without an output limit.
func Decompress(data []byte, t Type) ([]byte, error) {
	return DecompressLimit(data, t, 0)
}

// DecompressLimit decompresses data, failing with ErrTooLarge when the output
// would exceed limit bytes. A limit of zero disables the check.
func DecompressLimit(data []byte, t Type, limit int64) ([]byte, error) {
	var r io.Reader
	switch t {
	case TypeNone, "":
		if limit > 0 && int64(len(data)) > limit {
			return nil, ErrTooLarge
		}
		return data, nil
	case TypeSnappy:
		n, err := snappy.DecodedLen(data)
		if err != nil {
			return nil, fmt.Errorf("snappy: %w", err)
		}
		if limit > 0 && int64(n) > limit {
			return nil, ErrTooLarge
		}
		return snappy.Decode(nil, data)
	case TypeGzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gr.Close()
		r = gr
	case TypeZlib:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zlib: %w", err)
		}
		defer zr.Close()
		r = zr
	case TypeDeflate:
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		r = fr
	case TypeZstd:
		zr, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		r = zr
	case TypeLZ4:
		r = lz4.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
	return readLimited(r, limit)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, ErrTooLarge
	}
	return out, nil
}
