package compression

import (
	"bytes"
	"errors"
	"testing"
)

var allTypes = []Type{TypeNone, TypeGzip, TypeZstd, TypeSnappy, TypeZlib, TypeDeflate, TypeLZ4}

func testPayload() []byte {
	return bytes.Repeat([]byte("resource_metrics{service=\"checkout\"} 42\n"), 256)
}

func TestCompressDecompress_AllTypes(t *testing.T) {
	data := testPayload()
	for _, typ := range allTypes {
		t.Run(string(typ), func(t *testing.T) {
			c, err := Compress(data, Config{Type: typ})
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if typ != TypeNone && len(c) >= len(data) {
				t.Errorf("compressed %d >= original %d", len(c), len(data))
			}
			d, err := Decompress(c, typ)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(d, data) {
				t.Fatal("round trip mismatch")
			}
		})
	}
}

func TestCompress_Levels(t *testing.T) {
	data := testPayload()
	for _, typ := range []Type{TypeGzip, TypeZstd, TypeZlib, TypeDeflate, TypeLZ4} {
		for _, lvl := range []Level{LevelFastest, LevelBest} {
			c, err := Compress(data, Config{Type: typ, Level: lvl})
			if err != nil {
				t.Fatalf("%s/%d: %v", typ, lvl, err)
			}
			d, err := Decompress(c, typ)
			if err != nil || !bytes.Equal(d, data) {
				t.Fatalf("%s/%d: round trip failed: %v", typ, lvl, err)
			}
		}
	}
}

func TestDecompressLimit(t *testing.T) {
	data := testPayload()
	for _, typ := range allTypes {
		c, err := Compress(data, Config{Type: typ})
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if _, err := DecompressLimit(c, typ, int64(len(data)-1)); !errors.Is(err, ErrTooLarge) {
			t.Errorf("%s: err = %v, want ErrTooLarge", typ, err)
		}
		if _, err := DecompressLimit(c, typ, int64(len(data))); err != nil {
			t.Errorf("%s: exact limit rejected: %v", typ, err)
		}
	}
}

func TestZstdEncodeAppends(t *testing.T) {
	prefix := []byte{1, 2, 3}
	out := ZstdEncode(append([]byte(nil), prefix...), testPayload())
	if !bytes.Equal(out[:3], prefix) {
		t.Fatal("prefix overwritten")
	}
	d, err := ZstdDecode(nil, out[3:])
	if err != nil || !bytes.Equal(d, testPayload()) {
		t.Fatalf("ZstdDecode: %v", err)
	}
	if _, err := ZstdDecode(nil, []byte("not zstd")); err == nil {
		t.Error("expected error for garbage frame")
	}
}

func TestParseType(t *testing.T) {
	for _, typ := range allTypes {
		got, err := ParseType(string(typ))
		if err != nil || got != typ {
			t.Errorf("ParseType(%s) = %s, %v", typ, got, err)
		}
	}
	if _, err := ParseType("brotli"); err == nil {
		t.Error("expected error for brotli")
	}
}

func TestContentEncoding(t *testing.T) {
	if TypeNone.ContentEncoding() != "" || TypeGzip.ContentEncoding() != "gzip" {
		t.Error("unexpected Content-Encoding mapping")
	}
	if ParseContentEncoding("x-gzip") != TypeGzip || ParseContentEncoding("br") != TypeNone {
		t.Error("unexpected ParseContentEncoding mapping")
	}
}
