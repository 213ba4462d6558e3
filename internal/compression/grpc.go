package compression

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/gzip" // registers the gzip gRPC compressor
)

// GRPCZstd is the gRPC compressor name for zstd.
const GRPCZstd = "zstd"

func init() {
	encoding.RegisterCompressor(grpcZstd{})
}

var (
	zstdWriterPool = sync.Pool{New: func() any {
		w, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
		return w
	}}
	zstdReaderPool = sync.Pool{New: func() any {
		r, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return r
	}}
)

// grpcZstd implements encoding.Compressor with pooled streaming codecs.
type grpcZstd struct{}

func (grpcZstd) Name() string { return GRPCZstd }

func (grpcZstd) Compress(w io.Writer) (io.WriteCloser, error) {
	enc := zstdWriterPool.Get().(*zstd.Encoder)
	enc.Reset(w)
	return &pooledZstdWriter{Encoder: enc}, nil
}

func (grpcZstd) Decompress(r io.Reader) (io.Reader, error) {
	dec := zstdReaderPool.Get().(*zstd.Decoder)
	if err := dec.Reset(r); err != nil {
		zstdReaderPool.Put(dec)
		return nil, err
	}
	return &pooledZstdReader{Decoder: dec}, nil
}

type pooledZstdWriter struct {
	*zstd.Encoder
}

func (p *pooledZstdWriter) Close() error {
	err := p.Encoder.Close()
	p.Encoder.Reset(nil)
	zstdWriterPool.Put(p.Encoder)
	return err
}

type pooledZstdReader struct {
	*zstd.Decoder
	done bool
}

func (p *pooledZstdReader) Read(b []byte) (int, error) {
	if p.done {
		return 0, io.EOF
	}
	n, err := p.Decoder.Read(b)
	if err == io.EOF {
		p.done = true
		_ = p.Decoder.Reset(nil)
		zstdReaderPool.Put(p.Decoder)
	}
	return n, err
}
