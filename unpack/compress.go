package unpack

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var (
	ErrInvalidStream = errors.New("unpack: invalid stream")
	ErrLimitExceeded = errors.New("unpack: limit exceeded")
)

// Compression selects the stream format of an export.
type Compression uint16

const (
	CompNone Compression = 0x0
	CompZIP  Compression = 0x1
	CompZSTD Compression = 0x2
	CompLZ4  Compression = 0x3
	CompBR   Compression = 0x4
)

var compNames = map[Compression]string{
	CompNone: "none",
	CompZIP:  "zip",
	CompZSTD: "zstd",
	CompLZ4:  "lz4",
	CompBR:   "br",
}

func (c Compression) String() string {
	if s, ok := compNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Compression(%d)", uint16(c))
}

// Ext returns the conventional file name suffix for c.
func (c Compression) Ext() string {
	switch c {
	case CompZIP:
		return ".zip"
	case CompZSTD:
		return ".zst"
	case CompLZ4:
		return ".lz4"
	case CompBR:
		return ".br"
	}
	return ""
}

// ParseCompression accepts the names printed by String, case-insensitively.
// "brotli" and "zst" are accepted as aliases.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompNone, nil
	case "zip":
		return CompZIP, nil
	case "zstd", "zst":
		return CompZSTD, nil
	case "lz4":
		return CompLZ4, nil
	case "br", "brotli":
		return CompBR, nil
	}
	return 0, fmt.Errorf("%w: unknown compression %q", ErrInvalidStream, s)
}

// Function variables for testing injection.
var (
	newZstdWriter = func(w io.Writer) (*zstd.Encoder, error) { return zstd.NewWriter(w) }
	newZstdReader = func(r io.Reader) (*zstd.Decoder, error) { return zstd.NewReader(r) }
	zipCreate     = func(zw *zip.Writer, name string) (io.Writer, error) { return zw.Create(name) }
	zipClose      = func(zw *zip.Writer) error { return zw.Close() }
	zipOpen       = func(zf *zip.File) (io.ReadCloser, error) { return zf.Open() }
	readAll       = io.ReadAll
	lz4Close      = func(w *lz4.Writer) error { return w.Close() }
	brotliClose   = func(w *brotli.Writer) error { return w.Close() }
)

type writeCloser struct {
	io.Writer
	close func() error
}

func (w writeCloser) Close() error { return w.close() }

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

// NewWriter wraps w so that everything written is compressed with comp.
// A ZIP stream holds a single entry called name. Close finishes the stream
// but does not close w.
func NewWriter(w io.Writer, comp Compression, name string) (io.WriteCloser, error) {
	switch comp {
	case CompNone:
		return writeCloser{w, func() error { return nil }}, nil
	case CompZIP:
		zw := zip.NewWriter(w)
		entry, err := zipCreate(zw, name)
		if err != nil {
			_ = zipClose(zw)
			return nil, err
		}
		return writeCloser{entry, func() error { return zipClose(zw) }}, nil
	case CompZSTD:
		enc, err := newZstdWriter(w)
		if err != nil {
			return nil, err
		}
		return enc, nil
	case CompLZ4:
		lw := lz4.NewWriter(w)
		return writeCloser{lw, func() error { return lz4Close(lw) }}, nil
	case CompBR:
		bw := brotli.NewWriter(w)
		return writeCloser{bw, func() error { return brotliClose(bw) }}, nil
	}
	return nil, fmt.Errorf("%w: unknown compression %d", ErrInvalidStream, comp)
}

// NewReader inverts NewWriter. Reads fail with ErrLimitExceeded once more
// than maxBytes have been decompressed; maxBytes <= 0 disables the check.
// A ZIP stream is buffered in memory, so maxBytes also bounds the archive.
func NewReader(r io.Reader, comp Compression, maxBytes int64) (io.ReadCloser, error) {
	var rc io.ReadCloser
	switch comp {
	case CompNone:
		rc = io.NopCloser(r)
	case CompZIP:
		zr, err := zipDecompress(r, maxBytes)
		if err != nil {
			return nil, err
		}
		rc = zr
	case CompZSTD:
		dec, err := newZstdReader(r)
		if err != nil {
			return nil, err
		}
		rc = readCloser{dec, func() error { dec.Close(); return nil }}
	case CompLZ4:
		rc = io.NopCloser(lz4.NewReader(r))
	case CompBR:
		rc = io.NopCloser(brotli.NewReader(r))
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrInvalidStream, comp)
	}
	if maxBytes <= 0 {
		return rc, nil
	}
	return readCloser{&boundedReader{r: rc, left: maxBytes, max: maxBytes}, rc.Close}, nil
}

// zipDecompress opens the single file entry of a ZIP archive.
func zipDecompress(r io.Reader, maxBytes int64) (io.ReadCloser, error) {
	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	data, err := readAll(src)
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: zip archive larger than %d bytes", ErrLimitExceeded, maxBytes)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStream, err)
	}
	if len(zr.File) != 1 {
		return nil, fmt.Errorf("%w: zip must contain exactly one entry", ErrInvalidStream)
	}
	zf := zr.File[0]
	if zf.FileInfo().IsDir() {
		return nil, fmt.Errorf("%w: zip entry must be a file", ErrInvalidStream)
	}
	return zipOpen(zf)
}

// boundedReader fails once more than max bytes have come out of r.
type boundedReader struct {
	r    io.Reader
	left int64
	max  int64
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.left < 0 {
		return 0, fmt.Errorf("%w: stream expands beyond %d bytes", ErrLimitExceeded, b.max)
	}
	if int64(len(p)) > b.left+1 {
		p = p[:b.left+1]
	}
	n, err := b.r.Read(p)
	b.left -= int64(n)
	if b.left < 0 {
		return n - 1, fmt.Errorf("%w: stream expands beyond %d bytes", ErrLimitExceeded, b.max)
	}
	return n, err
}
