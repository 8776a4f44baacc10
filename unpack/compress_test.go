package unpack

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"io/fs"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

func compress(t *testing.T, comp Compression, in []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, comp, "points.csv")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(in); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func decompress(comp Compression, data []byte, maxBytes int64) ([]byte, error) {
	r, err := NewReader(bytes.NewReader(data), comp, maxBytes)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func TestCompressionRoundTrip(t *testing.T) {
	in := []byte(strings.Repeat("0,-100\n1,-99\n2,-98\n", 500))
	for _, comp := range []Compression{CompNone, CompZIP, CompZSTD, CompLZ4, CompBR} {
		t.Run(comp.String(), func(t *testing.T) {
			packed := compress(t, comp, in)
			if comp != CompNone && len(packed) >= len(in) {
				t.Fatalf("%v did not shrink the input: %d bytes", comp, len(packed))
			}
			out, err := decompress(comp, packed, int64(len(in)))
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(in, out) {
				t.Fatalf("round trip mismatch: %d bytes in, %d out", len(in), len(out))
			}
			out, err = decompress(comp, packed, 0)
			if err != nil || !bytes.Equal(in, out) {
				t.Fatalf("unbounded read: %v", err)
			}
		})
	}
}

func TestParseCompression(t *testing.T) {
	cases := map[string]Compression{
		"":       CompNone,
		"none":   CompNone,
		"ZIP":    CompZIP,
		"zstd":   CompZSTD,
		"zst":    CompZSTD,
		" lz4 ":  CompLZ4,
		"br":     CompBR,
		"Brotli": CompBR,
	}
	for s, want := range cases {
		got, err := ParseCompression(s)
		if err != nil || got != want {
			t.Fatalf("ParseCompression(%q) = %v, %v; want %v", s, got, err, want)
		}
	}
	if _, err := ParseCompression("gzip"); !errors.Is(err, ErrInvalidStream) {
		t.Fatalf("expected ErrInvalidStream, got %v", err)
	}
	if CompZSTD.Ext() != ".zst" || CompNone.Ext() != "" {
		t.Fatal("unexpected extensions")
	}
	if s := Compression(42).String(); s != "Compression(42)" {
		t.Fatalf("got %q", s)
	}
	if _, err := NewWriter(io.Discard, Compression(42), "x"); !errors.Is(err, ErrInvalidStream) {
		t.Fatalf("expected ErrInvalidStream, got %v", err)
	}
	if _, err := NewReader(bytes.NewReader(nil), Compression(42), 0); !errors.Is(err, ErrInvalidStream) {
		t.Fatalf("expected ErrInvalidStream, got %v", err)
	}
}

func TestDecompressionExpansionGuards(t *testing.T) {
	in := []byte("hello world, hello world")
	for _, comp := range []Compression{CompNone, CompZIP, CompZSTD, CompLZ4, CompBR} {
		packed := compress(t, comp, in)
		if _, err := decompress(comp, packed, 4); !errors.Is(err, ErrLimitExceeded) {
			t.Fatalf("%v: expected ErrLimitExceeded, got %v", comp, err)
		}
	}
}

func TestZIPDecompressErrors(t *testing.T) {
	// Multi-entry
	{
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		_, _ = zw.Create("points.csv")
		_, _ = zw.Create("extra")
		_ = zw.Close()
		if _, err := zipDecompress(&buf, 0); !errors.Is(err, ErrInvalidStream) {
			t.Fatalf("expected ErrInvalidStream, got %v", err)
		}
	}
	// Entry is a directory
	{
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		h := &zip.FileHeader{Name: "points/"}
		h.SetMode(fs.ModeDir | 0o755)
		_, _ = zw.CreateHeader(h)
		_ = zw.Close()
		if _, err := zipDecompress(&buf, 0); !errors.Is(err, ErrInvalidStream) {
			t.Fatalf("expected ErrInvalidStream, got %v", err)
		}
	}
	// Not an archive
	if _, err := zipDecompress(strings.NewReader("notzip"), 0); !errors.Is(err, ErrInvalidStream) {
		t.Fatalf("expected ErrInvalidStream, got %v", err)
	}
}

func TestDecompressionCorruptStreams(t *testing.T) {
	for comp, data := range map[Compression]string{
		CompZSTD: "notzstd",
		CompLZ4:  "notlz4",
		CompBR:   "notbr",
	} {
		if _, err := decompress(comp, []byte(data), 100); err == nil {
			t.Fatalf("%v: expected error", comp)
		}
	}
}

func TestCompressionWrappers_ReturnErrors(t *testing.T) {
	origCreate := zipCreate
	zipCreate = func(_ *zip.Writer, _ string) (io.Writer, error) { return nil, io.ErrClosedPipe }
	if _, err := NewWriter(io.Discard, CompZIP, "x"); err == nil {
		zipCreate = origCreate
		t.Fatal("expected error")
	}
	zipCreate = origCreate

	origZstd := newZstdWriter
	newZstdWriter = func(io.Writer) (*zstd.Encoder, error) { return nil, io.ErrClosedPipe }
	if _, err := NewWriter(io.Discard, CompZSTD, "x"); err == nil {
		newZstdWriter = origZstd
		t.Fatal("expected error")
	}
	newZstdWriter = origZstd

	origZstdReader := newZstdReader
	newZstdReader = func(io.Reader) (*zstd.Decoder, error) { return nil, io.ErrClosedPipe }
	if _, err := NewReader(bytes.NewReader(nil), CompZSTD, 0); err == nil {
		newZstdReader = origZstdReader
		t.Fatal("expected error")
	}
	newZstdReader = origZstdReader

	origLZ4Close := lz4Close
	lz4Close = func(_ *lz4.Writer) error { return io.ErrClosedPipe }
	w, _ := NewWriter(io.Discard, CompLZ4, "x")
	if err := w.Close(); err == nil {
		lz4Close = origLZ4Close
		t.Fatal("expected error")
	}
	lz4Close = origLZ4Close

	origBrotliClose := brotliClose
	brotliClose = func(_ *brotli.Writer) error { return io.ErrClosedPipe }
	w, _ = NewWriter(io.Discard, CompBR, "x")
	if err := w.Close(); err == nil {
		brotliClose = origBrotliClose
		t.Fatal("expected error")
	}
	brotliClose = origBrotliClose

	origReadAll := readAll
	readAll = func(io.Reader) ([]byte, error) { return nil, io.ErrUnexpectedEOF }
	if _, err := NewReader(bytes.NewReader(nil), CompZIP, 0); err == nil {
		readAll = origReadAll
		t.Fatal("expected error")
	}
	readAll = origReadAll

	origOpen := zipOpen
	zipOpen = func(*zip.File) (io.ReadCloser, error) { return nil, io.ErrClosedPipe }
	if _, err := NewReader(bytes.NewReader(compress(t, CompZIP, []byte("x"))), CompZIP, 0); err == nil {
		zipOpen = origOpen
		t.Fatal("expected error")
	}
	zipOpen = origOpen
}
