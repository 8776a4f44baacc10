package e57

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// memFile is an in-memory storageFile.
type memFile struct {
	data []byte
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	if end := off + int64(len(p)); end > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}
	return copy(m.data[off:], p), nil
}

func (m *memFile) Truncate(size int64) error {
	m.data = m.data[:size]
	return nil
}

func (m *memFile) Sync() error  { return nil }
func (m *memFile) Close() error { return nil }

func tempPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.e57")
}

func createFile(t *testing.T, opts ...Option) (*File, string) {
	t.Helper()
	path := tempPath(t)
	f, err := Create(path, opts...)
	require.NoError(t, err)
	return f, path
}

// pointsPrototype builds the two-field prototype used by several tests:
// a is an 8-bit unsigned Integer and b a ScaledInteger with raw values in [-100, 100].
func pointsPrototype(t *testing.T, f *File) Node {
	t.Helper()
	proto, err := f.NewStructure()
	require.NoError(t, err)
	a, err := f.NewInteger(0, 0, 255)
	require.NoError(t, err)
	b, err := f.NewScaledInteger(0, -100, 100, 0.01, 0)
	require.NoError(t, err)
	require.NoError(t, proto.Set("a", a))
	require.NoError(t, proto.Set("b", b))
	return proto
}

func pointRecord(i int) Record {
	return Record{int64(i % 256), int64(i%201 - 100)}
}

func writeRecords(t *testing.T, n Node, from, to int) {
	t.Helper()
	err := WithWriter(n, func(w *Writer) error {
		for i := from; i < to; i++ {
			if err := w.Write(pointRecord(i)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func readAll(t *testing.T, n Node) []Record {
	t.Helper()
	var out []Record
	err := WithReader(n, func(r *Reader) error {
		for r.Next() {
			out = append(out, r.Record())
		}
		return r.Err()
	})
	require.NoError(t, err)
	return out
}
