package e57

import (
	"errors"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// mixedPrototype has one field of every kind, including the extreme layouts.
func mixedPrototype(t *testing.T, f *File) Node {
	t.Helper()
	proto, err := f.NewStructure()
	require.NoError(t, err)
	add := func(name string, n Node, err error) {
		t.Helper()
		require.NoError(t, err)
		require.NoError(t, proto.Set(name, n))
	}
	n, err := f.NewInteger(0, -100, 100)
	add("small", n, err)
	n, err = f.NewInteger(7, 7, 7)
	add("constant", n, err)
	n, err = f.NewInteger(0, math.MinInt64, math.MaxInt64)
	add("wide", n, err)
	n, err = f.NewScaledInteger(0, -(1 << 40), 1<<40, 0.001, 5)
	add("scaled", n, err)
	n, err = f.NewFloat(0, PrecisionSingle)
	add("single", n, err)
	n, err = f.NewFloat(0, PrecisionDouble)
	add("double", n, err)
	n, err = f.NewString("")
	add("text", n, err)
	n, err = f.NewString("", WithFixedLength(4))
	add("code", n, err)
	n, err = f.NewBlob(0, WithLengthPrefix(8))
	add("payload", n, err)
	n, err = f.NewBlob(0, WithFixedLength(3))
	add("tag", n, err)
	return proto
}

func mixedRecords() []Record {
	return []Record{
		{int64(-100), int64(7), int64(math.MinInt64), int64(-(1 << 40)), -math.MaxFloat32, -math.MaxFloat64, "", "", []byte{}, []byte{0, 0, 0}},
		{int64(100), int64(7), int64(math.MaxInt64), int64(1 << 40), math.MaxFloat32, math.MaxFloat64, "hello, world", "abcd", []byte{1, 2, 3}, []byte{9, 8, 7}},
		{int64(0), int64(7), int64(0), int64(0), 1.5, math.Pi, "ünïcödé", "ab", make([]byte, 255), []byte("xyz")},
		{int64(-1), int64(7), int64(-1), int64(-1), 0.0, -0.25, "a\x01\x02", "", []byte{0xFF}, []byte{0xFF, 0xFF, 0xFF}},
		{int64(1), int64(7), int64(1), int64(1), -0.5, 0.5, "end\x00", "\x00a\x00b", []byte{0}, []byte{0, 1, 0}},
	}
}

func TestCodecRoundTripBoundaries(t *testing.T) {
	f, path := createFile(t)
	pv, err := f.NewPackedVector(mixedPrototype(t, f))
	require.NoError(t, err)
	require.NoError(t, f.Root().Set("data", pv))

	recs := mixedRecords()
	require.NoError(t, WithWriter(pv, func(w *Writer) error {
		return w.WriteRecords(recs)
	}))
	count, err := pv.RecordCount()
	require.NoError(t, err)
	require.Equal(t, uint64(len(recs)), count)
	require.NoError(t, f.Close())

	f, err = Open(path, ModeRead)
	require.NoError(t, err)
	defer f.Close()
	pv, ok := f.Find("/data")
	require.True(t, ok)
	got := readAll(t, pv)
	require.Len(t, got, len(recs))
	for i := range recs {
		require.Equal(t, recs[i], got[i], "record %d", i)
	}
}

func TestCodecAcceptsGoNumericTypes(t *testing.T) {
	f, _ := createFile(t)
	defer f.Cancel()
	proto, _ := f.NewStructure()
	i, _ := f.NewInteger(0, -10, 300)
	x, _ := f.NewFloat(0, PrecisionDouble)
	require.NoError(t, proto.Set("i", i))
	require.NoError(t, proto.Set("x", x))
	pv, err := f.NewPackedVector(proto)
	require.NoError(t, err)

	require.NoError(t, WithWriter(pv, func(w *Writer) error {
		for _, rec := range []Record{
			{int(1), float32(0.5)},
			{int8(-2), 3},
			{uint16(300), int64(4)},
			{uint64(5), 2.25},
		} {
			if err := w.Write(rec); err != nil {
				return err
			}
		}
		return nil
	}))
	got := readAll(t, pv)
	require.Equal(t, []Record{
		{int64(1), 0.5},
		{int64(-2), 3.0},
		{int64(300), 4.0},
		{int64(5), 2.25},
	}, got)
}

func TestWriterRejectsBadRecords(t *testing.T) {
	f, _ := createFile(t)
	defer f.Cancel()
	proto := mixedPrototype(t, f)
	pv, err := f.NewPackedVector(proto)
	require.NoError(t, err)

	w, err := pv.NewWriter()
	require.NoError(t, err)
	good := mixedRecords()[1]

	bad := func(idx int, v any) Record {
		r := append(Record(nil), good...)
		r[idx] = v
		return r
	}
	cases := []struct {
		rec  Record
		want error
	}{
		{bad(0, int64(101)), ErrValueOutOfBounds},
		{bad(1, int64(6)), ErrValueOutOfBounds},
		{bad(0, "1"), ErrBadArgument},
		{bad(2, uint64(math.MaxUint64)), ErrBadArgument},
		{bad(4, 1e39), ErrValueOutOfBounds},
		{bad(6, 12), ErrBadArgument},
		{bad(7, "abcde"), ErrValueOutOfBounds},
		{bad(7, "ab\x00"), ErrValueOutOfBounds},
		{bad(7, []byte{'a', 0, 0, 0}), ErrValueOutOfBounds},
		{bad(8, make([]byte, 256)), ErrValueOutOfBounds},
		{bad(9, []byte{1}), ErrValueOutOfBounds},
		{good[:3], ErrBadArgument},
	}
	for i, c := range cases {
		require.ErrorIs(t, w.Write(c.rec), c.want, "case %d", i)
	}
	// Rejected records leave the session usable.
	require.NoError(t, w.Write(good))
	require.Equal(t, uint64(1), w.RecordCount())
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Write(good), ErrBadArgument, "closed session")

	got := readAll(t, pv)
	require.Len(t, got, 1)
}

func TestSessionExclusivity(t *testing.T) {
	f, _ := createFile(t)
	defer f.Cancel()
	pv, err := f.NewPackedVector(pointsPrototype(t, f))
	require.NoError(t, err)
	require.NoError(t, f.Root().Set("points", pv))

	w, err := pv.NewWriter()
	require.NoError(t, err)
	_, err = pv.NewWriter()
	require.ErrorIs(t, err, ErrSessionConflict)
	_, err = pv.NewReader()
	require.ErrorIs(t, err, ErrSessionConflict)
	require.ErrorIs(t, f.Close(), ErrSessionConflict)
	require.True(t, f.IsOpen())
	require.NoError(t, w.Write(pointRecord(1)))
	require.NoError(t, w.Close())

	r1, err := pv.NewReader()
	require.NoError(t, err)
	r2, err := pv.NewReader()
	require.NoError(t, err)
	_, err = pv.NewWriter()
	require.ErrorIs(t, err, ErrSessionConflict)
	require.ErrorIs(t, f.Close(), ErrSessionConflict)
	require.NoError(t, r1.Close())
	require.NoError(t, r1.Close())
	_, err = pv.NewWriter()
	require.ErrorIs(t, err, ErrSessionConflict)
	require.NoError(t, r2.Close())

	w, err = pv.NewWriter()
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	// Sessions only exist on packed vectors.
	_, err = f.Root().NewReader()
	require.ErrorIs(t, err, ErrBadDowncast)
}

func TestScopedSessionsRelease(t *testing.T) {
	f, _ := createFile(t)
	defer f.Cancel()
	pv, err := f.NewPackedVector(pointsPrototype(t, f))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = WithWriter(pv, func(w *Writer) error {
		if err := w.Write(pointRecord(0)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	count, _ := pv.RecordCount()
	require.Equal(t, uint64(0), count, "failed session is aborted")

	require.Panics(t, func() {
		_ = WithWriter(pv, func(w *Writer) error { panic("inside session") })
	})
	require.Panics(t, func() {
		_ = WithReader(pv, func(r *Reader) error { panic("inside session") })
	})

	// Nothing is left open.
	w, err := pv.NewWriter()
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestWriterAppends(t *testing.T) {
	f, path := createFile(t)
	proto, _ := f.NewStructure()
	v, _ := f.NewInteger(0, 0, 7) // 3 bits, records straddle bytes
	require.NoError(t, proto.Set("v", v))
	pv, err := f.NewPackedVector(proto)
	require.NoError(t, err)
	require.NoError(t, f.Root().Set("v", pv))

	write := func(from, to int) {
		require.NoError(t, WithWriter(pv, func(w *Writer) error {
			for i := from; i < to; i++ {
				if err := w.Write(Record{int64(i % 8)}); err != nil {
					return err
				}
			}
			return nil
		}))
	}
	write(0, 10)
	write(10, 15)

	// Another allocation between sessions forces the next one to move the payload.
	blob, err := f.NewBlob(10)
	require.NoError(t, err)
	require.NoError(t, f.Root().Set("blob", blob))
	require.NoError(t, blob.WriteBlob([]byte("0123456789"), 0))
	write(15, 40)

	check := func(pv Node) {
		got := readAll(t, pv)
		require.Len(t, got, 40)
		for i, rec := range got {
			require.Equal(t, int64(i%8), rec[0], "record %d", i)
		}
	}
	check(pv)
	require.Equal(t, uint64(120), pv.data().packed.bitLength)
	require.NoError(t, f.Close())

	f, err = Open(path, ModeRead)
	require.NoError(t, err)
	defer f.Close()
	pv, _ = f.Find("/v")
	check(pv)
	blob, _ = f.Find("/blob")
	buf := make([]byte, 10)
	require.NoError(t, blob.ReadBlob(buf, 0))
	require.Equal(t, "0123456789", string(buf))
}

func TestWriterRelocatesWhenInterleaved(t *testing.T) {
	f, path := createFile(t)
	pv, err := f.NewPackedVector(pointsPrototype(t, f))
	require.NoError(t, err)
	require.NoError(t, f.Root().Set("points", pv))
	other, err := f.NewPackedVector(pointsPrototype(t, f))
	require.NoError(t, err)
	require.NoError(t, f.Root().Set("other", other))

	// Both writers flush to the store many times while interleaved.
	const n = 100_000
	w1, err := pv.NewWriter()
	require.NoError(t, err)
	w2, err := other.NewWriter()
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, w1.Write(pointRecord(i)))
		require.NoError(t, w2.Write(pointRecord(n-i)))
	}
	require.NoError(t, w1.Close())
	require.NoError(t, w2.Close())
	require.NoError(t, f.Close())

	f, err = Open(path, ModeRead)
	require.NoError(t, err)
	defer f.Close()
	pv, _ = f.Find("/points")
	other, _ = f.Find("/other")
	got1 := readAll(t, pv)
	got2 := readAll(t, other)
	require.Len(t, got1, n)
	require.Len(t, got2, n)
	for i := 0; i < n; i++ {
		if !recordEqual(got1[i], pointRecord(i)) || !recordEqual(got2[i], pointRecord(n-i)) {
			t.Fatalf("record %d: %v %v", i, got1[i], got2[i])
		}
	}
}

func recordEqual(a, b Record) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReaderBulkAndEnd(t *testing.T) {
	f, _ := createFile(t)
	defer f.Cancel()
	pv, err := f.NewPackedVector(pointsPrototype(t, f))
	require.NoError(t, err)
	writeRecords(t, pv, 0, 10)

	r, err := pv.NewReader()
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, uint64(10), r.RecordCount())
	dst := make([]Record, 4)
	var sizes []int
	for {
		n, err := r.ReadRecords(dst)
		require.NoError(t, err)
		sizes = append(sizes, n)
		if n < len(dst) {
			break
		}
	}
	require.Equal(t, []int{4, 4, 2}, sizes)
	require.False(t, r.Next())
	require.NoError(t, r.Err(), "end of sequence is not an error")

	empty, err := f.NewPackedVector(pointsPrototype(t, f))
	require.NoError(t, err)
	require.Empty(t, readAll(t, empty))
}

func TestReaderAfterClose(t *testing.T) {
	f, path := createFile(t)
	pv, err := f.NewPackedVector(pointsPrototype(t, f))
	require.NoError(t, err)
	require.NoError(t, f.Root().Set("points", pv))
	writeRecords(t, pv, 0, 5)
	require.NoError(t, f.Close())

	f, err = Open(path, ModeRead)
	require.NoError(t, err)
	pv, _ = f.Find("/points")
	r, err := pv.NewReader()
	require.NoError(t, err)
	require.True(t, r.Next())
	require.NoError(t, f.Close())
	require.False(t, r.Next())
	require.ErrorIs(t, r.Err(), ErrNotOpen)
	require.NoError(t, r.Close())

	_, err = pv.NewReader()
	require.ErrorIs(t, err, ErrNotOpen)
	_, err = pv.NewWriter()
	require.ErrorIs(t, err, ErrNotOpen)
	count, err := pv.RecordCount()
	require.NoError(t, err)
	require.Equal(t, uint64(5), count)
}

func TestReaderDetectsCorruptPayload(t *testing.T) {
	f, path := createFile(t)
	pv, err := f.NewPackedVector(pointsPrototype(t, f))
	require.NoError(t, err)
	require.NoError(t, f.Root().Set("points", pv))
	writeRecords(t, pv, 0, 2000)
	offset := pv.data().packed.fileOffset
	require.NoError(t, f.Close())

	// Flip one payload byte in the third page of the payload.
	logical := offset + 2*1020 + 5
	physical := logical + logical/1020*4
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[physical] ^= 0x40
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	f, err = Open(path, ModeRead)
	require.NoError(t, err)
	defer f.Close()
	pv, _ = f.Find("/points")
	r, err := pv.NewReader()
	require.NoError(t, err)
	defer r.Close()
	n := 0
	for r.Next() {
		n++
	}
	require.ErrorIs(t, r.Err(), ErrCorruptData)
	var cde *CorruptDataError
	require.True(t, errors.As(r.Err(), &cde))
	require.Equal(t, logical/1020, cde.Page)
	require.Less(t, n, 2000)
}
