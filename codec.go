package e57

import (
	"bytes"
	"fmt"
	"math"
)

// Record holds one value per field, in Field order. Readers produce int64 for
// Integer and ScaledInteger (raw), float64 for Float, string for String and
// []byte for Blob. Writers also accept the other Go integer and float types.
type Record []any

var errSessionClosed = fmt.Errorf("%w: session closed", ErrBadArgument)

const flushThreshold = 64 << 10

// Writer appends records to a packed vector. Records become visible, and the
// vector's record count changes, only when Close succeeds.
type Writer struct {
	node   Node
	fields []Field
	bw     bitWriter
	norm   []encodedValue

	// The session owns the logical range [start, end); bytes before pos are final.
	start, pos, end uint64
	base            uint64
	count           uint64

	closed bool
	err    error
}

type encodedValue struct {
	u uint64
	b []byte
}

// NewWriter opens the write session of a packed vector. It fails with
// ErrSessionConflict while any other session on n is open.
func (n Node) NewWriter() (*Writer, error) {
	d, err := n.as(KindPackedVector)
	if err != nil {
		return nil, err
	}
	if err := n.checkWritable(); err != nil {
		return nil, err
	}
	ps := d.packed
	if ps.writer || ps.readers > 0 {
		return nil, fmt.Errorf("%w: %s has an open session", ErrSessionConflict, n.PathName())
	}
	w := &Writer{
		node:   n,
		fields: ps.fields,
		norm:   make([]encodedValue, len(ps.fields)),
		base:   ps.recordCount,
	}
	if ps.bitLength == 0 {
		w.start = n.f.store.Len()
		w.pos, w.end = w.start, w.start
	} else {
		w.start = ps.fileOffset
		w.end = w.start + (ps.bitLength+7)/8
		w.pos = w.start + ps.bitLength/8
		if partial := uint(ps.bitLength % 8); partial > 0 {
			b, err := n.f.store.ReadLogical(w.pos, 1)
			if err != nil {
				return nil, err
			}
			w.bw.acc = uint64(b[0]) & lowMask(partial)
			w.bw.nbits = partial
		}
	}
	ps.writer = true
	return w, nil
}

// WithWriter runs fn with a write session on n. The session is closed when fn
// succeeds and aborted when fn fails or panics.
func WithWriter(n Node, fn func(*Writer) error) error {
	w, err := n.NewWriter()
	if err != nil {
		return err
	}
	done := false
	defer func() {
		if !done {
			w.Abort()
		}
	}()
	if err := fn(w); err != nil {
		return err
	}
	done = true
	return w.Close()
}

// RecordCount returns the number of records written by this session.
func (w *Writer) RecordCount() uint64 {
	return w.count
}

// Write appends one record. A record that fails validation is not written
// and leaves the session usable.
func (w *Writer) Write(rec Record) error {
	if w.closed {
		return errSessionClosed
	}
	if w.err != nil {
		return w.err
	}
	if w.node.f.closed {
		return ErrNotOpen
	}
	if len(rec) != len(w.fields) {
		return fmt.Errorf("%w: record has %d values, want %d", ErrBadArgument, len(rec), len(w.fields))
	}
	for i := range w.fields {
		v, err := w.node.f.encodeValue(&w.fields[i], rec[i])
		if err != nil {
			return err
		}
		w.norm[i] = v
	}
	for i := range w.fields {
		fd := &w.fields[i]
		v := w.norm[i]
		switch {
		case v.b == nil:
			w.bw.writeBits(v.u, fd.Bits)
		case fd.Variable():
			w.bw.writeBits(uint64(len(v.b)), fd.PrefixBits)
			w.bw.writeBytes(v.b)
		default:
			w.bw.writeBytes(v.b)
		}
		w.norm[i] = encodedValue{}
	}
	w.count++
	if len(w.bw.out) >= flushThreshold {
		if err := w.flush(); err != nil {
			w.err = err
			return err
		}
	}
	return nil
}

// WriteRecords appends recs in order, stopping at the first failure.
func (w *Writer) WriteRecords(recs []Record) error {
	for i, rec := range recs {
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}

// Close flushes the session and commits its records to the packed vector.
// The session is released even when Close fails.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	defer w.release()
	if w.err != nil {
		return w.err
	}
	if w.node.f.closed {
		return ErrNotOpen
	}
	if w.count == 0 {
		return nil
	}
	bitLength := (w.pos-w.start)*8 + w.bw.pending()
	w.bw.pad()
	if err := w.flush(); err != nil {
		return err
	}
	ps := w.node.data().packed
	ps.fileOffset = w.start
	ps.bitLength = bitLength
	ps.recordCount = w.base + w.count
	return nil
}

// Abort releases the session without committing. The packed vector keeps the
// records it had when the session opened.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.release()
	return nil
}

func (w *Writer) release() {
	w.closed = true
	if ps := w.node.data().packed; ps != nil {
		ps.writer = false
	}
}

func (w *Writer) flush() error {
	data := w.bw.out
	if len(data) == 0 {
		return nil
	}
	store := w.node.f.store
	if w.end != store.Len() {
		if err := w.relocate(); err != nil {
			return err
		}
	}
	need := w.pos + uint64(len(data))
	if need > w.end {
		if _, err := store.Extend(need - w.end); err != nil {
			return err
		}
		w.end = need
	}
	if err := store.WriteLogical(w.pos, data); err != nil {
		return err
	}
	w.pos = need
	w.bw.out = w.bw.out[:0]
	return nil
}

// relocate copies the session's range to the end of the store. It is needed
// when something else allocated space after the range.
func (w *Writer) relocate() error {
	store := w.node.f.store
	size := w.end - w.start
	newStart, err := store.Extend(size)
	if err != nil {
		return err
	}
	buf := make([]byte, min(size, readChunkSize))
	for done := uint64(0); done < size; {
		n := min(size-done, uint64(len(buf)))
		if err := store.readAt(buf[:n], w.start+done); err != nil {
			return err
		}
		if err := store.WriteLogical(newStart+done, buf[:n]); err != nil {
			return err
		}
		done += n
	}
	w.node.f.logger.Debug("e57: relocated packed vector payload", "path", w.node.PathName(), "from", w.start, "to", newStart, "bytes", size)
	w.pos = newStart + (w.pos - w.start)
	w.start = newStart
	w.end = newStart + size
	return nil
}

func (f *File) encodeValue(fd *Field, v any) (encodedValue, error) {
	switch fd.Kind {
	case KindInteger, KindScaledInteger:
		x, ok := toInt64(v)
		if !ok {
			return encodedValue{}, fmt.Errorf("%w: field %q wants an integer, got %T", ErrBadArgument, fd.Name, v)
		}
		if x < fd.Min || x > fd.Max {
			return encodedValue{}, fmt.Errorf("%w: field %q: %d not in [%d, %d]", ErrValueOutOfBounds, fd.Name, x, fd.Min, fd.Max)
		}
		return encodedValue{u: uint64(x) - uint64(fd.Min)}, nil
	case KindFloat:
		x, ok := toFloat64(v)
		if !ok {
			return encodedValue{}, fmt.Errorf("%w: field %q wants a float, got %T", ErrBadArgument, fd.Name, v)
		}
		if x < fd.FloatMin || x > fd.FloatMax {
			return encodedValue{}, fmt.Errorf("%w: field %q: %g not in [%g, %g]", ErrValueOutOfBounds, fd.Name, x, fd.FloatMin, fd.FloatMax)
		}
		if fd.Precision == PrecisionSingle {
			return encodedValue{u: uint64(math.Float32bits(float32(x)))}, nil
		}
		return encodedValue{u: math.Float64bits(x)}, nil
	case KindString, KindBlob:
		var b []byte
		switch x := v.(type) {
		case string:
			b = []byte(x)
		case []byte:
			b = x
		default:
			return encodedValue{}, fmt.Errorf("%w: field %q wants a string or []byte, got %T", ErrBadArgument, fd.Name, v)
		}
		if b == nil {
			b = []byte{}
		}
		n := uint64(len(b))
		switch {
		case fd.FixedLength > 0 && fd.Kind == KindString:
			if n > fd.FixedLength {
				return encodedValue{}, fmt.Errorf("%w: field %q: %d bytes, fixed length %d", ErrValueOutOfBounds, fd.Name, n, fd.FixedLength)
			}
			// Padding is stripped on read, so a trailing NUL would not survive.
			if n > 0 && b[n-1] == 0 {
				return encodedValue{}, fmt.Errorf("%w: field %q: fixed-length string ends in NUL", ErrValueOutOfBounds, fd.Name)
			}
			padded := make([]byte, fd.FixedLength)
			copy(padded, b)
			b = padded
		case fd.FixedLength > 0:
			if n != fd.FixedLength {
				return encodedValue{}, fmt.Errorf("%w: field %q: %d bytes, fixed length %d", ErrValueOutOfBounds, fd.Name, n, fd.FixedLength)
			}
		default:
			if n > f.limits.MaxFieldBytes || n > lowMask(fd.PrefixBits) {
				return encodedValue{}, fmt.Errorf("%w: field %q: %d bytes does not fit a %d-bit length prefix", ErrValueOutOfBounds, fd.Name, n, fd.PrefixBits)
			}
		}
		return encodedValue{b: b}, nil
	}
	return encodedValue{}, fmt.Errorf("%w: field %q has kind %v", ErrInternal, fd.Name, fd.Kind)
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int16:
		return int64(x), true
	case int8:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

// Reader is a forward-only cursor over the records of a packed vector.
// Any number of readers may be open on a node that has no open writer.
type Reader struct {
	node   Node
	fields []Field
	br     *bitReader
	total  uint64
	read   uint64
	rec    Record
	closed bool
	err    error
}

// NewReader opens a read session. It fails with ErrSessionConflict while a
// write session on n is open.
func (n Node) NewReader() (*Reader, error) {
	d, err := n.as(KindPackedVector)
	if err != nil {
		return nil, err
	}
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	ps := d.packed
	if ps.writer {
		return nil, fmt.Errorf("%w: %s is being written", ErrSessionConflict, n.PathName())
	}
	ps.readers++
	return &Reader{
		node:   n,
		fields: ps.fields,
		br:     newBitReader(n.f.store.readAt, ps.fileOffset, ps.bitLength),
		total:  ps.recordCount,
	}, nil
}

// WithReader runs fn with a read session on n and always releases it.
func WithReader(n Node, fn func(*Reader) error) error {
	r, err := n.NewReader()
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(r)
}

// RecordCount returns the number of records the session will produce.
func (r *Reader) RecordCount() uint64 {
	return r.total
}

// Next decodes the next record. It returns false at the end of the sequence
// or on error; Err tells the two apart.
func (r *Reader) Next() bool {
	if r.closed || r.err != nil || r.read >= r.total {
		return false
	}
	if r.node.f.closed {
		r.err = ErrNotOpen
		return false
	}
	rec := make(Record, len(r.fields))
	for i := range r.fields {
		v, err := r.node.f.decodeValue(&r.fields[i], r.br)
		if err != nil {
			r.err = fmt.Errorf("%s record %d field %q: %w", r.node.PathName(), r.read, r.fields[i].Name, err)
			return false
		}
		rec[i] = v
	}
	r.rec = rec
	r.read++
	return true
}

// Record returns the record decoded by the last successful Next.
func (r *Reader) Record() Record {
	return r.rec
}

func (r *Reader) Err() error {
	return r.err
}

// ReadRecords fills dst with the next records and returns how many were read.
// A short count with a nil error means the sequence ended.
func (r *Reader) ReadRecords(dst []Record) (int, error) {
	for i := range dst {
		if !r.Next() {
			return i, r.err
		}
		dst[i] = r.rec
	}
	return len(dst), nil
}

// Close releases the session.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if ps := r.node.data().packed; ps != nil && ps.readers > 0 {
		ps.readers--
	}
	return nil
}

func (f *File) decodeValue(fd *Field, br *bitReader) (any, error) {
	switch fd.Kind {
	case KindInteger, KindScaledInteger:
		u, err := br.readBits(fd.Bits)
		if err != nil {
			return nil, err
		}
		if u > uint64(fd.Max)-uint64(fd.Min) {
			return nil, fmt.Errorf("%w: stored value %d exceeds range [%d, %d]", ErrCorruptData, u, fd.Min, fd.Max)
		}
		return int64(uint64(fd.Min) + u), nil
	case KindFloat:
		u, err := br.readBits(fd.Bits)
		if err != nil {
			return nil, err
		}
		if fd.Precision == PrecisionSingle {
			return float64(math.Float32frombits(uint32(u))), nil
		}
		return math.Float64frombits(u), nil
	case KindString, KindBlob:
		n := fd.FixedLength
		if n == 0 {
			var err error
			if n, err = br.readBits(fd.PrefixBits); err != nil {
				return nil, err
			}
			if n > f.limits.MaxFieldBytes {
				return nil, fmt.Errorf("%w: field length %d", ErrLimitExceeded, n)
			}
		}
		b, err := br.readBytes(n)
		if err != nil {
			return nil, err
		}
		if fd.Kind == KindBlob {
			return b, nil
		}
		if fd.FixedLength > 0 {
			b = bytes.TrimRight(b, "\x00")
		}
		return string(b), nil
	}
	return nil, fmt.Errorf("%w: field %q has kind %v", ErrInternal, fd.Name, fd.Kind)
}
