package e57

import (
	"fmt"
	"math/bits"
	"strings"
)

// Field describes one member of a packed-vector record. Fields are derived from
// the leaves of the prototype in document order, which is also storage order.
type Field struct {
	Name string // path relative to the prototype, e.g. "color/red"
	Kind Kind   // Integer, ScaledInteger, Float, String or Blob

	Min, Max      int64   // Integer, ScaledInteger
	Scale, Offset float64 // ScaledInteger

	Precision          Precision // Float
	FloatMin, FloatMax float64   // Float

	FixedLength uint64 // String, Blob: bytes per record; 0 means variable
	PrefixBits  uint   // String, Blob: width of the length prefix when variable

	// Bits is the encoded width, or 0 for variable-length fields.
	// Integer fields with Min == Max also take no bits.
	Bits uint
}

// Variable reports whether the field's width depends on the value.
func (fd Field) Variable() bool {
	return (fd.Kind == KindString || fd.Kind == KindBlob) && fd.FixedLength == 0
}

// Signed reports whether an integer field can hold negative values.
func (fd Field) Signed() bool {
	return fd.Min < 0
}

// ScaledValue converts a raw ScaledInteger value as read from a record.
func (fd Field) ScaledValue(raw int64) float64 {
	return float64(raw)*fd.Scale + fd.Offset
}

// intBits returns the number of bits needed to store any value in [minimum, maximum].
func intBits(minimum, maximum int64) uint {
	return uint(bits.Len64(uint64(maximum) - uint64(minimum)))
}

// recordBits returns the width of one record when all fields have a fixed width.
func recordBits(fields []Field) (uint64, bool) {
	var total uint64
	for _, fd := range fields {
		if fd.Variable() {
			return 0, false
		}
		total += uint64(fd.Bits)
	}
	return total, true
}

func (f *File) deriveFields(prototype nodeID) ([]Field, error) {
	var fields []Field
	var walk func(id nodeID, path []string) error
	walk = func(id nodeID, path []string) error {
		d := &f.nodes[id]
		name := strings.Join(path, "/")
		switch d.kind {
		case KindStructure, KindVector:
			for _, c := range d.children {
				if err := walk(c, append(path, f.nodes[c].name)); err != nil {
					return err
				}
			}
			return nil
		case KindPackedVector:
			return fmt.Errorf("%w: nested packed vector at %q", ErrBadPrototype, name)
		case KindInteger:
			fields = append(fields, Field{Name: name, Kind: d.kind, Min: d.imin, Max: d.imax, Bits: intBits(d.imin, d.imax)})
		case KindScaledInteger:
			fields = append(fields, Field{Name: name, Kind: d.kind, Min: d.imin, Max: d.imax,
				Scale: d.scale, Offset: d.offset, Bits: intBits(d.imin, d.imax)})
		case KindFloat:
			w := uint(64)
			if d.precision == PrecisionSingle {
				w = 32
			}
			fields = append(fields, Field{Name: name, Kind: d.kind, Precision: d.precision,
				FloatMin: d.fmin, FloatMax: d.fmax, Bits: w})
		case KindString, KindBlob:
			fd := Field{Name: name, Kind: d.kind, FixedLength: d.layout.fixedLength}
			if fd.FixedLength > 0 {
				fd.Bits = uint(8 * fd.FixedLength)
			} else {
				fd.PrefixBits = d.layout.prefixBits
			}
			fields = append(fields, fd)
		default:
			return fmt.Errorf("%w: unknown kind %d", ErrInternal, d.kind)
		}
		return nil
	}
	if err := walk(prototype, nil); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: prototype has no fields", ErrBadPrototype)
	}
	return fields, nil
}
