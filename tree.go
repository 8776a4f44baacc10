package e57

import (
	"fmt"
	"math"
	"unicode/utf8"
)

func (f *File) checkWritable() error {
	if f.closed {
		return ErrNotOpen
	}
	if f.mode != ModeReadWrite {
		return ErrReadOnly
	}
	return nil
}

func (f *File) newNode(d nodeData) (Node, error) {
	if len(f.nodes) >= f.limits.MaxNodes {
		return Node{}, fmt.Errorf("%w: more than %d nodes", ErrLimitExceeded, f.limits.MaxNodes)
	}
	d.parent = noNode
	f.nodes = append(f.nodes, d)
	return Node{f: f, id: nodeID(len(f.nodes) - 1)}, nil
}

// NewStructure creates an empty Structure owned by f. It stays detached until
// linked under the root, directly or through other nodes.
func (f *File) NewStructure() (Node, error) {
	if err := f.checkWritable(); err != nil {
		return Node{}, err
	}
	return f.newNode(nodeData{kind: KindStructure})
}

// NewVector creates an empty Vector. Unless allowHetero is set, all children
// must have the kind of the first one.
func (f *File) NewVector(allowHetero bool) (Node, error) {
	if err := f.checkWritable(); err != nil {
		return Node{}, err
	}
	return f.newNode(nodeData{kind: KindVector, allowHetero: allowHetero})
}

func (f *File) NewInteger(value, minimum, maximum int64) (Node, error) {
	if err := f.checkWritable(); err != nil {
		return Node{}, err
	}
	return f.newInteger(value, minimum, maximum)
}

func (f *File) newInteger(value, minimum, maximum int64) (Node, error) {
	if err := checkIntRange(value, minimum, maximum); err != nil {
		return Node{}, err
	}
	return f.newNode(nodeData{kind: KindInteger, ival: value, imin: minimum, imax: maximum})
}

// NewScaledInteger creates a ScaledInteger whose represented value is
// raw*scale + offset. Bounds apply to the raw value.
func (f *File) NewScaledInteger(raw, minimum, maximum int64, scale, offset float64) (Node, error) {
	if err := f.checkWritable(); err != nil {
		return Node{}, err
	}
	return f.newScaledInteger(raw, minimum, maximum, scale, offset)
}

func (f *File) newScaledInteger(raw, minimum, maximum int64, scale, offset float64) (Node, error) {
	if err := checkIntRange(raw, minimum, maximum); err != nil {
		return Node{}, err
	}
	if scale == 0 || math.IsNaN(scale) || math.IsInf(scale, 0) || math.IsNaN(offset) || math.IsInf(offset, 0) {
		return Node{}, fmt.Errorf("%w: scale %g offset %g", ErrBadArgument, scale, offset)
	}
	return f.newNode(nodeData{kind: KindScaledInteger, ival: raw, imin: minimum, imax: maximum, scale: scale, offset: offset})
}

func checkIntRange(v, minimum, maximum int64) error {
	if minimum > maximum {
		return fmt.Errorf("%w: minimum %d > maximum %d", ErrBadArgument, minimum, maximum)
	}
	if v < minimum || v > maximum {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrValueOutOfBounds, v, minimum, maximum)
	}
	return nil
}

// NewFloat creates a Float with the full range of its precision.
func (f *File) NewFloat(value float64, p Precision) (Node, error) {
	lo, hi := floatRange(p)
	return f.NewBoundedFloat(value, p, lo, hi)
}

func (f *File) NewBoundedFloat(value float64, p Precision, minimum, maximum float64) (Node, error) {
	if err := f.checkWritable(); err != nil {
		return Node{}, err
	}
	return f.newFloat(value, p, minimum, maximum)
}

func (f *File) newFloat(value float64, p Precision, minimum, maximum float64) (Node, error) {
	if p != PrecisionSingle && p != PrecisionDouble {
		return Node{}, fmt.Errorf("%w: precision %d", ErrBadArgument, p)
	}
	lo, hi := floatRange(p)
	if math.IsNaN(minimum) || math.IsNaN(maximum) || minimum > maximum || minimum < lo || maximum > hi {
		return Node{}, fmt.Errorf("%w: float bounds [%g, %g] for %v precision", ErrBadArgument, minimum, maximum, p)
	}
	if value < minimum || value > maximum {
		return Node{}, fmt.Errorf("%w: %g not in [%g, %g]", ErrValueOutOfBounds, value, minimum, maximum)
	}
	return f.newNode(nodeData{kind: KindFloat, fval: value, fmin: minimum, fmax: maximum, precision: p})
}

func floatRange(p Precision) (float64, float64) {
	if p == PrecisionSingle {
		return -math.MaxFloat32, math.MaxFloat32
	}
	return -math.MaxFloat64, math.MaxFloat64
}

// NewString creates a String. The options describe how the field is stored when
// the node is part of a packed-vector prototype; the value of such a node is unused.
func (f *File) NewString(value string, opts ...StringOption) (Node, error) {
	if err := f.checkWritable(); err != nil {
		return Node{}, err
	}
	return f.newString(value, buildLayout(opts))
}

func (f *File) newString(value string, layout stringLayout) (Node, error) {
	if err := validateMarkupText(value); err != nil {
		return Node{}, err
	}
	if err := f.validateLayout(layout); err != nil {
		return Node{}, err
	}
	return f.newNode(nodeData{kind: KindString, sval: value, layout: layout})
}

// NewBlob creates a Blob and reserves byteCount bytes for it in the binary section.
// A Blob used as a prototype field should have byteCount 0; its options then
// describe the per-record layout as for NewString.
func (f *File) NewBlob(byteCount uint64, opts ...StringOption) (Node, error) {
	if err := f.checkWritable(); err != nil {
		return Node{}, err
	}
	layout := buildLayout(opts)
	if err := f.validateLayout(layout); err != nil {
		return Node{}, err
	}
	var off uint64
	if byteCount > 0 {
		var err error
		if off, err = f.store.Extend(byteCount); err != nil {
			return Node{}, err
		}
	}
	return f.newNode(nodeData{kind: KindBlob, blobOffset: off, blobLength: byteCount, layout: layout})
}

func buildLayout(opts []StringOption) stringLayout {
	l := stringLayout{prefixBits: defaultPrefixBits}
	for _, opt := range opts {
		opt(&l)
	}
	return l
}

func (f *File) validateLayout(l stringLayout) error {
	if l.fixedLength > f.limits.MaxFieldBytes {
		return fmt.Errorf("%w: fixed length %d", ErrLimitExceeded, l.fixedLength)
	}
	if l.fixedLength == 0 && (l.prefixBits == 0 || l.prefixBits > 64) {
		return fmt.Errorf("%w: length prefix of %d bits", ErrBadArgument, l.prefixBits)
	}
	return nil
}

// NewPackedVector creates a packed vector whose records follow prototype.
// The prototype must be a detached Structure of f; it becomes owned by the
// packed vector and can no longer change.
func (f *File) NewPackedVector(prototype Node) (Node, error) {
	if err := f.checkWritable(); err != nil {
		return Node{}, err
	}
	return f.newPackedVector(prototype)
}

func (f *File) newPackedVector(prototype Node) (Node, error) {
	if prototype.f == nil {
		return Node{}, fmt.Errorf("%w: zero prototype", ErrBadArgument)
	}
	if prototype.f != f {
		return Node{}, fmt.Errorf("%w: prototype", ErrForeignContainer)
	}
	pd := &f.nodes[prototype.id]
	if pd.kind != KindStructure {
		return Node{}, fmt.Errorf("%w: prototype is a %v", ErrBadPrototype, pd.kind)
	}
	if prototype.id == rootID || pd.parent != noNode {
		return Node{}, fmt.Errorf("%w: prototype %s", ErrAlreadyAttached, prototype.PathName())
	}
	fields, err := f.deriveFields(prototype.id)
	if err != nil {
		return Node{}, err
	}
	n, err := f.newNode(nodeData{kind: KindPackedVector, packed: &packedState{prototype: prototype.id, fields: fields}})
	if err != nil {
		return Node{}, err
	}
	pd = &f.nodes[prototype.id]
	pd.parent = n.id
	pd.name = prototypeName
	return n, nil
}

// validateMarkupText rejects strings that cannot be stored in the markup section.
func validateMarkupText(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: string is not valid UTF-8", ErrBadArgument)
	}
	for _, r := range s {
		if !isXMLChar(r) {
			return fmt.Errorf("%w: string contains %U", ErrBadArgument, r)
		}
	}
	return nil
}

func isXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		(r >= 0x20 && r <= 0xD7FF) ||
		(r >= 0xE000 && r <= 0xFFFD) ||
		(r >= 0x10000 && r <= 0x10FFFF)
}
