package e57

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// validateElementName accepts names usable as XML element names without a
// namespace prefix.
func validateElementName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrBadElementName)
	}
	if strings.Contains(name, ":") {
		return fmt.Errorf("%w: %q has a namespace prefix", ErrBadElementName, name)
	}
	if len(name) >= 3 && strings.EqualFold(name[:3], "xml") {
		return fmt.Errorf("%w: %q is reserved", ErrBadElementName, name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '_', c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z':
		case i > 0 && (c >= '0' && c <= '9' || c == '-' || c == '.'):
		default:
			return fmt.Errorf("%w: %q", ErrBadElementName, name)
		}
	}
	return nil
}

// CheckInvariant verifies the structural rules of n and, when recurse is set,
// of every node below it. It returns the first violation found, wrapped in
// ErrInvariantViolation. On a closed file it does nothing.
func (n Node) CheckInvariant(recurse bool) error {
	if err := n.valid(); err != nil {
		return err
	}
	if n.f.closed {
		return nil
	}
	return n.f.checkNode(n.id, recurse)
}

func (f *File) checkNode(id nodeID, recurse bool) error {
	n := Node{f: f, id: id}
	d := &f.nodes[id]
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrInvariantViolation, n.PathName(), fmt.Sprintf(format, args...))
	}

	if id == rootID {
		if d.parent != rootID || !d.attached || d.kind != KindStructure {
			return fail("root must be an attached Structure that is its own parent")
		}
	} else if d.parent != noNode {
		p := &f.nodes[d.parent]
		if d.parent == id {
			return fail("only the root may be its own parent")
		}
		if d.attached != p.attached {
			return fail("attached flag differs from parent")
		}
		switch p.kind {
		case KindStructure:
			if p.byName[d.name] != id {
				return fail("parent does not list %q", d.name)
			}
		case KindVector:
			i, err := strconv.Atoi(d.name)
			if err != nil || i < 0 || i >= len(p.children) || p.children[i] != id {
				return fail("parent does not hold element %q", d.name)
			}
		case KindPackedVector:
			if p.packed.prototype != id || d.name != prototypeName {
				return fail("not the prototype of its parent")
			}
		default:
			return fail("parent is a %v", p.kind)
		}
	} else if d.attached {
		return fail("attached node without a parent")
	}

	switch d.kind {
	case KindStructure:
		if len(d.byName) != len(d.children) {
			return fail("%d names for %d children", len(d.byName), len(d.children))
		}
		for _, c := range d.children {
			cd := &f.nodes[c]
			if cd.parent != id {
				return fail("child %q has another parent", cd.name)
			}
			if err := validateElementName(cd.name); err != nil {
				return fail("%v", err)
			}
		}
	case KindVector:
		for i, c := range d.children {
			cd := &f.nodes[c]
			if cd.parent != id || cd.name != strconv.Itoa(i) {
				return fail("element %d is misplaced", i)
			}
			if !d.allowHetero && cd.kind != f.nodes[d.children[0]].kind {
				return fail("element %d is a %v in a homogeneous vector of %v", i, cd.kind, f.nodes[d.children[0]].kind)
			}
		}
	case KindPackedVector:
		if err := f.checkPacked(d); err != nil {
			return fail("%v", err)
		}
	case KindInteger, KindScaledInteger:
		if d.imin > d.imax || d.ival < d.imin || d.ival > d.imax {
			return fail("value %d outside [%d, %d]", d.ival, d.imin, d.imax)
		}
		if d.kind == KindScaledInteger && (d.scale == 0 || math.IsNaN(d.scale)) {
			return fail("scale %g", d.scale)
		}
	case KindFloat:
		if d.fmin > d.fmax || d.fval < d.fmin || d.fval > d.fmax {
			return fail("value %g outside [%g, %g]", d.fval, d.fmin, d.fmax)
		}
	case KindString:
	case KindBlob:
		if d.blobLength > 0 && d.blobOffset+d.blobLength > f.store.Len() {
			return fail("blob [%d,+%d) beyond the binary section", d.blobOffset, d.blobLength)
		}
	default:
		return fail("unknown kind %d", d.kind)
	}

	if !recurse {
		return nil
	}
	for _, c := range d.children {
		if err := f.checkNode(c, true); err != nil {
			return err
		}
	}
	if d.packed != nil {
		return f.checkNode(d.packed.prototype, true)
	}
	return nil
}

func (f *File) checkPacked(d *nodeData) error {
	ps := d.packed
	pd := &f.nodes[ps.prototype]
	if pd.kind != KindStructure {
		return fmt.Errorf("prototype is a %v", pd.kind)
	}
	fields, err := f.deriveFields(ps.prototype)
	if err != nil {
		return err
	}
	if len(fields) != len(ps.fields) {
		return fmt.Errorf("prototype has %d fields, layout has %d", len(fields), len(ps.fields))
	}
	for i := range fields {
		if fields[i] != ps.fields[i] {
			return fmt.Errorf("field %q differs from the prototype", fields[i].Name)
		}
	}
	if ps.recordCount == 0 {
		if ps.bitLength != 0 {
			return fmt.Errorf("%d payload bits for no records", ps.bitLength)
		}
		return nil
	}
	if end := ps.fileOffset + (ps.bitLength+7)/8; end > f.store.Len() {
		return fmt.Errorf("payload ends at %d beyond logical length %d", end, f.store.Len())
	}
	if rb, fixed := recordBits(ps.fields); fixed && rb*ps.recordCount != ps.bitLength {
		return fmt.Errorf("%d records of %d bits in %d payload bits", ps.recordCount, rb, ps.bitLength)
	}
	return nil
}
