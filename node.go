package e57

import (
	"fmt"
	"strconv"
	"strings"
)

type nodeID uint32

const (
	rootID nodeID = 0
	noNode nodeID = ^nodeID(0)

	prototypeName = "prototype"
)

// nodeData is one entry of a file's node table. The kind-specific fields are
// meaningful only for the kinds named in their comments.
type nodeData struct {
	kind     Kind
	name     string
	parent   nodeID // noNode until linked; the root is its own parent
	attached bool
	loaded   bool // read from an existing file

	// Structure, Vector
	children    []nodeID
	byName      map[string]nodeID
	allowHetero bool

	// Integer, ScaledInteger
	ival, imin, imax int64
	scale, offset    float64

	// Float
	fval, fmin, fmax float64
	precision        Precision

	// String, Blob
	sval   string
	layout stringLayout

	// Blob
	blobOffset, blobLength uint64

	// PackedVector
	packed *packedState
}

type stringLayout struct {
	fixedLength uint64
	prefixBits  uint
}

const defaultPrefixBits uint = 16

type packedState struct {
	prototype   nodeID
	fields      []Field
	recordCount uint64
	fileOffset  uint64
	bitLength   uint64
	writer      bool
	readers     int
}

// Node is a handle to an element of a file's tree. Handles are small values;
// two handles are equal when they refer to the same element of the same file.
// The zero Node refers to nothing.
type Node struct {
	f  *File
	id nodeID
}

func (n Node) data() *nodeData {
	return &n.f.nodes[n.id]
}

func (n Node) valid() error {
	if n.f == nil {
		return fmt.Errorf("%w: zero Node", ErrBadArgument)
	}
	return nil
}

func (n Node) checkOpen() error {
	if err := n.valid(); err != nil {
		return err
	}
	if n.f.closed {
		return ErrNotOpen
	}
	return nil
}

func (n Node) checkWritable() error {
	if err := n.valid(); err != nil {
		return err
	}
	return n.f.checkWritable()
}

// IsZero reports whether n refers to no node.
func (n Node) IsZero() bool {
	return n.f == nil
}

// File returns the file that owns n.
func (n Node) File() *File {
	return n.f
}

func (n Node) Kind() Kind {
	if n.f == nil {
		return 0
	}
	return n.data().kind
}

// ElementName returns the name of n within its parent: a structure member name,
// a vector index, or "prototype". The root and unlinked nodes return "".
func (n Node) ElementName() string {
	if n.f == nil {
		return ""
	}
	return n.data().name
}

// IsRoot reports whether n has no parent. The file root is always a root; so is
// every node that has not been linked under another node yet.
func (n Node) IsRoot() bool {
	if n.f == nil {
		return false
	}
	d := n.data()
	return d.parent == noNode || d.parent == n.id
}

// Parent returns the parent of n, or n itself when n is a root.
func (n Node) Parent() Node {
	if n.IsRoot() {
		return n
	}
	return Node{f: n.f, id: n.data().parent}
}

// IsAttached reports whether n is reachable from the file root.
func (n Node) IsAttached() bool {
	if n.f == nil {
		return false
	}
	return n.data().attached
}

// PathName returns the absolute path of an attached node ("/" for the root,
// "/scans/0/points" below it). For a detached subtree the path is relative to
// its top node, which itself is ".".
func (n Node) PathName() string {
	if n.f == nil {
		return ""
	}
	var segs []string
	id := n.id
	for {
		d := &n.f.nodes[id]
		if d.parent == noNode || d.parent == id {
			break
		}
		segs = append(segs, d.name)
		id = d.parent
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	if id == rootID {
		return "/" + strings.Join(segs, "/")
	}
	if len(segs) == 0 {
		return "."
	}
	return strings.Join(segs, "/")
}

// ChildCount returns the number of children of a Structure or Vector.
func (n Node) ChildCount() (int, error) {
	if err := n.valid(); err != nil {
		return 0, err
	}
	d := n.data()
	if d.kind != KindStructure && d.kind != KindVector {
		return 0, fmt.Errorf("%w: %s is a %v", ErrBadDowncast, n.PathName(), d.kind)
	}
	return len(d.children), nil
}

// Child returns the i-th child of a Structure or Vector in document order.
func (n Node) Child(i int) (Node, error) {
	count, err := n.ChildCount()
	if err != nil {
		return Node{}, err
	}
	if i < 0 || i >= count {
		return Node{}, fmt.Errorf("%w: child index %d of %d", ErrBadArgument, i, count)
	}
	return Node{f: n.f, id: n.data().children[i]}, nil
}

// Get returns the direct child named name; ok is false when there is none.
func (n Node) Get(name string) (Node, bool) {
	if n.f == nil {
		return Node{}, false
	}
	id, ok := n.f.lookup(n.id, name)
	if !ok {
		return Node{}, false
	}
	return Node{f: n.f, id: id}, true
}

// Find resolves a "/"-delimited path. Absolute paths start at the file root;
// other paths start at n. Empty segments are skipped and ".." moves to the parent.
// An unresolved path yields ok == false.
func (n Node) Find(path string) (Node, bool) {
	if n.f == nil {
		return Node{}, false
	}
	id := n.id
	if strings.HasPrefix(path, "/") {
		id = rootID
	}
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if p := n.f.nodes[id].parent; p != noNode {
				id = p
			}
			continue
		}
		next, ok := n.f.lookup(id, seg)
		if !ok {
			return Node{}, false
		}
		id = next
	}
	return Node{f: n.f, id: id}, true
}

func (f *File) lookup(id nodeID, name string) (nodeID, bool) {
	d := &f.nodes[id]
	switch d.kind {
	case KindStructure:
		c, ok := d.byName[name]
		return c, ok
	case KindVector:
		i, err := strconv.Atoi(name)
		if err != nil || i < 0 || i >= len(d.children) || strconv.Itoa(i) != name {
			return 0, false
		}
		return d.children[i], true
	case KindPackedVector:
		if name == prototypeName {
			return d.packed.prototype, true
		}
	}
	return 0, false
}

// Set links child under the Structure n as member name.
func (n Node) Set(name string, child Node) error {
	if err := n.checkWritable(); err != nil {
		return err
	}
	if n.data().kind != KindStructure {
		return fmt.Errorf("%w: Set on %v %s", ErrBadDowncast, n.data().kind, n.PathName())
	}
	if err := validateElementName(name); err != nil {
		return err
	}
	return n.f.link(n.id, child, name)
}

// Append links child as the next element of the Vector n.
func (n Node) Append(child Node) error {
	if err := n.checkWritable(); err != nil {
		return err
	}
	if n.data().kind != KindVector {
		return fmt.Errorf("%w: Append on %v %s", ErrBadDowncast, n.data().kind, n.PathName())
	}
	return n.f.link(n.id, child, strconv.Itoa(len(n.data().children)))
}

// link makes child a member of parent. It enforces every attachment rule;
// callers only check permissions and the parent's kind.
func (f *File) link(parent nodeID, child Node, name string) error {
	if child.f == nil {
		return fmt.Errorf("%w: zero Node", ErrBadArgument)
	}
	if child.f != f {
		return fmt.Errorf("%w: %s", ErrForeignContainer, child.PathName())
	}
	cd := &f.nodes[child.id]
	if child.id == rootID || cd.parent != noNode {
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, child.PathName())
	}
	pd := &f.nodes[parent]
	if pd.kind == KindStructure {
		if _, dup := pd.byName[name]; dup {
			return fmt.Errorf("%w: %q in %s", ErrDuplicateName, name, Node{f, parent}.PathName())
		}
	}
	if pd.kind == KindVector && !pd.allowHetero && len(pd.children) > 0 {
		if first := f.nodes[pd.children[0]].kind; first != cd.kind {
			return fmt.Errorf("%w: %v child in vector of %v", ErrHomogeneous, cd.kind, first)
		}
	}
	inPrototype := false
	for id := parent; ; {
		if id == child.id {
			return fmt.Errorf("%w: %s is an ancestor of %s", ErrCycle, child.PathName(), Node{f, parent}.PathName())
		}
		d := &f.nodes[id]
		if d.parent == noNode || d.parent == id {
			break
		}
		if f.nodes[d.parent].kind == KindPackedVector {
			inPrototype = true
		}
		id = d.parent
	}
	if inPrototype {
		return fmt.Errorf("%w: prototype of a packed vector cannot change", ErrBadPrototype)
	}

	cd.parent = parent
	cd.name = name
	pd.children = append(pd.children, child.id)
	if pd.kind == KindStructure {
		if pd.byName == nil {
			pd.byName = make(map[string]nodeID)
		}
		pd.byName[name] = child.id
	}
	if pd.attached {
		f.markAttached(child.id)
	}
	return nil
}

func (f *File) markAttached(id nodeID) {
	d := &f.nodes[id]
	d.attached = true
	for _, c := range d.children {
		f.markAttached(c)
	}
	if d.packed != nil {
		f.markAttached(d.packed.prototype)
	}
}

// Walk calls fn for n and every node below it in document order, with the
// depth relative to n. The prototype of a packed vector is visited as its only
// child. Walk stops at the first error fn returns.
func Walk(n Node, fn func(n Node, depth int) error) error {
	if err := n.valid(); err != nil {
		return err
	}
	return n.f.walk(n.id, 0, fn)
}

func (f *File) walk(id nodeID, depth int, fn func(Node, int) error) error {
	if err := fn(Node{f: f, id: id}, depth); err != nil {
		return err
	}
	d := &f.nodes[id]
	for _, c := range d.children {
		if err := f.walk(c, depth+1, fn); err != nil {
			return err
		}
	}
	if d.packed != nil {
		return f.walk(d.packed.prototype, depth+1, fn)
	}
	return nil
}
