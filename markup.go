package e57

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
	"github.com/google/uuid"
)

const (
	rootElement   = "e57Root"
	vectorElement = "vectorChild"
	namespaceURI  = "http://www.astm.org/COMMIT/E57/2010-e57-v1.0"
)

var rootExpr = xpath.MustCompile("/*[local-name()='" + rootElement + "']")

// serializeTree renders every attached node as the markup section.
func serializeTree(f *File) ([]byte, error) {
	doc := &xmlquery.Node{Type: xmlquery.DocumentNode}
	decl := &xmlquery.Node{Type: xmlquery.DeclarationNode, Data: "xml"}
	xmlquery.AddAttr(decl, "version", "1.0")
	xmlquery.AddAttr(decl, "encoding", "UTF-8")
	xmlquery.AddChild(doc, decl)

	root, err := f.markupElement(rootID, rootElement)
	if err != nil {
		return nil, err
	}
	xmlquery.AddAttr(root, "xmlns", namespaceURI)
	xmlquery.AddAttr(root, "guid", f.guid.String())
	xmlquery.AddChild(doc, root)

	var buf bytes.Buffer
	if err := writeMarkup(&buf, doc, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *File) markupElement(id nodeID, name string) (*xmlquery.Node, error) {
	d := &f.nodes[id]
	el := &xmlquery.Node{Type: xmlquery.ElementNode, Data: name}
	xmlquery.AddAttr(el, "type", d.kind.String())
	text := func(s string) {
		xmlquery.AddChild(el, &xmlquery.Node{Type: xmlquery.TextNode, Data: s})
	}
	addChild := func(c nodeID, name string) error {
		ce, err := f.markupElement(c, name)
		if err != nil {
			return err
		}
		xmlquery.AddChild(el, ce)
		return nil
	}

	switch d.kind {
	case KindStructure:
		for _, c := range d.children {
			if err := addChild(c, f.nodes[c].name); err != nil {
				return nil, err
			}
		}
	case KindVector:
		xmlquery.AddAttr(el, "allowHeterogeneousChildren", formatBool(d.allowHetero))
		for _, c := range d.children {
			if err := addChild(c, vectorElement); err != nil {
				return nil, err
			}
		}
	case KindPackedVector:
		ps := d.packed
		xmlquery.AddAttr(el, "fileOffset", strconv.FormatUint(ps.fileOffset, 10))
		xmlquery.AddAttr(el, "recordCount", strconv.FormatUint(ps.recordCount, 10))
		xmlquery.AddAttr(el, "bitLength", strconv.FormatUint(ps.bitLength, 10))
		if err := addChild(ps.prototype, prototypeName); err != nil {
			return nil, err
		}
	case KindInteger, KindScaledInteger:
		xmlquery.AddAttr(el, "minimum", strconv.FormatInt(d.imin, 10))
		xmlquery.AddAttr(el, "maximum", strconv.FormatInt(d.imax, 10))
		if d.kind == KindScaledInteger {
			xmlquery.AddAttr(el, "scale", formatFloat(d.scale))
			xmlquery.AddAttr(el, "offset", formatFloat(d.offset))
		}
		text(strconv.FormatInt(d.ival, 10))
	case KindFloat:
		xmlquery.AddAttr(el, "precision", d.precision.String())
		if lo, hi := floatRange(d.precision); d.fmin != lo || d.fmax != hi {
			xmlquery.AddAttr(el, "minimum", formatFloat(d.fmin))
			xmlquery.AddAttr(el, "maximum", formatFloat(d.fmax))
		}
		text(formatFloat(d.fval))
	case KindString:
		addLayoutAttrs(el, d.layout)
		text(d.sval)
	case KindBlob:
		xmlquery.AddAttr(el, "fileOffset", strconv.FormatUint(d.blobOffset, 10))
		xmlquery.AddAttr(el, "length", strconv.FormatUint(d.blobLength, 10))
		addLayoutAttrs(el, d.layout)
	default:
		return nil, fmt.Errorf("%w: cannot serialize %v node %s", ErrInternal, d.kind, Node{f, id}.PathName())
	}
	return el, nil
}

func addLayoutAttrs(el *xmlquery.Node, l stringLayout) {
	if l.fixedLength > 0 {
		xmlquery.AddAttr(el, "fixedLength", strconv.FormatUint(l.fixedLength, 10))
	} else if l.prefixBits != defaultPrefixBits {
		xmlquery.AddAttr(el, "lengthPrefixBits", strconv.FormatUint(uint64(l.prefixBits), 10))
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// writeMarkup emits n with two-space indentation. Text is escaped with
// character references so that every byte of a String survives parsing.
func writeMarkup(w *bytes.Buffer, n *xmlquery.Node, depth int) error {
	switch n.Type {
	case xmlquery.DocumentNode:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if err := writeMarkup(w, c, depth); err != nil {
				return err
			}
		}
	case xmlquery.DeclarationNode:
		w.WriteString("<?xml")
		for _, a := range n.Attr {
			fmt.Fprintf(w, " %s=%q", a.Name.Local, a.Value)
		}
		w.WriteString("?>\n")
	case xmlquery.ElementNode:
		w.WriteString(strings.Repeat("  ", depth))
		w.WriteByte('<')
		w.WriteString(n.Data)
		for _, a := range n.Attr {
			w.WriteByte(' ')
			w.WriteString(a.Name.Local)
			w.WriteString(`="`)
			if err := xml.EscapeText(w, []byte(a.Value)); err != nil {
				return err
			}
			w.WriteByte('"')
		}
		switch {
		case n.FirstChild == nil:
			w.WriteString("/>\n")
			return nil
		case n.FirstChild.Type == xmlquery.TextNode:
			w.WriteByte('>')
			if err := xml.EscapeText(w, []byte(n.FirstChild.Data)); err != nil {
				return err
			}
		default:
			w.WriteString(">\n")
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if err := writeMarkup(w, c, depth+1); err != nil {
					return err
				}
			}
			w.WriteString(strings.Repeat("  ", depth))
		}
		w.WriteString("</")
		w.WriteString(n.Data)
		w.WriteString(">\n")
	default:
		return fmt.Errorf("%w: unexpected markup node type %v", ErrInternal, n.Type)
	}
	return nil
}

// markupParser rebuilds a node table from the markup section. binaryEnd bounds
// every payload and blob range the markup refers to.
type markupParser struct {
	f         *File
	binaryEnd uint64
}

// parseTree replaces f's node table with the tree described by data.
func parseTree(f *File, data []byte, binaryEnd uint64) error {
	doc, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: markup: %v", ErrCorruptData, err)
	}
	el := xmlquery.QuerySelector(doc, rootExpr)
	if el == nil {
		return fmt.Errorf("%w: markup has no %s element", ErrCorruptData, rootElement)
	}
	if t, _ := attr(el, "type"); t != KindStructure.String() {
		return fmt.Errorf("%w: %s has type %q", ErrCorruptData, rootElement, t)
	}
	if s, ok := attr(el, "guid"); ok {
		g, err := uuid.Parse(s)
		if err != nil {
			return fmt.Errorf("%w: root guid %q: %v", ErrCorruptData, s, err)
		}
		f.guid = g
	} else {
		f.guid = uuid.New()
		f.logger.Debug("e57: markup has no guid, assigned one", "guid", f.guid)
	}

	f.nodes = f.nodes[:0]
	f.nodes = append(f.nodes, nodeData{kind: KindStructure, parent: rootID, attached: true, loaded: true})
	p := &markupParser{f: f, binaryEnd: binaryEnd}
	if err := p.children(rootID, el, 1); err != nil {
		return markupError(err)
	}
	return nil
}

func markupError(err error) error {
	if errors.Is(err, ErrCorruptData) || errors.Is(err, ErrLimitExceeded) {
		return err
	}
	return fmt.Errorf("%w: markup: %v", ErrCorruptData, err)
}

// children builds and links every element child of el under the container parent.
func (p *markupParser) children(parent nodeID, el *xmlquery.Node, depth int) error {
	kind := p.f.nodes[parent].kind
	for c := el.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != xmlquery.ElementNode {
			continue
		}
		if c.Prefix != "" || c.NamespaceURI != el.NamespaceURI {
			return fmt.Errorf("%w: element <%s> in foreign namespace %q", ErrCorruptData, c.Data, c.NamespaceURI)
		}
		child, err := p.build(c, depth+1)
		if err != nil {
			return err
		}
		switch kind {
		case KindStructure:
			if err := validateElementName(c.Data); err != nil {
				return err
			}
			err = p.f.link(parent, child, c.Data)
		case KindVector:
			if c.Data != vectorElement {
				return fmt.Errorf("%w: vector element <%s>", ErrCorruptData, c.Data)
			}
			err = p.f.link(parent, child, strconv.Itoa(len(p.f.nodes[parent].children)))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *markupParser) build(el *xmlquery.Node, depth int) (Node, error) {
	f := p.f
	if depth > f.limits.MaxDepth {
		return Node{}, fmt.Errorf("%w: markup nested deeper than %d", ErrLimitExceeded, f.limits.MaxDepth)
	}
	t, _ := attr(el, "type")
	kind, ok := parseKind(t)
	if !ok {
		return Node{}, fmt.Errorf("%w: element <%s> has type %q", ErrCorruptData, el.Data, t)
	}
	var (
		n   Node
		err error
	)
	switch kind {
	case KindStructure:
		if n, err = f.newNode(nodeData{kind: KindStructure}); err == nil {
			err = p.children(n.id, el, depth)
		}
	case KindVector:
		var hetero bool
		if hetero, err = boolAttr(el, "allowHeterogeneousChildren"); err != nil {
			break
		}
		if n, err = f.newNode(nodeData{kind: KindVector, allowHetero: hetero}); err == nil {
			err = p.children(n.id, el, depth)
		}
	case KindPackedVector:
		n, err = p.packedVector(el, depth)
	case KindInteger, KindScaledInteger:
		n, err = p.integer(el, kind)
	case KindFloat:
		n, err = p.float(el)
	case KindString:
		var layout stringLayout
		if layout, err = layoutAttrs(el); err == nil {
			n, err = f.newString(textOf(el), layout)
		}
	case KindBlob:
		n, err = p.blob(el)
	}
	if err != nil {
		return Node{}, err
	}
	n.data().loaded = true
	return n, nil
}

func (p *markupParser) packedVector(el *xmlquery.Node, depth int) (Node, error) {
	f := p.f
	offset, err := uintAttr(el, "fileOffset", 0)
	if err != nil {
		return Node{}, err
	}
	count, err := uintAttr(el, "recordCount", 0)
	if err != nil {
		return Node{}, err
	}
	bitLength, err := uintAttr(el, "bitLength", 0)
	if err != nil {
		return Node{}, err
	}
	var protoEl *xmlquery.Node
	for c := el.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != xmlquery.ElementNode {
			continue
		}
		if c.Data != prototypeName || protoEl != nil {
			return Node{}, fmt.Errorf("%w: unexpected <%s> in <%s>", ErrCorruptData, c.Data, el.Data)
		}
		protoEl = c
	}
	if protoEl == nil {
		return Node{}, fmt.Errorf("%w: <%s> has no prototype", ErrCorruptData, el.Data)
	}
	proto, err := p.build(protoEl, depth+1)
	if err != nil {
		return Node{}, err
	}
	n, err := f.newPackedVector(proto)
	if err != nil {
		return Node{}, err
	}
	ps := n.data().packed
	ps.fileOffset, ps.recordCount, ps.bitLength = offset, count, bitLength
	if count > 0 {
		end := offset + (bitLength+7)/8
		if offset < f.store.dataSize || end < offset || end > p.binaryEnd {
			return Node{}, fmt.Errorf("%w: <%s> payload [%d,+%d bits) outside the binary section", ErrCorruptData, el.Data, offset, bitLength)
		}
	}
	if err := f.checkPacked(n.data()); err != nil {
		return Node{}, fmt.Errorf("%w: <%s>: %v", ErrCorruptData, el.Data, err)
	}
	return n, nil
}

func (p *markupParser) integer(el *xmlquery.Node, kind Kind) (Node, error) {
	lo, err := intAttr(el, "minimum", math.MinInt64)
	if err != nil {
		return Node{}, err
	}
	hi, err := intAttr(el, "maximum", math.MaxInt64)
	if err != nil {
		return Node{}, err
	}
	v := int64(0)
	if s := strings.TrimSpace(textOf(el)); s != "" {
		if v, err = strconv.ParseInt(s, 10, 64); err != nil {
			return Node{}, fmt.Errorf("%w: <%s> value: %v", ErrCorruptData, el.Data, err)
		}
	}
	if kind == KindInteger {
		return p.f.newInteger(v, lo, hi)
	}
	scale, err := floatAttr(el, "scale", 1)
	if err != nil {
		return Node{}, err
	}
	offset, err := floatAttr(el, "offset", 0)
	if err != nil {
		return Node{}, err
	}
	return p.f.newScaledInteger(v, lo, hi, scale, offset)
}

func (p *markupParser) float(el *xmlquery.Node) (Node, error) {
	prec := PrecisionDouble
	if s, ok := attr(el, "precision"); ok {
		switch s {
		case "single":
			prec = PrecisionSingle
		case "double":
		default:
			return Node{}, fmt.Errorf("%w: <%s> precision %q", ErrCorruptData, el.Data, s)
		}
	}
	lo, hi := floatRange(prec)
	lo, err := floatAttr(el, "minimum", lo)
	if err != nil {
		return Node{}, err
	}
	hi, err = floatAttr(el, "maximum", hi)
	if err != nil {
		return Node{}, err
	}
	v := 0.0
	if s := strings.TrimSpace(textOf(el)); s != "" {
		if v, err = strconv.ParseFloat(s, 64); err != nil {
			return Node{}, fmt.Errorf("%w: <%s> value: %v", ErrCorruptData, el.Data, err)
		}
	}
	return p.f.newFloat(v, prec, lo, hi)
}

func (p *markupParser) blob(el *xmlquery.Node) (Node, error) {
	f := p.f
	layout, err := layoutAttrs(el)
	if err != nil {
		return Node{}, err
	}
	if err := f.validateLayout(layout); err != nil {
		return Node{}, err
	}
	offset, err := uintAttr(el, "fileOffset", 0)
	if err != nil {
		return Node{}, err
	}
	length, err := uintAttr(el, "length", 0)
	if err != nil {
		return Node{}, err
	}
	if length > 0 {
		end := offset + length
		if offset < f.store.dataSize || end < offset || end > p.binaryEnd {
			return Node{}, fmt.Errorf("%w: <%s> blob [%d,+%d) outside the binary section", ErrCorruptData, el.Data, offset, length)
		}
	}
	return f.newNode(nodeData{kind: KindBlob, blobOffset: offset, blobLength: length, layout: layout})
}

func attr(el *xmlquery.Node, name string) (string, bool) {
	for _, a := range el.Attr {
		if a.Name.Space == "" && a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func intAttr(el *xmlquery.Node, name string, def int64) (int64, error) {
	s, ok := attr(el, name)
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: <%s> %s: %v", ErrCorruptData, el.Data, name, err)
	}
	return v, nil
}

func uintAttr(el *xmlquery.Node, name string, def uint64) (uint64, error) {
	s, ok := attr(el, name)
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: <%s> %s: %v", ErrCorruptData, el.Data, name, err)
	}
	return v, nil
}

func floatAttr(el *xmlquery.Node, name string, def float64) (float64, error) {
	s, ok := attr(el, name)
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: <%s> %s: %v", ErrCorruptData, el.Data, name, err)
	}
	return v, nil
}

func boolAttr(el *xmlquery.Node, name string) (bool, error) {
	s, ok := attr(el, name)
	if !ok {
		return false, nil
	}
	switch strings.TrimSpace(s) {
	case "1", "true":
		return true, nil
	case "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("%w: <%s> %s=%q", ErrCorruptData, el.Data, name, s)
}

func layoutAttrs(el *xmlquery.Node) (stringLayout, error) {
	fixed, err := uintAttr(el, "fixedLength", 0)
	if err != nil {
		return stringLayout{}, err
	}
	prefix, err := uintAttr(el, "lengthPrefixBits", uint64(defaultPrefixBits))
	if err != nil {
		return stringLayout{}, err
	}
	if prefix > 64 {
		return stringLayout{}, fmt.Errorf("%w: <%s> lengthPrefixBits %d", ErrCorruptData, el.Data, prefix)
	}
	return stringLayout{fixedLength: fixed, prefixBits: uint(prefix)}, nil
}

// textOf concatenates the character data directly inside el.
func textOf(el *xmlquery.Node) string {
	var sb strings.Builder
	for c := el.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.TextNode || c.Type == xmlquery.CharDataNode {
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}
