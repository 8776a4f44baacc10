// Package e57 reads and writes a checksum-paged 3D-imaging container.
//
// A container is a single file made of fixed-size physical pages (1024 bytes
// by default). Every page ends with a CRC-32C of its payload, so the file is a
// sequence of logical bytes interleaved with checksums. Offsets stored in the
// file are logical; the package translates them to physical positions.
//
// # File Format Overview
//
// The logical byte space holds:
//   - A 64-byte header in the first page: signature "ASTM-E57", version,
//     page size and the location of the other sections
//   - A binary section with blob contents and packed record payloads
//   - A markup section: an XML document describing the node tree
//
// The tree is made of typed nodes: Structure (named children), Vector
// (indexed children), PackedVector (a sequence of records), and the leaf
// kinds Integer, ScaledInteger, Float, String and Blob. A PackedVector owns a
// prototype Structure whose leaves define the fields of each record. Records
// are bit-packed, least significant bit first, with no padding between fields.
//
// # Basic Usage
//
// To write a file:
//
//	f, err := e57.Create("scan.e57")
//	proto, _ := f.NewStructure()
//	x, _ := f.NewInteger(0, 0, 255)
//	proto.Set("x", x)
//	points, _ := f.NewPackedVector(proto)
//	f.Root().Set("points", points)
//	err = e57.WithWriter(points, func(w *e57.Writer) error {
//		return w.Write(e57.Record{int64(42)})
//	})
//	err = f.Close()
//
// To read it back:
//
//	f, err := e57.Open("scan.e57", e57.ModeRead)
//	defer f.Close()
//	points, _ := f.Find("/points")
//	r, err := points.NewReader()
//	for r.Next() {
//		rec := r.Record()
//		_ = rec[0].(int64)
//	}
//	err = r.Err()
//	r.Close()
//
// # Sessions
//
// A PackedVector has at most one Writer, or any number of Readers, open at a
// time. Records written by a Writer become visible when it is closed. Close on
// a writable File fails while sessions are open.
//
// # Errors
//
// Every error wraps one of the category sentinels (ErrNotOpen, ErrReadOnly,
// ErrCorruptData, ErrStructuralViolation, ...). Test with errors.Is.
// Checksum failures are reported as *CorruptDataError with the physical page.
//
// # Limits
//
// Open enforces configurable [Limits] on the markup size, node count, nesting
// depth and packed field length.
package e57
