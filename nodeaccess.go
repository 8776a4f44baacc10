package e57

import "fmt"

func (n Node) as(kinds ...Kind) (*nodeData, error) {
	if err := n.valid(); err != nil {
		return nil, err
	}
	d := n.data()
	for _, k := range kinds {
		if d.kind == k {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s is a %v, want %v", ErrBadDowncast, n.PathName(), d.kind, kinds)
}

// Int returns the value of an Integer or the raw value of a ScaledInteger.
func (n Node) Int() (int64, error) {
	d, err := n.as(KindInteger, KindScaledInteger)
	if err != nil {
		return 0, err
	}
	return d.ival, nil
}

func (n Node) IntBounds() (minimum, maximum int64, err error) {
	d, err := n.as(KindInteger, KindScaledInteger)
	if err != nil {
		return 0, 0, err
	}
	return d.imin, d.imax, nil
}

func (n Node) Scaling() (scale, offset float64, err error) {
	d, err := n.as(KindScaledInteger)
	if err != nil {
		return 0, 0, err
	}
	return d.scale, d.offset, nil
}

// ScaledValue returns raw*scale + offset.
func (n Node) ScaledValue() (float64, error) {
	d, err := n.as(KindScaledInteger)
	if err != nil {
		return 0, err
	}
	return float64(d.ival)*d.scale + d.offset, nil
}

func (n Node) Float() (float64, error) {
	d, err := n.as(KindFloat)
	if err != nil {
		return 0, err
	}
	return d.fval, nil
}

func (n Node) FloatPrecision() (Precision, error) {
	d, err := n.as(KindFloat)
	if err != nil {
		return 0, err
	}
	return d.precision, nil
}

func (n Node) FloatBounds() (minimum, maximum float64, err error) {
	d, err := n.as(KindFloat)
	if err != nil {
		return 0, 0, err
	}
	return d.fmin, d.fmax, nil
}

func (n Node) StringValue() (string, error) {
	d, err := n.as(KindString)
	if err != nil {
		return "", err
	}
	return d.sval, nil
}

// AllowHeterogeneous reports whether a Vector accepts children of mixed kinds.
func (n Node) AllowHeterogeneous() (bool, error) {
	d, err := n.as(KindVector)
	if err != nil {
		return false, err
	}
	return d.allowHetero, nil
}

func (n Node) BlobLength() (uint64, error) {
	d, err := n.as(KindBlob)
	if err != nil {
		return 0, err
	}
	return d.blobLength, nil
}

// ReadBlob fills p from the blob contents starting at byte start.
func (n Node) ReadBlob(p []byte, start uint64) error {
	d, err := n.as(KindBlob)
	if err != nil {
		return err
	}
	if err := n.checkOpen(); err != nil {
		return err
	}
	if err := blobRange(d, start, len(p)); err != nil {
		return err
	}
	return n.f.store.readAt(p, d.blobOffset+start)
}

// WriteBlob stores p in the blob starting at byte start. Blobs read from an
// existing file are immutable.
func (n Node) WriteBlob(p []byte, start uint64) error {
	d, err := n.as(KindBlob)
	if err != nil {
		return err
	}
	if err := n.checkWritable(); err != nil {
		return err
	}
	if d.loaded {
		return fmt.Errorf("%w: blob %s was read from disk", ErrReadOnly, n.PathName())
	}
	if err := blobRange(d, start, len(p)); err != nil {
		return err
	}
	return n.f.store.WriteLogical(d.blobOffset+start, p)
}

func blobRange(d *nodeData, start uint64, n int) error {
	end := start + uint64(n)
	if end < start || end > d.blobLength {
		return fmt.Errorf("%w: blob range [%d,+%d) of %d bytes", ErrBadArgument, start, n, d.blobLength)
	}
	return nil
}

// RecordCount returns the number of committed records of a packed vector.
func (n Node) RecordCount() (uint64, error) {
	d, err := n.as(KindPackedVector)
	if err != nil {
		return 0, err
	}
	return d.packed.recordCount, nil
}

// Prototype returns the Structure describing one record of a packed vector.
func (n Node) Prototype() (Node, error) {
	d, err := n.as(KindPackedVector)
	if err != nil {
		return Node{}, err
	}
	return Node{f: n.f, id: d.packed.prototype}, nil
}

// Fields returns the record layout of a packed vector in storage order.
func (n Node) Fields() ([]Field, error) {
	d, err := n.as(KindPackedVector)
	if err != nil {
		return nil, err
	}
	return append([]Field(nil), d.packed.fields...), nil
}
