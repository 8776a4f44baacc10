package e57

import "fmt"

// Bits are packed least-significant first: the first bit of a record is bit 0
// of its first byte.

const maxChunkBits = 56

func lowMask(n uint) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << n) - 1
}

// bitWriter accumulates bits and moves completed bytes to out.
// acc never holds more than 7 bits between calls.
type bitWriter struct {
	acc   uint64
	nbits uint
	out   []byte
}

func (w *bitWriter) writeBits(v uint64, width uint) {
	for width > 0 {
		k := min(width, maxChunkBits)
		w.acc |= (v & lowMask(k)) << w.nbits
		w.nbits += k
		v >>= k
		width -= k
		for w.nbits >= 8 {
			w.out = append(w.out, byte(w.acc))
			w.acc >>= 8
			w.nbits -= 8
		}
	}
}

func (w *bitWriter) writeBytes(p []byte) {
	if w.nbits == 0 {
		w.out = append(w.out, p...)
		return
	}
	for _, b := range p {
		w.writeBits(uint64(b), 8)
	}
}

// pad flushes a partial byte, zero-filling its high bits.
func (w *bitWriter) pad() {
	if w.nbits > 0 {
		w.out = append(w.out, byte(w.acc))
		w.acc, w.nbits = 0, 0
	}
}

// pending returns the number of bits not yet handed to the store.
func (w *bitWriter) pending() uint64 {
	return uint64(len(w.out))*8 + uint64(w.nbits)
}

// bitReader decodes bits from a byte range fetched in chunks.
type bitReader struct {
	fetch     func(p []byte, off uint64) error
	off, end  uint64 // remaining byte range
	remaining uint64 // bits left in the payload
	chunk     []byte
	pos       int
	acc       uint64
	nbits     uint
}

const readChunkSize = 64 << 10

func newBitReader(fetch func(p []byte, off uint64) error, off, bitLength uint64) *bitReader {
	return &bitReader{fetch: fetch, off: off, end: off + (bitLength+7)/8, remaining: bitLength}
}

func (r *bitReader) nextByte() (byte, error) {
	if r.pos == len(r.chunk) {
		n := min(r.end-r.off, readChunkSize)
		if n == 0 {
			return 0, fmt.Errorf("%w: payload ends early", ErrCorruptData)
		}
		if uint64(cap(r.chunk)) < n {
			r.chunk = make([]byte, n)
		}
		r.chunk = r.chunk[:n]
		if err := r.fetch(r.chunk, r.off); err != nil {
			return 0, err
		}
		r.off += n
		r.pos = 0
	}
	b := r.chunk[r.pos]
	r.pos++
	return b, nil
}

func (r *bitReader) readBits(width uint) (uint64, error) {
	if uint64(width) > r.remaining {
		return 0, fmt.Errorf("%w: record needs %d bits, %d left in payload", ErrCorruptData, width, r.remaining)
	}
	r.remaining -= uint64(width)
	var v uint64
	var shift uint
	for width > 0 {
		k := min(width, maxChunkBits)
		for r.nbits < k {
			b, err := r.nextByte()
			if err != nil {
				return 0, err
			}
			r.acc |= uint64(b) << r.nbits
			r.nbits += 8
		}
		v |= (r.acc & lowMask(k)) << shift
		r.acc >>= k
		r.nbits -= k
		shift += k
		width -= k
	}
	return v, nil
}

func (r *bitReader) readBytes(n uint64) ([]byte, error) {
	if n > r.remaining/8 {
		return nil, fmt.Errorf("%w: field needs %d bytes, %d bits left in payload", ErrCorruptData, n, r.remaining)
	}
	p := make([]byte, n)
	for i := range p {
		b, err := r.readBits(8)
		if err != nil {
			return nil, err
		}
		p[i] = byte(b)
	}
	return p, nil
}
