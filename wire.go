package e57

import (
	"encoding/binary"
	"fmt"
)

func encodeHeader(h Header) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:8], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], h.Major)
	binary.LittleEndian.PutUint32(buf[12:16], h.Minor)
	binary.LittleEndian.PutUint64(buf[16:24], h.PhysicalLength)
	binary.LittleEndian.PutUint64(buf[24:32], h.PageSize)
	binary.LittleEndian.PutUint64(buf[32:40], h.MarkupOffset)
	binary.LittleEndian.PutUint64(buf[40:48], h.MarkupLength)
	binary.LittleEndian.PutUint64(buf[48:56], h.BinaryOffset)
	binary.LittleEndian.PutUint64(buf[56:64], h.BinaryLength)
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if uint64(len(buf)) < headerSize {
		return Header{}, fmt.Errorf("%w: header is %d bytes", ErrUnsupportedFormat, len(buf))
	}
	var h Header
	copy(h.Magic[:], buf[0:8])
	h.Major = binary.LittleEndian.Uint32(buf[8:12])
	h.Minor = binary.LittleEndian.Uint32(buf[12:16])
	h.PhysicalLength = binary.LittleEndian.Uint64(buf[16:24])
	h.PageSize = binary.LittleEndian.Uint64(buf[24:32])
	h.MarkupOffset = binary.LittleEndian.Uint64(buf[32:40])
	h.MarkupLength = binary.LittleEndian.Uint64(buf[40:48])
	h.BinaryOffset = binary.LittleEndian.Uint64(buf[48:56])
	h.BinaryLength = binary.LittleEndian.Uint64(buf[56:64])
	return h, nil
}

// validateHeaderPrefix checks the fields that can be trusted before the
// header page checksum has been verified.
func validateHeaderPrefix(h Header) error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: bad signature %q", ErrUnsupportedFormat, h.Magic[:])
	}
	if h.Major != VersionMajor {
		return fmt.Errorf("%w: version %d.%d", ErrUnsupportedFormat, h.Major, h.Minor)
	}
	if err := validatePageSize(h.PageSize); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	return nil
}

func validatePageSize(n uint64) error {
	if n < MinPageSize || n > MaxPageSize || n&(n-1) != 0 {
		return fmt.Errorf("page size %d must be a power of two in [%d, %d]", n, MinPageSize, MaxPageSize)
	}
	return nil
}

// validateHeaderLayout checks the section bookkeeping against the store.
func validateHeaderLayout(h Header, dataSize, logicalLen, physicalLen uint64) error {
	if h.PhysicalLength != physicalLen {
		return fmt.Errorf("%w: header says %d physical bytes, file has %d", ErrCorruptData, h.PhysicalLength, physicalLen)
	}
	if h.BinaryOffset != dataSize {
		return fmt.Errorf("%w: binary section at %d, want %d", ErrCorruptData, h.BinaryOffset, dataSize)
	}
	if h.BinaryOffset+h.BinaryLength != h.MarkupOffset {
		return fmt.Errorf("%w: binary section [%d,+%d) does not end at markup offset %d", ErrCorruptData, h.BinaryOffset, h.BinaryLength, h.MarkupOffset)
	}
	end := h.MarkupOffset + h.MarkupLength
	if end < h.MarkupOffset || end > logicalLen {
		return fmt.Errorf("%w: markup section [%d,+%d) beyond logical length %d", ErrCorruptData, h.MarkupOffset, h.MarkupLength, logicalLen)
	}
	return nil
}
