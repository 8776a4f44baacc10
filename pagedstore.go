package e57

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
)

// storageFile is the subset of *os.File the paged store needs.
type storageFile interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Close() error
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// pagedStore exposes a logical byte space over a file made of fixed-size physical
// pages, each followed by a CRC-32C of its payload. It holds one page in memory
// for writing; the buffer is the only mutable state shared by the file's users.
type pagedStore struct {
	file       storageFile
	pageSize   uint64
	dataSize   uint64
	logicalLen uint64
	physPages  uint64
	writable   bool
	logger     *slog.Logger

	buf      []byte
	bufPage  uint64
	bufValid bool
	bufDirty bool

	scratch  []byte
	zeroPage []byte
	commits  uint64
}

// newPagedStore wraps file, whose current length must be a whole number of pages.
func newPagedStore(file storageFile, pageSize, physicalLen uint64, writable bool, logger *slog.Logger) (*pagedStore, error) {
	if err := validatePageSize(pageSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArgument, err)
	}
	if physicalLen%pageSize != 0 {
		return nil, fmt.Errorf("%w: file length %d is not a multiple of page size %d", ErrCorruptData, physicalLen, pageSize)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &pagedStore{
		file:     file,
		pageSize: pageSize,
		dataSize: pageSize - checksumSize,
		writable: writable,
		logger:   logger,
		buf:      make([]byte, pageSize),
		scratch:  make([]byte, pageSize),
	}
	s.physPages = physicalLen / pageSize
	s.logicalLen = s.physPages * s.dataSize
	return s, nil
}

// physicalOffset maps a logical offset to its position in the file.
func (s *pagedStore) physicalOffset(logical uint64) uint64 {
	return logical + (logical/s.dataSize)*checksumSize
}

// logicalOffset is the inverse of physicalOffset. It reports false for
// physical offsets that land on checksum bytes.
func (s *pagedStore) logicalOffset(physical uint64) (uint64, bool) {
	page, within := physical/s.pageSize, physical%s.pageSize
	if within >= s.dataSize {
		return 0, false
	}
	return page*s.dataSize + within, true
}

// Len returns the logical length, including extended but unwritten bytes.
func (s *pagedStore) Len() uint64 {
	return s.logicalLen
}

// PhysicalLength returns the file length once all pages are flushed.
func (s *pagedStore) PhysicalLength() uint64 {
	return s.pageCount() * s.pageSize
}

func (s *pagedStore) pageCount() uint64 {
	return (s.logicalLen + s.dataSize - 1) / s.dataSize
}

// Extend grows the logical space by n bytes and returns the offset of the first new byte.
func (s *pagedStore) Extend(n uint64) (uint64, error) {
	if !s.writable {
		return 0, ErrReadOnly
	}
	old := s.logicalLen
	if old+n < old {
		return 0, fmt.Errorf("%w: extend by %d overflows", ErrBadArgument, n)
	}
	s.logicalLen = old + n
	return old, nil
}

// ReadLogical returns n bytes starting at logical offset off.
func (s *pagedStore) ReadLogical(off, n uint64) ([]byte, error) {
	p := make([]byte, n)
	if err := s.readAt(p, off); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *pagedStore) readAt(p []byte, off uint64) error {
	end := off + uint64(len(p))
	if end < off || end > s.logicalLen {
		return fmt.Errorf("%w: read [%d,+%d) beyond logical length %d", ErrCorruptData, off, len(p), s.logicalLen)
	}
	for len(p) > 0 {
		page, in := off/s.dataSize, off%s.dataSize
		n := min(uint64(len(p)), s.dataSize-in)
		switch {
		case s.bufValid && s.bufPage == page:
			copy(p[:n], s.buf[in:in+n])
		case page >= s.physPages:
			clear(p[:n])
		default:
			if err := s.readPhysicalPage(page, s.scratch); err != nil {
				return err
			}
			copy(p[:n], s.scratch[in:in+n])
		}
		p = p[n:]
		off += n
	}
	return nil
}

// WriteLogical stores p at logical offset off. The range must already be allocated by Extend.
func (s *pagedStore) WriteLogical(off uint64, p []byte) error {
	if !s.writable {
		return ErrReadOnly
	}
	end := off + uint64(len(p))
	if end < off || end > s.logicalLen {
		return fmt.Errorf("%w: write [%d,+%d) beyond logical length %d", ErrBadArgument, off, len(p), s.logicalLen)
	}
	for len(p) > 0 {
		page, in := off/s.dataSize, off%s.dataSize
		n := min(uint64(len(p)), s.dataSize-in)
		if err := s.loadPage(page); err != nil {
			return err
		}
		copy(s.buf[in:in+n], p[:n])
		s.bufDirty = true
		if in+n == s.dataSize {
			if err := s.commit(); err != nil {
				return err
			}
		}
		p = p[n:]
		off += n
	}
	return nil
}

// Flush commits the buffered page and materializes every allocated page.
func (s *pagedStore) Flush() error {
	if !s.writable {
		return nil
	}
	if err := s.commit(); err != nil {
		return err
	}
	if err := s.fillTo(s.pageCount()); err != nil {
		return err
	}
	s.logger.Debug("e57: flushed pages", "pages", s.physPages, "commits", s.commits, "logicalLength", s.logicalLen)
	return nil
}

func (s *pagedStore) loadPage(page uint64) error {
	if s.bufValid && s.bufPage == page {
		return nil
	}
	if err := s.commit(); err != nil {
		return err
	}
	s.bufValid = false
	if page < s.physPages {
		if err := s.readPhysicalPage(page, s.buf); err != nil {
			return err
		}
	} else {
		clear(s.buf)
	}
	s.bufPage, s.bufValid, s.bufDirty = page, true, false
	return nil
}

func (s *pagedStore) commit() error {
	if !s.bufValid || !s.bufDirty {
		return nil
	}
	if err := s.fillTo(s.bufPage); err != nil {
		return err
	}
	s.seal(s.buf)
	if _, err := s.file.WriteAt(s.buf, int64(s.bufPage*s.pageSize)); err != nil {
		return fmt.Errorf("e57: write page %d: %w", s.bufPage, err)
	}
	s.bufDirty = false
	s.commits++
	if s.bufPage >= s.physPages {
		s.physPages = s.bufPage + 1
	}
	return nil
}

// fillTo writes zero pages so that pages [physPages, n) exist with valid checksums.
func (s *pagedStore) fillTo(n uint64) error {
	for s.physPages < n {
		if s.bufValid && s.bufPage == s.physPages {
			// The buffered page is written by commit with its real content.
			s.bufDirty = true
			if err := s.commit(); err != nil {
				return err
			}
			continue
		}
		if s.zeroPage == nil {
			s.zeroPage = make([]byte, s.pageSize)
			s.seal(s.zeroPage)
		}
		if _, err := s.file.WriteAt(s.zeroPage, int64(s.physPages*s.pageSize)); err != nil {
			return fmt.Errorf("e57: write page %d: %w", s.physPages, err)
		}
		s.physPages++
	}
	return nil
}

func (s *pagedStore) seal(page []byte) {
	sum := crc32.Checksum(page[:s.dataSize], castagnoli)
	binary.BigEndian.PutUint32(page[s.dataSize:], sum)
}

func (s *pagedStore) readPhysicalPage(page uint64, dst []byte) error {
	n, err := s.file.ReadAt(dst, int64(page*s.pageSize))
	if uint64(n) < s.pageSize {
		if err == nil || errors.Is(err, io.EOF) {
			return corruptPagef(page, "truncated after %d bytes", n)
		}
		return fmt.Errorf("e57: read page %d: %w", page, err)
	}
	want := binary.BigEndian.Uint32(dst[s.dataSize:])
	got := crc32.Checksum(dst[:s.dataSize], castagnoli)
	if got != want {
		s.logger.Warn("e57: checksum mismatch", "page", page, "stored", want, "computed", got)
		return corruptPagef(page, "checksum %08x, computed %08x", want, got)
	}
	return nil
}
