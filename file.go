package e57

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// File is an open container. A File and its nodes must be used by one
// goroutine at a time.
type File struct {
	path    string
	mode    Mode
	file    storageFile
	store   *pagedStore
	header  Header
	nodes   []nodeData
	guid    uuid.UUID
	created bool
	origLen int64
	closed  bool

	limits Limits
	logger *slog.Logger
}

// Create creates (or truncates) the file at path and opens it for writing.
// The new file has an empty root Structure and a random GUID.
func Create(path string, opts ...Option) (*File, error) {
	cfg := newConfig(opts)
	if err := validatePageSize(cfg.pageSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArgument, err)
	}
	osf, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("e57: create: %w", err)
	}
	store, err := newPagedStore(osf, cfg.pageSize, 0, true, cfg.logger)
	if err != nil {
		osf.Close()
		return nil, err
	}
	// The header owns the first logical page.
	if _, err := store.Extend(store.dataSize); err != nil {
		osf.Close()
		return nil, err
	}
	f := &File{
		path:    path,
		mode:    ModeReadWrite,
		file:    osf,
		store:   store,
		guid:    uuid.New(),
		created: true,
		limits:  cfg.limits,
		logger:  cfg.logger,
		header: Header{
			Magic:        Magic,
			Major:        VersionMajor,
			Minor:        VersionMinor,
			PageSize:     cfg.pageSize,
			BinaryOffset: store.dataSize,
		},
	}
	f.nodes = append(f.nodes, nodeData{kind: KindStructure, parent: rootID, attached: true})
	f.logger.Debug("e57: created", "path", path, "pageSize", cfg.pageSize, "guid", f.guid)
	return f, nil
}

// Open opens an existing file. The header and the markup section are read and
// checked; record payloads are only read by Reader sessions. In ModeReadWrite
// new data is appended after the existing content and the markup is rewritten
// on Close.
func Open(path string, mode Mode, opts ...Option) (*File, error) {
	cfg := newConfig(opts)
	flag := os.O_RDONLY
	switch mode {
	case ModeRead:
	case ModeReadWrite:
		flag = os.O_RDWR
	default:
		return nil, fmt.Errorf("%w: mode %d", ErrBadArgument, mode)
	}
	osf, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("e57: open: %w", err)
	}
	f, err := openFile(osf, path, mode, cfg)
	if err != nil {
		osf.Close()
		return nil, err
	}
	return f, nil
}

func openFile(osf *os.File, path string, mode Mode, cfg config) (*File, error) {
	st, err := osf.Stat()
	if err != nil {
		return nil, fmt.Errorf("e57: open: %w", err)
	}
	size := st.Size()
	raw := make([]byte, headerSize)
	if n, err := osf.ReadAt(raw, 0); n < len(raw) {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: file is %d bytes", ErrUnsupportedFormat, size)
		}
		return nil, fmt.Errorf("e57: read header: %w", err)
	}
	h, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}
	if err := validateHeaderPrefix(h); err != nil {
		return nil, err
	}
	store, err := newPagedStore(osf, h.PageSize, uint64(size), mode == ModeReadWrite, cfg.logger)
	if err != nil {
		return nil, err
	}
	// Reading through the store verifies the header page checksum.
	if raw, err = store.ReadLogical(0, headerSize); err != nil {
		return nil, err
	}
	if h, err = decodeHeader(raw); err != nil {
		return nil, err
	}
	if err := validateHeaderLayout(h, store.dataSize, store.Len(), uint64(size)); err != nil {
		return nil, err
	}
	if h.MarkupLength > cfg.limits.MaxMarkupLength {
		return nil, fmt.Errorf("%w: markup section is %d bytes", ErrLimitExceeded, h.MarkupLength)
	}
	markup, err := store.ReadLogical(h.MarkupOffset, h.MarkupLength)
	if err != nil {
		return nil, err
	}
	f := &File{
		path:    path,
		mode:    mode,
		file:    osf,
		store:   store,
		header:  h,
		origLen: size,
		limits:  cfg.limits,
		logger:  cfg.logger,
	}
	if err := parseTree(f, markup, h.MarkupOffset); err != nil {
		return nil, err
	}
	f.logger.Debug("e57: opened", "path", path, "mode", mode, "pageSize", h.PageSize,
		"physicalLength", h.PhysicalLength, "nodes", len(f.nodes), "guid", f.guid)
	return f, nil
}

// Close writes the markup section and header of a writable file and releases
// the file. It fails with ErrSessionConflict while a write or read session is
// open and leaves the file open in that case, as it does when the tree fails
// its invariant check. Closing a closed file does nothing.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	if f.mode != ModeReadWrite {
		f.closed = true
		return f.file.Close()
	}
	for i := range f.nodes {
		if ps := f.nodes[i].packed; ps != nil && (ps.writer || ps.readers > 0) {
			return fmt.Errorf("%w: %s has an open session", ErrSessionConflict, Node{f, nodeID(i)}.PathName())
		}
	}
	if err := f.Root().CheckInvariant(true); err != nil {
		return err
	}
	err := f.finish()
	f.closed = true
	if cerr := f.file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("e57: close: %w", cerr)
	}
	return err
}

func (f *File) finish() error {
	markup, err := serializeTree(f)
	if err != nil {
		return err
	}
	s := f.store
	off, err := s.Extend(uint64(len(markup)))
	if err != nil {
		return err
	}
	if err := s.WriteLogical(off, markup); err != nil {
		return err
	}
	h := Header{
		Magic:          Magic,
		Major:          VersionMajor,
		Minor:          VersionMinor,
		PhysicalLength: s.PhysicalLength(),
		PageSize:       s.pageSize,
		MarkupOffset:   off,
		MarkupLength:   uint64(len(markup)),
		BinaryOffset:   s.dataSize,
		BinaryLength:   off - s.dataSize,
	}
	if err := s.WriteLogical(0, encodeHeader(h)); err != nil {
		return err
	}
	if err := s.Flush(); err != nil {
		return err
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("e57: sync: %w", err)
	}
	f.header = h
	f.logger.Debug("e57: closed", "path", f.path, "physicalLength", h.PhysicalLength,
		"markupLength", h.MarkupLength, "nodes", len(f.nodes))
	return nil
}

// Cancel closes f without saving. A file made by Create is removed; a file
// opened for writing is cut back to its original length.
func (f *File) Cancel() error {
	if f.closed {
		return nil
	}
	f.closed = true
	var err error
	if f.mode == ModeReadWrite && !f.created {
		if terr := f.file.Truncate(f.origLen); terr != nil {
			err = fmt.Errorf("e57: cancel: %w", terr)
		}
	}
	if cerr := f.file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("e57: cancel: %w", cerr)
	}
	if f.created {
		if rerr := os.Remove(f.path); err == nil && rerr != nil {
			err = fmt.Errorf("e57: cancel: %w", rerr)
		}
	}
	f.logger.Debug("e57: cancelled", "path", f.path)
	return err
}

// Root returns the root Structure.
func (f *File) Root() Node {
	return Node{f: f, id: rootID}
}

// Find resolves path from the root. "" and "/" name the root itself.
func (f *File) Find(path string) (Node, bool) {
	return f.Root().Find("/" + path)
}

// Header returns the header as read by Open or written by Close. For a file
// made by Create it is incomplete until Close.
func (f *File) Header() Header {
	return f.header
}

func (f *File) GUID() uuid.UUID {
	return f.guid
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Mode() Mode {
	return f.mode
}

func (f *File) IsOpen() bool {
	return !f.closed
}

// IsWritable reports whether f is open in ModeReadWrite.
func (f *File) IsWritable() bool {
	return !f.closed && f.mode == ModeReadWrite
}
