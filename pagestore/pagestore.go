// Package pagestore provides a fixed-size page allocator over a single file.
//
// Page 0 holds the file header (page size, free-list head, catalog root).
// Freed pages form an on-disk linked list and are reused before the file is
// extended. Writes become durable only after Flush, which the engine invokes
// at commit and checkpoint boundaries.
package pagestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/velodb/velo/core"
)

const (
	// DefaultPageSize is the page size used when none is configured.
	DefaultPageSize = 4096

	// MinPageSize bounds the configurable page size from below. The header
	// and the free-list next pointer must fit with room to spare.
	MinPageSize = 512

	// FileName is the page file name within the data directory.
	FileName = "velo.pages"
)

var (
	pageMagic     = [4]byte{'V', 'L', 'P', '0'}
	headerVersion = uint16(1)
)

const (
	headerLen    = 40 // magic..catalogRoot + crc32
	headerCRCOff = 36
)

// ErrClosed is returned for operations on a closed store.
var ErrClosed = errors.New("pagestore: closed")

// ErrCorrupt is returned when the file header fails validation. It is fatal
// to open(); the store never guesses at a damaged header.
var ErrCorrupt = errors.New("pagestore: corrupt page file header")

// ErrPageOutOfRange is returned for page ids never handed out by Allocate.
var ErrPageOutOfRange = errors.New("pagestore: page id out of range")

// Options contains configuration for the page store.
type Options struct {
	// PageSize is the fixed page size in bytes. Only consulted when the file
	// is created; an existing file keeps the size recorded in its header.
	PageSize int
}

// DefaultOptions returns default page store options.
var DefaultOptions = Options{
	PageSize: DefaultPageSize,
}

// Store is a page allocator/reader-writer over a single file.
//
// Reads of distinct pages are safe concurrently (positional I/O); the mutex
// guards the free list, the header fields and file growth.
type Store struct {
	mu          sync.Mutex
	file        *os.File
	path        string
	pageSize    int
	pageCount   uint64
	freeHead    core.PageID
	catalogRoot core.PageID
	headerDirty bool
	closed      bool
}

// Open opens or creates the page file inside dir.
func Open(dir string, optFns ...func(o *Options)) (*Store, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.PageSize < MinPageSize {
		return nil, fmt.Errorf("pagestore: page size %d below minimum %d", opts.PageSize, MinPageSize)
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("pagestore: failed to create directory: %w", err)
	}

	path := filepath.Join(dir, FileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600) //nolint:gosec // G304: path is configurable
	if err != nil {
		return nil, fmt.Errorf("pagestore: failed to open page file: %w", err)
	}

	s := &Store{
		file:     file,
		path:     path,
		pageSize: opts.PageSize,
	}

	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("pagestore: failed to stat page file: %w", err)
	}

	if st.Size() == 0 {
		s.pageCount = 1 // header page
		s.headerDirty = true
		if err := s.writeHeaderLocked(); err != nil {
			_ = file.Close()
			return nil, err
		}
		if err := file.Sync(); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("pagestore: failed to sync new page file: %w", err)
		}
		return s, nil
	}

	if err := s.readHeader(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) readHeader() error {
	buf := make([]byte, headerLen)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("%w: short header read: %v", ErrCorrupt, err)
	}

	if [4]byte(buf[0:4]) != pageMagic {
		return fmt.Errorf("%w: invalid magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != headerVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	if want, got := binary.LittleEndian.Uint32(buf[headerCRCOff:]), crc32.ChecksumIEEE(buf[:headerCRCOff]); want != got {
		return fmt.Errorf("%w: header checksum mismatch", ErrCorrupt)
	}

	s.pageSize = int(binary.LittleEndian.Uint32(buf[8:12]))
	if s.pageSize < MinPageSize {
		return fmt.Errorf("%w: implausible page size %d", ErrCorrupt, s.pageSize)
	}
	s.pageCount = binary.LittleEndian.Uint64(buf[12:20])
	s.freeHead = core.PageID(binary.LittleEndian.Uint64(buf[20:28]))
	s.catalogRoot = core.PageID(binary.LittleEndian.Uint64(buf[28:36]))
	return nil
}

// writeHeaderLocked serializes the header to page 0. Caller holds s.mu (or
// has exclusive access during Open).
func (s *Store) writeHeaderLocked() error {
	buf := make([]byte, headerLen)
	copy(buf[0:4], pageMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], headerVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(s.pageSize)) //nolint:gosec
	binary.LittleEndian.PutUint64(buf[12:20], s.pageCount)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(s.freeHead))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(s.catalogRoot))
	binary.LittleEndian.PutUint32(buf[headerCRCOff:], crc32.ChecksumIEEE(buf[:headerCRCOff]))

	if _, err := s.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("pagestore: failed to write header: %w", err)
	}
	s.headerDirty = false
	return nil
}

// PageSize returns the fixed page size in bytes.
func (s *Store) PageSize() int {
	return s.pageSize
}

// CatalogRoot returns the page id of the collection catalog, or core.NilPage.
func (s *Store) CatalogRoot() core.PageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalogRoot
}

// SetCatalogRoot records the catalog page in the header. Durable after Flush.
func (s *Store) SetCatalogRoot(id core.PageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.catalogRoot = id
	s.headerDirty = true
	return nil
}

// Allocate returns a page id, reusing the free list before extending the file.
func (s *Store) Allocate() (core.PageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.NilPage, ErrClosed
	}

	if s.freeHead != core.NilPage {
		id := s.freeHead
		next, err := s.readNextPointer(id)
		if err != nil {
			return core.NilPage, err
		}
		s.freeHead = next
		s.headerDirty = true
		return id, nil
	}

	id := core.PageID(s.pageCount)
	s.pageCount++
	s.headerDirty = true

	// Extend the file eagerly so Read of an allocated-but-unwritten page
	// returns zeros instead of io.EOF.
	if err := s.file.Truncate(int64(s.pageCount) * int64(s.pageSize)); err != nil {
		s.pageCount--
		return core.NilPage, fmt.Errorf("pagestore: failed to extend page file: %w", err)
	}
	return id, nil
}

// Free returns a page to the free list. Durable after Flush.
func (s *Store) Free(id core.PageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.checkRangeLocked(id); err != nil {
		return err
	}

	// Link the page into the free list: its first 8 bytes point at the
	// previous head.
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(s.freeHead))
	if _, err := s.file.WriteAt(buf, s.pageOffset(id)); err != nil {
		return fmt.Errorf("pagestore: failed to link free page %d: %w", id, err)
	}
	s.freeHead = id
	s.headerDirty = true
	return nil
}

func (s *Store) readNextPointer(id core.PageID) (core.PageID, error) {
	buf := make([]byte, 8)
	if _, err := s.file.ReadAt(buf, s.pageOffset(id)); err != nil {
		return core.NilPage, fmt.Errorf("pagestore: failed to read free page %d: %w", id, err)
	}
	return core.PageID(binary.LittleEndian.Uint64(buf)), nil
}

// Read returns the full content of a page.
func (s *Store) Read(id core.PageID) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if err := s.checkRangeLocked(id); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	buf := make([]byte, s.pageSize)
	if _, err := s.file.ReadAt(buf, s.pageOffset(id)); err != nil && err != io.EOF {
		return nil, fmt.Errorf("pagestore: failed to read page %d: %w", id, err)
	}
	return buf, nil
}

// Write stores data into a page. Data shorter than the page size is
// zero-padded. Durable after Flush.
func (s *Store) Write(id core.PageID, data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if err := s.checkRangeLocked(id); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if len(data) > s.pageSize {
		return fmt.Errorf("pagestore: write of %d bytes exceeds page size %d", len(data), s.pageSize)
	}

	buf := data
	if len(data) < s.pageSize {
		buf = make([]byte, s.pageSize)
		copy(buf, data)
	}
	if _, err := s.file.WriteAt(buf, s.pageOffset(id)); err != nil {
		return fmt.Errorf("pagestore: failed to write page %d: %w", id, err)
	}
	return nil
}

// Flush writes the header and fsyncs the file.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.headerDirty {
		if err := s.writeHeaderLocked(); err != nil {
			return err
		}
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("pagestore: fsync failed: %w", err)
	}
	return nil
}

// PageCount returns the number of pages in the file, including the header.
func (s *Store) PageCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageCount
}

// Close flushes and closes the underlying file. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.headerDirty {
		if err := s.writeHeaderLocked(); err != nil {
			_ = s.file.Close()
			return err
		}
	}
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("pagestore: fsync on close failed: %w", err)
	}
	return s.file.Close()
}

func (s *Store) pageOffset(id core.PageID) int64 {
	return int64(id) * int64(s.pageSize)
}

func (s *Store) checkRangeLocked(id core.PageID) error {
	if id == core.NilPage || uint64(id) >= s.pageCount {
		return fmt.Errorf("%w: %d (pages: %d)", ErrPageOutOfRange, id, s.pageCount)
	}
	return nil
}
