// Package wal provides write-ahead logging for durability and crash recovery.
//
// Every mutation is appended to the log before it touches the record store or
// the vector index. Each entry is framed with a length and CRC32 prefix, so a
// torn write at the tail of the file (process crash mid-append) is detected
// and truncated rather than treated as corruption of the whole log. Entries
// that fail their checksum while more log follows are real corruption and
// fail open().
//
// Features carried from the engine's durability design:
//   - Configurable fsync behavior (Sync, GroupCommit, Async)
//   - Per-entry zstd compression
//   - Checkpoint support for log truncation after the page store is flushed
//   - Strictly monotonic sequence numbers, persisted across checkpoints
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/velodb/velo/core"
)

// FileName is the WAL file name within the data directory.
const FileName = "velo.wal"

var (
	walMagic   = [4]byte{'V', 'L', 'W', '0'}
	walVersion = uint16(1)
)

const (
	walHeaderLen    = 24 // magic(4) version(2) flags(2) checkpointSeq(8) reserved(4) crc(4)
	walHeaderCRCOff = 20

	flagCompressed = uint16(1)
)

var (
	// ErrClosed is returned for operations on a closed WAL.
	ErrClosed = errors.New("wal: closed")

	// ErrCorrupt is returned when the log is damaged somewhere other than
	// its tail. Tail damage is repaired by truncation instead.
	ErrCorrupt = errors.New("wal: corrupt log")

	errShortPayload = errors.New("wal: short entry payload")
)

// WAL is an append-only log of mutations backed by a single file.
type WAL struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	compressed bool
	seq        uint64
	ckptSeq    uint64
	appendOff  int64

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	// Auto-checkpoint tracking
	autoCheckpointOps int
	autoCheckpointMB  int
	committedOps      int
	checkpointFunc    func() error

	// Group commit worker lifecycle
	durabilityMode      DurabilityMode
	groupCommitInterval time.Duration
	groupCommitMaxOps   int
	groupCommitTicker   *time.Ticker
	groupCommitStopCh   chan struct{}
	groupCommitPending  int
	groupCommitWg       sync.WaitGroup
	syncCond            *sync.Cond
	persistedSeq        uint64

	closed bool
}

// New opens or creates the WAL file inside dir. An existing file has its tail
// validated: a partial or checksum-failing final frame is truncated away.
func New(dir string, optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("wal: failed to create directory: %w", err)
	}

	filePath := filepath.Join(dir, FileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0600) //nolint:gosec // G304: path is configurable
	if err != nil {
		return nil, fmt.Errorf("wal: failed to open log file: %w", err)
	}

	w := &WAL{
		file:                file,
		filePath:            filePath,
		autoCheckpointOps:   opts.AutoCheckpointOps,
		autoCheckpointMB:    opts.AutoCheckpointMB,
		durabilityMode:      opts.DurabilityMode,
		groupCommitInterval: opts.GroupCommitInterval,
		groupCommitMaxOps:   opts.GroupCommitMaxOps,
	}
	w.syncCond = sync.NewCond(&w.mu)

	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("wal: failed to stat log file: %w", err)
	}

	if st.Size() == 0 {
		w.compressed = opts.Compress
		if err := w.writeHeaderLocked(); err != nil {
			_ = file.Close()
			return nil, err
		}
	} else {
		if err := w.readHeader(); err != nil {
			_ = file.Close()
			return nil, err
		}
	}

	if err := w.initCodecs(); err != nil {
		_ = file.Close()
		return nil, err
	}

	if err := w.recoverTail(st.Size()); err != nil {
		_ = file.Close()
		return nil, err
	}

	if w.durabilityMode == DurabilityGroupCommit && w.groupCommitInterval > 0 {
		w.groupCommitStopCh = make(chan struct{})
		w.groupCommitTicker = time.NewTicker(w.groupCommitInterval)
		w.groupCommitWg.Add(1)
		go w.groupCommitWorker()
	}

	return w, nil
}

func (w *WAL) initCodecs() error {
	if !w.compressed {
		return nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("wal: failed to create compressor: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return fmt.Errorf("wal: failed to create decompressor: %w", err)
	}
	w.encoder = enc
	w.decoder = dec
	return nil
}

func (w *WAL) writeHeaderLocked() error {
	buf := make([]byte, walHeaderLen)
	copy(buf[0:4], walMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], walVersion)
	var flags uint16
	if w.compressed {
		flags |= flagCompressed
	}
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint64(buf[8:16], w.ckptSeq)
	binary.LittleEndian.PutUint32(buf[walHeaderCRCOff:], crc32.ChecksumIEEE(buf[:walHeaderCRCOff]))

	if _, err := w.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("wal: failed to write header: %w", err)
	}
	if w.appendOff < walHeaderLen {
		w.appendOff = walHeaderLen
	}
	return nil
}

func (w *WAL) readHeader() error {
	buf := make([]byte, walHeaderLen)
	if _, err := w.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("%w: short header read: %v", ErrCorrupt, err)
	}
	if [4]byte(buf[0:4]) != walMagic {
		return fmt.Errorf("%w: invalid magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != walVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	if want, got := binary.LittleEndian.Uint32(buf[walHeaderCRCOff:]), crc32.ChecksumIEEE(buf[:walHeaderCRCOff]); want != got {
		return fmt.Errorf("%w: header checksum mismatch", ErrCorrupt)
	}

	flags := binary.LittleEndian.Uint16(buf[6:8])
	w.compressed = flags&flagCompressed != 0
	w.ckptSeq = binary.LittleEndian.Uint64(buf[8:16])
	w.seq = w.ckptSeq
	w.persistedSeq = w.ckptSeq
	w.appendOff = walHeaderLen
	return nil
}

// recoverTail walks all frames, restoring the sequence counter and the append
// offset. A frame that cannot be fully read, or whose checksum fails at the
// very end of the file, is a torn write: the file is truncated at the last
// good frame. A checksum failure with more log following is corruption.
func (w *WAL) recoverTail(fileSize int64) error {
	off := int64(walHeaderLen)
	if fileSize < off {
		fileSize = off
	}

	hdr := make([]byte, frameHeaderLen)
	for off < fileSize {
		if off+frameHeaderLen > fileSize {
			break // torn frame header
		}
		if _, err := w.file.ReadAt(hdr, off); err != nil {
			return fmt.Errorf("wal: failed to read frame header: %w", err)
		}
		length := binary.LittleEndian.Uint32(hdr[0:4])
		wantCRC := binary.LittleEndian.Uint32(hdr[4:8])

		if length > maxEntrySize {
			if off+frameHeaderLen+int64(length) < fileSize {
				return fmt.Errorf("%w: implausible entry length %d at offset %d", ErrCorrupt, length, off)
			}
			break // garbage length at the tail
		}
		end := off + frameHeaderLen + int64(length)
		if end > fileSize {
			break // torn payload
		}

		payload := make([]byte, length)
		if _, err := w.file.ReadAt(payload, off+frameHeaderLen); err != nil {
			return fmt.Errorf("wal: failed to read frame payload: %w", err)
		}
		if crc32.ChecksumIEEE(payload) != wantCRC {
			if end == fileSize {
				break // torn final frame
			}
			return fmt.Errorf("%w: checksum mismatch at offset %d", ErrCorrupt, off)
		}

		var entry Entry
		if err := w.decodeFrame(payload, &entry); err != nil {
			if end == fileSize {
				break
			}
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if entry.Seq > w.seq {
			w.seq = entry.Seq
		}
		off = end
	}

	if off < fileSize {
		if err := w.file.Truncate(off); err != nil {
			return fmt.Errorf("wal: failed to truncate torn tail: %w", err)
		}
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: failed to sync after tail truncation: %w", err)
		}
	}
	w.appendOff = off
	w.persistedSeq = w.seq
	return nil
}

func (w *WAL) decodeFrame(payload []byte, e *Entry) error {
	if w.compressed {
		raw, err := w.decoder.DecodeAll(payload, nil)
		if err != nil {
			return fmt.Errorf("decompression failed: %w", err)
		}
		payload = raw
	}
	return decodePayload(payload, e)
}

// Append assigns the next sequence number to the entry, writes it to the log
// and makes it durable according to the configured durability mode. The
// assigned sequence number is returned.
func (w *WAL) Append(e *Entry) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}

	w.seq++
	e.Seq = w.seq

	payload := encodePayload(e)
	if w.compressed {
		payload = w.encoder.EncodeAll(payload, nil)
	}

	frame := make([]byte, frameHeaderLen+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload))) //nolint:gosec
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[frameHeaderLen:], payload)

	if _, err := w.file.WriteAt(frame, w.appendOff); err != nil {
		w.seq--
		return 0, fmt.Errorf("wal: append failed: %w", err)
	}
	w.appendOff += int64(len(frame))
	w.committedOps++

	if err := w.syncIfNeededLocked(); err != nil {
		return 0, err
	}
	if err := w.maybeCheckpointLocked(); err != nil {
		return 0, err
	}
	return e.Seq, nil
}

// AppendPut logs an insert or replace.
func (w *WAL) AppendPut(col core.CollectionID, key []byte, vector []float32, meta []byte) (uint64, error) {
	return w.Append(&Entry{Type: EntryPut, Collection: col, Key: key, Vector: vector, Metadata: meta})
}

// AppendDelete logs a record removal.
func (w *WAL) AppendDelete(col core.CollectionID, key []byte) (uint64, error) {
	return w.Append(&Entry{Type: EntryDelete, Collection: col, Key: key})
}

// syncIfNeededLocked performs fsync based on the configured durability mode.
func (w *WAL) syncIfNeededLocked() error {
	switch w.durabilityMode {
	case DurabilityAsync:
		return nil

	case DurabilitySync:
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: fsync failed: %w", err)
		}
		w.persistedSeq = w.seq
		return nil

	case DurabilityGroupCommit:
		w.groupCommitPending++
		target := w.seq
		if w.groupCommitPending >= w.groupCommitMaxOps {
			return w.doGroupCommitLocked()
		}
		// Wait for the background worker; Wait releases w.mu.
		for w.persistedSeq < target && !w.closed {
			w.syncCond.Wait()
		}
		return nil

	default:
		return nil
	}
}

// doGroupCommitLocked fsyncs and wakes all waiting appenders. Caller holds w.mu.
func (w *WAL) doGroupCommitLocked() error {
	if w.groupCommitPending == 0 {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: group commit fsync failed: %w", err)
	}
	w.groupCommitPending = 0
	w.persistedSeq = w.seq
	w.syncCond.Broadcast()
	return nil
}

func (w *WAL) groupCommitWorker() {
	defer w.groupCommitWg.Done()
	for {
		select {
		case <-w.groupCommitStopCh:
			w.mu.Lock()
			_ = w.doGroupCommitLocked()
			w.mu.Unlock()
			return
		case <-w.groupCommitTicker.C:
			w.mu.Lock()
			_ = w.doGroupCommitLocked()
			w.mu.Unlock()
		}
	}
}

// Flush forces an fsync regardless of durability mode.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync failed: %w", err)
	}
	w.groupCommitPending = 0
	w.persistedSeq = w.seq
	w.syncCond.Broadcast()
	return nil
}

// Replay calls fn for every entry after the last checkpoint, in strictly
// increasing sequence order. The caller applies entries idempotently.
func (w *WAL) Replay(fn func(e Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	off := int64(walHeaderLen)
	hdr := make([]byte, frameHeaderLen)
	for off < w.appendOff {
		if _, err := w.file.ReadAt(hdr, off); err != nil {
			return fmt.Errorf("wal: replay read failed: %w", err)
		}
		length := binary.LittleEndian.Uint32(hdr[0:4])

		payload := make([]byte, length)
		if _, err := io.ReadFull(io.NewSectionReader(w.file, off+frameHeaderLen, int64(length)), payload); err != nil {
			return fmt.Errorf("wal: replay read failed: %w", err)
		}
		if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(hdr[4:8]) {
			return fmt.Errorf("%w: checksum mismatch during replay at offset %d", ErrCorrupt, off)
		}

		var entry Entry
		if err := w.decodeFrame(payload, &entry); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if err := fn(entry); err != nil {
			return fmt.Errorf("wal: failed to replay entry %d: %w", entry.Seq, err)
		}
		off += frameHeaderLen + int64(length)
	}
	return nil
}

// Checkpoint truncates all entries, recording the current sequence number in
// the header. The caller must have applied and flushed every logged mutation
// to the page store first.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	// The header carrying the new checkpoint seq must be durable before the
	// old entries disappear: truncating first would, on a crash in between,
	// reopen with a regressed sequence counter and hand out seqs that the
	// stored records already carry. Entries surviving a crash after the
	// header fsync replay idempotently.
	w.ckptSeq = w.seq
	w.committedOps = 0
	if err := w.writeHeaderLocked(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: checkpoint fsync failed: %w", err)
	}
	if err := w.file.Truncate(walHeaderLen); err != nil {
		return fmt.Errorf("wal: checkpoint truncation failed: %w", err)
	}
	w.appendOff = walHeaderLen
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: checkpoint fsync failed: %w", err)
	}
	w.groupCommitPending = 0
	w.persistedSeq = w.seq
	w.syncCond.Broadcast()
	return nil
}

// CheckpointSeq returns the sequence number recorded at the last checkpoint.
func (w *WAL) CheckpointSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ckptSeq
}

// Seq returns the last assigned sequence number.
func (w *WAL) Seq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Len returns the number of entries currently in the log.
func (w *WAL) Len() (int, error) {
	count := 0
	err := w.Replay(func(Entry) error {
		count++
		return nil
	})
	return count, err
}

// SetCheckpointFunc sets the callback invoked when auto-checkpoint thresholds
// are exceeded. The engine wires this to its Checkpoint method.
func (w *WAL) SetCheckpointFunc(fn func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checkpointFunc = fn
}

// maybeCheckpointLocked triggers the checkpoint callback when thresholds are
// exceeded. Must be called with w.mu held.
func (w *WAL) maybeCheckpointLocked() error {
	if w.checkpointFunc == nil {
		return nil
	}

	trigger := false
	if w.autoCheckpointOps > 0 && w.committedOps >= w.autoCheckpointOps {
		trigger = true
	}
	if !trigger && w.autoCheckpointMB > 0 {
		if w.appendOff/(1024*1024) >= int64(w.autoCheckpointMB) {
			trigger = true
		}
	}
	if !trigger {
		return nil
	}

	w.committedOps = 0
	fn := w.checkpointFunc

	// The callback re-enters the WAL (flush, Checkpoint), so release the lock.
	w.mu.Unlock()
	err := fn()
	w.mu.Lock()
	return err
}

// FilePath returns the path to the WAL file.
func (w *WAL) FilePath() string {
	return w.filePath
}

// Close stops the group-commit worker, performs a final fsync and closes the
// file. Idempotent.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.syncCond.Broadcast()

	if w.groupCommitTicker != nil {
		close(w.groupCommitStopCh)
		w.mu.Unlock()
		w.groupCommitWg.Wait()
		w.mu.Lock()
		w.groupCommitTicker.Stop()
		w.groupCommitTicker = nil
	}
	defer w.mu.Unlock()

	if w.encoder != nil {
		w.encoder.Close()
	}
	if w.decoder != nil {
		w.decoder.Close()
	}

	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("wal: fsync on close failed: %w", err)
	}
	return w.file.Close()
}
