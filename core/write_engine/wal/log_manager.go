package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	segmentPrefix = "log_"
	segmentSuffix = ".log"

	DefaultSegmentSize   = 64 << 20
	DefaultBufferSize    = 1 << 20
	DefaultFlushInterval = 100 * time.Millisecond
)

var (
	ErrLogClosed        = errors.New("log manager is closed")
	ErrInvalidLogConfig = errors.New("invalid log manager configuration")
)

// Config holds the write-ahead log settings.
type Config struct {
	Dir string `yaml:"dir"`
	// SegmentSize is the soft size limit of a segment file. A record never
	// spans two segments.
	SegmentSize int64 `yaml:"segment_size"`
	// BufferSize is the size of the in-memory write buffer.
	BufferSize int `yaml:"buffer_size"`
	// FlushInterval is the period of the background flusher. Zero disables it.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type flushEvent struct {
	lsn      pagemanager.LSN
	callback func()
}

// LogManager appends records to a sequence of segment files named
// log_00001.log, log_00002.log and so on. The LSN of a record is its segment id
// and byte offset.
type LogManager struct {
	logger  *zap.Logger
	metrics *internaltelemetry.WALMetrics
	cfg     Config

	mu             sync.Mutex
	file           *os.File
	writer         *bufio.Writer
	segments       []int64
	currentSegment int64
	position       int64
	lastLSN        pagemanager.LSN
	flushedLSN     pagemanager.LSN
	events         []flushEvent
	closed         bool

	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewLogManager opens the log in cfg.Dir, repairing a torn tail of the last
// segment, and starts the background flusher.
func NewLogManager(cfg Config, logger *zap.Logger, metrics *internaltelemetry.WALMetrics) (*LogManager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: directory is required", ErrInvalidLogConfig)
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.SegmentSize < int64(cfg.BufferSize) {
		cfg.BufferSize = int(cfg.SegmentSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Dir, err)
	}

	lm := &LogManager{
		logger:     logger.Named("wal"),
		metrics:    metrics,
		cfg:        cfg,
		lastLSN:    pagemanager.InvalidLSN,
		flushedLSN: pagemanager.InvalidLSN,
		stopChan:   make(chan struct{}),
	}
	if err := lm.openLatestSegment(); err != nil {
		return nil, err
	}

	if cfg.FlushInterval > 0 {
		lm.wg.Add(1)
		go lm.flusher()
	}

	lm.logger.Info("Log manager initialized",
		zap.String("dir", cfg.Dir),
		zap.Int64("segment", lm.currentSegment),
		zap.Int64("position", lm.position),
		zap.Int("segments", len(lm.segments)))
	return lm, nil
}

func (lm *LogManager) segmentPath(id int64) string {
	return filepath.Join(lm.cfg.Dir, fmt.Sprintf("%s%05d%s", segmentPrefix, id, segmentSuffix))
}

func listSegments(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory %s: %w", dir, err)
	}
	var ids []int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// openLatestSegment must be called before the manager is shared.
func (lm *LogManager) openLatestSegment() error {
	ids, err := listSegments(lm.cfg.Dir)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		ids = []int64{1}
	}
	lm.segments = ids
	lm.currentSegment = ids[len(ids)-1]

	path := lm.segmentPath(lm.currentSegment)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log segment %s: %w", path, err)
	}

	validEnd, lastRecord, err := scanSegment(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to scan log segment %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log segment %s: %w", path, err)
	}
	if validEnd < info.Size() {
		lm.logger.Warn("Truncating torn tail of log segment",
			zap.String("path", path), zap.Int64("validEnd", validEnd), zap.Int64("size", info.Size()))
		if err := file.Truncate(validEnd); err != nil {
			file.Close()
			return fmt.Errorf("failed to truncate log segment %s: %w", path, err)
		}
	}
	if _, err := file.Seek(validEnd, io.SeekStart); err != nil {
		file.Close()
		return fmt.Errorf("failed to seek log segment %s: %w", path, err)
	}

	lm.file = file
	lm.writer = bufio.NewWriterSize(file, lm.cfg.BufferSize)
	lm.position = validEnd
	if lastRecord >= 0 {
		lm.lastLSN = pagemanager.LSN{Segment: lm.currentSegment, Position: lastRecord}
	} else {
		lm.lastLSN = lm.lastLSNBefore(lm.currentSegment)
	}
	lm.flushedLSN = lm.lastLSN
	return nil
}

// lastLSNBefore finds the last record of the newest non-empty earlier segment.
func (lm *LogManager) lastLSNBefore(segment int64) pagemanager.LSN {
	for i := len(lm.segments) - 1; i >= 0; i-- {
		id := lm.segments[i]
		if id >= segment {
			continue
		}
		f, err := os.Open(lm.segmentPath(id))
		if err != nil {
			continue
		}
		_, last, err := scanSegment(f)
		f.Close()
		if err == nil && last >= 0 {
			return pagemanager.LSN{Segment: id, Position: last}
		}
	}
	return pagemanager.InvalidLSN
}

// scanSegment returns the end offset of the valid prefix and the offset of the
// last valid record, or -1.
func scanSegment(f *os.File) (validEnd, lastRecord int64, err error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, -1, err
	}
	reader := bufio.NewReader(f)
	lastRecord = -1
	for {
		frame, err := readFrame(reader)
		if err != nil {
			// A torn or corrupt frame ends the valid prefix.
			return validEnd, lastRecord, nil
		}
		if _, err := DecodeLogRecord(frame); err != nil {
			return validEnd, lastRecord, nil
		}
		lastRecord = validEnd
		validEnd += int64(len(frame))
	}
}

func readFrame(reader *bufio.Reader) ([]byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(reader, header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame header", ErrCorruptRecord)
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(header[0:4])
	if n > MaxRecordSize {
		return nil, fmt.Errorf("%w: body of %d bytes", ErrCorruptRecord, n)
	}
	frame := make([]byte, frameHeaderSize+int(n))
	copy(frame, header)
	if _, err := io.ReadFull(reader, frame[frameHeaderSize:]); err != nil {
		return nil, fmt.Errorf("%w: truncated frame body: %v", ErrCorruptRecord, err)
	}
	return frame, nil
}

// --- Appending ---

// Append writes a record to the buffer and returns its LSN. The record is
// durable only after Flush.
func (lm *LogManager) Append(record *LogRecord) (pagemanager.LSN, error) {
	frame, err := record.Encode()
	if err != nil {
		return pagemanager.InvalidLSN, err
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return pagemanager.InvalidLSN, ErrLogClosed
	}

	if lm.position > 0 && lm.position+int64(len(frame)) > lm.cfg.SegmentSize {
		if err := lm.rollSegment(); err != nil {
			return pagemanager.InvalidLSN, err
		}
	}
	if _, err := lm.writer.Write(frame); err != nil {
		return pagemanager.InvalidLSN, fmt.Errorf("failed to write log record: %w", err)
	}

	lsn := pagemanager.LSN{Segment: lm.currentSegment, Position: lm.position}
	record.LSN = lsn
	lm.position += int64(len(frame))
	lm.lastLSN = lsn
	lm.metrics.RecordAppend(record.Type.String(), len(frame))
	return lsn, nil
}

// LogAtomicOperationStart writes the start record of an atomic operation.
func (lm *LogManager) LogAtomicOperationStart(isNew bool, operationID int64) (pagemanager.LSN, error) {
	return lm.Append(&LogRecord{Type: RecordTypeAtomicUnitStart, OperationID: operationID, NewOperation: isNew})
}

// LogAtomicOperationEnd writes the end record carrying the operation metadata.
func (lm *LogManager) LogAtomicOperationEnd(operationID int64, rollback bool, metadata map[string][]byte) (pagemanager.LSN, error) {
	return lm.Append(&LogRecord{Type: RecordTypeAtomicUnitEnd, OperationID: operationID, Rollback: rollback, Metadata: metadata})
}

// LogUpdatePage writes the full after-image of a page.
func (lm *LogManager) LogUpdatePage(operationID int64, fileID uint64, pageIndex uint32, image []byte) (pagemanager.LSN, error) {
	return lm.Append(&LogRecord{Type: RecordTypeUpdatePage, OperationID: operationID, FileID: fileID, PageIndex: pageIndex, Data: image})
}

func (lm *LogManager) LogFileCreated(operationID int64, fileID uint64, name string) (pagemanager.LSN, error) {
	return lm.Append(&LogRecord{Type: RecordTypeFileCreated, OperationID: operationID, FileID: fileID, FileName: name})
}

func (lm *LogManager) LogFileDeleted(operationID int64, fileID uint64) (pagemanager.LSN, error) {
	return lm.Append(&LogRecord{Type: RecordTypeFileDeleted, OperationID: operationID, FileID: fileID})
}

func (lm *LogManager) LogFileTruncated(operationID int64, fileID uint64) (pagemanager.LSN, error) {
	return lm.Append(&LogRecord{Type: RecordTypeFileTruncated, OperationID: operationID, FileID: fileID})
}

// LogCheckpoint writes a checkpoint record. Recovery starts at redo.
func (lm *LogManager) LogCheckpoint(redo pagemanager.LSN) (pagemanager.LSN, error) {
	return lm.Append(&LogRecord{Type: RecordTypeCheckpoint, RedoLSN: redo})
}

// --- Segments ---

// rollSegment must be called with lm.mu held.
func (lm *LogManager) rollSegment() error {
	if err := lm.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush log segment %d: %w", lm.currentSegment, err)
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log segment %d: %w", lm.currentSegment, err)
	}
	// Everything written so far is durable now.
	lm.flushedLSN = lm.lastLSN
	if err := lm.file.Close(); err != nil {
		return fmt.Errorf("failed to close log segment %d: %w", lm.currentSegment, err)
	}

	next := lm.currentSegment + 1
	path := lm.segmentPath(next)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create log segment %s: %w", path, err)
	}
	lm.file = file
	lm.writer.Reset(file)
	lm.currentSegment = next
	lm.position = 0
	lm.segments = append(lm.segments, next)
	lm.logger.Debug("Rolled log segment", zap.Int64("segment", next))
	return nil
}

// AppendNewSegment closes the active segment and starts the next one.
func (lm *LogManager) AppendNewSegment() (int64, error) {
	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return 0, ErrLogClosed
	}
	if err := lm.rollSegment(); err != nil {
		lm.mu.Unlock()
		return 0, err
	}
	segment := lm.currentSegment
	due := lm.takeDueEvents()
	lm.mu.Unlock()

	fire(due)
	return segment, nil
}

// ActiveSegment returns the id of the segment records are appended to.
func (lm *LogManager) ActiveSegment() int64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.currentSegment
}

// Segments returns the ids of all segment files, oldest first.
func (lm *LogManager) Segments() []int64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return append([]int64(nil), lm.segments...)
}

// CutTill removes every segment older than segment. The active segment is
// never removed.
func (lm *LogManager) CutTill(segment int64) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var errs error
	kept := lm.segments[:0]
	for _, id := range lm.segments {
		if id >= segment || id == lm.currentSegment {
			kept = append(kept, id)
			continue
		}
		if err := os.Remove(lm.segmentPath(id)); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, fmt.Errorf("failed to remove log segment %d: %w", id, err))
			kept = append(kept, id)
			continue
		}
		lm.logger.Debug("Removed log segment", zap.Int64("segment", id))
	}
	lm.segments = kept
	return errs
}

// --- Durability ---

// End returns the LSN of the last appended record.
func (lm *LogManager) End() pagemanager.LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.lastLSN
}

// FlushedLSN returns the LSN of the last durable record.
func (lm *LogManager) FlushedLSN() pagemanager.LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushedLSN
}

// Flush makes every appended record durable and runs the callbacks registered
// for them, in LSN order.
func (lm *LogManager) Flush() error {
	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return ErrLogClosed
	}
	if err := lm.flushLocked(); err != nil {
		lm.mu.Unlock()
		return err
	}
	due := lm.takeDueEvents()
	lm.mu.Unlock()

	fire(due)
	return nil
}

func (lm *LogManager) flushLocked() error {
	if lm.flushedLSN == lm.lastLSN && lm.writer.Buffered() == 0 {
		return nil
	}
	if err := lm.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush log buffer: %w", err)
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log segment %d: %w", lm.currentSegment, err)
	}
	lm.flushedLSN = lm.lastLSN
	lm.metrics.RecordFlush()
	return nil
}

// AddEventAt runs callback once the record at lsn is durable. If it already
// is, callback runs before AddEventAt returns.
func (lm *LogManager) AddEventAt(lsn pagemanager.LSN, callback func()) {
	lm.mu.Lock()
	if lm.flushedLSN.IsValid() && lsn.Compare(lm.flushedLSN) <= 0 {
		lm.mu.Unlock()
		callback()
		return
	}
	lm.events = append(lm.events, flushEvent{lsn: lsn, callback: callback})
	lm.mu.Unlock()
}

// takeDueEvents must be called with lm.mu held.
func (lm *LogManager) takeDueEvents() []flushEvent {
	if len(lm.events) == 0 || !lm.flushedLSN.IsValid() {
		return nil
	}
	var due []flushEvent
	pending := lm.events[:0]
	for _, ev := range lm.events {
		if ev.lsn.Compare(lm.flushedLSN) <= 0 {
			due = append(due, ev)
		} else {
			pending = append(pending, ev)
		}
	}
	lm.events = pending
	sort.SliceStable(due, func(i, j int) bool { return due[i].lsn.Compare(due[j].lsn) < 0 })
	return due
}

func fire(events []flushEvent) {
	for _, ev := range events {
		ev.callback()
	}
}

// flusher periodically makes buffered records durable.
func (lm *LogManager) flusher() {
	defer lm.wg.Done()
	ticker := time.NewTicker(lm.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := lm.Flush(); err != nil && !errors.Is(err, ErrLogClosed) {
				lm.logger.Error("Background log flush failed", zap.Error(err))
			}
		case <-lm.stopChan:
			return
		}
	}
}

// --- Reading ---

// Reader iterates over log records starting at a given LSN. It sees records
// that were flushed before it reached them.
type Reader struct {
	lm       *LogManager
	from     pagemanager.LSN
	segments []int64
	index    int
	file     *os.File
	reader   *bufio.Reader
	offset   int64
}

// NewReader flushes the log and returns a reader positioned at the first
// record whose LSN is not less than from.
func (lm *LogManager) NewReader(from pagemanager.LSN) (*Reader, error) {
	if err := lm.Flush(); err != nil {
		return nil, err
	}
	var segments []int64
	for _, id := range lm.Segments() {
		if !from.IsValid() || id >= from.Segment {
			segments = append(segments, id)
		}
	}
	return &Reader{lm: lm, from: from, segments: segments}, nil
}

// Next returns the next record or io.EOF. A torn record at the tail of the log
// is reported as io.EOF.
func (r *Reader) Next() (*LogRecord, error) {
	for {
		if r.file == nil {
			if r.index >= len(r.segments) {
				return nil, io.EOF
			}
			if err := r.openSegment(r.segments[r.index]); err != nil {
				return nil, err
			}
		}

		segment := r.segments[r.index]
		frame, err := readFrame(r.reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, ErrCorruptRecord) {
				return nil, fmt.Errorf("failed to read log segment %d at %d: %w", segment, r.offset, err)
			}
			r.closeSegment()
			r.index++
			continue
		}

		record, err := DecodeLogRecord(frame)
		if err != nil {
			if r.index == len(r.segments)-1 {
				r.closeSegment()
				r.index++
				return nil, io.EOF
			}
			return nil, fmt.Errorf("log segment %d at %d: %w", segment, r.offset, err)
		}
		record.LSN = pagemanager.LSN{Segment: segment, Position: r.offset}
		r.offset += int64(len(frame))

		if r.from.IsValid() && record.LSN.Compare(r.from) < 0 {
			continue
		}
		return record, nil
	}
}

func (r *Reader) openSegment(id int64) error {
	f, err := os.Open(r.lm.segmentPath(id))
	if err != nil {
		return fmt.Errorf("failed to open log segment %d: %w", id, err)
	}
	r.file = f
	r.reader = bufio.NewReader(f)
	r.offset = 0
	return nil
}

func (r *Reader) closeSegment() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
		r.reader = nil
	}
}

// Close releases the open segment file.
func (r *Reader) Close() error {
	r.closeSegment()
	return nil
}

// Iterate calls fn for every record starting at from.
func (lm *LogManager) Iterate(from pagemanager.LSN, fn func(*LogRecord) error) error {
	reader, err := lm.NewReader(from)
	if err != nil {
		return err
	}
	defer reader.Close()
	for {
		record, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(record); err != nil {
			return err
		}
	}
}

// --- Shutdown ---

// Close stops the flusher, flushes pending records and closes the active
// segment.
func (lm *LogManager) Close() error {
	lm.closeOnce.Do(func() {
		close(lm.stopChan)
		lm.wg.Wait()

		lm.mu.Lock()
		err := lm.flushLocked()
		due := lm.takeDueEvents()
		lm.closed = true
		err = multierr.Append(err, lm.file.Close())
		lm.mu.Unlock()

		fire(due)
		lm.closeErr = err
		lm.logger.Info("Log manager closed", zap.String("dir", lm.cfg.Dir))
	})
	return lm.closeErr
}

// Delete closes the log and removes its directory.
func (lm *LogManager) Delete() error {
	return multierr.Append(lm.Close(), os.RemoveAll(lm.cfg.Dir))
}
