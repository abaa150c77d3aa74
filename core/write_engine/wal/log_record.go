package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// RecordType defines the kind of a log record.
type RecordType byte

const (
	RecordTypeAtomicUnitStart RecordType = iota + 1
	RecordTypeUpdatePage
	RecordTypeFileCreated
	RecordTypeFileDeleted
	RecordTypeFileTruncated
	RecordTypeAtomicUnitEnd
	RecordTypeCheckpoint
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeAtomicUnitStart:
		return "atomic_unit_start"
	case RecordTypeUpdatePage:
		return "update_page"
	case RecordTypeFileCreated:
		return "file_created"
	case RecordTypeFileDeleted:
		return "file_deleted"
	case RecordTypeFileTruncated:
		return "file_truncated"
	case RecordTypeAtomicUnitEnd:
		return "atomic_unit_end"
	case RecordTypeCheckpoint:
		return "checkpoint"
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// frameHeaderSize is the body length (u32) followed by the body checksum (u64).
const frameHeaderSize = 4 + 8

// MaxRecordSize bounds a single encoded record body.
const MaxRecordSize = 64 << 20

var (
	ErrChecksumMismatch = errors.New("log record checksum mismatch")
	ErrRecordTooLarge   = errors.New("log record too large")
	ErrCorruptRecord    = errors.New("log record is corrupt")
)

// LogRecord is a single entry of the write-ahead log.
type LogRecord struct {
	LSN         pagemanager.LSN
	Type        RecordType
	OperationID int64

	FileID    uint64
	PageIndex uint32
	FileName  string

	// Data holds the page image of an UpdatePage record.
	Data []byte

	// NewOperation is set on start records of operations that were not
	// resumed from an earlier unit.
	NewOperation bool
	// Rollback is set on end records of rolled back operations.
	Rollback bool
	// Metadata is stored on end records.
	Metadata map[string][]byte

	// RedoLSN is the recovery start point of a checkpoint record.
	RedoLSN pagemanager.LSN
}

// Encode serializes the record into a checksummed frame.
func (lr *LogRecord) Encode() ([]byte, error) {
	body := make([]byte, 0, 64+len(lr.Data))
	body = append(body, byte(lr.Type))
	body = binary.LittleEndian.AppendUint64(body, uint64(lr.OperationID))
	body = binary.LittleEndian.AppendUint64(body, lr.FileID)
	body = binary.LittleEndian.AppendUint32(body, lr.PageIndex)

	var flags byte
	if lr.NewOperation {
		flags |= 1
	}
	if lr.Rollback {
		flags |= 2
	}
	body = append(body, flags)

	if len(lr.FileName) > 0xFFFF {
		return nil, fmt.Errorf("%w: file name of %d bytes", ErrRecordTooLarge, len(lr.FileName))
	}
	body = binary.LittleEndian.AppendUint16(body, uint16(len(lr.FileName)))
	body = append(body, lr.FileName...)

	body = binary.LittleEndian.AppendUint32(body, uint32(len(lr.Data)))
	body = append(body, lr.Data...)

	keys := make([]string, 0, len(lr.Metadata))
	for k := range lr.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	body = binary.LittleEndian.AppendUint16(body, uint16(len(keys)))
	for _, k := range keys {
		body = binary.LittleEndian.AppendUint16(body, uint16(len(k)))
		body = append(body, k...)
		body = binary.LittleEndian.AppendUint32(body, uint32(len(lr.Metadata[k])))
		body = append(body, lr.Metadata[k]...)
	}

	body = binary.LittleEndian.AppendUint64(body, uint64(lr.RedoLSN.Segment))
	body = binary.LittleEndian.AppendUint64(body, uint64(lr.RedoLSN.Position))

	if len(body) > MaxRecordSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(body))
	}

	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint64(frame[4:12], xxhash.Sum64(body))
	return append(frame, body...), nil
}

// DecodeLogRecord parses a frame produced by Encode. The LSN is not part of the
// frame and is left for the caller to set.
func DecodeLogRecord(frame []byte) (*LogRecord, error) {
	if len(frame) < frameHeaderSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrCorruptRecord, len(frame))
	}
	n := binary.LittleEndian.Uint32(frame[0:4])
	if int(n) != len(frame)-frameHeaderSize {
		return nil, fmt.Errorf("%w: body length %d does not match frame", ErrCorruptRecord, n)
	}
	body := frame[frameHeaderSize:]
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(frame[4:12]) {
		return nil, ErrChecksumMismatch
	}
	return decodeBody(body)
}

func decodeBody(body []byte) (*LogRecord, error) {
	d := decoder{buf: body}
	lr := &LogRecord{LSN: pagemanager.InvalidLSN}
	lr.Type = RecordType(d.u8())
	lr.OperationID = int64(d.u64())
	lr.FileID = d.u64()
	lr.PageIndex = d.u32()
	flags := d.u8()
	lr.NewOperation = flags&1 != 0
	lr.Rollback = flags&2 != 0
	lr.FileName = string(d.bytes(int(d.u16())))
	if data := d.bytes(int(d.u32())); len(data) > 0 {
		lr.Data = append([]byte(nil), data...)
	}
	if count := int(d.u16()); count > 0 {
		lr.Metadata = make(map[string][]byte, count)
		for i := 0; i < count; i++ {
			k := string(d.bytes(int(d.u16())))
			lr.Metadata[k] = append([]byte(nil), d.bytes(int(d.u32()))...)
		}
	}
	lr.RedoLSN.Segment = int64(d.u64())
	lr.RedoLSN.Position = int64(d.u64())
	if d.err {
		return nil, fmt.Errorf("%w: truncated body", ErrCorruptRecord)
	}
	return lr, nil
}

// decoder reads little endian fields and remembers whether it ran short.
type decoder struct {
	buf []byte
	err bool
}

func (d *decoder) bytes(n int) []byte {
	if d.err || n > len(d.buf) {
		d.err = true
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) u8() byte {
	if b := d.bytes(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.bytes(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.bytes(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.bytes(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}
