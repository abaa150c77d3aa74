package pagemanager

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// --- Page Identity ---

// PageKey identifies a page inside the storage: the composite file id and the
// page index inside that file.
type PageKey struct {
	FileID    uint64
	PageIndex uint32
}

// Hash returns a 64-bit hash of the key. It is used both for shard selection and
// by the frequency sketch.
func (k PageKey) Hash() uint64 {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[0:8], k.FileID)
	binary.LittleEndian.PutUint32(buf[8:12], k.PageIndex)
	return xxhash.Sum64(buf[:])
}

func (k PageKey) String() string {
	return fmt.Sprintf("%d:%d", k.FileID, k.PageIndex)
}

// --- Log Sequence Numbers ---

// LSN is a position in the write-ahead log: the segment id and the byte offset
// of the record inside that segment.
type LSN struct {
	Segment  int64
	Position int64
}

// InvalidLSN is stamped on pages that were never covered by a log record.
var InvalidLSN = LSN{Segment: -1, Position: -1}

// Compare returns -1, 0 or 1 when l is before, equal to or after other.
func (l LSN) Compare(other LSN) int {
	switch {
	case l.Segment < other.Segment:
		return -1
	case l.Segment > other.Segment:
		return 1
	case l.Position < other.Position:
		return -1
	case l.Position > other.Position:
		return 1
	}
	return 0
}

func (l LSN) IsValid() bool { return l.Segment >= 0 && l.Position >= 0 }

func (l LSN) String() string {
	return fmt.Sprintf("LSN{segment=%d, position=%d}", l.Segment, l.Position)
}

// --- File Ids ---

// The write cache id lives in the high 32 bits of every external file id so one
// read cache can serve several storages.

func ComposeFileID(storageID uint32, fileID uint64) uint64 {
	return uint64(storageID)<<32 | (fileID & 0xFFFFFFFF)
}

func ExtractStorageID(fileID uint64) uint32 { return uint32(fileID >> 32) }

func InternalFileID(fileID uint64) uint32 { return uint32(fileID & 0xFFFFFFFF) }

// CheckFileIDCompatibility rewrites fileID so it carries storageID, failing if it
// already belongs to another storage.
func CheckFileIDCompatibility(storageID uint32, fileID uint64) (uint64, error) {
	if fileID>>32 == 0 {
		return ComposeFileID(storageID, fileID), nil
	}
	if ExtractStorageID(fileID) != storageID {
		return 0, fmt.Errorf("file id %d belongs to storage %d, not %d", fileID, ExtractStorageID(fileID), storageID)
	}
	return fileID, nil
}
