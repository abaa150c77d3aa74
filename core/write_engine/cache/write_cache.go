package cache

import (
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// WriteCache is the durable write-back page store behind the read cache.
//
// Load returns a pointer whose readers referrer was already incremented on
// behalf of the caller, or nil when the page lies beyond the end of the file.
type WriteCache interface {
	ID() uint32
	PageSize() int

	Load(fileID uint64, pageIndex uint32, verifyChecksums bool) (*pagemanager.CachePointer, error)
	Store(fileID uint64, pageIndex uint32, pointer *pagemanager.CachePointer) error
	AllocateNewPage(fileID uint64) (uint32, error)
	UpdateDirtyPagesTable(pointer *pagemanager.CachePointer, startLSN pagemanager.LSN) error
	CheckCacheOverflow() error
	FilledUpTo(fileID uint64) (int64, error)

	AddFile(name string) (uint64, error)
	AddFileWithID(name string, fileID uint64) (uint64, error)
	TruncateFile(fileID uint64) error
	CloseFile(fileID uint64, flush bool) error
	DeleteFile(fileID uint64) error
	Files() map[string]uint64
	Close() error
	Delete() error
}
