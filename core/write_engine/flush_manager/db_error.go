package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrFileNotFound      = errors.New("file not found in write cache")
	ErrFileExists        = errors.New("file already exists in write cache")
	ErrInvalidFileName   = errors.New("invalid file name")
	ErrChecksumMismatch  = errors.New("page checksum mismatch, data corruption suspected")
	ErrWriteCacheClosed  = errors.New("write cache is closed")
	ErrInvalidPageSize   = errors.New("page size must be positive")
	ErrStorageIDMismatch = errors.New("registry belongs to another storage")
	ErrPageOutOfRange    = errors.New("page index is beyond the end of the file")
)
