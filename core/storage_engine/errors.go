package storageengine

import "errors"

var (
	ErrInvalidConfig    = errors.New("invalid storage configuration")
	ErrIdentityMismatch = errors.New("storage directory belongs to a different storage")
	ErrStorageClosed    = errors.New("storage is closed")
	ErrBackupInProgress = errors.New("backup in progress")
	ErrBackupExists     = errors.New("backup directory already holds a manifest")
	ErrBackupCorrupted  = errors.New("backup does not match its manifest")
	ErrManifestNotFound = errors.New("backup manifest not found")
)
