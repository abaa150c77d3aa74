package cache

import "errors"

var (
	ErrCacheTooSmall      = errors.New("requested cache size is smaller than the set of pages in use")
	ErrInvalidCacheConfig = errors.New("invalid read cache configuration")
)
