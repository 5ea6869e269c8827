package buffer

import "errors"

var (
	// ErrBufferPoolFull means every frame is pinned. It indicates a pin leak
	// or a pool too small for the tree height and is not retryable.
	ErrBufferPoolFull  = errors.New("buffer pool is full and no pages can be evicted")
	ErrTableNotOpen    = errors.New("table is not registered with the buffer pool")
	ErrTableOpen       = errors.New("table is already registered with the buffer pool")
	ErrPagePinned      = errors.New("page is pinned")
	ErrCaptureActive   = errors.New("page capture already active")
	ErrInvalidCapacity = errors.New("buffer pool capacity must be positive")
)
