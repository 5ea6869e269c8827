package engine

import (
	"errors"

	"github.com/sushant-115/bptdb/core/storage/buffer"
)

var (
	// ErrTableNotOpen is returned for table ids that are not open.
	ErrTableNotOpen = buffer.ErrTableNotOpen
	// ErrTxnActive is returned by operations that cannot run inside a
	// transaction.
	ErrTxnActive    = errors.New("operation not allowed while a transaction is active")
	ErrEngineClosed = errors.New("engine is shut down")
)
