package wal

import "errors"

var (
	ErrCorruptLog           = errors.New("log record is corrupt")
	ErrDatabaseMismatch     = errors.New("log belongs to a different database")
	ErrRecoveryInconsistent = errors.New("log and data files are inconsistent")
	ErrLogClosed            = errors.New("log is closed")
	ErrTxnAlreadyActive     = errors.New("a transaction is already active")
	ErrNoActiveTxn          = errors.New("no active transaction")
)
