package rpc

import "errors"

var (
	ErrInvalidCall        = errors.New("invalid call")
	ErrOwnershipConflict  = errors.New("node holds authority over both send and acknowledge sides")
	ErrRingFull           = errors.New("rpc ring buffer full")
	ErrRetriesExhausted   = errors.New("rpc retries exhausted")
	ErrCancelled          = errors.New("rpc cancelled")
	ErrUnsupportedRouting = errors.New("call kind cannot be sent from this node type")
)
