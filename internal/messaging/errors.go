package messaging

import "errors"

var (
	ErrServerNotReady  = errors.New("nats server not ready for connections")
	ErrNotConnected    = errors.New("transport not connected")
	ErrTransportClosed = errors.New("transport closed")
	ErrInvalidSubject  = errors.New("invalid subject")
	ErrCreateRejected  = errors.New("create entity request rejected")
)
