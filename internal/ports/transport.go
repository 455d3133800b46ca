package ports

import (
	"context"
	"time"
)

// Transport is a byte-oriented command/response channel to one instrument.
// A Transport is owned by exactly one driver and is not safe for concurrent
// use by several callers.
type Transport interface {
	Send(cmd []byte) error
	Query(cmd []byte, timeout time.Duration) ([]byte, error)
	IsConnected() bool
	Close() error
}

// TransportOpener acquires the connection described by descriptor.
type TransportOpener func(ctx context.Context, descriptor string) (Transport, error)

// BlockQuerier is implemented by transports that can read an IEEE 488.2
// definite-length block reply, which may contain terminator bytes. The
// returned reply starts at the block header.
type BlockQuerier interface {
	QueryBlock(cmd []byte, timeout time.Duration) ([]byte, error)
}
