package client

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned when an operation needs a connection that was never established.
	ErrNotConnected = errors.New("transport is not connected")

	// ErrReceiveTimeout may be returned by Conn.Read when a receive deadline elapsed
	// without data. The listener treats it as recoverable.
	ErrReceiveTimeout = errors.New("receive timeout")
)

// Conn is a text-frame connection to the simulator's control channel.
//
// Read is only ever called from the listener goroutine; Send may be called
// concurrently with Read from any goroutine.
type Conn interface {
	Read() ([]byte, error)
	Send(data []byte) error
	Close() error
}

// DialFunc opens a connection to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)
